package bgt

import (
	"bytes"
	"io"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bgt/allele"
	"github.com/grailbio/bgt/expr"
	"github.com/grailbio/bgt/interval"
	"github.com/grailbio/bgt/vcf"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

const vcfA = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=1000>
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	a1	a2
chr1	100	.	A	C	.	PASS	.	GT	0/1	1/1
chr1	120	.	T	A	.	LowQual	.	GT	1/1	1/1
chr1	200	.	G	T	.	PASS	.	GT	0/0	./.
`

const vcfB = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=1000>
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	b1
chr1	150	.	C	G	.	.	.	GT	1|1
chr1	200	.	G	T,A	.	.	.	GT	1/2
chr2	10	.	A	T	.	.	.	GT	0|1
`

func importVCF(t *testing.T, dir, name, text string) string {
	path := filepath.Join(dir, name+".vcf")
	require.NoError(t, ioutil.WriteFile(path, []byte(text), 0644))
	prefix := filepath.Join(dir, name)
	_, err := ImportFile(vcontext.Background(), prefix, path, ImportOpts{SitesPerBlock: 2, CheckpointShift: 1})
	require.NoError(t, err)
	return prefix
}

func codes(planes [NumPlanes][]byte) []byte {
	c := make([]byte, len(planes[0]))
	for j := range c {
		c[j] = planes[1][j]<<1 | planes[0][j]
	}
	return c
}

func TestImportAndRead(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	prefix := importVCF(t, dir, "a", vcfA)

	r, err := Open(ctx, prefix)
	require.NoError(t, err)
	expect.EQ(t, r.Samples().Names(), []string{"a1", "a2"})
	expect.EQ(t, r.Contigs()[0].Name, "chr1")

	n := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		expect.EQ(t, rec.Chrom, "chr1")
		n++
	}
	// The filtered record at 120 is dropped.
	expect.EQ(t, n, 2)

	require.NoError(t, r.SetStart(0))
	rec, err := r.Read()
	require.NoError(t, err)
	expect.EQ(t, rec.Site.Pos, int32(99))
	expect.EQ(t, rec.Site.Alleles, []string{"A", "C"})
	expect.EQ(t, codes(rec.Planes), []byte{0, 1, 1, 1})
	rec, err = r.Read()
	require.NoError(t, err)
	expect.EQ(t, rec.Site.Row, int64(1))
	expect.EQ(t, codes(rec.Planes), []byte{0, 0, 2, 2})
	_, err = r.Read()
	expect.EQ(t, err, io.EOF)
	require.NoError(t, r.Close(ctx))
}

// errorLog records the messages logged at log.Error.
type errorLog struct{ msgs []string }

func (l *errorLog) Level() log.Level { return log.Info }

func (l *errorLog) Output(calldepth int, level log.Level, s string) error {
	if level == log.Error {
		l.msgs = append(l.msgs, s)
	}
	return nil
}

func TestUnknownSamples(t *testing.T) {
	out := &errorLog{}
	defer log.SetOutputter(log.SetOutputter(out))

	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	r, err := Open(ctx, importVCF(t, dir, "a", vcfA))
	require.NoError(t, err)
	defer r.Close(ctx) // nolint: errcheck
	_, err = r.SetSamples([]string{"a1", "a3"})
	require.NoError(t, err)
	require.Len(t, out.msgs, 1)
	expect.True(t, strings.Contains(out.msgs[0], "sample a3 not found; did you mean a1?"), out.msgs[0])

	// A name known to one of the merged stores is not an error.
	out.msgs = nil
	m, cleanupMulti := openMulti(t, DefaultConfig)
	defer cleanupMulti()
	require.NoError(t, m.SetSamples([]string{"b1", "a2", "zz", "zz"}))
	require.Len(t, out.msgs, 1)
	expect.True(t, strings.Contains(out.msgs[0], "sample zz not found"), out.msgs[0])
}

func TestSampleSelection(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	prefix := importVCF(t, dir, "a", vcfA)
	r, err := Open(ctx, prefix)
	require.NoError(t, err)
	defer r.Close(ctx) // nolint: errcheck

	n, err := r.SetSamples([]string{"a2", "nobody", "a2"})
	require.NoError(t, err)
	expect.EQ(t, n, 1)
	expect.EQ(t, r.SelectedNames(), []string{"a2"})
	rec, err := r.Read()
	require.NoError(t, err)
	expect.EQ(t, codes(rec.Planes), []byte{1, 1})
	rec, err = r.Read()
	require.NoError(t, err)
	expect.EQ(t, codes(rec.Planes), []byte{2, 2})

	e, err := expr.Parse(`true`)
	require.NoError(t, err)
	n, err = r.SetSamplesExpr(e)
	require.NoError(t, err)
	expect.EQ(t, n, 2)
	require.NoError(t, r.SetStart(1))
	rec, err = r.Read()
	require.NoError(t, err)
	expect.EQ(t, codes(rec.Planes), []byte{0, 0, 2, 2})

	n, err = r.SetSamples(nil)
	require.NoError(t, err)
	expect.EQ(t, n, 0)
	_, err = r.Read()
	expect.EQ(t, err, io.EOF)

	_, err = r.SelectSamples([]int32{5})
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestRegionAndBED(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	prefix := importVCF(t, dir, "b", vcfB)
	r, err := Open(ctx, prefix)
	require.NoError(t, err)
	defer r.Close(ctx) // nolint: errcheck

	readPos := func() []int32 {
		var pos []int32
		for {
			rec, err := r.Read()
			if err == io.EOF {
				return pos
			}
			require.NoError(t, err)
			pos = append(pos, rec.Site.Pos+1)
		}
	}
	require.NoError(t, r.SetRegion("chr1:160-300"))
	expect.EQ(t, readPos(), []int32{200, 200})
	require.NoError(t, r.SetRegion("chr2"))
	expect.EQ(t, readPos(), []int32{10})
	require.NoError(t, r.SetRegion("chr3:1-10"))
	expect.EQ(t, readPos(), []int32(nil))
	expect.True(t, r.SetRegion("chr1:x") != nil)

	u, err := interval.NewBEDUnionFromEntries([]interval.Entry{{ChrName: "chr1", Start0: 140, End: 160}})
	require.NoError(t, err)
	require.NoError(t, r.SetStart(0))
	r.SetBED(u, false)
	expect.EQ(t, readPos(), []int32{150})
	require.NoError(t, r.SetStart(0))
	r.SetBED(u, true)
	expect.EQ(t, readPos(), []int32{200, 200, 10})
}

func openMulti(t *testing.T, cfg Config) (*Multi, func()) {
	dir, cleanup := testutil.TempDir(t, "", "")
	a := importVCF(t, dir, "a", vcfA)
	b := importVCF(t, dir, "b", vcfB)
	m, err := OpenMulti(vcontext.Background(), []string{a, b}, cfg)
	require.NoError(t, err)
	return m, func() {
		require.NoError(t, m.Close(vcontext.Background()))
		cleanup()
	}
}

type mergedSite struct {
	pos   int32
	alt   string
	multi bool
	codes []byte
	ac    int
	an    int
}

func readAll(t *testing.T, m *Multi) []mergedSite {
	var out []mergedSite
	for {
		v, err := m.Read()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, mergedSite{v.Pos + 1, v.Alt, v.Multi, codes(v.Planes), v.AC, v.AN})
	}
}

func TestMerge(t *testing.T) {
	m, cleanup := openMulti(t, DefaultConfig)
	defer cleanup()
	m.SetStats(true)
	expect.EQ(t, m.Contigs()[0].Name, "chr1")
	expect.EQ(t, m.Contigs()[1].Name, "chr2")
	expect.EQ(t, readAll(t, m), []mergedSite{
		{100, "C", false, []byte{0, 1, 1, 1, 2, 2}, 3, 4},
		{150, "G", false, []byte{2, 2, 2, 2, 1, 1}, 2, 2},
		{200, "A", true, []byte{2, 2, 2, 2, 3, 1}, 1, 2},
		{200, "T", true, []byte{0, 0, 2, 2, 1, 3}, 1, 4},
		{10, "T", false, []byte{2, 2, 2, 2, 0, 1}, 1, 2},
	})
	expect.EQ(t, m.SampleNames(), []string{"a1", "a2", "b1"})
	expect.EQ(t, m.NumGenotypes(), int64(15))
}

func TestVCFOutput(t *testing.T) {
	m, cleanup := openMulti(t, DefaultConfig)
	defer cleanup()
	require.NoError(t, m.SetRegion("chr1:200"))
	m.SetStats(true)
	require.NoError(t, m.Prepare())
	var buf bytes.Buffer
	w, err := vcf.NewWriter(&buf, m.Header(), vcf.WriterOpts{})
	require.NoError(t, err)
	for {
		v, err := m.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, w.Write(m.VCFVariant(v, true, true)))
	}
	require.NoError(t, w.Flush())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	expect.EQ(t, lines[0], "##fileformat=VCFv4.1")
	expect.EQ(t, lines[len(lines)-3], "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\ta1\ta2\tb1")
	expect.EQ(t, lines[len(lines)-2], "chr1\t200\t.\tG\tA,<M>\t.\t.\tAC=1;AN=2\tGT\t./.\t./.\t2/1")
	expect.EQ(t, lines[len(lines)-1], "chr1\t200\t.\tG\tT,<M>\t.\t.\tAC=1;AN=4\tGT\t0/0\t./.\t1/2")
}

func TestGroupsAndFilter(t *testing.T) {
	m, cleanup := openMulti(t, DefaultConfig)
	defer cleanup()
	n, err := m.AddGroup([]string{"a1", "b1"})
	require.NoError(t, err)
	expect.EQ(t, n, 2)
	n, err = m.AddGroup([]string{"a2"})
	require.NoError(t, err)
	expect.EQ(t, n, 1)
	require.NoError(t, m.SetFilter("AC1 > 0 .and. AN2 == 2"))
	expect.True(t, m.SetFilter("AC3 > 0") != nil)
	expect.True(t, m.SetFilter("AC >") != nil)

	v, err := m.Read()
	require.NoError(t, err)
	expect.EQ(t, v.Pos, int32(99))
	expect.EQ(t, v.GroupAC, []int{1, 2})
	expect.EQ(t, v.GroupAN, []int{2, 2})
	_, err = m.Read()
	expect.EQ(t, err, io.EOF)
	expect.EQ(t, m.GroupSizes(), []int{2, 1})
	expect.EQ(t, m.GroupNames(), []string{"a1,b1", "a2"})
	expect.True(t, m.SetFilter("AC > 0") != nil)
}

func TestGroupSelectsSamples(t *testing.T) {
	m, cleanup := openMulti(t, DefaultConfig)
	defer cleanup()
	_, err := m.AddGroup([]string{"b1", "a2"})
	require.NoError(t, err)
	sites := readAll(t, m)
	expect.EQ(t, m.SampleNames(), []string{"a2", "b1"})
	expect.EQ(t, sites[0].codes, []byte{1, 1, 2, 2})
}

func TestMinGroupSize(t *testing.T) {
	cfg := DefaultConfig
	cfg.MinGroupSize = 2
	m, cleanup := openMulti(t, cfg)
	defer cleanup()
	_, err := m.AddGroup([]string{"a2"})
	require.NoError(t, err)
	expect.False(t, m.GenotypesAllowed())
	_, err = m.Read()
	expect.True(t, errors.Is(errors.NotAllowed, err), err)
}

func TestGenotypeBudget(t *testing.T) {
	cfg := DefaultConfig
	cfg.MaxGenotypes = 3
	m, cleanup := openMulti(t, cfg)
	defer cleanup()
	_, err := m.Read()
	require.NoError(t, err)
	expect.False(t, m.Exhausted())
	_, err = m.Read()
	require.NoError(t, err)
	expect.True(t, m.Exhausted())
}

func TestAlleles(t *testing.T) {
	m, cleanup := openMulti(t, DefaultConfig)
	defer cleanup()
	alleles, err := allele.ParseList(",chr1:100:A:C,chr1:200:1:T")
	require.NoError(t, err)
	require.NoError(t, m.SetAlleles(alleles))
	sites := readAll(t, m)
	expect.EQ(t, len(sites), 2)
	expect.EQ(t, sites[0].pos, int32(100))
	expect.EQ(t, sites[1].alt, "T")

	hc := m.HapCounts()
	expect.EQ(t, len(hc), 2)
	expect.EQ(t, hc[0].Pattern(2), "10")
	expect.EQ(t, hc[0].Count, 3)
	expect.EQ(t, hc[1].Pattern(2), "01")
	expect.EQ(t, hc[1].Count, 1)

	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	require.NoError(t, m.WriteSampleAlleleCounts(w))
	require.NoError(t, w.Flush())
	expect.EQ(t, buf.String(), "a1\t1\t10\na2\t1\t10\nb1\t1\t01\n")
}

func TestTable(t *testing.T) {
	m, cleanup := openMulti(t, DefaultConfig)
	defer cleanup()
	_, err := m.NewTable("CHROM,POS,END,REF,ALT,AC/AN,AF1")
	expect.True(t, err != nil)
	tb, err := m.NewTable("CHROM,POS,END,REF,ALT,AC,AN,AC/AN")
	require.NoError(t, err)
	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	require.NoError(t, tb.WriteHeader(w))
	v, err := m.Read()
	require.NoError(t, err)
	require.NoError(t, tb.Write(w, m, v))
	require.NoError(t, w.Flush())
	expect.EQ(t, buf.String(), "#CHROM\tPOS\tEND\tREF\tALT\tAC\tAN\tAC/AN\nchr1\t100\t100\tA\tC\t3\t4\t0.75\n")
}

func TestCountAlleles(t *testing.T) {
	// 4 samples: het, het, hom-alt, missing.
	p0 := []byte{0, 1, 0, 1, 1, 1, 0, 0}
	p1 := []byte{0, 0, 0, 0, 0, 0, 1, 1}
	an, ac := countAlleles(p0, p1)
	expect.EQ(t, an, 6)
	expect.EQ(t, ac, 4)
	an, ac = countAlleles([]byte{1, 0, 1}, []byte{0, 0, 0})
	expect.EQ(t, an, 3)
	expect.EQ(t, ac, 2)
	an, ac = countAlleles([]byte{1, 1}, []byte{1, 0})
	expect.EQ(t, an, 2)
	expect.EQ(t, ac, 1)
}

func TestCountGroups(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, nGroups := range []int{1, 5, 8, 9, 32} {
		nSamples := 700
		p0, p1 := make([]byte, 2*nSamples), make([]byte, 2*nSamples)
		for j := range p0 {
			c := byte(r.Intn(4))
			p0[j], p1[j] = c&1, c>>1
		}
		groups := make([]uint32, nSamples)
		for i := range groups {
			groups[i] = r.Uint32()
			if nGroups < 32 {
				groups[i] &= 1<<uint(nGroups) - 1
			}
		}
		an1, ac1 := make([]int, nGroups), make([]int, nGroups)
		an2, ac2 := make([]int, nGroups), make([]int, nGroups)
		countGroupsDirect(p0, p1, groups, an1, ac1)
		countGroupsHist(p0, p1, groups, nGroups, an2, ac2)
		expect.EQ(t, an1, an2, "groups=%d", nGroups)
		expect.EQ(t, ac1, ac2, "groups=%d", nGroups)

		// Brute force for group 0.
		an, ac := 0, 0
		for j := range p0 {
			if groups[j>>1]&1 == 0 {
				continue
			}
			switch p1[j]<<1 | p0[j] {
			case 1:
				ac++
				an++
			case 0, 3:
				an++
			}
		}
		expect.EQ(t, an1[0], an)
		expect.EQ(t, ac1[0], ac)
	}
}
