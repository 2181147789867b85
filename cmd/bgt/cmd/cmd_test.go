package cmd

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bgt/bgt"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
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

func writeFile(t *testing.T, dir, name, text string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(text), 0644))
	return path
}

// setup imports vcfA and vcfB and returns their prefixes.
func setup(t *testing.T) (dir string, prefixes []string, cleanup func()) {
	dir, cleanup = testutil.TempDir(t, "", "")
	ctx := vcontext.Background()
	for _, s := range []struct{ name, text string }{{"a", vcfA}, {"b", vcfB}} {
		path := writeFile(t, dir, s.name+".vcf", s.text)
		prefix := filepath.Join(dir, s.name)
		require.NoError(t, importVCF(ctx, prefix, path, importOpts{sitesPerBlock: 2, checkpointShift: 1}))
		prefixes = append(prefixes, prefix)
	}
	return
}

func defaultViewOpts() viewOpts {
	return viewOpts{minGroupSize: -1, level: -1}
}

func runView(t *testing.T, prefixes []string, opts viewOpts) string {
	var buf bytes.Buffer
	require.NoError(t, view(vcontext.Background(), prefixes, opts, &buf))
	return buf.String()
}

func TestViewTable(t *testing.T) {
	_, prefixes, cleanup := setup(t)
	defer cleanup()

	opts := defaultViewOpts()
	opts.table = "CHROM,POS,REF,ALT,AC,AN"
	expect.EQ(t, runView(t, prefixes, opts), `#CHROM	POS	REF	ALT	AC	AN
chr1	100	A	C	3	4
chr1	150	C	G	2	2
chr1	200	G	A	1	2
chr1	200	G	T	1	4
chr2	10	A	T	1	2
`)

	opts.limit = 2
	expect.EQ(t, runView(t, prefixes, opts), `#CHROM	POS	REF	ALT	AC	AN
chr1	100	A	C	3	4
chr1	150	C	G	2	2
*
`)

	opts = defaultViewOpts()
	opts.table = "CHROM,POS"
	opts.region = "chr2"
	expect.EQ(t, runView(t, prefixes, opts), "#CHROM\tPOS\nchr2\t10\n")
}

func TestViewGroups(t *testing.T) {
	dir, prefixes, cleanup := setup(t)
	defer cleanup()

	opts := defaultViewOpts()
	opts.groups = stringList{",a1", "@" + writeFile(t, dir, "names.txt", "b1\textra\n")}
	opts.filter = "AC2 > 0"
	opts.table = "POS,AC1,AC2"
	expect.EQ(t, runView(t, prefixes, opts), `#POS	AC1	AC2
150	0	2
200	0	1
200	0	1
10	0	1
`)

	// Sample groups from a metadata file.
	meta := writeFile(t, dir, "meta.fmf", "a1\tpop:Z:X\na2\tpop:Z:X\nb1\tpop:Z:Y\n")
	opts = defaultViewOpts()
	opts.meta = meta
	opts.groups = stringList{`pop == "X"`}
	opts.table = "POS,AN1"
	opts.region = "chr1:100"
	expect.EQ(t, runView(t, prefixes, opts), "#POS\tAN1\n100\t4\n")

	opts.minGroupSize = 3
	err := view(vcontext.Background(), prefixes, opts, ioutil.Discard)
	require.Error(t, err)
	expect.True(t, errors.Is(errors.NotAllowed, err))
}

func TestViewVCF(t *testing.T) {
	_, prefixes, cleanup := setup(t)
	defer cleanup()

	opts := defaultViewOpts()
	opts.region = "chr1:200"
	opts.stats = true
	lines := strings.Split(strings.TrimSpace(runView(t, prefixes, opts)), "\n")
	expect.EQ(t, lines[0], "##fileformat=VCFv4.1")
	expect.EQ(t, lines[len(lines)-2], "chr1\t200\t.\tG\tA,<M>\t.\t.\tAC=1;AN=2\tGT\t./.\t./.\t2/1")
	expect.EQ(t, lines[len(lines)-1], "chr1\t200\t.\tG\tT,<M>\t.\t.\tAC=1;AN=4\tGT\t0/0\t./.\t1/2")

	opts.noGenotypes = true
	lines = strings.Split(strings.TrimSpace(runView(t, prefixes, opts)), "\n")
	expect.EQ(t, lines[len(lines)-3], "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO")
	expect.EQ(t, lines[len(lines)-1], "chr1\t200\t.\tG\tT,<M>\t.\t.\tAC=1;AN=4")
}

func TestViewGenotypeBudget(t *testing.T) {
	_, prefixes, cleanup := setup(t)
	defer cleanup()

	opts := defaultViewOpts()
	opts.table = "POS"
	// Each site decodes three genotypes.
	opts.maxGenotypes = 6
	expect.EQ(t, runView(t, prefixes, opts), "#POS\n100\n150\n*\n")
}

func TestViewAlleles(t *testing.T) {
	dir, prefixes, cleanup := setup(t)
	defer cleanup()

	opts := defaultViewOpts()
	opts.alleles = ",chr1:100:A:C,chr1:200:G:T"
	opts.hapCounts = true
	expect.EQ(t, runView(t, prefixes, opts), "#alleles\tchr1:100:A:C\tchr1:200:G:T\n10\t3\n01\t1\n")

	db := writeFile(t, dir, "vardb.fmf", "chr1:100:A:C\tAF:f:0.75\nchr1:200:G:T\tAF:f:0.25\nchr2:10:A:T\tAF:f:0.5\n")
	opts = defaultViewOpts()
	opts.varDB = db
	opts.alleles = "AF < 0.6"
	opts.sampleAlleles = true
	expect.EQ(t, runView(t, prefixes, opts), "b1\t2\t11\n")

	opts.alleles = "AF > 1"
	expect.EQ(t, runView(t, prefixes, opts), "")

	opts = defaultViewOpts()
	opts.hapCounts = true
	require.Error(t, view(vcontext.Background(), prefixes, opts, ioutil.Discard))
}

func TestViewBGZF(t *testing.T) {
	dir, prefixes, cleanup := setup(t)
	defer cleanup()

	opts := defaultViewOpts()
	opts.table = "POS"
	opts.region = "chr2"
	opts.level = 1
	opts.out = filepath.Join(dir, "out.tsv.gz")
	expect.EQ(t, runView(t, prefixes, opts), "")

	f, err := os.Open(opts.out)
	require.NoError(t, err)
	defer f.Close() // nolint: errcheck
	r, err := bgzf.NewReader(f, 1)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(r)
	require.NoError(t, err)
	expect.EQ(t, string(data), "#POS\n10\n")
}

func TestImportContigs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	path := writeFile(t, dir, "a.vcf", vcfA)
	contigs := writeFile(t, dir, "contigs.tsv", "#name\tlength\nchr1\t1000\nchrM\t16569\n")
	prefix := filepath.Join(dir, "a")
	require.NoError(t, importVCF(ctx, prefix, path, importOpts{contigs: contigs}))

	r, err := bgt.Open(ctx, prefix)
	require.NoError(t, err)
	defer r.Close(ctx) // nolint: errcheck
	var names []string
	for _, c := range r.Contigs() {
		names = append(names, c.Name)
	}
	expect.EQ(t, names, []string{"chr1", "chrM"})
	expect.EQ(t, r.Contigs()[1].Length, int64(16569))
}

func TestAtomize(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := writeFile(t, dir, "b.vcf", vcfB)
	var buf bytes.Buffer
	require.NoError(t, atomizeVCF(vcontext.Background(), path, atomizeOpts{}, &buf))
	out := buf.String()
	assert.Contains(t, out, "##ALT=<ID=M,")
	assert.Contains(t, out, "chr1\t200\t.\tG\tA,<M>\t.\t.\t.\tGT\t2/1\nchr1\t200\t.\tG\tT,<M>\t.\t.\t.\tGT\t1/2\n")
	assert.Contains(t, out, "chr2\t10\t.\tA\tT\t.\t.\t.\tGT\t0/1\n")
}

func TestFMF(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := vcontext.Background()
	path := writeFile(t, dir, "s.fmf", "s1\tpop:Z:CEU\tage:i:30\ns2\tpop:Z:YRI\tage:i:20\n")

	var buf bytes.Buffer
	require.NoError(t, printFMF(ctx, path, "age > 25", &buf))
	expect.EQ(t, buf.String(), "s1\tpop:Z:CEU\tage:i:30\n")
	buf.Reset()
	require.NoError(t, printFMF(ctx, path, "", &buf))
	expect.EQ(t, strings.Count(buf.String(), "\n"), 2)
	require.Error(t, printFMF(ctx, path, "age >", &buf))

	db := writeFile(t, dir, "vardb.fmf", "chr1:100:A:C\tAF:f:0.1\nchr1:200:GA:GT\tAF:f:0.5\n")
	buf.Reset()
	require.NoError(t, getalt(ctx, db, "AF > 0.2", &buf))
	expect.EQ(t, buf.String(), "chr1:201:A:T\n")
}

func TestChecksum(t *testing.T) {
	_, prefixes, cleanup := setup(t)
	defer cleanup()
	ctx := vcontext.Background()

	var buf bytes.Buffer
	require.NoError(t, checksum(ctx, []string{prefixes[0], prefixes[1], prefixes[0]}, checksumOpts{genotypes: true}, &buf))
	var csums []storeChecksum
	require.NoError(t, json.Unmarshal(buf.Bytes(), &csums))
	require.Len(t, csums, 3)
	expect.EQ(t, csums[0].NSamples, 2)
	expect.EQ(t, csums[0].Refs[0].NSites, int64(2))
	expect.EQ(t, csums[0].Refs[0].SumPos, uint64(99+199))
	expect.EQ(t, csums[0], csums[2])
	expect.EQ(t, len(csums[1].Refs), 2)
	assert.NotEqual(t, csums[0].Refs[0].SumAlleles, csums[1].Refs[0].SumAlleles)
}

func TestPBF(t *testing.T) {
	dir, prefixes, cleanup := setup(t)
	defer cleanup()
	ctx := vcontext.Background()
	run := func(path string, opts pbfOpts) string {
		var buf bytes.Buffer
		require.NoError(t, pbfView(ctx, path, opts, &buf))
		return buf.String()
	}
	all := pbfOpts{count: -1, shift: 13}
	// Genotype codes of the two sites of store a.
	expect.EQ(t, run(prefixes[0]+".pbf", all), "PIM1 4 2\n0 1 1 1\n0 0 2 2\n")

	text := writeFile(t, dir, "m.txt", "PIM1 5 2\n0 1 2 3 0\n3 3 0 0 1\n\n1 0 0 2 2\n2 2 2 2 2\n")
	out := filepath.Join(dir, "m.pbf")
	opts := all
	opts.textIn, opts.out, opts.shift = true, out, 1
	expect.EQ(t, run(text, opts), "")
	expect.EQ(t, run(out, all), "PIM1 5 2\n0 1 2 3 0\n3 3 0 0 1\n1 0 0 2 2\n2 2 2 2 2\n")

	opts = all
	opts.start, opts.count = 1, 2
	expect.EQ(t, run(out, opts), "PIM1 5 2\n3 3 0 0 1\n1 0 0 2 2\n")
	opts.cols = stringList{"4,0", "3"}
	expect.EQ(t, run(out, opts), "PIM1 3 2\n1 3 0\n2 1 2\n")
	opts.textIn = true
	expect.EQ(t, run(text, opts), "PIM1 3 2\n1 3 0\n2 1 2\n")

	opts = all
	opts.start = 9
	expect.EQ(t, run(out, opts), "PIM1 5 2\n")

	bad := writeFile(t, dir, "bad.txt", "PIM1 2 2\n0 4\n")
	opts = all
	opts.textIn = true
	err := pbfView(ctx, bad, opts, ioutil.Discard)
	expect.True(t, errors.Is(errors.Invalid, err), "err: %v", err)
	opts.cols = stringList{"2"}
	err = pbfView(ctx, bad, opts, ioutil.Discard)
	expect.True(t, errors.Is(errors.Invalid, err), "err: %v", err)
}
