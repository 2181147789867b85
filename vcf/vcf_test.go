package vcf

import (
	"bytes"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bgt/biopb"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

const testVCF = `##fileformat=VCFv4.2
##INFO=<ID=END,Number=1,Type=Integer,Description="End">
##contig=<ID=1,length=1000>
##contig=<ID=2,length=2000>
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	s1	s2	s3
1	100	rs1	A	C	50	PASS	DP=10	GT:DP	0/1:3	1|1:4	./.:0
1	200	.	ACG	A,AT	.	q10	.	GT	0/2	1	.
3	5	.	N	<DEL>	.	.	END=50;SVTYPE=DEL	GT	0/0	0/1	1/1
`

func readAll(t *testing.T, r *Reader) []*Variant {
	var out []*Variant
	for {
		v, err := r.Read()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, v)
	}
}

func TestRead(t *testing.T) {
	r, err := NewReader(strings.NewReader(testVCF))
	require.NoError(t, err)
	h := r.Header()
	expect.EQ(t, h.Samples, []string{"s1", "s2", "s3"})
	expect.True(t, h.HasMeta("INFO", "END"))
	expect.False(t, h.HasMeta("INFO", "CIGAR"))
	vs := readAll(t, r)
	require.Len(t, vs, 3)

	expect.EQ(t, vs[0].Pos, int32(99))
	expect.EQ(t, vs[0].Alts, []string{"C"})
	expect.EQ(t, vs[0].GT, []int8{0, 1, 1, 1, Missing, Missing})
	expect.EQ(t, vs[0].Rlen(), int32(1))
	expect.True(t, vs[0].Passed())
	dp, ok := vs[0].InfoValue("DP")
	expect.True(t, ok)
	expect.EQ(t, dp, "10")

	expect.EQ(t, vs[1].GT, []int8{0, 2, 1, Missing, Missing, Missing})
	expect.EQ(t, vs[1].Rlen(), int32(3))
	expect.False(t, vs[1].Passed())

	// Contig 3 is not declared.
	expect.EQ(t, vs[2].RefID, int32(2))
	expect.EQ(t, h.Contigs[2], biopb.Contig{Name: "3"})
	expect.EQ(t, vs[2].Rlen(), int32(46))
	_, ok = vs[2].InfoValue("SVTYPE")
	expect.True(t, ok)
	_, ok = vs[2].InfoValue("SV")
	expect.False(t, ok)
}

func TestReadErrors(t *testing.T) {
	for _, body := range []string{
		"1\t10\t.\tA\tC\t.\t.\t.\tGT\t0/3\n",
		"1\t10\t.\tA\tC\t.\t.\t.\tGT\t0/1/1\n",
		"1\tx\t.\tA\tC\t.\t.\t.\tGT\t0/1\n",
		"1\t10\t.\tA\tC\t.\t.\n",
	} {
		r, err := NewReader(strings.NewReader("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\ts1\n" + body))
		require.NoError(t, err)
		_, err = r.Read()
		expect.True(t, err != nil && err != io.EOF, "body %q", body)
	}
	_, err := NewReader(strings.NewReader("##fileformat=VCFv4.2\n"))
	expect.True(t, err != nil)
}

func TestRoundTrip(t *testing.T) {
	r, err := NewReader(strings.NewReader(testVCF))
	require.NoError(t, err)
	vs := readAll(t, r)
	var buf bytes.Buffer
	w, err := NewWriter(&buf, r.Header(), WriterOpts{})
	require.NoError(t, err)
	for _, v := range vs {
		require.NoError(t, w.Write(v))
	}
	require.NoError(t, w.Flush())
	lines := strings.Split(buf.String(), "\n")
	expect.EQ(t, lines[0], "##fileformat=VCFv4.2")
	expect.EQ(t, lines[2], "##contig=<ID=1,length=1000>")
	expect.EQ(t, lines[4], "##contig=<ID=3>")
	expect.EQ(t, lines[5], "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\ts1\ts2\ts3")
	expect.EQ(t, lines[6], "1\t100\trs1\tA\tC\t50\tPASS\tDP=10\tGT\t0/1\t1/1\t./.")
	expect.EQ(t, lines[7], "1\t200\t.\tACG\tA,AT\t.\tq10\t.\tGT\t0/2\t1/.\t./.")

	buf.Reset()
	w, err = NewWriter(&buf, r.Header(), WriterOpts{OmitGenotypes: true})
	require.NoError(t, err)
	require.NoError(t, w.Write(vs[0]))
	require.NoError(t, w.Flush())
	expect.True(t, strings.HasSuffix(buf.String(), "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n1\t100\trs1\tA\tC\t50\tPASS\tDP=10\n"))
}

func TestCompressed(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpDir, "a.vcf.gz")
	var buf bytes.Buffer
	bz := bgzf.NewWriter(&buf, 1)
	_, err := bz.Write([]byte(testVCF))
	require.NoError(t, err)
	require.NoError(t, bz.Close())
	require.NoError(t, ioutil.WriteFile(path, buf.Bytes(), 0644))

	ctx := vcontext.Background()
	r, err := OpenFile(ctx, path)
	require.NoError(t, err)
	expect.EQ(t, len(readAll(t, r)), 3)
	require.NoError(t, r.Close(ctx))
}
