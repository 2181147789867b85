package allele

import (
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, test := range []struct {
		in   string
		want Allele
	}{
		{"chr1:100:AT:AG", Allele{Chrom: "chr1", Pos: 100, Rlen: 1, Ref: "T", Alt: "G"}},
		{"chr1:100:3:T", Allele{Chrom: "chr1", Pos: 99, Rlen: 3, Alt: "T"}},
		{"11:160513::G", Allele{Chrom: "11", Pos: 160512, Rlen: 1, Alt: "G"}},
		{"chr1:100:AAT:AT", Allele{Chrom: "chr1", Pos: 99, Rlen: 2, Ref: "AA", Alt: "A"}},
		{"chr1:100:ACT:AGT", Allele{Chrom: "chr1", Pos: 100, Rlen: 1, Ref: "C", Alt: "G"}},
		{"chr1:100:A:ATT", Allele{Chrom: "chr1", Pos: 99, Rlen: 1, Ref: "A", Alt: "ATT"}},
		{"HLA:1:5:A", Allele{Chrom: "HLA", Pos: 0, Rlen: 5, Alt: "A"}},
		{"a:b:7:C:T", Allele{Chrom: "a:b", Pos: 6, Rlen: 1, Ref: "C", Alt: "T"}},
	} {
		got, err := Parse(test.in)
		require.NoError(t, err, test.in)
		expect.EQ(t, got, test.want, test.in)
	}
	for _, bad := range []string{"chr1:100:A", "chr1", "chr1:x:A:T", "chr1:0:A:T", ":1:A:T", "chr1:5:0:T"} {
		_, err := Parse(bad)
		expect.True(t, errors.Is(errors.Invalid, err), bad)
	}
}

func TestParseList(t *testing.T) {
	as, err := ParseList(",1:10:A:C,,1:20:3:G")
	require.NoError(t, err)
	expect.EQ(t, len(as), 2)
	expect.EQ(t, as[1].String(), "1:20:3:G")
	expect.EQ(t, as[0].String(), "1:10:A:C")

	_, err = ParseList(strings.Repeat("1:10:A:C,", MaxAlleles+1))
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestMatch(t *testing.T) {
	a, err := Parse("chr1:100:AT:AG")
	require.NoError(t, err)
	expect.True(t, a.Match("chr1", 100, 1, "T", "G"))
	expect.False(t, a.Match("chr1", 100, 1, "C", "G"))
	expect.False(t, a.Match("chr2", 100, 1, "T", "G"))
	expect.False(t, a.Match("chr1", 100, 2, "T", "G"))

	a, err = Parse("chr1:100:3:T")
	require.NoError(t, err)
	expect.True(t, a.Match("chr1", 99, 3, "TCC", "T"))
	expect.False(t, a.Match("chr1", 99, 3, "TCC", "<DEL>"))
}
