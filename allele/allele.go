// Package allele parses allele descriptors of the form
//
//   chrom:pos:ref:alt
//
// where pos is 1-based and ref is either the reference sequence, the length
// of the reference span as a decimal number, or empty for a one-base span.
// Descriptors with a reference sequence are normalized by trimming the bases
// shared by ref and alt, keeping at least one base in each.
package allele

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// MaxAlleles is the max number of alleles in one query.
const MaxAlleles = 64

// Allele is a normalized allele.
type Allele struct {
	Chrom string
	// Pos is 0-based.
	Pos  int32
	Rlen int32
	// Ref is empty when the descriptor only gives the span length.
	Ref string
	Alt string
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Parse parses one descriptor.
func Parse(s string) (Allele, error) {
	var a Allele
	// The contig name may contain ':', so split from the right.
	fields := make([]string, 4)
	rest := s
	for i := 3; i > 0; i-- {
		j := strings.LastIndexByte(rest, ':')
		if j < 0 {
			return a, errors.E(errors.Invalid, fmt.Sprintf("allele %q: expect chrom:pos:ref:alt", s))
		}
		fields[i], rest = rest[j+1:], rest[:j]
	}
	fields[0] = rest
	if fields[0] == "" {
		return a, errors.E(errors.Invalid, fmt.Sprintf("allele %q: empty contig name", s))
	}
	pos, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil || pos < 1 {
		return a, errors.E(errors.Invalid, fmt.Sprintf("allele %q: invalid position %q", s, fields[1]))
	}
	a.Chrom, a.Pos, a.Alt = fields[0], int32(pos-1), fields[3]
	switch ref := fields[2]; {
	case ref == "":
		a.Rlen = 1
	case isDigits(ref):
		n, err := strconv.ParseInt(ref, 10, 32)
		if err != nil || n < 1 {
			return a, errors.E(errors.Invalid, fmt.Sprintf("allele %q: invalid reference length %q", s, ref))
		}
		a.Rlen = int32(n)
	default:
		a.Ref = ref
		a.Rlen = int32(len(ref))
		a.trim()
	}
	return a, nil
}

// ParseList parses a comma-separated list of descriptors. Empty entries are
// skipped, so ",a,b" and "a,b" are equivalent.
func ParseList(s string) ([]Allele, error) {
	var out []Allele
	for _, f := range strings.Split(s, ",") {
		if f == "" {
			continue
		}
		a, err := Parse(f)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) > MaxAlleles {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%d alleles requested; at most %d are supported", len(out), MaxAlleles))
	}
	return out, nil
}

func (a *Allele) trim() {
	ref, alt := a.Ref, a.Alt
	for len(ref) > 1 && len(alt) > 1 && ref[len(ref)-1] == alt[len(alt)-1] {
		ref, alt = ref[:len(ref)-1], alt[:len(alt)-1]
	}
	for len(ref) > 1 && len(alt) > 1 && ref[0] == alt[0] {
		ref, alt = ref[1:], alt[1:]
		a.Pos++
	}
	a.Ref, a.Alt, a.Rlen = ref, alt, int32(len(ref))
}

// Match checks if a site allele equals a. The reference sequence is compared
// only when a has one.
func (a *Allele) Match(chrom string, pos, rlen int32, ref, alt string) bool {
	if a.Pos != pos || a.Rlen != rlen || a.Chrom != chrom || a.Alt != alt {
		return false
	}
	return a.Ref == "" || a.Ref == ref
}

// String returns the normalized descriptor.
func (a Allele) String() string {
	ref := a.Ref
	if ref == "" {
		ref = strconv.Itoa(int(a.Rlen))
	}
	return fmt.Sprintf("%s:%d:%s:%s", a.Chrom, a.Pos+1, ref, a.Alt)
}
