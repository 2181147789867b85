package bgt

import (
	"math/bits"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/simd"
	"github.com/grailbio/bgt/expr"
)

// histMinHaplotypes is the number of haplotypes from which group counts
// are computed through a histogram of group bitmasks.
const histMinHaplotypes = 1024

// countAlleles returns the number of called haplotypes and the number of
// haplotypes carrying the primary ALT.
func countAlleles(p0, p1 []byte) (an, ac int) {
	if simd.Accumulate8Greater(p1, 0) == 0 {
		// No missing call and no other ALT.
		return len(p0), simd.Accumulate8Greater(p0, 0)
	}
	for j := range p0 {
		switch p1[j]<<1 | p0[j] {
		case 0, 3:
			an++
		case 1:
			an++
			ac++
		}
	}
	return an, ac
}

// countGroupsDirect computes per-group counts by visiting the groups of
// every haplotype. groups holds one bitmask per sample.
func countGroupsDirect(p0, p1 []byte, groups []uint32, gan, gac []int) {
	for k := range gan {
		gan[k], gac[k] = 0, 0
	}
	for j := range p0 {
		g := groups[j>>1]
		c := p1[j]<<1 | p0[j]
		if g == 0 || c == 2 {
			continue
		}
		for ; g != 0; g &= g - 1 {
			k := bits.TrailingZeros32(g)
			gan[k]++
			if c == 1 {
				gac[k]++
			}
		}
	}
}

// countGroupsHist computes the same counts as countGroupsDirect. It first
// builds, for each byte of the group bitmask, a histogram of byte values,
// and then distributes the 256 buckets to the groups.
func countGroupsHist(p0, p1 []byte, groups []uint32, nGroups int, gan, gac []int) {
	for k := range gan {
		gan[k], gac[k] = 0, 0
	}
	nBytes := (nGroups + 7) / 8
	var an, ac [4][256]int
	for j := range p0 {
		c := p1[j]<<1 | p0[j]
		if c == 2 {
			continue
		}
		g := groups[j>>1]
		for b := 0; b < nBytes; b++ {
			v := byte(g >> (8 * uint(b)))
			an[b][v]++
			if c == 1 {
				ac[b][v]++
			}
		}
	}
	for b := 0; b < nBytes; b++ {
		for v := 1; v < 256; v++ {
			if an[b][v] == 0 {
				continue
			}
			for x := uint(v); x != 0; x &= x - 1 {
				k := 8*b + bits.TrailingZeros(x)
				gan[k] += an[b][v]
				gac[k] += ac[b][v]
			}
		}
	}
}

// siteEnv exposes a merged site to filter and table expressions:
//
//   CHROM, POS (1-based), END, RLEN, REF, ALT
//   AC, AN, AF            over all samples
//   ACi, ANi, AFi         over sample group i, 1-based
//
// AF is unset when AN is zero.
type siteEnv struct {
	m *Multi
	v *Variant
}

var siteVars = map[string]bool{
	"CHROM": true, "POS": true, "END": true, "RLEN": true, "REF": true, "ALT": true,
	"AC": true, "AN": true, "AF": true,
}

// groupVar parses "AC3" into ("AC", 2).
func groupVar(name string) (string, int, bool) {
	if len(name) < 3 {
		return "", 0, false
	}
	key := name[:2]
	if key != "AC" && key != "AN" && key != "AF" {
		return "", 0, false
	}
	i, err := strconv.Atoi(name[2:])
	if err != nil || i < 1 {
		return "", 0, false
	}
	return key, i - 1, true
}

func isSiteVar(name string, nGroups int) bool {
	if siteVars[name] {
		return true
	}
	_, k, ok := groupVar(name)
	return ok && k < nGroups
}

func freq(ac, an int) expr.Value {
	if an == 0 {
		return expr.Value{}
	}
	return expr.FloatValue(float64(ac) / float64(an))
}

// Lookup implements expr.Env.
func (e *siteEnv) Lookup(name string) (expr.Value, bool) {
	v := e.v
	switch name {
	case "CHROM":
		return expr.StringValue(v.Chrom), true
	case "POS":
		return expr.IntValue(int64(v.Pos) + 1), true
	case "END":
		return expr.IntValue(int64(v.End())), true
	case "RLEN":
		return expr.IntValue(int64(v.Rlen)), true
	case "REF":
		return expr.StringValue(v.Ref), true
	case "ALT":
		return expr.StringValue(v.Alt), true
	case "AC":
		return expr.IntValue(int64(v.AC)), true
	case "AN":
		return expr.IntValue(int64(v.AN)), true
	case "AF":
		f := freq(v.AC, v.AN)
		return f, f.Type != expr.Unset
	}
	key, k, ok := groupVar(name)
	if !ok || k >= len(v.GroupAN) {
		return expr.Value{}, false
	}
	switch key {
	case "AC":
		return expr.IntValue(int64(v.GroupAC[k])), true
	case "AN":
		return expr.IntValue(int64(v.GroupAN[k])), true
	}
	f := freq(v.GroupAC[k], v.GroupAN[k])
	return f, f.Type != expr.Unset
}

// HapCount is the number of haplotypes that carry one combination of the
// requested alleles.
type HapCount struct {
	// Mask has bit i set for the i-th requested allele.
	Mask  uint64
	Count int
	// GroupCounts[k] counts the haplotypes in group k.
	GroupCounts []int
}

// Pattern renders the mask as one character per allele, '1' when carried.
func (h HapCount) Pattern(nAlleles int) string {
	var sb strings.Builder
	for i := 0; i < nAlleles; i++ {
		if h.Mask>>uint(i)&1 != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// HapCounts returns the haplotype counts of every allele combination seen
// in the sites read so far, most frequent first. Haplotypes carrying none of
// the alleles are not counted.
func (m *Multi) HapCounts() []HapCount {
	byMask := map[uint64]*HapCount{}
	for j, mask := range m.hapAlleles {
		if mask == 0 {
			continue
		}
		h := byMask[mask]
		if h == nil {
			h = &HapCount{Mask: mask, GroupCounts: make([]int, m.nGroups)}
			byMask[mask] = h
		}
		h.Count++
		for g := m.groups[j>>1]; g != 0; g &= g - 1 {
			h.GroupCounts[bits.TrailingZeros32(g)]++
		}
	}
	out := make([]HapCount, 0, len(byMask))
	for _, h := range byMask {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Mask < out[j].Mask
	})
	return out
}

// SampleAlleleCount is the number of requested alleles one sample carries.
type SampleAlleleCount struct {
	Name  string
	Count int
	// Mask has bit i set if either haplotype carries the i-th allele.
	Mask uint64
}

// SampleAlleleCounts returns the samples that carry at least one of the
// requested alleles, in output order.
func (m *Multi) SampleAlleleCounts() []SampleAlleleCount {
	var out []SampleAlleleCount
	names := m.SampleNames()
	for i := 0; 2*i+1 < len(m.hapAlleles); i++ {
		mask := m.hapAlleles[2*i] | m.hapAlleles[2*i+1]
		if mask != 0 {
			out = append(out, SampleAlleleCount{Name: names[i], Count: bits.OnesCount64(mask), Mask: mask})
		}
	}
	return out
}
