// Package atomize splits VCF records into atomic alleles: single-base
// substitutions, insertions and deletions, each anchored on the preceding
// reference base. Symbolic alleles and alleles with a reference span
// different from REF pass through unchanged.
//
// Every atom carries one genotype code per haplotype:
//
//   0  the haplotype carries REF at this atom
//   1  the haplotype carries the atom
//   2  the call is missing
//   3  the haplotype carries another allele overlapping the atom
package atomize

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bgt/vcf"
	"github.com/pkg/errors"
)

// Genotype codes of an atom.
const (
	CodeRef     = 0
	CodeAlt     = 1
	CodeMissing = 2
	CodeOther   = 3
)

// Atom is one atomic allele.
type Atom struct {
	Chrom string
	RefID int32
	// Pos is 0-based.
	Pos  int32
	Rlen int32
	Ref  string
	Alt  string
	// GT holds vcf.Ploidy codes per sample.
	GT []byte
	// HasOther is set when some haplotype has code CodeOther.
	HasOther bool

	// allele is the index of the source ALT allele, 1-based.
	allele int
}

// Compare orders atoms by (RefID, Pos, Rlen, Alt).
func (a *Atom) Compare(c llrb.Comparable) int {
	b := c.(*Atom)
	switch {
	case a.RefID != b.RefID:
		return int(a.RefID - b.RefID)
	case a.Pos != b.Pos:
		return int(a.Pos - b.Pos)
	case a.Rlen != b.Rlen:
		return int(a.Rlen - b.Rlen)
	}
	return strings.Compare(a.Alt, b.Alt)
}

func (a *Atom) overlaps(b *Atom) bool {
	return a.Pos < b.Pos+b.Rlen && b.Pos < a.Pos+a.Rlen
}

// String returns "chrom:pos:rlen:alt" with a 1-based position.
func (a *Atom) String() string {
	return fmt.Sprintf("%s:%d:%d:%s", a.Chrom, a.Pos+1, a.Rlen, a.Alt)
}

// OtherAllele is the symbolic ALT allele that stands for CodeOther.
const OtherAllele = "<M>"

// Variant converts the atom to a VCF record. CodeOther becomes the
// OtherAllele, added as a second ALT when the atom has such calls.
func (a *Atom) Variant() *vcf.Variant {
	v := &vcf.Variant{
		Chrom: a.Chrom,
		RefID: a.RefID,
		Pos:   a.Pos,
		Ref:   a.Ref,
		Alts:  []string{a.Alt},
	}
	if a.HasOther {
		v.Alts = append(v.Alts, OtherAllele)
	}
	if int(a.Rlen) != len(a.Ref) {
		v.Info = "END=" + strconv.Itoa(int(a.Pos+a.Rlen))
	}
	if a.GT != nil {
		v.GT = make([]int8, len(a.GT))
		for i, c := range a.GT {
			v.GT[i] = codeToAllele[c]
		}
	}
	return v
}

var codeToAllele = [4]int8{0, 1, vcf.Missing, 2}

// Source supplies VCF records in coordinate order. *vcf.Reader implements
// it.
type Source interface {
	Read() (*vcf.Variant, error)
}

// Opts controls an Atomizer.
type Opts struct {
	// KeepFiltered keeps records whose FILTER is neither "." nor "PASS".
	KeepFiltered bool
	// UseCIGAR reads INFO CIGAR to align REF and ALT. It should be set when
	// the header declares the key.
	UseCIGAR bool
}

// Atomizer reads VCF records and yields atoms in (RefID, Pos, Rlen, Alt)
// order. Identical atoms from different records are emitted once; the first
// one wins.
type Atomizer struct {
	src     Source
	opts    Opts
	pending llrb.Tree
	next    *vcf.Variant
	started bool
	done    bool
}

// New creates an Atomizer.
func New(src Source, opts Opts) *Atomizer {
	return &Atomizer{src: src, opts: opts}
}

func (a *Atomizer) advance() error {
	for {
		v, err := a.src.Read()
		if err == io.EOF {
			a.next, a.done = nil, true
			return nil
		}
		if err != nil {
			return err
		}
		if a.opts.KeepFiltered || v.Passed() {
			a.next = v
			return nil
		}
	}
}

// Read returns the next atom, or io.EOF. An atom is released once the next
// record starts after it.
func (a *Atomizer) Read() (*Atom, error) {
	if !a.started {
		a.started = true
		if err := a.advance(); err != nil {
			return nil, err
		}
	}
	for {
		if a.pending.Len() > 0 {
			min := a.pending.Min().(*Atom)
			if a.done || min.RefID < a.next.RefID || (min.RefID == a.next.RefID && min.Pos < a.next.Pos) {
				a.pending.DeleteMin()
				return min, nil
			}
		} else if a.done {
			return nil, io.EOF
		}
		atoms, err := Split(a.next, a.opts.UseCIGAR)
		if err != nil {
			return nil, err
		}
		for _, at := range atoms {
			if a.pending.Get(at) == nil {
				a.pending.Insert(at)
			} else {
				log.Debug.Printf("atomize: drop duplicate atom %v", at)
			}
		}
		if err := a.advance(); err != nil {
			return nil, err
		}
	}
}

func isSymbolic(allele string) bool {
	return len(allele) > 1 && allele[0] == '<' && allele[len(allele)-1] == '>'
}

// cigarOp is one CIGAR operation.
type cigarOp struct {
	n  int
	op byte
}

func parseCIGAR(s string) ([]cigarOp, error) {
	var ops []cigarOp
	for len(s) > 0 {
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) {
			return nil, errors.Errorf("malformed CIGAR %q", s)
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return nil, errors.Wrapf(err, "CIGAR %q", s)
		}
		ops = append(ops, cigarOp{n, s[i]})
		s = s[i+1:]
	}
	return ops, nil
}

// defaultCIGAR aligns REF and ALT when INFO CIGAR is absent: nM for equal
// lengths, otherwise one matching base, the indel, then the rest matched.
func defaultCIGAR(lRef, lAlt int) []cigarOp {
	if lRef == lAlt {
		return []cigarOp{{lRef, 'M'}}
	}
	ops := []cigarOp{{1, 'M'}}
	rest := lRef - 1
	if l := lAlt - lRef; l > 0 {
		ops = append(ops, cigarOp{l, 'I'})
	} else {
		ops = append(ops, cigarOp{-l, 'D'})
		rest = lAlt - 1
	}
	if rest > 0 {
		ops = append(ops, cigarOp{rest, 'M'})
	}
	return ops
}

// Split atomizes one record. The returned atoms are sorted and unique, and
// their genotypes are translated from the record's calls.
func Split(v *vcf.Variant, useCIGAR bool) ([]*Atom, error) {
	rlen := v.Rlen()
	var cigars []string
	if useCIGAR {
		if s, ok := v.InfoValue("CIGAR"); ok && s != "" {
			cigars = strings.Split(s, ",")
		}
	}
	var atoms []*Atom
	add := func(pos, rlen int32, allele int, ref, alt string) {
		atoms = append(atoms, &Atom{
			Chrom:  v.Chrom,
			RefID:  v.RefID,
			Pos:    pos,
			Rlen:   rlen,
			Ref:    ref,
			Alt:    alt,
			allele: allele,
		})
	}
	ref := v.Ref
	for i, alt := range v.Alts {
		allele := i + 1
		if int(rlen) != len(ref) || isSymbolic(alt) {
			add(v.Pos, rlen, allele, ref, alt)
			continue
		}
		var (
			ops []cigarOp
			err error
		)
		if cigars != nil {
			if i >= len(cigars) {
				return nil, errors.Errorf("%s:%d: %d CIGARs for %d ALT alleles", v.Chrom, v.Pos+1, len(cigars), len(v.Alts))
			}
			if ops, err = parseCIGAR(cigars[i]); err != nil {
				return nil, errors.Wrapf(err, "%s:%d", v.Chrom, v.Pos+1)
			}
		} else {
			ops = defaultCIGAR(len(ref), len(alt))
		}
		x, y := 0, 0
		for _, op := range ops {
			switch op.op {
			case 'M', '=', 'X':
				if x+op.n > len(ref) || y+op.n > len(alt) {
					return nil, errors.Errorf("%s:%d: CIGAR longer than the alleles", v.Chrom, v.Pos+1)
				}
				for j := 0; j < op.n; j++ {
					if ref[x+j] != alt[y+j] {
						add(v.Pos+int32(x+j), 1, allele, ref[x+j:x+j+1], alt[y+j:y+j+1])
					}
				}
				x, y = x+op.n, y+op.n
			case 'I':
				if x == 0 || y == 0 || y+op.n > len(alt) {
					return nil, errors.Errorf("%s:%d: insertion without an anchor base", v.Chrom, v.Pos+1)
				}
				add(v.Pos+int32(x-1), 1, allele, ref[x-1:x], alt[y-1:y+op.n])
				y += op.n
			case 'D':
				if x == 0 || y == 0 || x+op.n > len(ref) {
					return nil, errors.Errorf("%s:%d: deletion without an anchor base", v.Chrom, v.Pos+1)
				}
				add(v.Pos+int32(x-1), int32(op.n+1), allele, ref[x-1:x+op.n], alt[y-1:y])
				x += op.n
			}
		}
	}
	sort.SliceStable(atoms, func(i, j int) bool { return atoms[i].Compare(atoms[j]) < 0 })

	// tr maps a source allele to the code of the atom being translated.
	tr := make([]byte, len(v.Alts)+1)
	var unique []*Atom
	for k := 0; k < len(atoms); {
		ak := atoms[k]
		end := k + 1
		for end < len(atoms) && atoms[end].Compare(ak) == 0 {
			end++
		}
		for i := range tr {
			tr[i] = CodeRef
		}
		for _, ai := range atoms {
			if ai.Compare(ak) != 0 && ai.overlaps(ak) {
				tr[ai.allele] = CodeOther
			}
		}
		for _, ai := range atoms[k:end] {
			tr[ai.allele] = CodeAlt
		}
		if v.GT != nil {
			ak.GT = make([]byte, len(v.GT))
			for j, c := range v.GT {
				if c < 0 {
					ak.GT[j] = CodeMissing
					continue
				}
				ak.GT[j] = tr[c]
				if tr[c] == CodeOther {
					ak.HasOther = true
				}
			}
		}
		unique = append(unique, ak)
		k = end
	}
	return unique, nil
}
