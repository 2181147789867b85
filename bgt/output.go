package bgt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bgt/atomize"
	"github.com/grailbio/bgt/expr"
	"github.com/grailbio/bgt/vcf"
)

// OtherAllele is the symbolic ALT allele standing for genotype code 3.
const OtherAllele = atomize.OtherAllele

var defaultMeta = []string{
	"fileformat=VCFv4.1",
	`INFO=<ID=AC,Number=A,Type=Integer,Description="Count of alternate alleles">`,
	`INFO=<ID=AN,Number=1,Type=Integer,Description="Count of total alleles">`,
	`INFO=<ID=END,Number=1,Type=Integer,Description="Ending position">`,
	`FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">`,
	`ALT=<ID=M,Description="Multi-allele">`,
	`ALT=<ID=DEL,Description="Deletion">`,
	`ALT=<ID=DUP,Description="Duplication">`,
	`ALT=<ID=INS,Description="Insertion">`,
	`ALT=<ID=INV,Description="Inversion">`,
	`ALT=<ID=DUP:TANDEM,Description="Tandem duplication">`,
	`ALT=<ID=DEL:ME,Description="Deletion of mobile element">`,
	`ALT=<ID=INS:ME,Description="Insertion of mobile element">`,
}

// Header returns the VCF header of the merged output. It must be called
// after Prepare.
func (m *Multi) Header() *vcf.Header {
	meta := append([]string(nil), defaultMeta...)
	for k, name := range m.GroupNames() {
		meta = append(meta,
			fmt.Sprintf(`INFO=<ID=AC%d,Number=A,Type=Integer,Description="Count of alternate alleles in group %s">`, k+1, name),
			fmt.Sprintf(`INFO=<ID=AN%d,Number=1,Type=Integer,Description="Count of total alleles in group %s">`, k+1, name))
	}
	return vcf.NewHeader(meta, m.Contigs(), m.SampleNames())
}

// codeToAllele maps a genotype code to a VCF allele index.
var codeToAllele = [4]int8{0, 1, vcf.Missing, 2}

// VCFVariant converts a merged site to a VCF record. Allele counts are
// added to INFO if withStats is set, and genotypes if withGT is set.
func (m *Multi) VCFVariant(v *Variant, withGT, withStats bool) *vcf.Variant {
	out := &vcf.Variant{
		Chrom: v.Chrom,
		RefID: v.RefID,
		Pos:   v.Pos,
		Ref:   v.Ref,
		Alts:  []string{v.Alt},
	}
	if v.Multi {
		out.Alts = append(out.Alts, OtherAllele)
	}
	var info []string
	if int(v.Rlen) != len(v.Ref) {
		info = append(info, "END="+strconv.Itoa(int(v.End())))
	}
	if withStats {
		info = append(info, "AC="+strconv.Itoa(v.AC), "AN="+strconv.Itoa(v.AN))
		for k := range v.GroupAC {
			info = append(info,
				"AC"+strconv.Itoa(k+1)+"="+strconv.Itoa(v.GroupAC[k]),
				"AN"+strconv.Itoa(k+1)+"="+strconv.Itoa(v.GroupAN[k]))
		}
	}
	out.Info = strings.Join(info, ";")
	if withGT {
		out.GT = make([]int8, v.NumHaplotypes())
		for j := range out.GT {
			out.GT[j] = codeToAllele[v.Code(j)]
		}
	}
	return out
}

// Table renders merged sites as rows of expression values.
type Table struct {
	cols  []*expr.Expr
	names []string
}

// NewTable parses a comma-separated list of columns. Each column is an
// expression over the variables of a site, e.g. "CHROM,POS,AC/AN".
func (m *Multi) NewTable(cols string) (*Table, error) {
	t := &Table{}
	for _, f := range strings.Split(cols, ",") {
		if f == "" {
			continue
		}
		e, err := expr.Parse(f)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "bgt table column", f)
		}
		for _, name := range e.Vars() {
			if !isSiteVar(name, m.nGroups) {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bgt table column %q: unknown variable %s", f, name))
			}
			if name != "CHROM" && name != "POS" && name != "END" && name != "RLEN" && name != "REF" && name != "ALT" {
				m.stats = true
			}
		}
		t.cols = append(t.cols, e)
		t.names = append(t.names, f)
	}
	if len(t.cols) == 0 {
		return nil, errors.E(errors.Invalid, "bgt: no table column")
	}
	return t, nil
}

// WriteHeader writes the column names prefixed by '#'.
func (t *Table) WriteHeader(w *tsv.Writer) error {
	for i, name := range t.names {
		if i == 0 {
			name = "#" + name
		}
		w.WriteString(name)
	}
	return w.EndLine()
}

// Write writes one row for v. Unset values are written as ".".
func (t *Table) Write(w *tsv.Writer, m *Multi, v *Variant) error {
	env := siteEnv{m: m, v: v}
	for _, e := range t.cols {
		val, err := e.Eval(&env)
		switch {
		case err != nil:
			return errors.E(err, "bgt table", e.String())
		case val.Type == expr.Unset:
			w.WriteString(".")
		case val.Type == expr.String:
			w.WriteString(val.Str)
		default:
			w.WriteString(val.String())
		}
	}
	return w.EndLine()
}

// WriteHapCounts writes the output of HapCounts as a table: the allele
// pattern, the total count and one count per group.
func (m *Multi) WriteHapCounts(w *tsv.Writer) error {
	w.WriteString("#alleles")
	for _, a := range m.alleles {
		w.WriteString(a.String())
	}
	if err := w.EndLine(); err != nil {
		return err
	}
	for _, h := range m.HapCounts() {
		w.WriteString(h.Pattern(len(m.alleles)))
		w.WriteString(strconv.Itoa(h.Count))
		for _, c := range h.GroupCounts {
			w.WriteString(strconv.Itoa(c))
		}
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

// WriteSampleAlleleCounts writes the output of SampleAlleleCounts: sample
// name, number of alleles and the allele pattern.
func (m *Multi) WriteSampleAlleleCounts(w *tsv.Writer) error {
	for _, s := range m.SampleAlleleCounts() {
		w.WriteString(s.Name)
		w.WriteString(strconv.Itoa(s.Count))
		w.WriteString(HapCount{Mask: s.Mask}.Pattern(len(m.alleles)))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}
