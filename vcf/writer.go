package vcf

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Writer writes VCF text. Genotypes are written unphased.
type Writer struct {
	w       *bufio.Writer
	header  *Header
	noGT    bool
	scratch []byte
}

// WriterOpts controls a Writer.
type WriterOpts struct {
	// OmitGenotypes drops the FORMAT and sample columns.
	OmitGenotypes bool
}

// NewWriter writes the header to w and returns a Writer for the records.
func NewWriter(w io.Writer, h *Header, opts WriterOpts) (*Writer, error) {
	vw := &Writer{w: bufio.NewWriterSize(w, 1<<16), header: h, noGT: opts.OmitGenotypes}
	if err := vw.writeHeader(); err != nil {
		return nil, err
	}
	return vw, nil
}

func (w *Writer) writeHeader() error {
	for _, m := range w.header.Meta {
		w.w.WriteString("##")
		w.w.WriteString(m)
		w.w.WriteByte('\n')
	}
	for _, c := range w.header.Contigs {
		w.w.WriteString("##contig=<ID=")
		w.w.WriteString(c.Name)
		if c.Length > 0 {
			w.w.WriteString(",length=")
			w.w.WriteString(strconv.FormatInt(c.Length, 10))
		}
		w.w.WriteString(">\n")
	}
	w.w.WriteString("#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO")
	if !w.noGT && len(w.header.Samples) > 0 {
		w.w.WriteString("\tFORMAT\t")
		w.w.WriteString(strings.Join(w.header.Samples, "\t"))
	}
	_, err := w.w.WriteString("\n")
	return err
}

func orDot(s string) string {
	if s == "" {
		return "."
	}
	return s
}

// Write writes one record. v.GT must hold Ploidy entries per header sample
// unless genotypes are omitted.
func (w *Writer) Write(v *Variant) error {
	b := w.scratch[:0]
	b = append(b, v.Chrom...)
	b = append(b, '\t')
	b = strconv.AppendInt(b, int64(v.Pos)+1, 10)
	b = append(b, '\t')
	b = append(b, orDot(v.ID)...)
	b = append(b, '\t')
	b = append(b, orDot(v.Ref)...)
	b = append(b, '\t')
	if len(v.Alts) == 0 {
		b = append(b, '.')
	}
	for i, a := range v.Alts {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, a...)
	}
	b = append(b, '\t')
	b = append(b, orDot(v.Qual)...)
	b = append(b, '\t')
	b = append(b, orDot(v.Filter)...)
	b = append(b, '\t')
	b = append(b, orDot(v.Info)...)
	if !w.noGT && len(w.header.Samples) > 0 {
		b = append(b, "\tGT"...)
		for i := 0; i+Ploidy <= len(v.GT); i += Ploidy {
			b = append(b, '\t')
			b = appendCall(b, v.GT[i:i+Ploidy])
		}
	}
	b = append(b, '\n')
	w.scratch = b
	_, err := w.w.Write(b)
	return err
}

func appendCall(b []byte, gt []int8) []byte {
	for j, a := range gt {
		if j > 0 {
			b = append(b, '/')
		}
		if a < 0 {
			b = append(b, '.')
		} else {
			b = strconv.AppendInt(b, int64(a), 10)
		}
	}
	return b
}

// Flush flushes buffered records to the underlying writer.
func (w *Writer) Flush() error { return w.w.Flush() }
