package vcf

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Missing is the allele index of a missing call.
const Missing = int8(-1)

// Ploidy is the number of GT entries stored per sample. Haploid calls are
// padded with Missing.
const Ploidy = 2

// Variant is one VCF data line. Pos is 0-based.
type Variant struct {
	Chrom  string
	RefID  int32
	Pos    int32
	ID     string
	Ref    string
	Alts   []string
	Qual   string
	Filter string
	// Info is the raw INFO column, "." when empty.
	Info string
	// GT holds Ploidy allele indexes per sample, or Missing. It is nil for a
	// sites-only file.
	GT []int8
}

// Rlen returns the length of the reference span: END-Pos when INFO END is
// present, len(Ref) otherwise.
func (v *Variant) Rlen() int32 {
	if s, ok := v.InfoValue("END"); ok {
		if end, err := strconv.ParseInt(s, 10, 32); err == nil && int32(end) > v.Pos {
			return int32(end) - v.Pos
		}
	}
	return int32(len(v.Ref))
}

// InfoValue returns the value of an INFO key. A flag yields ("", true).
func (v *Variant) InfoValue(key string) (string, bool) {
	if v.Info == "." || v.Info == "" {
		return "", false
	}
	info := v.Info
	for len(info) > 0 {
		var field string
		if i := strings.IndexByte(info, ';'); i >= 0 {
			field, info = info[:i], info[i+1:]
		} else {
			field, info = info, ""
		}
		if !strings.HasPrefix(field, key) {
			continue
		}
		if len(field) == len(key) {
			return "", true
		}
		if field[len(key)] == '=' {
			return field[len(key)+1:], true
		}
	}
	return "", false
}

// Passed checks if the FILTER column is "." or "PASS".
func (v *Variant) Passed() bool {
	return v.Filter == "." || v.Filter == "PASS" || v.Filter == ""
}

// Reader reads a VCF file. It is not thread safe.
type Reader struct {
	path   string
	in     file.File
	closer io.Closer
	r      *bufio.Reader
	header *Header
	lineno int
}

// bgzfMagic is the prefix of every BGZF block: a gzip member with the
// FEXTRA flag.
var bgzfMagic = []byte{0x1f, 0x8b, 0x08, 0x04}

// OpenFile opens a plain, gzipped or bgzipped VCF file and reads its header.
func OpenFile(ctx context.Context, path string) (*Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := newReader(path, in.Reader(ctx))
	if err != nil {
		_ = in.Close(ctx)
		return nil, err
	}
	r.in = in
	return r, nil
}

// NewReader creates a reader over uncompressed or compressed VCF text.
func NewReader(in io.Reader) (*Reader, error) {
	return newReader("(stream)", in)
}

func newReader(path string, in io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(in, 1<<16)
	r := &Reader{path: path, r: br}
	magic, _ := br.Peek(len(bgzfMagic))
	switch {
	case bytes.Equal(magic, bgzfMagic):
		bz, err := bgzf.NewReader(br, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: open bgzf", path)
		}
		r.closer = bz
		r.r = bufio.NewReaderSize(bz, 1<<16)
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: open gzip", path)
		}
		r.closer = gz
		r.r = bufio.NewReaderSize(gz, 1<<16)
	}
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

// Header returns the header. The reader adds contigs that appear in records
// without a ##contig line.
func (r *Reader) Header() *Header { return r.header }

func (r *Reader) readLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err == io.EOF && len(line) > 0 {
		err = nil
	}
	if err != nil {
		return "", err
	}
	r.lineno++
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *Reader) readHeader() error {
	h := &Header{}
	for {
		line, err := r.readLine()
		if err == io.EOF {
			return errors.Errorf("%s: missing #CHROM line", r.path)
		}
		if err != nil {
			return errors.Wrapf(err, "%s: read header", r.path)
		}
		if strings.HasPrefix(line, "##") {
			meta := line[2:]
			if strings.HasPrefix(meta, "contig=") {
				name, length, err := parseContig(meta)
				if err != nil {
					return errors.Wrapf(err, "%s:%d", r.path, r.lineno)
				}
				h.AddContig(name, length)
				continue
			}
			h.Meta = append(h.Meta, meta)
			continue
		}
		if !strings.HasPrefix(line, "#CHROM") {
			return errors.Errorf("%s:%d: expect the #CHROM line, found %.32q", r.path, r.lineno, line)
		}
		cols := strings.Split(line, "\t")
		if len(cols) > 9 {
			h.Samples = cols[9:]
		}
		r.header = h
		return nil
	}
}

// Read reads the next record. It returns io.EOF at the end of the file.
func (r *Reader) Read() (*Variant, error) {
	var line string
	for {
		var err error
		if line, err = r.readLine(); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, errors.Wrapf(err, "%s: read", r.path)
		}
		if line != "" && line[0] != '#' {
			break
		}
	}
	v, err := r.parse(line)
	if err != nil {
		return nil, errors.Wrapf(err, "%s:%d", r.path, r.lineno)
	}
	return v, nil
}

func (r *Reader) parse(line string) (*Variant, error) {
	cols := strings.SplitN(line, "\t", 10)
	if len(cols) < 8 {
		return nil, errors.Errorf("expect at least 8 columns, found %d", len(cols))
	}
	pos, err := strconv.ParseInt(cols[1], 10, 32)
	if err != nil || pos < 1 {
		return nil, errors.Errorf("invalid POS %q", cols[1])
	}
	v := &Variant{
		Chrom:  cols[0],
		Pos:    int32(pos - 1),
		ID:     cols[2],
		Ref:    cols[3],
		Qual:   cols[5],
		Filter: cols[6],
		Info:   cols[7],
	}
	v.RefID = r.header.ContigID(v.Chrom)
	if v.RefID < 0 {
		log.Debug.Printf("%s: contig %s not in the header", r.path, v.Chrom)
		v.RefID = r.header.AddContig(v.Chrom, 0)
	}
	if cols[4] != "." {
		v.Alts = strings.Split(cols[4], ",")
	}
	n := len(r.header.Samples)
	if n == 0 {
		return v, nil
	}
	if len(cols) < 10 {
		return nil, errors.Errorf("expect %d sample columns, found none", n)
	}
	v.GT = make([]int8, Ploidy*n)
	for i := range v.GT {
		v.GT[i] = Missing
	}
	if err := r.parseGT(cols[8], cols[9], v); err != nil {
		return nil, err
	}
	return v, nil
}

// parseGT fills v.GT from the FORMAT column and the tab-separated sample
// columns.
func (r *Reader) parseGT(format, samples string, v *Variant) error {
	fmtIdx := -1
	for i, key := range strings.Split(format, ":") {
		if key == "GT" {
			fmtIdx = i
			break
		}
	}
	if fmtIdx < 0 {
		return nil
	}
	nAllele := len(v.Alts) + 1
	data := gunsafe.StringToBytes(samples)
	for i := 0; i < len(v.GT)/Ploidy; i++ {
		var col []byte
		if j := bytes.IndexByte(data, '\t'); j >= 0 {
			col, data = data[:j], data[j+1:]
		} else {
			col, data = data, nil
			if i != len(v.GT)/Ploidy-1 {
				return errors.Errorf("expect %d sample columns, found %d", len(v.GT)/Ploidy, i+1)
			}
		}
		for f := 0; f < fmtIdx && col != nil; f++ {
			if j := bytes.IndexByte(col, ':'); j >= 0 {
				col = col[j+1:]
			} else {
				col = nil
			}
		}
		if j := bytes.IndexByte(col, ':'); j >= 0 {
			col = col[:j]
		}
		if err := parseCall(col, v.GT[Ploidy*i:Ploidy*i+Ploidy], nAllele); err != nil {
			return errors.Wrapf(err, "sample %s", r.header.Samples[i])
		}
	}
	return nil
}

// parseCall parses one GT value such as "0/1", "1|.", "." or "2".
func parseCall(gt []byte, out []int8, nAllele int) error {
	if len(gt) == 0 {
		return nil
	}
	k := 0
	for len(gt) > 0 {
		var a []byte
		if j := bytes.IndexAny(gt, "/|"); j >= 0 {
			a, gt = gt[:j], gt[j+1:]
		} else {
			a, gt = gt, nil
		}
		if k >= len(out) {
			return errors.Errorf("ploidy larger than %d", len(out))
		}
		if len(a) == 1 && a[0] == '.' {
			out[k] = Missing
		} else {
			x, err := strconv.Atoi(gunsafe.BytesToString(a))
			if err != nil || x < 0 || x >= nAllele || x > 127 {
				return errors.Errorf("invalid allele %q", a)
			}
			out[k] = int8(x)
		}
		k++
	}
	return nil
}

// Close closes the reader and the underlying file.
func (r *Reader) Close(ctx context.Context) error {
	var err error
	if r.closer != nil {
		err = r.closer.Close()
	}
	if r.in != nil {
		if e := r.in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}
	return err
}
