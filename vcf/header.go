// Package vcf reads and writes the subset of the VCF text format needed to
// import genotypes and to print query results: the meta lines, contigs,
// sample names, site columns and the GT field.
package vcf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/bgt/biopb"
)

// Header is a VCF header.
type Header struct {
	// Meta holds the "##" lines other than ##contig, without the leading
	// "##".
	Meta []string
	// Contigs is the contig dictionary. Variant.RefID indexes this list.
	Contigs []biopb.Contig
	// Samples lists the sample columns.
	Samples []string

	contigIdx map[string]int32
}

// NewHeader creates a header with the given contigs and samples.
func NewHeader(meta []string, contigs []biopb.Contig, samples []string) *Header {
	h := &Header{Meta: meta, Samples: samples}
	for _, c := range contigs {
		h.AddContig(c.Name, c.Length)
	}
	return h
}

// ContigID returns the index of the named contig, or -1.
func (h *Header) ContigID(name string) int32 {
	if id, ok := h.contigIdx[name]; ok {
		return id
	}
	return -1
}

// AddContig adds a contig unless it already exists, and returns its index.
func (h *Header) AddContig(name string, length int64) int32 {
	if h.contigIdx == nil {
		h.contigIdx = map[string]int32{}
	}
	if id, ok := h.contigIdx[name]; ok {
		if length > 0 && h.Contigs[id].Length == 0 {
			h.Contigs[id].Length = length
		}
		return id
	}
	id := int32(len(h.Contigs))
	h.Contigs = append(h.Contigs, biopb.Contig{Name: name, Length: length})
	h.contigIdx[name] = id
	return id
}

// HasMeta checks if a meta line with the given key and ID exists, e.g.,
// HasMeta("INFO", "CIGAR").
func (h *Header) HasMeta(key, id string) bool {
	prefix := key + "=<ID=" + id + ","
	for _, m := range h.Meta {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// parseContig parses the body of a ##contig line: "<ID=chr1,length=123,...>".
func parseContig(line string) (string, int64, error) {
	body := strings.TrimPrefix(line, "contig=")
	if len(body) < 2 || body[0] != '<' || body[len(body)-1] != '>' {
		return "", 0, fmt.Errorf("malformed contig line: %s", line)
	}
	var (
		name   string
		length int64
	)
	for _, kv := range strings.Split(body[1:len(body)-1], ",") {
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		switch kv[:i] {
		case "ID":
			name = kv[i+1:]
		case "length":
			v, err := strconv.ParseInt(kv[i+1:], 10, 64)
			if err != nil {
				return "", 0, fmt.Errorf("malformed contig length: %s", line)
			}
			length = v
		}
	}
	if name == "" {
		return "", 0, fmt.Errorf("contig line without ID: %s", line)
	}
	return name, length, nil
}
