package bgt

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errorreporter"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bgt/atomize"
	"github.com/grailbio/bgt/biopb"
	"github.com/grailbio/bgt/encoding/pbf"
	"github.com/grailbio/bgt/encoding/sites"
	"github.com/grailbio/bgt/vcf"
)

// ImportOpts controls Import.
type ImportOpts struct {
	// KeepFiltered keeps records whose FILTER is neither "." nor "PASS".
	KeepFiltered bool
	// Contigs are added to the contig dictionary before the VCF header's
	// contigs are read; they also supply missing lengths.
	Contigs []biopb.Contig
	// SitesPerBlock and CheckpointShift default to DefaultConfig.
	SitesPerBlock   int
	CheckpointShift int
}

// ImportFile imports a VCF file into a new store with the given prefix.
func ImportFile(ctx context.Context, prefix, path string, opts ImportOpts) (int64, error) {
	in, err := vcf.OpenFile(ctx, path)
	if err != nil {
		return 0, errors.E(err, "bgt import", path)
	}
	n, err := Import(ctx, prefix, in, opts)
	if e := in.Close(ctx); e != nil && err == nil {
		err = e
	}
	return n, err
}

// Import atomizes the records of in and writes them to a new store with the
// given prefix. It returns the number of sites written.
func Import(ctx context.Context, prefix string, in *vcf.Reader, opts ImportOpts) (int64, error) {
	if opts.SitesPerBlock <= 0 {
		opts.SitesPerBlock = DefaultConfig.SitesPerBlock
	}
	if opts.CheckpointShift <= 0 {
		opts.CheckpointShift = DefaultConfig.CheckpointShift
	}
	h := in.Header()
	if len(h.Samples) == 0 {
		return 0, errors.E(errors.Invalid, "bgt import: the VCF has no samples")
	}
	for _, c := range opts.Contigs {
		h.AddContig(c.Name, c.Length)
	}
	if err := writeSamples(ctx, prefix+SampleSuffix, h.Samples); err != nil {
		return 0, err
	}
	nHap := vcf.Ploidy * len(h.Samples)
	pw, err := pbf.Create(ctx, prefix+PBFSuffix, nHap, NumPlanes, opts.CheckpointShift)
	if err != nil {
		return 0, err
	}
	sw, err := sites.NewWriter(ctx, prefix+SitesSuffix, sites.WriteOpts{
		Contigs:       h.Contigs,
		SitesPerBlock: opts.SitesPerBlock,
	})
	if err != nil {
		_ = pw.Close(ctx)
		return 0, err
	}

	var e errorreporter.T
	ab := atomize.New(in, atomize.Opts{
		KeepFiltered: opts.KeepFiltered,
		UseCIGAR:     h.HasMeta("INFO", "CIGAR"),
	})
	var planes [NumPlanes][]byte
	for p := range planes {
		planes[p] = make([]byte, nHap)
	}
	var row int64
	for e.Err() == nil {
		a, err := ab.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.Set(err)
			break
		}
		if len(a.GT) != nHap {
			e.Set(errors.E(errors.Invalid, fmt.Sprintf("bgt import: %v has %d calls, expect %d", a, len(a.GT), nHap)))
			break
		}
		for j, c := range a.GT {
			planes[0][j], planes[1][j] = c&1, c>>1&1
		}
		e.Set(pw.Write(planes[0], planes[1]))
		// The VCF reader adds undeclared contigs as it meets them.
		for sw.NumContigs() < len(h.Contigs) {
			sw.AddContig(h.Contigs[sw.NumContigs()])
		}
		s := biopb.Site{
			RefId:   a.RefID,
			Pos:     a.Pos,
			Rlen:    a.Rlen,
			Alleles: []string{a.Ref, a.Alt},
			Row:     row,
		}
		if a.HasOther {
			s.Alleles = append(s.Alleles, OtherAllele)
		}
		e.Set(sw.Append(s))
		row++
		if row%1000000 == 0 {
			log.Printf("%s: imported %d sites, at %s:%d", prefix, row, a.Chrom, a.Pos+1)
		}
	}
	e.Set(pw.Close(ctx))
	e.Set(sw.Close(ctx))
	if err := e.Err(); err != nil {
		return row, errors.E(err, "bgt import", prefix)
	}
	log.Printf("%s: imported %d sites for %d samples", prefix, row, len(h.Samples))
	return row, nil
}

func writeSamples(ctx context.Context, path string, names []string) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "bgt import", path)
	}
	w := tsv.NewWriter(out.Writer(ctx))
	var e errorreporter.T
	for _, name := range names {
		w.WriteString(name)
		e.Set(w.EndLine())
	}
	e.Set(w.Flush())
	e.Set(out.Close(ctx))
	return e.Err()
}
