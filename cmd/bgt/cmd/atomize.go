package cmd

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bgt/atomize"
	"github.com/grailbio/bgt/vcf"
)

type atomizeOpts struct {
	keepFiltered bool
	noGenotypes  bool
}

// atomizeVCF prints the atoms of a VCF file as VCF.
func atomizeVCF(ctx context.Context, path string, opts atomizeOpts, w io.Writer) (err error) {
	in, err := vcf.OpenFile(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	h := in.Header()
	meta := h.Meta
	if !h.HasMeta("ALT", "M") {
		meta = append(meta[:len(meta):len(meta)], `ALT=<ID=M,Description="Multi-allele">`)
	}
	vw, err := vcf.NewWriter(w, vcf.NewHeader(meta, h.Contigs, h.Samples), vcf.WriterOpts{OmitGenotypes: opts.noGenotypes})
	if err != nil {
		return err
	}
	ab := atomize.New(in, atomize.Opts{
		KeepFiltered: opts.keepFiltered,
		UseCIGAR:     h.HasMeta("INFO", "CIGAR"),
	})
	for {
		a, err := ab.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.E(err, path)
		}
		if err := vw.Write(a.Variant()); err != nil {
			return err
		}
	}
	return vw.Flush()
}
