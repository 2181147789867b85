package cmd

import (
	"bufio"
	"context"
	"io"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bgt/bgt"
	"github.com/grailbio/bgt/biopb"
)

type importOpts struct {
	keepFiltered bool
	// contigs is the path of a TSV file of contig names and lengths.
	contigs         string
	sitesPerBlock   int
	checkpointShift int
}

type contigLine struct {
	Name   string
	Length int64
}

// readContigs reads "name<TAB>length" lines. The file may be compressed.
func readContigs(ctx context.Context, path string) (contigs []biopb.Contig, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	tr := tsv.NewReader(bufio.NewReader(r))
	tr.Comment = '#'
	for {
		var line contigLine
		if err := tr.Read(&line); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, path)
		}
		contigs = append(contigs, biopb.Contig{Name: line.Name, Length: line.Length})
	}
	return contigs, nil
}

func importVCF(ctx context.Context, prefix, path string, opts importOpts) error {
	cfg, err := bgt.LoadConfig()
	if err != nil {
		return err
	}
	iopts := bgt.ImportOpts{
		KeepFiltered:    opts.keepFiltered,
		SitesPerBlock:   cfg.SitesPerBlock,
		CheckpointShift: cfg.CheckpointShift,
	}
	if opts.sitesPerBlock > 0 {
		iopts.SitesPerBlock = opts.sitesPerBlock
	}
	if opts.checkpointShift > 0 {
		iopts.CheckpointShift = opts.checkpointShift
	}
	if opts.contigs != "" {
		if iopts.Contigs, err = readContigs(ctx, opts.contigs); err != nil {
			return err
		}
	}
	_, err = bgt.ImportFile(ctx, prefix, path, iopts)
	return err
}
