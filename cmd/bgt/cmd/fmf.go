package cmd

import (
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/bgt/allele"
	"github.com/grailbio/bgt/expr"
	"github.com/grailbio/bgt/fmf"
)

// printFMF prints the rows of an FMF file that satisfy src. An empty src
// selects every row.
func printFMF(ctx context.Context, path, src string, w io.Writer) error {
	t, err := fmf.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	tw := tsv.NewWriter(w)
	if src == "" {
		for i := range t.Rows {
			if err := t.WriteRow(tw, i); err != nil {
				return err
			}
		}
		return tw.Flush()
	}
	e, err := expr.Parse(src)
	if err != nil {
		return errors.E(errors.Invalid, err, "fmf expression", src)
	}
	it := t.Select(e).Iterator()
	for it.HasNext() {
		if err := t.WriteRow(tw, int(it.Next())); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// getalt prints the alleles of an allele database that satisfy src, one per
// line in the "chr:pos:ref:alt" form.
func getalt(ctx context.Context, path, src string, w io.Writer) error {
	db, err := fmf.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	e, err := expr.Parse(src)
	if err != nil {
		return errors.E(errors.Invalid, err, "allele expression", src)
	}
	tw := tsv.NewWriter(w)
	for _, name := range db.SelectNames(e) {
		a, err := allele.Parse(name)
		if err != nil {
			return errors.E(err, path)
		}
		tw.WriteString(a.String())
		if err := tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
