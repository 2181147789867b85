// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bgt

import (
	"context"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bgt/biopb"
	"github.com/grailbio/bgt/encoding/pbf"
	"github.com/grailbio/bgt/encoding/sites"
	"github.com/grailbio/bgt/expr"
	"github.com/grailbio/bgt/fmf"
	"github.com/grailbio/bgt/interval"
	"github.com/grailbio/bgt/util"
)

// Suffixes of the files of a store.
const (
	SampleSuffix = ".spl"
	PBFSuffix    = ".pbf"
	SitesSuffix  = ".sites"
)

// NumPlanes is the number of bit planes of a store.
const NumPlanes = 2

// Record is one site of a store together with the genotypes of the selected
// samples.
type Record struct {
	Site  biopb.Site
	Chrom string
	// Planes[p][2*i+h] is bit p of haplotype h of the i-th selected sample.
	// Code(j) combines the two planes.
	Planes [NumPlanes][]byte
}

// Code returns the genotype code of haplotype j.
func (r *Record) Code(j int) byte {
	return r.Planes[1][j]<<1 | r.Planes[0][j]
}

// Reader reads one store. It is not thread safe.
type Reader struct {
	prefix  string
	samples *fmf.Table
	pb      *pbf.Reader
	sites   *sites.Reader

	// out lists the selected samples in increasing order.
	out     []int32
	bed     *interval.BEDUnion
	bedExcl bool
	// empty is set when the region names a contig the store does not have.
	empty bool
}

// Open opens the store with the given prefix.
func Open(ctx context.Context, prefix string) (*Reader, error) {
	samples, err := fmf.ReadFile(ctx, prefix+SampleSuffix)
	if err != nil {
		return nil, errors.E(err, "bgt.Open", prefix)
	}
	for _, row := range samples.Rows {
		if _, ok := samples.Lookup(row.Name); !ok {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("bgt %s: duplicated sample %s", prefix, row.Name))
		}
	}
	r := &Reader{prefix: prefix, samples: samples}
	if r.pb, err = pbf.Open(ctx, prefix+PBFSuffix); err != nil {
		return nil, err
	}
	if r.sites, err = sites.Open(ctx, prefix+SitesSuffix); err != nil {
		_ = r.pb.Close(ctx)
		return nil, err
	}
	if r.pb.NumCols() != 2*len(samples.Rows) || r.pb.NumPlanes() != NumPlanes {
		err := errors.E(errors.Integrity, fmt.Sprintf("bgt %s: %d samples but the genotype matrix has %d columns and %d planes",
			prefix, len(samples.Rows), r.pb.NumCols(), r.pb.NumPlanes()))
		_ = r.Close(ctx)
		return nil, err
	}
	if r.pb.NumRows() != r.sites.NumSites() {
		err := errors.E(errors.Integrity, fmt.Sprintf("bgt %s: %d genotype rows but %d sites", prefix, r.pb.NumRows(), r.sites.NumSites()))
		_ = r.Close(ctx)
		return nil, err
	}
	r.out = make([]int32, len(samples.Rows))
	for i := range r.out {
		r.out[i] = int32(i)
	}
	log.Debug.Printf("%s: %d samples, %d sites", prefix, len(samples.Rows), r.pb.NumRows())
	return r, nil
}

// Prefix returns the path prefix of the store.
func (r *Reader) Prefix() string { return r.prefix }

// Samples returns the sample table of the store.
func (r *Reader) Samples() *fmf.Table { return r.samples }

// Contigs returns the contig dictionary of the store.
func (r *Reader) Contigs() []biopb.Contig { return r.sites.Contigs() }

// Selected returns the indices of the selected samples in increasing order.
func (r *Reader) Selected() []int32 { return r.out }

// SelectedNames returns the names of the selected samples.
func (r *Reader) SelectedNames() []string {
	names := make([]string, len(r.out))
	for i, s := range r.out {
		names[i] = r.samples.Rows[s].Name
	}
	return names
}

// lookupSamples returns the indices of the named samples and the names the
// store does not have.
func (r *Reader) lookupSamples(names []string) (idx []int32, unknown []string) {
	idx = make([]int32, 0, len(names))
	for _, name := range names {
		i, ok := r.samples.Lookup(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		idx = append(idx, int32(i))
	}
	return idx, unknown
}

// SetSamples selects the named samples. Unknown names are skipped and logged
// as errors together with the closest known name; duplicates are selected
// once. Samples are always reported in store order. It returns the number of
// selected samples.
func (r *Reader) SetSamples(names []string) (int, error) {
	idx, unknown := r.lookupSamples(names)
	for _, name := range unknown {
		if c, d := util.Closest(name, r.samples.Names()); d >= 0 {
			log.Error.Printf("%s: sample %s not found; did you mean %s?", r.prefix, name, c)
		} else {
			log.Error.Printf("%s: sample %s not found", r.prefix, name)
		}
	}
	return r.SelectSamples(idx)
}

// SetSamplesExpr selects the samples whose metadata satisfies e.
func (r *Reader) SetSamplesExpr(e *expr.Expr) (int, error) {
	return r.selectBitmap(r.samples.Select(e))
}

func (r *Reader) selectBitmap(bm *roaring.Bitmap) (int, error) {
	a := bm.ToArray()
	idx := make([]int32, len(a))
	for i, v := range a {
		idx[i] = int32(v)
	}
	return r.SelectSamples(idx)
}

// SelectSamples selects samples by index.
func (r *Reader) SelectSamples(idx []int32) (int, error) {
	out := util.Dedup(append([]int32(nil), idx...))
	for _, i := range out {
		if i < 0 || int(i) >= len(r.samples.Rows) {
			return 0, errors.E(errors.Invalid, fmt.Sprintf("bgt %s: sample index %d out of range", r.prefix, i))
		}
	}
	r.out = out
	if len(out) == 0 {
		return 0, nil
	}
	cols := make([]int32, 2*len(out))
	for i, s := range out {
		cols[2*i], cols[2*i+1] = 2*s, 2*s+1
	}
	return len(out), r.pb.Subset(cols)
}

// SetRegion restricts reading to sites overlapping a region such as
// "chr1:100-200". A contig unknown to the store yields no sites.
func (r *Reader) SetRegion(region string) error {
	e, err := interval.ParseRegionString(region)
	if err != nil {
		return errors.E(errors.Invalid, err, "bgt region", region)
	}
	refID := r.sites.RefID(e.ChrName)
	if refID < 0 {
		log.Debug.Printf("%s: contig %s not found", r.prefix, e.ChrName)
		r.empty = true
		return nil
	}
	r.empty = false
	return r.sites.SeekRegion(refID, int32(e.Start0), int32(e.End))
}

// HasContig checks if the store's dictionary contains the contig.
func (r *Reader) HasContig(name string) bool {
	return r.sites.RefID(name) >= 0
}

// SetBED keeps only the sites overlapping u, or, if exclude is set, only the
// sites that do not overlap u.
func (r *Reader) SetBED(u *interval.BEDUnion, exclude bool) {
	r.bed, r.bedExcl = u, exclude
}

// SetStart positions the reader at the given row. It clears the region.
func (r *Reader) SetStart(row int64) error {
	r.empty = false
	return r.sites.SeekRow(row)
}

func (r *Reader) keep(chrom string, s *biopb.Site) bool {
	if r.bed == nil {
		return true
	}
	ov := r.bed.Overlaps(chrom, interval.PosType(s.Pos), interval.PosType(s.End()))
	return ov != r.bedExcl
}

// Read returns the next site. It returns io.EOF at the end, or immediately
// when no sample is selected. The record is owned by the caller.
func (r *Reader) Read() (*Record, error) {
	if r.empty || len(r.out) == 0 {
		return nil, io.EOF
	}
	contigs := r.sites.Contigs()
	for {
		s, err := r.sites.Read()
		if err != nil {
			return nil, err
		}
		chrom := contigs[s.RefId].Name
		if !r.keep(chrom, s) {
			continue
		}
		if err := r.pb.Seek(s.Row); err != nil {
			return nil, err
		}
		planes, err := r.pb.Read()
		if err == io.EOF {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("bgt %s: no genotypes for row %d", r.prefix, s.Row))
		}
		if err != nil {
			return nil, err
		}
		rec := &Record{Site: *s, Chrom: chrom}
		rec.Site.Alleles = append([]string(nil), s.Alleles...)
		for p := range rec.Planes {
			rec.Planes[p] = append([]byte(nil), planes[p]...)
		}
		return rec, nil
	}
}

// Close closes the files of the store.
func (r *Reader) Close(ctx context.Context) error {
	err := r.sites.Close(ctx)
	if e := r.pb.Close(ctx); e != nil && err == nil {
		err = e
	}
	return err
}
