package sites

import (
	"context"
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/bgt/biopb"
)

// Reader reads a site stream. It is not thread safe.
type Reader struct {
	path  string
	in    file.File
	rio   recordio.Scanner
	index biopb.SiteIndex

	next    int          // index of the next block to load.
	buf     []biopb.Site // sites of the current block
	bufIdx  int          // next site in buf
	region  *biopb.Region
	dec     *proto.Buffer
	refByID map[string]int32
}

// Open opens a site stream and loads its index.
func Open(ctx context.Context, path string) (*Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "sites.Open", path)
	}
	r := &Reader{
		path: path,
		in:   in,
		rio:  recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{}),
		dec:  proto.NewBuffer(nil),
	}
	trailer := r.rio.Trailer()
	if len(trailer) == 0 {
		err := r.rio.Err()
		_ = in.Close(ctx)
		return nil, errors.E(errors.Integrity, fmt.Sprintf("sites %s: file does not contain an index: %v", path, err))
	}
	if err := r.index.Unmarshal(trailer); err != nil {
		_ = in.Close(ctx)
		return nil, errors.E(err, "sites.Open", path)
	}
	if r.index.Magic != IndexMagic {
		_ = in.Close(ctx)
		return nil, errors.E(errors.Integrity, fmt.Sprintf("sites %s: wrong index magic %x", path, r.index.Magic))
	}
	r.refByID = make(map[string]int32, len(r.index.Contigs))
	for i, c := range r.index.Contigs {
		r.refByID[c.Name] = int32(i)
	}
	return r, nil
}

// Contigs returns the contig dictionary.
func (r *Reader) Contigs() []biopb.Contig { return r.index.Contigs }

// RefID returns the index of the named contig, or -1.
func (r *Reader) RefID(name string) int32 {
	if id, ok := r.refByID[name]; ok {
		return id
	}
	return -1
}

// NumSites returns the total number of sites in the stream.
func (r *Reader) NumSites() int64 {
	var n int64
	for _, b := range r.index.Blocks {
		n += int64(b.NumRecords)
	}
	return n
}

func (r *Reader) loadBlock(i int) error {
	blk := r.index.Blocks[i]
	r.rio.Seek(recordio.ItemLocation{Block: blk.FileOffset, Item: 0})
	if !r.rio.Scan() {
		err := r.rio.Err()
		if err == nil {
			err = fmt.Errorf("failed to read a block at offset %d", blk.FileOffset)
		}
		return errors.E(errors.Integrity, err, "sites", r.path)
	}
	r.dec.SetBuf(r.rio.Get().([]byte))
	n, err := r.dec.DecodeVarint()
	if err != nil || n != uint64(blk.NumRecords) {
		return errors.E(errors.Integrity, fmt.Sprintf("sites %s: block at %d has %d sites, expect %d (%v)", r.path, blk.FileOffset, n, blk.NumRecords, err))
	}
	r.buf = r.buf[:0]
	for j := 0; j < int(n); j++ {
		var s biopb.Site
		if err := s.UnmarshalFrom(r.dec); err != nil {
			return errors.E(errors.Integrity, err, "sites", r.path)
		}
		r.buf = append(r.buf, s)
	}
	r.bufIdx = 0
	r.next = i + 1
	return nil
}

// Read returns the next site. It returns io.EOF at the end of the stream or
// past the end of the region set by SeekRegion. The returned site is valid
// until the next call.
func (r *Reader) Read() (*biopb.Site, error) {
	for {
		for r.bufIdx >= len(r.buf) {
			if r.next >= len(r.index.Blocks) {
				return nil, io.EOF
			}
			if err := r.loadBlock(r.next); err != nil {
				return nil, err
			}
		}
		s := &r.buf[r.bufIdx]
		r.bufIdx++
		if r.region == nil {
			return s, nil
		}
		if r.region.Passed(s) {
			r.next = len(r.index.Blocks)
			r.buf = r.buf[:0]
			return nil, io.EOF
		}
		if r.region.Overlaps(s) {
			return s, nil
		}
	}
}

// SeekRegion restricts Read to sites on contig refID that overlap
// [beg, end). It positions the reader at the first block that may contain
// such a site.
func (r *Reader) SeekRegion(refID, beg, end int32) error {
	if refID < 0 || int(refID) >= len(r.index.Contigs) {
		return errors.E(errors.Invalid, fmt.Sprintf("sites %s: contig %d out of range", r.path, refID))
	}
	r.region = &biopb.Region{RefId: refID, Beg: beg, End: end}
	i := 0
	for ; i < len(r.index.Blocks); i++ {
		b := &r.index.Blocks[i]
		if b.EndAddr.RefId < refID || (b.EndAddr.RefId == refID && b.MaxEnd <= beg) {
			continue
		}
		break
	}
	log.Debug.Printf("%s: region %v starts at block %d", r.path, *r.region, i)
	r.next = i
	r.buf, r.bufIdx = r.buf[:0], 0
	return nil
}

// SeekRow positions the reader at the site with the given row number and
// clears any region.
func (r *Reader) SeekRow(row int64) error {
	r.region = nil
	blocks := r.index.Blocks
	i := len(blocks) - 1
	for i >= 0 && blocks[i].StartRow > row {
		i--
	}
	if i < 0 || row >= blocks[i].StartRow+int64(blocks[i].NumRecords) {
		if row == r.NumSites() {
			r.next, r.buf, r.bufIdx = len(blocks), r.buf[:0], 0
			return nil
		}
		return errors.E(errors.Invalid, fmt.Sprintf("sites %s: row %d out of range", r.path, row))
	}
	if err := r.loadBlock(i); err != nil {
		return err
	}
	r.bufIdx = int(row - blocks[i].StartRow)
	return nil
}

// Close closes the file.
func (r *Reader) Close(ctx context.Context) error {
	err := r.rio.Finish()
	if e := r.in.Close(ctx); e != nil && err == nil {
		err = e
	}
	return err
}
