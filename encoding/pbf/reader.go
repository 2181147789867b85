// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pbf

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bgt/encoding/pbwt"
)

// Reader decodes rows of a PBF file. It is not thread safe.
type Reader struct {
	path  string
	in    file.File
	rs    io.ReadSeeker
	r     *bufio.Reader
	m, g  int
	shift uint
	n     int64
	index []uint64

	codecs []*pbwt.Codec
	// k is the number of rows decoded since the start of the file, i.e., the
	// index of the next row.
	k    int64
	buf  []byte
	tmp  [8]byte
	// perm and seen are scratch space for loading a checkpoint.
	perm []int32
	seen []bool

	// Column subset. subs is nil when every column is decoded.
	subs   []*pbwt.Subset
	subPos []int32 // column -> position in the selection
	out    [][]byte
	// stale is set once a row has been decoded in subset mode; the full
	// permutations no longer match row k after that.
	stale bool
}

// Open opens a PBF file and loads its checkpoint index.
func Open(ctx context.Context, path string) (*Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "pbf.Open", path)
	}
	r := &Reader{path: path, in: in, rs: in.Reader(ctx)}
	if err := r.init(); err != nil {
		_ = in.Close(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Reader) corrupt(format string, args ...interface{}) error {
	return errors.E(errors.Integrity, fmt.Sprintf("pbf %s: ", r.path)+fmt.Sprintf(format, args...))
}

func (r *Reader) init() error {
	r.r = bufio.NewReaderSize(r.rs, 1<<20)
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return r.corrupt("short header: %v", err)
	}
	if string(hdr[:4]) != Magic {
		return r.corrupt("wrong magic %q", hdr[:4])
	}
	m := int32(binary.LittleEndian.Uint32(hdr[4:]))
	g := int32(binary.LittleEndian.Uint32(hdr[8:]))
	shift := int32(binary.LittleEndian.Uint32(hdr[12:]))
	if m <= 0 || g <= 0 || shift < 0 || shift > 30 {
		return r.corrupt("invalid shape m=%d g=%d shift=%d", m, g, shift)
	}
	r.m, r.g, r.shift = int(m), int(g), uint(shift)
	r.codecs = make([]*pbwt.Codec, r.g)
	for i := range r.codecs {
		r.codecs[i] = pbwt.NewCodec(r.m)
	}
	if err := r.readTrailer(); err != nil {
		return err
	}
	log.Debug.Printf("%s: %d rows, %d columns, %d planes, %d checkpoints", r.path, r.n, r.m, r.g, len(r.index))
	return r.seekOffset(headerSize)
}

func (r *Reader) readTrailer() error {
	end, err := r.rs.Seek(-8, io.SeekEnd)
	if err != nil {
		return r.corrupt("seek to trailer: %v", err)
	}
	if _, err := io.ReadFull(r.rs, r.tmp[:]); err != nil {
		return r.corrupt("read trailer offset: %v", err)
	}
	off := binary.LittleEndian.Uint64(r.tmp[:])
	if off < headerSize || int64(off)+13 > end {
		return r.corrupt("trailer offset %d out of range", off)
	}
	if _, err := r.rs.Seek(int64(off), io.SeekStart); err != nil {
		return r.corrupt("seek to trailer: %v", err)
	}
	br := bufio.NewReader(io.LimitReader(r.rs, end-int64(off)))
	var hdr [13]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return r.corrupt("short trailer: %v", err)
	}
	if hdr[0] != tagIndex {
		return r.corrupt("trailer tag %q, expect %q", hdr[0], tagIndex)
	}
	r.n = int64(binary.LittleEndian.Uint64(hdr[1:]))
	nIdx := int64(int32(binary.LittleEndian.Uint32(hdr[9:])))
	if nIdx < 0 || int64(off)+13+nIdx*8 != end {
		return r.corrupt("trailer has %d checkpoints, inconsistent with its size", nIdx)
	}
	r.index = make([]uint64, nIdx)
	for i := range r.index {
		if _, err := io.ReadFull(br, r.tmp[:]); err != nil {
			return r.corrupt("short checkpoint index: %v", err)
		}
		r.index[i] = binary.LittleEndian.Uint64(r.tmp[:])
		if i > 0 && r.index[i] <= r.index[i-1] {
			return r.corrupt("checkpoint offsets not increasing at %d", i)
		}
	}
	return nil
}

func (r *Reader) seekOffset(off int64) error {
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return errors.E(err, "pbf seek", r.path)
	}
	r.r.Reset(r.rs)
	return nil
}

// NumRows returns the number of rows in the file.
func (r *Reader) NumRows() int64 { return r.n }

// NumCols returns the number of columns.
func (r *Reader) NumCols() int { return r.m }

// NumPlanes returns the number of planes.
func (r *Reader) NumPlanes() int { return r.g }

// Shift returns log2 of the checkpoint interval.
func (r *Reader) Shift() int { return int(r.shift) }

// Row returns the index of the row that the next Read returns.
func (r *Reader) Row() int64 { return r.k }

func (r *Reader) readPerm(c *pbwt.Codec) error {
	need := 4 * r.m
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	buf := r.buf[:need]
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return r.corrupt("truncated checkpoint at row %d: %v", r.k, err)
	}
	if r.perm == nil {
		r.perm = make([]int32, r.m)
		r.seen = make([]bool, r.m)
	}
	for j := range r.seen {
		r.seen[j] = false
	}
	for j := range r.perm {
		x := int32(binary.LittleEndian.Uint32(buf[4*j:]))
		if x < 0 || int(x) >= r.m || r.seen[x] {
			return r.corrupt("checkpoint at row %d is not a permutation", r.k)
		}
		r.seen[x] = true
		r.perm[j] = x
	}
	c.SetPerm(r.perm)
	return nil
}

// Read decodes the next row. It returns one slice per plane. Without a
// subset, plane[x] is the bit of column x. With a subset, plane[i] is the
// bit of the i-th selected column. The slices are owned by the reader and
// are overwritten by the next call. Read returns io.EOF after the last row.
func (r *Reader) Read() ([][]byte, error) {
	if r.k >= r.n {
		return nil, io.EOF
	}
	tag, err := r.r.ReadByte()
	if err != nil {
		return nil, r.corrupt("truncated before row %d of %d: %v", r.k, r.n, err)
	}
	if tag == tagPerm {
		for _, c := range r.codecs {
			if err := r.readPerm(c); err != nil {
				return nil, err
			}
		}
		r.stale = false
		if tag, err = r.r.ReadByte(); err != nil {
			return nil, r.corrupt("missing row after checkpoint at row %d", r.k)
		}
	}
	if tag != tagRow {
		return nil, r.corrupt("tag %q at row %d, expect %q", tag, r.k, tagRow)
	}
	if r.out == nil {
		r.out = make([][]byte, r.g)
	}
	for i, c := range r.codecs {
		if _, err := io.ReadFull(r.r, r.tmp[:4]); err != nil {
			return nil, r.corrupt("truncated row %d: %v", r.k, err)
		}
		l := int(binary.LittleEndian.Uint32(r.tmp[:4]))
		if l <= 0 || l > 8*r.m+8 {
			return nil, r.corrupt("row %d plane %d has invalid length %d", r.k, i, l)
		}
		if cap(r.buf) < l {
			r.buf = make([]byte, l)
		}
		rle := r.buf[:l]
		if _, err := io.ReadFull(r.r, rle); err != nil {
			return nil, r.corrupt("truncated row %d: %v", r.k, err)
		}
		if pbwt.Len(rle) != r.m {
			return nil, r.corrupt("row %d plane %d encodes %d bits, expect %d", r.k, i, pbwt.Len(rle), r.m)
		}
		if r.subs != nil {
			s := r.subs[i]
			s.Decode(rle)
			out := r.out[i]
			for _, e := range s.Entries() {
				out[r.subPos[e.Col]] = e.Bit
			}
			r.stale = true
		} else {
			r.out[i] = c.Decode(rle)
		}
	}
	r.k++
	return r.out, nil
}

// Seek positions the reader so that the next Read returns row k. Seeking
// forward by at most one checkpoint interval decodes the rows in between;
// otherwise the reader restarts from the checkpoint at or before k.
func (r *Reader) Seek(k int64) error {
	if k == r.k {
		return nil
	}
	if k > r.k && k-r.k <= 1<<r.shift {
		return r.skip(k - r.k)
	}
	return r.seekCheckpoint(k)
}

func (r *Reader) skip(n int64) error {
	for ; n > 0; n-- {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				return errors.E(errors.Invalid, fmt.Sprintf("pbf %s: seek past the last row %d", r.path, r.n))
			}
			return err
		}
	}
	return nil
}

func (r *Reader) seekCheckpoint(k int64) error {
	if k < 0 || k >= r.n || len(r.index) == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("pbf %s: row %d out of range [0,%d)", r.path, k, r.n))
	}
	i := k >> r.shift
	if i >= int64(len(r.index)) {
		return r.corrupt("no checkpoint for row %d", k)
	}
	if err := r.seekOffset(int64(r.index[i])); err != nil {
		return err
	}
	tag, err := r.r.ReadByte()
	if err != nil || tag != tagPerm {
		return r.corrupt("no checkpoint at offset %d (tag %q, err %v)", r.index[i], tag, err)
	}
	r.k = i << r.shift
	for _, c := range r.codecs {
		if err := r.readPerm(c); err != nil {
			return err
		}
	}
	r.stale = false
	if r.subs != nil {
		for j, s := range r.subs {
			s.Rank(r.codecs[j].Perm())
		}
	}
	if err := r.peekRow(); err != nil {
		return err
	}
	return r.skip(k - r.k)
}

// peekRow checks that the next block is a row without consuming it.
func (r *Reader) peekRow() error {
	tag, err := r.r.ReadByte()
	if err != nil {
		return r.corrupt("missing row after checkpoint at row %d", r.k)
	}
	if tag != tagRow {
		return r.corrupt("row tag %q after checkpoint at row %d", tag, r.k)
	}
	return r.r.UnreadByte()
}

// Subset restricts decoding to the given columns. Read then returns the
// bits of cols[i] at plane[i]. An empty selection, or the identity selection
// of every column, restores full decoding.
func (r *Reader) Subset(cols []int32) error {
	for _, col := range cols {
		if col < 0 || int(col) >= r.m {
			return errors.E(errors.Invalid, fmt.Sprintf("pbf %s: column %d out of range [0,%d)", r.path, col, r.m))
		}
	}
	wasStale := r.stale
	if len(cols) == 0 || isIdentity(cols, r.m) {
		r.subs, r.subPos = nil, nil
		r.out = nil
	} else {
		if r.subPos == nil {
			r.subPos = make([]int32, r.m)
		}
		for i, col := range cols {
			r.subPos[col] = int32(i)
		}
		r.subs = make([]*pbwt.Subset, r.g)
		r.out = make([][]byte, r.g)
		for i := range r.subs {
			r.subs[i] = pbwt.NewSubset(r.m, cols)
			r.out[i] = make([]byte, len(cols))
		}
	}
	if !wasStale {
		for i, s := range r.subs {
			s.Rank(r.codecs[i].Perm())
		}
		return nil
	}
	// The full permutations lag behind; rebuild the state from a checkpoint.
	k := r.k
	if k >= r.n {
		r.stale = false
		return nil
	}
	return r.seekCheckpoint(k)
}

func isIdentity(cols []int32, m int) bool {
	if len(cols) != m {
		return false
	}
	for i, col := range cols {
		if int(col) != i {
			return false
		}
	}
	return true
}

// Close closes the file.
func (r *Reader) Close(ctx context.Context) error {
	return r.in.Close(ctx)
}
