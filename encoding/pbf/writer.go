// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pbf

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bgt/encoding/pbwt"
)

// Writer appends rows to a PBF file. It is not thread safe.
type Writer struct {
	path   string
	out    file.File
	w      *bufio.Writer
	off    uint64 // bytes written so far
	m, g   int
	shift  uint
	n      int64
	codecs []*pbwt.Codec
	index  []uint64 // offsets of checkpoints
	tmp    [8]byte
	err    error
}

// Create creates a PBF file with m columns, g planes and a checkpoint every
// 1<<shift rows.
func Create(ctx context.Context, path string, m, g, shift int) (*Writer, error) {
	if m <= 0 || g <= 0 || shift < 0 || shift > 30 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pbf.Create %s: invalid shape m=%d g=%d shift=%d", path, m, g, shift))
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "pbf.Create", path)
	}
	w := &Writer{
		path:   path,
		out:    out,
		w:      bufio.NewWriterSize(out.Writer(ctx), 1<<20),
		m:      m,
		g:      g,
		shift:  uint(shift),
		codecs: make([]*pbwt.Codec, g),
	}
	for i := range w.codecs {
		w.codecs[i] = pbwt.NewCodec(m)
	}
	w.write([]byte(Magic))
	w.putUint32(uint32(m))
	w.putUint32(uint32(g))
	w.putUint32(uint32(shift))
	return w, w.err
}

func (w *Writer) write(data []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(data)
	w.off += uint64(n)
	w.err = err
}

func (w *Writer) putUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.tmp[:4], v)
	w.write(w.tmp[:4])
}

func (w *Writer) putUint64(v uint64) {
	binary.LittleEndian.PutUint64(w.tmp[:], v)
	w.write(w.tmp[:])
}

// NumRows returns the number of rows written so far.
func (w *Writer) NumRows() int64 { return w.n }

// Write appends one row. planes[i][x] is the bit of column x in plane i.
func (w *Writer) Write(planes ...[]byte) error {
	if len(planes) != w.g {
		return errors.E(errors.Invalid, fmt.Sprintf("pbf.Write %s: got %d planes, expect %d", w.path, len(planes), w.g))
	}
	if w.n&(1<<w.shift-1) == 0 {
		log.Debug.Printf("%s: checkpoint at row %d, offset %d", w.path, w.n, w.off)
		w.index = append(w.index, w.off)
		w.write([]byte{tagPerm})
		for _, c := range w.codecs {
			for _, x := range c.Perm() {
				w.putUint32(uint32(x))
			}
		}
	}
	w.write([]byte{tagRow})
	for i, c := range w.codecs {
		if len(planes[i]) != c.Width() {
			log.Panicf("pbf.Write %s: plane %d has %d columns, expect %d", w.path, i, len(planes[i]), c.Width())
		}
		rle := c.Encode(planes[i])
		w.putUint32(uint32(len(rle)))
		w.write(rle)
	}
	w.n++
	return w.err
}

// Close writes the trailer and closes the file.
func (w *Writer) Close(ctx context.Context) error {
	off := w.off
	w.write([]byte{tagIndex})
	w.putUint64(uint64(w.n))
	w.putUint32(uint32(len(w.index)))
	for _, o := range w.index {
		w.putUint64(o)
	}
	w.putUint64(off)
	if w.err == nil {
		w.err = w.w.Flush()
	}
	if err := w.out.Close(ctx); err != nil && w.err == nil {
		w.err = errors.E(err, "pbf.Close", w.path)
	}
	return w.err
}
