// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pbwt

import (
	"github.com/grailbio/base/log"
)

// Codec encodes or decodes a sequence of rows of width m. A Codec is either
// used for encoding or for decoding; the two cannot be interleaved on one
// instance.
//
// The codec owns two permutation buffers. Each Encode or Decode call reads the
// permutation left by the previous call and writes the new one into the other
// buffer.
type Codec struct {
	m    int
	perm [2][]int32
	cur  int    // perm[cur] is the permutation after the last row.
	u    []byte // bits in previous-rank order (encoding only).
	rle  []byte
	a    []byte // bits in column order (decoding only).
}

// NewCodec creates a codec for rows of width m. The initial permutation is
// the identity.
func NewCodec(m int) *Codec {
	if m <= 0 {
		log.Panicf("pbwt: invalid width %d", m)
	}
	c := &Codec{
		m:    m,
		perm: [2][]int32{make([]int32, m), make([]int32, m)},
		u:    make([]byte, m),
		a:    make([]byte, m),
	}
	c.Reset()
	return c
}

// Width returns the number of columns.
func (c *Codec) Width() int { return c.m }

// Reset sets the permutation to the identity.
func (c *Codec) Reset() {
	s := c.perm[c.cur]
	for j := range s {
		s[j] = int32(j)
	}
}

// Perm returns the current permutation. The slice is owned by the codec and
// remains valid until the next Encode, Decode or SetPerm call.
func (c *Codec) Perm() []int32 { return c.perm[c.cur] }

// SetPerm replaces the current permutation with a copy of s. It is used to
// restart decoding from a checkpoint.
func (c *Codec) SetPerm(s []int32) {
	if len(s) != c.m {
		log.Panicf("pbwt: permutation length %d, expect %d", len(s), c.m)
	}
	copy(c.perm[c.cur], s)
}

// swap makes the current permutation the previous one and returns (S0, S).
func (c *Codec) swap() ([]int32, []int32) {
	s0 := c.perm[c.cur]
	c.cur ^= 1
	return s0, c.perm[c.cur]
}

// Encode encodes one row. a[x] is the bit of column x and must be 0 or 1
// (any nonzero value is treated as 1). It returns the RLE bytes of the row;
// the slice is owned by the codec and is overwritten by the next call.
func (c *Codec) Encode(a []byte) []byte {
	if len(a) != c.m {
		log.Panicf("pbwt: row length %d, expect %d", len(a), c.m)
	}
	s0, s := c.swap()
	n1 := 0
	for j, x := range s0 {
		var b byte
		if a[x] != 0 {
			b = 1
			n1++
		}
		c.u[j] = b
	}
	p := [2]int{0, c.m - n1}
	for j, x := range s0 {
		b := c.u[j]
		s[p[b]] = x
		p[b]++
	}
	c.rle = AppendRLE(c.rle[:0], c.u)
	return c.rle
}

// Decode decodes one row from its RLE bytes and returns the bits in column
// order. The slice is owned by the codec and is overwritten by the next call.
func (c *Codec) Decode(rle []byte) []byte {
	s0, s := c.swap()
	n1 := CountOnes(rle)
	p := [2]int{0, c.m - n1}
	off := 0
	for _, q := range rle {
		if q == 0 {
			break
		}
		l, b := Run(q)
		if off+l > c.m {
			log.Panicf("pbwt: row overflows width %d", c.m)
		}
		for _, x := range s0[off : off+l] {
			c.a[x] = b
			s[p[b]] = x
			p[b]++
		}
		off += l
	}
	return c.a
}
