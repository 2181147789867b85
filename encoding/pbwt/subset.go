// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pbwt

import (
	"github.com/grailbio/base/log"
)

// Entry is the state of one selected column.
type Entry struct {
	// Col is the column identity.
	Col int32
	// Rank is the position of Col in the current permutation.
	Rank int32
	// Bit is the value of Col in the last decoded row.
	Bit byte
}

// Subset decodes the bits of a fixed set of columns.
type Subset struct {
	m       int
	entries []Entry // sorted by Rank
	scratch []Entry
	inv     []int32
}

// NewSubset creates a decoder for the given columns of a matrix of width m.
// Each column must be in [0, m). The caller must call Rank before the first
// Decode.
func NewSubset(m int, cols []int32) *Subset {
	s := &Subset{
		m:       m,
		entries: make([]Entry, len(cols)),
		scratch: make([]Entry, len(cols)),
	}
	for i, col := range cols {
		if col < 0 || int(col) >= m {
			log.Panicf("pbwt: column %d out of range [0,%d)", col, m)
		}
		s.entries[i].Col = col
	}
	return s
}

// Len returns the number of selected columns.
func (s *Subset) Len() int { return len(s.entries) }

// Entries returns the selected columns sorted by their current rank.
func (s *Subset) Entries() []Entry { return s.entries }

// Rank recomputes the rank of every selected column from a full permutation
// and sorts the entries by rank.
func (s *Subset) Rank(perm []int32) {
	if len(perm) != s.m {
		log.Panicf("pbwt: permutation length %d, expect %d", len(perm), s.m)
	}
	if s.inv == nil {
		s.inv = make([]int32, s.m)
	}
	for i, x := range perm {
		s.inv[x] = int32(i)
	}
	for i := range s.entries {
		s.entries[i].Rank = s.inv[s.entries[i].Col]
	}
	radixSortByRank(s.entries, s.scratch)
}

// Decode applies one encoded row. On return, every entry holds the bit of its
// column in this row and its rank in the permutation that follows the row.
// The entries stay sorted by rank.
func (s *Subset) Decode(rle []byte) {
	n1 := CountOnes(rle)
	acc := [2]int32{0, int32(s.m - n1)}
	var cnt [2]int32
	e := s.entries
	i, n1sub := 0, 0
	for _, q := range rle {
		if i == len(e) || q == 0 {
			break
		}
		l, b := Run(q)
		start := cnt[0] + cnt[1]
		for i < len(e) && e[i].Rank >= start && e[i].Rank < start+int32(l) {
			e[i].Rank = acc[b] + cnt[b] + (e[i].Rank - start)
			e[i].Bit = b
			n1sub += int(b)
			i++
		}
		cnt[b] += int32(l)
	}
	if i != len(e) {
		log.Panicf("pbwt: subset rank %d beyond row width %d", e[i].Rank, cnt[0]+cnt[1])
	}
	// Stable partition by bit restores rank order: zeros keep their relative
	// order in [0, m-n1), ones in [m-n1, m).
	copy(s.scratch, e)
	p := [2]int{0, len(e) - n1sub}
	for _, x := range s.scratch {
		e[p[x.Bit]] = x
		p[x.Bit]++
	}
}

// sameDigit checks if one bucket holds all n keys.
func sameDigit(count []int, n int) bool {
	for _, c := range count {
		if c == n {
			return true
		}
	}
	return false
}

// radixSortByRank sorts e by Rank using tmp (same length) as scratch space.
func radixSortByRank(e, tmp []Entry) {
	if len(e) == 0 {
		return
	}
	src, dst := e, tmp
	for shift := uint(0); shift < 32; shift += 8 {
		var count [257]int
		for _, x := range src {
			count[(uint32(x.Rank)>>shift)&0xff+1]++
		}
		if sameDigit(count[:], len(src)) {
			continue
		}
		for i := 1; i < len(count); i++ {
			count[i] += count[i-1]
		}
		for _, x := range src {
			k := (uint32(x.Rank) >> shift) & 0xff
			dst[count[k]] = x
			count[k]++
		}
		src, dst = dst, src
	}
	if &src[0] != &e[0] {
		copy(e, src)
	}
}
