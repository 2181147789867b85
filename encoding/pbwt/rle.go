// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pbwt

// runLen[v] is the number of bits represented by a byte whose upper seven
// bits are v.
var runLen [128]uint32

func init() {
	for v := range runLen {
		runLen[v] = uint32(v&15) << (4 * uint(v>>4))
	}
}

// Run returns the length and the bit value of one encoded byte.
func Run(c byte) (int, byte) {
	return int(runLen[c>>1]), c & 1
}

// appendRun appends the encoding of a run of l bits with value b.
func appendRun(dst []byte, l int, b byte) []byte {
	if l < 16 {
		return append(dst, byte(l)<<1|b)
	}
	for i := 7; i >= 0; i-- {
		if d := (uint32(l) >> (4 * uint(i))) & 15; d != 0 {
			dst = append(dst, byte(uint32(i)<<4|d)<<1|b)
		}
	}
	return dst
}

// AppendRLE appends the run-length encoding of bits, a slice of 0 and 1
// values, to dst. len(bits) must be positive.
func AppendRLE(dst []byte, bits []byte) []byte {
	last, l := bits[0], 1
	for _, b := range bits[1:] {
		if b == last {
			l++
			continue
		}
		dst = appendRun(dst, l, last)
		last, l = b, 1
	}
	return appendRun(dst, l, last)
}

// CountOnes returns the number of 1 bits encoded in rle.
func CountOnes(rle []byte) int {
	n := 0
	for _, c := range rle {
		if c == 0 {
			break
		}
		if c&1 != 0 {
			n += int(runLen[c>>1])
		}
	}
	return n
}

// Len returns the number of bits encoded in rle.
func Len(rle []byte) int {
	n := 0
	for _, c := range rle {
		if c == 0 {
			break
		}
		n += int(runLen[c>>1])
	}
	return n
}

// AppendBits expands rle into one byte per bit and appends them to dst. A
// zero byte in rle terminates the encoding.
func AppendBits(dst []byte, rle []byte) []byte {
	for _, c := range rle {
		if c == 0 {
			break
		}
		l, b := Run(c)
		for i := 0; i < l; i++ {
			dst = append(dst, b)
		}
	}
	return dst
}
