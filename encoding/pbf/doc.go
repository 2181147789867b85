// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pbf reads and writes PBF files, which store a sequence of rows of
// g bit planes, each plane compressed with its own pbwt.Codec.
//
// Layout (all integers little endian):
//
//   "PBF\1" m:int32 g:int32 shift:int32
//   for every row k:
//     if k % (1<<shift) == 0: 'S' then, per plane, m int32 permutation entries
//     'B' then, per plane, len:int32 and len RLE bytes
//   'I' n:int64 nidx:int32 nidx*uint64 checkpoint offsets
//   offset of 'I':uint64
package pbf

const (
	// Magic starts every PBF file.
	Magic = "PBF\x01"

	headerSize = 16

	tagPerm  = 'S'
	tagRow   = 'B'
	tagIndex = 'I'
)
