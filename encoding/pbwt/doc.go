// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package pbwt implements the positional Burrows-Wheeler transform used to
compress a binary genotype matrix one row at a time.

Each row is a vector of m bits, one per column (haplotype). The codec keeps a
permutation S of the columns. Encoding a row reads the bits in S order,
run-length encodes them, and stable-partitions S so that columns with a 0 bit
precede columns with a 1 bit. Columns that share a long history thus end up
adjacent, and the bits read in S order form long runs.

Run-length format

A run of l (l >= 1) bits of value b is encoded as follows. If l < 16, it is a
single byte l<<1 | b. Otherwise it is split into its nonzero hexadecimal
digits, most significant first; digit number i (0 for the lowest four bits)
with value d becomes the byte (i<<4 | d)<<1 | b. A decoder adds up the bytes
independently, so consecutive bytes with the same bit describe one longer
run. No encoded byte is ever zero.

Subset decoding

Subset reconstructs the bits of k selected columns of a row without
decoding the other m-k columns. It tracks the rank of each selected column in
S and updates the ranks while walking the runs once.
*/
package pbwt
