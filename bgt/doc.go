// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package bgt stores genotypes of many samples in a compact, queryable form.

A store with prefix P consists of three files:

  P.spl    sample names, one per line, optionally followed by FMF metadata
  P.pbf    the genotypes, one row per site and one column per haplotype,
           in two bit planes compressed with the positional BWT
  P.sites  the site descriptions, ordered by position

A genotype code is plane1<<1 | plane0:

  0  reference allele
  1  the site's ALT allele
  2  missing call
  3  another ALT allele overlapping the site

Import creates a store from a VCF file. Reader reads one store; Multi merges
several stores into a stream of sites over the union of their samples, and
optionally computes allele counts, per-group counts, site filters and
haplotype counts of allele combinations.
*/
package bgt
