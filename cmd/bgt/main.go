// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

/*
bgt stores and queries large sets of genotypes. A store is created from a VCF
file by "bgt import"; "bgt view" merges one or more stores and prints the
selected sites, samples and allele counts.
*/

import "github.com/grailbio/bgt/cmd/bgt/cmd"

func main() {
	cmd.Run()
}
