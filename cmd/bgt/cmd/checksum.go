package cmd

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/unsafe"
	"github.com/grailbio/bgt/bgt"
)

type checksumOpts struct {
	// genotypes causes the genotype planes to be added to the checksum.
	genotypes bool
}

// refChecksum is the checksum of the sites of one contig.
type refChecksum struct {
	// Name is the name of the contig.
	Name string
	// NSites is the number of sites on the contig.
	NSites int64
	// SumPos is the sum of positions. A quick commutative hash.
	SumPos uint64
	// SumRlen is the sum of hashes of reference spans.
	SumRlen uint64
	// SumAlleles is the sum of hashes of the allele lists.
	SumAlleles uint64
	// SumGenotypes is the sum of hashes of the genotype planes.
	SumGenotypes uint64
}

// storeChecksum is the checksum of one store.
type storeChecksum struct {
	Prefix   string
	NSamples int
	Refs     []refChecksum // One for each contig. Index is refid.
}

func hashField(h hash.Hash64, pos [8]byte, value []byte) uint64 {
	h.Reset()
	h.Write(pos[:])
	h.Write(value)
	return h.Sum64()
}

func (c *refChecksum) add(r *bgt.Record, h hash.Hash64, opts checksumOpts) {
	s := &r.Site
	c.NSites++
	c.SumPos += uint64(s.Pos)

	pos := [8]byte{}
	binary.LittleEndian.PutUint32(pos[:], uint32(s.RefId))
	binary.LittleEndian.PutUint32(pos[4:], uint32(s.Pos))

	value := [4]byte{}
	binary.LittleEndian.PutUint32(value[:], uint32(s.Rlen))
	c.SumRlen += hashField(h, pos, value[:])
	c.SumAlleles += hashField(h, pos, unsafe.StringToBytes(strings.Join(s.Alleles, ",")))
	if opts.genotypes {
		h.Reset()
		h.Write(pos[:])
		for _, p := range r.Planes {
			h.Write(p)
		}
		c.SumGenotypes += h.Sum64()
	}
}

func checksumStore(ctx context.Context, prefix string, opts checksumOpts) (csum storeChecksum, err error) {
	r, err := bgt.Open(ctx, prefix)
	if err != nil {
		return csum, err
	}
	defer func() {
		if e := r.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	csum.Prefix = prefix
	csum.NSamples = len(r.Samples().Rows)
	for _, c := range r.Contigs() {
		csum.Refs = append(csum.Refs, refChecksum{Name: c.Name})
	}
	h := seahash.New()
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return csum, err
		}
		csum.Refs[rec.Site.RefId].add(rec, h, opts)
	}
	return csum, nil
}

func checksum(ctx context.Context, prefixes []string, opts checksumOpts, w io.Writer) error {
	csums := make([]storeChecksum, len(prefixes))
	err := traverse.Each(len(prefixes), func(i int) (err error) {
		csums[i], err = checksumStore(ctx, prefixes[i], opts)
		return
	})
	if err != nil {
		return err
	}
	js, err := json.MarshalIndent(csums, "", "  ")
	if err != nil {
		log.Panic(err)
	}
	_, err = fmt.Fprintln(w, string(js))
	return err
}
