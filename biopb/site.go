package biopb

import (
	"fmt"
	"strings"

	"github.com/gogo/protobuf/proto"
	"github.com/grailbio/base/errors"
)

// Site is one variant site in a site stream. Row is the index of the
// genotype row paired with the site in the columnar store.
type Site struct {
	RefId int32
	// Pos is 0-based.
	Pos int32
	// Rlen is the number of reference bases the site spans.
	Rlen int32
	// Alleles[0] is the reference allele; the rest are alternates.
	Alleles []string
	Row     int64
}

// Coord returns the start coordinate of the site.
func (s *Site) Coord() Coord {
	return Coord{RefId: s.RefId, Pos: s.Pos}
}

// End returns the 0-based exclusive end of the site.
func (s *Site) End() int32 {
	return s.Pos + s.Rlen
}

// FirstAlt returns the first alternate allele, or "" if there is none.
func (s *Site) FirstAlt() string {
	if len(s.Alleles) < 2 {
		return ""
	}
	return s.Alleles[1]
}

func (s Site) String() string {
	return fmt.Sprintf("%d:%d:%d:%s@%d", s.RefId, s.Pos, s.Rlen, strings.Join(s.Alleles, ","), s.Row)
}

// MarshalTo appends the serialized site to b.
func (s *Site) MarshalTo(b *proto.Buffer) error {
	if err := b.EncodeZigzag64(uint64(s.RefId)); err != nil {
		return err
	}
	if err := b.EncodeZigzag64(uint64(s.Pos)); err != nil {
		return err
	}
	if err := b.EncodeVarint(uint64(s.Rlen)); err != nil {
		return err
	}
	if err := b.EncodeVarint(uint64(s.Row)); err != nil {
		return err
	}
	if err := b.EncodeVarint(uint64(len(s.Alleles))); err != nil {
		return err
	}
	for _, a := range s.Alleles {
		if err := b.EncodeStringBytes(a); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalFrom reads one site from b.
func (s *Site) UnmarshalFrom(b *proto.Buffer) error {
	var v [4]uint64
	var err error
	if v[0], err = b.DecodeZigzag64(); err != nil {
		return err
	}
	if v[1], err = b.DecodeZigzag64(); err != nil {
		return err
	}
	if v[2], err = b.DecodeVarint(); err != nil {
		return err
	}
	if v[3], err = b.DecodeVarint(); err != nil {
		return err
	}
	s.RefId, s.Pos, s.Rlen, s.Row = int32(int64(v[0])), int32(int64(v[1])), int32(v[2]), int64(v[3])
	n, err := b.DecodeVarint()
	if err != nil {
		return err
	}
	if n > 1<<20 {
		return errors.E(errors.Integrity, fmt.Sprintf("site: implausible allele count %d", n))
	}
	s.Alleles = make([]string, n)
	for i := range s.Alleles {
		if s.Alleles[i], err = b.DecodeStringBytes(); err != nil {
			return err
		}
	}
	return nil
}

// Contig describes one reference sequence.
type Contig struct {
	Name   string
	Length int64
}

// SiteBlockIndex describes one block of a site stream.
type SiteBlockIndex struct {
	// NumRecords is the number of sites in the block.
	NumRecords uint32
	// StartAddr and EndAddr are the coordinates of the first and the last
	// site.
	StartAddr Coord
	EndAddr   Coord
	// MaxEnd is the largest site end among sites on EndAddr.RefId.
	MaxEnd int32
	// FileOffset is the recordio block offset.
	FileOffset uint64
	// StartRow is the row of the first site.
	StartRow int64
}

// SiteIndex is stored in the trailer of a site stream.
type SiteIndex struct {
	Magic   uint64
	Version string
	Contigs []Contig
	Blocks  []SiteBlockIndex
}

// Marshal serializes the index.
func (x *SiteIndex) Marshal() ([]byte, error) {
	b := proto.NewBuffer(nil)
	var err error
	put := func(v uint64) {
		if err == nil {
			err = b.EncodeVarint(v)
		}
	}
	putz := func(v int32) {
		if err == nil {
			err = b.EncodeZigzag64(uint64(v))
		}
	}
	putCoord := func(c Coord) {
		putz(c.RefId)
		putz(c.Pos)
	}
	put(x.Magic)
	if err == nil {
		err = b.EncodeStringBytes(x.Version)
	}
	put(uint64(len(x.Contigs)))
	for _, c := range x.Contigs {
		if err == nil {
			err = b.EncodeStringBytes(c.Name)
		}
		put(uint64(c.Length))
	}
	put(uint64(len(x.Blocks)))
	for _, blk := range x.Blocks {
		put(uint64(blk.NumRecords))
		putCoord(blk.StartAddr)
		putCoord(blk.EndAddr)
		putz(blk.MaxEnd)
		put(blk.FileOffset)
		put(uint64(blk.StartRow))
	}
	return b.Bytes(), err
}

// Unmarshal parses data produced by Marshal.
func (x *SiteIndex) Unmarshal(data []byte) error {
	b := proto.NewBuffer(data)
	var err error
	get := func() uint64 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = b.DecodeVarint()
		return v
	}
	getz := func() int32 {
		if err != nil {
			return 0
		}
		var v uint64
		v, err = b.DecodeZigzag64()
		return int32(int64(v))
	}
	getString := func() string {
		if err != nil {
			return ""
		}
		var s string
		s, err = b.DecodeStringBytes()
		return s
	}
	x.Magic = get()
	x.Version = getString()
	n := get()
	if err == nil && n > uint64(len(data)) {
		return errors.E(errors.Integrity, fmt.Sprintf("site index: bad contig count %d", n))
	}
	x.Contigs = make([]Contig, n)
	for i := range x.Contigs {
		x.Contigs[i].Name = getString()
		x.Contigs[i].Length = int64(get())
	}
	n = get()
	if err == nil && n > uint64(len(data)) {
		return errors.E(errors.Integrity, fmt.Sprintf("site index: bad block count %d", n))
	}
	x.Blocks = make([]SiteBlockIndex, n)
	for i := range x.Blocks {
		blk := &x.Blocks[i]
		blk.NumRecords = uint32(get())
		blk.StartAddr = Coord{getz(), getz()}
		blk.EndAddr = Coord{getz(), getz()}
		blk.MaxEnd = getz()
		blk.FileOffset = get()
		blk.StartRow = int64(get())
	}
	if err != nil {
		return errors.E(errors.Integrity, err, "site index")
	}
	return nil
}
