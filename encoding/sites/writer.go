package sites

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gogo/protobuf/proto"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/bgt/biopb"
)

const (
	// IndexMagic is the value of SiteIndex.Magic.
	IndexMagic = uint64(0x7b3a5f01c2d94e61)
	// Version is stored in SiteIndex.Version.
	Version = "BGTS1"

	// DefaultSitesPerBlock is the default value of WriteOpts.SitesPerBlock.
	DefaultSitesPerBlock = 4096
)

func init() {
	recordiozstd.Init()
}

// WriteOpts controls the behavior of a Writer.
type WriteOpts struct {
	// Contigs is the contig dictionary. Site.RefId indexes this list.
	Contigs []biopb.Contig
	// SitesPerBlock is the number of sites in one recordio block. If <= 0,
	// DefaultSitesPerBlock is used.
	SitesPerBlock int
	// Transformers is passed to recordio. If empty, {"zstd"} is used.
	Transformers []string
}

// siteBlock holds the sites of one recordio block.
type siteBlock struct {
	seq    int
	sites  []biopb.Site
	maxEnd int32 // max end among sites on the last contig
}

func (b *siteBlock) add(s biopb.Site) {
	n := len(b.sites)
	if n > 0 && b.sites[n-1].RefId != s.RefId {
		b.maxEnd = 0
	}
	if e := s.End(); e > b.maxEnd {
		b.maxEnd = e
	}
	b.sites = append(b.sites, s)
}

// Writer writes a site stream. Sites must be appended in (RefId, Pos) order.
type Writer struct {
	path  string
	opts  WriteOpts
	out   file.File
	rio   recordio.Writer
	buf   *siteBlock
	last  biopb.Coord
	nSeq  int
	nRows int64

	mu     sync.Mutex
	blocks []biopb.SiteBlockIndex // guarded by mu
}

// NewWriter creates a site stream at path.
func NewWriter(ctx context.Context, path string, opts WriteOpts) (*Writer, error) {
	if opts.SitesPerBlock <= 0 {
		opts.SitesPerBlock = DefaultSitesPerBlock
	}
	opts.Contigs = append([]biopb.Contig(nil), opts.Contigs...)
	if len(opts.Transformers) == 0 {
		opts.Transformers = []string{recordiozstd.Name}
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "sites.NewWriter", path)
	}
	w := &Writer{
		path: path,
		opts: opts,
		out:  out,
		last: biopb.Coord{RefId: biopb.InvalidRefID, Pos: biopb.InvalidPos},
	}
	w.rio = recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers:        opts.Transformers,
		Marshal:             w.marshalBlock,
		Index:               w.indexCallback,
		MaxFlushParallelism: 2,
	})
	w.rio.AddHeader(recordio.KeyTrailer, true)
	w.newBuf()
	return w, nil
}

// AddContig appends a contig to the dictionary and returns its ID.
func (w *Writer) AddContig(c biopb.Contig) int32 {
	w.opts.Contigs = append(w.opts.Contigs, c)
	return int32(len(w.opts.Contigs) - 1)
}

// NumContigs returns the size of the contig dictionary.
func (w *Writer) NumContigs() int { return len(w.opts.Contigs) }

func (w *Writer) newBuf() {
	w.buf = &siteBlock{seq: w.nSeq, sites: make([]biopb.Site, 0, w.opts.SitesPerBlock)}
	w.nSeq++
}

// Append adds a site. The site is copied.
func (w *Writer) Append(s biopb.Site) error {
	c := s.Coord()
	if c.RefId < 0 || int(c.RefId) >= len(w.opts.Contigs) {
		return errors.E(errors.Invalid, fmt.Sprintf("sites %s: contig %d not in the dictionary", w.path, c.RefId))
	}
	if c.LT(w.last) {
		return errors.E(errors.Invalid, fmt.Sprintf("sites %s: site %v appended after %v", w.path, c, w.last))
	}
	w.last = c
	s.Alleles = append([]string(nil), s.Alleles...)
	w.buf.add(s)
	w.nRows++
	if len(w.buf.sites) >= w.opts.SitesPerBlock {
		w.flushBuf()
	}
	return nil
}

func (w *Writer) flushBuf() {
	log.Debug.Printf("%s: flushing block %d with %d sites", w.path, w.buf.seq, len(w.buf.sites))
	w.rio.Append(w.buf)
	w.rio.Flush()
	w.newBuf()
}

func (w *Writer) marshalBlock(scratch []byte, v interface{}) ([]byte, error) {
	blk := v.(*siteBlock)
	b := proto.NewBuffer(scratch[:0])
	if err := b.EncodeVarint(uint64(len(blk.sites))); err != nil {
		return nil, err
	}
	for i := range blk.sites {
		if err := blk.sites[i].MarshalTo(b); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

func (w *Writer) indexCallback(loc recordio.ItemLocation, v interface{}) error {
	blk := v.(*siteBlock)
	if loc.Item != 0 {
		log.Panicf("sites %s: unexpected item location %+v", w.path, loc)
	}
	first, last := &blk.sites[0], &blk.sites[len(blk.sites)-1]
	index := biopb.SiteBlockIndex{
		NumRecords: uint32(len(blk.sites)),
		StartAddr:  first.Coord(),
		EndAddr:    last.Coord(),
		MaxEnd:     blk.maxEnd,
		FileOffset: loc.Block,
		StartRow:   first.Row,
	}
	w.mu.Lock()
	w.blocks = append(w.blocks, index)
	w.mu.Unlock()
	return nil
}

// Close flushes the remaining sites, writes the index and closes the file.
func (w *Writer) Close(ctx context.Context) error {
	if len(w.buf.sites) > 0 {
		w.flushBuf()
	}
	w.rio.Wait()
	w.mu.Lock()
	sort.SliceStable(w.blocks, func(i, j int) bool {
		return w.blocks[i].FileOffset < w.blocks[j].FileOffset
	})
	index := biopb.SiteIndex{
		Magic:   IndexMagic,
		Version: Version,
		Contigs: w.opts.Contigs,
		Blocks:  w.blocks,
	}
	w.mu.Unlock()
	log.Debug.Printf("%s: %d sites in %d blocks", w.path, w.nRows, len(index.Blocks))
	data, err := index.Marshal()
	if err != nil {
		return errors.E(err, "sites index", w.path)
	}
	w.rio.SetTrailer(data)
	err = w.rio.Finish()
	if e := w.out.Close(ctx); e != nil && err == nil {
		err = e
	}
	if err != nil {
		return errors.E(err, "sites.Close", w.path)
	}
	return nil
}
