// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bgt

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errorreporter"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/simd"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bgt/allele"
	"github.com/grailbio/bgt/biopb"
	"github.com/grailbio/bgt/expr"
	"github.com/grailbio/bgt/interval"
	"github.com/grailbio/bgt/util"
	"github.com/grailbio/bgt/vcf"
)

// MaxGroups is the max number of sample groups.
const MaxGroups = 32

// Variant is one merged site.
type Variant struct {
	Chrom string
	// RefID indexes Multi.Contigs.
	RefID int32
	// Pos is 0-based.
	Pos  int32
	Rlen int32
	Ref  string
	Alt  string
	// Multi is set when some store has a second ALT at this site. Haplotypes
	// carrying it have code 3.
	Multi bool
	// Planes[p][j] is bit p of output haplotype j. The slices are owned by
	// Multi and are overwritten by the next Read.
	Planes [NumPlanes][]byte

	// Allele counts. They are filled only when Multi computes statistics.
	AC, AN           int
	GroupAC, GroupAN []int
}

// Code returns the genotype code of haplotype j: 0 for REF, 1 for ALT, 2
// for missing and 3 for another ALT.
func (v *Variant) Code(j int) byte {
	return v.Planes[1][j]<<1 | v.Planes[0][j]
}

// End returns the 0-based exclusive end of the site.
func (v *Variant) End() int32 { return v.Pos + v.Rlen }

// NumHaplotypes returns the number of output haplotypes.
func (v *Variant) NumHaplotypes() int { return len(v.Planes[0]) }

func compareRecords(a, b *Record) int {
	switch {
	case a.Site.RefId != b.Site.RefId:
		return int(a.Site.RefId - b.Site.RefId)
	case a.Site.Pos != b.Site.Pos:
		return int(a.Site.Pos - b.Site.Pos)
	case a.Site.Rlen != b.Site.Rlen:
		return int(a.Site.Rlen - b.Site.Rlen)
	}
	return strings.Compare(a.Site.FirstAlt(), b.Site.FirstAlt())
}

// slot holds the pending records of one store: every record at the current
// position that has not been merged yet.
type slot struct {
	r *Reader
	// refMap maps the store's contig IDs to Multi's.
	refMap []int32
	recs   []*Record
	next   *Record
	done   bool
}

func (s *slot) read() (*Record, error) {
	rec, err := s.r.Read()
	if err != nil {
		return nil, err
	}
	rec.Site.RefId = s.refMap[rec.Site.RefId]
	return rec, nil
}

// fill reads all the records at the next position. It must be called only
// when recs is empty.
func (s *slot) fill() error {
	s.recs = s.recs[:0]
	if s.done {
		return nil
	}
	if s.next == nil {
		rec, err := s.read()
		if err == io.EOF {
			s.done = true
			return nil
		}
		if err != nil {
			return err
		}
		s.next = rec
	}
	first := s.next
	s.next = nil
	s.recs = append(s.recs, first)
	for {
		rec, err := s.read()
		if err == io.EOF {
			s.done = true
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Site.RefId != first.Site.RefId || rec.Site.Pos != first.Site.Pos {
			s.next = rec
			return nil
		}
		s.recs = append(s.recs, rec)
	}
}

func (s *slot) reset() {
	s.recs, s.next, s.done = s.recs[:0], nil, false
}

// Multi merges several stores. Sites are reported in (contig, position,
// reference length, ALT) order; a site missing from a store gets missing
// genotypes for the samples of that store. Multi is not thread safe.
type Multi struct {
	cfg     Config
	slots   []slot
	contigs *vcf.Header

	// groupMasks[i][s] is the group bitmask of sample s of store i.
	groupMasks [][]uint32
	groupNames []string
	nGroups    int
	// groups[k] is the group bitmask of output sample k.
	groups []uint32

	stats   bool
	filter  *expr.Expr
	alleles []allele.Allele
	// hapAlleles[j] has bit i set if output haplotype j carries alleles[i].
	hapAlleles []uint64

	prepared   bool
	nOut       int
	planes     [NumPlanes][]byte
	nGenotypes int64
	v          Variant
	env        siteEnv
}

// OpenMulti opens the stores with the given prefixes in parallel.
func OpenMulti(ctx context.Context, prefixes []string, cfg Config) (*Multi, error) {
	if len(prefixes) == 0 {
		return nil, errors.E(errors.Invalid, "bgt.OpenMulti: no store")
	}
	readers := make([]*Reader, len(prefixes))
	err := traverse.Limit(cfg.parallelism()).Each(len(prefixes), func(i int) error {
		var err error
		readers[i], err = Open(ctx, prefixes[i])
		return err
	})
	if err != nil {
		for _, r := range readers {
			if r != nil {
				_ = r.Close(ctx)
			}
		}
		return nil, err
	}
	return NewMulti(readers, cfg), nil
}

// NewMulti merges already opened stores. Multi takes ownership of them.
func NewMulti(readers []*Reader, cfg Config) *Multi {
	m := &Multi{
		cfg:        cfg,
		slots:      make([]slot, len(readers)),
		contigs:    vcf.NewHeader(nil, nil, nil),
		groupMasks: make([][]uint32, len(readers)),
	}
	for i, r := range readers {
		s := &m.slots[i]
		s.r = r
		for _, c := range r.Contigs() {
			s.refMap = append(s.refMap, m.contigs.AddContig(c.Name, c.Length))
		}
		m.groupMasks[i] = make([]uint32, len(r.Samples().Rows))
	}
	m.env.m = m
	log.Debug.Printf("bgt: merging %d stores, %d contigs", len(readers), len(m.contigs.Contigs))
	return m
}

// Contigs returns the unified contig dictionary: the contigs of the first
// store, followed by the contigs first seen in later stores.
func (m *Multi) Contigs() []biopb.Contig { return m.contigs.Contigs }

func (m *Multi) checkConfigurable(op string) error {
	if m.prepared {
		return errors.E(errors.Invalid, fmt.Sprintf("bgt: %s after the first Read", op))
	}
	return nil
}

// SetSamples selects the named samples in every store. Names unknown to all
// stores are reported together with the closest known name.
func (m *Multi) SetSamples(names []string) error {
	if err := m.checkConfigurable("SetSamples"); err != nil {
		return err
	}
	missing := map[string]int{}
	for i := range m.slots {
		r := m.slots[i].r
		idx, unknown := r.lookupSamples(names)
		if _, err := r.SelectSamples(idx); err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, name := range unknown {
			if !seen[name] {
				seen[name] = true
				missing[name]++
			}
		}
	}
	for _, name := range names {
		if missing[name] == len(m.slots) {
			m.warnUnknownSample(name)
			missing[name] = 0
		}
	}
	return nil
}

func (m *Multi) warnUnknownSample(name string) {
	var all []string
	for i := range m.slots {
		all = append(all, m.slots[i].r.Samples().Names()...)
	}
	if c, d := util.Closest(name, all); d >= 0 {
		log.Error.Printf("bgt: sample %s not found; did you mean %s?", name, c)
	} else {
		log.Error.Printf("bgt: sample %s not found", name)
	}
}

// AddGroup adds a sample group given by sample names. Once a group is
// added, only samples in at least one group are reported. It returns the
// number of samples in the group.
func (m *Multi) AddGroup(names []string) (int, error) {
	k, err := m.newGroup(strings.Join(names, ","))
	if err != nil {
		return 0, err
	}
	n := 0
	found := make([]bool, len(names))
	for i := range m.slots {
		samples := m.slots[i].r.Samples()
		for j, name := range names {
			if s, ok := samples.Lookup(name); ok {
				found[j] = true
				if m.groupMasks[i][s]&(1<<uint(k)) == 0 {
					m.groupMasks[i][s] |= 1 << uint(k)
					n++
				}
			}
		}
	}
	for j, name := range names {
		if !found[j] {
			m.warnUnknownSample(name)
		}
	}
	return n, nil
}

// AddGroupExpr adds a sample group of the samples whose metadata satisfies
// e.
func (m *Multi) AddGroupExpr(e *expr.Expr) (int, error) {
	k, err := m.newGroup(e.String())
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range m.slots {
		it := m.slots[i].r.Samples().Select(e).Iterator()
		for it.HasNext() {
			m.groupMasks[i][it.Next()] |= 1 << uint(k)
			n++
		}
	}
	return n, nil
}

func (m *Multi) newGroup(desc string) (int, error) {
	if err := m.checkConfigurable("AddGroup"); err != nil {
		return 0, err
	}
	if m.nGroups >= MaxGroups {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("bgt: at most %d sample groups are supported", MaxGroups))
	}
	m.nGroups++
	m.groupNames = append(m.groupNames, desc)
	m.stats = true
	return m.nGroups - 1, nil
}

// NumGroups returns the number of sample groups.
func (m *Multi) NumGroups() int { return m.nGroups }

// GroupNames returns a description of each group: the joined sample names
// or the expression it was added with.
func (m *Multi) GroupNames() []string { return m.groupNames }

// SetStats enables computing AC and AN for every site.
func (m *Multi) SetStats(on bool) { m.stats = on }

// SetFilter keeps only the sites for which the expression is true. See
// siteEnv for the variables. Computing statistics is implied.
func (m *Multi) SetFilter(src string) error {
	if err := m.checkConfigurable("SetFilter"); err != nil {
		return err
	}
	e, err := expr.Parse(src)
	if err != nil {
		return errors.E(errors.Invalid, err, "bgt filter")
	}
	for _, name := range e.Vars() {
		if !isSiteVar(name, m.nGroups) {
			return errors.E(errors.Invalid, fmt.Sprintf("bgt filter %q: unknown variable %s", src, name))
		}
	}
	m.filter, m.stats = e, true
	return nil
}

// SetAlleles keeps only the sites that match one of the alleles, and
// records which haplotypes carry them.
func (m *Multi) SetAlleles(alleles []allele.Allele) error {
	if err := m.checkConfigurable("SetAlleles"); err != nil {
		return err
	}
	if len(alleles) > allele.MaxAlleles {
		return errors.E(errors.Invalid, fmt.Sprintf("bgt: %d alleles requested; at most %d are supported", len(alleles), allele.MaxAlleles))
	}
	m.alleles = alleles
	return nil
}

// Alleles returns the alleles set by SetAlleles.
func (m *Multi) Alleles() []allele.Allele { return m.alleles }

// SetRegion restricts every store to a region. It fails if no store has the
// contig.
func (m *Multi) SetRegion(region string) error {
	e, err := interval.ParseRegionString(region)
	if err != nil {
		return errors.E(errors.Invalid, err, "bgt region", region)
	}
	known := false
	for i := range m.slots {
		s := &m.slots[i]
		if err := s.r.SetRegion(region); err != nil {
			return err
		}
		known = known || s.r.HasContig(e.ChrName)
		s.reset()
	}
	if !known {
		return errors.E(errors.Invalid, fmt.Sprintf("bgt: contig %s not found in any store", e.ChrName))
	}
	return nil
}

// SetBED applies a BED filter to every store. Each store gets its own
// clone of u since a BEDUnion caches the last query.
func (m *Multi) SetBED(u *interval.BEDUnion, exclude bool) {
	for i := range m.slots {
		m.slots[i].r.SetBED(u.Clone(), exclude)
	}
}

// SetStart starts every store at the given row.
func (m *Multi) SetStart(row int64) error {
	for i := range m.slots {
		s := &m.slots[i]
		if err := s.r.SetStart(row); err != nil {
			return err
		}
		s.reset()
	}
	return nil
}

// Prepare fixes the sample selection. Read calls it implicitly. With sample
// groups, the selection becomes the union of the groups. It fails if a group
// is smaller than Config.MinGroupSize.
func (m *Multi) Prepare() error {
	if m.prepared {
		return nil
	}
	if m.nGroups > 0 {
		for i := range m.slots {
			var idx []int32
			for s, mask := range m.groupMasks[i] {
				if mask != 0 {
					idx = append(idx, int32(s))
				}
			}
			if _, err := m.slots[i].r.SelectSamples(idx); err != nil {
				return err
			}
		}
	}
	m.nOut = 0
	m.groups = m.groups[:0]
	for i := range m.slots {
		r := m.slots[i].r
		for _, s := range r.Selected() {
			m.groups = append(m.groups, m.groupMasks[i][s])
		}
		m.nOut += len(r.Selected())
	}
	if err := m.checkGroupSizes(); err != nil {
		return err
	}
	for p := range m.planes {
		m.planes[p] = make([]byte, 2*m.nOut)
	}
	if len(m.alleles) > 0 {
		m.hapAlleles = make([]uint64, 2*m.nOut)
	}
	m.v.GroupAC = make([]int, m.nGroups)
	m.v.GroupAN = make([]int, m.nGroups)
	m.prepared = true
	log.Debug.Printf("bgt: %d samples selected in %d groups", m.nOut, m.nGroups)
	return nil
}

// GroupSizes returns the number of selected samples in each group.
func (m *Multi) GroupSizes() []int {
	sizes := make([]int, m.nGroups)
	for _, g := range m.groups {
		for k := 0; g != 0; k, g = k+1, g>>1 {
			if g&1 != 0 {
				sizes[k]++
			}
		}
	}
	return sizes
}

func (m *Multi) checkGroupSizes() error {
	if m.cfg.MinGroupSize <= 0 {
		return nil
	}
	sizes := []int{m.nOut}
	if m.nGroups > 0 {
		sizes = m.GroupSizes()
	}
	for k, n := range sizes {
		if n < m.cfg.MinGroupSize {
			return errors.E(errors.NotAllowed, fmt.Sprintf("bgt: sample group %d has %d samples; at least %d are required", k+1, n, m.cfg.MinGroupSize))
		}
	}
	return nil
}

// GenotypesAllowed checks if individual genotypes may be reported. They are
// withheld when a minimum group size is configured.
func (m *Multi) GenotypesAllowed() bool { return m.cfg.MinGroupSize <= 0 }

// SampleNames returns the output samples in output order.
func (m *Multi) SampleNames() []string {
	var names []string
	for i := range m.slots {
		names = append(names, m.slots[i].r.SelectedNames()...)
	}
	return names
}

// NumGenotypes returns the number of genotypes decoded so far.
func (m *Multi) NumGenotypes() int64 { return m.nGenotypes }

// Exhausted checks if the genotype budget of Config.MaxGenotypes is spent.
func (m *Multi) Exhausted() bool {
	return m.cfg.MaxGenotypes > 0 && m.nGenotypes > m.cfg.MaxGenotypes
}

// Read returns the next merged site, or io.EOF. The variant is owned by
// Multi and is overwritten by the next call.
func (m *Multi) Read() (*Variant, error) {
	if err := m.Prepare(); err != nil {
		return nil, err
	}
	for {
		ok, err := m.merge()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, io.EOF
		}
		if m.stats {
			m.count()
		}
		if m.filter != nil && !m.testFilter() {
			continue
		}
		if len(m.alleles) > 0 && !m.matchAlleles() {
			continue
		}
		return &m.v, nil
	}
}

// merge builds the next site into m.v. It returns false at the end.
func (m *Multi) merge() (bool, error) {
	n := 0
	for i := range m.slots {
		s := &m.slots[i]
		if len(s.recs) == 0 && len(s.r.Selected()) > 0 {
			if err := s.fill(); err != nil {
				return false, err
			}
		}
		n += len(s.recs)
	}
	if n == 0 {
		return false, nil
	}
	var min *Record
	maxAlleles := 0
	for i := range m.slots {
		for _, rec := range m.slots[i].recs {
			if min == nil {
				min, maxAlleles = rec, len(rec.Site.Alleles)
				continue
			}
			c := compareRecords(min, rec)
			if c > 0 {
				min, maxAlleles = rec, len(rec.Site.Alleles)
			} else if c == 0 && len(rec.Site.Alleles) > maxAlleles {
				maxAlleles = len(rec.Site.Alleles)
			}
		}
	}
	if maxAlleles < 2 {
		log.Panicf("bgt: site %v has fewer than two alleles", min.Site)
	}
	v := &m.v
	v.RefID, v.Pos, v.Rlen = min.Site.RefId, min.Site.Pos, min.Site.Rlen
	v.Chrom = min.Chrom
	v.Ref, v.Alt = min.Site.Alleles[0], min.Site.Alleles[1]
	v.Multi = maxAlleles > 2
	off := 0
	for i := range m.slots {
		s := &m.slots[i]
		nh := 2 * len(s.r.Selected())
		if nh == 0 {
			continue
		}
		// Consume every record equal to min; the last one provides the
		// genotypes.
		var last *Record
		kept := s.recs[:0]
		for _, rec := range s.recs {
			if rec == min || compareRecords(rec, min) == 0 {
				last = rec
			} else {
				kept = append(kept, rec)
			}
		}
		s.recs = kept
		p0, p1 := m.planes[0][off:off+nh], m.planes[1][off:off+nh]
		if last != nil {
			copy(p0, last.Planes[0])
			copy(p1, last.Planes[1])
		} else {
			simd.Memset8(p0, 0)
			simd.Memset8(p1, 1)
		}
		off += nh
	}
	v.Planes = m.planes
	m.nGenotypes += int64(m.nOut)
	return true, nil
}

// count fills the allele counts of m.v.
func (m *Multi) count() {
	v := &m.v
	v.AN, v.AC = countAlleles(v.Planes[0], v.Planes[1])
	if m.nGroups == 0 {
		return
	}
	if m.nGroups > 1 && len(v.Planes[0]) >= histMinHaplotypes {
		countGroupsHist(v.Planes[0], v.Planes[1], m.groups, m.nGroups, v.GroupAN, v.GroupAC)
	} else {
		countGroupsDirect(v.Planes[0], v.Planes[1], m.groups, v.GroupAN, v.GroupAC)
	}
}

func (m *Multi) testFilter() bool {
	m.env.v = &m.v
	ok, err := m.filter.EvalBool(&m.env)
	if err != nil {
		log.Error.Printf("bgt: %s:%d: filter %s: %v", m.v.Chrom, m.v.Pos+1, m.filter, err)
		return false
	}
	return ok
}

// matchAlleles checks m.v against the requested alleles and records the
// haplotypes carrying the matching one.
func (m *Multi) matchAlleles() bool {
	v := &m.v
	for i := range m.alleles {
		if !m.alleles[i].Match(v.Chrom, v.Pos, v.Rlen, v.Ref, v.Alt) {
			continue
		}
		bit := uint64(1) << uint(i)
		for j := range m.hapAlleles {
			if v.Code(j) == 1 {
				m.hapAlleles[j] |= bit
			}
		}
		return true
	}
	return false
}

// Close closes every store.
func (m *Multi) Close(ctx context.Context) error {
	var err errorreporter.T
	for i := range m.slots {
		err.Set(m.slots[i].r.Close(ctx))
	}
	return err.Err()
}
