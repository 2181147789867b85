package interval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/klauspost/compress/gzip"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// NewBEDOpts defines behavior of this package's BED-loading function(s).
type NewBEDOpts struct {
	// OneBasedInput interprets the BED interval boundaries as one-based [start,
	// end] instead of the usual zero-based [start, end).
	OneBasedInput bool
}

// PosType is BEDUnion's coordinate type.
type PosType int32

const posTypeMax = math.MaxInt32

// searchPosType returns the index of x in a[], or the position where x would
// be inserted if x isn't in a (this could be len(a)).  It's exactly the same
// as sort.SearchInt(), except for PosType.
func searchPosType(a []PosType, x PosType) int {
	return sort.Search(len(a), func(i int) bool { return a[i] >= x })
}

// fwdsearchPosType checks a[idx], then a[idx + 1], then a[idx + 3], then
// a[idx + 7], etc., and then uses binary search to finish the job.  It's
// usually a better choice than searchPosType when iterating.
func fwdsearchPosType(a []PosType, x PosType, idx int) int {
	nextIncr := 1
	startIdx := idx
	endIdx := len(a)
	for idx < endIdx {
		if a[idx] >= x {
			endIdx = idx
			break
		}
		startIdx = idx + 1
		idx += nextIncr
		nextIncr *= 2
	}
	for startIdx < endIdx {
		midIdx := int(uint(startIdx+endIdx) >> 1)
		if a[midIdx] >= x {
			endIdx = midIdx
		} else {
			startIdx = midIdx + 1
		}
	}
	return startIdx
}

// BEDUnion is a collection of length-2N sequences, one per contig, where N
// is the number of disjoint intervals on the contig: the (0-based) start of
// interval #k is in element [2k] and its end in element [2k+1], in increasing
// order.  A position p is covered iff searchPosType(a, p+1) is odd.
//
// Queries cache the last contig and position, so a BEDUnion must not be
// shared across goroutines; use Clone.
type BEDUnion struct {
	// nameMap is a contig-keyed map with disjoint-interval-set values.
	nameMap map[string][]PosType
	// lastChrIntervals points to the disjoint-interval-set for the most recently
	// queried contig.
	lastChrIntervals []PosType
	// lastChrName is the name of the last queried contig.  If it's nonempty,
	// it must be in sync with lastChrIntervals.
	lastChrName string
	// lastPosPlus1 is 1 plus the last spot-queried position.
	lastPosPlus1 PosType
	// lastIdx is searchPosType(lastChrIntervals, lastPosPlus1).  Cached to
	// accelerate sequential queries.
	lastIdx int
	// isSequential is true if all queries since the last contig change have
	// been in order of nondecreasing position.
	isSequential bool
}

// Entry represents a single interval, with 0-based coordinates.
type Entry struct {
	ChrName string
	Start0  PosType
	End     PosType
}

func (u *BEDUnion) switchChr(chrName string) {
	u.lastChrName = chrName
	u.lastChrIntervals = u.nameMap[chrName]
	u.lastIdx = 0
	u.lastPosPlus1 = 0
	u.isSequential = true
}

// ContainsByName checks whether the (0-based) interval [pos, pos+1) is
// contained within the BEDUnion.
func (u *BEDUnion) ContainsByName(chrName string, pos PosType) bool {
	if chrName != u.lastChrName {
		u.switchChr(chrName)
	}
	if u.lastChrIntervals == nil {
		return false
	}
	posPlus1 := pos + 1
	if u.isSequential {
		if posPlus1 >= u.lastPosPlus1 {
			u.lastIdx = fwdsearchPosType(u.lastChrIntervals, posPlus1, u.lastIdx)
			u.lastPosPlus1 = posPlus1
			return u.lastIdx&1 == 1
		}
		u.isSequential = false
	}
	return searchPosType(u.lastChrIntervals, posPlus1)&1 == 1
}

// Overlaps checks whether [start, end) shares at least one base with the
// BEDUnion.  An empty range is treated as [start, start+1).
func (u *BEDUnion) Overlaps(chrName string, start, end PosType) bool {
	if end <= start {
		end = start + 1
	}
	if u.ContainsByName(chrName, start) {
		return true
	}
	// start is not covered, so the next endpoint, if any, is an interval start.
	a := u.lastChrIntervals
	idx := searchPosType(a, start+1)
	return idx < len(a) && a[idx] < end
}

// Chromosomes returns the sorted contig names with at least one interval.
func (u *BEDUnion) Chromosomes() []string {
	var names []string
	for name, a := range u.nameMap {
		if len(a) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// NumBases returns the number of bases covered.
func (u *BEDUnion) NumBases() int64 {
	var n int64
	for _, a := range u.nameMap {
		for i := 0; i+1 < len(a); i += 2 {
			n += int64(a[i+1] - a[i])
		}
	}
	return n
}

// Clone returns a new BEDUnion which shares the interval set, but has its own
// search state.
func (u *BEDUnion) Clone() *BEDUnion {
	return &BEDUnion{nameMap: u.nameMap}
}

// NewBEDUnionFromEntries builds a BEDUnion from entries in any order,
// merging touching/overlapping intervals and dropping empty ones.
func NewBEDUnionFromEntries(entries []Entry) (*BEDUnion, error) {
	byChr := map[string][]Entry{}
	for _, e := range entries {
		if e.Start0 < 0 {
			return nil, fmt.Errorf("interval.NewBEDUnionFromEntries: negative start coordinate in %+v", e)
		}
		if e.End < e.Start0 || e.End >= posTypeMax {
			return nil, fmt.Errorf("interval.NewBEDUnionFromEntries: invalid coordinate pair [%d, %d)", e.Start0, e.End)
		}
		if e.End == e.Start0 {
			continue
		}
		byChr[e.ChrName] = append(byChr[e.ChrName], e)
	}
	u := &BEDUnion{nameMap: make(map[string][]PosType, len(byChr))}
	for chr, es := range byChr {
		sort.Slice(es, func(i, j int) bool { return es[i].Start0 < es[j].Start0 })
		a := make([]PosType, 0, 2*len(es))
		for _, e := range es {
			if n := len(a); n > 0 && e.Start0 <= a[n-1] {
				if e.End > a[n-1] {
					a[n-1] = e.End
				}
				continue
			}
			a = append(a, e.Start0, e.End)
		}
		u.nameMap[chr] = a
	}
	return u, nil
}

// NewBEDUnion loads the intervals of a BED file. Lines starting with '#',
// "track" or "browser" are skipped, as are columns after the third.
func NewBEDUnion(reader io.Reader, opts NewBEDOpts) (*BEDUnion, error) {
	var startSubtract int
	if opts.OneBasedInput {
		startSubtract++
	}
	var (
		tokens  [3][]byte
		entries []Entry
		lineIdx int
	)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 1<<16), 1<<24)
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		nToken := getTokens(tokens[:], curLine)
		if nToken == 0 || tokens[0][0] == '#' {
			continue
		}
		if s := gunsafe.BytesToString(tokens[0]); s == "track" || s == "browser" {
			continue
		}
		if nToken != 3 {
			return nil, fmt.Errorf("interval.NewBEDUnion: line %d has fewer tokens than expected", lineIdx)
		}
		start, err := strconv.Atoi(gunsafe.BytesToString(tokens[1]))
		if err != nil {
			return nil, fmt.Errorf("interval.NewBEDUnion: line %d: %v", lineIdx, err)
		}
		start -= startSubtract
		end, err := strconv.Atoi(gunsafe.BytesToString(tokens[2]))
		if err != nil {
			return nil, fmt.Errorf("interval.NewBEDUnion: line %d: %v", lineIdx, err)
		}
		if start < 0 || end < start || end >= posTypeMax {
			return nil, fmt.Errorf("interval.NewBEDUnion: invalid coordinate pair on line %d", lineIdx)
		}
		entries = append(entries, Entry{ChrName: string(tokens[0]), Start0: PosType(start), End: PosType(end)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	u, err := NewBEDUnionFromEntries(entries)
	if err != nil {
		return nil, err
	}
	log.Printf("BED loaded, %d base(s) covered.", u.NumBases())
	return u, nil
}

// NewBEDUnionFromPath is a wrapper for NewBEDUnion that takes a path instead
// of an io.Reader.  Gzipped files are detected by their extension.
func NewBEDUnionFromPath(ctx context.Context, path string, opts NewBEDOpts) (bedUnion *BEDUnion, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		var gz *gzip.Reader
		if gz, err = gzip.NewReader(reader); err != nil {
			return
		}
		defer gz.Close() // nolint: errcheck
		reader = gz
	}
	return NewBEDUnion(reader, opts)
}

// ParseRegionString parses a region string of one of the forms
//   [contig ID]:[1-based first pos]-[last pos]
//   [contig ID]:[1-based first pos]-
//   [contig ID]:[1-based pos]
//   [contig ID]
// returning a contig ID and 0-based interval boundaries.  Commas in numbers
// are ignored.  The interval [0, posTypeMax - 1) is returned if there is no
// positional restriction.
func ParseRegionString(region string) (result Entry, err error) {
	if len(region) == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty region string")
		return
	}
	colonPos := strings.LastIndexByte(region, ':')
	if colonPos == -1 {
		result.ChrName = region
		result.Start0 = 0
		result.End = posTypeMax - 1
		return
	}
	if colonPos == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty contig ID")
		return
	}
	result.ChrName = region[0:colonPos]
	rangeStr := strings.Replace(region[colonPos+1:], ",", "", -1)
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		var pos1 int64
		if pos1, err = strconv.ParseInt(rangeStr, 10, 32); err != nil {
			return
		}
		if pos1 <= 0 {
			err = fmt.Errorf("interval.ParseRegionString: position %v in region string out of range", rangeStr)
			return
		}
		result.Start0 = PosType(pos1 - 1)
		result.End = PosType(pos1)
		return
	}
	start1Str := rangeStr[:dashPos]
	endStr := rangeStr[dashPos+1:]
	var start1 int
	if start1, err = strconv.Atoi(start1Str); err != nil {
		return
	}
	if start1 <= 0 {
		err = fmt.Errorf("interval.ParseRegionString: position %v in region string out of range", start1Str)
		return
	}
	end0 := posTypeMax - 1
	if endStr != "" {
		if end0, err = strconv.Atoi(endStr); err != nil {
			return
		}
	}
	if end0 < start1 || end0 >= posTypeMax {
		err = fmt.Errorf("interval.ParseRegionString: invalid range string %v", rangeStr)
		return
	}
	result.Start0 = PosType(start1 - 1)
	result.End = PosType(end0)
	return
}
