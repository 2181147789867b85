package biopb

import "fmt"

const (
	// InvalidRefID marks an unset contig.
	InvalidRefID = int32(-2)
	// InvalidPos marks an unset position.
	InvalidPos = int32(-2)
)

// Coord is a (contig, 0-based position) pair. Site streams are sorted by
// the Coord of their sites.
type Coord struct {
	RefId int32
	Pos   int32
}

// Compare returns a negative int, 0 or a positive int when c sorts before,
// equal to or after c1.
func (c Coord) Compare(c1 Coord) int {
	if c.RefId != c1.RefId {
		return int(c.RefId) - int(c1.RefId)
	}
	return int(c.Pos) - int(c1.Pos)
}

// LT returns true iff c sorts before c1.
func (c Coord) LT(c1 Coord) bool { return c.Compare(c1) < 0 }

func (c Coord) String() string {
	return fmt.Sprintf("%d:%d", c.RefId, c.Pos)
}

// Region is the half-open interval [Beg, End) of contig RefId.
type Region struct {
	RefId int32
	Beg   int32
	End   int32
}

// Passed returns true iff s, and so every site sorted after it, starts at
// or after the end of the region.
func (r Region) Passed(s *Site) bool {
	return s.RefId > r.RefId || (s.RefId == r.RefId && s.Pos >= r.End)
}

// Overlaps returns true iff s covers at least one base of the region.
// Sites that start before the region are included when they reach into it.
func (r Region) Overlaps(s *Site) bool {
	return s.RefId == r.RefId && s.Pos < r.End && s.End() > r.Beg
}

func (r Region) String() string {
	return fmt.Sprintf("%d:%d-%d", r.RefId, r.Beg, r.End)
}
