// Package change implements the byte-range value objects used to describe
// pending file mutations: DataRegion (a single contiguous byte-range write)
// and DataChange (the per-file accumulator of DataRegions plus metadata
// deltas), per §3 and §4.1 of the design.
package change

import "fmt"

// Variant classifies how two DataRegions relate to each other, mirroring the
// merge classification named in §3: perfect, inner, outer, left/right
// adjacent, left/right overlap, or none (not mergeable).
type Variant int

const (
	// VariantNone indicates the two regions are disjoint and not adjacent;
	// they cannot be merged into a single contiguous region.
	VariantNone Variant = iota
	// VariantPerfect indicates both regions cover exactly the same interval.
	VariantPerfect
	// VariantInner indicates the other region lies entirely within this one.
	VariantInner
	// VariantOuter indicates the other region entirely contains this one.
	VariantOuter
	// VariantLeftAdjacent indicates the other region ends exactly where this
	// one begins (touching on the left, no overlap).
	VariantLeftAdjacent
	// VariantRightAdjacent indicates this region ends exactly where the other
	// begins (touching on the right, no overlap).
	VariantRightAdjacent
	// VariantLeftOverlap indicates the other region overlaps this region's
	// left edge, extending further left.
	VariantLeftOverlap
	// VariantRightOverlap indicates the other region overlaps this region's
	// right edge, extending further right.
	VariantRightOverlap
)

// Region is a single contiguous byte-range mutation: {start, end, bytes}
// with end > start and len(bytes) == end - start.
type Region struct {
	Start int64
	End   int64
	Bytes []byte
}

// NewRegion constructs a Region, validating the length invariant in §3.
func NewRegion(start, end int64, data []byte) (*Region, error) {
	if end <= start {
		return nil, fmt.Errorf("change: invalid region [%d,%d): end must be > start", start, end)
	}
	if int64(len(data)) != end-start {
		return nil, fmt.Errorf("change: invalid region [%d,%d): len(bytes)=%d, want %d", start, end, len(data), end-start)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Region{Start: start, End: end, Bytes: buf}, nil
}

// CanMerge classifies the relationship between r (treated as the existing,
// "self" region) and other (treated as the incoming, newer write), per §3.
// Two regions are mergeable when they overlap or are adjacent.
func (r *Region) CanMerge(other *Region) Variant {
	switch {
	case other.Start == r.Start && other.End == r.End:
		return VariantPerfect
	case other.Start >= r.Start && other.End <= r.End:
		return VariantInner
	case other.Start <= r.Start && other.End >= r.End:
		return VariantOuter
	case other.End == r.Start:
		return VariantLeftAdjacent
	case r.End == other.Start:
		return VariantRightAdjacent
	case other.Start < r.Start && other.End > r.Start && other.End < r.End:
		return VariantLeftOverlap
	case other.Start > r.Start && other.Start < r.End && other.End > r.End:
		return VariantRightOverlap
	default:
		return VariantNone
	}
}

// MergeWith merges r and other into a single contiguous Region spanning the
// union of both intervals. CanMerge(other) must not be VariantNone.
//
// Tie-break per §4.1: where the two regions overlap, other's bytes win -
// "last write wins within the DataChange". This is implemented uniformly
// regardless of classification: self's bytes are laid down first, then
// other's bytes are written over them, so overlapping positions always end
// up with other's value and the non-overlapping tails keep whichever
// operand covers them.
func (r *Region) MergeWith(other *Region) (*Region, error) {
	if r.CanMerge(other) == VariantNone {
		return nil, fmt.Errorf("change: regions [%d,%d) and [%d,%d) are not mergeable", r.Start, r.End, other.Start, other.End)
	}

	newStart := min(r.Start, other.Start)
	newEnd := max(r.End, other.End)
	buf := make([]byte, newEnd-newStart)

	copy(buf[r.Start-newStart:r.End-newStart], r.Bytes)
	copy(buf[other.Start-newStart:other.End-newStart], other.Bytes)

	return &Region{Start: newStart, End: newEnd, Bytes: buf}, nil
}
