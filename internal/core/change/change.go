package change

import (
	"sort"
	"time"
)

// Change is the per-file accumulator of DataRegions plus metadata deltas and
// a post-truncate length, per §3/§4.1. It is created on first mutation to a
// file and destroyed when its SyncItem is retired.
type Change struct {
	regions []*Region

	hasMeta       bool
	CTime         time.Time
	MTime         time.Time
	hasMode       bool
	Mode          uint32
	hasOwner      bool
	UID, GID      uint32
	hasSymlink    bool
	SymlinkTarget string
	hasLength     bool
	Length        int64
}

// New creates an empty DataChange.
func New() *Change {
	return &Change{}
}

// Add folds a new region into the set, coalescing transitively against any
// existing region it overlaps or touches, per §4.1. The regions invariant
// (pairwise non-overlapping, non-adjacent, sorted by start) is preserved.
func (c *Change) Add(start, end int64, data []byte) error {
	if end == start {
		// Zero-length writes are no-ops in the log (§8 boundary behaviors).
		return nil
	}
	region, err := NewRegion(start, end, data)
	if err != nil {
		return err
	}
	c.addRegion(region)
	return nil
}

func (c *Change) addRegion(region *Region) {
	// Repeatedly merge region against any existing member until a fixed
	// point is reached; removing one merge candidate can expose another
	// (e.g. a new region bridges two previously disjoint regions).
	for {
		merged := false
		for i, existing := range c.regions {
			if existing.CanMerge(region) != VariantNone {
				combined, err := existing.MergeWith(region)
				if err != nil {
					// CanMerge already guarded this; unreachable in practice.
					continue
				}
				region = combined
				c.regions = append(c.regions[:i], c.regions[i+1:]...)
				merged = true
				break
			}
		}
		if !merged {
			break
		}
	}

	c.regions = append(c.regions, region)
	sort.Slice(c.regions, func(i, j int) bool { return c.regions[i].Start < c.regions[j].Start })
}

// Regions returns a defensive copy of the ordered, non-overlapping region set.
func (c *Change) Regions() []*Region {
	out := make([]*Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// Truncate drops regions wholly past newLen and clips a straddling region to
// [start, newLen), per §4.1/§8 invariant 2. It also records the post-
// truncate length as a metadata scalar.
func (c *Change) Truncate(newLen int64) {
	kept := c.regions[:0:0]
	for _, r := range c.regions {
		switch {
		case r.Start >= newLen:
			// Wholly past the new length; drop.
			continue
		case r.End <= newLen:
			kept = append(kept, r)
		default:
			// Straddles newLen; clip.
			clipped := &Region{
				Start: r.Start,
				End:   newLen,
				Bytes: append([]byte(nil), r.Bytes[:newLen-r.Start]...),
			}
			kept = append(kept, clipped)
		}
	}
	c.regions = kept
	c.SetLength(newLen)
}

// SetCTime, SetMTime, SetMode, SetOwner, SetSymlinkTarget, and SetLength are
// the metadata setters named in §3/§4.1; each marks its field present so
// replay can distinguish "unset" from "zero value".
func (c *Change) SetCTime(t time.Time) { c.hasMeta = true; c.CTime = t }
func (c *Change) SetMTime(t time.Time) { c.hasMeta = true; c.MTime = t }
func (c *Change) SetMode(mode uint32)  { c.hasMode = true; c.Mode = mode }
func (c *Change) SetOwner(uid, gid uint32) {
	c.hasOwner = true
	c.UID = uid
	c.GID = gid
}
func (c *Change) SetSymlinkTarget(target string) {
	c.hasSymlink = true
	c.SymlinkTarget = target
}
func (c *Change) SetLength(length int64) {
	c.hasLength = true
	c.Length = length
}

func (c *Change) HasMeta() bool    { return c.hasMeta }
func (c *Change) HasMode() bool    { return c.hasMode }
func (c *Change) HasOwner() bool   { return c.hasOwner }
func (c *Change) HasSymlink() bool { return c.hasSymlink }
func (c *Change) HasLength() bool  { return c.hasLength }

// IsEmpty reports whether the change carries no regions and no metadata,
// which can happen after a zero-length write. A Truncate always records
// the new length, so a truncated change is never empty.
func (c *Change) IsEmpty() bool {
	return len(c.regions) == 0 && !c.hasMeta && !c.hasMode && !c.hasOwner && !c.hasSymlink && !c.hasLength
}
