package change

import "testing"

func regionBytes(c *Change) []string {
	out := make([]string, 0, len(c.regions))
	for _, r := range c.regions {
		out = append(out, string(r.Bytes))
	}
	return out
}

func TestChangeAddCoalescesAdjacent(t *testing.T) {
	c := New()
	if err := c.Add(0, 5, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(5, 11, []byte(" world")); err != nil {
		t.Fatal(err)
	}
	regions := c.Regions()
	if len(regions) != 1 {
		t.Fatalf("expected 1 coalesced region, got %d", len(regions))
	}
	if string(regions[0].Bytes) != "hello world" {
		t.Errorf("got %q", regions[0].Bytes)
	}
}

func TestChangeAddBridgesTransitively(t *testing.T) {
	// Writing [0,5) then [10,15) leaves two disjoint regions; a later write
	// to the gap [5,10) must merge all three into one.
	c := New()
	_ = c.Add(0, 5, []byte("aaaaa"))
	_ = c.Add(10, 15, []byte("ccccc"))
	if len(c.Regions()) != 2 {
		t.Fatalf("expected 2 disjoint regions before bridge, got %d", len(c.Regions()))
	}
	_ = c.Add(5, 10, []byte("bbbbb"))

	regions := c.Regions()
	if len(regions) != 1 {
		t.Fatalf("expected bridged regions to coalesce into 1, got %d", len(regions))
	}
	if string(regions[0].Bytes) != "aaaaabbbbbccccc" {
		t.Errorf("got %q", regions[0].Bytes)
	}
}

func TestChangeAddKeepsNonOverlappingSorted(t *testing.T) {
	c := New()
	_ = c.Add(20, 25, []byte("second"[:5]))
	_ = c.Add(0, 5, []byte("first"))

	regions := c.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 disjoint regions, got %d", len(regions))
	}
	if regions[0].Start != 0 || regions[1].Start != 20 {
		t.Errorf("regions not sorted by start: %+v", regions)
	}
}

func TestChangeTruncateDropsRegionPastNewLen(t *testing.T) {
	// §8 scenario 5: add_change(0,10,X), add_change(20,30,Y), truncate(15)
	// leaves one region [0,10) and the [20,30) region gone.
	c := New()
	_ = c.Add(0, 10, make([]byte, 10))
	_ = c.Add(20, 30, make([]byte, 10))

	c.Truncate(15)

	regions := c.Regions()
	if len(regions) != 1 {
		t.Fatalf("expected 1 region after truncate, got %d", len(regions))
	}
	if regions[0].Start != 0 || regions[0].End != 10 {
		t.Errorf("surviving region = [%d,%d), want [0,10)", regions[0].Start, regions[0].End)
	}
	if !c.HasLength() || c.Length != 15 {
		t.Errorf("Length = %d, want 15", c.Length)
	}
}

func TestChangeTruncateClipsStraddlingRegion(t *testing.T) {
	c := New()
	_ = c.Add(0, 10, []byte("0123456789"))

	c.Truncate(5)

	regions := c.Regions()
	if len(regions) != 1 {
		t.Fatalf("expected 1 region, got %d", len(regions))
	}
	if regions[0].End != 5 || string(regions[0].Bytes) != "01234" {
		t.Errorf("clipped region = [%d,%d) %q, want [0,5) \"01234\"", regions[0].Start, regions[0].End, regions[0].Bytes)
	}
	for _, r := range regions {
		if r.End > 5 {
			t.Errorf("no region may have end > 5: %+v", r)
		}
	}
}

func TestChangeTruncateNoRegionExceedsNewLen(t *testing.T) {
	// §8 invariant 2: add_change followed by truncate_changes(p, n) leaves
	// no DataRegion with end > n.
	c := New()
	_ = c.Add(0, 100, make([]byte, 100))
	c.Truncate(42)
	for _, r := range c.Regions() {
		if r.End > 42 {
			t.Errorf("region end %d exceeds truncate length 42", r.End)
		}
	}
}

func TestChangeIsEmpty(t *testing.T) {
	c := New()
	if !c.IsEmpty() {
		t.Error("new change should be empty")
	}
	_ = c.Add(0, 0, nil) // zero-length write: boundary behavior, no-op (§8)
	if !c.IsEmpty() {
		t.Error("zero-length add should remain empty")
	}
	_ = c.Add(0, 1, []byte("x"))
	if c.IsEmpty() {
		t.Error("change with a region should not be empty")
	}
}

func TestChangeMetadataSetters(t *testing.T) {
	c := New()
	if c.HasMode() || c.HasOwner() || c.HasSymlink() || c.HasLength() {
		t.Fatal("new change should have no metadata set")
	}
	c.SetMode(0644)
	c.SetOwner(100, 200)
	c.SetSymlinkTarget("/elsewhere")
	c.SetLength(10)

	if !c.HasMode() || c.Mode != 0644 {
		t.Error("mode not recorded")
	}
	if !c.HasOwner() || c.UID != 100 || c.GID != 200 {
		t.Error("owner not recorded")
	}
	if !c.HasSymlink() || c.SymlinkTarget != "/elsewhere" {
		t.Error("symlink target not recorded")
	}
	if !c.HasLength() || c.Length != 10 {
		t.Error("length not recorded")
	}
}

func TestChangeAddZeroLengthIsNoOp(t *testing.T) {
	c := New()
	if err := c.Add(3, 3, nil); err != nil {
		t.Fatalf("zero-length add should not be an error by itself: %v", err)
	}
}
