package statcache

import (
	"syscall"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New()
	st := syscall.Stat_t{Ino: 42, Size: 100}
	c.Put("/foo", st)

	got, ok := c.Get("/foo")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Ino != 42 || got.Size != 100 {
		t.Errorf("got %+v", got)
	}
}

func TestGetMissOnUnknownPath(t *testing.T) {
	c := New()
	if _, ok := c.Get("/nope"); ok {
		t.Fatal("expected miss for a never-Put path")
	}
}

func TestEntryExpires(t *testing.T) {
	c := New()
	clock := time.Now()
	c.now = func() time.Time { return clock }
	c.rand = func() float64 { return 0.5 }

	c.Put("/foo", syscall.Stat_t{Ino: 1})
	clock = clock.Add(BaseTTL + JitterWindow + time.Second)

	if _, ok := c.Get("/foo"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestInvalidate(t *testing.T) {
	c := New()
	c.Put("/foo", syscall.Stat_t{Ino: 1})
	c.Invalidate("/foo")
	if _, ok := c.Get("/foo"); ok {
		t.Fatal("expected invalidated entry to miss")
	}
}

func TestInvalidateKeepsSnapshotForChanged(t *testing.T) {
	// A local write invalidates the servable stat but must not discard
	// the fetch-time snapshot: the freshness check still compares it
	// against the upstream to detect divergence.
	c := New()
	base := syscall.Stat_t{Ino: 1, Size: 10}
	c.Put("/foo", base)
	c.Invalidate("/foo")

	if c.Changed("/foo", base) {
		t.Fatal("snapshot should survive invalidation for divergence checks")
	}
	diverged := base
	diverged.Size = 20
	if !c.Changed("/foo", diverged) {
		t.Fatal("divergence should still be detected after invalidation")
	}
}

func TestDropRemovesSnapshot(t *testing.T) {
	c := New()
	base := syscall.Stat_t{Ino: 1}
	c.Put("/foo", base)
	c.Drop("/foo")
	if _, ok := c.Get("/foo"); ok {
		t.Fatal("expected dropped entry to miss")
	}
	if !c.Changed("/foo", base) {
		t.Fatal("a dropped snapshot should count as changed")
	}
}

func TestChangedDetectsDivergence(t *testing.T) {
	c := New()
	base := syscall.Stat_t{Ino: 1, Size: 10}
	c.Put("/foo", base)

	if c.Changed("/foo", base) {
		t.Fatal("identical stat should not be reported as changed")
	}

	diverged := base
	diverged.Size = 20
	if !c.Changed("/foo", diverged) {
		t.Fatal("differing size should be reported as changed")
	}

	if !c.Changed("/bar", base) {
		t.Fatal("a path never cached should count as changed")
	}
}

func TestClear(t *testing.T) {
	c := New()
	c.Put("/foo", syscall.Stat_t{Ino: 1})
	c.Clear()
	if _, ok := c.Get("/foo"); ok {
		t.Fatal("expected Clear to drop every entry")
	}
}
