package syncworker

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/tsumufs/tsumufs/internal/core/cachemanager"
	"github.com/tsumufs/tsumufs/internal/core/cachespec"
	"github.com/tsumufs/tsumufs/internal/core/conflict"
	"github.com/tsumufs/tsumufs/internal/core/dirent"
	"github.com/tsumufs/tsumufs/internal/core/identity"
	"github.com/tsumufs/tsumufs/internal/core/pathlock"
	"github.com/tsumufs/tsumufs/internal/core/perms"
	"github.com/tsumufs/tsumufs/internal/core/signals"
	"github.com/tsumufs/tsumufs/internal/core/synclog"
	"github.com/tsumufs/tsumufs/internal/core/upstream"
)

type harness struct {
	w            *Worker
	cache        *cachemanager.Manager
	log          *synclog.Log
	perms        *perms.Overlay
	cacheRoot    string
	upstreamRoot string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cacheRoot := filepath.Join(t.TempDir(), "cache")
	upstreamRoot := filepath.Join(t.TempDir(), "upstream")
	for _, d := range []string{cacheRoot, upstreamRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	sig := signals.New()
	up := upstream.New(upstreamRoot, upstream.LocalMounter{}, sig)
	up.MountFS()
	sig.UpstreamAvailable.Set()

	cacheLocks := pathlock.NewTable()
	log := synclog.New(cacheLocks, up.Locks())
	permsOverlay := perms.New(filepath.Join(t.TempDir(), "perms.db"))
	policy := cachespec.New("", cachespec.PolicyAllow)

	cache := cachemanager.New(cachemanager.Config{
		CacheRoot:  cacheRoot,
		Upstream:   up,
		Log:        log,
		Perms:      permsOverlay,
		Policy:     policy,
		Names:      identity.New(),
		Dirents:    dirent.New(),
		Signals:    sig,
		CacheLocks: cacheLocks,
	})

	materializer := conflict.New(filepath.Join(cacheRoot, "tsumufs-conflicts"), func() int64 { return 1700000000 })

	w := New(Config{
		Log:            log,
		Cache:          cache,
		Upstream:       up,
		Perms:          permsOverlay,
		Materializer:   materializer,
		Signals:        sig,
		CheckpointPath: filepath.Join(t.TempDir(), "sync.log"),
	})

	return &harness{
		w:            w,
		cache:        cache,
		log:          log,
		perms:        permsOverlay,
		cacheRoot:    cacheRoot,
		upstreamRoot: upstreamRoot,
	}
}

// TestDispatchNewPushesNewFileUpstream covers §4.6's New dispatch branch
// for a plain file: the cache copy is pushed verbatim to the upstream
// path, which did not previously exist.
func TestDispatchNewPushesNewFileUpstream(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.cache.FakeOpen("/a", os.O_CREATE|os.O_WRONLY, 0o644, 1000, 1000); err != nil {
		t.Fatal(err)
	}
	if err := h.cache.WriteFile("/a", 0, []byte("hi")); err != nil {
		t.Fatal(err)
	}

	popped, ok := h.log.PopChange()
	if !ok {
		t.Fatal("expected a popped New item")
	}
	conflicted, err := h.w.dispatch(popped.Item, popped.Change)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if conflicted {
		t.Fatal("expected no conflict for a brand-new upstream path")
	}
	got, err := os.ReadFile(filepath.Join(h.upstreamRoot, "a"))
	if err != nil {
		t.Fatalf("read upstream: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("upstream contents = %q, want %q", got, "hi")
	}
}

// TestDispatchNewConflictsWhenUpstreamAlreadyExists covers the New
// dispatch branch's "upstream path already exists -> conflict" case
// (§4.6).
func TestDispatchNewConflictsWhenUpstreamAlreadyExists(t *testing.T) {
	h := newHarness(t)
	if err := os.WriteFile(filepath.Join(h.upstreamRoot, "a"), []byte("already-there"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.cache.FakeOpen("/a", os.O_CREATE|os.O_WRONLY, 0o644, 1000, 1000); err != nil {
		t.Fatal(err)
	}

	popped, ok := h.log.PopChange()
	if !ok {
		t.Fatal("expected a popped New item")
	}
	conflicted, err := h.w.dispatch(popped.Item, popped.Change)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !conflicted {
		t.Fatal("expected a conflict when the upstream path already exists")
	}
}

// TestDispatchNewMknodsFIFOUpstream covers §4.6's New dispatch branch for
// a non-regular, non-directory, non-symlink kind named in §3 (fifo,
// socket, char/block device): the upstream node is created via mknod
// sourced from the cache file's own mode, not a byte copy.
func TestDispatchNewMknodsFIFOUpstream(t *testing.T) {
	h := newHarness(t)
	if _, err := h.cache.Mknod("/p", syscall.S_IFIFO|0o644, 0, 1000, 1000); err != nil {
		t.Fatal(err)
	}

	popped, ok := h.log.PopChange()
	if !ok {
		t.Fatal("expected a popped New item")
	}
	conflicted, err := h.w.dispatch(popped.Item, popped.Change)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if conflicted {
		t.Fatal("expected no conflict for a brand-new upstream fifo")
	}

	fi, err := os.Lstat(filepath.Join(h.upstreamRoot, "p"))
	if err != nil {
		t.Fatalf("expected upstream fifo: %v", err)
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("expected upstream node to be a fifo, got mode %v", fi.Mode())
	}
}

// TestDispatchUnlinkRemovesUpstreamFile covers §4.6's Unlink branch.
func TestDispatchUnlinkRemovesUpstreamFile(t *testing.T) {
	h := newHarness(t)
	upstreamFile := filepath.Join(h.upstreamRoot, "b")
	if err := os.WriteFile(upstreamFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.cache.FakeOpen("/b", os.O_CREATE|os.O_WRONLY, 0o644, 1000, 1000); err != nil {
		t.Fatal(err)
	}
	// Drain the New item first so only the Unlink remains to dispatch.
	popped, _ := h.log.PopChange()
	h.w.dispatch(popped.Item, popped.Change)
	h.log.Finish(popped, true)

	h.log.AddUnlink(synclog.FileKindRegular, "/b")
	popped, ok := h.log.PopChange()
	if !ok {
		t.Fatal("expected a popped Unlink item")
	}
	conflicted, err := h.w.dispatch(popped.Item, popped.Change)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if conflicted {
		t.Fatal("unlink should not conflict")
	}
	if _, err := os.Stat(upstreamFile); !os.IsNotExist(err) {
		t.Fatalf("expected upstream file removed, stat err = %v", err)
	}
}

// TestDispatchRenameAppliesUpstreamRename covers §4.6's Rename branch.
func TestDispatchRenameAppliesUpstreamRename(t *testing.T) {
	h := newHarness(t)
	if err := os.WriteFile(filepath.Join(h.upstreamRoot, "c"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.log.AddRename("some-id", "/c", "/d")
	popped, ok := h.log.PopChange()
	if !ok {
		t.Fatal("expected a popped Rename item")
	}
	conflicted, err := h.w.dispatch(popped.Item, popped.Change)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if conflicted {
		t.Fatal("rename should not conflict when the old path exists upstream")
	}
	if _, err := os.Stat(filepath.Join(h.upstreamRoot, "d")); err != nil {
		t.Fatalf("expected renamed upstream file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.upstreamRoot, "c")); !os.IsNotExist(err) {
		t.Fatalf("expected old upstream path gone, stat err = %v", err)
	}
}

// TestDispatchChangeConflictsOnPreimageMismatch covers §4.6's Change
// dispatch branch: a region whose upstream bytes no longer match the
// DataChange's recorded pre-image is a conflict, and the upstream is left
// untouched.
func TestDispatchChangeConflictsOnPreimageMismatch(t *testing.T) {
	h := newHarness(t)
	upstreamFile := filepath.Join(h.upstreamRoot, "e")
	if err := os.WriteFile(upstreamFile, []byte("aaaaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.cache.ReadFile("/e", 0, 5); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	id, err := h.cache.Identifier("/e")
	if err != nil {
		t.Fatal(err)
	}
	old, err := h.cache.ReadCacheRegion("/e", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cache.WriteFile("/e", 0, []byte("bbbbb")); err != nil {
		t.Fatal(err)
	}
	if err := h.log.AddChange("/e", id, 0, 5, old); err != nil {
		t.Fatal(err)
	}

	// Upstream diverges before replay.
	if err := os.WriteFile(upstreamFile, []byte("ccccc"), 0o644); err != nil {
		t.Fatal(err)
	}

	popped, ok := h.log.PopChange()
	if !ok {
		t.Fatal("expected a popped Change item")
	}
	conflicted, err := h.w.dispatch(popped.Item, popped.Change)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !conflicted {
		t.Fatal("expected a conflict on pre-image mismatch")
	}
	got, err := os.ReadFile(upstreamFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ccccc" {
		t.Fatalf("upstream mutated despite conflict: got %q", got)
	}
}

// TestDispatchChangeAppliesCleanRegion covers the non-conflicting Change
// path: matching pre-image lets the region apply upstream.
func TestDispatchChangeAppliesCleanRegion(t *testing.T) {
	h := newHarness(t)
	upstreamFile := filepath.Join(h.upstreamRoot, "f")
	if err := os.WriteFile(upstreamFile, []byte("aaaaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.cache.ReadFile("/f", 0, 5); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	id, err := h.cache.Identifier("/f")
	if err != nil {
		t.Fatal(err)
	}
	old, err := h.cache.ReadCacheRegion("/f", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.cache.WriteFile("/f", 0, []byte("zzzzz")); err != nil {
		t.Fatal(err)
	}
	if err := h.log.AddChange("/f", id, 0, 5, old); err != nil {
		t.Fatal(err)
	}

	popped, ok := h.log.PopChange()
	if !ok {
		t.Fatal("expected a popped Change item")
	}
	conflicted, err := h.w.dispatch(popped.Item, popped.Change)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if conflicted {
		t.Fatal("expected no conflict when the pre-image still matches")
	}
	got, err := os.ReadFile(upstreamFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "zzzzz" {
		t.Fatalf("upstream contents = %q, want %q", got, "zzzzz")
	}
}
