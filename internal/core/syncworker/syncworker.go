// Package syncworker implements SyncWorker (§4.6): the single
// long-running task that supervises the upstream mount, drains SyncLog
// into the upstream, and detects and materializes conflicts.
//
// It runs as its own long-lived goroutine, polling upstream reachability
// and draining the journal whenever the upstream is reachable.
package syncworker

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tsumufs/tsumufs/internal/core/cachemanager"
	"github.com/tsumufs/tsumufs/internal/core/change"
	"github.com/tsumufs/tsumufs/internal/core/conflict"
	"github.com/tsumufs/tsumufs/internal/core/perms"
	"github.com/tsumufs/tsumufs/internal/core/signals"
	"github.com/tsumufs/tsumufs/internal/core/synclog"
	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
	"github.com/tsumufs/tsumufs/internal/core/upstream"
	"github.com/tsumufs/tsumufs/internal/metrics"
)

// DefaultPollInterval is how often the main loop probes reachability or
// rechecks signals while idle, unless Config overrides it.
const DefaultPollInterval = 2 * time.Second

// Config bundles Worker's collaborators. CheckpointPath is the SyncLog
// durable file Worker saves to on graceful shutdown (§4.6 step 1); the
// periodic ~30s checkpoint is run independently by
// synclog.Log.RunCheckpointer in its own goroutine, per §5's "one
// checkpoint timer" thread. Metrics may be nil.
type Config struct {
	Log            *synclog.Log
	Cache          *cachemanager.Manager
	Upstream       *upstream.Mount
	Perms          *perms.Overlay
	Materializer   *conflict.Materializer
	Signals        *signals.Signals
	Metrics        *metrics.Collector
	CheckpointPath string
	PollInterval   time.Duration
}

// Worker is SyncWorker.
type Worker struct {
	log        *synclog.Log
	cache      *cachemanager.Manager
	upstream   *upstream.Mount
	perms      *perms.Overlay
	materializ *conflict.Materializer
	sig        *signals.Signals
	metrics    *metrics.Collector
	l          *tsumulog.Logger

	checkpointPath string
	poll           time.Duration
	done           chan struct{}

	// freshPaths tracks paths whose New item was just dispatched
	// successfully within this drain. A queued Change for the same path
	// carries a pre-image from before the file existed upstream at all;
	// by the time it dispatches, the preceding New has already copied
	// the cache file's current (post-write) bytes, so the pre-image no
	// longer matches live upstream content even though nothing actually
	// conflicted. Consulted (and consumed) once by dispatchChange.
	freshPaths map[string]bool
}

// New constructs a Worker from cfg.
func New(cfg Config) *Worker {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Worker{
		log:            cfg.Log,
		cache:          cfg.Cache,
		upstream:       cfg.Upstream,
		perms:          cfg.Perms,
		materializ:     cfg.Materializer,
		sig:            cfg.Signals,
		metrics:        cfg.Metrics,
		l:              tsumulog.New("syncworker"),
		checkpointPath: cfg.CheckpointPath,
		poll:           poll,
		done:           make(chan struct{}),
		freshPaths:     make(map[string]bool),
	}
}

// Run executes the main loop described in §4.6 until Shutdown is called.
// It is meant to be launched in its own goroutine.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		if w.sig.Shutdown.IsSet() {
			w.upstream.UnmountFS()
			if err := w.log.Save(w.checkpointPath); err != nil {
				w.l.Warn(err)
			}
			return
		}

		if !w.sig.UpstreamAvailable.IsSet() && !w.sig.ForceDisconnect.IsSet() {
			if w.upstream.IsServerReachable() {
				w.upstream.MountFS()
			}
		}

		if w.sig.SyncPaused.IsSet() {
			time.Sleep(w.poll)
			continue
		}

		if !w.sig.UpstreamAvailable.IsSet() {
			time.Sleep(w.poll)
			continue
		}

		if w.drainOnce() == 0 {
			// Connected but nothing queued; idle until the next poll
			// tick rather than spinning on an empty queue.
			time.Sleep(w.poll)
		}
	}
}

// Shutdown raises the shutdown signal and blocks until Run's final
// checkpoint-and-exit completes.
func (w *Worker) Shutdown() {
	w.sig.Shutdown.Set()
	<-w.done
}

// drainOnce pops and dispatches SyncItems until the queue empties or a
// signal interrupts it, per §4.6 step 4. It reports how many items it
// handled so Run can idle when the queue stays empty.
func (w *Worker) drainOnce() (processed int) {
	for w.sig.UpstreamAvailable.IsSet() && !w.sig.SyncPaused.IsSet() && !w.sig.Shutdown.IsSet() {
		popped, ok := w.log.PopChange()
		if !ok {
			return processed
		}
		processed++

		conflicted, err := w.dispatch(popped.Item, popped.Change)
		switch {
		case err != nil:
			w.l.Warnf("dispatch error on %s %q: %v; disconnecting", popped.Item.Kind(), popped.Item.Path(), err)
			w.metrics.RecordDisconnect()
			w.sig.UpstreamAvailable.Clear()
			w.upstream.UnmountFS()
			w.log.Finish(popped, false)
			return
		case conflicted:
			w.metrics.RecordConflict()
			w.materialize(popped.Item, popped.Change)
			w.cache.InvalidateStat(popped.Item.Path())
			_ = w.evictConflicted(popped.Item)
			w.metrics.RecordEviction()
			w.log.Finish(popped, true)
		default:
			w.log.Finish(popped, true)
		}
	}
	return processed
}

func (w *Worker) evictConflicted(item synclog.Item) error {
	// Force a refetch next access (§4.6: "drop the conflicted cache copy").
	full, err := w.cache.CachePath(item.Path())
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}

// dispatch applies one SyncItem against the upstream, returning
// (conflicted, err). err is reserved for IOError-class failures per
// §4.6's error-handling branch; divergence is reported via conflicted.
func (w *Worker) dispatch(item synclog.Item, ch *change.Change) (conflicted bool, err error) {
	switch v := item.(type) {
	case *synclog.NewItem:
		return w.dispatchNew(v)
	case *synclog.UnlinkItem:
		return w.dispatchUnlink(v)
	case *synclog.ChangeItem:
		return w.dispatchChange(v, ch)
	case *synclog.RenameItem:
		return w.dispatchRename(v)
	case *synclog.LinkItem:
		// Reserved; currently a no-op pass-through (§4.6, §9 Open
		// Question: hard-link replay semantics are unimplemented).
		return false, nil
	default:
		return false, nil
	}
}

func (w *Worker) dispatchNew(item *synclog.NewItem) (bool, error) {
	if _, err := w.upstream.Lstat(item.PathVal); err == nil {
		return true, nil
	}

	cachePath, err := w.cache.CachePath(item.PathVal)
	if err != nil {
		return false, err
	}
	upstreamPath, err := w.upstream.Resolve(item.PathVal)
	if err != nil {
		return false, err
	}

	id, _ := w.cache.Identifier(item.PathVal)
	uid, gid, mode := uint32(0), uint32(0), uint32(0o644)
	if p, ok := w.perms.Get(id); ok {
		uid, gid, mode = p.UID, p.GID, p.Mode
	}

	switch item.FileKind {
	case synclog.FileKindDirectory:
		if err := os.Mkdir(upstreamPath, os.FileMode(mode)); err != nil {
			return false, err
		}
		os.Chown(upstreamPath, int(uid), int(gid))
	case synclog.FileKindSymlink:
		target, err := os.Readlink(cachePath)
		if err != nil {
			return false, err
		}
		if err := os.Symlink(target, upstreamPath); err != nil {
			return false, err
		}
	case synclog.FileKindCharDevice, synclog.FileKindBlockDevice, synclog.FileKindFIFO, synclog.FileKindSocket:
		var cacheStat syscall.Stat_t
		if err := syscall.Lstat(cachePath, &cacheStat); err != nil {
			return false, err
		}
		rdev := uint64(cacheStat.Rdev)
		if perms.IsCharDevice(cacheStat.Mode) || perms.IsBlockDevice(cacheStat.Mode) {
			major, minor := perms.DeviceNumbers(rdev)
			rdev = perms.MakeDevice(major, minor)
		}
		if err := os.MkdirAll(filepath.Dir(upstreamPath), 0o755); err != nil {
			return false, err
		}
		if err := syscall.Mknod(upstreamPath, cacheStat.Mode, int(rdev)); err != nil {
			return false, err
		}
		os.Chown(upstreamPath, int(uid), int(gid))
	default:
		src, err := os.Open(cachePath)
		if err != nil {
			return false, err
		}
		defer src.Close()
		if err := os.MkdirAll(filepath.Dir(upstreamPath), 0o755); err != nil {
			return false, err
		}
		dst, err := os.OpenFile(upstreamPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
		if err != nil {
			return false, err
		}
		defer dst.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return false, err
		}
		os.Chown(upstreamPath, int(uid), int(gid))
	}
	w.freshPaths[item.PathVal] = true
	return false, nil
}

func (w *Worker) dispatchUnlink(item *synclog.UnlinkItem) (bool, error) {
	upstreamPath, err := w.upstream.Resolve(item.PathVal)
	if err != nil {
		return false, err
	}
	if err := os.Remove(upstreamPath); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return false, nil
}

func (w *Worker) dispatchRename(item *synclog.RenameItem) (bool, error) {
	oldUp, err := w.upstream.Resolve(item.OldPath)
	if err != nil {
		return false, err
	}
	newUp, err := w.upstream.Resolve(item.NewPath)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(newUp), 0o755); err != nil {
		return false, err
	}
	if err := os.Rename(oldUp, newUp); err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// dispatchChange applies a queued DataChange against the upstream,
// detecting conflicts per §4.6: type mismatch, inode mismatch, or any
// region's pre-image no longer matching the live upstream bytes.
func (w *Worker) dispatchChange(item *synclog.ChangeItem, ch *change.Change) (bool, error) {
	if ch == nil {
		return false, nil
	}

	cacheFull, err := w.cache.CachePath(item.PathVal)
	if err != nil {
		return false, err
	}
	var cacheStat syscall.Stat_t
	if err := syscall.Lstat(cacheFull, &cacheStat); err != nil {
		return false, err
	}

	upstreamStat, err := w.upstream.Lstat(item.PathVal)
	if err != nil {
		// Upstream side vanished entirely; treat as a fresh create
		// rather than a conflict so replay can still succeed.
		upstreamStat = cacheStat
	} else if (upstreamStat.Mode & syscall.S_IFMT) != (cacheStat.Mode & syscall.S_IFMT) {
		return true, nil
	}

	if id, idErr := w.cache.Identifier(item.PathVal); idErr == nil && item.InodeID != "" && id != item.InodeID {
		return true, nil
	}

	// A New for this path was just dispatched this drain: upstream now
	// holds the cache file's current bytes already, so the pre-image
	// recorded before the file ever existed upstream is expected to
	// differ and must not be treated as a conflict (§8 scenario 1).
	skipPreimageCheck := w.freshPaths[item.PathVal]
	delete(w.freshPaths, item.PathVal)

	for _, region := range ch.Regions() {
		if skipPreimageCheck {
			continue
		}
		upstreamBytes, err := w.upstream.ReadRegion(item.PathVal, region.Start, region.End)
		if err != nil {
			return false, err
		}
		if int64(len(upstreamBytes)) < region.End-region.Start {
			padded := make([]byte, region.End-region.Start)
			copy(padded, upstreamBytes)
			upstreamBytes = padded
		}
		if !bytes.Equal(upstreamBytes, region.Bytes) {
			return true, nil
		}
	}

	for _, region := range ch.Regions() {
		cacheBytes, err := w.cache.ReadCacheRegion(item.PathVal, region.Start, region.End-region.Start)
		if err != nil {
			return false, err
		}
		if err := w.upstream.WriteRegion(item.PathVal, region.Start, region.End, cacheBytes); err != nil {
			return false, err
		}
	}

	if cacheStat.Size < upstreamStat.Size || (ch.HasLength() && cacheStat.Size != upstreamStat.Size) {
		if err := w.upstream.Truncate(item.PathVal, cacheStat.Size); err != nil {
			return false, err
		}
	}

	if ch.HasMode() {
		upstreamPath, err := w.upstream.Resolve(item.PathVal)
		if err == nil {
			os.Chmod(upstreamPath, os.FileMode(ch.Mode))
		}
	}
	if ch.HasOwner() {
		upstreamPath, err := w.upstream.Resolve(item.PathVal)
		if err == nil {
			os.Chown(upstreamPath, int(ch.UID), int(ch.GID))
		}
	}

	return false, nil
}

// materialize writes the conflict artifact for item (Change items only
// carry DataRegions; structural conflicts on New/Rename still get a
// zero-region artifact recording that the replay was dropped). Each
// region's bytes are re-read fresh from the cache file rather than taken
// from ch.Regions(), which holds add_change's pre-image used only for
// the upstream comparison (§4.5, §4.6, §8 scenario 2): the artifact must
// preserve what the disconnected edit actually wrote, not what it wrote
// over.
func (w *Worker) materialize(item synclog.Item, ch *change.Change) {
	var regions []*change.Region
	if ch != nil {
		for _, r := range ch.Regions() {
			data, err := w.cache.ReadCacheRegion(item.Path(), r.Start, r.End-r.Start)
			if err != nil {
				data = r.Bytes
			}
			regions = append(regions, &change.Region{Start: r.Start, End: r.End, Bytes: data})
		}
	}
	artifactRel, dirCreated, err := w.materializ.Record(item.Path(), regions)
	if err != nil {
		w.l.Warn(err)
		return
	}
	if dirCreated {
		dirMountPath := "/" + filepath.Base(w.materializ.Dir())
		id, idErr := w.cache.Identifier(dirMountPath)
		if idErr == nil {
			w.perms.Set(id, 0, 0, 0o755)
		}
		w.log.AddNew(synclog.FileKindDirectory, dirMountPath)
	}
	w.log.AddNew(synclog.FileKindRegular, "/"+artifactRel)
}
