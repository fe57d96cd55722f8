package synclog

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tsumufs/tsumufs/internal/core/change"
	"github.com/tsumufs/tsumufs/internal/core/pathlock"
	"github.com/tsumufs/tsumufs/internal/core/pathutil"
	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
)

// Popped is the handle returned by PopChange: it carries the dequeued
// item, its DataChange if any, and the exact set of paths that were
// locked so Finish can release precisely those paths without the Log
// needing separate "currently held" bookkeeping.
type Popped struct {
	Item   Item
	Change *change.Change
	paths  []string
}

// Log is the append-only journal of SyncItems plus the side map of
// DataChanges, per §3/§4.5.
type Log struct {
	mu    sync.Mutex
	queue []Item

	// changes maps inode identifier to its pending DataChange. At most
	// one Change SyncItem per inode exists at any time (§3 invariant a).
	changes map[string]*change.Change

	// newPaths tracks paths with an outstanding New item, for the
	// add_unlink elision rule and is_new_file queries.
	newPaths map[string]bool

	// unlinkedPaths tracks paths with an outstanding Unlink item, the
	// "unlinked-locally" list CacheManager's should_cache policy
	// consults (§4.4).
	unlinkedPaths map[string]bool

	cacheLocks    *pathlock.Table
	upstreamLocks *pathlock.Table

	log *tsumulog.Logger
}

// New constructs an empty Log. cacheLocks and upstreamLocks are the
// per-path lock tables PopChange acquires into, in that order, matching
// the cache-then-upstream discipline of §4.3/§4.4.
func New(cacheLocks, upstreamLocks *pathlock.Table) *Log {
	return &Log{
		queue:         nil,
		changes:       make(map[string]*change.Change),
		newPaths:      make(map[string]bool),
		unlinkedPaths: make(map[string]bool),
		cacheLocks:    cacheLocks,
		upstreamLocks: upstreamLocks,
		log:           tsumulog.New("synclog"),
	}
}

// AddNew records that path must be created upstream.
func (l *Log) AddNew(kind FileKind, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queue = append(l.queue, &NewItem{base: newBase(), FileKind: kind, PathVal: path})
	l.newPaths[path] = true
	delete(l.unlinkedPaths, path)
}

// AddLink records a reserved Link item (currently a no-op pass-through at
// replay time, per §4.6/§9 Open Question decisions).
func (l *Log) AddLink(inodeID, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queue = append(l.queue, &LinkItem{base: newBase(), InodeID: inodeID, PathVal: path})
}

// AddUnlink records that path must be removed upstream, applying the
// coalescence walk described in §4.5: any New/Change/Link on the path (or
// on the path reached by following Rename history backward) is dropped;
// if the walk bottoms out at a New, the Unlink itself is elided.
func (l *Log) AddUnlink(kind FileKind, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	target := path
	sawNew := false
	remove := make(map[int]bool, 4)
	var renameIdx []int

	for i := len(l.queue) - 1; i >= 0; i-- {
		switch v := l.queue[i].(type) {
		case *NewItem:
			if v.PathVal == target {
				remove[i] = true
				sawNew = true
			}
		case *ChangeItem:
			if v.PathVal == target {
				remove[i] = true
				delete(l.changes, v.InodeID)
			}
		case *LinkItem:
			if v.PathVal == target {
				remove[i] = true
			}
		case *RenameItem:
			if v.NewPath == target {
				renameIdx = append(renameIdx, i)
				target = v.OldPath
			}
		}
	}

	// The walk traced all the way back to a local creation: the whole
	// chain, including every Rename hop retargeted along the way, never
	// touched the upstream and is elided rather than replayed (§3
	// invariant c, §8 scenario 4).
	if sawNew {
		for _, i := range renameIdx {
			remove[i] = true
		}
	}

	if len(remove) > 0 {
		kept := make([]Item, 0, len(l.queue)-len(remove))
		for i, it := range l.queue {
			if !remove[i] {
				kept = append(kept, it)
			}
		}
		l.queue = kept
	}

	delete(l.newPaths, path)

	if sawNew {
		// The file never existed upstream; nothing to propagate.
		return
	}

	l.queue = append(l.queue, &UnlinkItem{base: newBase(), FileKind: kind, PathVal: path})
	l.unlinkedPaths[path] = true
}

// AddRename records a Rename item. It does not coalesce; it retargets
// newPaths bookkeeping so is_new_file keeps tracking the file under its
// new name.
func (l *Log) AddRename(inodeID, oldPath, newPath string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queue = append(l.queue, &RenameItem{base: newBase(), InodeID: inodeID, OldPath: oldPath, NewPath: newPath})
	if l.newPaths[oldPath] {
		delete(l.newPaths, oldPath)
		l.newPaths[newPath] = true
	}
	if l.unlinkedPaths[oldPath] {
		delete(l.unlinkedPaths, oldPath)
	}
}

// AddChange records a data mutation. On the first call for inodeID it
// appends a Change SyncItem and creates its DataChange; subsequent calls
// fold into the existing DataChange via region-merge. oldBytes is the
// pre-image at [start,end) used for replay-time conflict detection
// (§4.5). The bytes actually written upstream on successful replay are
// read fresh from the current cache file by SyncWorker, not taken from
// this stored pre-image.
func (l *Log) AddChange(path, inodeID string, start, end int64, oldBytes []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.changes[inodeID]
	if !ok {
		ch = change.New()
		l.changes[inodeID] = ch
		l.queue = append(l.queue, &ChangeItem{base: newBase(), InodeID: inodeID, PathVal: path})
	}
	return ch.Add(start, end, oldBytes)
}

// AddMetadataChange ensures a Change SyncItem exists for inodeID even
// when no byte range is involved, so metadata-only mutations (chmod,
// chown, utimens) still get flushed on replay.
func (l *Log) AddMetadataChange(path, inodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.changes[inodeID]; !ok {
		l.changes[inodeID] = change.New()
		l.queue = append(l.queue, &ChangeItem{base: newBase(), InodeID: inodeID, PathVal: path})
	}
}

// TruncateChanges propagates a truncation to inodeID's queued DataChange,
// if one exists (§4.5).
func (l *Log) TruncateChanges(inodeID string, newLen int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.changes[inodeID]; ok {
		ch.Truncate(newLen)
	}
}

// IsNewFile reports whether path has an outstanding New item.
func (l *Log) IsNewFile(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.newPaths[path]
}

// IsUnlinkedFile reports whether path has an outstanding Unlink item,
// the "unlinked-locally" list consulted by CacheManager's should_cache
// policy (§4.4).
func (l *Log) IsUnlinkedFile(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlinkedPaths[path]
}

// IsDirty reports whether any SyncItem in the queue is filed under path.
func (l *Log) IsDirty(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range l.queue {
		if it.Path() == path {
			return true
		}
	}
	return false
}

// Len reports the number of queued SyncItems, for status/debug xattrs.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// DebugString renders the queue in order for the
// tsumufs.synclog-contents debug xattr (§6).
func (l *Log) DebugString() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	for i, it := range l.queue {
		switch v := it.(type) {
		case *NewItem:
			fmt.Fprintf(&sb, "%d: new %s %s\n", i, v.FileKind, v.PathVal)
		case *LinkItem:
			fmt.Fprintf(&sb, "%d: link %s (inode %s)\n", i, v.PathVal, v.InodeID)
		case *UnlinkItem:
			fmt.Fprintf(&sb, "%d: unlink %s %s\n", i, v.FileKind, v.PathVal)
		case *ChangeItem:
			regions := 0
			if ch, ok := l.changes[v.InodeID]; ok {
				regions = len(ch.Regions())
			}
			fmt.Fprintf(&sb, "%d: change %s (inode %s, %d region(s))\n", i, v.PathVal, v.InodeID, regions)
		case *RenameItem:
			fmt.Fprintf(&sb, "%d: rename %s -> %s (inode %s)\n", i, v.OldPath, v.NewPath, v.InodeID)
		}
	}
	return sb.String()
}

// affectedPaths returns the paths PopChange must lock for item, in
// lexicographic order for the two-path case (Rename), matching the
// stable-ordering rule applied elsewhere by pathlock.Table.LockOrdered.
func affectedPaths(item Item) []string {
	if r, ok := item.(*RenameItem); ok {
		first, second := pathutil.Lexicographic(r.OldPath, r.NewPath)
		if first == second {
			return []string{first}
		}
		return []string{first, second}
	}
	return []string{item.Path()}
}

// PopChange dequeues the oldest SyncItem and locks its affected paths on
// cache and upstream, in that order (§4.3 lock ordering). It returns
// false if the queue is empty.
func (l *Log) PopChange() (*Popped, bool) {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return nil, false
	}
	item := l.queue[0]
	var ch *change.Change
	if ci, ok := item.(*ChangeItem); ok {
		ch = l.changes[ci.InodeID]
	}
	l.mu.Unlock()

	paths := affectedPaths(item)
	for _, p := range paths {
		l.cacheLocks.Lock(p)
	}
	for _, p := range paths {
		l.upstreamLocks.Lock(p)
	}

	l.log.Debugf("popped %s item for %q (record %s)", item.Kind(), item.Path(), item.RecordID())

	return &Popped{Item: item, Change: ch, paths: paths}, true
}

// Finish releases the locks PopChange acquired for popped, in reverse
// order, and, if remove is true, drops the item (and its DataChange,
// if any) from the queue.
func (l *Log) Finish(popped *Popped, remove bool) {
	for i := len(popped.paths) - 1; i >= 0; i-- {
		l.upstreamLocks.Unlock(popped.paths[i])
	}
	for i := len(popped.paths) - 1; i >= 0; i-- {
		l.cacheLocks.Unlock(popped.paths[i])
	}

	if !remove {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, it := range l.queue {
		if it == popped.Item {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	switch v := popped.Item.(type) {
	case *ChangeItem:
		delete(l.changes, v.InodeID)
	case *NewItem:
		delete(l.newPaths, v.PathVal)
	case *UnlinkItem:
		delete(l.unlinkedPaths, v.PathVal)
	}
}
