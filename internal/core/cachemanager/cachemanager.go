// Package cachemanager implements CacheManager (§4.4), the central
// policy engine: for every operation it decides where to read, when to
// fetch, when to write through, and when to mark dirty, expressed as an
// ordered opcode plan (plan.go) derived from is_cached, should_cache,
// upstream_available, and a freshness check.
//
// Every operation follows the same "resolve, lock, touch cache, touch
// upstream" skeleton against the two concrete locations (cache root,
// upstream root) §3 names.
package cachemanager

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tsumufs/tsumufs/internal/core/cachespec"
	"github.com/tsumufs/tsumufs/internal/core/dirent"
	"github.com/tsumufs/tsumufs/internal/core/identity"
	"github.com/tsumufs/tsumufs/internal/core/pathlock"
	"github.com/tsumufs/tsumufs/internal/core/pathutil"
	"github.com/tsumufs/tsumufs/internal/core/perms"
	"github.com/tsumufs/tsumufs/internal/core/signals"
	"github.com/tsumufs/tsumufs/internal/core/statcache"
	"github.com/tsumufs/tsumufs/internal/core/synclog"
	"github.com/tsumufs/tsumufs/internal/core/tsumuerrors"
	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
	"github.com/tsumufs/tsumufs/internal/core/upstream"
)

// GroupsForUID resolves the supplementary group ids for uid, the
// external collaborator named in §4.4's access() description.
type GroupsForUID func(uid uint32) ([]uint32, error)

// Manager is CacheManager.
type Manager struct {
	cacheRoot string
	upstream  *upstream.Mount
	log       *synclog.Log
	perms     *perms.Overlay
	policy    *cachespec.Map
	names     *identity.Map
	stat      *statcache.Cache
	dirents   *dirent.Cache
	sig       *signals.Signals
	groups    GroupsForUID

	cacheLocks *pathlock.Table
	l          *tsumulog.Logger
}

// Config bundles Manager's collaborators. StatTTL/StatJitter tune the
// stat cache's expiry per §3; zero values keep the documented 60s/10s
// defaults.
type Config struct {
	CacheRoot  string
	Upstream   *upstream.Mount
	Log        *synclog.Log
	Perms      *perms.Overlay
	Policy     *cachespec.Map
	Names      *identity.Map
	Dirents    *dirent.Cache
	Signals    *signals.Signals
	CacheLocks *pathlock.Table
	Groups     GroupsForUID
	StatTTL    time.Duration
	StatJitter time.Duration
}

// New constructs a Manager from cfg.
func New(cfg Config) *Manager {
	groups := cfg.Groups
	if groups == nil {
		groups = func(uint32) ([]uint32, error) { return nil, nil }
	}
	locks := cfg.CacheLocks
	if locks == nil {
		locks = pathlock.NewTable()
	}
	return &Manager{
		cacheRoot:  cfg.CacheRoot,
		upstream:   cfg.Upstream,
		log:        cfg.Log,
		perms:      cfg.Perms,
		policy:     cfg.Policy,
		names:      cfg.Names,
		stat:       statcache.NewWithTTL(cfg.StatTTL, cfg.StatJitter),
		dirents:    cfg.Dirents,
		sig:        cfg.Signals,
		groups:     groups,
		cacheLocks: locks,
		l:          tsumulog.New("cachemgr"),
	}
}

// CachePath maps a mount-relative path onto the cache root.
func (m *Manager) CachePath(path string) (string, error) {
	return pathutil.Resolve(m.cacheRoot, path)
}

// IsCached reports whether path currently has a cache-local copy
// (cached-clean or cached-dirty, as opposed to uncached, §3). Unlike
// Getattr it never fetches; the tsumufs.in-cache xattr reads this.
func (m *Manager) IsCached(path string) bool {
	return m.isCached(path)
}

func (m *Manager) isCached(path string) bool {
	if path == "/" {
		return true
	}
	full, err := m.CachePath(path)
	if err != nil {
		return false
	}
	_, err = os.Lstat(full)
	return err == nil
}

// freshnessChanged implements the upstream-changed check in §4.4: the
// stat snapshot recorded at fetch time is compared against a fresh
// lstat of the upstream path. An unexpired snapshot is trusted without
// an upstream round trip; the §3 TTL+jitter window exists exactly to
// absorb directory-scan storms. An expired snapshot is revalidated and,
// when the upstream proves unchanged, re-recorded with a fresh expiry.
func (m *Manager) freshnessChanged(path string) bool {
	if _, ok := m.stat.Get(path); ok {
		return false
	}
	fresh, err := m.upstream.Lstat(path)
	if err != nil {
		// Nothing upstream to have diverged from: a locally created
		// file simply hasn't been replayed yet, and an unreachable
		// upstream degrades to serving the cache (§7).
		return false
	}
	if m.stat.Changed(path, fresh) {
		return true
	}
	m.stat.Put(path, fresh)
	return false
}

// plan computes the §4.4 decision table inputs for path and returns the
// resulting opcode plan.
func (m *Manager) plan(path string, forStat bool) Plan {
	if path == "/" {
		return Plan{OpUseCache}
	}

	in := decisionInputs{
		cached:     m.isCached(path),
		forStat:    forStat,
		upstreamUp: m.sig.UpstreamAvailable.IsSet(),
	}
	in.shouldCache = m.policy.ShouldCache(path, m.log.IsUnlinkedFile(path))
	if in.cached && in.upstreamUp {
		in.upstreamChanged = m.freshnessChanged(path)
	}
	in.logDirty = m.log.IsDirty(path)

	p := decide(in)
	m.l.Debugf("plan %s for %q (cached=%v should_cache=%v up=%v changed=%v dirty=%v for_stat=%v)",
		p, path, in.cached, in.shouldCache, in.upstreamUp, in.upstreamChanged, in.logDirty, in.forStat)
	return p
}

// Execute runs plan's fetch/evict steps and returns the concrete
// filesystem path the caller should use, or an error for the enoent
// terminal opcode. The conflict opcode yields the cache path, not an
// error.
func (m *Manager) Execute(path string, plan Plan) (string, error) {
	for _, op := range plan {
		switch op {
		case OpENOENT:
			return "", tsumuerrors.New(tsumuerrors.KindNotFound, "cachemgr", "resolve", path, "not cached and upstream unavailable")
		case OpConflict:
			// Divergence is detected here but resolved only by
			// SyncWorker's replay; it never surfaces to the caller
			// (§7). The local copy stays authoritative until then.
			m.l.Warnf("upstream diverged under dirty cache copy %q; serving cache until replay resolves it", path)
			return m.CachePath(path)
		case OpEvict:
			if err := m.evict(path); err != nil {
				return "", err
			}
		case OpFetch:
			if err := m.fetch(path); err != nil {
				return "", err
			}
		case OpUseCache:
			return m.CachePath(path)
		case OpUseUpstream:
			return m.upstream.Resolve(path)
		}
	}
	// A well-formed plan always ends on a resolving opcode.
	return m.CachePath(path)
}

// evict removes path from the cache, forcing a refetch on next access.
func (m *Manager) evict(path string) error {
	full, err := m.CachePath(path)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil && !os.IsNotExist(err) {
		return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "evict", path, err)
	}
	m.stat.Drop(path)
	return nil
}

// fetch copies path from upstream into the cache, preserving type
// (regular file, directory, symlink) and recording an overlay entry for
// its permissions.
func (m *Manager) fetch(path string) error {
	cachePath, err := m.CachePath(path)
	if err != nil {
		return err
	}
	st, err := m.upstream.Lstat(path)
	if err != nil {
		return err
	}

	switch st.Mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		if err := os.MkdirAll(cachePath, os.FileMode(st.Mode&0o7777)); err != nil {
			return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "fetch", path, err)
		}
	case syscall.S_IFLNK:
		upstreamFull, err := m.upstream.Resolve(path)
		if err != nil {
			return err
		}
		target, err := os.Readlink(upstreamFull)
		if err != nil {
			return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "fetch", path, err)
		}
		os.Remove(cachePath)
		if err := os.Symlink(target, cachePath); err != nil {
			return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "fetch", path, err)
		}
	default:
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
			return err
		}
		upstreamFull, err := m.upstream.Resolve(path)
		if err != nil {
			return err
		}
		src, err := os.Open(upstreamFull)
		if err != nil {
			return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "fetch", path, err)
		}
		defer src.Close()
		dst, err := os.OpenFile(cachePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(st.Mode&0o7777))
		if err != nil {
			return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "fetch", path, err)
		}
		defer dst.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "fetch", path, err)
		}
	}

	m.stat.Put(path, st)
	if id, err := m.Identifier(path); err == nil {
		m.perms.Set(id, st.Uid, st.Gid, st.Mode&0o7777)
	}
	return nil
}

// Identifier returns the stable cache-file identifier (inode number of
// the cache-local copy) used to key PermsOverlay, per §3.
func (m *Manager) Identifier(path string) (string, error) {
	full, err := m.CachePath(path)
	if err != nil {
		return "", err
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(full, &st); err != nil {
		return "", tsumuerrors.Wrap(tsumuerrors.KindNotFound, "cachemgr", "identifier", path, err)
	}
	id := strconv.FormatUint(st.Ino, 10)
	m.names.Put(path, id)
	return id, nil
}

// effectivePerms applies any PermsOverlay entry over the raw cache stat.
func (m *Manager) effectivePerms(path string, st syscall.Stat_t) syscall.Stat_t {
	full, err := m.CachePath(path)
	if err != nil {
		return st
	}
	var raw syscall.Stat_t
	if err := syscall.Lstat(full, &raw); err != nil {
		return st
	}
	if p, ok := m.perms.Get(strconv.FormatUint(raw.Ino, 10)); ok {
		st.Uid = p.UID
		st.Gid = p.GID
		st.Mode = (st.Mode &^ 0o7777) | (p.Mode & 0o7777)
	}
	return st
}

// Getattr resolves path per the read/metadata plan and returns its
// (overlay-applied, when resolved to the cache) stat.
func (m *Manager) Getattr(path string) (syscall.Stat_t, error) {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)
	return m.getattr(path)
}

// getattr is Getattr without the path lock, for callers that already
// hold it (Chmod/Chown falling back to the current stat). Recursive
// entry points take this split instead of a reentrant mutex, per the
// pathlock package comment.
func (m *Manager) getattr(path string) (syscall.Stat_t, error) {
	plan := m.plan(path, true)
	full, err := m.Execute(path, plan)
	if err != nil {
		return syscall.Stat_t{}, err
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(full, &st); err != nil {
		return syscall.Stat_t{}, tsumuerrors.Wrap(tsumuerrors.KindNotFound, "cachemgr", "getattr", path, err)
	}
	for _, op := range plan {
		if op == OpUseCache {
			st = m.effectivePerms(path, st)
		}
	}
	return st, nil
}

// Access implements access(uid, path, mode) (§4.4): recurse to the
// parent with X_OK first, then apply the POSIX mode check against the
// effective stat. uid == 0 short-circuits to allow.
//
// Access takes no lock of its own: each Getattr it issues locks its
// path for the duration of that call only, so the parent recursion
// never holds a descendant's lock while waiting on an ancestor's.
func (m *Manager) Access(uid, gid uint32, path string, mode uint32) error {
	return m.access(uid, gid, path, mode, true)
}

func (m *Manager) access(uid, gid uint32, path string, mode uint32, checkParent bool) error {
	if uid == 0 {
		return nil
	}
	if checkParent && path != "/" {
		parent := pathutil.Dir(path)
		if err := m.access(uid, gid, parent, uint32(unix.X_OK), true); err != nil {
			return err
		}
	}

	st, err := m.Getattr(path)
	if err != nil {
		return err
	}

	var perm uint32
	switch {
	case st.Uid == uid:
		perm = (st.Mode >> 6) & 0o7
	case m.inGroup(uid, gid, st.Gid):
		perm = (st.Mode >> 3) & 0o7
	default:
		perm = st.Mode & 0o7
	}

	want := mode & 0o7
	if perm&want != want {
		return tsumuerrors.New(tsumuerrors.KindPermissionDenied, "cachemgr", "access", path, "mode check failed")
	}
	return nil
}

func (m *Manager) inGroup(uid, gid, fileGID uint32) bool {
	if gid == fileGID {
		return true
	}
	groups, err := m.groups(uid)
	if err != nil {
		return false
	}
	for _, g := range groups {
		if g == fileGID {
			return true
		}
	}
	return false
}

// ReadFile satisfies read_file(path, offset, length) (§4.4): resolve,
// open cache or upstream, read, return bytes. It does not mutate the
// log.
func (m *Manager) ReadFile(path string, offset, length int64) ([]byte, error) {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.Execute(path, m.plan(path, false))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, tsumuerrors.Wrap(tsumuerrors.KindNotFound, "cachemgr", "read_file", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "read_file", path, err)
	}
	return buf[:n], nil
}

// WriteFile satisfies write_file(path, offset, bytes) (§4.4): always
// writes to the cache file and invalidates the stat cache. It does not
// itself append to the SyncLog; the front-end does, after reading the
// prior bytes at the same region for replay-time conflict detection.
func (m *Manager) WriteFile(path string, offset int64, data []byte) error {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "write_file", path, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "write_file", path, err)
	}
	m.stat.Invalidate(path)
	return nil
}

// ReadCacheRegion reads the current cache bytes at [offset,offset+length)
// so the front-end can record them as AddChange's pre-image before a
// write overwrites them.
func (m *Manager) ReadCacheRegion(path string, offset, length int64) ([]byte, error) {
	full, err := m.CachePath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return make([]byte, length), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return buf, nil
}

// TruncateFile satisfies truncate_file(path, new_len) (§4.4): opens the
// cache file, truncates, invalidates stat. The front-end records a
// metadata Change and calls SyncLog.TruncateChanges; no padding or
// discarding region is synthesized.
func (m *Manager) TruncateFile(path string, newLen int64) error {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return err
	}
	if err := os.Truncate(full, newLen); err != nil {
		return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "truncate_file", path, err)
	}
	m.stat.Invalidate(path)
	return nil
}

// FakeOpen mirrors POSIX open semantics against the cache file, honoring
// O_CREAT/O_EXCL/O_TRUNC locally. A successful create on a new path
// inserts the name into the parent's dirent cache and records a New
// SyncItem (§4.4).
func (m *Manager) FakeOpen(path string, flags int, mode uint32, uid, gid uint32) (identifier string, created bool, err error) {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", false, err
	}

	_, statErr := os.Lstat(full)
	existed := statErr == nil

	f, err := os.OpenFile(full, flags, os.FileMode(mode&0o7777))
	if err != nil {
		if os.IsExist(err) {
			return "", false, tsumuerrors.New(tsumuerrors.KindAlreadyExists, "cachemgr", "fake_open", path, "O_EXCL create on existing path")
		}
		return "", false, tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "fake_open", path, err)
	}
	defer f.Close()

	m.stat.Invalidate(path)

	id, err := m.Identifier(path)
	if err != nil {
		return "", false, err
	}

	if !existed {
		m.perms.Set(id, uid, gid, mode&0o7777)
		m.dirents.Add(pathutil.Dir(path), pathutil.Base(path))
		m.log.AddNew(synclog.FileKindRegular, path)
		created = true
	}
	return id, created, nil
}

// Rename implements rename(old, new) (§4.4): locks both paths in
// lexicographic order (the same stable order SyncLog.PopChange uses,
// so a concurrent sync-worker dispatch on either path can't interleave
// with an in-flight rename), resolves both, retargets new into new's
// directory when new is an existing directory, unlinks new first when it
// is an existing file, performs the cache rename, and invalidates dirent
// caches. PermsOverlay is untouched; identity is inode-keyed.
func (m *Manager) Rename(oldPath, newPath string) error {
	unlock := m.cacheLocks.LockOrdered(oldPath, newPath)
	defer unlock()

	oldFull, err := m.CachePath(oldPath)
	if err != nil {
		return err
	}
	newFull, err := m.CachePath(newPath)
	if err != nil {
		return err
	}

	if st, statErr := os.Lstat(newFull); statErr == nil {
		if st.IsDir() {
			newPath = pathutil.Join(newPath, pathutil.Base(oldPath))
			newFull, err = m.CachePath(newPath)
			if err != nil {
				return err
			}
		} else {
			if err := os.Remove(newFull); err != nil && !os.IsNotExist(err) {
				return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "rename", newPath, err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		return err
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "rename", oldPath, err)
	}

	m.stat.Drop(oldPath)
	m.stat.Invalidate(newPath)
	m.dirents.Remove(pathutil.Dir(oldPath), pathutil.Base(oldPath))
	m.dirents.Add(pathutil.Dir(newPath), pathutil.Base(newPath))
	m.names.Rename(oldPath, newPath)
	return nil
}

// Mkdir creates path as a directory in the cache, recording the
// permission overlay and a New SyncItem.
func (m *Manager) Mkdir(path string, mode, uid, gid uint32) (string, error) {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(full, os.FileMode(mode&0o7777)); err != nil {
		if os.IsExist(err) {
			return "", tsumuerrors.New(tsumuerrors.KindAlreadyExists, "cachemgr", "mkdir", path, "exists")
		}
		return "", tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "mkdir", path, err)
	}
	id, err := m.Identifier(path)
	if err != nil {
		return "", err
	}
	m.perms.Set(id, uid, gid, mode&0o7777)
	m.dirents.Add(pathutil.Dir(path), pathutil.Base(path))
	m.log.AddNew(synclog.FileKindDirectory, path)
	return id, nil
}

// Symlink creates path as a symlink to target in the cache.
func (m *Manager) Symlink(target, path string, uid, gid uint32) (string, error) {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return "", err
	}
	if err := os.Symlink(target, full); err != nil {
		if os.IsExist(err) {
			return "", tsumuerrors.New(tsumuerrors.KindAlreadyExists, "cachemgr", "symlink", path, "exists")
		}
		return "", tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "symlink", path, err)
	}
	id, err := m.Identifier(path)
	if err != nil {
		return "", err
	}
	m.perms.Set(id, uid, gid, 0o777)
	m.dirents.Add(pathutil.Dir(path), pathutil.Base(path))
	m.log.AddNew(synclog.FileKindSymlink, path)
	return id, nil
}

// fileKindForMode classifies a raw st_mode value into the §3 file_kind
// tags mknod can produce: socket, fifo, or a char/block device.
func fileKindForMode(mode uint32) synclog.FileKind {
	switch {
	case perms.IsSocket(mode):
		return synclog.FileKindSocket
	case perms.IsFIFO(mode):
		return synclog.FileKindFIFO
	case perms.IsCharDevice(mode):
		return synclog.FileKindCharDevice
	case perms.IsBlockDevice(mode):
		return synclog.FileKindBlockDevice
	default:
		return synclog.FileKindRegular
	}
}

// Mknod creates path as a device, fifo, or socket node in the cache
// (§4.4 fake_open's sibling for non-regular, non-directory, non-symlink
// kinds named in §3's file_kind enumeration). rdev is the raw device
// number (perms.MakeDevice(major, minor)); unused for fifo/socket.
func (m *Manager) Mknod(path string, mode uint32, rdev uint64, uid, gid uint32) (string, error) {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := syscall.Mknod(full, mode, int(rdev)); err != nil {
		if os.IsExist(err) {
			return "", tsumuerrors.New(tsumuerrors.KindAlreadyExists, "cachemgr", "mknod", path, "exists")
		}
		return "", tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "mknod", path, err)
	}
	id, err := m.Identifier(path)
	if err != nil {
		return "", err
	}
	m.perms.Set(id, uid, gid, mode&0o7777)
	m.dirents.Add(pathutil.Dir(path), pathutil.Base(path))
	m.log.AddNew(fileKindForMode(mode), path)
	return id, nil
}

// Link creates newPath in the cache as a hard link to oldPath, and
// records the (currently reserved, no-op-at-replay; §4.6, §9 Open
// Question) Link SyncItem so the pipe exists for when upstream hard-link
// semantics are decided. A cache-local hard link naturally shares oldPath's
// inode, so both paths already resolve to the same PermsOverlay identity.
func (m *Manager) Link(oldPath, newPath string) (string, error) {
	unlock := m.cacheLocks.LockOrdered(oldPath, newPath)
	defer unlock()

	oldFull, err := m.CachePath(oldPath)
	if err != nil {
		return "", err
	}
	newFull, err := m.CachePath(newPath)
	if err != nil {
		return "", err
	}
	if err := os.Link(oldFull, newFull); err != nil {
		if os.IsExist(err) {
			return "", tsumuerrors.New(tsumuerrors.KindAlreadyExists, "cachemgr", "link", newPath, "exists")
		}
		if os.IsNotExist(err) {
			return "", tsumuerrors.Wrap(tsumuerrors.KindNotFound, "cachemgr", "link", oldPath, err)
		}
		return "", tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "link", newPath, err)
	}
	id, err := m.Identifier(newPath)
	if err != nil {
		return "", err
	}
	m.dirents.Add(pathutil.Dir(newPath), pathutil.Base(newPath))
	m.log.AddLink(id, newPath)
	return id, nil
}

// Readlink returns the symlink target for path, resolved through the
// same plan used for other metadata operations.
func (m *Manager) Readlink(path string) (string, error) {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.Execute(path, m.plan(path, true))
	if err != nil {
		return "", err
	}
	target, err := os.Readlink(full)
	if err != nil {
		return "", tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "cachemgr", "readlink", path, err)
	}
	return target, nil
}

// Unlink removes path from the cache (file or symlink). It records
// nothing in the SyncLog; the front-end calls SyncLog.AddUnlink
// afterwards so coalescence rules apply uniformly there.
func (m *Manager) Unlink(path string) error {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return err
	}

	// Capture the inode before the file disappears. The overlay entry
	// goes with the last link (§4.2 remove): a later create may reuse
	// the inode number and must not inherit this file's permissions.
	var st syscall.Stat_t
	statErr := syscall.Lstat(full, &st)

	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return tsumuerrors.Wrap(tsumuerrors.KindNotFound, "cachemgr", "unlink", path, err)
	}
	if statErr == nil && st.Nlink <= 1 {
		if err := m.perms.Remove(strconv.FormatUint(st.Ino, 10)); err != nil {
			m.l.Warn(err)
		}
	}
	m.stat.Drop(path)
	m.dirents.Remove(pathutil.Dir(path), pathutil.Base(path))
	m.names.RemovePath(path)
	return nil
}

// Rmdir removes an empty directory from the cache.
func (m *Manager) Rmdir(path string) error {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return err
	}

	var st syscall.Stat_t
	statErr := syscall.Lstat(full, &st)

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return tsumuerrors.Wrap(tsumuerrors.KindNotFound, "cachemgr", "rmdir", path, err)
		}
		return tsumuerrors.Wrap(tsumuerrors.KindNotEmpty, "cachemgr", "rmdir", path, err)
	}
	if statErr == nil {
		if err := m.perms.Remove(strconv.FormatUint(st.Ino, 10)); err != nil {
			m.l.Warn(err)
		}
	}
	m.stat.Drop(path)
	m.dirents.Remove(pathutil.Dir(path), pathutil.Base(path))
	m.names.RemovePath(path)
	return nil
}

// Readdir resolves path's plan and lists member names, populating the
// dirent cache on first access.
func (m *Manager) Readdir(path string) ([]string, error) {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	if names, ok := m.dirents.Names(path); ok {
		return names, nil
	}
	full, err := m.Execute(path, m.plan(path, true))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, tsumuerrors.Wrap(tsumuerrors.KindNotFound, "cachemgr", "readdir", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	m.dirents.Populate(path, names)
	return names, nil
}

// Chmod applies a permission-overlay mode change for path.
func (m *Manager) Chmod(path string, mode uint32) error {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	id, err := m.Identifier(path)
	if err != nil {
		return err
	}
	p, ok := m.perms.Get(id)
	if !ok {
		st, err := m.getattr(path)
		if err != nil {
			return err
		}
		p.UID, p.GID = st.Uid, st.Gid
	}
	p.Mode = mode & 0o7777
	if err := m.perms.Set(id, p.UID, p.GID, p.Mode); err != nil {
		return err
	}
	m.stat.Invalidate(path)
	return nil
}

// Chown applies a permission-overlay owner change for path.
func (m *Manager) Chown(path string, uid, gid uint32) error {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	id, err := m.Identifier(path)
	if err != nil {
		return err
	}
	p, ok := m.perms.Get(id)
	if !ok {
		st, err := m.getattr(path)
		if err != nil {
			return err
		}
		p.Mode = st.Mode & 0o7777
	}
	if uid != ^uint32(0) {
		p.UID = uid
	}
	if gid != ^uint32(0) {
		p.GID = gid
	}
	if err := m.perms.Set(id, p.UID, p.GID, p.Mode); err != nil {
		return err
	}
	m.stat.Invalidate(path)
	return nil
}

// Utimens sets the cache file's mtime/atime.
func (m *Manager) Utimens(path string, atime, mtime time.Time) error {
	m.cacheLocks.Lock(path)
	defer m.cacheLocks.Unlock(path)

	full, err := m.CachePath(path)
	if err != nil {
		return err
	}
	if err := os.Chtimes(full, atime, mtime); err != nil {
		return tsumuerrors.Wrap(tsumuerrors.KindNotFound, "cachemgr", "utimens", path, err)
	}
	m.stat.Invalidate(path)
	return nil
}

// InvalidateStat invalidates the cached stat for path, exposed so the
// front-end can force a refresh after operations CacheManager doesn't
// itself track (e.g. fsync/flush).
func (m *Manager) InvalidateStat(path string) { m.stat.Invalidate(path) }

// InvalidateAllStats drops the whole stat cache. Run on upstream
// unmount alongside the wholesale NameToInodeMap/dirent invalidation §3
// calls for: entries recorded against a previous mount session are no
// longer trustworthy freshness evidence.
func (m *Manager) InvalidateAllStats() { m.stat.Clear() }

// StatCacheDebugString renders the stat cache for the
// tsumufs.cached-stats debug xattr (§6).
func (m *Manager) StatCacheDebugString() string { return m.stat.DebugString() }
