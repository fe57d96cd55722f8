// Package upstream implements UpstreamMount (§4.3): a thin, lockable
// proxy for remote I/O that signals disconnect on fatal-looking I/O
// errors. The actual mount(8)/umount(8) invocation and liveness probing
// are external collaborators per §1 ("Out of scope: the upstream mount
// lifecycle"); this package only consumes them through the narrow
// Mounter interface and otherwise performs the read_region/write_region/
// truncate operations itself against the mounted tree.
package upstream

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tsumufs/tsumufs/internal/core/pathlock"
	"github.com/tsumufs/tsumufs/internal/core/pathutil"
	"github.com/tsumufs/tsumufs/internal/core/signals"
	"github.com/tsumufs/tsumufs/internal/core/tsumuerrors"
	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
)

// Mounter is the external collaborator named in §1: invoking the
// mount(8)/umount(8) helpers and probing liveness. A production
// deployment supplies an implementation that shells out to the
// platform's mount tooling and pings the server (e.g. an NFS null RPC);
// tests supply a fake.
type Mounter interface {
	// Mount performs whatever host-level action makes root's contents
	// available (e.g. `mount -t nfs ...`). It is idempotent.
	Mount(root string) error
	// Unmount reverses Mount.
	Unmount(root string) error
	// Reachable reports whether the upstream server currently answers,
	// independent of whether this process currently holds it mounted.
	Reachable(root string) bool
}

// LocalMounter is the Mounter used when the "upstream" is simply a local
// directory tree already present on disk (the common case for local
// testing and for upstream sources that are bind-mounts rather than a
// network filesystem). Mount/Unmount are no-ops; Reachable stats root.
type LocalMounter struct{}

func (LocalMounter) Mount(root string) error   { return nil }
func (LocalMounter) Unmount(root string) error { return nil }
func (LocalMounter) Reachable(root string) bool {
	_, err := os.Stat(root)
	return err == nil
}

// Mount is UpstreamMount. Root is the filesystem location the upstream
// is mounted at locally (the "upstream path" root named in §3).
type Mount struct {
	mu        sync.Mutex
	root      string
	mounter   Mounter
	locks     *pathlock.Table
	sig       *signals.Signals
	log       *tsumulog.Logger
	mounted   bool
	onUnmount func()
}

// New constructs a Mount rooted at root, using mounter for the
// mount-lifecycle collaborator and sig for the upstream_available
// signal it clears on fatal I/O errors (§4.3).
func New(root string, mounter Mounter, sig *signals.Signals) *Mount {
	if mounter == nil {
		mounter = LocalMounter{}
	}
	return &Mount{
		root:    root,
		mounter: mounter,
		locks:   pathlock.NewTable(),
		sig:     sig,
		log:     tsumulog.New("upstream"),
	}
}

// OnUnmount registers fn to run after every successful UnmountFS. The
// CoreContext uses it to invalidate NameToInodeMap and the dirent/stat
// caches wholesale, per §3 ("invalidated wholesale on upstream
// unmount"): identifiers minted by a different mount session are not
// comparable.
func (m *Mount) OnUnmount(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnmount = fn
}

// Root returns the upstream root path, for components that need to join
// onto it directly (e.g. SyncWorker's mkdir/rename against the upstream
// tree).
func (m *Mount) Root() string { return m.root }

// Resolve maps a mount-relative path onto the upstream root (§3 prefix
// substitution).
func (m *Mount) Resolve(path string) (string, error) {
	return pathutil.Resolve(m.root, path)
}

// MountFS performs the upstream mount.
func (m *Mount) MountFS() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mounter.Mount(m.root); err != nil {
		m.log.Warnf("mount failed: %v", err)
		return false
	}
	m.mounted = true
	m.sig.UpstreamAvailable.Set()
	return true
}

// UnmountFS performs the upstream unmount and clears upstream_available.
func (m *Mount) UnmountFS() bool {
	m.mu.Lock()
	m.sig.UpstreamAvailable.Clear()
	if !m.mounted {
		m.mu.Unlock()
		return true
	}
	if err := m.mounter.Unmount(m.root); err != nil {
		m.log.Warnf("unmount failed: %v", err)
		m.mu.Unlock()
		return false
	}
	m.mounted = false
	fn := m.onUnmount
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// IsServerReachable probes liveness without changing mount state.
func (m *Mount) IsServerReachable() bool {
	return m.mounter.Reachable(m.root)
}

// Lock acquires the reentrant-in-spirit per-path lock for path (§4.3:
// "acquired separately from CacheManager's locks"). See pathlock's doc
// comment for why this is a plain, non-reentrant mutex with recursive
// call sites refactored instead.
func (m *Mount) Lock(path string) { m.locks.Lock(path) }

// Unlock releases path's lock.
func (m *Mount) Unlock(path string) { m.locks.Unlock(path) }

// Locks exposes the upstream per-path lock table so SyncLog.PopChange
// can acquire into the same table this Mount locks, per the
// cache-then-upstream ordering rule of §4.3/§4.5.
func (m *Mount) Locks() *pathlock.Table { return m.locks }

// fatal classifies err as the "fatal-looking I/O errors" from §4.3:
// EIO and ESTALE.
func fatal(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == unix.EIO || errno == unix.ESTALE
}

// handleIOError implements the §4.3 fatal-error contract: clear
// upstream_available, unmount, and return a distinguished UpstreamGone
// error. Non-fatal errors propagate verbatim.
func (m *Mount) handleIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if !fatal(err) {
		return err
	}
	m.log.Warnf("fatal upstream I/O error on %s %q: %v; disconnecting", op, path, err)
	m.sig.UpstreamAvailable.Clear()
	m.UnmountFS()
	return tsumuerrors.Wrap(tsumuerrors.KindUpstreamGone, "upstream", op, path, err)
}

// ReadRegion reads [start,end) from path's upstream file.
func (m *Mount) ReadRegion(path string, start, end int64) ([]byte, error) {
	full, err := m.Resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, m.handleIOError("read_region", path, err)
	}
	defer f.Close()

	buf := make([]byte, end-start)
	n, err := f.ReadAt(buf, start)
	if err != nil && err != io.EOF {
		return nil, m.handleIOError("read_region", path, err)
	}
	return buf[:n], nil
}

// WriteRegion writes data at [start,end) in path's upstream file,
// creating it if necessary.
func (m *Mount) WriteRegion(path string, start, end int64, data []byte) error {
	full, err := m.Resolve(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return m.handleIOError("write_region", path, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, start); err != nil {
		return m.handleIOError("write_region", path, err)
	}
	return nil
}

// Truncate sets path's upstream file length to newLen.
func (m *Mount) Truncate(path string, newLen int64) error {
	full, err := m.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Truncate(full, newLen); err != nil {
		return m.handleIOError("truncate", path, err)
	}
	return nil
}

// Lstat lstats path's upstream location, used by CacheManager's
// freshness check (§4.4) and SyncWorker's conflict detection (§4.6).
func (m *Mount) Lstat(path string) (syscall.Stat_t, error) {
	full, err := m.Resolve(path)
	if err != nil {
		return syscall.Stat_t{}, err
	}
	var st syscall.Stat_t
	if err := syscall.Lstat(full, &st); err != nil {
		return syscall.Stat_t{}, m.handleIOError("lstat", path, err)
	}
	return st, nil
}
