package fuse

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tsumufs/tsumufs/internal/core/corectx"
)

// MountManager owns the FUSE server and the CoreContext's lifecycle
// together: Mount starts the SyncWorker/checkpoint ticker once the
// kernel has accepted the mount, and Unmount drains them before asking
// the kernel to release it.
type MountManager struct {
	root    *Node
	core    *corectx.CoreContext
	server  *fuse.Server
	point   string
	mounted bool
}

// NewMountManager constructs a MountManager for the given CoreContext.
// point is the host directory the filesystem will be mounted onto
// (the CLI's mountpoint argument, also stored as cfg.Mount.CachePoint).
func NewMountManager(core *corectx.CoreContext, point string) *MountManager {
	return &MountManager{
		root:  NewFileSystem(core),
		core:  core,
		point: point,
	}
}

// Mount validates the mount point, starts CoreContext's background
// goroutines, and hands the node tree to go-fuse. It returns once the
// kernel has acknowledged the mount; serving continues in the
// background until Unmount or the server exits on its own.
func (m *MountManager) Mount() error {
	if m.mounted {
		return fmt.Errorf("fuse: %s is already mounted", m.point)
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("fuse: invalid mount point: %w", err)
	}

	opts := m.buildOptions()
	server, err := fs.Mount(m.point, m.root, opts)
	if err != nil {
		return fmt.Errorf("fuse: mount %s: %w", m.point, err)
	}

	m.core.Start()
	m.server = server
	m.mounted = true

	go func() {
		m.server.Wait()
		m.mounted = false
	}()

	return nil
}

// Unmount stops the CoreContext's background work (draining the
// SyncWorker and checkpointing the SyncLog one last time) and then asks
// the kernel to release the mount.
func (m *MountManager) Unmount() error {
	if !m.mounted || m.server == nil {
		return fmt.Errorf("fuse: %s is not mounted", m.point)
	}

	m.core.Stop()

	if err := m.server.Unmount(); err != nil {
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("fuse: unmount %s: %w (force unmount also failed: %v)", m.point, err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// Wait blocks until the FUSE server stops serving, either because
// Unmount was called or the kernel tore down the mount out from under
// it (e.g. a lazy umount from another process).
func (m *MountManager) Wait() {
	if m.server != nil {
		m.server.Wait()
	}
}

// IsMounted reports whether Mount has succeeded and Unmount hasn't run.
func (m *MountManager) IsMounted() bool { return m.mounted }

func (m *MountManager) validateMountPoint() error {
	if m.point == "" {
		return fmt.Errorf("mount point cannot be empty")
	}
	info, err := os.Stat(m.point)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.point)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.point)
	}
	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.point)
	}
	return nil
}

// buildOptions translates the engine's MountConfig into go-fuse's
// fs.Options, per §6's CLI surface (--cachepoint et al. feed
// cfg.Mount, not this layer directly; the CLI constructs *config.Configuration
// and this method reads it back out).
func (m *MountManager) buildOptions() *fs.Options {
	mc := m.core.Config.Mount

	attrTimeout := mc.AttrTimeout
	entryTimeout := mc.EntryTimeout

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        "tsumufs",
			FsName:      "tsumufs",
			Debug:       m.core.Config.Global.Debug,
			AllowOther:  mc.AllowOther,
			DirectMount: true,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}

	if mc.MountOptions != "" {
		opts.Options = append(opts.Options, strings.Split(mc.MountOptions, ",")...)
	}

	return opts
}

func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	point := filepath.Clean(m.point)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == point {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	if err := syscall.Unmount(m.point, syscall.MNT_DETACH); err == nil {
		return nil
	}
	return syscall.Unmount(m.point, 0)
}

// MountWatcher periodically cross-checks MountManager's notion of
// "mounted" against /proc/mounts, surfacing the kind of out-of-band
// unmount (another process running `fusermount -u`) that MountManager
// alone wouldn't notice until the next FUSE request failed.
type MountWatcher struct {
	manager  *MountManager
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
	onDrift  func(expectedMounted, actuallyMounted bool)
}

// NewMountWatcher constructs a MountWatcher polling every interval (30s
// if zero). onDrift, if non-nil, is called whenever the watcher's check
// disagrees with MountManager.IsMounted.
func NewMountWatcher(manager *MountManager, interval time.Duration, onDrift func(expected, actual bool)) *MountWatcher {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &MountWatcher{
		manager:  manager,
		interval: interval,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		onDrift:  onDrift,
	}
}

func (w *MountWatcher) Start() { go w.run() }

func (w *MountWatcher) Stop() {
	close(w.stopCh)
	<-w.stopped
}

func (w *MountWatcher) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			expected := w.manager.IsMounted()
			actual := w.manager.isAlreadyMounted()
			if expected != actual && w.onDrift != nil {
				w.onDrift(expected, actual)
			}
		}
	}
}
