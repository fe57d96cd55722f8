// Package corectx builds CoreContext: the explicit, passed-around struct
// holding the process's CacheManager, SyncLog, UpstreamMount, and signal
// state, replacing the source's module-level globals (`cacheManager`,
// `syncLog`, `nfsMount`, signal events) per DESIGN NOTES §9. Everything
// else in this module is constructed once, here, at start-up and handed
// down explicitly rather than reached for via package-level state.
package corectx

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tsumufs/tsumufs/internal/config"
	"github.com/tsumufs/tsumufs/internal/core/cachemanager"
	"github.com/tsumufs/tsumufs/internal/core/cachespec"
	"github.com/tsumufs/tsumufs/internal/core/conflict"
	"github.com/tsumufs/tsumufs/internal/core/dirent"
	"github.com/tsumufs/tsumufs/internal/core/identity"
	"github.com/tsumufs/tsumufs/internal/core/pathlock"
	"github.com/tsumufs/tsumufs/internal/core/perms"
	"github.com/tsumufs/tsumufs/internal/core/signals"
	"github.com/tsumufs/tsumufs/internal/core/synclog"
	"github.com/tsumufs/tsumufs/internal/core/syncworker"
	"github.com/tsumufs/tsumufs/internal/core/upstream"
	"github.com/tsumufs/tsumufs/internal/core/xattr"
	"github.com/tsumufs/tsumufs/internal/metrics"
)

const (
	cacheSubdir   = "cache"
	syncLogFile   = "sync.log"
	permsFile     = "permissions.ovr"
	cachespecFile = "cachespec.conf"
)

// CoreContext bundles every long-lived component the FUSE front-end and
// CLI need, constructed once at start-up.
type CoreContext struct {
	Config     *config.Configuration
	Signals    *signals.Signals
	Names      *identity.Map
	Dirents    *dirent.Cache
	Policy     *cachespec.Map
	Perms      *perms.Overlay
	Log        *synclog.Log
	Upstream   *upstream.Mount
	Cache      *cachemanager.Manager
	Materializ *conflict.Materializer
	Worker     *syncworker.Worker
	Metrics    *metrics.Collector
	Xattrs     *xattr.Table

	cacheRoot   string
	syncLogPath string
	cancelBg    context.CancelFunc
}

// New constructs a CoreContext rooted at cfg.Mount.CacheBaseDir, wiring
// every collaborator named in §4.4/§4.5/§4.6/§6. upstreamRoot is the
// already-mounted (or about-to-be-mounted) upstream tree's local path;
// mounter is the external mount(8)/umount(8) collaborator (§1), nil for
// the common local-directory-as-upstream case (upstream.LocalMounter).
func New(cfg *config.Configuration, upstreamRoot string, mounter upstream.Mounter) (*CoreContext, error) {
	cacheRoot := filepath.Join(cfg.Mount.CacheBaseDir, cacheSubdir)
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("corectx: create cache root: %w", err)
	}

	syncLogPath := filepath.Join(cfg.Mount.CacheBaseDir, syncLogFile)
	permsPath := filepath.Join(cfg.Mount.CacheBaseDir, permsFile)
	cachespecPath := cfg.Mount.CacheSpecDir
	if cachespecPath == "" {
		cachespecPath = cfg.Mount.CacheBaseDir
	}
	cachespecPath = filepath.Join(cachespecPath, cachespecFile)

	sig := signals.New()

	permsOverlay, err := perms.Load(permsPath)
	if err != nil {
		return nil, fmt.Errorf("corectx: load perms overlay: %w", err)
	}

	defaultPolicy := cachespec.PolicyDeny
	if cfg.Cachespec.DefaultAllow {
		defaultPolicy = cachespec.PolicyAllow
	}
	policy := cachespec.Load(cachespecPath, defaultPolicy)

	names := identity.New()
	dirents := dirent.New()
	cacheLocks := pathlock.NewTable()

	up := upstream.New(upstreamRoot, mounter, sig)

	// §4.5 durability: reload any checkpointed journal from a previous
	// run; a missing or corrupt file yields an empty log. PopChange locks
	// into the same two tables CacheManager and UpstreamMount use, in
	// cache-then-upstream order.
	log, err := synclog.Load(syncLogPath, cacheLocks, up.Locks())
	if err != nil {
		return nil, fmt.Errorf("corectx: load sync log: %w", err)
	}

	groups := osGroupsForUID

	cache := cachemanager.New(cachemanager.Config{
		CacheRoot:  cacheRoot,
		Upstream:   up,
		Log:        log,
		Perms:      permsOverlay,
		Policy:     policy,
		Names:      names,
		Dirents:    dirents,
		Signals:    sig,
		CacheLocks: cacheLocks,
		Groups:     groups,
		StatTTL:    cfg.Cache.StatTTL,
		StatJitter: cfg.Cache.StatJitter,
	})

	// §3: NameToInodeMap (and the other freshness caches) are
	// invalidated wholesale whenever the upstream is unmounted.
	up.OnUnmount(func() {
		names.Clear()
		dirents.Clear()
		cache.InvalidateAllStats()
	})

	conflictDir := filepath.Join(cacheRoot, cfg.Conflict.DirName)
	materializer := conflict.New(conflictDir, func() int64 { return time.Now().Unix() })

	metricsCollector := metrics.NewCollector()

	worker := syncworker.New(syncworker.Config{
		Log:            log,
		Cache:          cache,
		Upstream:       up,
		Perms:          permsOverlay,
		Materializer:   materializer,
		Signals:        sig,
		Metrics:        metricsCollector,
		CheckpointPath: syncLogPath,
		PollInterval:   cfg.Sync.PollInterval,
	})

	xattrs := xattr.RegisterDefault(xattr.Deps{
		Signals: sig,
		Log:     log,
		Cache:   cache,
		Perms:   permsOverlay,
		Policy:  policy,
		Dirents: dirents,
		Metrics: metricsCollector,
		Unmount: up.UnmountFS,
	})

	return &CoreContext{
		Config:      cfg,
		Signals:     sig,
		Names:       names,
		Dirents:     dirents,
		Policy:      policy,
		Perms:       permsOverlay,
		Log:         log,
		Upstream:    up,
		Cache:       cache,
		Materializ:  materializer,
		Worker:      worker,
		Metrics:     metricsCollector,
		Xattrs:      xattrs,
		cacheRoot:   cacheRoot,
		syncLogPath: syncLogPath,
	}, nil
}

// Start launches the SyncWorker's main loop and the SyncLog checkpoint
// ticker, each in its own goroutine, one goroutine per concern (§5).
func (c *CoreContext) Start() {
	bgCtx, cancel := context.WithCancel(context.Background())
	c.cancelBg = cancel

	go c.Worker.Run()
	go c.Log.RunCheckpointer(bgCtx, c.syncLogPath, c.Config.Sync.CheckpointInterval)
}

// Stop raises the shutdown signal, waits for SyncWorker to checkpoint and
// exit, then stops the background checkpoint ticker.
func (c *CoreContext) Stop() {
	c.Worker.Shutdown()
	if c.cancelBg != nil {
		c.cancelBg()
	}
}

// CacheRoot returns the cache-local mirrored file tree root.
func (c *CoreContext) CacheRoot() string { return c.cacheRoot }

// osGroupsForUID resolves the supplementary group ids for uid through
// os/user, the external groups-for-uid collaborator named in §4.4's
// access() description.
func osGroupsForUID(uid uint32) ([]uint32, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, err
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(gids))
	for _, g := range gids {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
