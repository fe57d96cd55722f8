package xattr

import (
	"github.com/tsumufs/tsumufs/internal/core/cachemanager"
	"github.com/tsumufs/tsumufs/internal/core/cachespec"
	"github.com/tsumufs/tsumufs/internal/core/dirent"
	"github.com/tsumufs/tsumufs/internal/core/perms"
	"github.com/tsumufs/tsumufs/internal/core/signals"
	"github.com/tsumufs/tsumufs/internal/core/synclog"
	"github.com/tsumufs/tsumufs/internal/core/tsumuerrors"
	"github.com/tsumufs/tsumufs/internal/metrics"
)

// Version is the semver string the "version" xattr reports.
const Version = "1.0.0"

// Deps bundles the components the default handler group needs. Passed
// once at CoreContext construction, per §9's re-architecture of the
// source's import-time decorator registration into an explicit,
// init-free registration call.
type Deps struct {
	Signals *signals.Signals
	Log     *synclog.Log
	Cache   *cachemanager.Manager
	Perms   *perms.Overlay
	Policy  *cachespec.Map
	Dirents *dirent.Cache
	Metrics *metrics.Collector
	Unmount func() bool
}

// boolStr renders a boolean as the "0"/"1" vocabulary used throughout
// §6.
func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// RegisterDefault builds the Table documented in §6, wiring each named
// attribute to deps.
func RegisterDefault(deps Deps) *Table {
	t := NewTable()

	t.Register(&Handler{
		Name: "version",
		Kind: NodeRoot,
		Read: func(string) (string, error) { return Version, nil },
	})

	t.Register(&Handler{
		Name: "connected",
		Kind: NodeRoot,
		Read: func(string) (string, error) { return boolStr(deps.Signals.UpstreamAvailable.IsSet()), nil },
	})

	t.Register(&Handler{
		Name: "in-cache",
		Kind: NodeAny,
		Read: func(path string) (string, error) {
			return boolStr(deps.Cache.IsCached(path)), nil
		},
	})

	t.Register(&Handler{
		Name: "dirty",
		Kind: NodeAny,
		Read: func(path string) (string, error) { return boolStr(deps.Log.IsDirty(path)), nil },
	})

	t.Register(&Handler{
		Name: "should-cache",
		Kind: NodeAny,
		Read: func(path string) (string, error) {
			explicit := deps.Policy.Explicit(path)
			if explicit != cachespec.PolicyInherit {
				return explicit.String(), nil
			}
			if deps.Policy.Resolve(path) == cachespec.PolicyAllow {
				return "= (+)", nil
			}
			return "= (-)", nil
		},
		Write: func(path string, value []byte) error {
			p, err := cachespec.ParsePolicy(string(value))
			if err != nil {
				return tsumuerrors.Wrap(tsumuerrors.KindInvalidArgument, "xattr", "should-cache", path, err)
			}
			return deps.Policy.Set(path, p)
		},
	})

	t.Register(&Handler{
		Name: "force-disconnect",
		Kind: NodeRoot,
		Read: func(string) (string, error) { return boolStr(deps.Signals.ForceDisconnect.IsSet()), nil },
		Write: func(path string, value []byte) error {
			if len(value) == 0 {
				return tsumuerrors.New(tsumuerrors.KindInvalidArgument, "xattr", "force-disconnect", path, "expected 0 or 1")
			}
			switch value[0] {
			case '1':
				deps.Signals.ForceDisconnect.Set()
				if deps.Unmount != nil {
					deps.Unmount()
				}
			case '0':
				deps.Signals.ForceDisconnect.Clear()
			default:
				return tsumuerrors.New(tsumuerrors.KindInvalidArgument, "xattr", "force-disconnect", path, "expected 0 or 1")
			}
			return nil
		},
	})

	t.Register(&Handler{
		Name: "pause-sync",
		Kind: NodeRoot,
		Read: func(string) (string, error) { return boolStr(deps.Signals.SyncPaused.IsSet()), nil },
		Write: func(path string, value []byte) error {
			if len(value) == 0 {
				return tsumuerrors.New(tsumuerrors.KindInvalidArgument, "xattr", "pause-sync", path, "expected 0 or 1")
			}
			switch value[0] {
			case '1':
				deps.Signals.SyncPaused.Set()
			case '0':
				deps.Signals.SyncPaused.Clear()
			default:
				return tsumuerrors.New(tsumuerrors.KindInvalidArgument, "xattr", "pause-sync", path, "expected 0 or 1")
			}
			return nil
		},
	})

	t.Register(&Handler{
		Name: "synclog-contents",
		Kind: NodeRoot,
		Read: func(string) (string, error) { return deps.Log.DebugString(), nil },
	})

	t.Register(&Handler{
		Name: "perms-overlay",
		Kind: NodeRoot,
		Read: func(string) (string, error) { return deps.Perms.String(), nil },
	})

	t.Register(&Handler{
		Name: "cached-dirents",
		Kind: NodeRoot,
		Read: func(string) (string, error) { return deps.Dirents.DebugString(), nil },
	})

	t.Register(&Handler{
		Name: "cached-stats",
		Kind: NodeRoot,
		Read: func(string) (string, error) { return deps.Cache.StatCacheDebugString(), nil },
	})

	t.Register(&Handler{
		Name: "metrics",
		Kind: NodeRoot,
		Read: func(string) (string, error) {
			if deps.Metrics == nil {
				return "{}", nil
			}
			return deps.Metrics.String(), nil
		},
	})

	return t
}
