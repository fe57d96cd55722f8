// Package signals implements the four process-wide edge-triggered
// signals named in §5: upstream_available, force_disconnect, sync_paused,
// shutdown. Each is checked by polling plus short sleeps per §5 ("no
// condition-variable contract is required"). They are held on the
// CoreContext (internal/core/corectx) rather than as package-level
// globals, per DESIGN NOTES §9's module-level-global-state
// re-architecture.
package signals

import "sync/atomic"

// Flag is a single boolean edge-triggered signal, safe for concurrent
// access from any goroutine.
type Flag struct {
	v int32
}

// Set raises the flag.
func (f *Flag) Set() { atomic.StoreInt32(&f.v, 1) }

// Clear lowers the flag.
func (f *Flag) Clear() { atomic.StoreInt32(&f.v, 0) }

// IsSet reports the flag's current state.
func (f *Flag) IsSet() bool { return atomic.LoadInt32(&f.v) != 0 }

// Signals bundles the four global signals consulted by SyncWorker's main
// loop (§4.6) and by the xattr control surface (§6).
type Signals struct {
	UpstreamAvailable Flag
	ForceDisconnect   Flag
	SyncPaused        Flag
	Shutdown          Flag
}

// New constructs a Signals bundle with every flag clear: not
// force-disconnected, unpaused, running. UpstreamAvailable starts clear; SyncWorker's first loop
// iteration probes reachability and sets it (§4.6 step 2).
func New() *Signals {
	return &Signals{}
}
