// Package statcache implements the stat cache named in §3: a map from
// cache-path to (stat_result, expiry), with expiry = now + base_ttl +
// jitter(+/-10s) to prevent synchronized refresh storms on directory
// scans. This is a plain TTL-expiring map, not an LRU: no eviction policy
// is called for by §3, which only specifies expiry.
//
// Each entry is the upstream stat snapshot recorded at fetch time. Get
// serves it while unexpired, so the §4.4 freshness check can skip an
// upstream round trip within the TTL window; Changed compares the
// snapshot's st_blocks/st_mtime/st_size/st_ino against a fresh upstream
// lstat once the entry has expired.
package statcache

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// BaseTTL is the base stat cache lifetime from §3.
const BaseTTL = 60 * time.Second

// JitterWindow is the +/-10s jitter window from §3.
const JitterWindow = 10 * time.Second

type entry struct {
	stat   syscall.Stat_t
	expiry time.Time
}

// Cache is the stat cache: cache-path -> (stat result, expiry).
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	jitter  time.Duration
	now     func() time.Time
	rand    func() float64
}

// New constructs an empty Cache with the §3 default TTL and jitter.
func New() *Cache {
	return NewWithTTL(BaseTTL, JitterWindow)
}

// NewWithTTL constructs an empty Cache with an explicit TTL and jitter
// window, for deployments that tune them via configuration.
func NewWithTTL(ttl, jitter time.Duration) *Cache {
	if ttl <= 0 {
		ttl = BaseTTL
	}
	if jitter <= 0 {
		jitter = JitterWindow
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		jitter:  jitter,
		now:     time.Now,
		rand:    rand.Float64,
	}
}

// Put records st for path with a freshly jittered expiry.
func (c *Cache) Put(path string, st syscall.Stat_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	jitter := time.Duration((c.rand()*2 - 1) * float64(c.jitter))
	c.entries[path] = entry{stat: st, expiry: c.now().Add(c.ttl + jitter)}
}

// Get returns the cached stat for path if present and unexpired.
func (c *Cache) Get(path string) (syscall.Stat_t, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || c.now().After(e.expiry) {
		return syscall.Stat_t{}, false
	}
	return e.stat, true
}

// Invalidate expires path's entry so Get stops serving it, while
// keeping the recorded snapshot available to Changed: a local write
// makes the cached stat unservable but says nothing about whether the
// upstream has moved since the snapshot was taken.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		e.expiry = time.Time{}
		c.entries[path] = e
	}
}

// Drop removes path's entry entirely, snapshot included, for eviction
// and unlink, where the snapshot no longer describes any file.
func (c *Cache) Drop(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// Changed reports whether a freshly observed stat differs from the
// cached one along the fields the freshness check in §4.4 names:
// st_blocks, st_mtime, st_size, st_ino. A cache miss counts as changed.
func (c *Cache) Changed(path string, fresh syscall.Stat_t) bool {
	c.mu.Lock()
	cached, ok := c.entries[path]
	c.mu.Unlock()
	if !ok {
		return true
	}
	old := cached.stat
	return old.Blocks != fresh.Blocks ||
		old.Mtim != fresh.Mtim ||
		old.Size != fresh.Size ||
		old.Ino != fresh.Ino
}

// Clear drops every cached entry, used when the upstream becomes
// unreachable and cached freshness claims are no longer trustworthy.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// DebugString renders every live entry, sorted by path, for the
// tsumufs.cached-stats debug xattr.
func (c *Cache) DebugString() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, p := range paths {
		e := c.entries[p]
		fmt.Fprintf(&sb, "%s: ino=%d size=%d expires=%s\n",
			p, e.stat.Ino, e.stat.Size, e.expiry.Format(time.RFC3339))
	}
	return sb.String()
}
