// Package cachespec implements the per-path caching policy named
// "should_cache" in §3/§4.4: an explicit allow/deny map where a missing
// entry inherits from the longest matching ancestor, default allow unless
// the path is on the SyncLog's unlinked-locally list.
//
// §9's "Open question: cachespec persistence format" decision: the
// source's `path:value` line format with a boolean encoding is ambiguous
// under the `should-cache` xattr's `= (+)`/`= (-)` inherited-resolution
// sentinels. This package keeps the externally observable strings
// (`+`, `-`, `=`) but backs them with an explicit Policy enum rather than
// a boolean.
package cachespec

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tsumufs/tsumufs/internal/core/pathutil"
)

// Policy is the explicit enum backing the should-cache xattr's `+`/`-`/`=`
// vocabulary.
type Policy int

const (
	PolicyInherit Policy = iota
	PolicyAllow
	PolicyDeny
)

// String renders the policy using the externally observable xattr
// vocabulary from §6 (`+`, `-`, `=`).
func (p Policy) String() string {
	switch p {
	case PolicyAllow:
		return "+"
	case PolicyDeny:
		return "-"
	default:
		return "="
	}
}

// ParsePolicy parses the write-side vocabulary (`+`, `-`, `=`) accepted by
// the should-cache xattr.
func ParsePolicy(s string) (Policy, error) {
	switch strings.TrimSpace(s) {
	case "+":
		return PolicyAllow, nil
	case "-":
		return PolicyDeny, nil
	case "=":
		return PolicyInherit, nil
	default:
		return PolicyInherit, fmt.Errorf("cachespec: invalid policy %q", s)
	}
}

// Map is the explicit allow/deny policy map keyed by mount path, with
// longest-matching-ancestor inheritance.
type Map struct {
	mu       sync.RWMutex
	entries  map[string]Policy
	path     string
	defaultP Policy
}

// New constructs an empty Map whose on-disk form lives at path. defaultP
// is the policy used when no ancestor has an explicit entry (default
// allow per §4.4, but callers may override for tests).
func New(path string, defaultP Policy) *Map {
	if defaultP == PolicyInherit {
		defaultP = PolicyAllow
	}
	return &Map{entries: make(map[string]Policy), path: path, defaultP: defaultP}
}

// Load reads a persisted Map from path, one "path:value" line per entry
// (value is `+`/`-`). A missing or corrupt file yields an empty Map
// rather than an error, mirroring SyncLog/PermsOverlay durability.
func Load(path string, defaultP Policy) *Map {
	m := New(path, defaultP)

	f, err := os.Open(path)
	if err != nil {
		return m
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		p := pathutil.Clean(line[:idx])
		switch line[idx+1:] {
		case "+":
			m.entries[p] = PolicyAllow
		case "-":
			m.entries[p] = PolicyDeny
		}
	}
	return m
}

// Save persists the Map to its configured path as sorted "path:value"
// lines, atomically replacing any prior file.
func (m *Map) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.path == "" {
		return nil
	}

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("# tsumufs cachespec: path:value, value in {+,-}\n")
	for _, k := range keys {
		p := m.entries[k]
		if p == PolicyInherit {
			continue
		}
		fmt.Fprintf(&sb, "%s:%s\n", k, p.String())
	}

	dir := filepath.Dir(m.path)
	tmp, err := os.CreateTemp(dir, ".cachespec-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, m.path)
}

// Set records an explicit policy for path and flushes to disk.
func (m *Map) Set(path string, p Policy) error {
	m.mu.Lock()
	path = pathutil.Clean(path)
	if p == PolicyInherit {
		delete(m.entries, path)
	} else {
		m.entries[path] = p
	}
	m.mu.Unlock()
	return m.Save()
}

// Explicit reports the literal entry recorded for path, without
// inheritance, used by the should-cache xattr's read side to distinguish
// an explicit `+`/`-` from an inherited `= (+)`/`= (-)`.
func (m *Map) Explicit(path string) Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[pathutil.Clean(path)]
}

// Resolve returns the effective policy for path: its own explicit entry,
// or the longest matching ancestor's, or the Map's default.
func (m *Map) Resolve(path string) Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := pathutil.Clean(path)
	for {
		if v, ok := m.entries[p]; ok {
			return v
		}
		if p == "/" {
			break
		}
		p = pathutil.Dir(p)
	}
	return m.defaultP
}

// ShouldCache resolves the effective should_cache boolean for path per
// §4.4: explicit/inherited policy, with default allow unless path is on
// the unlinked-locally list (checked by the caller via SyncLog.IsUnlinkedFile,
// since cachespec has no SyncLog dependency).
func (m *Map) ShouldCache(path string, unlinkedLocally bool) bool {
	if unlinkedLocally {
		if m.Explicit(path) != PolicyAllow {
			return false
		}
	}
	return m.Resolve(path) == PolicyAllow
}
