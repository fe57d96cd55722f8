// Package perms implements PermsOverlay (§3/§4.2): a durable map from
// stable cache-file identifier to (uid, gid, mode), looked up by
// identifier rather than path so renames preserve permissions without
// rewriting the overlay.
package perms

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
)

const overlayVersion = 1

// Perms is the (uid, gid, mode) triple recorded for one cache-file
// identifier.
type Perms struct {
	UID  uint32 `yaml:"uid"`
	GID  uint32 `yaml:"gid"`
	Mode uint32 `yaml:"mode"`
}

type document struct {
	Version int              `yaml:"version"`
	Entries map[string]Perms `yaml:"entries"`
}

// Overlay is PermsOverlay: every Set/Remove synchronously flushes to
// path, and the whole map is serialized by a single mutex (§4.2).
type Overlay struct {
	mu      sync.Mutex
	entries map[string]Perms
	path    string
	log     *tsumulog.Logger
}

// New constructs an empty Overlay that flushes to path.
func New(path string) *Overlay {
	return &Overlay{
		entries: make(map[string]Perms),
		path:    path,
		log:     tsumulog.New("perms"),
	}
}

// Load reads a previously-saved Overlay from path. A missing, truncated,
// or unrecognized-version file yields an empty Overlay rather than an
// error, matching SyncLog's durability contract (§4.5, applied here too).
func Load(path string) (*Overlay, error) {
	o := New(path)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return o, nil
	}
	if err != nil {
		return o, nil
	}
	defer f.Close()

	var lenPrefix [8]byte
	if _, err := io.ReadFull(f, lenPrefix[:]); err != nil {
		return o, nil
	}
	n := binary.BigEndian.Uint64(lenPrefix[:])

	body := make([]byte, n)
	if _, err := io.ReadFull(f, body); err != nil {
		return o, nil
	}

	var doc document
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return o, nil
	}
	if doc.Version != overlayVersion {
		return o, nil
	}
	if doc.Entries != nil {
		o.entries = doc.Entries
	}
	return o, nil
}

// Get returns the recorded Perms for identifier, or ok=false if none is
// recorded (the caller falls back to the cache file's own stat bits).
func (o *Overlay) Get(identifier string) (Perms, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.entries[identifier]
	return p, ok
}

// String renders every recorded entry, sorted by identifier, for the
// tsumufs.perms-overlay debug xattr (§6).
func (o *Overlay) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.entries))
	for id := range o.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		p := o.entries[id]
		fmt.Fprintf(&sb, "%s: uid=%d gid=%d mode=%04o\n", id, p.UID, p.GID, p.Mode)
	}
	return sb.String()
}

// Set records (uid, gid, mode) for identifier and synchronously flushes
// the overlay to disk.
func (o *Overlay) Set(identifier string, uid, gid, mode uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[identifier] = Perms{UID: uid, GID: gid, Mode: mode}
	return o.saveLocked()
}

// Remove drops identifier's entry, if any, and synchronously flushes.
func (o *Overlay) Remove(identifier string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, identifier)
	return o.saveLocked()
}

func (o *Overlay) saveLocked() error {
	doc := document{Version: overlayVersion, Entries: o.entries}
	body, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("perms: marshal overlay: %w", err)
	}

	var framed bytes.Buffer
	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(body)))
	framed.Write(lenPrefix[:])
	framed.Write(body)

	dir := filepath.Dir(o.path)
	tmp, err := os.CreateTemp(dir, ".permissions-*.tmp")
	if err != nil {
		return fmt.Errorf("perms: create temp overlay: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(framed.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("perms: write temp overlay: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("perms: sync temp overlay: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("perms: close temp overlay: %w", err)
	}
	if err := os.Rename(tmpName, o.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("perms: rename overlay into place: %w", err)
	}
	return nil
}
