// Package dirent implements the dirent cache named in §3: a map from
// directory path to its member names, populated on first readdir and
// updated under mutation.
package dirent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Cache is the dirent cache: directory path -> set of member names.
type Cache struct {
	mu  sync.Mutex
	dir map[string]map[string]struct{}
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{dir: make(map[string]map[string]struct{})}
}

// Populate records names as the full member set of dirPath, replacing
// any prior set (called after a readdir against the resolved source).
func (c *Cache) Populate(dirPath string, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	c.dir[dirPath] = set
}

// Loaded reports whether dirPath has been populated since the last
// Invalidate.
func (c *Cache) Loaded(dirPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.dir[dirPath]
	return ok
}

// Names returns the cached member names of dirPath, if loaded.
func (c *Cache) Names(dirPath string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.dir[dirPath]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out, true
}

// Add inserts name into dirPath's cached member set, if loaded (a create,
// mkdir, symlink, mknod, or link target).
func (c *Cache) Add(dirPath, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.dir[dirPath]
	if !ok {
		return
	}
	set[name] = struct{}{}
}

// Remove drops name from dirPath's cached member set, if loaded (an
// unlink or rmdir, or the source side of a rename).
func (c *Cache) Remove(dirPath, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.dir[dirPath]
	if !ok {
		return
	}
	delete(set, name)
}

// Invalidate drops dirPath's cached member set entirely, forcing the
// next readdir to repopulate it from the source.
func (c *Cache) Invalidate(dirPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dir, dirPath)
}

// Clear drops every cached directory, used on upstream unmount (mirrors
// NameToInodeMap's wholesale invalidation per §3).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dir = make(map[string]map[string]struct{})
}

// DebugString renders every cached directory and its members, sorted,
// for the tsumufs.cached-dirents debug xattr.
func (c *Cache) DebugString() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirs := make([]string, 0, len(c.dir))
	for d := range c.dir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	var sb strings.Builder
	for _, d := range dirs {
		names := make([]string, 0, len(c.dir[d]))
		for n := range c.dir[d] {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(&sb, "%s: %s\n", d, strings.Join(names, " "))
	}
	return sb.String()
}
