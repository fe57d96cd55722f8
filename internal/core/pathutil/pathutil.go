// Package pathutil provides the path-safety and prefix-substitution helpers
// used to derive a cache path or upstream path from a logical mount path
// (§3: "Every path maps to two concrete locations ... derived by prefix
// substitution").
//
// It validates that a resolved path stays within its base directory
// (Resolve) before ever touching the cache or upstream root, so a
// crafted ".." never escapes either tree.
package pathutil

import (
	"path/filepath"
	"strings"

	"github.com/tsumufs/tsumufs/internal/core/tsumuerrors"
)

// Clean normalizes a mount-relative path to the canonical form used as a map
// key throughout the engine: always starting with "/", never ending with
// "/" (except the root itself), with "." and ".." elements resolved.
func Clean(path string) string {
	if path == "" {
		return "/"
	}
	cleaned := filepath.Clean("/" + path)
	return cleaned
}

// Join joins a parent mount path and a child name into a cleaned mount path.
func Join(parent, name string) string {
	if parent == "/" || parent == "" {
		return Clean("/" + name)
	}
	return Clean(parent + "/" + name)
}

// Base returns the final element of a mount path, like filepath.Base.
func Base(path string) string {
	return filepath.Base(Clean(path))
}

// Dir returns the parent of a mount path, like filepath.Dir.
func Dir(path string) string {
	return Clean(filepath.Dir(Clean(path)))
}

// Resolve maps a cleaned mount-relative path onto a concrete filesystem root
// (the cache root or the upstream root), refusing to produce a path that
// escapes that root via "..". This is the prefix substitution named in §3.
func Resolve(root, path string) (string, error) {
	clean := Clean(path)
	full := filepath.Join(root, clean)

	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", tsumuerrors.New(tsumuerrors.KindInvalidArgument, "pathutil", "Resolve", path,
			"path escapes root")
	}
	return full, nil
}

// Lexicographic returns a and b in lexicographic order, used by rename and
// any other operation that must lock two paths in a stable order (§4.4,
// §5) to avoid deadlock.
func Lexicographic(a, b string) (first, second string) {
	if a <= b {
		return a, b
	}
	return b, a
}
