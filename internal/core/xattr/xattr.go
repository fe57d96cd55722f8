// Package xattr implements the control extended-attribute surface named
// in §6: an explicit registration table keyed by namespaced name, each
// Handler carrying the node kind it applies to, populated once at CoreContext construction rather than via the
// source's import-time decorator registration, per DESIGN NOTES §9.
package xattr

import (
	"fmt"

	"github.com/tsumufs/tsumufs/internal/core/tsumuerrors"
)

// NodeKind discriminates which kind of node a handler applies to, per
// §6's "Applies to" column (root, or any node).
type NodeKind int

const (
	NodeAny NodeKind = iota
	NodeRoot
)

// Handler implements one named xattr's read and/or write behavior. A nil
// Read or Write means that direction is unsupported for this name, per
// §6 ("Unknown names or writes to read-only entries return
// EOPNOTSUPP").
type Handler struct {
	Name  string
	Kind  NodeKind
	Read  func(path string) (string, error)
	Write func(path string, value []byte) error
}

// Table is the dispatch table consulted by the FUSE front-end's
// Getxattr/Setxattr/Listxattr callbacks.
type Table struct {
	handlers map[string]*Handler
}

// NewTable constructs an empty Table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]*Handler)}
}

// Register adds h to the table, keyed by its namespaced name
// ("tsumufs." + h.Name). Called once per handler group during
// CoreContext construction (§9's re-architecture of the decorator
// registration).
func (t *Table) Register(h *Handler) {
	t.handlers[Namespace+h.Name] = h
}

// Namespace is the xattr name prefix reserved for tsumufs control
// attributes, per §6.
const Namespace = "tsumufs."

// Names returns every registered attribute name, for listxattr.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	return out
}

// Get dispatches a getxattr call. isRoot indicates whether path is the
// mount root, needed to enforce NodeRoot-scoped handlers.
func (t *Table) Get(name, path string, isRoot bool) (string, error) {
	h, ok := t.handlers[name]
	if !ok || h.Read == nil {
		return "", tsumuerrors.New(tsumuerrors.KindUnsupported, "xattr", "getxattr", path, fmt.Sprintf("unknown attribute %q", name))
	}
	if h.Kind == NodeRoot && !isRoot {
		return "", tsumuerrors.New(tsumuerrors.KindUnsupported, "xattr", "getxattr", path, fmt.Sprintf("%q only applies to the mount root", name))
	}
	return h.Read(path)
}

// Set dispatches a setxattr call.
func (t *Table) Set(name, path string, value []byte, isRoot bool) error {
	h, ok := t.handlers[name]
	if !ok || h.Write == nil {
		return tsumuerrors.New(tsumuerrors.KindUnsupported, "xattr", "setxattr", path, fmt.Sprintf("%q is not writable", name))
	}
	if h.Kind == NodeRoot && !isRoot {
		return tsumuerrors.New(tsumuerrors.KindUnsupported, "xattr", "setxattr", path, fmt.Sprintf("%q only applies to the mount root", name))
	}
	return h.Write(path, value)
}
