// Package synclog implements the durable journal of pending mutations
// described in §3/§4.5: an ordered sequence of SyncItems plus a side map
// from inode identifier to DataChange, with coalescence rules applied on
// add_unlink and checkpoint durability via versioned YAML.
package synclog

import (
	"github.com/google/uuid"
)

// Kind discriminates the SyncItem variants named in §3.
type Kind string

const (
	KindNew    Kind = "new"
	KindLink   Kind = "link"
	KindUnlink Kind = "unlink"
	KindChange Kind = "change"
	KindRename Kind = "rename"
)

// FileKind enumerates the file_kind values a New/Unlink SyncItem carries.
type FileKind string

const (
	FileKindRegular     FileKind = "file"
	FileKindDirectory   FileKind = "dir"
	FileKindSymlink     FileKind = "symlink"
	FileKindSocket      FileKind = "socket"
	FileKindFIFO        FileKind = "fifo"
	FileKindCharDevice  FileKind = "device_char"
	FileKindBlockDevice FileKind = "device_block"
)

// Item is the tagged-variant interface implemented by each concrete
// SyncItem kind. Modeled as a sum type via a closed set of concrete
// structs rather than an untyped dict, per DESIGN NOTES §9.
type Item interface {
	Kind() Kind
	// Path returns the primary path this item is filed under for
	// coalescence and locking purposes. Rename reports its new path.
	Path() string
	// RecordID is a debug/logging-only identifier (§4.5), unrelated to
	// coalescence, which remains keyed by path/inode.
	RecordID() string
}

type base struct {
	id string
}

func newBase() base {
	return base{id: uuid.NewString()}
}

func (b base) RecordID() string { return b.id }

// NewItem records that path must be created upstream (mkdir for a
// directory, a copy of the cache file for a regular file, or a mknod
// sourced from the cache file's own mode/rdev for a device/fifo/socket
// node).
type NewItem struct {
	base
	FileKind FileKind
	PathVal  string
}

func (i *NewItem) Kind() Kind   { return KindNew }
func (i *NewItem) Path() string { return i.PathVal }

// LinkItem is reserved; SyncWorker treats it as a no-op pass-through
// (§4.6, §9 Open Question decisions).
type LinkItem struct {
	base
	InodeID string
	PathVal string
}

func (i *LinkItem) Kind() Kind   { return KindLink }
func (i *LinkItem) Path() string { return i.PathVal }

// UnlinkItem records that path must be removed upstream.
type UnlinkItem struct {
	base
	FileKind FileKind
	PathVal  string
}

func (i *UnlinkItem) Kind() Kind   { return KindUnlink }
func (i *UnlinkItem) Path() string { return i.PathVal }

// ChangeItem references a DataChange keyed by InodeID in the Log's side
// map; at most one ChangeItem per InodeID exists at any time (§3
// invariant a).
type ChangeItem struct {
	base
	InodeID string
	PathVal string
}

func (i *ChangeItem) Kind() Kind   { return KindChange }
func (i *ChangeItem) Path() string { return i.PathVal }

// RenameItem does not coalesce; it redirects prior history by retargeting
// the path used to trace back through the log (§3 invariant c).
type RenameItem struct {
	base
	InodeID string
	OldPath string
	NewPath string
}

func (i *RenameItem) Kind() Kind   { return KindRename }
func (i *RenameItem) Path() string { return i.NewPath }
