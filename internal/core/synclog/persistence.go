package synclog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tsumufs/tsumufs/internal/core/change"
	"github.com/tsumufs/tsumufs/internal/core/pathlock"
	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
)

// checkpointVersion is the only document version this build understands.
// Loaders reject any other version by treating the file as absent rather
// than guessing at a schema (§3 "Serialization format").
const checkpointVersion = 1

type document struct {
	Version int                  `yaml:"version"`
	Items   []docItem            `yaml:"items"`
	Changes map[string]docChange `yaml:"changes"`
}

type docItem struct {
	Kind     Kind     `yaml:"kind"`
	ID       string   `yaml:"id"`
	FileKind FileKind `yaml:"file_kind,omitempty"`
	Path     string   `yaml:"path,omitempty"`
	InodeID  string   `yaml:"inode_id,omitempty"`
	OldPath  string   `yaml:"old_path,omitempty"`
	NewPath  string   `yaml:"new_path,omitempty"`
}

type docRegion struct {
	Start int64  `yaml:"start"`
	End   int64  `yaml:"end"`
	Bytes []byte `yaml:"bytes"`
}

type docChange struct {
	Regions       []docRegion `yaml:"regions,omitempty"`
	HasMeta       bool        `yaml:"has_meta,omitempty"`
	CTime         time.Time   `yaml:"ctime,omitempty"`
	MTime         time.Time   `yaml:"mtime,omitempty"`
	HasMode       bool        `yaml:"has_mode,omitempty"`
	Mode          uint32      `yaml:"mode,omitempty"`
	HasOwner      bool        `yaml:"has_owner,omitempty"`
	UID           uint32      `yaml:"uid,omitempty"`
	GID           uint32      `yaml:"gid,omitempty"`
	HasSymlink    bool        `yaml:"has_symlink,omitempty"`
	SymlinkTarget string      `yaml:"symlink_target,omitempty"`
	HasLength     bool        `yaml:"has_length,omitempty"`
	Length        int64       `yaml:"length,omitempty"`
}

func (l *Log) toDocument() document {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := document{
		Version: checkpointVersion,
		Items:   make([]docItem, 0, len(l.queue)),
		Changes: make(map[string]docChange, len(l.changes)),
	}
	for _, it := range l.queue {
		di := docItem{Kind: it.Kind(), ID: it.RecordID()}
		switch v := it.(type) {
		case *NewItem:
			di.FileKind = v.FileKind
			di.Path = v.PathVal
		case *LinkItem:
			di.InodeID = v.InodeID
			di.Path = v.PathVal
		case *UnlinkItem:
			di.FileKind = v.FileKind
			di.Path = v.PathVal
		case *ChangeItem:
			di.InodeID = v.InodeID
			di.Path = v.PathVal
		case *RenameItem:
			di.InodeID = v.InodeID
			di.OldPath = v.OldPath
			di.NewPath = v.NewPath
		}
		doc.Items = append(doc.Items, di)
	}
	for inodeID, ch := range l.changes {
		var dc docChange
		for _, r := range ch.Regions() {
			dc.Regions = append(dc.Regions, docRegion{Start: r.Start, End: r.End, Bytes: r.Bytes})
		}
		dc.HasMeta = ch.HasMeta()
		dc.CTime = ch.CTime
		dc.MTime = ch.MTime
		dc.HasMode = ch.HasMode()
		dc.Mode = ch.Mode
		dc.HasOwner = ch.HasOwner()
		dc.UID = ch.UID
		dc.GID = ch.GID
		dc.HasSymlink = ch.HasSymlink()
		dc.SymlinkTarget = ch.SymlinkTarget
		dc.HasLength = ch.HasLength()
		dc.Length = ch.Length
		doc.Changes[inodeID] = dc
	}
	return doc
}

func fromDocument(doc document) (*Log, error) {
	l := &Log{
		changes:       make(map[string]*change.Change),
		newPaths:      make(map[string]bool),
		unlinkedPaths: make(map[string]bool),
	}

	for inodeID, dc := range doc.Changes {
		ch := change.New()
		for _, r := range dc.Regions {
			if err := ch.Add(r.Start, r.End, r.Bytes); err != nil {
				return nil, fmt.Errorf("synclog: rebuild change for %s: %w", inodeID, err)
			}
		}
		if dc.HasMeta {
			ch.SetCTime(dc.CTime)
			ch.SetMTime(dc.MTime)
		}
		if dc.HasMode {
			ch.SetMode(dc.Mode)
		}
		if dc.HasOwner {
			ch.SetOwner(dc.UID, dc.GID)
		}
		if dc.HasSymlink {
			ch.SetSymlinkTarget(dc.SymlinkTarget)
		}
		if dc.HasLength {
			ch.SetLength(dc.Length)
		}
		l.changes[inodeID] = ch
	}

	for _, di := range doc.Items {
		var it Item
		switch di.Kind {
		case KindNew:
			it = &NewItem{base: base{id: di.ID}, FileKind: di.FileKind, PathVal: di.Path}
			l.newPaths[di.Path] = true
		case KindLink:
			it = &LinkItem{base: base{id: di.ID}, InodeID: di.InodeID, PathVal: di.Path}
		case KindUnlink:
			it = &UnlinkItem{base: base{id: di.ID}, FileKind: di.FileKind, PathVal: di.Path}
			l.unlinkedPaths[di.Path] = true
		case KindChange:
			it = &ChangeItem{base: base{id: di.ID}, InodeID: di.InodeID, PathVal: di.Path}
		case KindRename:
			it = &RenameItem{base: base{id: di.ID}, InodeID: di.InodeID, OldPath: di.OldPath, NewPath: di.NewPath}
		default:
			return nil, fmt.Errorf("synclog: unknown item kind %q", di.Kind)
		}
		l.queue = append(l.queue, it)
	}

	return l, nil
}

// Save atomically writes the log's queue and change map to path, encoded
// as a versioned YAML document inside a length-prefixed frame so a
// truncated write during a crash is detectable on reload (§3).
func (l *Log) Save(path string) error {
	doc := l.toDocument()
	body, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("synclog: marshal checkpoint: %w", err)
	}

	var framed bytes.Buffer
	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(body)))
	framed.Write(lenPrefix[:])
	framed.Write(body)

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".synclog-*.tmp")
	if err != nil {
		return fmt.Errorf("synclog: create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(framed.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("synclog: write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("synclog: sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("synclog: close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("synclog: rename checkpoint into place: %w", err)
	}
	return nil
}

// Load reads and decodes a checkpoint previously written by Save. A
// missing file yields a fresh empty Log; a truncated, corrupt, or
// unrecognized-version file is treated the same way rather than causing
// a crash (§4.5 durability), with the condition logged by the caller.
func Load(path string, cacheLocks, upstreamLocks *pathlock.Table) (*Log, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return New(cacheLocks, upstreamLocks), nil
	}
	if err != nil {
		return New(cacheLocks, upstreamLocks), nil
	}
	defer f.Close()

	var lenPrefix [8]byte
	if _, err := io.ReadFull(f, lenPrefix[:]); err != nil {
		return New(cacheLocks, upstreamLocks), nil
	}
	n := binary.BigEndian.Uint64(lenPrefix[:])

	// A length prefix larger than the rest of the file marks a corrupt
	// frame; reject it before allocating.
	if info, err := f.Stat(); err != nil || n > uint64(info.Size()-int64(len(lenPrefix))) {
		return New(cacheLocks, upstreamLocks), nil
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(f, body); err != nil {
		// Truncated write during a crash; treat as empty.
		return New(cacheLocks, upstreamLocks), nil
	}

	var doc document
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return New(cacheLocks, upstreamLocks), nil
	}
	if doc.Version != checkpointVersion {
		return New(cacheLocks, upstreamLocks), nil
	}

	l, err := fromDocument(doc)
	if err != nil {
		return New(cacheLocks, upstreamLocks), nil
	}
	l.cacheLocks = cacheLocks
	l.upstreamLocks = upstreamLocks
	l.log = tsumulog.New("synclog")
	return l, nil
}
