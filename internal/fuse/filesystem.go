package fuse

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/tsumufs/tsumufs/internal/core/corectx"
	"github.com/tsumufs/tsumufs/internal/core/pathutil"
	"github.com/tsumufs/tsumufs/internal/core/synclog"
	"github.com/tsumufs/tsumufs/internal/core/tsumuerrors"
	"github.com/tsumufs/tsumufs/internal/core/tsumulog"
)

var pkgLog = tsumulog.New("fuse")

// Node is the single go-fuse node type serving every path under the
// mount. It carries no state beyond its mount-relative path and a
// pointer to the shared CoreContext; every callback is a thin
// translation into CacheManager/SyncLog/xattr.Table calls (§4.7).
type Node struct {
	fs.Inode

	ctx  *corectx.CoreContext
	path string
}

var (
	_ fs.NodeLookuper    = (*Node)(nil)
	_ fs.NodeGetattrer   = (*Node)(nil)
	_ fs.NodeSetattrer   = (*Node)(nil)
	_ fs.NodeReaddirer   = (*Node)(nil)
	_ fs.NodeOpener      = (*Node)(nil)
	_ fs.NodeCreater     = (*Node)(nil)
	_ fs.NodeMkdirer     = (*Node)(nil)
	_ fs.NodeMknoder     = (*Node)(nil)
	_ fs.NodeRmdirer     = (*Node)(nil)
	_ fs.NodeUnlinker    = (*Node)(nil)
	_ fs.NodeSymlinker   = (*Node)(nil)
	_ fs.NodeLinker      = (*Node)(nil)
	_ fs.NodeReadlinker  = (*Node)(nil)
	_ fs.NodeRenamer     = (*Node)(nil)
	_ fs.NodeAccesser    = (*Node)(nil)
	_ fs.NodeGetxattrer  = (*Node)(nil)
	_ fs.NodeSetxattrer  = (*Node)(nil)
	_ fs.NodeListxattrer = (*Node)(nil)
	_ fs.NodeStatfser    = (*Node)(nil)
	_ fs.NodeReader      = (*Node)(nil)
	_ fs.NodeWriter      = (*Node)(nil)
	_ fs.NodeFlusher     = (*Node)(nil)
	_ fs.NodeFsyncer     = (*Node)(nil)
	_ fs.NodeReleaser    = (*Node)(nil)
)

// NewFileSystem constructs the mount root. mount.go's MountManager is
// the only caller.
func NewFileSystem(ctx *corectx.CoreContext) *Node {
	return &Node{ctx: ctx, path: "/"}
}

func (n *Node) child(name string) *Node {
	return &Node{ctx: n.ctx, path: pathutil.Join(n.path, name)}
}

// callerIDs extracts the requesting process's uid/gid from ctx, falling
// back to root when go-fuse didn't attach caller credentials (e.g. a
// direct, non-kernel call in tests).
func callerIDs(ctx context.Context) (uid, gid uint32) {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Uid, caller.Gid
	}
	return 0, 0
}

func durToSecNsec(d time.Duration) (uint64, uint32) {
	return uint64(d / time.Second), uint32(d % time.Second)
}

func (n *Node) setAttrTimeout(out *fuse.AttrOut) {
	sec, nsec := durToSecNsec(n.ctx.Config.Mount.AttrTimeout)
	out.AttrValid, out.AttrValidNsec = sec, nsec
}

func (n *Node) setEntryTimeout(out *fuse.EntryOut) {
	asec, ansec := durToSecNsec(n.ctx.Config.Mount.AttrTimeout)
	esec, ensec := durToSecNsec(n.ctx.Config.Mount.EntryTimeout)
	out.AttrValid, out.AttrValidNsec = asec, ansec
	out.EntryValid, out.EntryValidNsec = esec, ensec
}

func fillAttr(out *fuse.Attr, st syscall.Stat_t) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Owner = fuse.Owner{Uid: st.Uid, Gid: st.Gid}
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
}

func newChildInode(ctx context.Context, parent *Node, name string, st syscall.Stat_t) *fs.Inode {
	child := parent.child(name)
	stable := fs.StableAttr{Mode: st.Mode & syscall.S_IFMT, Ino: st.Ino}
	inode := parent.NewInode(ctx, child, stable)
	parent.AddChild(name, inode, true)
	return inode
}

// Lookup resolves name under n via CacheManager.Getattr, which runs the
// §4.4 decision table (fetch/evict as needed) before returning a stat.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := pathutil.Join(n.path, name)
	st, err := n.ctx.Cache.Getattr(childPath)
	if err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	fillAttr(&out.Attr, st)
	n.setEntryTimeout(out)
	child := n.child(name)
	stable := fs.StableAttr{Mode: st.Mode & syscall.S_IFMT, Ino: st.Ino}
	return n.NewInode(ctx, child, stable), 0
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.ctx.Cache.Getattr(n.path)
	n.ctx.Metrics.RecordOperation("getattr", err == nil)
	if err != nil {
		return tsumuerrors.Errno(err)
	}
	fillAttr(&out.Attr, st)
	n.setAttrTimeout(out)
	return 0
}

// Setattr handles chmod, chown, utimens and truncate, recording a Change
// SyncItem for whichever of those the kernel actually asked for (§4.4,
// §4.1). Each kind of mutation is independent; a single setattr call can
// carry more than one.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	id, idErr := n.ctx.Cache.Identifier(n.path)
	noteChange := func() {
		if idErr == nil {
			n.ctx.Log.AddMetadataChange(n.path, id)
		}
	}

	if in.Valid&fuse.FATTR_MODE != 0 {
		if err := n.ctx.Cache.Chmod(n.path, in.Mode); err != nil {
			return tsumuerrors.Errno(err)
		}
		noteChange()
	}

	if in.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		uid, gid := ^uint32(0), ^uint32(0)
		if in.Valid&fuse.FATTR_UID != 0 {
			uid = in.Owner.Uid
		}
		if in.Valid&fuse.FATTR_GID != 0 {
			gid = in.Owner.Gid
		}
		if err := n.ctx.Cache.Chown(n.path, uid, gid); err != nil {
			return tsumuerrors.Errno(err)
		}
		noteChange()
	}

	if in.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME) != 0 {
		cur, err := n.ctx.Cache.Getattr(n.path)
		if err != nil {
			return tsumuerrors.Errno(err)
		}
		atime := time.Unix(cur.Atim.Sec, cur.Atim.Nsec)
		mtime := time.Unix(cur.Mtim.Sec, cur.Mtim.Nsec)
		if in.Valid&fuse.FATTR_ATIME != 0 {
			atime = time.Unix(int64(in.Atime), int64(in.Atimensec))
		}
		if in.Valid&fuse.FATTR_MTIME != 0 {
			mtime = time.Unix(int64(in.Mtime), int64(in.Mtimensec))
		}
		if err := n.ctx.Cache.Utimens(n.path, atime, mtime); err != nil {
			return tsumuerrors.Errno(err)
		}
		noteChange()
	}

	if in.Valid&fuse.FATTR_SIZE != 0 {
		if err := n.ctx.Cache.TruncateFile(n.path, int64(in.Size)); err != nil {
			return tsumuerrors.Errno(err)
		}
		noteChange()
		if idErr == nil {
			n.ctx.Log.TruncateChanges(id, int64(in.Size))
		}
	}

	st, err := n.ctx.Cache.Getattr(n.path)
	if err != nil {
		return tsumuerrors.Errno(err)
	}
	fillAttr(&out.Attr, st)
	n.setAttrTimeout(out)
	return 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.ctx.Cache.Readlink(n.path)
	if err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	return []byte(target), 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.ctx.Cache.Readdir(n.path)
	if err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{Name: name})
	}
	return fs.NewListDirStream(entries), 0
}

// Open is a presence check only; reads and writes always go through
// CacheManager against the cache-local path, so there is no per-handle
// state to allocate (§4.4 names no open-handle bookkeeping).
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if _, err := n.ctx.Cache.Getattr(n.path); err != nil {
		return nil, 0, tsumuerrors.Errno(err)
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	childPath := pathutil.Join(n.path, name)
	if _, _, err := n.ctx.Cache.FakeOpen(childPath, int(flags)|syscall.O_CREAT, mode, uid, gid); err != nil {
		return nil, nil, 0, tsumuerrors.Errno(err)
	}
	st, err := n.ctx.Cache.Getattr(childPath)
	if err != nil {
		return nil, nil, 0, tsumuerrors.Errno(err)
	}
	fillAttr(&out.Attr, st)
	n.setEntryTimeout(out)
	return newChildInode(ctx, n, name, st), nil, 0, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	childPath := pathutil.Join(n.path, name)
	if _, err := n.ctx.Cache.Mkdir(childPath, mode, uid, gid); err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	st, err := n.ctx.Cache.Getattr(childPath)
	if err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	fillAttr(&out.Attr, st)
	n.setEntryTimeout(out)
	return newChildInode(ctx, n, name, st), 0
}

// Mknod creates a device, fifo, or socket node (§3 file_kind device,
// fifo, socket) under n.
func (n *Node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	childPath := pathutil.Join(n.path, name)
	if _, err := n.ctx.Cache.Mknod(childPath, mode, uint64(rdev), uid, gid); err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	st, err := n.ctx.Cache.Getattr(childPath)
	if err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	fillAttr(&out.Attr, st)
	n.setEntryTimeout(out)
	return newChildInode(ctx, n, name, st), 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := pathutil.Join(n.path, name)
	if err := n.ctx.Cache.Rmdir(childPath); err != nil {
		return tsumuerrors.Errno(err)
	}
	n.ctx.Log.AddUnlink(synclog.FileKindDirectory, childPath)
	return 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	childPath := pathutil.Join(n.path, name)
	kind := synclog.FileKindRegular
	if st, err := n.ctx.Cache.Getattr(childPath); err == nil && st.Mode&syscall.S_IFMT == syscall.S_IFLNK {
		kind = synclog.FileKindSymlink
	}
	if err := n.ctx.Cache.Unlink(childPath); err != nil {
		return tsumuerrors.Errno(err)
	}
	n.ctx.Log.AddUnlink(kind, childPath)
	return 0
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := callerIDs(ctx)
	childPath := pathutil.Join(n.path, name)
	if _, err := n.ctx.Cache.Symlink(target, childPath, uid, gid); err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	st, err := n.ctx.Cache.Getattr(childPath)
	if err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	fillAttr(&out.Attr, st)
	n.setEntryTimeout(out)
	return newChildInode(ctx, n, name, st), 0
}

// Link creates name under n as a hard link to target's cache file
// (§4.7, §9 Open Question: replay of the resulting Link SyncItem is
// reserved/no-op until upstream hard-link semantics are decided; the
// local link and its journal entry are still recorded here).
func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	targetNode, ok := target.(*Node)
	if !ok {
		return nil, syscall.EINVAL
	}
	childPath := pathutil.Join(n.path, name)
	if _, err := n.ctx.Cache.Link(targetNode.path, childPath); err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	st, err := n.ctx.Cache.Getattr(childPath)
	if err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	fillAttr(&out.Attr, st)
	n.setEntryTimeout(out)
	return newChildInode(ctx, n, name, st), 0
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	oldPath := pathutil.Join(n.path, name)
	newPath := pathutil.Join(np.path, newName)

	if err := n.ctx.Cache.Rename(oldPath, newPath); err != nil {
		return tsumuerrors.Errno(err)
	}
	id, idErr := n.ctx.Cache.Identifier(newPath)
	if idErr == nil {
		n.ctx.Log.AddRename(id, oldPath, newPath)
	}
	return 0
}

func (n *Node) Access(ctx context.Context, mask uint32) syscall.Errno {
	uid, gid := callerIDs(ctx)
	if err := n.ctx.Cache.Access(uid, gid, n.path, mask); err != nil {
		return tsumuerrors.Errno(err)
	}
	return 0
}

func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	val, err := n.ctx.Xattrs.Get(attr, n.path, n.path == "/")
	if err != nil {
		return 0, tsumuerrors.Errno(err)
	}
	if len(dest) < len(val) {
		return uint32(len(val)), syscall.ERANGE
	}
	copy(dest, val)
	return uint32(len(val)), 0
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	if err := n.ctx.Xattrs.Set(attr, n.path, data, n.path == "/"); err != nil {
		return tsumuerrors.Errno(err)
	}
	return 0
}

func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	var buf []byte
	for _, name := range n.ctx.Xattrs.Names() {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	if len(dest) < len(buf) {
		return uint32(len(buf)), syscall.ERANGE
	}
	copy(dest, buf)
	return uint32(len(buf)), 0
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(n.ctx.CacheRoot(), &st); err != nil {
		return syscall.EIO
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.NameLen = uint32(st.Namelen)
	out.Frsize = uint32(st.Frsize)
	return 0
}

// Read always serves from the cache-local file, per CachePath resolution
// (§4.4); CacheManager.Execute already ran fetch/evict by the time
// Getattr or Open admitted this path.
func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.ctx.Cache.ReadFile(n.path, off, int64(len(dest)))
	n.ctx.Metrics.RecordOperation("read", err == nil)
	if err != nil {
		return nil, tsumuerrors.Errno(err)
	}
	return fuse.ReadResultData(data), 0
}

// Write records the pre-image at [off, off+len(data)) before overwriting
// it, so the SyncWorker can compare it against upstream at replay time
// and detect a conflicting concurrent upstream edit (§4.5, §4.1).
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	id, idErr := n.ctx.Cache.Identifier(n.path)

	var old []byte
	if idErr == nil {
		old, _ = n.ctx.Cache.ReadCacheRegion(n.path, off, int64(len(data)))
	}

	if err := n.ctx.Cache.WriteFile(n.path, off, data); err != nil {
		n.ctx.Metrics.RecordOperation("write", false)
		return 0, tsumuerrors.Errno(err)
	}
	n.ctx.Metrics.RecordOperation("write", true)

	if idErr != nil {
		id, idErr = n.ctx.Cache.Identifier(n.path)
	}
	if idErr == nil {
		if err := n.ctx.Log.AddChange(n.path, id, off, off+int64(len(data)), old); err != nil {
			pkgLog.Warnf("record change for %s: %v", n.path, err)
		}
	}
	return uint32(len(data)), 0
}

func (n *Node) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return 0
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return 0
}

func (n *Node) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return 0
}
