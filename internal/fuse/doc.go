// Package fuse is the FS Front-End (§4.7/component 10): it translates
// host filesystem callbacks into CacheManager/SyncLog calls and carries
// no policy of its own. It builds an fs.Inode-embedding node tree from
// go-fuse/v2, with every node resolving through CacheManager against
// the cache/upstream locations this engine's CoreContext wires up.
// Cross-platform cgofuse support is dropped (§1 scopes the host bridge
// to a POSIX FUSE host; see DESIGN.md).
package fuse
