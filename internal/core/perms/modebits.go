package perms

import "golang.org/x/sys/unix"

// IsDir, IsSymlink, IsCharDevice, IsBlockDevice, IsFIFO, and IsSocket
// classify a raw st_mode value, used when
// deciding whether an overlay entry needs device major/minor handling
// alongside uid/gid/mode (§3 SyncItem file_kind device(char|block, major,
// minor)).
func IsDir(mode uint32) bool         { return mode&unix.S_IFMT == unix.S_IFDIR }
func IsSymlink(mode uint32) bool     { return mode&unix.S_IFMT == unix.S_IFLNK }
func IsCharDevice(mode uint32) bool  { return mode&unix.S_IFMT == unix.S_IFCHR }
func IsBlockDevice(mode uint32) bool { return mode&unix.S_IFMT == unix.S_IFBLK }
func IsFIFO(mode uint32) bool        { return mode&unix.S_IFMT == unix.S_IFIFO }
func IsSocket(mode uint32) bool      { return mode&unix.S_IFMT == unix.S_IFSOCK }

// DeviceNumbers splits a raw st_rdev value into (major, minor), and
// MakeDevice composes one, for mknod'ing device-kind New SyncItems
// during replay (§4.6).
func DeviceNumbers(rdev uint64) (major, minor uint32) {
	return uint32(unix.Major(rdev)), uint32(unix.Minor(rdev))
}

func MakeDevice(major, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}
