package tsumuerrors

import (
	"errors"
	"syscall"
)

// Errno maps a Kind to the syscall.Errno the FUSE front-end should surface to
// the host. Conflict never reaches this mapping in practice (§7: "Conflict is
// never returned to the host caller"), but a stable mapping is supplied
// anyway so a bug that lets one leak fails loudly as EIO rather than 0.
func (k Kind) Errno() syscall.Errno {
	switch k {
	case KindNotFound:
		return syscall.ENOENT
	case KindPermissionDenied:
		return syscall.EACCES
	case KindNotADirectory:
		return syscall.ENOTDIR
	case KindIsADirectory:
		return syscall.EISDIR
	case KindAlreadyExists:
		return syscall.EEXIST
	case KindNotEmpty:
		return syscall.ENOTEMPTY
	case KindInvalidArgument:
		return syscall.EINVAL
	case KindUpstreamGone:
		return syscall.ESTALE
	case KindConflict:
		return syscall.EIO
	case KindUnsupported:
		return syscall.EOPNOTSUPP
	default:
		return syscall.EIO
	}
}

// Errno extracts the syscall.Errno for err, defaulting to EIO for anything
// that isn't one of ours (including nil, which maps to 0/success).
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Errno()
	}
	return syscall.EIO
}
