package tsumuerrors

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestNewCarriesContext(t *testing.T) {
	err := New(KindNotFound, "cachemgr", "getattr", "/a", "no such path")

	if err.Kind != KindNotFound {
		t.Errorf("Kind = %v", err.Kind)
	}
	msg := err.Error()
	for _, want := range []string{"cachemgr", "getattr", "NOT_FOUND", "/a", "no such path"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if err.Caller == "" {
		t.Error("expected a captured caller")
	}
}

func TestKindOfUnwrapsThroughChains(t *testing.T) {
	inner := New(KindUpstreamGone, "upstream", "read_region", "/b", "stale handle")
	wrapped := fmt.Errorf("while replaying: %w", inner)

	if KindOf(wrapped) != KindUpstreamGone {
		t.Errorf("KindOf(wrapped) = %v", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("expected empty kind for a foreign error")
	}
	if KindOf(nil) != "" {
		t.Error("expected empty kind for nil")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(KindInvalidArgument, "synclog", "add_change", "/c", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the wrapped cause")
	}
	if !strings.Contains(err.Error(), "underlying") {
		t.Errorf("Error() = %q, missing cause text", err.Error())
	}
}

func TestIsHelpers(t *testing.T) {
	if !IsNotFound(New(KindNotFound, "c", "o", "", "m")) {
		t.Error("IsNotFound")
	}
	if !IsUpstreamGone(New(KindUpstreamGone, "c", "o", "", "m")) {
		t.Error("IsUpstreamGone")
	}
	if !IsConflict(New(KindConflict, "c", "o", "", "m")) {
		t.Error("IsConflict")
	}
	if IsNotFound(New(KindConflict, "c", "o", "", "m")) {
		t.Error("IsNotFound should reject other kinds")
	}
}

func TestErrnoMapping(t *testing.T) {
	cases := map[Kind]syscall.Errno{
		KindNotFound:         syscall.ENOENT,
		KindPermissionDenied: syscall.EACCES,
		KindNotADirectory:    syscall.ENOTDIR,
		KindIsADirectory:     syscall.EISDIR,
		KindAlreadyExists:    syscall.EEXIST,
		KindNotEmpty:         syscall.ENOTEMPTY,
		KindInvalidArgument:  syscall.EINVAL,
		KindUpstreamGone:     syscall.ESTALE,
		KindConflict:         syscall.EIO,
		KindUnsupported:      syscall.EOPNOTSUPP,
	}
	for kind, want := range cases {
		if got := kind.Errno(); got != want {
			t.Errorf("%v.Errno() = %v, want %v", kind, got, want)
		}
	}

	if Errno(nil) != 0 {
		t.Error("Errno(nil) should be 0")
	}
	if Errno(errors.New("foreign")) != syscall.EIO {
		t.Error("a foreign error should map to EIO")
	}
	wrapped := fmt.Errorf("ctx: %w", New(KindNotFound, "c", "o", "/p", "m"))
	if Errno(wrapped) != syscall.ENOENT {
		t.Error("Errno should unwrap through chains")
	}
}
