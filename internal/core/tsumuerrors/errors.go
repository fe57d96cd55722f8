// Package tsumuerrors provides the structured error taxonomy shared by every
// core component: a small, closed set of error kinds (§7 of the design),
// each carrying enough context for logging and for translation back into a
// syscall.Errno at the FUSE boundary.
//
// It uses a structured ErrorCode/category system, kept to the fixed kind
// set the disconnected-operation engine actually needs rather than a
// broad general-purpose taxonomy.
package tsumuerrors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Kind is one of the fixed error kinds enumerated in §7.
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindNotADirectory    Kind = "NOT_A_DIRECTORY"
	KindIsADirectory     Kind = "IS_A_DIRECTORY"
	KindAlreadyExists    Kind = "ALREADY_EXISTS"
	KindNotEmpty         Kind = "NOT_EMPTY"
	KindInvalidArgument  Kind = "INVALID_ARGUMENT"
	KindUpstreamGone     Kind = "UPSTREAM_GONE"
	KindConflict         Kind = "CONFLICT"
	KindUnsupported      Kind = "UNSUPPORTED"
)

// Error is the structured error type produced by every core component.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Path      string
	Message   string
	Cause     error
	Timestamp time.Time
	Caller    string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s:%s] %s (%s): %s", e.Component, e.Operation, e.Kind, e.Path, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, tsumuerrors.New(tsumuerrors.KindNotFound, ...)) style
// checks, but more commonly use the Is* helpers below.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an Error, capturing the immediate caller for debug xattrs.
func New(kind Kind, component, operation, path, message string) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Path:      path,
		Message:   message,
		Timestamp: time.Now(),
		Caller:    caller(),
	}
}

// Wrap constructs an Error that preserves cause for errors.Unwrap chains.
func Wrap(kind Kind, component, operation, path string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Operation: operation,
		Path:      path,
		Message:   cause.Error(),
		Cause:     cause,
		Timestamp: time.Now(),
		Caller:    caller(),
	}
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// KindOf extracts the Kind from err, defaulting to the empty Kind when err is
// not one of ours (or is nil).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is* convenience predicates used pervasively at call sites.
func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }
func IsUpstreamGone(err error) bool     { return KindOf(err) == KindUpstreamGone }
func IsConflict(err error) bool         { return KindOf(err) == KindConflict }
func IsAlreadyExists(err error) bool    { return KindOf(err) == KindAlreadyExists }
func IsNotEmpty(err error) bool         { return KindOf(err) == KindNotEmpty }
