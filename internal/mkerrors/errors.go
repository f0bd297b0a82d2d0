// Package mkerrors defines the single result-or-error type used across
// module boundaries in torua-mds. No package panics or throws across its
// own API; every fallible operation returns a *Error (or nil) instead.
package mkerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on outcome without string
// matching. The set is fixed and intentionally small.
type Kind int

const (
	// Unknown is the zero value and should never be returned deliberately.
	Unknown Kind = iota
	NotFound
	AlreadyExists
	Corruption
	NotSupported
	InvalidArgument
	IOError
	BufferFull
	Disconnected
	AssertionFailed
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Corruption:
		return "corruption"
	case NotSupported:
		return "not_supported"
	case InvalidArgument:
		return "invalid_argument"
	case IOError:
		return "io_error"
	case BufferFull:
		return "buffer_full"
	case Disconnected:
		return "disconnected"
	case AssertionFailed:
		return "assertion_failed"
	default:
		return "unknown"
	}
}

// Error is the result-or-error type carried across every package boundary.
type Error struct {
	Cause   error
	Key     string // row key / name hint, optional
	Path    string // file path hint, optional
	Message string
	Kind    Kind
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	switch {
	case e.Path != "" && e.Key != "":
		return fmt.Sprintf("%s: %s (path=%s key=%s)", e.Kind, msg, e.Path, e.Key)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (path=%s)", e.Kind, msg, e.Path)
	case e.Key != "":
		return fmt.Sprintf("%s: %s (key=%s)", e.Kind, msg, e.Key)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an existing error. The result always carries
// kind, even when cause is already an *Error with a different Kind.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Cause: cause, Message: message}
}

// WithKey returns a copy of e annotated with a row/name key.
func (e *Error) WithKey(key string) *Error {
	c := *e
	c.Key = key
	return &c
}

// WithPath returns a copy of e annotated with a file path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Unknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
