// Package apierr defines a small, stable set of error kinds. The REST
// gateway (api/rest.go) uses it: writeError maps Kind to an HTTP status
// rather than matching error strings.
package apierr

import "errors"

// Kind is a stable discriminant attached to a control-plane error. Transport
// layers map it to a protocol-specific status code; telemetry uses it as a
// low-cardinality tag.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindPrecondition Kind = "precondition_failed"
	KindContention   Kind = "contention"
	KindUnavailable  Kind = "unavailable"
	KindInvalid      Kind = "invalid_argument"
)

// Error is a control-plane error carrying a Kind discriminant alongside the
// usual message and optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = New(KindNotFound, "not found")
	// ErrPrecondition indicates a conditional operation's precondition
	// (expected current state, expected holder token) did not hold.
	ErrPrecondition = New(KindPrecondition, "precondition failed")
	// ErrContention indicates a concurrent writer won a race for the same
	// resource; callers should retry against fresh state rather than treat
	// this as a hard failure.
	ErrContention = New(KindContention, "contention")
)
