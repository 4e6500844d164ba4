// Package apperr defines the error taxonomy shared by the session runtime and
// its transports. Every error surfaced to clients carries a Kind that decides
// how it is reported (HTTP status, socket error frame) and whether the caller
// may retry.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation reports malformed input. Rejected at the boundary.
	KindValidation Kind = "validation"
	// KindConflict reports a state conflict such as a session already running.
	KindConflict Kind = "conflict"
	// KindNotFound reports a missing session or checkpoint.
	KindNotFound Kind = "not_found"
	// KindLockTimeout reports a lock that could not be acquired in time.
	KindLockTimeout Kind = "lock_timeout"
	// KindStorageUnavailable reports a durable store failure.
	KindStorageUnavailable Kind = "storage_unavailable"
	// KindUpstream reports an execution engine failure.
	KindUpstream Kind = "upstream"
	// KindCancelled reports a cooperative cancellation. It is not a failure.
	KindCancelled Kind = "cancelled"
	// KindInternal is the default for unclassified errors.
	KindInternal Kind = "internal"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "repository.update".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	var prefix string
	if e.Op != "" {
		prefix = e.Op + ": "
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return prefix + e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return prefix + e.Msg
	case e.Err != nil:
		return prefix + e.Err.Error()
	default:
		return prefix + string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind for operation op. A nil err returns nil. An
// err that already carries a kind keeps it; only op context is added.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		kind = ae.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// Conflict returns a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return Newf(KindConflict, format, args...)
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// StorageUnavailable wraps a durable store failure.
func StorageUnavailable(op string, err error) error {
	return &Error{Kind: KindStorageUnavailable, Op: op, Err: err}
}

// Upstream wraps an engine failure.
func Upstream(op string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-facing message for err: the outermost *Error
// message when set, else err.Error().
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Msg != "" && ae.Op == "" {
		return ae.Msg
	}
	return err.Error()
}
