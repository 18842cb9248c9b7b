// Package otaerr defines the error taxonomy shared by the flash writer, the
// ingestion sources and the update session.
//
// Every error is terminal for the session that produced it. Nothing in this
// module retries automatically; retrying is an operator action.
package otaerr

import (
	"errors"
	"fmt"
)

// Kind categorizes why an update attempt failed. Kind implements error so
// that callers can write errors.Is(err, otaerr.CapacityExceeded).
type Kind int

const (
	Unknown Kind = iota
	InsufficientSpace
	DeviceBusy
	WriteFailed
	CapacityExceeded
	SourceUnavailable
	VerificationFailed
	CommitFailed
)

func (k Kind) String() string {
	switch k {
	case InsufficientSpace:
		return "InsufficientSpace"
	case DeviceBusy:
		return "DeviceBusy"
	case WriteFailed:
		return "WriteFailed"
	case CapacityExceeded:
		return "CapacityExceeded"
	case SourceUnavailable:
		return "SourceUnavailable"
	case VerificationFailed:
		return "VerificationFailed"
	case CommitFailed:
		return "CommitFailed"
	default:
		return "Unknown"
	}
}

func (k Kind) Error() string { return k.String() }

// Error is a categorized failure. Op names the operation that failed (e.g.
// "write", "finalize", "plan").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind carried by err, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}
