package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures so the engine can route them:
// auth expiry surfaces to the user, transient errors are retried, the
// rest park the record in error status.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindAuthExpired   ErrorKind = "auth_expired"
	KindTransient     ErrorKind = "transient"
)

// Error is a typed provider failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("provider: %s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying on the next
// cycle without user intervention.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

func newError(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the error kind, defaulting to transient for
// untyped failures (network errors and the like).
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsAuthExpired reports whether the failure needs interactive
// re-authentication.
func IsAuthExpired(err error) bool { return KindOf(err) == KindAuthExpired }

// IsNotFound reports whether the remote object no longer exists.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
