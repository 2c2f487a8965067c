// Package fault separates contract violations from recoverable storage and peer errors.
//
// An InvariantError means the program is in a state it must never reach; the connection that
// produced it must be torn down and, in debug builds, the process must stop.
// StorageError and ProtocolError are recoverable by closing the affected connection only.
package fault

import (
	"github.com/pkg/errors"
)

// InvariantError is an internal contract violation.
type InvariantError struct {
	err error
}

// Invariant returns a new InvariantError with a stack trace recorded at the call site.
func Invariant(format string, args ...interface{}) error {
	return &InvariantError{err: errors.Errorf(format, args...)}
}

func (e *InvariantError) Error() string { return "internal error: " + e.err.Error() }

// Unwrap returns the underlying error.
func (e *InvariantError) Unwrap() error { return e.err }

// StorageError is returned when backing storage could not produce or keep a mapping.
type StorageError struct {
	err error
}

// Storage wraps cause as a StorageError. The message is prepended to the cause.
func Storage(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return &StorageError{err: errors.Errorf(format, args...)}
	}
	return &StorageError{err: errors.Wrapf(cause, format, args...)}
}

func (e *StorageError) Error() string { return "storage error: " + e.err.Error() }

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.err }

// ProtocolError is returned when the remote peer violated the wire contract.
type ProtocolError struct {
	err error
}

// Protocol returns a new ProtocolError.
func Protocol(format string, args ...interface{}) error {
	return &ProtocolError{err: errors.Errorf(format, args...)}
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.err.Error() }

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error { return e.err }

// IsInvariant reports whether err contains an InvariantError.
func IsInvariant(err error) bool {
	var e *InvariantError
	return errors.As(err, &e)
}

// IsStorage reports whether err contains a StorageError.
func IsStorage(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

// IsProtocol reports whether err contains a ProtocolError.
func IsProtocol(err error) bool {
	var e *ProtocolError
	return errors.As(err, &e)
}
