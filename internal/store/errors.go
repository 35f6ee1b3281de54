package store

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store failures.
type ErrorCode string

const (
	// CodeNotFound indicates a referenced record is absent.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeQuotaExceeded indicates a write was rejected for lack of space.
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// CodeConflict indicates the backend could not commit atomically.
	CodeConflict ErrorCode = "TRANSACTION_CONFLICT"
)

// Sentinel errors matched by errors.Is against any *Error of the same code.
var (
	ErrNotFound      = errors.New("record not found")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrConflict      = errors.New("transaction conflict")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("store is closed")

	// ErrReadOnly is returned by writes issued inside View.
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Error is a typed store failure with record context.
type Error struct {
	Code       ErrorCode
	Op         string
	Collection string
	Key        string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Code)
	if e.Collection != "" {
		msg = fmt.Sprintf("%s (%s/%s)", msg, e.Collection, e.Key)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for e's code.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == ErrNotFound
	case CodeQuotaExceeded:
		return target == ErrQuotaExceeded
	case CodeConflict:
		return target == ErrConflict
	}
	return false
}

func notFound(op, collection, key string) error {
	return &Error{Code: CodeNotFound, Op: op, Collection: collection, Key: key}
}

// IsNotFound returns true if err reports a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsQuotaError returns true if err reports an exceeded quota.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsConflict returns true if err reports a transaction conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
