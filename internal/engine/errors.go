package engine

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Code categorizes store errors. Every operation across the four stores
// fails with exactly one of these; absence is always a distinguishable
// error, never a nil result.
type Code string

const (
	// CodeValidation marks malformed or missing caller input.
	// Never retried internally.
	CodeValidation Code = "VALIDATION"

	// CodeNotFound marks a referenced id, key, or name that does not
	// exist or has lazily expired.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict marks a uniqueness violation, e.g. a duplicate
	// entity name.
	CodeConflict Code = "CONFLICT"

	// CodeEngine marks an underlying storage failure. Fatal to the
	// current operation, never silently swallowed.
	CodeEngine Code = "ENGINE"

	// CodeBusy marks a write-lock wait that exceeded the busy timeout.
	CodeBusy Code = "BUSY"
)

// Error is the structured error returned by every store operation.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Details contains additional context, e.g. the offending key.
	Details map[string]string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying storage error, when there is one.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewValidationError creates a VALIDATION error.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError creates a NOT_FOUND error for a kind/key pair,
// e.g. NewNotFoundError("entity", "Ada").
func NewNotFoundError(kind, key string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, key),
		Details: map[string]string{"kind": kind, "key": key},
	}
}

// NewConflictError creates a CONFLICT error.
func NewConflictError(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// NewEngineError creates an ENGINE error wrapping the storage failure.
func NewEngineError(op string, cause error) *Error {
	return &Error{Code: CodeEngine, Message: op, cause: cause}
}

// WrapStorage classifies a database/sql or driver error from operation
// op. SQLITE_BUSY and SQLITE_LOCKED map to BUSY, unique-constraint
// violations to CONFLICT, everything else to ENGINE. Errors that are
// already *Error pass through unchanged so store-level classifications
// survive transaction plumbing.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &Error{Code: CodeBusy, Message: op, cause: err}
		case sqlite3.ErrConstraint:
			switch serr.ExtendedCode {
			case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
				return &Error{Code: CodeConflict, Message: op, cause: err}
			}
		}
	}
	return &Error{Code: CodeEngine, Message: op, cause: err}
}

// CodeOf returns the category of err, or CodeEngine when err carries no
// structured code. Returns "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeEngine
}

// IsValidation reports whether err is a VALIDATION error.
// Uses errors.As to handle wrapped errors.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

// IsBusy reports whether err is a BUSY (lock timeout) error.
func IsBusy(err error) bool {
	return CodeOf(err) == CodeBusy
}
