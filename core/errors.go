/*
errors.go - Centralized error taxonomy for the chapter engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Domain packages wrap these sentinels with a human-actionable message;
  the API layer maps kinds onto HTTP status codes.

ERROR CATEGORIES:
  1. Input errors      - InvalidArgument
  2. Identity errors   - Unauthenticated, Forbidden
  3. State errors      - NotFound, InvalidState
  4. Concurrency       - VersionConflict (the ONLY retryable kind)
  5. Infrastructure    - DependencyFailure

USAGE:
  Services return typed errors built with the constructors:

    return core.InvalidStatef("Bid is not pending")

  Callers classify with errors.Is:

    if errors.Is(err, core.ErrVersionConflict) { retry() }
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for malformed ids or missing fields.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated is returned when no acting identity can be resolved.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is returned when the actor lacks the required role or
	// acts outside ownership.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState is returned when a transition guard is violated.
	// Guard violations are caught before any write is attempted.
	ErrInvalidState = errors.New("invalid state")

	// ErrVersionConflict is returned when optimistic concurrency detects a
	// concurrent write. Safe to retry without re-validating intent.
	ErrVersionConflict = errors.New("version conflict")

	// ErrDependencyFailure is returned when the store is unavailable.
	// Surfaced, never retried by the core itself.
	ErrDependencyFailure = errors.New("dependency failure")
)

// =============================================================================
// STRUCTURED ERROR - Kind plus human-actionable message
// =============================================================================

// Error pairs a taxonomy kind with the message surfaced verbatim to callers.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgumentf(format string, args ...any) *Error {
	return newError(ErrInvalidArgument, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newError(ErrNotFound, format, args...)
}

func Unauthenticatedf(format string, args ...any) *Error {
	return newError(ErrUnauthenticated, format, args...)
}

func Forbiddenf(format string, args ...any) *Error {
	return newError(ErrForbidden, format, args...)
}

func InvalidStatef(format string, args ...any) *Error {
	return newError(ErrInvalidState, format, args...)
}

func VersionConflictf(format string, args ...any) *Error {
	return newError(ErrVersionConflict, format, args...)
}

func DependencyFailuref(format string, args ...any) *Error {
	return newError(ErrDependencyFailure, format, args...)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsClientError returns true if the error is due to invalid client input or
// an expected, recoverable guard violation.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthenticated)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
