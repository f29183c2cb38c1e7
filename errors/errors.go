// Package errors provides error handling for ADE.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Add hints for users
//	return errors.WithHint(err, "try increasing the timeout")
//
//	// Check errors
//	if errors.Is(err, sql.ErrNoRows) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors for the build/run orchestration core.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrBackpressure indicates the admission queue is at capacity.
	// The caller should retry later; no state was created.
	ErrBackpressure = New("admission queue full")

	// ErrEnvironmentNotReady indicates a run was submitted against a
	// build that is not active.
	ErrEnvironmentNotReady = New("environment not ready")

	// ErrTimeout indicates a job exceeded its wall-clock timeout.
	ErrTimeout = New("job timed out")

	// ErrResourceLimit indicates an OS resource ceiling was tripped
	// (CPU time, memory, or output file size).
	ErrResourceLimit = New("resource limit exceeded")

	// ErrCanceled indicates the job was canceled by the user.
	ErrCanceled = New("job canceled")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid.
	ErrInvalidRequest = New("invalid request")

	// ErrInvalidTransition indicates a status transition that the
	// build/run state machine does not allow.
	ErrInvalidTransition = New("invalid status transition")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}
