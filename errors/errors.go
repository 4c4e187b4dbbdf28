// Package errors provides error handling for postpulse.
//
// This package re-exports github.com/cockroachdb/errors so every package gets
// stack traces, wrapping, details and hints from a single import:
//
//	if err := store.CreateRun(ctx, r); err != nil {
//	    return errors.Wrap(err, "failed to create run")
//	}
//
//	// Attach context a reviewer can read with %+v
//	err = errors.WithDetail(err, fmt.Sprintf("Run ID: %s", r.ID))
//
//	// Check sentinels
//	if errors.Is(err, errors.ErrNotFound) { ... }
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

	// WithSecondaryError keeps a cleanup failure (rollback, close) attached
	// to the primary error without changing its message.
	WithSecondaryError = crdb.WithSecondaryError
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Mark attaches a sentinel to err so errors.Is(err, sentinel) holds without
// changing the message.
var Mark = crdb.Mark

// Sentinel errors shared across packages. Wrap them to add context while
// keeping errors.Is checks working.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input (bad cron, missing template...)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a uniqueness or concurrent-update conflict
	ErrConflict = New("conflict")

	// ErrInvalidTransition indicates a state change the job or run state machine forbids
	ErrInvalidTransition = New("invalid state transition")

	// ErrSessionUnavailable indicates the user's platform session cannot be used
	ErrSessionUnavailable = New("session unavailable")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequest reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
