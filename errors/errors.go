// Package errors provides error handling for storyscan.
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
//	// Check errors
//	if errors.Is(err, errors.ErrValidation) {
//	    // handle invalid input
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"strings"

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

	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors for the batch and proxy domain.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrValidation indicates malformed input (empty profile set, bad host/port,
	// duplicate proxy). No mutation has been performed.
	ErrValidation = New("validation failed")

	// ErrConflict indicates the single-running-batch invariant would be violated.
	// Carried by ConflictError, which names the batch(es) holding the running slot.
	ErrConflict = New("batch already running")

	// ErrNoProxyAvailable indicates the pool has no eligible proxy for a check.
	// Terminal for the current check; the retry policy does not retry it.
	ErrNoProxyAvailable = New("no proxy available")

	// ErrCanceled indicates explicit cancellation. Distinct from failure:
	// canceled checks never count toward a batch's failed counter.
	ErrCanceled = New("canceled")

	// ErrNotFound indicates the requested batch or proxy does not exist.
	ErrNotFound = New("not found")

	// ErrInfrastructure indicates a persistence or collaborator failure.
	// In-memory state remains authoritative when this is returned.
	ErrInfrastructure = New("infrastructure failure")
)

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsCanceledError checks if an error is or wraps ErrCanceled
func IsCanceledError(err error) bool {
	return err != nil && Is(err, ErrCanceled)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// ConflictError reports which batch(es) currently hold the running slot so
// callers can render "batch X is already running" rather than a generic error.
type ConflictError struct {
	RunningBatchIDs []string
}

// NewConflictError creates a ConflictError naming the running batch ids.
func NewConflictError(runningBatchIDs []string) *ConflictError {
	return &ConflictError{RunningBatchIDs: runningBatchIDs}
}

func (e *ConflictError) Error() string {
	return "batch already running: " + strings.Join(e.RunningBatchIDs, ", ")
}

// Unwrap makes errors.Is(err, ErrConflict) hold for ConflictError values.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
