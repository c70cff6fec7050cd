/*
errors.go - Centralized error types for the booking engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages return these directly or wrap them with %w.

ERROR CATEGORIES:
  1. Conflict - Overlapping window on an active resource claim
  2. Insufficient credit - Debit larger than the balance
  3. Validation - Malformed input or a transition missing required fields
  4. Invariant violation - Ledger replay mismatch or negative balance (fatal)
  5. Store - Not found, duplicates, optimistic-lock failures

USAGE:
    var conflict *generic.ConflictError
    if errors.As(err, &conflict) {
        // conflict.Existing is the colliding window
    }

SEE ALSO:
  - conflict.go, ledger.go: Produce these errors
  - api/errors.go: Maps them to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConflict is returned when a window overlaps an active claim.
	ErrConflict = errors.New("booking conflict")

	// ErrInsufficientCredit is returned when a debit exceeds the balance.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("validation failed")

	// ErrInvariantViolation is returned when ledger state is inconsistent.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidTransition is returned when a state machine refuses a command.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError names the claim that collides with the requested window.
type ConflictError struct {
	Key        ResourceKey
	Requested  Window
	ExistingID string
	Existing   Window
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is already booked for %s (%s)", e.Key, e.Existing, e.ExistingID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InsufficientCreditError provides details about a balance shortage.
type InsufficientCreditError struct {
	UserID     UserID
	CreditType CreditType
	Available  int64
	Requested  int64
	Shortfall  int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient %s credit: available %d, requested %d, shortfall %d",
		e.CreditType, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// ValidationError describes one rejected input.
type ValidationError struct {
	Code    string // e.g. "invalid_window", "condition_out_required"
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvariantViolationError means persisted state broke a rule that must
// always hold. The triggering transaction is aborted.
type InvariantViolationError struct {
	What     string
	Expected string
	Actual   string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violated: %s (expected %s, got %s)", e.What, e.Expected, e.Actual)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// TransitionError names a refused state machine command.
type TransitionError struct {
	From    string
	Command string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s from %s", e.Command, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound returns a NotFoundError for the missing record.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ErrorCode returns a stable machine-readable code for err.
func ErrorCode(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return ve.Code
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	}
	return "internal"
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicate)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
