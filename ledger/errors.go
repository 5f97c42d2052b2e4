/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The financial core is strict: every error here aborts the enclosing
  database transaction, so the caller sees a clear error instead of a
  partially written ledger.

ERROR CATEGORIES:
  1. NotFound - A referenced invoice, transaction, registration or request
     does not exist. Always a caller bug.
  2. InvalidState - The entity exists but the operation is not allowed in
     its current state (approving a decided request, duplicate import).
  3. InvariantViolation - The write would break a numeric invariant
     (credit notes above the invoice amount, negative provision).

USAGE:
  if errors.Is(err, ledger.ErrInvalidState) {
      // 409 to the operator
  }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not allowed in the
	// record's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvariantViolation is returned before any write that would break a
	// ledger invariant.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrDuplicateTransaction is returned when a bank line with the same file
	// and natural key was already imported.
	ErrDuplicateTransaction = fmt.Errorf("duplicate bank transaction: %w", ErrInvalidState)

	// ErrInvalidInput is returned for malformed operation arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "invoice", "transaction", ...
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError reports an operation attempted on a record in the wrong state.
type InvalidStateError struct {
	Kind  string
	ID    string
	State string
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %q", e.Op, e.Kind, e.ID, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InvariantError reports which invariant a write would have broken.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

func notFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to the caller's request
// rather than a storage failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvariantViolation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotFound)
}
