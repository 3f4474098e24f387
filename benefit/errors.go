/*
errors.go - Error taxonomy shared by the ledger, registry and settlement

PURPOSE:
  Every mutating operation returns a typed error so callers can tell a
  rejected request from an outcome they could not observe. The same taxonomy
  is carried over HTTP as a stable Kind string and rebuilt by clients.

ERROR CATEGORIES:
  ValidationError         non-positive amount, unknown category, bad paymentDay
  NotFoundError           wallet, program, assignment, establishment absent
  AuthorizationError      role or company mismatch
  InsufficientFundsError  wallet category balance or funding pool too low
  DuplicateOperationError idempotency key already applied (no-op success)
  StateError              illegal status transition, fenced operation
  UnknownOutcomeError     reply of a cross-service call was never observed

USAGE:
  if errors.Is(err, benefit.ErrDuplicateOperation) {
      // already applied, safe to treat as success
  }
*/
package benefit

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateOperation = errors.New("duplicate operation")
	ErrInvalidState       = errors.New("invalid state")

	// ErrOutcomeUnknown means a side-effecting call may or may not have been
	// applied. Callers must inspect the ledger by idempotency key before retrying.
	ErrOutcomeUnknown = errors.New("outcome unknown")

	// ErrOperationFenced is returned when an operation carries a key that was
	// fenced by a compensation step.
	ErrOperationFenced = fmt.Errorf("%w: operation fenced", ErrInvalidState)
)

// =============================================================================
// KIND - Stable wire identifier for each category
// =============================================================================

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindDuplicate         Kind = "duplicate_operation"
	KindInvalidState      Kind = "invalid_state"
	KindOutcomeUnknown    Kind = "outcome_unknown"
	KindInternal          Kind = "internal"
)

var kindSentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindNotFound:          ErrNotFound,
	KindUnauthorized:      ErrUnauthorized,
	KindInsufficientFunds: ErrInsufficientFunds,
	KindDuplicate:         ErrDuplicateOperation,
	KindInvalidState:      ErrInvalidState,
	KindOutcomeUnknown:    ErrOutcomeUnknown,
}

// KindOf classifies err. Context expiry counts as an unknown outcome because
// the callee may have applied the operation before the caller gave up.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrDuplicateOperation):
		return KindDuplicate
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrOutcomeUnknown),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindOutcomeUnknown
	default:
		return KindInternal
	}
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Resource string // "wallet", "program", "assignment", "establishment", "payment"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type AuthorizationError struct {
	Caller PrincipalID
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("unauthorized %s: %s", e.Caller, e.Reason)
}
func (e *AuthorizationError) Unwrap() error { return ErrUnauthorized }

// InsufficientFundsError describes a wallet-category or funding-pool shortage.
type InsufficientFundsError struct {
	Holder    string // wallet owner or company id
	Category  Category
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Shortfall() Amount { return e.Requested - e.Available }

func (e *InsufficientFundsError) Error() string {
	scope := e.Holder
	if e.Category != "" {
		scope = fmt.Sprintf("%s/%s", e.Holder, e.Category)
	}
	return fmt.Sprintf("insufficient funds for %s: available %s, requested %s, shortfall %s",
		scope, e.Available, e.Requested, e.Shortfall())
}
func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// DuplicateOperationError is returned alongside the original result when an
// idempotency key was already applied. It is a no-op success.
type DuplicateOperationError struct {
	Key           string
	TransactionID string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("operation %s already applied as %s", e.Key, e.TransactionID)
}
func (e *DuplicateOperationError) Unwrap() error { return ErrDuplicateOperation }

type StateError struct {
	Resource string
	ID       string
	From     string
	To       string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Resource, e.ID, e.From, e.To)
}
func (e *StateError) Unwrap() error { return ErrInvalidState }

// UnknownOutcomeError wraps the transport failure that hid the reply.
type UnknownOutcomeError struct {
	Operation string
	Key       string
	Err       error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("outcome of %s (key %q) unknown: %v", e.Operation, e.Key, e.Err)
}
func (e *UnknownOutcomeError) Unwrap() []error { return []error{ErrOutcomeUnknown, e.Err} }

// RemoteError rebuilds a typed error from a Kind received over the wire.
type RemoteError struct {
	Kind    Kind
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	if s, ok := kindSentinels[e.Kind]; ok {
		return s
	}
	return nil
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool  { return errors.Is(err, ErrNotFound) }
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicateOperation) }

// IsOutcomeUnknown returns true when the caller cannot tell whether the
// operation was applied.
func IsOutcomeUnknown(err error) bool { return KindOf(err) == KindOutcomeUnknown }

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindUnauthorized, KindInsufficientFunds, KindInvalidState:
		return true
	}
	return false
}
