/*
errors.go - Centralized error types for the credit engine

ERROR CATEGORIES:
  1. Validation errors (ArgumentError) - malformed calculator input, empty
     justification, invalid drafts. Never retried.
  2. State errors (OperationError) - illegal transitions, insufficient quota,
     creation blocked by prevalidation. Carry the reason list.
  3. Concurrency conflicts - stale Version on update. Reload and retry.
  4. Not found - state machine operations report these as (false, nil);
     stores return the sentinels below.

USAGE:
  ok, err := svc.Confirm(ctx, id)
  switch {
  case errors.Is(err, credit.ErrConcurrentModification):
      // reload and retry
  case errors.Is(err, credit.ErrInvalidOperation):
      // show err.Error() to the operator
  }

SEE ALSO:
  - sale.go: Produces OperationError for every illegal transition
  - ledger.go: Produces InsufficientQuotaError
*/
package credit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is the root of every ArgumentError.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidOperation is the root of every OperationError.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrConcurrentModification is returned when the stored Version no longer
	// matches the one that was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInsufficientQuota is returned when a consume exceeds the available balance.
	ErrInsufficientQuota = errors.New("cupo insuficiente")

	ErrSaleNotFound    = errors.New("sale not found")
	ErrAccountNotFound = errors.New("credit account not found")
	ErrClientNotFound  = errors.New("client not found")

	// ErrDuplicateIdempotencyKey is returned when a quota movement with the same
	// key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrUnsupportedPlanVersion is returned when a stored credit plan carries a
	// schema version this build does not know.
	ErrUnsupportedPlanVersion = errors.New("unsupported credit plan version")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ArgumentError reports malformed input.
type ArgumentError struct {
	Field   string
	Message string
}

func (e *ArgumentError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

func argumentError(field, format string, args ...any) error {
	return &ArgumentError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// OperationError reports an operation that is not legal in the current state.
type OperationError struct {
	Op      string
	Reasons []string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, strings.Join(e.Reasons, "; "))
}

func (e *OperationError) Unwrap() error {
	return ErrInvalidOperation
}

func operationError(op string, reasons ...string) error {
	return &OperationError{Op: op, Reasons: reasons}
}

// InsufficientQuotaError provides details about a quota shortfall.
type InsufficientQuotaError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("cupo insuficiente en la cuenta %s: disponible %s, solicitado %s",
		e.AccountID, FormatAmount(e.Available), FormatAmount(e.Requested))
}

// Unwrap lets callers match both the specific and the state-error sentinel.
func (e *InsufficientQuotaError) Unwrap() []error {
	return []error{ErrInsufficientQuota, ErrInvalidOperation}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed after a reload.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to input or state the caller controls.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidOperation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSaleNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrClientNotFound)
}
