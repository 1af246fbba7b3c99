package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError is the caller's fault: malformed quantity, unknown unit,
// missing product. Rejected before any write.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Resource string `json:"resource"`
	Id       int    `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.Id)
}

// Shortfall reports one order line that cannot be covered by current stock,
// expressed in the unit the customer ordered in.
type Shortfall struct {
	ProductName string `json:"product_name"`
	Sku         string `json:"sku"`
	Needed      int64  `json:"needed"`
	Available   int64  `json:"available"`
	Unit        string `json:"unit"`
}

// InsufficientStockError is an expected business outcome, not a failure.
// Callers render the shortfall report to a human and may retry later.
type InsufficientStockError struct {
	Shortfalls []Shortfall `json:"shortfalls"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %d product(s)", len(e.Shortfalls))
}

// ConcurrencyConflict surfaces a retry budget exhausted on a unique-key
// collision (invoice numbering). The caller should re-invoke the whole
// operation.
type ConcurrencyConflict struct {
	Op       string `json:"op"`
	Attempts int    `json:"attempts"`
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts", e.Op, e.Attempts)
}

// TransactionAbortError wraps any unexpected failure inside the atomic
// fulfillment step. Nothing was committed.
type TransactionAbortError struct {
	Err error
}

func (e *TransactionAbortError) Error() string {
	return "fulfillment transaction aborted: " + e.Err.Error()
}

func (e *TransactionAbortError) Unwrap() error {
	return e.Err
}

// PresentationError is a post-commit failure (document rendering, cache
// refresh). The sale stands; presentation can be regenerated on demand.
type PresentationError struct {
	Stage string
	Err   error
}

func (e *PresentationError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *PresentationError) Unwrap() error {
	return e.Err
}
