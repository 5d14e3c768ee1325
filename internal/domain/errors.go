package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every typed error below matches exactly one of these
// through errors.Is.
var (
	// ErrValidation is returned for malformed input. Nothing has been written.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock is returned when a movement would take stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrCreditLimitExceeded is returned when a new debt would push a customer
	// past a hard credit limit.
	ErrCreditLimitExceeded = errors.New("credit limit exceeded")

	// ErrOverpayment is returned when a payment exceeds the remaining principal.
	ErrOverpayment = errors.New("payment exceeds remaining debt")

	// ErrConcurrencyConflict is transient; the caller may retry unchanged.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrVoidNotAllowed is returned when a sale cannot be voided automatically.
	ErrVoidNotAllowed = errors.New("void not allowed")

	// ErrPostingFailed is returned after partial writes of a posting were rolled back.
	ErrPostingFailed = errors.New("posting failed")

	ErrForbidden = errors.New("forbidden")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// LineError is a ValidationError scoped to one checkout line (zero-based).
type LineError struct {
	Line      int
	ProductID string
	Reason    string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d (%s): %s", e.Line, e.ProductID, e.Reason)
}

func (e *LineError) Unwrap() error { return ErrValidation }

type InsufficientStockError struct {
	ShopID    string
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s in shop %s: requested %d, available %d",
		e.ProductID, e.ShopID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type CreditLimitExceededError struct {
	CustomerID       string
	LimitCents       int64
	OutstandingCents int64
	RequestedCents   int64
}

func (e *CreditLimitExceededError) Error() string {
	return fmt.Sprintf("credit limit exceeded for customer %s: outstanding %d + requested %d > limit %d",
		e.CustomerID, e.OutstandingCents, e.RequestedCents, e.LimitCents)
}

func (e *CreditLimitExceededError) Unwrap() error { return ErrCreditLimitExceeded }

type OverpaymentError struct {
	DebtID         string
	RemainingCents int64
	AttemptedCents int64
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %d exceeds remaining %d on debt %s", e.AttemptedCents, e.RemainingCents, e.DebtID)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpayment }

// ConcurrencyConflictError reports a lock or serialization failure on Resource.
type ConcurrencyConflictError struct {
	Resource string
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrency conflict on %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("concurrency conflict on %s", e.Resource)
}

func (e *ConcurrencyConflictError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConcurrencyConflict}
	}
	return []error{ErrConcurrencyConflict, e.Err}
}

type VoidNotAllowedError struct {
	SaleID string
	DebtID string
	Reason string
}

func (e *VoidNotAllowedError) Error() string {
	if e.DebtID != "" {
		return fmt.Sprintf("sale %s cannot be voided: %s (debt %s)", e.SaleID, e.Reason, e.DebtID)
	}
	return fmt.Sprintf("sale %s cannot be voided: %s", e.SaleID, e.Reason)
}

func (e *VoidNotAllowedError) Unwrap() error { return ErrVoidNotAllowed }

// PostingFailedError wraps an unexpected failure inside the posting step.
// Partial writes were compensated before it was returned.
type PostingFailedError struct {
	SaleID string
	Step   string
	Err    error
}

func (e *PostingFailedError) Error() string {
	return fmt.Sprintf("posting sale %s failed at %s: %v", e.SaleID, e.Step, e.Err)
}

func (e *PostingFailedError) Unwrap() []error {
	return []error{ErrPostingFailed, e.Err}
}

// IsRetryable reports whether the caller may retry the same request unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsPolicyRejection reports errors that leave no partial state and need a
// different request rather than a retry.
func IsPolicyRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrCreditLimitExceeded) ||
		errors.Is(err, ErrOverpayment) ||
		errors.Is(err, ErrVoidNotAllowed)
}
