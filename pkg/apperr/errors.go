// Package apperr holds the error taxonomy shared by every bounded context.
// Components wrap these sentinels with fmt.Errorf and callers classify with errors.Is.
package apperr

import (
	"context"
	"errors"
)

var (
	// ErrValidation marks bad input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrConcurrencyConflict is returned when an append is made against a stale version.
	// Callers reload and recompute their intent before trying again.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrPaymentDeclined       = errors.New("payment declined")
	// ErrTransient marks infrastructure failures that may succeed on retry.
	ErrTransient = errors.New("transient infrastructure error")
	// ErrReconciliationRequired marks an indeterminate outcome that must be resolved
	// before anything is compensated.
	ErrReconciliationRequired = errors.New("reconciliation required")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrNotFound               = errors.New("not found")
)

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsBusiness reports whether err is a business outcome that must fail fast.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrPaymentDeclined) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidQuantity)
}

// Transient wraps err as ErrTransient unless it already carries a classification.
// Context cancellation is passed through untouched.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || IsTransient(err) || IsBusiness(err) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	return errors.Join(ErrTransient, err)
}
