package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the queue, the executor and the API.
// Business-rule rejections and system faults both end up on a job's Result.
var (
	ErrValidation           = errors.New("validation error")
	ErrInvalidSchedule      = fmt.Errorf("invalid schedule: %w", ErrValidation)
	ErrNotFound             = errors.New("not found")
	ErrNoSuchUser           = fmt.Errorf("no such user: %w", ErrNotFound)
	ErrNoSuchHolding        = fmt.Errorf("no such holding: %w", ErrNotFound)
	ErrJobNotFound          = fmt.Errorf("job not found: %w", ErrNotFound)
	ErrAlreadyDispatched    = fmt.Errorf("job has no occurrence left to reschedule: %w", ErrNotFound)
	ErrUnauthenticated      = errors.New("not authenticated")
	ErrNotOwner             = fmt.Errorf("job belongs to another user: %w", ErrUnauthenticated)
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrPriceUnavailable     = errors.New("price unavailable")
	ErrStore                = errors.New("store error")
)

// Error kinds as reported on Result.Error and in API envelopes.
const (
	KindValidation           = "ValidationError"
	KindNotFound             = "NotFoundError"
	KindAuth                 = "AuthError"
	KindInsufficientFunds    = "InsufficientFundsError"
	KindInsufficientHoldings = "InsufficientHoldingsError"
	KindPriceUnavailable     = "PriceUnavailableError"
	KindStore                = "StoreError"
)

// ErrorKind maps err onto the taxonomy. Unknown errors are store faults:
// anything that is not a recognised rejection is treated as a system fault.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthenticated):
		return KindAuth
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrInsufficientHoldings):
		return KindInsufficientHoldings
	case errors.Is(err, ErrPriceUnavailable):
		return KindPriceUnavailable
	default:
		return KindStore
	}
}

// IsSystemFault reports whether kind is a fault rather than a business rejection.
func IsSystemFault(kind string) bool {
	return kind == KindStore || kind == KindPriceUnavailable
}
