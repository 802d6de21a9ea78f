package ledger

import (
	"errors"
	"fmt"
)

// creditEpsilon defines a tolerance for balance comparisons.
const creditEpsilon = 0.000001

var (
	// ErrAccountNotFound reports an unknown account ID.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInvalidAmount reports a negative amount passed to a balance operation.
	ErrInvalidAmount = errors.New("ledger: amount must not be negative")
	// ErrInsufficientCredits is the sentinel matched by errors.Is for
	// InsufficientCreditsError values.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
)

// InsufficientCreditsError reports a deduction that would break the reserve
// floor, with the balances needed to explain the rejection to the caller.
type InsufficientCreditsError struct {
	Balance   float64
	Requested float64
	Reserve   float64
}

func (e *InsufficientCreditsError) Error() string {
	if e == nil {
		return ErrInsufficientCredits.Error()
	}
	return fmt.Sprintf("ledger: insufficient credits: balance=%.10g requested=%.10g reserve=%.10g", e.Balance, e.Requested, e.Reserve)
}

// Is matches the ErrInsufficientCredits sentinel.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}
