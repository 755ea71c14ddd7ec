// Package finance provides the monetary value type used for budgets, balances and escrow.
package finance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	// ErrNegativeAmount is returned when an amount below zero is supplied.
	ErrNegativeAmount = errors.New("finance: amount must not be negative")
	// ErrOverflow is returned when an addition would exceed the representable range.
	ErrOverflow = errors.New("finance: amount overflow")
	// ErrInsufficient is returned when a subtraction would go below zero.
	ErrInsufficient = errors.New("finance: insufficient amount")
)

// Amount is a non-negative value in minor units. Integer math only.
type Amount int64

// Validate checks that the amount is not negative.
func (a Amount) Validate() error {
	if a < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// Add returns a+other. Both operands must be valid.
func (a Amount) Add(other Amount) (Amount, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := other.Validate(); err != nil {
		return 0, err
	}
	if a > math.MaxInt64-other {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, other)
	}
	return a + other, nil
}

// Sub returns a-other, failing instead of going negative.
func (a Amount) Sub(other Amount) (Amount, error) {
	if err := other.Validate(); err != nil {
		return 0, err
	}
	if other > a {
		return 0, fmt.Errorf("%w: %d < %d", ErrInsufficient, a, other)
	}
	return a - other, nil
}

// String formats the amount in minor units.
func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// ParseAmount parses a non-negative decimal amount in minor units.
func ParseAmount(s string) (Amount, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("finance: invalid amount %q: %w", s, err)
	}
	a := Amount(v)
	if err := a.Validate(); err != nil {
		return 0, err
	}
	return a, nil
}

// IsZero returns true if the amount is 0.
func (a Amount) IsZero() bool {
	return a == 0
}

// IsPositive returns true if the amount is > 0.
func (a Amount) IsPositive() bool {
	return a > 0
}

// Sum adds all amounts, failing on the first invalid operand or overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return 0, err
		}
	}
	return total, nil
}
