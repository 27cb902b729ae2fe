// Package money provides the exact-decimal arithmetic used across the
// settlement engine. All hours, rates, and amounts are shopspring decimals;
// float64 never touches a financial value.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Zero is the canonical zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string into a decimal, rejecting malformed input.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for test fixtures and constants. It panics on bad input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Ptr returns a pointer to d. Optional limits are represented as *decimal.Decimal
// where nil means "not set".
func Ptr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// PtrEqual reports whether two optional decimals are both nil or numerically equal.
func PtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// IsNegative reports whether the optional decimal is set and below zero.
func IsNegative(d *decimal.Decimal) bool {
	return d != nil && d.IsNegative()
}

// Mul multiplies a quantity by a rate. Kept as a named helper so every
// amount computation in the engine goes through one place.
func Mul(qty, rate decimal.Decimal) decimal.Decimal {
	return qty.Mul(rate)
}
