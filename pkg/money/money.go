// Package money holds the integer monetary amount used throughout billing.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by Amount.
const Scale = 6

// Unit is one major currency unit ($1.00) expressed as an Amount.
const Unit Amount = 1_000_000

// Amount is a monetary value in micro-units of the major currency unit.
// All billing arithmetic is integer-only.
type Amount int64

// Parse reads a decimal string such as "0.0002" or "12.5". Precision beyond Scale is rejected.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	scaled := d.Shift(Scale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("money: %q has more than %d decimal places", s, Scale)
	}
	if !scaled.IsInteger() || scaled.Abs().GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("money: %q out of range", s)
	}
	return Amount(scaled.IntPart()), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal converts the amount into a decimal in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// String renders the amount in major units without trailing zeros, e.g. "0.0002".
func (a Amount) String() string {
	return a.Decimal().String()
}

// Fixed renders the amount with exactly places decimals, rounding half away from zero.
func (a Amount) Fixed(places int32) string {
	return a.Decimal().StringFixed(places)
}

// MulBasisPoints applies a ratio expressed in basis points (10000 = 1:1), truncating toward zero.
func (a Amount) MulBasisPoints(bps int64) Amount {
	return Amount(int64(a) * bps / 10000)
}

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsNegative() bool { return a < 0 }
