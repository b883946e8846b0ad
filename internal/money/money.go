// Package money holds the amount comparisons shared by every analyzer.
// Amounts are signed: positive is a debit (expense), negative a credit (income).
package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Epsilon is the cent-level tolerance used for every amount comparison.
var Epsilon = decimal.New(1, -2)

// Zero is a convenience zero amount.
var Zero = decimal.Zero

// Equal reports whether a and b are within one cent of each other (strictly).
func Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(Epsilon)
}

// Differs reports whether a and b are more than one cent apart.
func Differs(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().GreaterThan(Epsilon)
}

// Mirrored reports whether a and b have the same magnitude within tolerance
// and opposite, non-zero signs.
func Mirrored(a, b decimal.Decimal) bool {
	if a.Sign() == 0 || b.Sign() == 0 || a.Sign() == b.Sign() {
		return false
	}
	return Equal(a.Abs(), b.Abs())
}

// IsDebit reports an expense-direction amount.
func IsDebit(a decimal.Decimal) bool {
	return a.IsPositive()
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	return decimal.Sum(Zero, amounts...)
}

// Mean returns the arithmetic mean, zero for an empty slice.
func Mean(amounts []decimal.Decimal) decimal.Decimal {
	if len(amounts) == 0 {
		return Zero
	}
	return Sum(amounts...).Div(decimal.NewFromInt(int64(len(amounts)))).Round(2)
}

// FromRat converts a NUMERIC value read from storage. A nil value is zero.
func FromRat(r *big.Rat) decimal.Decimal {
	if r == nil {
		return Zero
	}
	return decimal.NewFromBigRat(r, 9)
}

// ToRat converts an amount for NUMERIC columns.
func ToRat(d decimal.Decimal) *big.Rat {
	return d.Rat()
}

// Parse reads an amount from its decimal string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("Parse: invalid amount %q: %w", s, err)
	}
	return d, nil
}
