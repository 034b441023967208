/*
money.go - Integer minor-unit money

PURPOSE:
  Every monetary value in the engine is an int64 count of paise. Floating
  point never touches a balance. Decimal is only used at the edges: parsing
  rupee strings from clients and formatting amounts for humans.

EXAMPLE:
  m, _ := ParseRupees("1000.50")   // Money(100050)
  m.String()                        // "₹1000.50"

SEE ALSO:
  - ledger.go: LedgerLine amounts
  - wallet.go: Wallet balances
*/
package finance

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var maxPaise = decimal.NewFromInt(math.MaxInt64)

// Money is an amount in paise (1 rupee = 100 paise).
type Money int64

const paisePerRupee = 100

// Rupees builds Money from a whole-rupee amount.
func Rupees(r int64) Money {
	return Money(r * paisePerRupee)
}

// ParseRupees parses a decimal rupee string ("1000", "12.5", "0.01").
// More than two fractional digits is rejected rather than rounded, as is
// anything that does not fit in int64 paise.
func ParseRupees(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, ErrInvalidAmount)
	}
	paise := d.Shift(2)
	if !paise.IsInteger() {
		return 0, fmt.Errorf("amount %q has sub-paise precision: %w", s, ErrInvalidAmount)
	}
	if paise.IsNegative() || paise.GreaterThan(maxPaise) {
		return 0, fmt.Errorf("amount %q out of range: %w", s, ErrInvalidAmount)
	}
	return Money(paise.IntPart()), nil
}

// Decimal returns the amount in rupees.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

func (m Money) String() string {
	return "₹" + m.Decimal().StringFixed(2)
}

func (m Money) IsPositive() bool { return m > 0 }

// MinMoney returns the smaller of a and b.
func MinMoney(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// SumMoney adds all amounts.
func SumMoney(amounts ...Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}
