// Package amount provides integer base-unit arithmetic over shopspring/decimal.
//
// Every amount in the engine is a non-negative whole number of base units
// (wei-like). Division never rounds half-way: callers pick FloorDiv for
// amounts the market pays out and CeilDiv for amounts it collects.
package amount

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrInvalid is returned for negative or fractional amounts.
var ErrInvalid = errors.New("amount: must be a non-negative integer")

// Parse reads a base-unit amount from its decimal string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if err := Validate(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Validate checks that d is a whole, non-negative number.
func Validate(d decimal.Decimal) error {
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return fmt.Errorf("%w: %s", ErrInvalid, d.String())
	}
	return nil
}

// Units returns n whole tokens expressed in base units with the given decimals.
func Units(n int64, decimals int32) decimal.Decimal {
	return decimal.NewFromInt(n).Shift(decimals)
}

// BigInt converts an integer-valued decimal to *big.Int.
func BigInt(d decimal.Decimal) *big.Int {
	return d.BigInt()
}

// FromBigInt wraps an integer as a decimal.
func FromBigInt(b *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(b, 0)
}

// FloorDiv returns floor(a/b) for non-negative a and positive b.
func FloorDiv(a, b decimal.Decimal) decimal.Decimal {
	q := new(big.Int).Quo(a.BigInt(), b.BigInt())
	return FromBigInt(q)
}

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv(a, b decimal.Decimal) decimal.Decimal {
	q, r := new(big.Int).QuoRem(a.BigInt(), b.BigInt(), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return FromBigInt(q)
}

// MulDivFloor returns floor(a*b/c).
func MulDivFloor(a, b, c decimal.Decimal) decimal.Decimal {
	n := new(big.Int).Mul(a.BigInt(), b.BigInt())
	return FromBigInt(n.Quo(n, c.BigInt()))
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
