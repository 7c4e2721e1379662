// Package curve implements the bonding curve that prices every tid.
//
// The instantaneous price at supply x is
//
//	P(x) = K / (S - x)^2
//
// where S is the supply ceiling. The cost of moving supply from b to b+a is
// the integral of P over that range:
//
//	cost(b, a) = K/(S-b-a) - K/(S-b)
//
// Both reciprocals are truncated before subtracting, so costs over adjacent
// ranges telescope: cost(b, x) + cost(b+x, y) == cost(b, x+y) exactly for
// every split point. Buys, sells and the leveraged position operations all
// price through Cost, in both directions.
//
// The curve is stateless: supply is passed in, never stored.
package curve

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/amount"
)

var (
	// ErrSupplyCeilingReached is returned when a range touches or crosses S.
	ErrSupplyCeilingReached = errors.New("curve: supply ceiling reached")

	// ErrInvalidAmount is returned for negative or fractional inputs.
	ErrInvalidAmount = errors.New("curve: amounts must be non-negative integers")

	// ErrInvalidDecimals is returned for a payment asset with more than 18 decimals.
	ErrInvalidDecimals = errors.New("curve: payment decimals must be between 0 and 18")
)

// TokenDecimals is the fixed-point precision of every tid's supply.
const TokenDecimals int32 = 18

var (
	// SupplyCeiling is 1,000,000 whole tokens.
	SupplyCeiling = amount.Units(1_000_000, TokenDecimals)

	// nativeK prices in an 18-decimal payment asset.
	nativeK = amount.Units(1, 45)

	oneToken = amount.Units(1, TokenDecimals)
)

// Curve prices supply changes for one payment asset.
type Curve struct {
	s        *big.Int
	k        *big.Int
	decimals int32
}

// NewNative returns the curve denominated in the chain's native 18-decimal asset.
func NewNative() *Curve {
	return &Curve{
		s:        SupplyCeiling.BigInt(),
		k:        nativeK.BigInt(),
		decimals: 18,
	}
}

// NewToken returns the curve denominated in a fungible payment token with the
// given decimals. The scale constant is normalized so that whole-token prices
// match the native curve.
func NewToken(decimals int32) (*Curve, error) {
	if decimals < 0 || decimals > 18 {
		return nil, ErrInvalidDecimals
	}
	k := nativeK.Shift(decimals - 18)
	return &Curve{
		s:        SupplyCeiling.BigInt(),
		k:        k.BigInt(),
		decimals: decimals,
	}, nil
}

// PaymentDecimals returns the decimals of the payment asset.
func (c *Curve) PaymentDecimals() int32 {
	return c.decimals
}

// Ceiling returns the supply ceiling S.
func (c *Curve) Ceiling() decimal.Decimal {
	return amount.FromBigInt(c.s)
}

// reciprocal returns floor(K / (S - x)), failing when x >= S.
func (c *Curve) reciprocal(x *big.Int) (*big.Int, error) {
	dist := new(big.Int).Sub(c.s, x)
	if dist.Sign() <= 0 {
		return nil, ErrSupplyCeilingReached
	}
	return dist.Quo(c.k, dist), nil
}

// Cost returns the payment-token cost of moving supply from begin to
// begin+amt. Selling amt tokens at supply s returns Cost(s-amt, amt).
func (c *Curve) Cost(begin, amt decimal.Decimal) (decimal.Decimal, error) {
	if amount.Validate(begin) != nil || amount.Validate(amt) != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	b := begin.BigInt()
	end := new(big.Int).Add(b, amt.BigInt())

	hi, err := c.reciprocal(end)
	if err != nil {
		return decimal.Zero, err
	}
	lo, err := c.reciprocal(b)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.FromBigInt(hi.Sub(hi, lo)), nil
}

// Price returns the instantaneous price of one whole token at the given
// supply: K * 10^18 / (S - supply)^2, truncated.
func (c *Curve) Price(supply decimal.Decimal) (decimal.Decimal, error) {
	if amount.Validate(supply) != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	dist := new(big.Int).Sub(c.s, supply.BigInt())
	if dist.Sign() <= 0 {
		return decimal.Zero, ErrSupplyCeilingReached
	}
	num := new(big.Int).Mul(c.k, oneToken.BigInt())
	den := new(big.Int).Mul(dist, dist)
	return amount.FromBigInt(num.Quo(num, den)), nil
}

// MaxBuyable returns the largest amount that can still be minted at supply.
func (c *Curve) MaxBuyable(supply decimal.Decimal) decimal.Decimal {
	left := amount.FromBigInt(c.s).Sub(supply).Sub(decimal.NewFromInt(1))
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}
