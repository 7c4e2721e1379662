// Package fees splits trading fees between a tid's two entitlement records.
//
// The fee rate is 1/Denominator of the curve amount. Weights are percent
// shares of the fee pool. Fees are quantized into units of
// 1/(Denominator*parts) of the curve amount, where parts is the weight pair
// reduced by its gcd, so that both the creator:public ratio and the
// curve:fee ratio hold exactly in integers.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/amount"
)

var (
	// ErrInvalidSchedule is returned when weights do not sum to 100 or the
	// denominator is not positive.
	ErrInvalidSchedule = errors.New("fees: weights must be positive and sum to 100, denominator must be positive")
)

// Schedule configures the trading fee and its split.
type Schedule struct {
	Denominator   int64 `json:"denominator" mapstructure:"denominator"`
	CreatorWeight int64 `json:"creator_weight" mapstructure:"creator_weight"`
	PublicWeight  int64 `json:"public_weight" mapstructure:"public_weight"`
}

// Default is a 1% fee split 5/95 between the creator and public records.
var Default = Schedule{Denominator: 100, CreatorWeight: 5, PublicWeight: 95}

// Validate checks the schedule.
func (s Schedule) Validate() error {
	if s.Denominator <= 0 || s.CreatorWeight <= 0 || s.PublicWeight <= 0 ||
		s.CreatorWeight+s.PublicWeight != 100 {
		return ErrInvalidSchedule
	}
	return nil
}

// Split is the routing of one trade's payment-token flow.
type Split struct {
	Curve   decimal.Decimal `json:"curve"` // into (buy) or out of (sell) the reserve
	Creator decimal.Decimal `json:"creator"`
	Public  decimal.Decimal `json:"public"`
	Trader  decimal.Decimal `json:"trader"` // paid by (buy) or paid to (sell) the trader
}

// Fees returns the total fee.
func (s Split) Fees() decimal.Decimal {
	return s.Creator.Add(s.Public)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// unit returns the fee-unit divisor and the reduced weight pair.
func (s Schedule) unit() (div, wc, wp decimal.Decimal) {
	g := gcd(s.CreatorWeight, s.PublicWeight)
	c, p := s.CreatorWeight/g, s.PublicWeight/g
	return decimal.NewFromInt(s.Denominator * (c + p)), decimal.NewFromInt(c), decimal.NewFromInt(p)
}

// OnBuy splits a payment for minting at curve cost due. The unit count is
// rounded up, so the reserve receives at least due; the trader pays the
// curve share plus both fees.
func (s Schedule) OnBuy(due decimal.Decimal) Split {
	div, wc, wp := s.unit()
	n := amount.CeilDiv(due, div)
	sp := Split{
		Curve:   n.Mul(div),
		Creator: n.Mul(wc),
		Public:  n.Mul(wp),
	}
	sp.Trader = sp.Curve.Add(sp.Fees())
	return sp
}

// OnSell splits the curve value of a burn. The unit count is rounded down;
// the trader receives the residual, so the reserve pays out exactly value.
func (s Schedule) OnSell(value decimal.Decimal) Split {
	div, wc, wp := s.unit()
	n := amount.FloorDiv(value, div)
	sp := Split{
		Curve:   value,
		Creator: n.Mul(wc),
		Public:  n.Mul(wp),
	}
	sp.Trader = value.Sub(sp.Fees())
	return sp
}
