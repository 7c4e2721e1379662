package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/amount"
	"github.com/tidmarket/market-engine/internal/fees"
	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/store"
)

// Quote is a read-only preview of a trade at the current supply.
type Quote struct {
	Tid    string          `json:"tid"`
	Amount decimal.Decimal `json:"amount"`
	Supply decimal.Decimal `json:"supply"`
	Split  fees.Split      `json:"split"`
	Owed   decimal.Decimal `json:"owed,omitempty"`   // debt a position would carry
	Charge decimal.Decimal `json:"charge,omitempty"` // payment taken from the caller for leverage
}

// quoteState reads a token and its fee schedule outside the ledger lock.
func (l *Ledger) quoteState(ctx context.Context, tidStr string) (*model.Token, fees.Schedule, error) {
	tx := newTxn(ctx, l.store, l.clock())
	tok, err := tx.token(tidStr)
	if err != nil {
		return nil, fees.Schedule{}, err
	}
	sched, err := l.schedule(tx, tidStr)
	if err != nil {
		return nil, fees.Schedule{}, err
	}
	return tok, sched, nil
}

// Price returns the instantaneous price of one whole token of tid.
func (l *Ledger) Price(ctx context.Context, tidStr string) (decimal.Decimal, error) {
	tok, err := l.Token(ctx, tidStr)
	if err != nil {
		return decimal.Zero, err
	}
	return l.pricing.Price(tok.Supply)
}

// QuoteBuy previews Buy.
func (l *Ledger) QuoteBuy(ctx context.Context, tidStr string, amt decimal.Decimal) (*Quote, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	tok, sched, err := l.quoteState(ctx, tidStr)
	if err != nil {
		return nil, err
	}
	due, err := l.pricing.Cost(tok.Supply, amt)
	if err != nil {
		return nil, err
	}
	return &Quote{Tid: tidStr, Amount: amt, Supply: tok.Supply, Split: sched.OnBuy(due)}, nil
}

// QuoteSell previews Sell.
func (l *Ledger) QuoteSell(ctx context.Context, tidStr string, amt decimal.Decimal) (*Quote, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	tok, sched, err := l.quoteState(ctx, tidStr)
	if err != nil {
		return nil, err
	}
	if amt.GreaterThan(tok.Supply) {
		return nil, fmt.Errorf("%w: sell %s, supply %s", ErrExcessAmount, amt, tok.Supply)
	}
	value, err := l.pricing.Cost(tok.Supply.Sub(amt), amt)
	if err != nil {
		return nil, err
	}
	return &Quote{Tid: tidStr, Amount: amt, Supply: tok.Supply, Split: sched.OnSell(value)}, nil
}

// QuoteMortgage previews Mortgage: the loan equals the curve value.
func (l *Ledger) QuoteMortgage(ctx context.Context, tidStr string, amt decimal.Decimal) (*Quote, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	tok, err := l.Token(ctx, tidStr)
	if err != nil {
		return nil, err
	}
	if amt.GreaterThan(tok.Supply) {
		return nil, fmt.Errorf("%w: mortgage %s, supply %s", ErrExcessAmount, amt, tok.Supply)
	}
	loan, err := l.pricing.Cost(tok.Supply.Sub(amt), amt)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Tid:    tidStr,
		Amount: amt,
		Supply: tok.Supply,
		Split:  fees.Split{Curve: loan, Trader: loan},
		Owed:   loan,
	}, nil
}

// QuoteMultiply previews Multiply.
func (l *Ledger) QuoteMultiply(ctx context.Context, tidStr string, amt decimal.Decimal) (*Quote, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	tok, sched, err := l.quoteState(ctx, tidStr)
	if err != nil {
		return nil, err
	}
	return multiplyQuote(l.pricing, sched, tok, amt)
}

func multiplyQuote(pricing Pricing, sched fees.Schedule, tok *model.Token, amt decimal.Decimal) (*Quote, error) {
	due, err := pricing.Cost(tok.Supply, amt)
	if err != nil {
		return nil, err
	}
	sp := sched.OnBuy(due)
	return &Quote{
		Tid:    tok.Tid,
		Amount: amt,
		Supply: tok.Supply,
		Split:  sp,
		Owed:   due,
		Charge: sp.Trader.Sub(due),
	}, nil
}

// QuoteMultiplyBudget finds the largest multiply amount whose charge fits
// within budget, by binary search over the mintable range. The charge is
// not strictly monotone in the amount (fee units are rounded up), so the
// result is the largest amount found on the search path, not necessarily
// the global maximum. Returns a zero-amount quote when nothing fits.
func (l *Ledger) QuoteMultiplyBudget(ctx context.Context, tidStr string, budget decimal.Decimal) (*Quote, error) {
	if err := nonNegative(budget); err != nil {
		return nil, err
	}
	tok, sched, err := l.quoteState(ctx, tidStr)
	if err != nil {
		return nil, err
	}

	fits := func(amt decimal.Decimal) (*Quote, bool) {
		q, err := multiplyQuote(l.pricing, sched, tok, amt)
		if err != nil {
			return nil, false
		}
		return q, !q.Charge.GreaterThan(budget)
	}

	one := decimal.NewFromInt(1)
	lo, hi := decimal.Zero, l.pricing.MaxBuyable(tok.Supply)
	best := &Quote{Tid: tidStr, Supply: tok.Supply}
	for lo.LessThan(hi) {
		mid := amount.CeilDiv(lo.Add(hi), decimal.NewFromInt(2))
		if q, ok := fits(mid); ok {
			lo, best = mid, q
		} else {
			hi = mid.Sub(one)
		}
	}
	return best, nil
}

// --- Reads ---

// Token returns a tid's market entry.
func (l *Ledger) Token(ctx context.Context, tidStr string) (*model.Token, error) {
	tok, err := l.store.GetToken(ctx, tidStr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTid, tidStr)
	}
	return tok, err
}

// Tokens lists every tid, newest first.
func (l *Ledger) Tokens(ctx context.Context) ([]model.Token, error) {
	return l.store.ListTokens(ctx)
}

// Balance returns a holder's spendable balance of tid.
func (l *Ledger) Balance(ctx context.Context, tidStr string, holder model.Address) (decimal.Decimal, error) {
	if _, err := l.Token(ctx, tidStr); err != nil {
		return decimal.Zero, err
	}
	return l.store.GetHolding(ctx, tidStr, holder)
}

// CashBalance returns an address's payment-token balance.
func (l *Ledger) CashBalance(ctx context.Context, addr model.Address) (decimal.Decimal, error) {
	return l.store.GetAccount(ctx, addr)
}

// Position returns an open position.
func (l *Ledger) Position(ctx context.Context, id string) (*model.Position, error) {
	p, err := l.store.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	return p, err
}

// Entitlements returns a tid's entitlement records.
func (l *Ledger) Entitlements(ctx context.Context, tidStr string) ([]model.Entitlement, error) {
	if _, err := l.Token(ctx, tidStr); err != nil {
		return nil, err
	}
	return l.store.ListEntitlements(ctx, tidStr)
}

// Escrow returns a tid's escrow entry.
func (l *Ledger) Escrow(ctx context.Context, tidStr string) (*model.Escrow, error) {
	e, err := l.store.GetEscrow(ctx, tidStr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotEscrowed, tidStr)
	}
	return e, err
}

// History returns a tid's events in commit order.
func (l *Ledger) History(ctx context.Context, tidStr string) ([]model.Event, error) {
	return l.store.ListEvents(ctx, tidStr)
}

// Activity returns an address's events in commit order.
func (l *Ledger) Activity(ctx context.Context, addr model.Address) ([]model.Event, error) {
	return l.store.ListEventsByActor(ctx, addr)
}

// Portfolio aggregates an address's cash, holdings and open positions. The
// value of each holding is its curve sell value at the current supply,
// before fees.
func (l *Ledger) Portfolio(ctx context.Context, addr model.Address) (*model.Portfolio, error) {
	cash, err := l.store.GetAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	holdings, err := l.store.ListHoldings(ctx, addr)
	if err != nil {
		return nil, err
	}
	positions, err := l.store.ListPositions(ctx, addr)
	if err != nil {
		return nil, err
	}

	pf := &model.Portfolio{
		Address:   addr,
		Cash:      cash,
		Holdings:  holdings,
		Positions: positions,
		Value:     decimal.Zero,
		Debt:      decimal.Zero,
	}
	for _, h := range holdings {
		tok, err := l.store.GetToken(ctx, h.Tid)
		if err != nil {
			return nil, err
		}
		v, err := l.pricing.Cost(tok.Supply.Sub(h.Balance), h.Balance)
		if err != nil {
			return nil, err
		}
		pf.Value = pf.Value.Add(v)
	}
	for _, p := range positions {
		pf.Debt = pf.Debt.Add(p.Owed)
	}
	return pf, nil
}
