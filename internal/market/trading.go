package market

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/amount"
	"github.com/tidmarket/market-engine/internal/fees"
	"github.com/tidmarket/market-engine/internal/model"
)

// checkMax fails when total exceeds a caller's limit. A zero limit means
// no limit.
func checkMax(total, limit decimal.Decimal) error {
	if limit.IsPositive() && total.GreaterThan(limit) {
		return fmt.Errorf("%w: cost %s exceeds max %s", ErrSlippage, total, limit)
	}
	return nil
}

// payout moves value out of the reserve. A payout the reserve cannot cover
// would mean the ledger is insolvent; it is refused rather than clamped.
func payout(tok *model.Token, value decimal.Decimal) error {
	if value.GreaterThan(tok.Reserve) {
		return fmt.Errorf("%w: reserve %s, payout %s", ErrInsolvent, tok.Reserve, value)
	}
	tok.Reserve = tok.Reserve.Sub(value)
	return nil
}

// --- Buy / Sell ---

// Buy mints amt tokens to the caller at the curve cost plus fees. The
// caller pays curve share and fees; nothing is debited on failure.
func (l *Ledger) Buy(ctx context.Context, caller model.Address, tidStr string, amt, maxPayment decimal.Decimal) (*Receipt, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "buy", func(tx *txn) error {
		var err error
		rc, err = l.buy(tx, caller, tidStr, amt, maxPayment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (l *Ledger) buy(tx *txn, caller model.Address, tidStr string, amt, maxPayment decimal.Decimal) (*Receipt, error) {
	tok, err := tx.token(tidStr)
	if err != nil {
		return nil, err
	}
	sched, err := l.schedule(tx, tidStr)
	if err != nil {
		return nil, err
	}
	due, err := l.pricing.Cost(tok.Supply, amt)
	if err != nil {
		return nil, err
	}
	sp := sched.OnBuy(due)
	if err := checkMax(sp.Trader, maxPayment); err != nil {
		return nil, err
	}
	if err := tx.debit(caller, sp.Trader); err != nil {
		return nil, err
	}

	tok.Reserve = tok.Reserve.Add(sp.Curve)
	tok.Supply = tok.Supply.Add(amt)
	tx.touchToken(tok)
	if err := tx.addHolding(tidStr, caller, amt); err != nil {
		return nil, err
	}
	if err := l.payFees(tx, tidStr, sp); err != nil {
		return nil, err
	}

	ev := tx.emit(tradeEvent(model.EventBuy, tok, caller, amt, sp.Trader, sp))
	return receipt(ev, tok, nil, false), nil
}

// Sell burns amt of the caller's tokens and pays their curve value less
// fees. The reserve pays out exactly the curve value.
func (l *Ledger) Sell(ctx context.Context, caller model.Address, tidStr string, amt, minReceived decimal.Decimal) (*Receipt, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "sell", func(tx *txn) error {
		tok, err := tx.token(tidStr)
		if err != nil {
			return err
		}
		if err := tx.subHolding(tidStr, caller, amt); err != nil {
			return err
		}
		sched, err := l.schedule(tx, tidStr)
		if err != nil {
			return err
		}
		value, err := l.pricing.Cost(tok.Supply.Sub(amt), amt)
		if err != nil {
			return err
		}
		sp := sched.OnSell(value)
		if sp.Trader.LessThan(minReceived) {
			return fmt.Errorf("%w: receive %s below min %s", ErrSlippage, sp.Trader, minReceived)
		}
		if err := payout(tok, value); err != nil {
			return err
		}
		tok.Supply = tok.Supply.Sub(amt)
		tx.touchToken(tok)

		if err := tx.credit(caller, sp.Trader); err != nil {
			return err
		}
		if err := l.payFees(tx, tidStr, sp); err != nil {
			return err
		}
		rc = receipt(tx.emit(tradeEvent(model.EventSell, tok, caller, amt, sp.Trader, sp)), tok, nil, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// --- Mortgage / Redeem ---

// Mortgage locks amt of the caller's tokens in a new position and lends the
// caller their curve value. No fee is charged; supply is unchanged.
func (l *Ledger) Mortgage(ctx context.Context, caller model.Address, tidStr string, amt decimal.Decimal) (*Receipt, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "mortgage", func(tx *txn) error {
		tok, err := tx.token(tidStr)
		if err != nil {
			return err
		}
		if err := tx.subHolding(tidStr, caller, amt); err != nil {
			return err
		}
		loan, err := l.pricing.Cost(tok.Supply.Sub(amt), amt)
		if err != nil {
			return err
		}
		if loan.IsZero() {
			return fmt.Errorf("%w: %s tokens are worth nothing to borrow against", ErrZeroAmount, amt)
		}
		if err := payout(tok, loan); err != nil {
			return err
		}
		tx.touchToken(tok)
		if err := tx.credit(caller, loan); err != nil {
			return err
		}

		p := tx.openPosition(tidStr, model.PositionMortgage, caller)
		p.Locked = amt
		p.Owed = loan

		ev := tx.emit(model.Event{
			Type:       model.EventMortgage,
			Tid:        tidStr,
			Actor:      caller,
			PositionID: p.ID,
			Amount:     amt,
			Value:      loan,
			CurveValue: loan,
			Supply:     tok.Supply,
		})
		rc = receipt(ev, tok, p, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Redeem repays part or all of a position's debt and releases the
// proportional share of its locked tokens, rounded down. Repaying the full
// debt releases everything and burns the position.
func (l *Ledger) Redeem(ctx context.Context, caller model.Address, positionID string, repay decimal.Decimal) (*Receipt, error) {
	if err := positive(repay); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "redeem", func(tx *txn) error {
		p, err := ownedPosition(tx, caller, positionID)
		if err != nil {
			return err
		}
		if repay.GreaterThan(p.Owed) {
			return fmt.Errorf("%w: repay %s, owed %s", ErrExcessAmount, repay, p.Owed)
		}

		released := p.Locked
		if !repay.Equal(p.Owed) {
			released = amount.MulDivFloor(p.Locked, repay, p.Owed)
		}

		tok, err := tx.token(p.Tid)
		if err != nil {
			return err
		}
		if err := tx.debit(caller, repay); err != nil {
			return err
		}
		tok.Reserve = tok.Reserve.Add(repay)
		tx.touchToken(tok)
		if err := tx.addHolding(p.Tid, caller, released); err != nil {
			return err
		}

		p.Locked = p.Locked.Sub(released)
		p.Owed = p.Owed.Sub(repay)
		burned := p.Owed.IsZero()
		if burned {
			tx.burnPosition(p)
		} else {
			tx.touchPosition(p)
		}

		ev := tx.emit(model.Event{
			Type:       model.EventRedeem,
			Tid:        p.Tid,
			Actor:      caller,
			PositionID: p.ID,
			Amount:     released,
			Value:      repay,
			Supply:     tok.Supply,
		})
		rc = receipt(ev, tok, p, burned)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// --- Multiply / MultiplyAdd / Cash ---

// leverage mints amt tokens into p, borrowing their curve cost. The caller
// pays only the fee side of the buy: both fees plus the rounding surplus
// that keeps the curve:fee ratio exact.
func (l *Ledger) leverage(tx *txn, caller model.Address, tok *model.Token, p *model.Position, amt, maxPayment decimal.Decimal) (model.Event, error) {
	sched, err := l.schedule(tx, tok.Tid)
	if err != nil {
		return model.Event{}, err
	}
	due, err := l.pricing.Cost(tok.Supply, amt)
	if err != nil {
		return model.Event{}, err
	}
	sp := sched.OnBuy(due)
	charge := sp.Trader.Sub(due)
	if err := checkMax(charge, maxPayment); err != nil {
		return model.Event{}, err
	}
	if err := tx.debit(caller, charge); err != nil {
		return model.Event{}, err
	}

	tok.Reserve = tok.Reserve.Add(sp.Curve.Sub(due))
	tok.Supply = tok.Supply.Add(amt)
	tx.touchToken(tok)
	p.Locked = p.Locked.Add(amt)
	p.Owed = p.Owed.Add(due)
	tx.touchPosition(p)

	if err := l.payFees(tx, tok.Tid, sp); err != nil {
		return model.Event{}, err
	}
	ev := tradeEvent(model.EventMultiply, tok, caller, amt, charge, sp)
	ev.PositionID = p.ID
	return ev, nil
}

// Multiply opens a leveraged position of amt tokens. The position owes
// their curve cost; the caller pays the fees. Unused payment is never
// debited.
func (l *Ledger) Multiply(ctx context.Context, caller model.Address, tidStr string, amt, maxPayment decimal.Decimal) (*Receipt, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "multiply", func(tx *txn) error {
		var err error
		rc, err = l.multiply(tx, caller, tidStr, amt, maxPayment)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (l *Ledger) multiply(tx *txn, caller model.Address, tidStr string, amt, maxPayment decimal.Decimal) (*Receipt, error) {
	tok, err := tx.token(tidStr)
	if err != nil {
		return nil, err
	}
	p := tx.openPosition(tidStr, model.PositionMultiply, caller)
	ev, err := l.leverage(tx, caller, tok, p, amt, maxPayment)
	if err != nil {
		return nil, err
	}
	return receipt(tx.emit(ev), tok, p, false), nil
}

// MultiplyAdd adds amt leveraged tokens to an existing position.
func (l *Ledger) MultiplyAdd(ctx context.Context, caller model.Address, positionID string, amt, maxPayment decimal.Decimal) (*Receipt, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "multiply_add", func(tx *txn) error {
		p, err := ownedPosition(tx, caller, positionID)
		if err != nil {
			return err
		}
		tok, err := tx.token(p.Tid)
		if err != nil {
			return err
		}
		ev, err := l.leverage(tx, caller, tok, p, amt, maxPayment)
		if err != nil {
			return err
		}
		ev.Type = model.EventMultiplyAdd
		rc = receipt(tx.emit(ev), tok, p, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// Cash closes amt of a position's locked tokens at their curve value. The
// matching share of the debt, owed*amt/locked rounded down (all of it on a
// full close), is settled out of that value and the caller receives the
// rest. No fee is charged. The position burns once nothing is locked.
func (l *Ledger) Cash(ctx context.Context, caller model.Address, positionID string, amt decimal.Decimal) (*Receipt, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "cash", func(tx *txn) error {
		p, err := ownedPosition(tx, caller, positionID)
		if err != nil {
			return err
		}
		if amt.GreaterThan(p.Locked) {
			return fmt.Errorf("%w: close %s, locked %s", ErrExcessAmount, amt, p.Locked)
		}
		tok, err := tx.token(p.Tid)
		if err != nil {
			return err
		}
		value, err := l.pricing.Cost(tok.Supply.Sub(amt), amt)
		if err != nil {
			return err
		}

		settled := p.Owed
		if !amt.Equal(p.Locked) {
			settled = amount.MulDivFloor(p.Owed, amt, p.Locked)
		}
		if value.LessThan(settled) {
			return fmt.Errorf("%w: value %s, debt %s", ErrUnderwater, value, settled)
		}
		net := value.Sub(settled)
		if err := payout(tok, net); err != nil {
			return err
		}
		tok.Supply = tok.Supply.Sub(amt)
		tx.touchToken(tok)
		if err := tx.credit(caller, net); err != nil {
			return err
		}

		p.Locked = p.Locked.Sub(amt)
		p.Owed = p.Owed.Sub(settled)
		burned := p.Locked.IsZero()
		if burned {
			tx.burnPosition(p)
		} else {
			tx.touchPosition(p)
		}

		ev := tx.emit(model.Event{
			Type:       model.EventCash,
			Tid:        p.Tid,
			Actor:      caller,
			PositionID: p.ID,
			Amount:     amt,
			Value:      net,
			CurveValue: value,
			Supply:     tok.Supply,
		})
		rc = receipt(ev, tok, p, burned)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func ownedPosition(tx *txn, caller model.Address, id string) (*model.Position, error) {
	p, err := tx.position(id)
	if err != nil {
		return nil, err
	}
	if p.Owner != caller {
		return nil, fmt.Errorf("%w: %s does not own position %s", ErrUnauthorized, caller, id)
	}
	return p, nil
}

func tradeEvent(typ string, tok *model.Token, caller model.Address, amt, value decimal.Decimal, sp fees.Split) model.Event {
	return model.Event{
		Type:       typ,
		Tid:        tok.Tid,
		Actor:      caller,
		Amount:     amt,
		Value:      value,
		CurveValue: sp.Curve,
		CreatorFee: sp.Creator,
		PublicFee:  sp.Public,
		Supply:     tok.Supply,
	}
}
