package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/signing"
)

// ClaimEscrow holds entitlement records minted before their owner's wallet
// was known, together with the fees they accrued, until the trusted signer
// attests which wallet may claim them. An entry moves from unclaimed to
// claimed exactly once.
type ClaimEscrow struct {
	ledger *Ledger
}

// NewClaimEscrow returns the claim escrow over a ledger's state.
func NewClaimEscrow(l *Ledger) *ClaimEscrow {
	return &ClaimEscrow{ledger: l}
}

// pending returns the tid's unclaimed escrow entry.
func pending(tx *txn, tidStr string) (*model.Escrow, error) {
	esc, err := tx.escrow(tidStr)
	if err != nil {
		return nil, err
	}
	if esc == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotEscrowed, tidStr)
	}
	if esc.Claimed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, tidStr)
	}
	return esc, nil
}

// Claim releases a tid's escrowed entitlement and its held fees to
// recipient. The signature must be the trusted signer's attestation over
// (tid, recipient); anyone may submit it.
func (c *ClaimEscrow) Claim(ctx context.Context, tidStr string, recipient model.Address, signature []byte) (*Receipt, error) {
	l := c.ledger
	var rc *Receipt
	err := l.run(ctx, "claim", func(tx *txn) error {
		esc, err := pending(tx, tidStr)
		if err != nil {
			return err
		}
		if err := l.authority.Check(signing.ClaimMessage(tidStr, recipient), signature); err != nil {
			return err
		}
		if err := validOwner(model.Wallet(recipient)); err != nil {
			return err
		}
		e, err := tx.entitlement(esc.EntitlementID)
		if err != nil {
			return err
		}
		if !e.Owner.IsEscrowed() {
			return fmt.Errorf("%w: %s already owned by %s", ErrStateMismatch, e.ID, e.Owner.Address)
		}

		held := esc.Held
		e.Owner = model.Wallet(recipient)
		tx.putEntitlement(e)
		if err := tx.credit(recipient, held); err != nil {
			return err
		}
		now := tx.now
		esc.Held = decimal.Zero
		esc.Claimed = true
		esc.Recipient = recipient
		esc.ClaimedAt = &now
		tx.putEscrow(esc)

		ev := tx.emit(model.Event{
			Type:      model.EventClaim,
			Tid:       tidStr,
			Actor:     recipient,
			Recipient: recipient,
			Value:     held,
		})
		rc = receipt(ev, nil, nil, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("escrow claimed", "tid", tidStr, "recipient", recipient, "paid", rc.Event.Value.String())
	return rc, nil
}

// Withdraw moves amt of a tid's held fees to the administrator before the
// entitlement is claimed.
func (c *ClaimEscrow) Withdraw(ctx context.Context, caller model.Address, tidStr string, amt decimal.Decimal) (*Receipt, error) {
	l := c.ledger
	if err := l.requireAdmin(caller); err != nil {
		return nil, err
	}
	if err := positive(amt); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "escrow_withdraw", func(tx *txn) error {
		esc, err := pending(tx, tidStr)
		if err != nil {
			return err
		}
		if amt.GreaterThan(esc.Held) {
			return fmt.Errorf("%w: withdraw %s, held %s", ErrExcessAmount, amt, esc.Held)
		}
		esc.Held = esc.Held.Sub(amt)
		tx.putEscrow(esc)
		if err := tx.credit(caller, amt); err != nil {
			return err
		}
		rc = receipt(tx.emit(model.Event{
			Type:      model.EventEscrowWithdraw,
			Tid:       tidStr,
			Actor:     caller,
			Recipient: caller,
			Value:     amt,
		}), nil, nil, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// SetClaimed marks a tid claimed without paying anything out. Only allowed
// once the escrowed record has already passed to a wallet by other means;
// any fees still held stay with the entry.
func (c *ClaimEscrow) SetClaimed(ctx context.Context, caller model.Address, tidStr string) (*Receipt, error) {
	l := c.ledger
	if err := l.requireAdmin(caller); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "escrow_settle", func(tx *txn) error {
		esc, err := pending(tx, tidStr)
		if err != nil {
			return err
		}
		e, err := tx.entitlement(esc.EntitlementID)
		if err != nil {
			return err
		}
		if e.Owner.IsEscrowed() {
			return fmt.Errorf("%w: %s", ErrStateMismatch, e.ID)
		}
		now := tx.now
		esc.Claimed = true
		esc.Recipient = e.Owner.Address
		esc.ClaimedAt = &now
		tx.putEscrow(esc)

		rc = receipt(tx.emit(model.Event{
			Type:      model.EventEscrowSettle,
			Tid:       tidStr,
			Actor:     caller,
			Recipient: e.Owner.Address,
		}), nil, nil, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}
