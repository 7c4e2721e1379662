package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/signing"
	"github.com/tidmarket/market-engine/internal/tid"
)

// CreateTokenRequest is a creation request authorized off-ledger by the
// trusted signer.
type CreateTokenRequest struct {
	Tid       string          `json:"tid"`
	Metadata  string          `json:"metadata"`
	Price     decimal.Decimal `json:"price"`
	Deadline  int64           `json:"deadline"` // unix seconds
	Creator   model.Address   `json:"creator,omitempty"`
	Signature []byte          `json:"-"`
}

// Message returns the digest the trusted signer signs for this request.
func (r CreateTokenRequest) Message() []byte {
	return signing.CreateTokenMessage(r.Tid, r.Metadata, r.Price, r.Deadline, r.Creator)
}

// Registrar opens new tids from signed creation requests. The caller pays
// the price and receives the public entitlement. An empty creator leaves
// the creator entitlement in the claim escrow.
type Registrar struct {
	ledger *Ledger
}

// NewRegistrar returns a registrar over a ledger.
func NewRegistrar(l *Ledger) *Registrar {
	return &Registrar{ledger: l}
}

// verify checks a request against the current state: expiry, then
// uniqueness, then the signature.
func (r *Registrar) verify(tx *txn, req CreateTokenRequest) error {
	if err := tid.Validate(req.Tid); err != nil {
		return err
	}
	if tx.now.Unix() > req.Deadline {
		return fmt.Errorf("%w: deadline %d", ErrExpired, req.Deadline)
	}
	exists, err := tx.tokenExists(req.Tid)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTid, req.Tid)
	}
	return r.ledger.authority.Check(req.Message(), req.Signature)
}

func (r *Registrar) create(tx *txn, caller model.Address, req CreateTokenRequest) (*Receipt, error) {
	if err := r.verify(tx, req); err != nil {
		return nil, err
	}
	creator := model.Escrowed()
	if req.Creator != "" {
		creator = model.Wallet(req.Creator)
	}
	return r.ledger.create(tx, CreateParams{
		Tid:      req.Tid,
		Metadata: req.Metadata,
		Creator:  creator,
		Public:   model.Wallet(caller),
		Price:    req.Price,
		Payer:    caller,
	})
}

// CreateToken opens a tid from a signed request.
func (r *Registrar) CreateToken(ctx context.Context, caller model.Address, req CreateTokenRequest) (*Receipt, error) {
	var rc *Receipt
	err := r.ledger.run(ctx, "create_token", func(tx *txn) error {
		var err error
		rc, err = r.create(tx, caller, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("tid created", "tid", req.Tid, "creator_escrowed", req.Creator == "", "price", req.Price.String())
	return rc, nil
}

// CreateTokenAndMultiply opens a tid and an initial multiply position for
// the caller in one commit. If either step fails, neither happens.
func (r *Registrar) CreateTokenAndMultiply(ctx context.Context, caller model.Address, req CreateTokenRequest, amt, maxPayment decimal.Decimal) (created, multiplied *Receipt, err error) {
	if err := positive(amt); err != nil {
		return nil, nil, err
	}
	err = r.ledger.run(ctx, "create_token_and_multiply", func(tx *txn) error {
		var err error
		if created, err = r.create(tx, caller, req); err != nil {
			return err
		}
		multiplied, err = r.ledger.multiply(tx, caller, req.Tid, amt, maxPayment)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("tid created with initial position",
		"tid", req.Tid,
		"position", multiplied.Event.PositionID,
		"amount", amt.String(),
	)
	return created, multiplied, nil
}
