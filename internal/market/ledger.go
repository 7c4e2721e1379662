// Package market implements the tid market: the ledger that prices every
// supply change on the bonding curve, the claim escrow for entitlements
// whose owner is not yet known, and the registrar that opens new tids from
// signed creation requests.
//
// Every mutating operation stages its reads and writes in a txn and commits
// them as one model.Changeset. Operations are serialized by the ledger
// mutex, so each one observes the result of all prior commits and a failure
// anywhere discards the whole operation.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/amount"
	"github.com/tidmarket/market-engine/internal/curve"
	"github.com/tidmarket/market-engine/internal/events"
	"github.com/tidmarket/market-engine/internal/fees"
	"github.com/tidmarket/market-engine/internal/metrics"
	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/signing"
	"github.com/tidmarket/market-engine/internal/store"
	"github.com/tidmarket/market-engine/internal/tid"
)

// Pricing prices supply changes. *curve.Curve implements it; the ledger does
// not care which payment-asset variant is wired in.
type Pricing interface {
	Cost(begin, amt decimal.Decimal) (decimal.Decimal, error)
	Price(supply decimal.Decimal) (decimal.Decimal, error)
	MaxBuyable(supply decimal.Decimal) decimal.Decimal
}

// Config wires a Ledger.
type Config struct {
	Pricing   Pricing            // defaults to the native curve
	Fees      fees.Schedule      // defaults to fees.Default
	Authority *signing.Authority // trusted signer for creation requests and claims
	Admin     model.Address
	Treasury  model.Address // receives creation prices; defaults to Admin
	Sink      events.Sink   // notified after each commit
	Clock     func() time.Time
}

// Ledger is the market state machine.
type Ledger struct {
	mu        sync.Mutex
	store     store.Store // queries and commits
	source    store.Store // staged reads of mutating operations
	pricing   Pricing
	fees      fees.Schedule
	authority *signing.Authority
	admin     model.Address
	treasury  model.Address
	sink      events.Sink
	clock     func() time.Time
}

// NewLedger creates a ledger over st. When st is a cache layer, mutating
// operations read from the store behind it so a stale cache entry can never
// be written back as new state.
func NewLedger(st store.Store, cfg Config) (*Ledger, error) {
	if cfg.Pricing == nil {
		cfg.Pricing = curve.NewNative()
	}
	if cfg.Fees == (fees.Schedule{}) {
		cfg.Fees = fees.Default
	}
	if err := cfg.Fees.Validate(); err != nil {
		return nil, err
	}
	if cfg.Authority == nil {
		cfg.Authority = signing.NewAuthority("", signing.KeyVerifier{})
	}
	if cfg.Treasury == "" {
		cfg.Treasury = cfg.Admin
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		store:     st,
		source:    store.Source(st),
		pricing:   cfg.Pricing,
		fees:      cfg.Fees,
		authority: cfg.Authority,
		admin:     cfg.Admin,
		treasury:  cfg.Treasury,
		sink:      cfg.Sink,
		clock:     cfg.Clock,
	}, nil
}

// Receipt is the outcome of one mutating operation.
type Receipt struct {
	Event    model.Event     `json:"event"`
	Token    *model.Token    `json:"token,omitempty"`
	Position *model.Position `json:"position,omitempty"` // nil when the position was burned
}

// run executes fn against a fresh txn under the ledger lock and commits the
// staged changeset. Sinks see the events only after the commit succeeds.
func (l *Ledger) run(ctx context.Context, op string, fn func(tx *txn) error) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := newTxn(ctx, l.source, l.clock())
	err := fn(tx)
	var cs *model.Changeset
	if err == nil {
		cs = tx.changeset()
		if !cs.Empty() {
			err = l.store.Commit(ctx, cs)
		}
		if errors.Is(err, store.ErrConflict) {
			err = fmt.Errorf("%w: %v", ErrDuplicateTid, err)
		}
	}
	metrics.Observe(op, start, err)
	if err != nil {
		return err
	}

	l.sink.Publish(ctx, cs.Events...)
	return nil
}

// receipt snapshots the token and position touched by an operation.
func receipt(ev model.Event, tok *model.Token, p *model.Position, burned bool) *Receipt {
	r := &Receipt{Event: ev}
	if tok != nil {
		t := *tok
		r.Token = &t
	}
	if p != nil && !burned {
		pc := *p
		r.Position = &pc
	}
	return r
}

// --- Validation helpers ---

func positive(amt decimal.Decimal) error {
	if err := amount.Validate(amt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amt.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

func nonNegative(amt decimal.Decimal) error {
	if err := amount.Validate(amt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return nil
}

func validOwner(o model.Owner) error {
	switch o.Kind {
	case model.OwnerEscrow:
		return nil
	case model.OwnerWallet:
		if !signing.IsCanonical(o.Address) {
			return fmt.Errorf("%w: %q is not a checksummed address", ErrInvalidOwner, o.Address)
		}
		return nil
	}
	return fmt.Errorf("%w: kind %q", ErrInvalidOwner, o.Kind)
}

func (l *Ledger) requireAdmin(caller model.Address) error {
	if l.admin == "" || caller != l.admin {
		return fmt.Errorf("%w: %s is not the administrator", ErrUnauthorized, caller)
	}
	return nil
}

// --- Fee routing ---

// schedule returns the fee schedule for a tid: the ledger's denominator
// with the weights fixed on its entitlement records at creation.
func (l *Ledger) schedule(tx *txn, tidStr string) (fees.Schedule, error) {
	c, err := tx.entitlement(model.EntitlementID(tidStr, model.RoleCreator))
	if err != nil {
		return fees.Schedule{}, err
	}
	p, err := tx.entitlement(model.EntitlementID(tidStr, model.RolePublic))
	if err != nil {
		return fees.Schedule{}, err
	}
	return fees.Schedule{
		Denominator:   l.fees.Denominator,
		CreatorWeight: c.Weight,
		PublicWeight:  p.Weight,
	}, nil
}

// payFees routes the fee legs of a split to the current owners of the
// tid's entitlement records. A fee owed to an escrowed record accrues to
// the escrow entry's held balance.
func (l *Ledger) payFees(tx *txn, tidStr string, sp fees.Split) error {
	legs := []struct {
		role string
		amt  decimal.Decimal
	}{
		{model.RoleCreator, sp.Creator},
		{model.RolePublic, sp.Public},
	}
	for _, leg := range legs {
		if leg.amt.IsZero() {
			continue
		}
		e, err := tx.entitlement(model.EntitlementID(tidStr, leg.role))
		if err != nil {
			return err
		}
		if !e.Owner.IsEscrowed() {
			if err := tx.credit(e.Owner.Address, leg.amt); err != nil {
				return err
			}
			continue
		}
		esc, err := tx.escrow(tidStr)
		if err != nil {
			return err
		}
		if esc == nil {
			return fmt.Errorf("%w: no escrow entry for %s", ErrNotEscrowed, tidStr)
		}
		esc.Held = esc.Held.Add(leg.amt)
		tx.putEscrow(esc)
	}
	return nil
}

// --- Create ---

// CreateParams describes a new tid.
type CreateParams struct {
	Tid      string
	Metadata string
	Creator  model.Owner
	Public   model.Owner
	Price    decimal.Decimal // up-front payment, no curve interaction
	Payer    model.Address
}

// Create opens a new tid. Administrator only; the registrar is the public
// path for signed creation requests. The administrator pays the price.
func (l *Ledger) Create(ctx context.Context, caller model.Address, p CreateParams) (*Receipt, error) {
	if err := l.requireAdmin(caller); err != nil {
		return nil, err
	}
	p.Payer = caller
	var rc *Receipt
	err := l.run(ctx, "create", func(tx *txn) error {
		var err error
		rc, err = l.create(tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("tid created", "tid", p.Tid, "creator_escrowed", p.Creator.IsEscrowed(), "price", p.Price.String())
	return rc, nil
}

func (l *Ledger) create(tx *txn, p CreateParams) (*Receipt, error) {
	if err := tid.Validate(p.Tid); err != nil {
		return nil, err
	}
	if err := tid.ValidateMetadata(p.Metadata); err != nil {
		return nil, err
	}
	if err := nonNegative(p.Price); err != nil {
		return nil, err
	}
	if err := validOwner(p.Creator); err != nil {
		return nil, err
	}
	if err := validOwner(p.Public); err != nil {
		return nil, err
	}
	if p.Creator.IsEscrowed() && p.Public.IsEscrowed() {
		return nil, fmt.Errorf("%w: at most one entitlement may be escrowed", ErrInvalidOwner)
	}

	exists, err := tx.tokenExists(p.Tid)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTid, p.Tid)
	}

	if p.Price.IsPositive() {
		if err := tx.debit(p.Payer, p.Price); err != nil {
			return nil, err
		}
		if err := tx.credit(l.treasury, p.Price); err != nil {
			return nil, err
		}
	}

	tok := &model.Token{
		Tid:       p.Tid,
		Metadata:  p.Metadata,
		Supply:    decimal.Zero,
		Reserve:   decimal.Zero,
		CreatedAt: tx.now,
	}
	tx.insertToken(tok)

	records := []model.Entitlement{
		{ID: model.EntitlementID(p.Tid, model.RoleCreator), Tid: p.Tid, Role: model.RoleCreator, Weight: l.fees.CreatorWeight, Owner: p.Creator},
		{ID: model.EntitlementID(p.Tid, model.RolePublic), Tid: p.Tid, Role: model.RolePublic, Weight: l.fees.PublicWeight, Owner: p.Public},
	}
	for i := range records {
		e := records[i]
		tx.putEntitlement(&e)
		if e.Owner.IsEscrowed() {
			tx.putEscrow(&model.Escrow{Tid: p.Tid, EntitlementID: e.ID, Held: decimal.Zero})
		}
	}

	ev := tx.emit(model.Event{
		Type:      model.EventCreate,
		Tid:       p.Tid,
		Actor:     p.Payer,
		Recipient: l.treasury,
		Value:     p.Price,
		Supply:    decimal.Zero,
	})
	return receipt(ev, tok, nil, false), nil
}

// --- Entitlements ---

// TransferEntitlement moves an entitlement record to a new wallet. The
// current wallet owner may transfer its own record; an escrowed record can
// only be moved by the administrator.
func (l *Ledger) TransferEntitlement(ctx context.Context, caller model.Address, id string, to model.Address) (*model.Entitlement, error) {
	if err := validOwner(model.Wallet(to)); err != nil {
		return nil, err
	}
	var out model.Entitlement
	err := l.run(ctx, "transfer", func(tx *txn) error {
		e, err := tx.entitlement(id)
		if err != nil {
			return err
		}
		if e.Owner.IsEscrowed() {
			if err := l.requireAdmin(caller); err != nil {
				return err
			}
		} else if !e.Owner.Is(caller) {
			return fmt.Errorf("%w: %s does not own %s", ErrUnauthorized, caller, id)
		}

		e.Owner = model.Wallet(to)
		tx.putEntitlement(e)
		tx.emit(model.Event{
			Type:      model.EventTransfer,
			Tid:       e.Tid,
			Actor:     caller,
			Recipient: to,
		})
		out = *e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Payment-token accounts ---

// Deposit credits payment tokens to an account. Administrator only: it
// books funds bridged in from outside the ledger.
func (l *Ledger) Deposit(ctx context.Context, caller, to model.Address, amt decimal.Decimal) (*Receipt, error) {
	if err := l.requireAdmin(caller); err != nil {
		return nil, err
	}
	if err := positive(amt); err != nil {
		return nil, err
	}
	if err := validOwner(model.Wallet(to)); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "deposit", func(tx *txn) error {
		if err := tx.credit(to, amt); err != nil {
			return err
		}
		rc = receipt(tx.emit(model.Event{Type: model.EventDeposit, Actor: caller, Recipient: to, Value: amt}), nil, nil, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// WithdrawCash debits payment tokens from the caller's account.
func (l *Ledger) WithdrawCash(ctx context.Context, caller model.Address, amt decimal.Decimal) (*Receipt, error) {
	if err := positive(amt); err != nil {
		return nil, err
	}
	var rc *Receipt
	err := l.run(ctx, "withdraw", func(tx *txn) error {
		if err := tx.debit(caller, amt); err != nil {
			return err
		}
		rc = receipt(tx.emit(model.Event{Type: model.EventWithdraw, Actor: caller, Value: amt}), nil, nil, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// --- Administration ---

// RotateSigner replaces the trusted signer. Administrator only.
func (l *Ledger) RotateSigner(caller, signer model.Address) error {
	if err := l.requireAdmin(caller); err != nil {
		return err
	}
	if !signing.IsCanonical(signer) {
		return fmt.Errorf("%w: %q is not a checksummed address", signing.ErrInvalidAddress, signer)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authority.Rotate(signer)
	slog.Info("trusted signer rotated", "signer", signer)
	return nil
}

// Signer returns the current trusted signer.
func (l *Ledger) Signer() model.Address {
	return l.authority.Signer()
}

// Admin returns the administrator address.
func (l *Ledger) Admin() model.Address {
	return l.admin
}

// Fees returns the ledger's fee schedule.
func (l *Ledger) Fees() fees.Schedule {
	return l.fees
}
