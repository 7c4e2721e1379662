package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
	"github.com/tidmarket/market-engine/internal/store"
)

type holdingKey struct {
	tid    string
	holder model.Address
}

// txn stages the reads and writes of one operation. Reads fall through to
// the store once and are then served from the staged copy; nothing reaches
// the store until changeset is committed. Dropping a txn discards it.
type txn struct {
	ctx context.Context
	st  store.Store
	now time.Time

	tokens       map[string]*model.Token
	newTokens    map[string]bool
	holdings     map[holdingKey]decimal.Decimal
	accounts     map[model.Address]decimal.Decimal
	positions    map[string]*model.Position
	opened       map[string]bool
	burned       map[string]bool
	entitlements map[string]*model.Entitlement
	escrows      map[string]*model.Escrow

	// Write order, kept so changesets are deterministic.
	dirtyTokens       []string
	dirtyHoldings     []holdingKey
	dirtyAccounts     []model.Address
	dirtyPositions    []string
	dirtyEntitlements []string
	dirtyEscrows      []string
	burnOrder         []string
	events            []model.Event
}

func newTxn(ctx context.Context, st store.Store, now time.Time) *txn {
	return &txn{
		ctx:          ctx,
		st:           st,
		now:          now,
		tokens:       make(map[string]*model.Token),
		newTokens:    make(map[string]bool),
		holdings:     make(map[holdingKey]decimal.Decimal),
		accounts:     make(map[model.Address]decimal.Decimal),
		positions:    make(map[string]*model.Position),
		opened:       make(map[string]bool),
		burned:       make(map[string]bool),
		entitlements: make(map[string]*model.Entitlement),
		escrows:      make(map[string]*model.Escrow),
	}
}

// --- Tokens ---

func (tx *txn) token(tid string) (*model.Token, error) {
	if t, ok := tx.tokens[tid]; ok {
		return t, nil
	}
	t, err := tx.st.GetToken(tx.ctx, tid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTid, tid)
	}
	if err != nil {
		return nil, err
	}
	tx.tokens[tid] = t
	return t, nil
}

func (tx *txn) tokenExists(tid string) (bool, error) {
	_, err := tx.token(tid)
	if errors.Is(err, ErrUnknownTid) {
		return false, nil
	}
	return err == nil, err
}

func (tx *txn) insertToken(t *model.Token) {
	tx.tokens[t.Tid] = t
	tx.newTokens[t.Tid] = true
	tx.dirtyTokens = append(tx.dirtyTokens, t.Tid)
}

func (tx *txn) touchToken(t *model.Token) {
	if !tx.newTokens[t.Tid] && !containsString(tx.dirtyTokens, t.Tid) {
		tx.dirtyTokens = append(tx.dirtyTokens, t.Tid)
	}
}

// --- Token balances ---

func (tx *txn) holding(tid string, holder model.Address) (decimal.Decimal, error) {
	k := holdingKey{tid, holder}
	if b, ok := tx.holdings[k]; ok {
		return b, nil
	}
	b, err := tx.st.GetHolding(tx.ctx, tid, holder)
	if err != nil {
		return decimal.Zero, err
	}
	tx.holdings[k] = b
	return b, nil
}

func (tx *txn) setHolding(tid string, holder model.Address, bal decimal.Decimal) {
	k := holdingKey{tid, holder}
	tx.holdings[k] = bal
	for _, d := range tx.dirtyHoldings {
		if d == k {
			return
		}
	}
	tx.dirtyHoldings = append(tx.dirtyHoldings, k)
}

func (tx *txn) addHolding(tid string, holder model.Address, amt decimal.Decimal) error {
	bal, err := tx.holding(tid, holder)
	if err != nil {
		return err
	}
	tx.setHolding(tid, holder, bal.Add(amt))
	return nil
}

func (tx *txn) subHolding(tid string, holder model.Address, amt decimal.Decimal) error {
	bal, err := tx.holding(tid, holder)
	if err != nil {
		return err
	}
	if bal.LessThan(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amt)
	}
	tx.setHolding(tid, holder, bal.Sub(amt))
	return nil
}

// --- Payment-token cash ---

func (tx *txn) cash(addr model.Address) (decimal.Decimal, error) {
	if b, ok := tx.accounts[addr]; ok {
		return b, nil
	}
	b, err := tx.st.GetAccount(tx.ctx, addr)
	if err != nil {
		return decimal.Zero, err
	}
	tx.accounts[addr] = b
	return b, nil
}

func (tx *txn) setCash(addr model.Address, bal decimal.Decimal) {
	tx.accounts[addr] = bal
	if !containsAddress(tx.dirtyAccounts, addr) {
		tx.dirtyAccounts = append(tx.dirtyAccounts, addr)
	}
}

func (tx *txn) credit(addr model.Address, amt decimal.Decimal) error {
	if amt.IsZero() {
		return nil
	}
	bal, err := tx.cash(addr)
	if err != nil {
		return err
	}
	tx.setCash(addr, bal.Add(amt))
	return nil
}

func (tx *txn) debit(addr model.Address, amt decimal.Decimal) error {
	if amt.IsZero() {
		return nil
	}
	bal, err := tx.cash(addr)
	if err != nil {
		return err
	}
	if bal.LessThan(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientPayment, bal, amt)
	}
	tx.setCash(addr, bal.Sub(amt))
	return nil
}

// --- Positions ---

func (tx *txn) position(id string) (*model.Position, error) {
	if tx.burned[id] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if p, ok := tx.positions[id]; ok {
		return p, nil
	}
	p, err := tx.st.GetPosition(tx.ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if err != nil {
		return nil, err
	}
	tx.positions[id] = p
	return p, nil
}

func (tx *txn) openPosition(tid, kind string, owner model.Address) *model.Position {
	p := &model.Position{
		ID:        uuid.New().String(),
		Tid:       tid,
		Kind:      kind,
		Owner:     owner,
		Locked:    decimal.Zero,
		Owed:      decimal.Zero,
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
	}
	tx.positions[p.ID] = p
	tx.opened[p.ID] = true
	tx.dirtyPositions = append(tx.dirtyPositions, p.ID)
	return p
}

func (tx *txn) touchPosition(p *model.Position) {
	p.UpdatedAt = tx.now
	if !containsString(tx.dirtyPositions, p.ID) {
		tx.dirtyPositions = append(tx.dirtyPositions, p.ID)
	}
}

// burnPosition destroys a position. One opened and burned within the same
// txn never reaches the store.
func (tx *txn) burnPosition(p *model.Position) {
	if tx.burned[p.ID] {
		return
	}
	tx.burned[p.ID] = true
	if !tx.opened[p.ID] {
		tx.burnOrder = append(tx.burnOrder, p.ID)
	}
}

// --- Entitlements and escrow ---

func (tx *txn) entitlement(id string) (*model.Entitlement, error) {
	if e, ok := tx.entitlements[id]; ok {
		return e, nil
	}
	e, err := tx.st.GetEntitlement(tx.ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntitlement, id)
	}
	if err != nil {
		return nil, err
	}
	tx.entitlements[id] = e
	return e, nil
}

func (tx *txn) putEntitlement(e *model.Entitlement) {
	tx.entitlements[e.ID] = e
	if !containsString(tx.dirtyEntitlements, e.ID) {
		tx.dirtyEntitlements = append(tx.dirtyEntitlements, e.ID)
	}
}

// escrow returns the tid's escrow entry, or nil when none exists.
func (tx *txn) escrow(tid string) (*model.Escrow, error) {
	if e, ok := tx.escrows[tid]; ok {
		return e, nil
	}
	e, err := tx.st.GetEscrow(tx.ctx, tid)
	if errors.Is(err, store.ErrNotFound) {
		tx.escrows[tid] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tx.escrows[tid] = e
	return e, nil
}

func (tx *txn) putEscrow(e *model.Escrow) {
	tx.escrows[e.Tid] = e
	if !containsString(tx.dirtyEscrows, e.Tid) {
		tx.dirtyEscrows = append(tx.dirtyEscrows, e.Tid)
	}
}

// --- Events ---

func (tx *txn) emit(ev model.Event) model.Event {
	ev.ID = uuid.New().String()
	ev.Timestamp = tx.now
	tx.events = append(tx.events, ev)
	return ev
}

// changeset collects every staged write.
func (tx *txn) changeset() *model.Changeset {
	cs := &model.Changeset{}
	for _, tid := range tx.dirtyTokens {
		t := *tx.tokens[tid]
		if tx.newTokens[tid] {
			cs.NewTokens = append(cs.NewTokens, t)
		} else {
			cs.Tokens = append(cs.Tokens, t)
		}
	}
	for _, k := range tx.dirtyHoldings {
		cs.Holdings = append(cs.Holdings, model.Holding{Tid: k.tid, Holder: k.holder, Balance: tx.holdings[k]})
	}
	for _, a := range tx.dirtyAccounts {
		cs.Accounts = append(cs.Accounts, model.Account{Address: a, Balance: tx.accounts[a]})
	}
	for _, id := range tx.dirtyEntitlements {
		cs.Entitlements = append(cs.Entitlements, *tx.entitlements[id])
	}
	for _, id := range tx.dirtyPositions {
		if !tx.burned[id] {
			cs.Positions = append(cs.Positions, *tx.positions[id])
		}
	}
	cs.BurnedPositions = append(cs.BurnedPositions, tx.burnOrder...)
	for _, tid := range tx.dirtyEscrows {
		cs.Escrows = append(cs.Escrows, *tx.escrows[tid])
	}
	cs.Events = append(cs.Events, tx.events...)
	return cs
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func containsAddress(xs []model.Address, a model.Address) bool {
	for _, x := range xs {
		if x == a {
			return true
		}
	}
	return false
}
