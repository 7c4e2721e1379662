package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func seedChangeset(now time.Time) *model.Changeset {
	return &model.Changeset{
		NewTokens: []model.Token{{Tid: "alice", Supply: d(30), Reserve: d(900), CreatedAt: now}},
		Holdings: []model.Holding{
			{Tid: "alice", Holder: "holder-1", Balance: d(20)},
			{Tid: "alice", Holder: "holder-2", Balance: d(0)},
		},
		Accounts:  []model.Account{{Address: "holder-1", Balance: d(500)}},
		Positions: []model.Position{{ID: "pos-1", Tid: "alice", Kind: model.PositionMortgage, Owner: "holder-1", Locked: d(10), Owed: d(100), CreatedAt: now}},
		Entitlements: []model.Entitlement{
			{ID: model.EntitlementID("alice", model.RoleCreator), Tid: "alice", Role: model.RoleCreator, Weight: 5, Owner: model.Escrowed()},
			{ID: model.EntitlementID("alice", model.RolePublic), Tid: "alice", Role: model.RolePublic, Weight: 95, Owner: model.Wallet("holder-1")},
		},
		Escrows: []model.Escrow{{Tid: "alice", EntitlementID: model.EntitlementID("alice", model.RoleCreator)}},
		Events:  []model.Event{{ID: "ev-1", Type: model.EventCreate, Tid: "alice", Actor: "holder-1", Timestamp: now}},
	}
}

func TestMemoryStore_CommitAndRead(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	if err := ms.Commit(ctx, seedChangeset(time.Now().UTC())); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	tok, err := ms.GetToken(ctx, "alice")
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if !tok.Supply.Equal(d(30)) || !tok.Reserve.Equal(d(900)) {
		t.Errorf("unexpected token %+v", tok)
	}

	bal, _ := ms.GetHolding(ctx, "alice", "holder-1")
	if !bal.Equal(d(20)) {
		t.Errorf("expected balance 20, got %s", bal)
	}
	holdings, _ := ms.ListHoldings(ctx, "holder-2")
	if len(holdings) != 0 {
		t.Errorf("zero balances should not be listed, got %v", holdings)
	}

	cash, _ := ms.GetAccount(ctx, "holder-1")
	if !cash.Equal(d(500)) {
		t.Errorf("expected cash 500, got %s", cash)
	}
	if cash, _ := ms.GetAccount(ctx, "nobody"); !cash.IsZero() {
		t.Errorf("unknown account should be zero, got %s", cash)
	}

	ents, _ := ms.ListEntitlements(ctx, "alice")
	if len(ents) != 2 {
		t.Fatalf("expected 2 entitlements, got %d", len(ents))
	}

	positions, _ := ms.ListPositions(ctx, "holder-1")
	if len(positions) != 1 || positions[0].ID != "pos-1" {
		t.Errorf("unexpected positions %v", positions)
	}

	events, _ := ms.ListEvents(ctx, "alice")
	if len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	if _, err := ms.GetToken(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := ms.GetPosition(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := ms.GetEscrow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_DuplicateTokenLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	now := time.Now().UTC()
	if err := ms.Commit(ctx, seedChangeset(now)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	dup := seedChangeset(now)
	dup.Accounts = []model.Account{{Address: "holder-1", Balance: d(1)}}
	if err := ms.Commit(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	cash, _ := ms.GetAccount(ctx, "holder-1")
	if !cash.Equal(d(500)) {
		t.Errorf("failed commit must not write, cash=%s", cash)
	}
}

func TestMemoryStore_BurnPosition(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	_ = ms.Commit(ctx, seedChangeset(time.Now().UTC()))

	if err := ms.Commit(ctx, &model.Changeset{BurnedPositions: []string{"pos-1"}}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := ms.GetPosition(ctx, "pos-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("burned position should be gone, got %v", err)
	}
}
