// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a commit would create a record that
	// already exists (e.g. a second token for the same tid).
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Reads return zero balances for unknown holders and accounts rather than
// ErrNotFound. All writes go through Commit, which applies one operation's
// changeset atomically.
type Store interface {
	// --- Tokens ---

	// GetToken retrieves a token by tid.
	GetToken(ctx context.Context, tid string) (*model.Token, error)

	// ListTokens returns all tokens, newest first.
	ListTokens(ctx context.Context) ([]model.Token, error)

	// --- Balances ---

	// GetHolding returns a holder's spendable balance of a tid.
	GetHolding(ctx context.Context, tid string, holder model.Address) (decimal.Decimal, error)

	// ListHoldings returns a holder's non-zero balances across tids.
	ListHoldings(ctx context.Context, holder model.Address) ([]model.Holding, error)

	// GetAccount returns an address's payment-token cash balance.
	GetAccount(ctx context.Context, addr model.Address) (decimal.Decimal, error)

	// --- Records ---

	// GetPosition retrieves an open position.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListPositions returns the open positions owned by an address.
	ListPositions(ctx context.Context, owner model.Address) ([]model.Position, error)

	// GetEntitlement retrieves an entitlement record.
	GetEntitlement(ctx context.Context, id string) (*model.Entitlement, error)

	// ListEntitlements returns a tid's entitlement records.
	ListEntitlements(ctx context.Context, tid string) ([]model.Entitlement, error)

	// GetEscrow retrieves a tid's escrow entry.
	GetEscrow(ctx context.Context, tid string) (*model.Escrow, error)

	// --- Immutable event log ---

	// ListEvents returns a tid's events in commit order.
	ListEvents(ctx context.Context, tid string) ([]model.Event, error)

	// ListEventsByActor returns an address's events in commit order.
	ListEventsByActor(ctx context.Context, actor model.Address) ([]model.Event, error)

	// --- Writes ---

	// Commit applies a changeset atomically.
	Commit(ctx context.Context, cs *model.Changeset) error
}

// Layered is implemented by stores that front another store, such as a
// cache. Their reads may lag the store behind them.
type Layered interface {
	Primary() Store
}

// Source returns the innermost store behind st. Read-modify-write paths
// must read from it, never from a cache layer.
func Source(st Store) Store {
	for {
		l, ok := st.(Layered)
		if !ok {
			return st
		}
		st = l.Primary()
	}
}
