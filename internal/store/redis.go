package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Cached reads may be stale for up to the TTL: a read-through that races a
// commit can put back the pre-commit snapshot. Serve queries from it, and
// read anything that is written back from Primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the wrapped store.
func (s *CachedStore) Primary() Store {
	return s.primary
}

// --- Write-through (write to primary, invalidate cache) ---

// Commit writes to the primary and drops every cached key the changeset
// touched. The next read re-populates from the primary.
func (s *CachedStore) Commit(ctx context.Context, cs *model.Changeset) error {
	// Burned positions carry only an id; resolve their owners first so the
	// owner's position list is dropped too.
	var burnedOwners []model.Address
	for _, id := range cs.BurnedPositions {
		if p, err := s.primary.GetPosition(ctx, id); err == nil {
			burnedOwners = append(burnedOwners, p.Owner)
		}
	}

	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}
	keys := invalidatedKeys(cs)
	for _, owner := range burnedOwners {
		keys = append(keys, positionsKey(owner))
	}
	if len(keys) > 0 {
		// The primary has committed; a failed invalidation only leaves
		// query reads stale until the TTL expires.
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", len(keys), "ttl", s.ttl, "error", err)
		}
	}
	return nil
}

func invalidatedKeys(cs *model.Changeset) []string {
	seen := make(map[string]struct{})
	add := func(k string) { seen[k] = struct{}{} }

	for _, t := range cs.NewTokens {
		add(tokenKey(t.Tid))
	}
	for _, t := range cs.Tokens {
		add(tokenKey(t.Tid))
	}
	for _, p := range cs.Positions {
		add(positionKey(p.ID))
		add(positionsKey(p.Owner))
	}
	for _, id := range cs.BurnedPositions {
		add(positionKey(id))
	}
	for _, e := range cs.Escrows {
		add(escrowKey(e.Tid))
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetToken(ctx context.Context, tid string) (*model.Token, error) {
	var t model.Token
	if s.load(ctx, tokenKey(tid), &t) {
		return &t, nil
	}

	// Cache miss: read from primary.
	tok, err := s.primary.GetToken(ctx, tid)
	if err != nil {
		return nil, err
	}
	s.store(ctx, tokenKey(tid), tok)
	return tok, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	var p model.Position
	if s.load(ctx, positionKey(id), &p) {
		return &p, nil
	}

	pos, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, positionKey(id), pos)
	return pos, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, owner model.Address) ([]model.Position, error) {
	var positions []model.Position
	if s.load(ctx, positionsKey(owner), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.store(ctx, positionsKey(owner), positions)
	return positions, nil
}

func (s *CachedStore) GetEscrow(ctx context.Context, tid string) (*model.Escrow, error) {
	var e model.Escrow
	if s.load(ctx, escrowKey(tid), &e) {
		return &e, nil
	}

	esc, err := s.primary.GetEscrow(ctx, tid)
	if err != nil {
		return nil, err
	}
	s.store(ctx, escrowKey(tid), esc)
	return esc, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTokens(ctx context.Context) ([]model.Token, error) {
	return s.primary.ListTokens(ctx)
}

func (s *CachedStore) GetHolding(ctx context.Context, tid string, holder model.Address) (decimal.Decimal, error) {
	return s.primary.GetHolding(ctx, tid, holder)
}

func (s *CachedStore) ListHoldings(ctx context.Context, holder model.Address) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, holder)
}

func (s *CachedStore) GetAccount(ctx context.Context, addr model.Address) (decimal.Decimal, error) {
	return s.primary.GetAccount(ctx, addr)
}

func (s *CachedStore) GetEntitlement(ctx context.Context, id string) (*model.Entitlement, error) {
	return s.primary.GetEntitlement(ctx, id)
}

func (s *CachedStore) ListEntitlements(ctx context.Context, tid string) ([]model.Entitlement, error) {
	return s.primary.ListEntitlements(ctx, tid)
}

func (s *CachedStore) ListEvents(ctx context.Context, tid string) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, tid)
}

func (s *CachedStore) ListEventsByActor(ctx context.Context, actor model.Address) ([]model.Event, error) {
	return s.primary.ListEventsByActor(ctx, actor)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func tokenKey(tid string) string              { return fmt.Sprintf("token:%s", tid) }
func positionKey(id string) string            { return fmt.Sprintf("position:%s", id) }
func positionsKey(owner model.Address) string { return fmt.Sprintf("positions:%s", owner) }
func escrowKey(tid string) string             { return fmt.Sprintf("escrow:%s", tid) }
