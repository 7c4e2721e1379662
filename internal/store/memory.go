package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tidmarket/market-engine/internal/model"
)

type holdingKey struct {
	tid    string
	holder model.Address
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	tokens       map[string]*model.Token
	holdings     map[holdingKey]decimal.Decimal
	accounts     map[model.Address]decimal.Decimal
	positions    map[string]*model.Position
	entitlements map[string]*model.Entitlement
	escrows      map[string]*model.Escrow
	events       []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:       make(map[string]*model.Token),
		holdings:     make(map[holdingKey]decimal.Decimal),
		accounts:     make(map[model.Address]decimal.Decimal),
		positions:    make(map[string]*model.Position),
		entitlements: make(map[string]*model.Entitlement),
		escrows:      make(map[string]*model.Escrow),
	}
}

func (s *MemoryStore) GetToken(_ context.Context, tid string) (*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[tid]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", tid, ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTokens(_ context.Context) ([]model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]model.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		tokens = append(tokens, *t)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].Tid < tokens[j].Tid
		}
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})
	return tokens, nil
}

func (s *MemoryStore) GetHolding(_ context.Context, tid string, holder model.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holdings[holdingKey{tid, holder}], nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, holder model.Address) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Holding
	for k, bal := range s.holdings {
		if k.holder == holder && bal.IsPositive() {
			result = append(result, model.Holding{Tid: k.tid, Holder: holder, Balance: bal})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Tid < result[j].Tid })
	return result, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, addr model.Address) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[addr], nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, owner model.Address) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Owner == owner {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) GetEntitlement(_ context.Context, id string) (*model.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entitlements[id]
	if !ok {
		return nil, fmt.Errorf("entitlement %s: %w", id, ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) ListEntitlements(_ context.Context, tid string) ([]model.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entitlement
	for _, e := range s.entitlements {
		if e.Tid == tid {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, tid string) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[tid]
	if !ok {
		return nil, fmt.Errorf("escrow %s: %w", tid, ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, tid string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Tid == tid {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListEventsByActor(_ context.Context, actor model.Address) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Actor == actor {
			result = append(result, e)
		}
	}
	return result, nil
}

// Commit applies the changeset under one write lock. Conflicts are checked
// before anything is written.
func (s *MemoryStore) Commit(_ context.Context, cs *model.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range cs.NewTokens {
		if _, ok := s.tokens[t.Tid]; ok {
			return fmt.Errorf("token %s: %w", t.Tid, ErrConflict)
		}
	}

	for _, t := range append(append([]model.Token(nil), cs.NewTokens...), cs.Tokens...) {
		copy := t
		s.tokens[t.Tid] = &copy
	}
	for _, h := range cs.Holdings {
		k := holdingKey{h.Tid, h.Holder}
		if h.Balance.IsZero() {
			delete(s.holdings, k)
			continue
		}
		s.holdings[k] = h.Balance
	}
	for _, a := range cs.Accounts {
		s.accounts[a.Address] = a.Balance
	}
	for _, p := range cs.Positions {
		copy := p
		s.positions[p.ID] = &copy
	}
	for _, id := range cs.BurnedPositions {
		delete(s.positions, id)
	}
	for _, e := range cs.Entitlements {
		copy := e
		s.entitlements[e.ID] = &copy
	}
	for _, e := range cs.Escrows {
		copy := e
		s.escrows[e.Tid] = &copy
	}
	s.events = append(s.events, cs.Events...)
	return nil
}
