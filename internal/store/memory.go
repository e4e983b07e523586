package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/tranche-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	ledgers    map[string]model.LedgerState
	registries map[string]model.RegistryState
	deposits   map[string]map[uint64]model.PendingDeposit
	events     []model.Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers:    make(map[string]model.LedgerState),
		registries: make(map[string]model.RegistryState),
		deposits:   make(map[string]map[uint64]model.PendingDeposit),
	}
}

func (s *MemoryStore) SaveLedger(_ context.Context, st *model.LedgerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *st
	cp.Minters = append([]string(nil), st.Minters...)
	cp.Holdings = append([]model.Holding(nil), st.Holdings...)
	s.ledgers[st.ID] = cp
	return nil
}

func (s *MemoryStore) GetLedger(_ context.Context, id string) (*model.LedgerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.ledgers[id]
	if !ok {
		return nil, fmt.Errorf("ledger %s: %w", id, ErrNotFound)
	}
	st.Minters = append([]string(nil), st.Minters...)
	st.Holdings = append([]model.Holding(nil), st.Holdings...)
	return &st, nil
}

func (s *MemoryStore) SaveRegistry(_ context.Context, st *model.RegistryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	cp.LPTokens = append([]string(nil), st.LPTokens...)
	cp.Depositors = append([]string(nil), st.Depositors...)
	s.registries[st.Ledger] = cp
	return nil
}

func (s *MemoryStore) GetRegistry(_ context.Context, ledger string) (*model.RegistryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.registries[ledger]
	if !ok {
		return nil, fmt.Errorf("registry %s: %w", ledger, ErrNotFound)
	}
	st.LPTokens = append([]string(nil), st.LPTokens...)
	st.Depositors = append([]string(nil), st.Depositors...)
	return &st, nil
}

func (s *MemoryStore) SaveDeposit(_ context.Context, d *model.PendingDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.deposits[d.Ledger]
	if !ok {
		byID = make(map[uint64]model.PendingDeposit)
		s.deposits[d.Ledger] = byID
	}
	byID[d.ID] = *d
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, ledger string, id uint64) (*model.PendingDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[ledger][id]
	if !ok {
		return nil, fmt.Errorf("deposit %s/%d: %w", ledger, id, ErrNotFound)
	}
	return &d, nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, ledger string) ([]model.PendingDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.PendingDeposit, 0, len(s.deposits[ledger]))
	for _, d := range s.deposits[ledger] {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, ledger string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if ledger == "" || e.Ledger == ledger {
			result = append(result, e)
		}
	}
	return tail(result, limit), nil
}
