package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/tranche-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) SaveLedger(ctx context.Context, st *model.LedgerState) error {
	if err := s.primary.SaveLedger(ctx, st); err != nil {
		return err
	}
	s.cache(ctx, ledgerKey(st.ID), st)
	return nil
}

func (s *CachedStore) SaveRegistry(ctx context.Context, st *model.RegistryState) error {
	if err := s.primary.SaveRegistry(ctx, st); err != nil {
		return err
	}
	s.cache(ctx, registryKey(st.Ledger), st)
	return nil
}

func (s *CachedStore) SaveDeposit(ctx context.Context, d *model.PendingDeposit) error {
	if err := s.primary.SaveDeposit(ctx, d); err != nil {
		return err
	}
	s.cache(ctx, depositKey(d.Ledger, d.ID), d)
	// Invalidate the list; next read will re-populate.
	s.rdb.Del(ctx, depositsKey(d.Ledger))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLedger(ctx context.Context, id string) (*model.LedgerState, error) {
	var st model.LedgerState
	if s.cached(ctx, ledgerKey(id), &st) {
		return &st, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ledgerKey(id), got)
	return got, nil
}

func (s *CachedStore) GetRegistry(ctx context.Context, ledger string) (*model.RegistryState, error) {
	var st model.RegistryState
	if s.cached(ctx, registryKey(ledger), &st) {
		return &st, nil
	}

	got, err := s.primary.GetRegistry(ctx, ledger)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, registryKey(ledger), got)
	return got, nil
}

func (s *CachedStore) GetDeposit(ctx context.Context, ledger string, id uint64) (*model.PendingDeposit, error) {
	var d model.PendingDeposit
	if s.cached(ctx, depositKey(ledger, id), &d) {
		return &d, nil
	}

	got, err := s.primary.GetDeposit(ctx, ledger, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, depositKey(ledger, id), got)
	return got, nil
}

func (s *CachedStore) ListDeposits(ctx context.Context, ledger string) ([]model.PendingDeposit, error) {
	var deposits []model.PendingDeposit
	if s.cached(ctx, depositsKey(ledger), &deposits) {
		return deposits, nil
	}

	deposits, err := s.primary.ListDeposits(ctx, ledger)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, depositsKey(ledger), deposits)
	return deposits, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.primary.InsertEvent(ctx, e)
}

func (s *CachedStore) ListEvents(ctx context.Context, ledger string, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, ledger, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) cached(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func ledgerKey(id string) string                { return fmt.Sprintf("ledger:%s", id) }
func registryKey(ledger string) string          { return fmt.Sprintf("registry:%s", ledger) }
func depositKey(ledger string, id uint64) string { return fmt.Sprintf("deposit:%s:%d", ledger, id) }
func depositsKey(ledger string) string          { return fmt.Sprintf("deposits:%s", ledger) }
