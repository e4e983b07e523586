// Package store defines the persistence interface for the tranche engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), bbolt (single-node embedded) and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/tranche-engine/internal/apperr"
	"github.com/atmx/tranche-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = apperr.New(apperr.ErrState, "store: not found")

// Store is the persistence interface. Every write replaces the whole
// record; the engine always saves the full state it just validated.
type Store interface {
	// --- Ledger state ---

	// SaveLedger upserts the full state of one ledger.
	SaveLedger(ctx context.Context, st *model.LedgerState) error

	// GetLedger retrieves a ledger's state by its ID.
	GetLedger(ctx context.Context, id string) (*model.LedgerState, error)

	// --- Deposit registries ---

	// SaveRegistry upserts a registry's configuration, keyed by ledger.
	SaveRegistry(ctx context.Context, st *model.RegistryState) error

	// GetRegistry retrieves the registry configuration for a ledger.
	GetRegistry(ctx context.Context, ledger string) (*model.RegistryState, error)

	// SaveDeposit upserts one pending deposit record.
	SaveDeposit(ctx context.Context, d *model.PendingDeposit) error

	// GetDeposit retrieves a deposit by ledger and id.
	GetDeposit(ctx context.Context, ledger string, id uint64) (*model.PendingDeposit, error)

	// ListDeposits returns every deposit for a ledger in id order.
	ListDeposits(ctx context.Context, ledger string) ([]model.PendingDeposit, error)

	// --- Immutable audit log ---

	// InsertEvent appends an immutable event.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEvents returns up to limit of the most recent events, oldest
	// first. An empty ledger matches every ledger; limit <= 0 means all.
	ListEvents(ctx context.Context, ledger string, limit int) ([]model.Event, error)
}

// tail keeps the last limit events.
func tail(events []model.Event, limit int) []model.Event {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}
