package deposit

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/tranche-engine/internal/apperr"
)

var ErrInsufficientEscrow = apperr.New(apperr.ErrState, "deposit: escrow balance too low")

// MemorySink is an in-memory Sink. It tracks what is held in escrow per LP
// token, what has been deployed, and what has been returned per depositor.
type MemorySink struct {
	mu       sync.RWMutex
	escrowed map[string]decimal.Decimal
	deployed map[string]decimal.Decimal
	returned map[string]decimal.Decimal
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		escrowed: make(map[string]decimal.Decimal),
		deployed: make(map[string]decimal.Decimal),
		returned: make(map[string]decimal.Decimal),
	}
}

func (s *MemorySink) Escrow(_ context.Context, _ string, lpToken string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrowed[lpToken] = s.escrowed[lpToken].Add(amount)
	return nil
}

func (s *MemorySink) Release(_ context.Context, depositor, lpToken string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(lpToken, amount); err != nil {
		return err
	}
	s.returned[depositor] = s.returned[depositor].Add(amount)
	return nil
}

func (s *MemorySink) Deploy(_ context.Context, lpToken string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.take(lpToken, amount); err != nil {
		return err
	}
	s.deployed[lpToken] = s.deployed[lpToken].Add(amount)
	return nil
}

func (s *MemorySink) take(lpToken string, amount decimal.Decimal) error {
	held := s.escrowed[lpToken]
	if held.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientEscrow, lpToken, held, amount)
	}
	s.escrowed[lpToken] = held.Sub(amount)
	return nil
}

// Escrowed returns the LP amount of lpToken currently held in escrow.
func (s *MemorySink) Escrowed(lpToken string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.escrowed[lpToken]
}

// Deployed returns the LP amount of lpToken handed to the position.
func (s *MemorySink) Deployed(lpToken string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deployed[lpToken]
}

// Returned returns the total LP value given back to depositor.
func (s *MemorySink) Returned(depositor string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returned[depositor]
}

// Holdings reports everything deployed, across LP tokens. It lets the
// sink act as a Senior value source in oracle mode.
func (s *MemorySink) Holdings(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, v := range s.deployed {
		total = total.Add(v)
	}
	return total, nil
}

// State returns copies of the three books, keyed as in the sink.
func (s *MemorySink) State() (escrowed, deployed, returned map[string]decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.escrowed), clone(s.deployed), clone(s.returned)
}

// Restore replaces the three books.
func (s *MemorySink) Restore(escrowed, deployed, returned map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrowed, s.deployed, s.returned = clone(escrowed), clone(deployed), clone(returned)
}

func clone(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
