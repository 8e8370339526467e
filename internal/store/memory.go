package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// MemoryStore implements LedgerStore with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	coverages map[string]model.Coverage
	hedges    map[string]model.HedgeLedgerEntry
	realized  decimal.Decimal
	lots      []model.NetLot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		coverages: make(map[string]model.Coverage),
		hedges:    make(map[string]model.HedgeLedgerEntry),
	}
}

func (s *MemoryStore) SaveCoverage(_ context.Context, c model.Coverage) error {
	if c.ID == "" {
		return fmt.Errorf("store: coverage without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.coverages[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetCoverage(_ context.Context, id string) (model.Coverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.coverages[id]
	if !ok {
		return model.Coverage{}, fmt.Errorf("coverage %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) LoadCoverages(_ context.Context) ([]model.Coverage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Coverage, 0, len(s.coverages))
	for _, c := range s.coverages {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveHedgeEntry(_ context.Context, e model.HedgeLedgerEntry, realizedPnL decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hedges[e.Instrument] = e
	s.realized = realizedPnL
	return nil
}

func (s *MemoryStore) LoadHedgeLedger(_ context.Context) (HedgeLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l := HedgeLedger{RealizedPnL: s.realized, Entries: make([]model.HedgeLedgerEntry, 0, len(s.hedges))}
	for _, e := range s.hedges {
		l.Entries = append(l.Entries, e)
	}
	sort.Slice(l.Entries, func(i, j int) bool { return l.Entries[i].Instrument < l.Entries[j].Instrument })
	return l, nil
}

func (s *MemoryStore) SaveNetLot(_ context.Context, lot model.NetLot) error {
	if lot.ID == "" {
		return fmt.Errorf("store: net lot without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.lots {
		if l.ID == lot.ID {
			return nil
		}
	}
	s.lots = append(s.lots, lot)
	return nil
}

func (s *MemoryStore) LoadNetLots(_ context.Context) ([]model.NetLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.NetLot(nil), s.lots...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
