package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/bid-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	slots       map[string]*model.AdSlot
	strategies  map[string]*model.BrandStrategy
	performance map[string]*model.PerformanceRecord
	events      map[string]bool
	accounts    map[string]*model.LedgerAccount
	lambdas     map[string]float64
	settlements []model.Settlement
	history     []model.BidHistoryEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:       make(map[string]*model.AdSlot),
		strategies:  make(map[string]*model.BrandStrategy),
		performance: make(map[string]*model.PerformanceRecord),
		events:      make(map[string]bool),
		accounts:    make(map[string]*model.LedgerAccount),
		lambdas:     make(map[string]float64),
	}
}

func (s *MemoryStore) UpsertAdSlot(_ context.Context, slot *model.AdSlot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := *slot
	s.slots[slot.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAdSlot(_ context.Context, id string) (*model.AdSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.slots[id]
	if !ok {
		return nil, fmt.Errorf("ad slot %s: %w", id, ErrNotFound)
	}
	cp := *slot
	return &cp, nil
}

func (s *MemoryStore) ListAdSlots(_ context.Context) ([]model.AdSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slots := make([]model.AdSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, *slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
	return slots, nil
}

func (s *MemoryStore) UpsertStrategy(_ context.Context, st *model.BrandStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *st
	if existing, ok := s.strategies[st.AdvertiserID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.strategies[st.AdvertiserID] = &cp
	*st = cp
	return nil
}

func (s *MemoryStore) GetStrategy(_ context.Context, advertiserID string) (*model.BrandStrategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[advertiserID]
	if !ok {
		return nil, fmt.Errorf("strategy for %s: %w", advertiserID, ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListStrategies(_ context.Context) ([]model.BrandStrategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.BrandStrategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdvertiserID < out[j].AdvertiserID })
	return out, nil
}

func (s *MemoryStore) RecordEvent(_ context.Context, ev *model.PerformanceEvent) (*model.PerformanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events[ev.EventID] {
		return nil, fmt.Errorf("event %s: %w", ev.EventID, ErrDuplicateEvent)
	}
	s.events[ev.EventID] = true

	key := performanceKey(ev.AdvertiserID, ev.AdSlotID)
	rec, ok := s.performance[key]
	if !ok {
		rec = &model.PerformanceRecord{AdvertiserID: ev.AdvertiserID, AdSlotID: ev.AdSlotID}
		s.performance[key] = rec
	}
	ev.Apply(rec)
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListPerformance(_ context.Context) ([]model.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PerformanceRecord, 0, len(s.performance))
	for _, rec := range s.performance {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryStore) SaveLedgerAccount(_ context.Context, acct *model.LedgerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *acct
	s.accounts[acct.AdvertiserID] = &cp
	return nil
}

func (s *MemoryStore) ListLedgerAccounts(_ context.Context) ([]model.LedgerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.LedgerAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdvertiserID < out[j].AdvertiserID })
	return out, nil
}

func (s *MemoryStore) SaveLambdas(_ context.Context, values map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		s.lambdas[k] = v
	}
	return nil
}

func (s *MemoryStore) LoadLambdas(_ context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]float64, len(s.lambdas))
	for k, v := range s.lambdas {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) InsertSettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements = append(s.settlements, *st)
	return nil
}

// Settlements returns every recorded settlement in insertion order.
func (s *MemoryStore) Settlements() []model.Settlement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Settlement, len(s.settlements))
	copy(out, s.settlements)
	return out
}

func (s *MemoryStore) InsertBidHistory(_ context.Context, entries []model.BidHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, entries...)
	return nil
}

func (s *MemoryStore) GetBidHistory(_ context.Context, advertiserID string, limit int) ([]model.BidHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.BidHistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].AdvertiserID != advertiserID {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func performanceKey(advertiserID, slotID string) string {
	return advertiserID + "|" + slotID
}
