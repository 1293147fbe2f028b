// Package snapshot holds the in-memory, read-only view of performance
// counters, brand strategies and ad slots that the scoring path reads.
//
// A View is immutable once published. Writers (the periodic refresher and
// the strategy API) build a new View and swap it in; readers load the
// pointer once per auction round and never block.
package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/bid-engine/internal/model"
)

// View is one published snapshot.
type View struct {
	performance map[perfKey]model.PerformanceRecord
	strategies  map[string]model.BrandStrategy
	slots       map[string]model.AdSlot
	loadedAt    time.Time
}

type perfKey struct {
	advertiserID string
	adSlotID     string
}

// Performance returns the counters for an (advertiser, slot) pair. The
// zero record, meaning no history, is returned when none is cached.
func (v *View) Performance(advertiserID, adSlotID string) model.PerformanceRecord {
	if rec, ok := v.performance[perfKey{advertiserID, adSlotID}]; ok {
		return rec
	}
	return model.PerformanceRecord{AdvertiserID: advertiserID, AdSlotID: adSlotID}
}

// Strategy returns the advertiser's configured strategy, if any.
func (v *View) Strategy(advertiserID string) (model.BrandStrategy, bool) {
	s, ok := v.strategies[advertiserID]
	return s, ok
}

// AdSlot returns a cached ad slot.
func (v *View) AdSlot(id string) (model.AdSlot, bool) {
	s, ok := v.slots[id]
	return s, ok
}

// LoadedAt is when the view's data was read from the store.
func (v *View) LoadedAt() time.Time { return v.loadedAt }

// Len reports cached entity counts.
func (v *View) Len() (performance, strategies, slots int) {
	return len(v.performance), len(v.strategies), len(v.slots)
}

// Cache publishes Views.
type Cache struct {
	current atomic.Pointer[View]
	// writers only; readers never take it
	mu sync.Mutex
}

// NewCache creates a cache holding an empty view.
func NewCache() *Cache {
	c := &Cache{}
	c.current.Store(&View{
		performance: map[perfKey]model.PerformanceRecord{},
		strategies:  map[string]model.BrandStrategy{},
		slots:       map[string]model.AdSlot{},
	})
	return c
}

// View returns the current snapshot.
func (c *Cache) View() *View {
	return c.current.Load()
}

// Replace builds and publishes a complete new view.
func (c *Cache) Replace(perf []model.PerformanceRecord, strategies []model.BrandStrategy, slots []model.AdSlot, loadedAt time.Time) {
	v := &View{
		performance: make(map[perfKey]model.PerformanceRecord, len(perf)),
		strategies:  make(map[string]model.BrandStrategy, len(strategies)),
		slots:       make(map[string]model.AdSlot, len(slots)),
		loadedAt:    loadedAt,
	}
	for _, rec := range perf {
		v.performance[perfKey{rec.AdvertiserID, rec.AdSlotID}] = rec
	}
	for _, s := range strategies {
		v.strategies[s.AdvertiserID] = s
	}
	for _, s := range slots {
		v.slots[s.ID] = s
	}

	c.mu.Lock()
	c.current.Store(v)
	c.mu.Unlock()
}

// UpsertStrategy publishes a view with s replacing any existing strategy
// for the same advertiser.
func (c *Cache) UpsertStrategy(s model.BrandStrategy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	strategies := make(map[string]model.BrandStrategy, len(old.strategies)+1)
	for k, v := range old.strategies {
		strategies[k] = v
	}
	strategies[s.AdvertiserID] = s

	next := *old
	next.strategies = strategies
	c.current.Store(&next)
}

// UpsertAdSlot publishes a view with slot added or replaced.
func (c *Cache) UpsertAdSlot(slot model.AdSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	slots := make(map[string]model.AdSlot, len(old.slots)+1)
	for k, v := range old.slots {
		slots[k] = v
	}
	slots[slot.ID] = slot

	next := *old
	next.slots = slots
	c.current.Store(&next)
}

// UpsertPerformance publishes a view with rec added or replaced.
func (c *Cache) UpsertPerformance(rec model.PerformanceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Load()
	perf := make(map[perfKey]model.PerformanceRecord, len(old.performance)+1)
	for k, v := range old.performance {
		perf[k] = v
	}
	perf[perfKey{rec.AdvertiserID, rec.AdSlotID}] = rec

	next := *old
	next.performance = perf
	c.current.Store(&next)
}
