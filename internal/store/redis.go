package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/bid-engine/internal/model"
)

// LambdaTTL bounds how long a published λ survives in Redis without a
// fresh tuning pass.
const LambdaTTL = 24 * time.Hour

const lambdaPrefix = "lambda:factor:"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Published λ values are
// also mirrored to Redis so other engine instances see them.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertAdSlot(ctx context.Context, slot *model.AdSlot) error {
	if err := s.primary.UpsertAdSlot(ctx, slot); err != nil {
		return err
	}
	s.cache(ctx, adSlotKey(slot.ID), slot)
	return nil
}

func (s *CachedStore) UpsertStrategy(ctx context.Context, st *model.BrandStrategy) error {
	if err := s.primary.UpsertStrategy(ctx, st); err != nil {
		return err
	}
	// Invalidate; CreatedAt may come back from the primary.
	s.rdb.Del(ctx, strategyKey(st.AdvertiserID))
	return nil
}

func (s *CachedStore) InsertBidHistory(ctx context.Context, entries []model.BidHistoryEntry) error {
	if err := s.primary.InsertBidHistory(ctx, entries); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.AdvertiserID] {
			seen[e.AdvertiserID] = true
			s.rdb.Del(ctx, historyKey(e.AdvertiserID))
		}
	}
	return nil
}

// SaveLambdas writes to the primary and mirrors each value to
// lambda:factor:{advertiser} with LambdaTTL.
func (s *CachedStore) SaveLambdas(ctx context.Context, values map[string]float64) error {
	if err := s.primary.SaveLambdas(ctx, values); err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	for id, v := range values {
		pipe.Set(ctx, lambdaPrefix+id, strconv.FormatFloat(v, 'f', -1, 64), LambdaTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAdSlot(ctx context.Context, id string) (*model.AdSlot, error) {
	var slot model.AdSlot
	if s.lookup(ctx, adSlotKey(id), &slot) {
		return &slot, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetAdSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, adSlotKey(id), got)
	return got, nil
}

func (s *CachedStore) GetStrategy(ctx context.Context, advertiserID string) (*model.BrandStrategy, error) {
	var st model.BrandStrategy
	if s.lookup(ctx, strategyKey(advertiserID), &st) {
		return &st, nil
	}

	got, err := s.primary.GetStrategy(ctx, advertiserID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, strategyKey(advertiserID), got)
	return got, nil
}

// GetBidHistory caches the default-sized page only.
func (s *CachedStore) GetBidHistory(ctx context.Context, advertiserID string, limit int) ([]model.BidHistoryEntry, error) {
	if limit != DefaultHistoryLimit {
		return s.primary.GetBidHistory(ctx, advertiserID, limit)
	}

	var entries []model.BidHistoryEntry
	if s.lookup(ctx, historyKey(advertiserID), &entries) {
		return entries, nil
	}

	entries, err := s.primary.GetBidHistory(ctx, advertiserID, limit)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, historyKey(advertiserID), entries)
	return entries, nil
}

// LoadLambdas overlays Redis values, which may come from another instance's
// tuner, on top of the primary's.
func (s *CachedStore) LoadLambdas(ctx context.Context) (map[string]float64, error) {
	out, err := s.primary.LoadLambdas(ctx)
	if err != nil {
		return nil, err
	}

	var keys []string
	iter := s.rdb.Scan(ctx, 0, lambdaPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil || len(keys) == 0 {
		return out, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return out, nil
	}
	for i, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		if v, err := strconv.ParseFloat(str, 64); err == nil {
			out[strings.TrimPrefix(keys[i], lambdaPrefix)] = v
		}
	}
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAdSlots(ctx context.Context) ([]model.AdSlot, error) {
	return s.primary.ListAdSlots(ctx)
}

func (s *CachedStore) ListStrategies(ctx context.Context) ([]model.BrandStrategy, error) {
	return s.primary.ListStrategies(ctx)
}

func (s *CachedStore) RecordEvent(ctx context.Context, ev *model.PerformanceEvent) (*model.PerformanceRecord, error) {
	return s.primary.RecordEvent(ctx, ev)
}

func (s *CachedStore) ListPerformance(ctx context.Context) ([]model.PerformanceRecord, error) {
	return s.primary.ListPerformance(ctx)
}

func (s *CachedStore) SaveLedgerAccount(ctx context.Context, a *model.LedgerAccount) error {
	return s.primary.SaveLedgerAccount(ctx, a)
}

func (s *CachedStore) ListLedgerAccounts(ctx context.Context) ([]model.LedgerAccount, error) {
	return s.primary.ListLedgerAccounts(ctx)
}

func (s *CachedStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	return s.primary.InsertSettlement(ctx, st)
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func adSlotKey(id string) string   { return fmt.Sprintf("adslot:%s", id) }
func strategyKey(id string) string { return fmt.Sprintf("strategy:%s", id) }
func historyKey(adv string) string { return fmt.Sprintf("history:%s", adv) }
