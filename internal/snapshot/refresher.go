package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/bid-engine/internal/metrics"
	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/store"
)

// Refresher reloads the cache from the store on a fixed interval. It is the
// cache's only bulk writer.
type Refresher struct {
	cache    *Cache
	store    store.Store
	interval time.Duration
	now      func() time.Time
}

// NewRefresher creates a refresher; call Refresh once before serving.
func NewRefresher(cache *Cache, st store.Store, interval time.Duration) *Refresher {
	return &Refresher{cache: cache, store: st, interval: interval, now: time.Now}
}

// Refresh loads everything in parallel and publishes one new view. On any
// error the current view is kept.
func (r *Refresher) Refresh(ctx context.Context) error {
	var (
		perf       []model.PerformanceRecord
		strategies []model.BrandStrategy
		slots      []model.AdSlot
	)
	loadedAt := r.now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		perf, err = r.store.ListPerformance(gctx)
		if err != nil {
			return fmt.Errorf("load performance: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		strategies, err = r.store.ListStrategies(gctx)
		if err != nil {
			return fmt.Errorf("load strategies: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		slots, err = r.store.ListAdSlots(gctx)
		if err != nil {
			return fmt.Errorf("load ad slots: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		metrics.SnapshotRefreshes.WithLabelValues("all", "error").Inc()
		return err
	}

	r.cache.Replace(perf, strategies, slots, loadedAt)
	metrics.SnapshotRefreshes.WithLabelValues("all", "ok").Inc()
	return nil
}

// Run refreshes every interval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				slog.Warn("snapshot refresh failed, keeping previous view", "err", err)
				continue
			}
			p, s, a := r.cache.View().Len()
			slog.Debug("snapshot refreshed", "performance", p, "strategies", s, "ad_slots", a)
		}
	}
}
