// Package store defines the persistence interface for the bid engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Nothing here is called on the per-bid path: snapshots are loaded by the
// refresh job and writes happen after settlement.
package store

import (
	"context"
	"errors"

	"github.com/atmx/bid-engine/internal/model"
)

// ErrNotFound is returned when a keyed entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateEvent is returned when a performance event id was already
// recorded.
var ErrDuplicateEvent = errors.New("store: duplicate event")

// DefaultHistoryLimit is the bid history page size when none is requested.
const DefaultHistoryLimit = 10

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Ad slots (publisher-owned, read by the engine) ---

	UpsertAdSlot(ctx context.Context, slot *model.AdSlot) error
	GetAdSlot(ctx context.Context, id string) (*model.AdSlot, error)
	ListAdSlots(ctx context.Context) ([]model.AdSlot, error)

	// --- Brand strategies ---

	// UpsertStrategy stores s; CreatedAt is kept from the existing row.
	UpsertStrategy(ctx context.Context, s *model.BrandStrategy) error
	GetStrategy(ctx context.Context, advertiserID string) (*model.BrandStrategy, error)
	ListStrategies(ctx context.Context) ([]model.BrandStrategy, error)

	// --- Performance counters (written by event ingestion) ---

	// RecordEvent applies ev to its (advertiser, slot) counters once per
	// event id and returns the updated record. A repeated id returns
	// ErrDuplicateEvent and changes nothing.
	RecordEvent(ctx context.Context, ev *model.PerformanceEvent) (*model.PerformanceRecord, error)
	ListPerformance(ctx context.Context) ([]model.PerformanceRecord, error)

	// --- Spend ledger ---

	SaveLedgerAccount(ctx context.Context, acct *model.LedgerAccount) error
	ListLedgerAccounts(ctx context.Context) ([]model.LedgerAccount, error)

	// SaveLambdas persists the latest published λ set.
	SaveLambdas(ctx context.Context, values map[string]float64) error
	LoadLambdas(ctx context.Context) (map[string]float64, error)

	// --- Auction outcomes (append-only) ---

	InsertSettlement(ctx context.Context, s *model.Settlement) error
	InsertBidHistory(ctx context.Context, entries []model.BidHistoryEntry) error

	// GetBidHistory returns an advertiser's most recent entries, newest first.
	GetBidHistory(ctx context.Context, advertiserID string, limit int) ([]model.BidHistoryEntry, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
