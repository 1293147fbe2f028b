package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables the engine reads and writes, if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Ad slots ---

func (s *PostgresStore) UpsertAdSlot(ctx context.Context, slot *model.AdSlot) error {
	slotCtx, err := json.Marshal(slot.Context)
	if err != nil {
		return fmt.Errorf("encode slot context: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ad_slots (id, floor_price, width, height, position, placement, context)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7::JSONB)
		 ON CONFLICT (id) DO UPDATE
		 SET floor_price = EXCLUDED.floor_price, width = EXCLUDED.width, height = EXCLUDED.height,
		     position = EXCLUDED.position, placement = EXCLUDED.placement, context = EXCLUDED.context`,
		slot.ID, slot.FloorPrice.String(), slot.Width, slot.Height, slot.Position, slot.Placement, string(slotCtx),
	)
	return err
}

const adSlotColumns = `id, floor_price::TEXT, width, height, position, placement, context::TEXT`

func scanAdSlot(row pgx.Row) (*model.AdSlot, error) {
	var slot model.AdSlot
	var floor, slotCtx string
	if err := row.Scan(&slot.ID, &floor, &slot.Width, &slot.Height, &slot.Position, &slot.Placement, &slotCtx); err != nil {
		return nil, err
	}
	slot.FloorPrice, _ = decimal.NewFromString(floor)
	if err := json.Unmarshal([]byte(slotCtx), &slot.Context); err != nil {
		return nil, fmt.Errorf("decode slot %s context: %w", slot.ID, err)
	}
	return &slot, nil
}

func (s *PostgresStore) GetAdSlot(ctx context.Context, id string) (*model.AdSlot, error) {
	slot, err := scanAdSlot(s.pool.QueryRow(ctx,
		`SELECT `+adSlotColumns+` FROM ad_slots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ad slot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ad slot %s: %w", id, err)
	}
	return slot, nil
}

func (s *PostgresStore) ListAdSlots(ctx context.Context) ([]model.AdSlot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+adSlotColumns+` FROM ad_slots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []model.AdSlot
	for rows.Next() {
		slot, err := scanAdSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *slot)
	}
	return slots, rows.Err()
}

// --- Brand strategies ---

func (s *PostgresStore) UpsertStrategy(ctx context.Context, st *model.BrandStrategy) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO brand_strategies (advertiser_id, vpi_multiplier, priority, min_bid_vpi, max_bid_vpi,
		                               optimization_mode, cpa_on_other_traffic_enabled, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9)
		 ON CONFLICT (advertiser_id) DO UPDATE
		 SET vpi_multiplier = EXCLUDED.vpi_multiplier, priority = EXCLUDED.priority,
		     min_bid_vpi = EXCLUDED.min_bid_vpi, max_bid_vpi = EXCLUDED.max_bid_vpi,
		     optimization_mode = EXCLUDED.optimization_mode,
		     cpa_on_other_traffic_enabled = EXCLUDED.cpa_on_other_traffic_enabled,
		     updated_at = EXCLUDED.updated_at
		 RETURNING created_at`,
		st.AdvertiserID, st.VPIMultiplier.String(), st.Priority,
		nullNumeric(st.MinBidVPI), nullNumeric(st.MaxBidVPI),
		string(st.OptimizationMode), st.CPAOnOtherTrafficEnabled, st.CreatedAt, st.UpdatedAt,
	).Scan(&st.CreatedAt)
}

const strategyColumns = `advertiser_id, vpi_multiplier::TEXT, priority, min_bid_vpi::TEXT, max_bid_vpi::TEXT,
		optimization_mode, cpa_on_other_traffic_enabled, created_at, updated_at`

func scanStrategy(row pgx.Row) (*model.BrandStrategy, error) {
	var st model.BrandStrategy
	var mult, mode string
	var minVPI, maxVPI *string
	if err := row.Scan(&st.AdvertiserID, &mult, &st.Priority, &minVPI, &maxVPI,
		&mode, &st.CPAOnOtherTrafficEnabled, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.VPIMultiplier, _ = decimal.NewFromString(mult)
	st.MinBidVPI = parseNullNumeric(minVPI)
	st.MaxBidVPI = parseNullNumeric(maxVPI)
	st.OptimizationMode = model.OptimizationMode(mode)
	return &st, nil
}

func (s *PostgresStore) GetStrategy(ctx context.Context, advertiserID string) (*model.BrandStrategy, error) {
	st, err := scanStrategy(s.pool.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM brand_strategies WHERE advertiser_id = $1`, advertiserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("strategy for %s: %w", advertiserID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy %s: %w", advertiserID, err)
	}
	return st, nil
}

func (s *PostgresStore) ListStrategies(ctx context.Context) ([]model.BrandStrategy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+strategyColumns+` FROM brand_strategies ORDER BY advertiser_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BrandStrategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// --- Performance ---

// RecordEvent claims the event id and increments the counters in one
// transaction, so a redelivered event is counted once.
func (s *PostgresStore) RecordEvent(ctx context.Context, ev *model.PerformanceEvent) (*model.PerformanceRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("record event %s: %w", ev.EventID, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO performance_events (event_id, event_type, advertiser_id, ad_slot_id, order_value, occurred_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, string(ev.Type), ev.AdvertiserID, ev.AdSlotID, nullNumeric(ev.OrderValue), ev.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("record event %s: %w", ev.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("event %s: %w", ev.EventID, ErrDuplicateEvent)
	}

	var delta model.PerformanceRecord
	ev.Apply(&delta)
	rec := model.PerformanceRecord{AdvertiserID: ev.AdvertiserID, AdSlotID: ev.AdSlotID}
	var aov string
	err = tx.QueryRow(ctx,
		`INSERT INTO performance_records (advertiser_id, ad_slot_id, impressions, clicks, conversions, order_value_sum, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)
		 ON CONFLICT (advertiser_id, ad_slot_id) DO UPDATE
		 SET impressions = performance_records.impressions + EXCLUDED.impressions,
		     clicks = performance_records.clicks + EXCLUDED.clicks,
		     conversions = performance_records.conversions + EXCLUDED.conversions,
		     order_value_sum = performance_records.order_value_sum + EXCLUDED.order_value_sum,
		     updated_at = GREATEST(performance_records.updated_at, EXCLUDED.updated_at)
		 RETURNING impressions, clicks, conversions, order_value_sum::TEXT, updated_at`,
		ev.AdvertiserID, ev.AdSlotID, delta.Impressions, delta.Clicks, delta.Conversions,
		delta.OrderValueSum.String(), delta.UpdatedAt,
	).Scan(&rec.Impressions, &rec.Clicks, &rec.Conversions, &aov, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("record event %s: %w", ev.EventID, err)
	}
	rec.OrderValueSum, _ = decimal.NewFromString(aov)

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("record event %s: %w", ev.EventID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListPerformance(ctx context.Context) ([]model.PerformanceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT advertiser_id, ad_slot_id, impressions, clicks, conversions, order_value_sum::TEXT, updated_at
		 FROM performance_records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PerformanceRecord
	for rows.Next() {
		var rec model.PerformanceRecord
		var aov string
		if err := rows.Scan(&rec.AdvertiserID, &rec.AdSlotID, &rec.Impressions, &rec.Clicks,
			&rec.Conversions, &aov, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.OrderValueSum, _ = decimal.NewFromString(aov)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Ledger ---

func (s *PostgresStore) SaveLedgerAccount(ctx context.Context, a *model.LedgerAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_accounts (advertiser_id, daily_budget, spent_to_date, realized_revenue_to_date,
		                              target_roas, lambda, period_start)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (advertiser_id) DO UPDATE
		 SET daily_budget = EXCLUDED.daily_budget, spent_to_date = EXCLUDED.spent_to_date,
		     realized_revenue_to_date = EXCLUDED.realized_revenue_to_date,
		     target_roas = EXCLUDED.target_roas, lambda = EXCLUDED.lambda,
		     period_start = EXCLUDED.period_start`,
		a.AdvertiserID, nullNumeric(a.DailyBudget), a.SpentToDate.String(),
		a.RealizedRevenueToDate.String(), a.TargetROAS.String(), a.Lambda, a.PeriodStart,
	)
	return err
}

func (s *PostgresStore) ListLedgerAccounts(ctx context.Context) ([]model.LedgerAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT advertiser_id, daily_budget::TEXT, spent_to_date::TEXT, realized_revenue_to_date::TEXT,
		        target_roas::TEXT, lambda, period_start
		 FROM ledger_accounts ORDER BY advertiser_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerAccount
	for rows.Next() {
		var a model.LedgerAccount
		var budget *string
		var spent, revenue, target string
		if err := rows.Scan(&a.AdvertiserID, &budget, &spent, &revenue, &target, &a.Lambda, &a.PeriodStart); err != nil {
			return nil, err
		}
		a.DailyBudget = parseNullNumeric(budget)
		a.SpentToDate, _ = decimal.NewFromString(spent)
		a.RealizedRevenueToDate, _ = decimal.NewFromString(revenue)
		a.TargetROAS, _ = decimal.NewFromString(target)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveLambdas writes λ onto existing ledger rows. Advertisers without a row
// are skipped; they pick up the default λ after a restart.
func (s *PostgresStore) SaveLambdas(ctx context.Context, values map[string]float64) error {
	batch := &pgx.Batch{}
	for id, v := range values {
		batch.Queue(`UPDATE ledger_accounts SET lambda = $2 WHERE advertiser_id = $1`, id, v)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) LoadLambdas(ctx context.Context) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT advertiser_id, lambda FROM ledger_accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var v float64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, rows.Err()
}

// --- Auction outcomes ---

func (s *PostgresStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (auction_id, ad_slot_id, bid_id, advertiser_id, cost, score, settled_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		st.AuctionID, st.AdSlotID, st.BidID, st.AdvertiserID,
		st.Cost.String(), st.Score.String(), st.SettledAt,
	)
	return err
}

func (s *PostgresStore) InsertBidHistory(ctx context.Context, entries []model.BidHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO bid_history (auction_id, advertiser_id, ad_slot_id, bid_id, pricing_model, amount,
			                          normalized_vpi, quality_factor, ctr, cvr, adjusted_score, won,
			                          rejection_reason, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11::NUMERIC, $12, $13, $14)`,
			e.AuctionID, e.AdvertiserID, e.AdSlotID, e.BidID, string(e.PricingModel), e.Amount.String(),
			e.NormalizedVPI.String(), e.QualityFactor, e.CTR, e.CVR, e.AdjustedScore.String(), e.Won,
			e.RejectionReason, e.Timestamp,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) GetBidHistory(ctx context.Context, advertiserID string, limit int) ([]model.BidHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT auction_id, advertiser_id, ad_slot_id, bid_id, pricing_model, amount::TEXT,
		        normalized_vpi::TEXT, quality_factor, ctr, cvr, adjusted_score::TEXT, won,
		        rejection_reason, timestamp
		 FROM bid_history WHERE advertiser_id = $1
		 ORDER BY timestamp DESC, id DESC LIMIT $2`, advertiserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BidHistoryEntry
	for rows.Next() {
		var e model.BidHistoryEntry
		var pm, amount, vpi, score string
		if err := rows.Scan(&e.AuctionID, &e.AdvertiserID, &e.AdSlotID, &e.BidID, &pm, &amount,
			&vpi, &e.QualityFactor, &e.CTR, &e.CVR, &score, &e.Won,
			&e.RejectionReason, &e.Timestamp); err != nil {
			return nil, err
		}
		e.PricingModel = model.PricingModel(pm)
		e.Amount, _ = decimal.NewFromString(amount)
		e.NormalizedVPI, _ = decimal.NewFromString(vpi)
		e.AdjustedScore, _ = decimal.NewFromString(score)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullNumeric(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullNumeric(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
