// Package model defines the core domain types shared across the bid engine.
// All monetary values use shopspring/decimal, never float64 for money.
// Rates (CTR, CVR), quality factors and λ are dimensionless float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PricingModel is the tag of a bid's pricing variant.
type PricingModel string

const (
	PricingCPAFixed   PricingModel = "CPA_FIXED"
	PricingCPAPercent PricingModel = "CPA_PERCENT"
	PricingCPC        PricingModel = "CPC"
	PricingCPM        PricingModel = "CPM"
)

// PricingModels lists every supported pricing model.
var PricingModels = []PricingModel{PricingCPAFixed, PricingCPAPercent, PricingCPC, PricingCPM}

// ParsePricingModel accepts the canonical tags case-insensitively. The bare
// "CPA" tag used by older clients maps to CPA_FIXED.
func ParsePricingModel(s string) (PricingModel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CPA_FIXED", "CPA":
		return PricingCPAFixed, true
	case "CPA_PERCENT":
		return PricingCPAPercent, true
	case "CPC":
		return PricingCPC, true
	case "CPM":
		return PricingCPM, true
	}
	return PricingModel(s), false
}

// IsCPA reports whether p is one of the per-acquisition variants.
func (p PricingModel) IsCPA() bool {
	return p == PricingCPAFixed || p == PricingCPAPercent
}

// CommissionTier is a product-metadata based commission rule. Bids carrying
// tiers are a disallowed CPA variant and never reach scoring.
type CommissionTier struct {
	ProductCategory string          `json:"product_category"`
	Rate            decimal.Decimal `json:"rate"`
}

// Bid is one advertiser's offer for one ad slot. Immutable once submitted to
// an auction round.
type Bid struct {
	ID              string              `json:"id"`
	AdvertiserID    string              `json:"advertiser_id"`
	AdSlotID        string              `json:"ad_slot_id"`
	PricingModel    PricingModel        `json:"pricing_model"`
	Amount          decimal.Decimal     `json:"amount"`
	PercentRate     decimal.NullDecimal `json:"percent_rate"`
	CommissionTiers []CommissionTier    `json:"commission_tiers,omitempty"`
	SubmittedAt     time.Time           `json:"submitted_at"`
}

// DeviceType follows the original slot taxonomy: 0=unknown, 1=desktop,
// 2=mobile, 3=tablet.
type DeviceType int

const (
	DeviceUnknown DeviceType = iota
	DeviceDesktop
	DeviceMobile
	DeviceTablet
)

// CreativeType: 0=unknown, 1=image, 2=video, 3=native.
type CreativeType int

const (
	CreativeUnknown CreativeType = iota
	CreativeImage
	CreativeVideo
	CreativeNative
)

// SlotContext holds the page/context features of an ad slot.
type SlotContext struct {
	Category       string       `json:"category"`
	DeviceType     DeviceType   `json:"device_type"`
	CreativeType   CreativeType `json:"creative_type"`
	TrafficSource  string       `json:"traffic_source"`            // direct, search, social, referral
	TrafficOrigin  PricingModel `json:"traffic_origin,omitempty"`  // pricing model the traffic was bought under
	AvgTimeOnPage  float64      `json:"avg_time_on_page"`          // seconds
	PlacementScore int          `json:"placement_score"`           // 0-100
}

// AdSlot is owned by the publisher-facing side; the engine only reads it.
// FloorPrice is expressed per thousand impressions.
type AdSlot struct {
	ID         string          `json:"id" db:"id"`
	FloorPrice decimal.Decimal `json:"floor_price" db:"floor_price"`
	Width      int             `json:"width" db:"width"`
	Height     int             `json:"height" db:"height"`
	Position   int             `json:"position" db:"position"`
	Placement  string          `json:"placement" db:"placement"`
	Context    SlotContext     `json:"context" db:"context"`
}

// PerformanceRecord accumulates delivery counters for an (advertiser, slot)
// pair over the rolling window. Read-only to the engine.
type PerformanceRecord struct {
	AdvertiserID  string          `json:"advertiser_id" db:"advertiser_id"`
	AdSlotID      string          `json:"ad_slot_id" db:"ad_slot_id"`
	Impressions   int64           `json:"impressions" db:"impressions"`
	Clicks        int64           `json:"clicks" db:"clicks"`
	Conversions   int64           `json:"conversions" db:"conversions"`
	OrderValueSum decimal.Decimal `json:"order_value_sum" db:"order_value_sum"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// EventType is the kind of performance event reported by event ingestion.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventImpression, EventClick, EventConversion:
		return true
	}
	return false
}

// PerformanceEvent is one impression, click or conversion. EventID is the
// deduplication key; OrderValue applies to conversions only.
type PerformanceEvent struct {
	EventID      string              `json:"event_id"`
	Type         EventType           `json:"type"`
	AdvertiserID string              `json:"advertiser_id"`
	AdSlotID     string              `json:"ad_slot_id"`
	OrderValue   decimal.NullDecimal `json:"order_value"`
	Timestamp    time.Time           `json:"timestamp"`
}

// Apply adds the event to rec's counters.
func (e *PerformanceEvent) Apply(rec *PerformanceRecord) {
	switch e.Type {
	case EventImpression:
		rec.Impressions++
	case EventClick:
		rec.Clicks++
	case EventConversion:
		rec.Conversions++
		if e.OrderValue.Valid {
			rec.OrderValueSum = rec.OrderValueSum.Add(e.OrderValue.Decimal)
		}
	}
	if e.Timestamp.After(rec.UpdatedAt) {
		rec.UpdatedAt = e.Timestamp
	}
}

// OptimizationMode selects how the strategy resolver shapes a bid.
type OptimizationMode string

const (
	ModeMaximizeROI   OptimizationMode = "MAXIMIZE_ROI"
	ModeMaximizeReach OptimizationMode = "MAXIMIZE_REACH"
	ModeMinimizeCost  OptimizationMode = "MINIMIZE_COST"
	ModeEvenPacing    OptimizationMode = "EVEN_PACING"
)

// Valid reports whether m is a known mode.
func (m OptimizationMode) Valid() bool {
	switch m {
	case ModeMaximizeROI, ModeMaximizeReach, ModeMinimizeCost, ModeEvenPacing:
		return true
	}
	return false
}

// BrandStrategy is the per-advertiser bidding configuration. A null bound
// means "no bound on that side".
type BrandStrategy struct {
	AdvertiserID             string              `json:"advertiser_id" db:"advertiser_id"`
	VPIMultiplier            decimal.Decimal     `json:"vpi_multiplier" db:"vpi_multiplier"`
	Priority                 int                 `json:"priority" db:"priority"`
	MinBidVPI                decimal.NullDecimal `json:"min_bid_vpi" db:"min_bid_vpi"`
	MaxBidVPI                decimal.NullDecimal `json:"max_bid_vpi" db:"max_bid_vpi"`
	OptimizationMode         OptimizationMode    `json:"optimization_mode" db:"optimization_mode"`
	CPAOnOtherTrafficEnabled bool                `json:"cpa_on_other_traffic_enabled" db:"cpa_on_other_traffic_enabled"`
	CreatedAt                time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time           `json:"updated_at" db:"updated_at"`
}

// IdentityStrategy is the strategy applied to advertisers with no configured
// BrandStrategy: multiplier 1.0, priority 1 (no boost), no clamp, ROI mode and
// CPA on other traffic disabled.
func IdentityStrategy(advertiserID string) BrandStrategy {
	return BrandStrategy{
		AdvertiserID:     advertiserID,
		VPIMultiplier:    decimal.NewFromInt(1),
		Priority:         1,
		OptimizationMode: ModeMaximizeROI,
	}
}

// LedgerAccount is the per-advertiser spend/revenue state for the current
// period. A null DailyBudget means the account is tracked but uncapped.
type LedgerAccount struct {
	AdvertiserID          string              `json:"advertiser_id" db:"advertiser_id"`
	DailyBudget           decimal.NullDecimal `json:"daily_budget" db:"daily_budget"`
	SpentToDate           decimal.Decimal     `json:"spent_to_date" db:"spent_to_date"`
	RealizedRevenueToDate decimal.Decimal     `json:"realized_revenue_to_date" db:"realized_revenue_to_date"`
	TargetROAS            decimal.Decimal     `json:"target_roas" db:"target_roas"`
	Lambda                float64             `json:"lambda" db:"lambda"`
	PeriodStart           time.Time           `json:"period_start" db:"period_start"`
}

// ROAS returns realized revenue over spend, or zero when nothing was spent.
func (a LedgerAccount) ROAS() decimal.Decimal {
	if !a.SpentToDate.IsPositive() {
		return decimal.Zero
	}
	return a.RealizedRevenueToDate.Div(a.SpentToDate)
}

// ScoredBid is the derived result of running one bid through the pipeline.
// Never persisted as a source of truth.
type ScoredBid struct {
	Bid              Bid             `json:"bid"`
	CTR              float64         `json:"ctr"`
	CVR              float64         `json:"cvr"`
	NormalizedVPI    decimal.Decimal `json:"normalized_vpi"`
	QualityFactor    float64         `json:"quality_factor"`
	ModelVersion     string          `json:"model_version"`
	StrategyVPI      decimal.Decimal `json:"strategy_vpi"`
	ThresholdClamped bool            `json:"threshold_clamped"`
	PredictedRevenue decimal.Decimal `json:"predicted_revenue"`
	PredictedCost    decimal.Decimal `json:"predicted_cost"`
	Lambda           float64         `json:"lambda"`
	AdjustedScore    decimal.Decimal `json:"adjusted_score"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
}

// Settlement is the immutable record of a won auction.
type Settlement struct {
	AuctionID    string          `json:"auction_id" db:"auction_id"`
	AdSlotID     string          `json:"ad_slot_id" db:"ad_slot_id"`
	BidID        string          `json:"bid_id" db:"bid_id"`
	AdvertiserID string          `json:"advertiser_id" db:"advertiser_id"`
	Cost         decimal.Decimal `json:"cost" db:"cost"`
	Score        decimal.Decimal `json:"score" db:"score"`
	SettledAt    time.Time       `json:"settled_at" db:"settled_at"`
}

// BidHistoryEntry is one bid's outcome in one auction round, kept for
// analysis and model training.
type BidHistoryEntry struct {
	AuctionID       string          `json:"auction_id" db:"auction_id"`
	AdvertiserID    string          `json:"advertiser_id" db:"advertiser_id"`
	AdSlotID        string          `json:"ad_slot_id" db:"ad_slot_id"`
	BidID           string          `json:"bid_id" db:"bid_id"`
	PricingModel    PricingModel    `json:"pricing_model" db:"pricing_model"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	NormalizedVPI   decimal.Decimal `json:"normalized_vpi" db:"normalized_vpi"`
	QualityFactor   float64         `json:"quality_factor" db:"quality_factor"`
	CTR             float64         `json:"ctr" db:"ctr"`
	CVR             float64         `json:"cvr" db:"cvr"`
	AdjustedScore   decimal.Decimal `json:"adjusted_score" db:"adjusted_score"`
	Won             bool            `json:"won" db:"won"`
	RejectionReason string          `json:"rejection_reason,omitempty" db:"rejection_reason"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}
