// Package strategy applies an advertiser's BrandStrategy to a
// quality-adjusted VPI. Order of application:
//
//  1. multiply by vpi_multiplier
//  2. multiply by the priority boost (1 + (priority-1) × step), with part of
//     the boost given back under MINIMIZE_COST
//  3. under EVEN_PACING, multiply by the pacing multiplier
//  4. clamp into [min_bid_vpi, max_bid_vpi], flagging the bid when clamped
//
// Clamping runs last so the result always honours the configured bounds.
package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/model"
)

var (
	ErrInvalidMultiplier = errors.New("strategy: vpi_multiplier must not be negative")
	ErrInvalidPriority   = errors.New("strategy: priority must be at least 1")
	ErrInvalidBounds     = errors.New("strategy: min_bid_vpi must not exceed max_bid_vpi")
	ErrNegativeBound     = errors.New("strategy: bid bounds must not be negative")
	ErrInvalidMode       = errors.New("strategy: unknown optimization mode")
)

// Validate checks that s is well formed. An empty mode is normalized to
// MAXIMIZE_ROI; that is the only default applied.
func Validate(s *model.BrandStrategy) error {
	if s.OptimizationMode == "" {
		s.OptimizationMode = model.ModeMaximizeROI
	}
	if !s.OptimizationMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.OptimizationMode)
	}
	if s.VPIMultiplier.IsNegative() {
		return ErrInvalidMultiplier
	}
	if s.Priority < 1 {
		return ErrInvalidPriority
	}
	if (s.MinBidVPI.Valid && s.MinBidVPI.Decimal.IsNegative()) ||
		(s.MaxBidVPI.Valid && s.MaxBidVPI.Decimal.IsNegative()) {
		return ErrNegativeBound
	}
	if s.MinBidVPI.Valid && s.MaxBidVPI.Valid && s.MinBidVPI.Decimal.GreaterThan(s.MaxBidVPI.Decimal) {
		return ErrInvalidBounds
	}
	return nil
}

// Options are the resolver's configuration constants.
type Options struct {
	// PriorityBoostStep is the boost per priority level above 1.
	PriorityBoostStep decimal.Decimal
	// CostInversionShare is the share of the priority boost given back under
	// MINIMIZE_COST, in [0, 1].
	CostInversionShare decimal.Decimal
	// PacingMin and PacingMax bound the EVEN_PACING multiplier.
	PacingMin decimal.Decimal
	PacingMax decimal.Decimal
}

// DefaultOptions: 5% per priority level, half of it given back when
// minimizing cost, pacing within [0.5, 1.5].
var DefaultOptions = Options{
	PriorityBoostStep:  decimal.NewFromFloat(0.05),
	CostInversionShare: decimal.NewFromFloat(0.5),
	PacingMin:          decimal.NewFromFloat(0.5),
	PacingMax:          decimal.NewFromFloat(1.5),
}

// Pacing is the spend state EVEN_PACING needs.
type Pacing struct {
	DailyBudget  decimal.NullDecimal
	Spent        decimal.Decimal
	PeriodStart  time.Time
	PeriodLength time.Duration
	Now          time.Time
}

// Resolution is the resolver's output for one bid.
type Resolution struct {
	VPI              decimal.Decimal
	Boost            decimal.Decimal
	PacingMultiplier decimal.Decimal
	Clamped          bool
}

// Resolver is a pure function object; safe for concurrent use.
type Resolver struct {
	opts Options
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	return &Resolver{opts: opts}
}

var one = decimal.NewFromInt(1)

// Resolve applies s to vpi.
func (r *Resolver) Resolve(vpi decimal.Decimal, s model.BrandStrategy, pacing Pacing) Resolution {
	res := Resolution{Boost: r.boost(s), PacingMultiplier: one}

	v := vpi.Mul(s.VPIMultiplier).Mul(res.Boost)

	if s.OptimizationMode == model.ModeEvenPacing {
		res.PacingMultiplier = r.pacingMultiplier(pacing)
		v = v.Mul(res.PacingMultiplier)
	}

	if v.IsNegative() {
		v = decimal.Zero
	}

	if s.MinBidVPI.Valid && v.LessThan(s.MinBidVPI.Decimal) {
		v = s.MinBidVPI.Decimal
		res.Clamped = true
	}
	if s.MaxBidVPI.Valid && v.GreaterThan(s.MaxBidVPI.Decimal) {
		v = s.MaxBidVPI.Decimal
		res.Clamped = true
	}

	res.VPI = v
	return res
}

func (r *Resolver) boost(s model.BrandStrategy) decimal.Decimal {
	if s.Priority <= 1 {
		return one
	}
	edge := r.opts.PriorityBoostStep.Mul(decimal.NewFromInt(int64(s.Priority - 1)))
	if s.OptimizationMode == model.ModeMinimizeCost {
		edge = edge.Mul(one.Sub(r.opts.CostInversionShare))
	}
	return one.Add(edge)
}

// pacingMultiplier is the remaining-budget fraction over the remaining-time
// fraction: above 1 when under-spent for the time of day, below 1 when ahead.
func (r *Resolver) pacingMultiplier(p Pacing) decimal.Decimal {
	if !p.DailyBudget.Valid || !p.DailyBudget.Decimal.IsPositive() || p.PeriodLength <= 0 {
		return one
	}

	budget := p.DailyBudget.Decimal
	remainingBudget := budget.Sub(p.Spent)
	if remainingBudget.IsNegative() {
		remainingBudget = decimal.Zero
	}
	budgetFrac := remainingBudget.Div(budget)

	elapsed := p.Now.Sub(p.PeriodStart)
	if elapsed < 0 {
		elapsed = 0
	}
	remainingTime := p.PeriodLength - elapsed
	if remainingTime <= 0 {
		if budgetFrac.IsPositive() {
			return r.opts.PacingMax
		}
		return r.opts.PacingMin
	}
	timeFrac := decimal.NewFromInt(int64(remainingTime)).Div(decimal.NewFromInt(int64(p.PeriodLength)))

	m := budgetFrac.Div(timeFrac)
	if m.LessThan(r.opts.PacingMin) {
		return r.opts.PacingMin
	}
	if m.GreaterThan(r.opts.PacingMax) {
		return r.opts.PacingMax
	}
	return m
}
