// Package auction runs one slot auction: it validates a fixed candidate set,
// scores every surviving bid, ranks them deterministically and settles the
// winner against the spend ledger.
//
// A round moves COLLECTING → VALIDATING → SCORING → RANKING and ends in
// SETTLED or VOID. Bid-scoped errors remove a single bid and never abort the
// round. Everything the round reads (performance counters, strategies, the
// quality model, λ) comes from snapshots captured when the round starts, so
// concurrent refreshes never change a round in flight.
package auction

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/estimator"
	"github.com/atmx/bid-engine/internal/metrics"
	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/normalize"
	"github.com/atmx/bid-engine/internal/portfolio"
	"github.com/atmx/bid-engine/internal/quality"
	"github.com/atmx/bid-engine/internal/snapshot"
	"github.com/atmx/bid-engine/internal/strategy"
)

// State is the lifecycle position of one auction round.
type State string

const (
	StateCollecting State = "COLLECTING"
	StateValidating State = "VALIDATING"
	StateScoring    State = "SCORING"
	StateRanking    State = "RANKING"
	StateSettled    State = "SETTLED"
	StateVoid       State = "VOID"
)

// Deps are the components an Engine composes.
type Deps struct {
	Estimator  *estimator.Estimator
	Normalizer *normalize.Normalizer
	Quality    *quality.Provider
	Strategies *strategy.Resolver
	Cache      *snapshot.Cache
	Ledger     *portfolio.Ledger
	Lambdas    *portfolio.LambdaBook
	// PeriodLength is the ledger period EVEN_PACING paces across.
	PeriodLength time.Duration
}

// Engine is the auctioneer. Safe for concurrent use; auctions for distinct
// slots share nothing but the ledger.
type Engine struct {
	deps  Deps
	now   func() time.Time
	newID func() string
}

// NewEngine creates an Engine.
func NewEngine(deps Deps) *Engine {
	if deps.PeriodLength <= 0 {
		deps.PeriodLength = 24 * time.Hour
	}
	return &Engine{
		deps:  deps,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// Request is one slot auction: a fixed candidate set for one ad slot.
type Request struct {
	AuctionID string
	Slot      model.AdSlot
	Bids      []model.Bid
	// Strategies overrides the cached strategy per advertiser for this
	// request only.
	Strategies map[string]model.BrandStrategy
}

// Rejection is a bid removed from the round.
type Rejection struct {
	Scored  model.ScoredBid `json:"scored_bid"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
}

// Result is the outcome of one round.
type Result struct {
	AuctionID    string            `json:"auction_id"`
	AdSlotID     string            `json:"ad_slot_id"`
	State        State             `json:"state"`
	Winner       *model.ScoredBid  `json:"winner,omitempty"`
	Settlement   *model.Settlement `json:"settlement,omitempty"`
	Ranked       []model.ScoredBid `json:"ranked"`
	Rejected     []Rejection       `json:"rejected"`
	ModelVersion string            `json:"model_version"`
	ProcessTime  time.Duration     `json:"-"`
	CompletedAt  time.Time         `json:"completed_at"`
}

// Void reports whether the round ended without a winner.
func (r *Result) Void() bool { return r.State == StateVoid }

// round is the per-auction working state.
type round struct {
	id         string
	slot       model.AdSlot
	view       *snapshot.View
	lambdas    *portfolio.Lambdas
	quality    quality.Result
	now        time.Time
	overrides  map[string]model.BrandStrategy
	badRules   map[string]error
	state      State
	candidates []candidate
	rejected   []Rejection
}

// candidate is a bid that passed validation, with what validation computed.
type candidate struct {
	bid      model.Bid
	strategy model.BrandStrategy
	rates    estimator.Rates
	vpi      decimal.Decimal
}

// partial is what is known about a candidate that failed validation.
func (c candidate) partial() model.ScoredBid {
	return model.ScoredBid{
		Bid:           c.bid,
		CTR:           c.rates.CTR,
		CVR:           c.rates.CVR,
		NormalizedVPI: c.vpi,
	}
}

// Run executes one auction round.
func (e *Engine) Run(req Request) *Result {
	start := time.Now()
	r := e.collect(req)

	r.state = StateValidating
	for _, bid := range e.dedupe(r, req.Bids) {
		c, err := e.validate(r, bid)
		if err != nil {
			r.reject(c.partial(), err)
			continue
		}
		r.candidates = append(r.candidates, c)
	}

	r.state = StateScoring
	scored := make([]model.ScoredBid, 0, len(r.candidates))
	for _, c := range r.candidates {
		sb, err := e.score(r, c)
		if err != nil {
			r.reject(sb, err)
			continue
		}
		metrics.BidsScored.Inc()
		scored = append(scored, sb)
	}

	r.state = StateRanking
	Rank(scored)

	res := &Result{
		AuctionID:    r.id,
		AdSlotID:     r.slot.ID,
		ModelVersion: r.quality.Version,
	}
	res.Ranked, res.Winner, res.Settlement = e.settle(r, scored)
	if res.Winner != nil {
		r.state = StateSettled
	} else {
		r.state = StateVoid
	}

	res.State = r.state
	res.Rejected = r.rejected
	res.CompletedAt = e.now().UTC()
	res.ProcessTime = time.Since(start)

	metrics.AuctionsTotal.WithLabelValues(string(res.State)).Inc()
	metrics.AuctionLatency.Observe(res.ProcessTime.Seconds())
	if res.Void() {
		slog.Debug("auction void", "auction_id", r.id, "ad_slot_id", r.slot.ID, "rejected", len(r.rejected))
	} else {
		slog.Debug("auction settled", "auction_id", r.id, "ad_slot_id", r.slot.ID,
			"winner", res.Winner.Bid.ID, "advertiser_id", res.Winner.Bid.AdvertiserID,
			"score", res.Winner.AdjustedScore.String())
	}
	return res
}

// ScoreBid evaluates a single bid against slot without ranking or settling:
// the same validation and scoring a round applies, with no ledger mutation.
func (e *Engine) ScoreBid(slot model.AdSlot, bid model.Bid, override *model.BrandStrategy) (model.ScoredBid, error) {
	req := Request{Slot: slot, Bids: []model.Bid{bid}}
	if override != nil {
		req.Strategies = map[string]model.BrandStrategy{bid.AdvertiserID: *override}
	}
	r := e.collect(req)
	if bid.ID == "" {
		bid.ID = e.newID()
	}
	r.bidDefaults(&bid)

	c, err := e.validate(r, bid)
	if err != nil {
		sb := c.partial()
		sb.RejectionReason = errortypes.ReadReason(err)
		return sb, err
	}
	sb, err := e.score(r, c)
	if err != nil {
		sb.RejectionReason = errortypes.ReadReason(err)
	}
	return sb, err
}

// collect captures every snapshot the round will read.
func (e *Engine) collect(req Request) *round {
	r := &round{
		id:        req.AuctionID,
		slot:      req.Slot,
		view:      e.deps.Cache.View(),
		lambdas:   e.deps.Lambdas.Current(),
		now:       e.now().UTC(),
		state:     StateCollecting,
	}
	if r.id == "" {
		r.id = e.newID()
	}
	r.checkOverrides(req.Strategies)

	// The quality model is advertiser-agnostic: one prediction per round.
	r.quality = e.deps.Quality.Scorer().Factor(quality.FeaturesFromSlot(r.slot))
	if r.quality.Fallback() {
		metrics.QualityFallbacks.WithLabelValues(r.quality.Cause).Inc()
		slog.Warn("quality model fallback", "auction_id", r.id, "cause", r.quality.Cause,
			"factor", r.quality.Factor)
		slog.Debug("quality model fallback detail", "auction_id", r.id, "err", r.quality.Err)
	}
	return r
}

func (r *round) bidDefaults(bid *model.Bid) {
	if bid.AdSlotID == "" {
		bid.AdSlotID = r.slot.ID
	}
	if bid.SubmittedAt.IsZero() {
		bid.SubmittedAt = r.now
	}
}

// dedupe assigns missing ids and rejects repeated ones.
func (e *Engine) dedupe(r *round, bids []model.Bid) []model.Bid {
	seen := make(map[string]bool, len(bids))
	out := make([]model.Bid, 0, len(bids))
	for _, bid := range bids {
		if bid.ID == "" {
			bid.ID = e.newID()
		}
		r.bidDefaults(&bid)
		if seen[bid.ID] {
			r.reject(model.ScoredBid{Bid: bid}, &errortypes.ValidationError{
				Message: fmt.Sprintf("duplicate bid id %s", bid.ID)})
			continue
		}
		seen[bid.ID] = true
		out = append(out, bid)
	}
	return out
}

// checkOverrides validates per-request strategies. An invalid override
// rejects that advertiser's bids instead of falling back to the cached
// strategy.
func (r *round) checkOverrides(overrides map[string]model.BrandStrategy) {
	if len(overrides) == 0 {
		return
	}
	r.overrides = make(map[string]model.BrandStrategy, len(overrides))
	for adv, s := range overrides {
		s.AdvertiserID = adv
		if err := strategy.Validate(&s); err != nil {
			if r.badRules == nil {
				r.badRules = make(map[string]error)
			}
			r.badRules[adv] = &errortypes.ValidationError{Message: fmt.Sprintf(
				"advertiser %s: invalid strategy override: %v", adv, err)}
			continue
		}
		r.overrides[adv] = s
	}
}

func (r *round) strategyFor(advertiserID string) (model.BrandStrategy, error) {
	if err, ok := r.badRules[advertiserID]; ok {
		return model.BrandStrategy{}, err
	}
	if s, ok := r.overrides[advertiserID]; ok {
		return s, nil
	}
	if s, ok := r.view.Strategy(advertiserID); ok {
		return s, nil
	}
	return model.IdentityStrategy(advertiserID), nil
}

func (r *round) reject(sb model.ScoredBid, err error) {
	reason := errortypes.ReadReason(err)
	sb.RejectionReason = reason
	r.rejected = append(r.rejected, Rejection{Scored: sb, Code: errortypes.ReadCode(err), Message: err.Error()})
	metrics.BidRejections.WithLabelValues(reason).Inc()

	attrs := []any{"auction_id", r.id, "bid_id", sb.Bid.ID, "advertiser_id", sb.Bid.AdvertiserID,
		"reason", reason, "err", err}
	if errortypes.ReadCode(err) == errortypes.DataErrorCode {
		slog.Warn("bid rejected: bad performance data", attrs...)
		return
	}
	slog.Debug("bid rejected", attrs...)
}
