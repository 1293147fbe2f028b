package auction

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/estimator"
	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/normalize"
	"github.com/atmx/bid-engine/internal/portfolio"
	"github.com/atmx/bid-engine/internal/quality"
	"github.com/atmx/bid-engine/internal/snapshot"
	"github.com/atmx/bid-engine/internal/strategy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func nd(f float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(f))
}

var (
	periodStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fixedNow    = periodStart.Add(10 * time.Hour)
)

type testEnv struct {
	engine  *Engine
	cache   *snapshot.Cache
	ledger  *portfolio.Ledger
	lambdas *portfolio.LambdaBook
	quality *quality.Provider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	est, err := estimator.New(estimator.DefaultPriors, nil)
	require.NoError(t, err)
	norm, err := normalize.New(d(50), normalize.CPAFormulaCTRxCVR)
	require.NoError(t, err)

	env := &testEnv{
		cache:   snapshot.NewCache(),
		ledger:  portfolio.NewLedger(d(2), periodStart),
		lambdas: portfolio.NewLambdaBook(0.5),
		quality: quality.NewProvider(quality.DefaultOptions),
	}
	env.engine = NewEngine(Deps{
		Estimator:    est,
		Normalizer:   norm,
		Quality:      env.quality,
		Strategies:   strategy.New(strategy.DefaultOptions),
		Cache:        env.cache,
		Ledger:       env.ledger,
		Lambdas:      env.lambdas,
		PeriodLength: 24 * time.Hour,
	})
	env.engine.now = func() time.Time { return fixedNow }
	n := 0
	env.engine.newID = func() string {
		n++
		return fmt.Sprintf("auction-%d", n)
	}
	return env
}

func testSlot(floor float64) model.AdSlot {
	return model.AdSlot{
		ID:         "slot-1",
		FloorPrice: d(floor),
		Width:      300,
		Height:     250,
		Position:   1,
		Context:    model.SlotContext{Category: "news", DeviceType: model.DeviceDesktop},
	}
}

func bid(id, adv string, pm model.PricingModel, amount float64) model.Bid {
	return model.Bid{
		ID:           id,
		AdvertiserID: adv,
		AdSlotID:     "slot-1",
		PricingModel: pm,
		Amount:       d(amount),
		SubmittedAt:  fixedNow.Add(-time.Second),
	}
}

func rejection(t *testing.T, res *Result, bidID string) Rejection {
	t.Helper()
	for _, r := range res.Rejected {
		if r.Scored.Bid.ID == bidID {
			return r
		}
	}
	t.Fatalf("bid %s not rejected; rejected=%v", bidID, res.Rejected)
	return Rejection{}
}

func rankedIDs(res *Result) []string {
	ids := make([]string, len(res.Ranked))
	for i, sb := range res.Ranked {
		ids[i] = sb.Bid.ID
	}
	return ids
}

// CPM $5 → VPI 0.005; CPC $0.50 at CTR 0.02 → VPI 0.010; the CPC bid wins
// with a $2 floor.
func TestRun_CPCOutranksCPM(t *testing.T) {
	env := newTestEnv(t)
	// (19 + 1) / (989 + 1 + 10) = 0.02
	env.cache.UpsertPerformance(model.PerformanceRecord{
		AdvertiserID: "adv-b", AdSlotID: "slot-1", Impressions: 989, Clicks: 19,
	})

	res := env.engine.Run(Request{
		Slot: testSlot(2),
		Bids: []model.Bid{
			bid("a", "adv-a", model.PricingCPM, 5),
			bid("b", "adv-b", model.PricingCPC, 0.5),
		},
	})

	require.Equal(t, StateSettled, res.State)
	require.Len(t, res.Ranked, 2)
	assert.Equal(t, "b", res.Winner.Bid.ID)
	assert.True(t, res.Ranked[0].NormalizedVPI.Equal(d(0.01)), "got %s", res.Ranked[0].NormalizedVPI)
	assert.True(t, res.Ranked[1].NormalizedVPI.Equal(d(0.005)), "got %s", res.Ranked[1].NormalizedVPI)
	assert.InDelta(t, 0.02, res.Ranked[0].CTR, 1e-12)
	assert.Empty(t, res.Rejected)
	require.NotNil(t, res.Settlement)
	assert.Equal(t, "adv-b", res.Settlement.AdvertiserID)
	assert.True(t, res.Settlement.Cost.Equal(d(0.01)))
}

func TestRun_CPAOnCPMTrafficRejected(t *testing.T) {
	env := newTestEnv(t)
	slot := testSlot(2)
	slot.Context.TrafficOrigin = model.PricingCPM

	res := env.engine.Run(Request{
		Slot: slot,
		Bids: []model.Bid{
			bid("cpa", "adv-cpa", model.PricingCPAFixed, 100),
			bid("cpm", "adv-cpm", model.PricingCPM, 5),
		},
	})

	require.Equal(t, StateSettled, res.State)
	assert.Equal(t, "cpm", res.Winner.Bid.ID)
	rej := rejection(t, res, "cpa")
	assert.Equal(t, errortypes.SafeguardViolationErrorCode, rej.Code)
	assert.Equal(t, "safeguard", rej.Scored.RejectionReason)
}

func TestRun_CPAOnOtherTrafficWhenEnabled(t *testing.T) {
	env := newTestEnv(t)
	slot := testSlot(2)
	slot.Context.TrafficOrigin = model.PricingCPC

	s := model.IdentityStrategy("adv-cpa")
	s.CPAOnOtherTrafficEnabled = true
	env.cache.UpsertStrategy(s)

	res := env.engine.Run(Request{Slot: slot, Bids: []model.Bid{bid("cpa", "adv-cpa", model.PricingCPAFixed, 100)}})
	require.Equal(t, StateSettled, res.State)
	assert.Equal(t, "cpa", res.Winner.Bid.ID)
}

func TestRun_CommissionTiersRejected(t *testing.T) {
	env := newTestEnv(t)
	b := bid("tiered", "adv-1", model.PricingCPAPercent, 0)
	b.PercentRate = nd(0.1)
	b.CommissionTiers = []model.CommissionTier{{ProductCategory: "shoes", Rate: d(0.12)}}

	res := env.engine.Run(Request{Slot: testSlot(0), Bids: []model.Bid{b}})
	assert.Equal(t, StateVoid, res.State)
	assert.Equal(t, errortypes.SafeguardViolationErrorCode, rejection(t, res, "tiered").Code)
}

// $100 budget with $98 spent cannot absorb a $5 win; the runner-up wins.
func TestRun_BudgetExceededReRanks(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Configure("adv-rich", nd(100), decimal.NullDecimal{})
	require.NoError(t, err)
	require.NoError(t, env.ledger.Reserve("adv-rich", d(98)))

	res := env.engine.Run(Request{
		Slot: testSlot(2),
		Bids: []model.Bid{
			bid("rich", "adv-rich", model.PricingCPM, 5000), // VPI 5
			bid("other", "adv-other", model.PricingCPM, 3000),
			bid("third", "adv-third", model.PricingCPM, 2000),
		},
	})

	require.Equal(t, StateSettled, res.State)
	assert.Equal(t, "other", res.Winner.Bid.ID)
	assert.Equal(t, []string{"other", "third"}, rankedIDs(res))

	rej := rejection(t, res, "rich")
	assert.Equal(t, errortypes.BudgetExceededErrorCode, rej.Code)
	assert.True(t, rej.Scored.PredictedCost.Equal(d(5)))

	acct, _ := env.ledger.Account("adv-rich")
	assert.True(t, acct.SpentToDate.Equal(d(98)))
	other, _ := env.ledger.Account("adv-other")
	assert.True(t, other.SpentToDate.Equal(d(3)))
}

func TestRun_AllBudgetsExhaustedIsVoid(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Configure("adv-1", nd(1), decimal.NullDecimal{})
	require.NoError(t, err)

	res := env.engine.Run(Request{Slot: testSlot(0), Bids: []model.Bid{bid("a", "adv-1", model.PricingCPM, 5000)}})
	assert.Equal(t, StateVoid, res.State)
	assert.Nil(t, res.Winner)
	assert.Empty(t, res.Ranked)
}

func TestRun_AllBelowFloorIsVoid(t *testing.T) {
	env := newTestEnv(t)

	res := env.engine.Run(Request{
		Slot: testSlot(10),
		Bids: []model.Bid{
			bid("a", "adv-1", model.PricingCPM, 5),
			bid("b", "adv-2", model.PricingCPM, 9.99),
		},
	})

	assert.True(t, res.Void())
	assert.Nil(t, res.Winner)
	assert.Nil(t, res.Settlement)
	assert.Len(t, res.Rejected, 2)
	for _, r := range res.Rejected {
		assert.Equal(t, errortypes.FloorPriceErrorCode, r.Code)
		assert.True(t, r.Scored.NormalizedVPI.IsZero(), "below-floor CPM must not be normalized")
	}
}

func TestRun_PerBidFailuresIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.cache.UpsertPerformance(model.PerformanceRecord{
		AdvertiserID: "adv-bad", AdSlotID: "slot-1", Impressions: 10, Clicks: 50,
	})
	negative := bid("neg", "adv-neg", model.PricingCPM, 5)
	negative.Amount = d(-5)
	noAdvertiser := bid("anon", "", model.PricingCPM, 5)
	wrongSlot := bid("wrong", "adv-w", model.PricingCPM, 5)
	wrongSlot.AdSlotID = "slot-9"
	percentNoRate := bid("pct", "adv-pct", model.PricingCPAPercent, 0)

	res := env.engine.Run(Request{
		Slot: testSlot(0),
		Bids: []model.Bid{
			bid("bad", "adv-bad", model.PricingCPC, 1),
			bid("weird", "adv-weird", model.PricingModel("CPX"), 1),
			negative, noAdvertiser, wrongSlot, percentNoRate,
			bid("dup", "adv-dup", model.PricingCPM, 1),
			bid("dup", "adv-dup", model.PricingCPM, 2),
			bid("ok", "adv-ok", model.PricingCPM, 1),
		},
	})

	require.Equal(t, StateSettled, res.State)
	assert.Equal(t, []string{"dup", "ok"}, rankedIDs(res))
	assert.Equal(t, "data_error", rejection(t, res, "bad").Scored.RejectionReason)
	assert.Equal(t, "unsupported_model", rejection(t, res, "weird").Scored.RejectionReason)
	for _, id := range []string{"neg", "anon", "wrong", "pct"} {
		assert.Equal(t, errortypes.ValidationErrorCode, rejection(t, res, id).Code, id)
	}
	assert.Len(t, res.Rejected, 7)
}

func TestRun_FloorNeverScored(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(3))
	models := model.PricingModels

	for i := 0; i < 50; i++ {
		floor := float64(rng.Intn(2000)) / 100
		var bids []model.Bid
		for j := 0; j < 20; j++ {
			pm := models[rng.Intn(len(models))]
			b := bid(fmt.Sprintf("b%d", j), fmt.Sprintf("adv-%d", j), pm, float64(rng.Intn(4000))/100)
			if pm == model.PricingCPAPercent {
				b.PercentRate = nd(0.05 + float64(rng.Intn(20))/100)
			}
			bids = append(bids, b)
		}

		res := env.engine.Run(Request{Slot: testSlot(floor), Bids: bids})
		for _, sb := range res.Ranked {
			ecpm := normalize.ECPM(sb.NormalizedVPI).Round(4)
			assert.True(t, ecpm.GreaterThanOrEqual(d(floor)), "scored eCPM %s below floor %v", ecpm, floor)
			if sb.Bid.PricingModel == model.PricingCPM {
				assert.True(t, sb.Bid.Amount.GreaterThanOrEqual(d(floor)))
			}
		}
		for _, r := range res.Rejected {
			if r.Code == errortypes.FloorPriceErrorCode && r.Scored.Bid.PricingModel == model.PricingCPM {
				assert.True(t, r.Scored.Bid.Amount.LessThan(d(floor)))
				assert.True(t, r.Scored.NormalizedVPI.IsZero())
			}
		}
	}
}

func TestRun_Deterministic(t *testing.T) {
	build := func() *Result {
		env := newTestEnv(t)
		env.cache.UpsertPerformance(model.PerformanceRecord{
			AdvertiserID: "adv-3", AdSlotID: "slot-1", Impressions: 5000, Clicks: 120, Conversions: 9,
			OrderValueSum: d(450),
		})
		s := model.IdentityStrategy("adv-2")
		s.Priority = 4
		env.cache.UpsertStrategy(s)
		env.lambdas.Publish(map[string]float64{"adv-1": 1.5, "adv-3": 0.2})
		env.quality.Publish(quality.RuleModel{})

		b4 := bid("p", "adv-4", model.PricingCPAPercent, 0)
		b4.PercentRate = nd(0.1)
		return env.engine.Run(Request{
			Slot: testSlot(1),
			Bids: []model.Bid{
				bid("m", "adv-1", model.PricingCPM, 12),
				bid("c", "adv-2", model.PricingCPC, 0.3),
				bid("f", "adv-3", model.PricingCPAFixed, 20),
				b4,
				bid("m2", "adv-5", model.PricingCPM, 12),
			},
		})
	}

	first := build()
	for i := 0; i < 10; i++ {
		again := build()
		assert.Equal(t, rankedIDs(first), rankedIDs(again))
		assert.Equal(t, first.Winner.Bid.ID, again.Winner.Bid.ID)
		for j := range first.Ranked {
			assert.True(t, first.Ranked[j].AdjustedScore.Equal(again.Ranked[j].AdjustedScore))
		}
	}
}

func TestRun_TieBreaks(t *testing.T) {
	env := newTestEnv(t)
	env.lambdas.Publish(map[string]float64{"adv-a": 0, "adv-b": 0, "adv-c": 0, "adv-d": 0})
	capped := func(adv string) model.BrandStrategy {
		s := model.IdentityStrategy(adv)
		s.MaxBidVPI = nd(0.005)
		return s
	}

	early := bid("c", "adv-c", model.PricingCPM, 5)
	early.SubmittedAt = fixedNow.Add(-time.Minute)

	res := env.engine.Run(Request{
		Slot: testSlot(0),
		Bids: []model.Bid{
			bid("d", "adv-d", model.PricingCPM, 5),
			early,
			bid("b", "adv-b", model.PricingCPM, 5),
			bid("a", "adv-a", model.PricingCPM, 10),
		},
		Strategies: map[string]model.BrandStrategy{"adv-a": capped("adv-a")},
	})

	// All score 0.005: a on amount, then c on submission time, then b < d by id.
	assert.Equal(t, []string{"a", "c", "b", "d"}, rankedIDs(res))
	assert.True(t, res.Ranked[0].ThresholdClamped)
	assert.False(t, res.Ranked[1].ThresholdClamped)
}

func TestAhead(t *testing.T) {
	base := model.ScoredBid{
		Bid:           model.Bid{ID: "x", Amount: d(1), SubmittedAt: fixedNow},
		AdjustedScore: d(0.5),
	}
	with := func(f func(*model.ScoredBid)) model.ScoredBid {
		sb := base
		f(&sb)
		return sb
	}

	tests := []struct {
		name string
		a, b model.ScoredBid
		want bool
	}{
		{"higher score", with(func(s *model.ScoredBid) { s.AdjustedScore = d(0.6) }), base, true},
		{"lower score", base, with(func(s *model.ScoredBid) { s.AdjustedScore = d(0.6) }), false},
		{"higher amount", with(func(s *model.ScoredBid) { s.Bid.Amount = d(2) }), base, true},
		{"earlier submission", with(func(s *model.ScoredBid) { s.Bid.SubmittedAt = fixedNow.Add(-1) }), base, true},
		{"lower id", with(func(s *model.ScoredBid) { s.Bid.ID = "a" }), base, true},
		{"identical", base, base, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Ahead(tt.a, tt.b))
		})
	}
}

func TestRun_QualityFactorApplied(t *testing.T) {
	env := newTestEnv(t)
	env.lambdas.Publish(map[string]float64{"adv-1": 0})
	env.quality.Publish(quality.RuleModel{})
	slot := testSlot(0)
	want, err := quality.RuleModel{}.Predict(quality.FeaturesFromSlot(slot))
	require.NoError(t, err)

	res := env.engine.Run(Request{Slot: slot, Bids: []model.Bid{bid("a", "adv-1", model.PricingCPM, 4)}})
	require.NotNil(t, res.Winner)
	assert.InDelta(t, want, res.Winner.QualityFactor, 1e-12)
	assert.Equal(t, "rules-v1", res.ModelVersion)
	assert.True(t, res.Winner.AdjustedScore.Equal(d(0.004).Mul(decimal.NewFromFloat(want))))
}

type brokenModel struct{}

func (brokenModel) Version() string { return "broken" }
func (brokenModel) Predict(quality.Features) (float64, error) {
	panic("corrupt tree")
}

func TestRun_QualityFailureFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.quality.Publish(brokenModel{})

	res := env.engine.Run(Request{Slot: testSlot(0), Bids: []model.Bid{bid("a", "adv-1", model.PricingCPM, 4)}})
	require.Equal(t, StateSettled, res.State)
	assert.Equal(t, quality.FallbackVersion, res.ModelVersion)
	assert.Equal(t, 1.0, res.Winner.QualityFactor)
}

func TestRun_LambdaSnapshotPerRound(t *testing.T) {
	env := newTestEnv(t)
	env.lambdas.Publish(map[string]float64{"adv-1": 2})

	res := env.engine.Run(Request{Slot: testSlot(0), Bids: []model.Bid{bid("a", "adv-1", model.PricingCPM, 4)}})
	require.NotNil(t, res.Winner)
	assert.Equal(t, 2.0, res.Winner.Lambda)
	// 0.004 − 2 × 0.004
	assert.True(t, res.Winner.AdjustedScore.Equal(d(-0.004)))
}

func TestScoreBid_DoesNotTouchLedger(t *testing.T) {
	env := newTestEnv(t)
	override := model.IdentityStrategy("adv-1")
	override.VPIMultiplier = d(2)

	sb, err := env.engine.ScoreBid(testSlot(1), bid("", "adv-1", model.PricingCPM, 4), &override)
	require.NoError(t, err)
	assert.NotEmpty(t, sb.Bid.ID)
	assert.True(t, sb.NormalizedVPI.Equal(d(0.004)))
	assert.True(t, sb.StrategyVPI.Equal(d(0.008)))
	_, ok := env.ledger.Account("adv-1")
	assert.False(t, ok)

	sb, err = env.engine.ScoreBid(testSlot(10), bid("low", "adv-1", model.PricingCPM, 4), nil)
	require.Error(t, err)
	assert.Equal(t, "below_floor", sb.RejectionReason)
}

func TestScoreBid_InvalidOverrideRejected(t *testing.T) {
	env := newTestEnv(t)
	override := model.BrandStrategy{
		VPIMultiplier:    d(-1),
		Priority:         -3,
		MinBidVPI:        nd(0.5),
		MaxBidVPI:        nd(0.1),
		OptimizationMode: "BOGUS",
	}

	_, err := env.engine.ScoreBid(testSlot(1), bid("b1", "adv-1", model.PricingCPM, 4), &override)
	require.Error(t, err)
	assert.Equal(t, errortypes.ValidationErrorCode, errortypes.ReadCode(err))
}

func TestRun_InvalidOverrideRejectsOnlyThatAdvertiser(t *testing.T) {
	tests := []struct {
		name   string
		modify func(s *model.BrandStrategy)
	}{
		{"inverted bounds", func(s *model.BrandStrategy) { s.MinBidVPI, s.MaxBidVPI = nd(0.5), nd(0.1) }},
		{"negative multiplier", func(s *model.BrandStrategy) { s.VPIMultiplier = d(-1) }},
		{"priority", func(s *model.BrandStrategy) { s.Priority = 0 }},
		{"mode", func(s *model.BrandStrategy) { s.OptimizationMode = "BOGUS" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			bad := model.IdentityStrategy("adv-bad")
			tt.modify(&bad)

			res := env.engine.Run(Request{
				Slot: testSlot(1),
				Bids: []model.Bid{
					bid("bad", "adv-bad", model.PricingCPM, 9),
					bid("good", "adv-good", model.PricingCPM, 4),
				},
				Strategies: map[string]model.BrandStrategy{"adv-bad": bad},
			})

			require.Equal(t, StateSettled, res.State)
			assert.Equal(t, "good", res.Winner.Bid.ID)
			r := rejection(t, res, "bad")
			assert.Equal(t, errortypes.ValidationErrorCode, r.Code)
		})
	}
}

func TestRun_AmountAboveMaximumRejected(t *testing.T) {
	env := newTestEnv(t)
	huge := bid("huge", "adv-1", model.PricingCPM, 0)
	huge.Amount = decimal.New(1, 16)

	res := env.engine.Run(Request{
		Slot: testSlot(1),
		Bids: []model.Bid{huge, bid("ok", "adv-2", model.PricingCPM, 4)},
	})

	require.Equal(t, StateSettled, res.State)
	assert.Equal(t, "ok", res.Winner.Bid.ID)
	assert.Equal(t, errortypes.ValidationErrorCode, rejection(t, res, "huge").Code)
	_, ok := env.ledger.Account("adv-1")
	assert.False(t, ok)
}

func TestHistoryEntries(t *testing.T) {
	env := newTestEnv(t)
	res := env.engine.Run(Request{
		Slot: testSlot(2),
		Bids: []model.Bid{
			bid("win", "adv-1", model.PricingCPM, 5),
			bid("lose", "adv-2", model.PricingCPM, 3),
			bid("low", "adv-3", model.PricingCPM, 1),
		},
	})

	entries := res.HistoryEntries()
	require.Len(t, entries, 3)
	byID := map[string]model.BidHistoryEntry{}
	for _, e := range entries {
		byID[e.BidID] = e
		assert.Equal(t, res.AuctionID, e.AuctionID)
	}
	assert.True(t, byID["win"].Won)
	assert.False(t, byID["lose"].Won)
	assert.Equal(t, "below_floor", byID["low"].RejectionReason)
}

// Parallel auctions on different slots share one advertiser's budget.
func TestRun_ConcurrentSlotsNeverOverspend(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Configure("adv-hot", nd(10), decimal.NullDecimal{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Result, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot := testSlot(0)
			slot.ID = fmt.Sprintf("slot-%d", i)
			hot := bid("hot", "adv-hot", model.PricingCPM, 1000) // VPI 1
			hot.AdSlotID = slot.ID
			results[i] = env.engine.Run(Request{AuctionID: slot.ID, Slot: slot, Bids: []model.Bid{hot}})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.Winner != nil {
			wins++
		}
	}
	acct, _ := env.ledger.Account("adv-hot")
	assert.Equal(t, 10, wins)
	assert.True(t, acct.SpentToDate.Equal(d(10)))
}

func TestRun_HundredBidsWithinLatencyTarget(t *testing.T) {
	env := newTestEnv(t)
	env.quality.Publish(quality.RuleModel{})
	models := model.PricingModels

	var bids []model.Bid
	for i := 0; i < 100; i++ {
		adv := fmt.Sprintf("adv-%d", i)
		pm := models[i%len(models)]
		b := bid(fmt.Sprintf("b-%d", i), adv, pm, float64(5+i%40))
		if pm == model.PricingCPAPercent {
			b.PercentRate = nd(0.1)
		}
		env.cache.UpsertPerformance(model.PerformanceRecord{
			AdvertiserID: adv, AdSlotID: "slot-1", Impressions: int64(1000 + i), Clicks: int64(20 + i%7),
			Conversions: int64(i % 3), OrderValueSum: d(float64(40 * (i % 3))),
		})
		bids = append(bids, b)
	}

	best := time.Hour
	for i := 0; i < 5; i++ {
		res := env.engine.Run(Request{Slot: testSlot(1), Bids: bids})
		require.Equal(t, StateSettled, res.State)
		if res.ProcessTime < best {
			best = res.ProcessTime
		}
	}
	assert.Less(t, best, 25*time.Millisecond)
}
