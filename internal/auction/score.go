package auction

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/portfolio"
	"github.com/atmx/bid-engine/internal/strategy"
)

// score runs quality, strategy and throttle over a validated candidate.
//
//	adjusted  = vpi × quality_factor
//	revenue   = strategy(adjusted)
//	cost      = vpi
//	score     = revenue − λ·cost
func (e *Engine) score(r *round, c candidate) (sb model.ScoredBid, err error) {
	sb = c.partial()
	defer func() {
		if p := recover(); p != nil {
			err = &errortypes.DataError{Message: fmt.Sprintf("bid %s: scoring failed: %v", c.bid.ID, p)}
		}
	}()

	sb.QualityFactor = r.quality.Factor
	sb.ModelVersion = r.quality.Version
	adjusted := c.vpi.Mul(decimal.NewFromFloat(r.quality.Factor))

	res := e.deps.Strategies.Resolve(adjusted, c.strategy, e.pacing(r, c))
	sb.StrategyVPI = res.VPI
	sb.ThresholdClamped = res.Clamped

	sb.PredictedRevenue = res.VPI
	sb.PredictedCost = c.vpi
	sb.Lambda = r.lambdas.Lambda(c.bid.AdvertiserID)
	sb.AdjustedScore = portfolio.Score(sb.PredictedRevenue, sb.PredictedCost, sb.Lambda)
	return sb, nil
}

func (e *Engine) pacing(r *round, c candidate) strategy.Pacing {
	if c.strategy.OptimizationMode != model.ModeEvenPacing {
		return strategy.Pacing{}
	}
	acct, _ := e.deps.Ledger.Account(c.bid.AdvertiserID)
	return strategy.Pacing{
		DailyBudget:  acct.DailyBudget,
		Spent:        acct.SpentToDate,
		PeriodStart:  e.deps.Ledger.PeriodStart(),
		PeriodLength: e.deps.PeriodLength,
		Now:          r.now,
	}
}
