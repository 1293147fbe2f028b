package auction

import (
	"sort"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/metrics"
	"github.com/atmx/bid-engine/internal/model"
)

// Ahead reports whether a ranks before b: higher adjusted score, then higher
// raw amount, then earlier submission, then lower bid id. Bid ids are unique
// within a round, so this is a total order.
func Ahead(a, b model.ScoredBid) bool {
	if c := a.AdjustedScore.Cmp(b.AdjustedScore); c != 0 {
		return c > 0
	}
	if c := a.Bid.Amount.Cmp(b.Bid.Amount); c != 0 {
		return c > 0
	}
	if !a.Bid.SubmittedAt.Equal(b.Bid.SubmittedAt) {
		return a.Bid.SubmittedAt.Before(b.Bid.SubmittedAt)
	}
	return a.Bid.ID < b.Bid.ID
}

// Rank sorts bids best first.
func Rank(bids []model.ScoredBid) {
	sort.SliceStable(bids, func(i, j int) bool { return Ahead(bids[i], bids[j]) })
}

// settle walks the ranking and commits the first bid the ledger accepts.
// A bid the ledger refuses is disqualified and ranking re-runs over the
// remainder.
func (e *Engine) settle(r *round, ranked []model.ScoredBid) ([]model.ScoredBid, *model.ScoredBid, *model.Settlement) {
	for len(ranked) > 0 {
		top := ranked[0]
		err := e.deps.Ledger.Reserve(top.Bid.AdvertiserID, top.PredictedCost)
		if err == nil {
			winner := top
			s := &model.Settlement{
				AuctionID:    r.id,
				AdSlotID:     r.slot.ID,
				BidID:        top.Bid.ID,
				AdvertiserID: top.Bid.AdvertiserID,
				Cost:         top.PredictedCost,
				Score:        top.AdjustedScore,
				SettledAt:    r.now,
			}
			if acct, ok := e.deps.Ledger.Account(top.Bid.AdvertiserID); ok {
				spent, _ := acct.SpentToDate.Float64()
				metrics.LedgerSpend.WithLabelValues(top.Bid.AdvertiserID).Set(spent)
			}
			return ranked, &winner, s
		}

		if errortypes.ReadCode(err) == errortypes.BudgetExceededErrorCode {
			metrics.BudgetDisqualifications.Inc()
		}
		r.reject(top, err)
		ranked = ranked[1:]
		Rank(ranked)
	}
	return ranked, nil, nil
}
