package auction

import "github.com/atmx/bid-engine/internal/model"

// HistoryEntries flattens the round into one entry per candidate bid.
func (r *Result) HistoryEntries() []model.BidHistoryEntry {
	entries := make([]model.BidHistoryEntry, 0, len(r.Ranked)+len(r.Rejected))
	add := func(sb model.ScoredBid, won bool) {
		entries = append(entries, model.BidHistoryEntry{
			AuctionID:       r.AuctionID,
			AdvertiserID:    sb.Bid.AdvertiserID,
			AdSlotID:        r.AdSlotID,
			BidID:           sb.Bid.ID,
			PricingModel:    sb.Bid.PricingModel,
			Amount:          sb.Bid.Amount,
			NormalizedVPI:   sb.NormalizedVPI,
			QualityFactor:   sb.QualityFactor,
			CTR:             sb.CTR,
			CVR:             sb.CVR,
			AdjustedScore:   sb.AdjustedScore,
			Won:             won,
			RejectionReason: sb.RejectionReason,
			Timestamp:       r.CompletedAt,
		})
	}

	for _, sb := range r.Ranked {
		add(sb, r.Winner != nil && sb.Bid.ID == r.Winner.Bid.ID)
	}
	for _, rej := range r.Rejected {
		add(rej.Scored, false)
	}
	return entries
}
