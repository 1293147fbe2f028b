package auction

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/normalize"
)

// floorPlaces is the precision eCPM is compared to the floor at.
const floorPlaces = 4

// MaxBidAmount is the largest accepted bid amount in any pricing model.
var MaxBidAmount = decimal.New(1, 9)

// validate applies the safeguards in order: well-formedness, commission
// tiers, cross-traffic CPA, then the floor. Normalization happens here
// because the floor is checked on normalized value; a CPM bid under the
// floor is rejected before its rates are even estimated.
func (e *Engine) validate(r *round, bid model.Bid) (candidate, error) {
	c := candidate{bid: bid}

	if bid.AdvertiserID == "" {
		return c, &errortypes.ValidationError{Message: fmt.Sprintf("bid %s: missing advertiser_id", bid.ID)}
	}
	if bid.AdSlotID != r.slot.ID {
		return c, &errortypes.ValidationError{Message: fmt.Sprintf(
			"bid %s targets slot %s, auction is for %s", bid.ID, bid.AdSlotID, r.slot.ID)}
	}
	pm, ok := model.ParsePricingModel(string(bid.PricingModel))
	if !ok {
		return c, &errortypes.UnsupportedModelError{Model: string(bid.PricingModel)}
	}
	c.bid.PricingModel = pm
	if bid.Amount.IsNegative() {
		return c, &errortypes.ValidationError{Message: fmt.Sprintf("bid %s: negative amount %s", bid.ID, bid.Amount)}
	}
	if bid.Amount.GreaterThan(MaxBidAmount) {
		return c, &errortypes.ValidationError{Message: fmt.Sprintf(
			"bid %s: amount %s exceeds maximum %s", bid.ID, bid.Amount, MaxBidAmount)}
	}

	if len(bid.CommissionTiers) > 0 {
		return c, &errortypes.SafeguardViolationError{Message: fmt.Sprintf(
			"bid %s: CPA with product commission tiers is not allowed; use a flat amount or percentage", bid.ID)}
	}

	st, err := r.strategyFor(bid.AdvertiserID)
	if err != nil {
		return c, err
	}
	c.strategy = st
	if pm.IsCPA() && !c.strategy.CPAOnOtherTrafficEnabled && otherTraffic(r.slot.Context.TrafficOrigin) {
		return c, &errortypes.SafeguardViolationError{Message: fmt.Sprintf(
			"bid %s: %s bid on %s-sourced traffic requires cpa_on_other_traffic_enabled", bid.ID, pm, r.slot.Context.TrafficOrigin)}
	}

	floor := r.slot.FloorPrice.Round(floorPlaces)
	if pm == model.PricingCPM && c.bid.Amount.Round(floorPlaces).LessThan(floor) {
		return c, floorError(bid, c.bid.Amount, floor)
	}

	rec := r.view.Performance(bid.AdvertiserID, r.slot.ID)
	rates, err := e.deps.Estimator.Estimate(rec, r.slot.Context.Category)
	if err != nil {
		return c, err
	}
	c.rates = rates

	vpi, err := e.deps.Normalizer.VPI(c.bid, rates, rec)
	if err != nil {
		return c, err
	}
	c.vpi = vpi

	if ecpm := normalize.ECPM(vpi).Round(floorPlaces); ecpm.LessThan(floor) {
		return c, floorError(bid, ecpm, floor)
	}
	return c, nil
}

// otherTraffic reports whether traffic was bought under a non-CPA model.
func otherTraffic(origin model.PricingModel) bool {
	return origin == model.PricingCPM || origin == model.PricingCPC
}

func floorError(bid model.Bid, ecpm, floor fmt.Stringer) error {
	return &errortypes.FloorPriceError{Message: fmt.Sprintf(
		"bid %s: effective CPM %s below floor %s", bid.ID, ecpm, floor)}
}
