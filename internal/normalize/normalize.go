// Package normalize converts a bid of any pricing model into a common value
// per impression (VPI), the only unit along which a per-acquisition bid and a
// per-mille bid are directly comparable.
//
//	CPM          amount / 1000
//	CPC          amount × CTR
//	CPA_FIXED    amount × CTR × CVR
//	CPA_PERCENT  percent_rate × AOV × CTR × CVR
//
// CVR is measured per click, so the CPA branches need CTR as well to land on
// a per-impression value. The CVR-only variant is available behind
// CPAFormulaCVROnly for deployments that define CVR per impression.
package normalize

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/estimator"
	"github.com/atmx/bid-engine/internal/model"
)

// CPAFormula selects how acquisition probability per impression is derived.
type CPAFormula string

const (
	// CPAFormulaCTRxCVR uses CTR × CVR (CVR defined over clicks).
	CPAFormulaCTRxCVR CPAFormula = "ctr_cvr"
	// CPAFormulaCVROnly uses CVR alone (CVR defined over impressions).
	CPAFormulaCVROnly CPAFormula = "cvr_only"
)

var (
	ErrInvalidFormula = errors.New("normalize: unknown cpa formula")
	ErrInvalidAOV     = errors.New("normalize: default average order value must be positive")
)

// Normalizer is a pure function object; safe for concurrent use.
type Normalizer struct {
	defaultAOV decimal.Decimal
	formula    CPAFormula
}

// New creates a Normalizer. defaultAOV is used for CPA_PERCENT bids when the
// performance record has no conversions.
func New(defaultAOV decimal.Decimal, formula CPAFormula) (*Normalizer, error) {
	if !defaultAOV.IsPositive() {
		return nil, ErrInvalidAOV
	}
	switch formula {
	case CPAFormulaCTRxCVR, CPAFormulaCVROnly:
	case "":
		formula = CPAFormulaCTRxCVR
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormula, formula)
	}
	return &Normalizer{defaultAOV: defaultAOV, formula: formula}, nil
}

// Formula returns the configured CPA formula.
func (n *Normalizer) Formula() CPAFormula {
	return n.formula
}

// VPI returns the bid's value per impression. rec supplies the order value
// history for CPA_PERCENT bids.
func (n *Normalizer) VPI(bid model.Bid, rates estimator.Rates, rec model.PerformanceRecord) (decimal.Decimal, error) {
	if bid.Amount.IsNegative() {
		return decimal.Zero, &errortypes.ValidationError{
			Message: fmt.Sprintf("bid %s: negative amount %s", bid.ID, bid.Amount)}
	}

	ctr := decimal.NewFromFloat(rates.CTR)
	switch bid.PricingModel {
	case model.PricingCPM:
		return bid.Amount.Shift(-3), nil

	case model.PricingCPC:
		return bid.Amount.Mul(ctr), nil

	case model.PricingCPAFixed:
		return bid.Amount.Mul(n.acquisitionRate(rates)), nil

	case model.PricingCPAPercent:
		if !bid.PercentRate.Valid || !bid.PercentRate.Decimal.IsPositive() || bid.PercentRate.Decimal.GreaterThan(decimal.NewFromInt(1)) {
			return decimal.Zero, &errortypes.ValidationError{
				Message: fmt.Sprintf("bid %s: CPA_PERCENT requires percent_rate in (0, 1]", bid.ID)}
		}
		aov := AverageOrderValue(rec, n.defaultAOV)
		return bid.PercentRate.Decimal.Mul(aov).Mul(n.acquisitionRate(rates)), nil
	}

	return decimal.Zero, &errortypes.UnsupportedModelError{Model: string(bid.PricingModel)}
}

func (n *Normalizer) acquisitionRate(rates estimator.Rates) decimal.Decimal {
	cvr := decimal.NewFromFloat(rates.CVR)
	if n.formula == CPAFormulaCVROnly {
		return cvr
	}
	return decimal.NewFromFloat(rates.CTR).Mul(cvr)
}

// AverageOrderValue returns order_value_sum / conversions, or fallback when
// there are no conversions to divide by.
func AverageOrderValue(rec model.PerformanceRecord, fallback decimal.Decimal) decimal.Decimal {
	if rec.Conversions <= 0 || !rec.OrderValueSum.IsPositive() {
		return fallback
	}
	return rec.OrderValueSum.Div(decimal.NewFromInt(rec.Conversions))
}

// ECPM converts a VPI back to a per-mille amount, the unit slot floors are
// expressed in.
func ECPM(vpi decimal.Decimal) decimal.Decimal {
	return vpi.Shift(3)
}
