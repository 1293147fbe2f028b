// Package estimator smooths sparse click/conversion history into stable rate
// estimates using a beta-binomial posterior mean:
//
//	rate = (successes + α) / (trials + α + β)
//
// With no history the estimate degenerates to the prior mean α/(α+β), so a
// new advertiser or slot never gets an overconfident 0% or 100% rate. CTR
// trials are impressions; CVR trials are clicks.
package estimator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/model"
)

// ErrInvalidPrior is returned when a prior has a non-positive parameter.
var ErrInvalidPrior = errors.New("estimator: prior alpha and beta must be positive")

// Prior holds the beta distribution parameters for one rate.
type Prior struct {
	Alpha float64 `json:"alpha" mapstructure:"alpha"`
	Beta  float64 `json:"beta" mapstructure:"beta"`
}

// Mean returns the prior mean α/(α+β).
func (p Prior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

func (p Prior) validate() error {
	if p.Alpha <= 0 || p.Beta <= 0 {
		return fmt.Errorf("%w: alpha=%v beta=%v", ErrInvalidPrior, p.Alpha, p.Beta)
	}
	return nil
}

// Priors pairs the CTR and CVR priors for one vertical.
type Priors struct {
	CTR Prior `json:"ctr" mapstructure:"ctr"`
	CVR Prior `json:"cvr" mapstructure:"cvr"`
}

// DefaultPriors expect roughly a 9% CTR and a 5% CVR.
var DefaultPriors = Priors{
	CTR: Prior{Alpha: 1, Beta: 10},
	CVR: Prior{Alpha: 1, Beta: 20},
}

// Rates are the smoothed rates used to normalize one bid.
type Rates struct {
	CTR float64 `json:"ctr"`
	CVR float64 `json:"cvr"`
}

// PosteriorMean returns (successes + α) / (trials + α + β).
func PosteriorMean(successes, trials int64, p Prior) float64 {
	return (float64(successes) + p.Alpha) / (float64(trials) + p.Alpha + p.Beta)
}

// Smooth validates the record's counters and returns its smoothed rates.
// It fails only with a *errortypes.DataError.
func Smooth(rec model.PerformanceRecord, priors Priors) (Rates, error) {
	if err := checkCounters(rec); err != nil {
		return Rates{}, err
	}
	return Rates{
		CTR: PosteriorMean(rec.Clicks, rec.Impressions, priors.CTR),
		CVR: PosteriorMean(rec.Conversions, rec.Clicks, priors.CVR),
	}, nil
}

func checkCounters(rec model.PerformanceRecord) error {
	switch {
	case rec.Impressions < 0, rec.Clicks < 0, rec.Conversions < 0:
		return &errortypes.DataError{Message: fmt.Sprintf(
			"negative counters for advertiser %s slot %s: impressions=%d clicks=%d conversions=%d",
			rec.AdvertiserID, rec.AdSlotID, rec.Impressions, rec.Clicks, rec.Conversions)}
	case rec.Clicks > rec.Impressions:
		return &errortypes.DataError{Message: fmt.Sprintf(
			"clicks exceed impressions for advertiser %s slot %s: %d > %d",
			rec.AdvertiserID, rec.AdSlotID, rec.Clicks, rec.Impressions)}
	case rec.Conversions > rec.Clicks:
		return &errortypes.DataError{Message: fmt.Sprintf(
			"conversions exceed clicks for advertiser %s slot %s: %d > %d",
			rec.AdvertiserID, rec.AdSlotID, rec.Conversions, rec.Clicks)}
	case rec.OrderValueSum.IsNegative():
		return &errortypes.DataError{Message: fmt.Sprintf(
			"negative order value for advertiser %s slot %s: %s",
			rec.AdvertiserID, rec.AdSlotID, rec.OrderValueSum)}
	}
	return nil
}

// Estimator resolves priors per page category and smooths records with them.
type Estimator struct {
	defaults   Priors
	byCategory map[string]Priors
}

// New creates an Estimator. Category keys are matched case-insensitively.
func New(defaults Priors, byCategory map[string]Priors) (*Estimator, error) {
	if err := validatePriors(defaults); err != nil {
		return nil, err
	}
	m := make(map[string]Priors, len(byCategory))
	for cat, p := range byCategory {
		if err := validatePriors(p); err != nil {
			return nil, fmt.Errorf("category %q: %w", cat, err)
		}
		m[strings.ToLower(cat)] = p
	}
	return &Estimator{defaults: defaults, byCategory: m}, nil
}

func validatePriors(p Priors) error {
	if err := p.CTR.validate(); err != nil {
		return fmt.Errorf("ctr: %w", err)
	}
	if err := p.CVR.validate(); err != nil {
		return fmt.Errorf("cvr: %w", err)
	}
	return nil
}

// PriorsFor returns the priors configured for category, or the defaults.
func (e *Estimator) PriorsFor(category string) Priors {
	if p, ok := e.byCategory[strings.ToLower(category)]; ok {
		return p
	}
	return e.defaults
}

// Estimate smooths rec with the priors of the slot's category.
func (e *Estimator) Estimate(rec model.PerformanceRecord, category string) (Rates, error) {
	return Smooth(rec, e.PriorsFor(category))
}
