package normalize

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/estimator"
	"github.com/atmx/bid-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newNormalizer(t *testing.T, formula CPAFormula) *Normalizer {
	t.Helper()
	n, err := New(d(50), formula)
	require.NoError(t, err)
	return n
}

var rates = estimator.Rates{CTR: 0.02, CVR: 0.05}

func TestVPI_CPMIsAmountPerMille(t *testing.T) {
	n := newNormalizer(t, CPAFormulaCTRxCVR)

	for _, amt := range []float64{0, 0.001, 1, 5, 12.3456, 1e6} {
		bid := model.Bid{PricingModel: model.PricingCPM, Amount: d(amt)}
		for _, r := range []estimator.Rates{rates, {CTR: 0.9, CVR: 0.9}, {}} {
			vpi, err := n.VPI(bid, r, model.PerformanceRecord{})
			require.NoError(t, err)
			assert.True(t, vpi.Equal(d(amt).Div(decimal.NewFromInt(1000))), "amount %v: got %s", amt, vpi)
		}
	}
}

func TestVPI_PerModel(t *testing.T) {
	n := newNormalizer(t, CPAFormulaCTRxCVR)
	rec := model.PerformanceRecord{Conversions: 4, OrderValueSum: d(400)}

	tests := []struct {
		name string
		bid  model.Bid
		want decimal.Decimal
	}{
		{"cpm", model.Bid{PricingModel: model.PricingCPM, Amount: d(5)}, d(0.005)},
		{"cpc", model.Bid{PricingModel: model.PricingCPC, Amount: d(0.5)}, d(0.01)},
		{"cpa fixed", model.Bid{PricingModel: model.PricingCPAFixed, Amount: d(10)}, d(0.01)},
		{"cpa percent", model.Bid{
			PricingModel: model.PricingCPAPercent,
			Amount:       d(0),
			PercentRate:  decimal.NewNullDecimal(d(0.1)),
		}, d(0.01)}, // 0.1 × 100 × 0.02 × 0.05
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vpi, err := n.VPI(tt.bid, rates, rec)
			require.NoError(t, err)
			assert.True(t, vpi.Equal(tt.want), "want %s, got %s", tt.want, vpi)
		})
	}
}

func TestVPI_CVROnlyFormula(t *testing.T) {
	n := newNormalizer(t, CPAFormulaCVROnly)
	bid := model.Bid{PricingModel: model.PricingCPAFixed, Amount: d(10)}

	vpi, err := n.VPI(bid, rates, model.PerformanceRecord{})
	require.NoError(t, err)
	assert.True(t, vpi.Equal(d(0.5)), "got %s", vpi)
}

func TestVPI_CPAPercentFallsBackToDefaultAOV(t *testing.T) {
	n := newNormalizer(t, CPAFormulaCTRxCVR)
	bid := model.Bid{PricingModel: model.PricingCPAPercent, PercentRate: decimal.NewNullDecimal(d(0.2))}

	vpi, err := n.VPI(bid, rates, model.PerformanceRecord{OrderValueSum: d(999)})
	require.NoError(t, err)
	// 0.2 × 50 × 0.001
	assert.True(t, vpi.Equal(d(0.01)), "got %s", vpi)
}

func TestVPI_MonotonicInAmount(t *testing.T) {
	n := newNormalizer(t, CPAFormulaCTRxCVR)

	for _, pm := range []model.PricingModel{model.PricingCPM, model.PricingCPC, model.PricingCPAFixed} {
		prev := decimal.Zero
		for amt := 0.0; amt <= 50; amt += 0.37 {
			vpi, err := n.VPI(model.Bid{PricingModel: pm, Amount: d(amt)}, rates, model.PerformanceRecord{})
			require.NoError(t, err)
			assert.True(t, vpi.GreaterThanOrEqual(prev), "%s not monotonic at %v", pm, amt)
			assert.False(t, vpi.IsNegative())
			prev = vpi
		}
	}
}

func TestVPI_EveryPricingModelHandled(t *testing.T) {
	n := newNormalizer(t, CPAFormulaCTRxCVR)

	for _, pm := range model.PricingModels {
		bid := model.Bid{PricingModel: pm, Amount: d(1), PercentRate: decimal.NewNullDecimal(d(0.1))}
		_, err := n.VPI(bid, rates, model.PerformanceRecord{})
		assert.NoError(t, err, "pricing model %s", pm)
	}
}

func TestVPI_Errors(t *testing.T) {
	n := newNormalizer(t, CPAFormulaCTRxCVR)

	_, err := n.VPI(model.Bid{PricingModel: "CPV", Amount: d(1)}, rates, model.PerformanceRecord{})
	var unsupported *errortypes.UnsupportedModelError
	assert.True(t, errors.As(err, &unsupported))

	_, err = n.VPI(model.Bid{PricingModel: model.PricingCPM, Amount: d(-1)}, rates, model.PerformanceRecord{})
	var validation *errortypes.ValidationError
	assert.True(t, errors.As(err, &validation))

	for _, rate := range []decimal.NullDecimal{{}, decimal.NewNullDecimal(d(0)), decimal.NewNullDecimal(d(1.5))} {
		_, err = n.VPI(model.Bid{PricingModel: model.PricingCPAPercent, PercentRate: rate}, rates, model.PerformanceRecord{})
		assert.True(t, errors.As(err, &validation))
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(decimal.Zero, CPAFormulaCTRxCVR)
	assert.ErrorIs(t, err, ErrInvalidAOV)

	_, err = New(d(10), "cvr_times_pi")
	assert.ErrorIs(t, err, ErrInvalidFormula)

	n, err := New(d(10), "")
	require.NoError(t, err)
	assert.Equal(t, CPAFormulaCTRxCVR, n.Formula())
}

func TestECPM(t *testing.T) {
	assert.True(t, ECPM(d(0.01)).Equal(d(10)))
}
