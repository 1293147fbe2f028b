// Package quality produces the multiplicative quality factor applied to a
// bid's VPI from placement and context features.
//
// Models are published as immutable snapshots through a Provider; a scoring
// round captures one snapshot at its start and uses it for every bid. Model
// failure, absence, or a blown time budget never fails a bid: the Scorer
// falls back to a configured flat factor and reports why.
package quality

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/atmx/bid-engine/internal/errortypes"
)

// Model is a versioned, advertiser-agnostic scoring function.
type Model interface {
	Version() string
	Predict(f Features) (float64, error)
}

// Options configures the fallback and bounds of a Provider.
type Options struct {
	// FallbackFactor is used whenever the model cannot produce a factor.
	FallbackFactor float64
	// MinFactor and MaxFactor bound model output.
	MinFactor float64
	MaxFactor float64
	// TimeBudget is checked after Predict returns: a slower prediction is
	// discarded for the fallback. It does not interrupt the call, so Model
	// implementations must themselves be bounded. Zero disables the check.
	TimeBudget time.Duration
}

// DefaultOptions: flat 1.0 fallback, factor bounded to [0.5, 2], 1ms budget.
var DefaultOptions = Options{
	FallbackFactor: 1.0,
	MinFactor:      0.5,
	MaxFactor:      2.0,
	TimeBudget:     time.Millisecond,
}

// FallbackVersion is reported when no model produced the factor.
const FallbackVersion = "fallback"

type snapshot struct {
	model       Model
	publishedAt time.Time
}

// Provider holds the current model snapshot. Publish and Scorer are safe for
// concurrent use; readers never block on a publish.
type Provider struct {
	opts    Options
	current atomic.Pointer[snapshot]
}

// NewProvider creates a Provider with no model published.
func NewProvider(opts Options) *Provider {
	p := &Provider{opts: opts}
	p.current.Store(&snapshot{})
	return p
}

// Publish atomically replaces the current model. A nil model marks the
// artifact absent so every prediction falls back.
func (p *Provider) Publish(m Model) {
	p.current.Store(&snapshot{model: m, publishedAt: time.Now().UTC()})
}

// Version returns the version of the current model, or FallbackVersion.
func (p *Provider) Version() string {
	if s := p.current.Load(); s.model != nil {
		return s.model.Version()
	}
	return FallbackVersion
}

// PublishedAt returns when the current snapshot was published.
func (p *Provider) PublishedAt() time.Time {
	return p.current.Load().publishedAt
}

// Scorer captures the current snapshot for one scoring round.
func (p *Provider) Scorer() Scorer {
	return Scorer{model: p.current.Load().model, opts: p.opts}
}

// Result is the outcome of one quality prediction.
type Result struct {
	Factor  float64
	Version string
	// Err is set when the fallback was used; always a
	// *errortypes.ModelUnavailableError.
	Err error
	// Cause labels the fallback: absent, error, panic, timeout or invalid.
	Cause string
}

// Fallback reports whether the flat fallback factor was applied.
func (r Result) Fallback() bool { return r.Err != nil }

// Scorer evaluates one immutable model snapshot.
type Scorer struct {
	model Model
	opts  Options
}

// Factor predicts the quality factor for f, falling back on any failure.
func (s Scorer) Factor(f Features) (res Result) {
	if s.model == nil {
		return s.fallback("absent", "no model artifact loaded")
	}

	defer func() {
		if r := recover(); r != nil {
			res = s.fallback("panic", fmt.Sprintf("model %s panicked: %v", s.model.Version(), r))
		}
	}()

	start := time.Now()
	factor, err := s.model.Predict(f)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		return s.fallback("error", fmt.Sprintf("model %s: %v", s.model.Version(), err))
	case s.opts.TimeBudget > 0 && elapsed > s.opts.TimeBudget:
		return s.fallback("timeout", fmt.Sprintf("model %s exceeded time budget: %s > %s",
			s.model.Version(), elapsed, s.opts.TimeBudget))
	case math.IsNaN(factor) || math.IsInf(factor, 0) || factor <= 0:
		return s.fallback("invalid", fmt.Sprintf("model %s returned invalid factor %v", s.model.Version(), factor))
	}

	return Result{Factor: s.clamp(factor), Version: s.model.Version()}
}

func (s Scorer) clamp(v float64) float64 {
	if s.opts.MinFactor > 0 && v < s.opts.MinFactor {
		return s.opts.MinFactor
	}
	if s.opts.MaxFactor > 0 && v > s.opts.MaxFactor {
		return s.opts.MaxFactor
	}
	return v
}

func (s Scorer) fallback(cause, msg string) Result {
	return Result{
		Factor:  s.opts.FallbackFactor,
		Version: FallbackVersion,
		Err:     &errortypes.ModelUnavailableError{Message: msg},
		Cause:   cause,
	}
}
