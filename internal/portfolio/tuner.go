package portfolio

import (
	"context"
	"log/slog"
	"time"
)

// LambdaSaver persists published λ values so a restart does not reset tuning.
type LambdaSaver interface {
	SaveLambdas(ctx context.Context, values map[string]float64) error
}

// TunerOptions configure the gradient step.
type TunerOptions struct {
	LearningRate float64
	MinLambda    float64
	MaxLambda    float64
	Interval     time.Duration
}

// DefaultTunerOptions: λ in [0.1, 10], moved by at most 0.1 per unit of
// relative ROAS error, every five minutes.
var DefaultTunerOptions = TunerOptions{
	LearningRate: 0.1,
	MinLambda:    0.1,
	MaxLambda:    10,
	Interval:     5 * time.Minute,
}

// Tuner is the periodic λ job. It reads realized ROAS from the ledger,
// computes the next λ set from the book's current one and sends it to the
// book; it never touches the scoring path directly.
type Tuner struct {
	ledger *Ledger
	book   *LambdaBook
	opts   TunerOptions
	saver  LambdaSaver
}

// NewTuner creates a tuner. saver may be nil.
func NewTuner(ledger *Ledger, book *LambdaBook, opts TunerOptions, saver LambdaSaver) *Tuner {
	return &Tuner{ledger: ledger, book: book, opts: opts, saver: saver}
}

// Next computes the λ set that follows current:
//
//	λ' = clamp(λ + η·(target − realized)/target, λmin, λmax)
//
// so λ rises when realized ROAS is under target and falls when over.
// Advertisers with no spend yet keep their λ.
func (t *Tuner) Next(current *Lambdas) map[string]float64 {
	next := current.Values()
	for _, acct := range t.ledger.Accounts() {
		lambda := current.Lambda(acct.AdvertiserID)
		target, _ := acct.TargetROAS.Float64()
		if !acct.SpentToDate.IsPositive() || target <= 0 {
			next[acct.AdvertiserID] = lambda
			continue
		}
		realized, _ := acct.ROAS().Float64()
		lambda += t.opts.LearningRate * (target - realized) / target
		next[acct.AdvertiserID] = t.clamp(lambda)
	}
	return next
}

func (t *Tuner) clamp(lambda float64) float64 {
	if lambda < t.opts.MinLambda {
		return t.opts.MinLambda
	}
	if lambda > t.opts.MaxLambda {
		return t.opts.MaxLambda
	}
	return lambda
}

// Tune runs one step: compute, hand the set to the book, persist.
func (t *Tuner) Tune(ctx context.Context) (map[string]float64, error) {
	next := t.Next(t.book.Current())

	select {
	case t.book.Updates() <- next:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if t.saver != nil {
		if err := t.saver.SaveLambdas(ctx, next); err != nil {
			slog.Warn("persist lambdas failed", "err", err)
		}
	}
	return next, nil
}

// Run tunes every Interval until ctx is cancelled.
func (t *Tuner) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			values, err := t.Tune(ctx)
			if err != nil {
				return
			}
			slog.Debug("lambdas tuned", "advertisers", len(values))
		}
	}
}
