package portfolio

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/atmx/bid-engine/internal/metrics"
)

// Lambdas is one published set of per-advertiser λ values. A published
// Lambdas is never mutated.
type Lambdas struct {
	values      map[string]float64
	fallback    float64
	publishedAt time.Time
}

// Lambda returns the advertiser's λ, or the book's default when the
// advertiser has not been tuned yet.
func (s *Lambdas) Lambda(advertiserID string) float64 {
	if v, ok := s.values[advertiserID]; ok {
		return v
	}
	return s.fallback
}

// PublishedAt is the time this set replaced its predecessor.
func (s *Lambdas) PublishedAt() time.Time { return s.publishedAt }

// Values returns a copy of the tuned values.
func (s *Lambdas) Values() map[string]float64 {
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// LambdaBook holds the current λ snapshot. The tuning job is the single
// producer; scoring reads Current() once per round and keeps that snapshot
// for the whole round.
type LambdaBook struct {
	current       atomic.Pointer[Lambdas]
	defaultLambda float64
	updates       chan map[string]float64
}

// NewLambdaBook creates a book whose advertisers start at defaultLambda.
func NewLambdaBook(defaultLambda float64) *LambdaBook {
	b := &LambdaBook{
		defaultLambda: defaultLambda,
		updates:       make(chan map[string]float64, 1),
	}
	b.current.Store(&Lambdas{values: map[string]float64{}, fallback: defaultLambda, publishedAt: time.Now()})
	return b
}

// Current returns the snapshot in effect now.
func (b *LambdaBook) Current() *Lambdas {
	return b.current.Load()
}

// Default is the λ used for advertisers absent from the snapshot.
func (b *LambdaBook) Default() float64 { return b.defaultLambda }

// Publish copies values into a new snapshot and swaps it in.
func (b *LambdaBook) Publish(values map[string]float64) {
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
		metrics.Lambda.WithLabelValues(k).Set(v)
	}
	b.current.Store(&Lambdas{values: cp, fallback: b.defaultLambda, publishedAt: time.Now()})
}

// Updates is the channel producers send complete λ sets on.
func (b *LambdaBook) Updates() chan<- map[string]float64 {
	return b.updates
}

// Run publishes every set received on Updates until ctx is cancelled.
func (b *LambdaBook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case values := <-b.updates:
			b.Publish(values)
		}
	}
}
