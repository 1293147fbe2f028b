// Package metrics provides Prometheus instrumentation for the bid engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuctionsTotal counts completed auction rounds by outcome (settled, void).
	AuctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_auctions_total",
		Help: "Total auction rounds completed",
	}, []string{"outcome"})

	// AuctionLatency is the end-to-end duration of one slot auction.
	AuctionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bidengine_auction_latency_seconds",
		Help:    "Slot auction latency in seconds",
		Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
	})

	// BidsScored counts bids that completed the scoring pipeline.
	BidsScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidengine_bids_scored_total",
		Help: "Bids that completed scoring",
	})

	// BidRejections counts bids removed from a round, by rejection reason.
	BidRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_bid_rejections_total",
		Help: "Bids rejected from an auction round",
	}, []string{"reason"})

	// BudgetDisqualifications counts winners disqualified at settlement.
	BudgetDisqualifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bidengine_budget_disqualifications_total",
		Help: "Ranked winners disqualified by the spend ledger",
	})

	// QualityFallbacks counts quality-factor fallbacks by cause.
	QualityFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_quality_fallbacks_total",
		Help: "Quality model invocations resolved to the flat fallback",
	}, []string{"cause"})

	// LedgerSpend tracks spend to date per advertiser.
	LedgerSpend = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bidengine_ledger_spend",
		Help: "Spend to date in the current ledger period",
	}, []string{"advertiser_id"})

	// Lambda tracks the published throttle coefficient per advertiser.
	Lambda = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bidengine_lambda",
		Help: "Published portfolio throttle coefficient",
	}, []string{"advertiser_id"})

	// SnapshotRefreshes counts cache refreshes by cache and status.
	SnapshotRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_snapshot_refreshes_total",
		Help: "Cache snapshot refreshes",
	}, []string{"cache", "status"})

	// PerformanceEvents counts ingested events by type and outcome
	// (recorded, duplicate).
	PerformanceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_performance_events_total",
		Help: "Performance events received from event ingestion",
	}, []string{"type", "outcome"})

	// WebSocketClients tracks connected settlement feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bidengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bidengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, keeps advertiser ids out of labels.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over wrapped connections.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
