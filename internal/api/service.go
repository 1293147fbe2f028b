// Package api provides the HTTP handlers of the bid engine: single-bid
// scoring, slot auctions (single, batch and OpenRTB), brand strategy and
// ledger administration, ad slot and performance event ingestion, bid
// history and the settlement feed.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/bid-engine/internal/auction"
	"github.com/atmx/bid-engine/internal/portfolio"
	"github.com/atmx/bid-engine/internal/quality"
	"github.com/atmx/bid-engine/internal/snapshot"
	"github.com/atmx/bid-engine/internal/store"
)

// Service handles bid engine requests. Auctions run on the engine's
// snapshots; only administration endpoints touch the store synchronously.
type Service struct {
	engine   *auction.Engine
	store    store.Store
	cache    *snapshot.Cache
	ledger   *portfolio.Ledger
	lambdas  *portfolio.LambdaBook
	quality  *quality.Provider
	recorder *Recorder
	now      func() time.Time
}

// Deps are the components a Service serves.
type Deps struct {
	Engine   *auction.Engine
	Store    store.Store
	Cache    *snapshot.Cache
	Ledger   *portfolio.Ledger
	Lambdas  *portfolio.LambdaBook
	Quality  *quality.Provider
	Recorder *Recorder
}

// NewService creates a new Service.
func NewService(deps Deps) *Service {
	return &Service{
		engine:   deps.Engine,
		store:    deps.Store,
		cache:    deps.Cache,
		ledger:   deps.Ledger,
		lambdas:  deps.Lambdas,
		quality:  deps.Quality,
		recorder: deps.Recorder,
		now:      time.Now,
	}
}

// Routes mounts every /api/v1 endpoint on r. hub may be nil.
func (s *Service) Routes(r chi.Router, hub *WSHub) {
	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Post("/bids/score", s.ScoreBid)

		r.Post("/auctions", s.RunAuction)
		r.Post("/auctions/batch", s.RunBatch)
		r.Post("/auctions/openrtb", s.RunOpenRTB)

		r.Get("/strategies/{advertiserID}", s.GetStrategy)
		r.Put("/strategies/{advertiserID}", s.PutStrategy)

		r.Get("/ledger/{advertiserID}", s.GetLedger)
		r.Put("/ledger/{advertiserID}", s.PutLedger)
		r.Post("/ledger/{advertiserID}/revenue", s.PostRevenue)

		r.Get("/advertisers/{advertiserID}/history", s.GetHistory)

		r.Get("/slots/{slotID}", s.GetSlot)
		r.Put("/slots/{slotID}", s.PutSlot)
		r.Post("/performance", s.PostPerformance)
	})
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status             string  `json:"status"`
	Service            string  `json:"service"`
	Store              string  `json:"store"`
	ModelVersion       string  `json:"model_version"`
	SnapshotAgeSeconds float64 `json:"snapshot_age_seconds"`
	LambdaAgeSeconds   float64 `json:"lambda_age_seconds"`
}

// Health handles GET /health. A store outage reports "degraded" with 503;
// auctions keep running on the cached snapshots.
func (s *Service) Health(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	resp := HealthResponse{
		Status:             "ok",
		Service:            "bid-engine",
		Store:              "ok",
		ModelVersion:       s.quality.Version(),
		SnapshotAgeSeconds: age(now, s.cache.View().LoadedAt()),
		LambdaAgeSeconds:   age(now, s.lambdas.Current().PublishedAt()),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func age(now, t time.Time) float64 {
	if t.IsZero() {
		return -1
	}
	return now.Sub(t).Seconds()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
