package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/bid-engine/internal/api"
	"github.com/atmx/bid-engine/internal/auction"
	"github.com/atmx/bid-engine/internal/estimator"
	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/normalize"
	"github.com/atmx/bid-engine/internal/portfolio"
	"github.com/atmx/bid-engine/internal/quality"
	"github.com/atmx/bid-engine/internal/snapshot"
	"github.com/atmx/bid-engine/internal/store"
	"github.com/atmx/bid-engine/internal/strategy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// flatModel scores every placement 1.0.
type flatModel struct{}

func (flatModel) Version() string { return "flat-test" }

func (flatModel) Predict(quality.Features) (float64, error) { return 1.0, nil }

type testEnv struct {
	store  *store.MemoryStore
	cache  *snapshot.Cache
	ledger *portfolio.Ledger
	hub    *api.WSHub
	router chi.Router
}

// newTestEnv wires a Service over the in-memory store with a running
// recorder and settlement hub.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	est, err := estimator.New(estimator.DefaultPriors, nil)
	require.NoError(t, err)
	norm, err := normalize.New(d(50), normalize.CPAFormulaCTRxCVR)
	require.NoError(t, err)

	env := &testEnv{
		store:  store.NewMemoryStore(),
		cache:  snapshot.NewCache(),
		ledger: portfolio.NewLedger(d(2), time.Now().UTC().Truncate(24*time.Hour)),
		hub:    api.NewWSHub(),
	}
	qp := quality.NewProvider(quality.DefaultOptions)
	qp.Publish(flatModel{})
	lambdas := portfolio.NewLambdaBook(0.5)

	engine := auction.NewEngine(auction.Deps{
		Estimator:  est,
		Normalizer: norm,
		Quality:    qp,
		Strategies: strategy.New(strategy.DefaultOptions),
		Cache:      env.cache,
		Ledger:     env.ledger,
		Lambdas:    lambdas,
	})
	rec := api.NewRecorder(env.store, env.ledger, env.hub, 64)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go rec.Run(ctx)
	go env.hub.Run(ctx)

	svc := api.NewService(api.Deps{
		Engine:   engine,
		Store:    env.store,
		Cache:    env.cache,
		Ledger:   env.ledger,
		Lambdas:  lambdas,
		Quality:  qp,
		Recorder: rec,
	})
	r := chi.NewRouter()
	r.Get("/health", svc.Health)
	svc.Routes(r, env.hub)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func slot(id string, floor float64) *model.AdSlot {
	return &model.AdSlot{
		ID:         id,
		FloorPrice: d(floor),
		Width:      300,
		Height:     250,
		Position:   1,
		Context:    model.SlotContext{Category: "news", TrafficSource: "direct", TrafficOrigin: model.PricingCPM},
	}
}

func cpm(id, advertiser string, amount float64) model.Bid {
	return model.Bid{ID: id, AdvertiserID: advertiser, PricingModel: model.PricingCPM, Amount: d(amount)}
}

type auctionResp struct {
	AuctionID     string            `json:"auction_id"`
	State         string            `json:"state"`
	WinnerBidID   string            `json:"winner_bid_id"`
	Void          bool              `json:"void"`
	Ranked        []model.ScoredBid `json:"ranked"`
	Rejected      []json.RawMessage `json:"rejected"`
	Settlement    *model.Settlement `json:"settlement"`
	ProcessTimeMS float64           `json:"process_time_ms"`
}

// --- Scoring ---

func TestScoreBid_CPM(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/bids/score", api.ScoreRequest{
		Bid:    cpm("b1", "adv-1", 5),
		AdSlot: slot("slot-1", 2),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.ScoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.NormalizedVPI.Equal(d(0.005)), "vpi %s", resp.NormalizedVPI)
	assert.Equal(t, 1.0, resp.QualityFactor)
	assert.Empty(t, resp.RejectionReason)
	assert.Contains(t, w.Body.String(), `"process_time_ms"`)
	assert.Empty(t, env.ledger.Accounts(), "scoring must not touch the ledger")
}

func TestScoreBid_Rejected(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/bids/score", api.ScoreRequest{
		Bid: model.Bid{
			ID: "b1", AdvertiserID: "adv-1", PricingModel: model.PricingCPAFixed, Amount: d(20),
		},
		AdSlot: slot("slot-1", 0),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.ScoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "safeguard", resp.RejectionReason)
	assert.NotEmpty(t, resp.Error)
}

func TestScoreBid_SlotResolution(t *testing.T) {
	env := newTestEnv(t)
	env.cache.UpsertAdSlot(*slot("cached", 1))

	tests := []struct {
		name string
		req  api.ScoreRequest
		want int
	}{
		{"cached slot", api.ScoreRequest{Bid: cpm("b1", "adv-1", 5), AdSlotID: "cached"}, http.StatusOK},
		{"unknown slot", api.ScoreRequest{Bid: cpm("b1", "adv-1", 5), AdSlotID: "nope"}, http.StatusNotFound},
		{"no slot", api.ScoreRequest{Bid: cpm("b1", "adv-1", 5)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/bids/score", tt.req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestScoreBid_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/bids/score", strings.NewReader("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Auctions ---

func TestRunAuction_SettlesAndRecords(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/auctions", api.AuctionRequest{
		AuctionID: "auc-1",
		AdSlot:    slot("slot-1", 2),
		Bids: []model.Bid{
			cpm("low", "adv-1", 3),
			cpm("high", "adv-2", 5),
			cpm("floor", "adv-3", 1),
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp auctionResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "auc-1", resp.AuctionID)
	assert.Equal(t, "SETTLED", resp.State)
	assert.False(t, resp.Void)
	assert.Equal(t, "high", resp.WinnerBidID)
	require.Len(t, resp.Ranked, 2)
	assert.Len(t, resp.Rejected, 1)
	require.NotNil(t, resp.Settlement)
	assert.True(t, resp.Settlement.Cost.Equal(d(0.005)))

	acct, ok := env.ledger.Account("adv-2")
	require.True(t, ok)
	assert.True(t, acct.SpentToDate.Equal(d(0.005)))

	assert.Eventually(t, func() bool {
		return len(env.store.Settlements()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		h, _ := env.store.GetBidHistory(context.Background(), "adv-3", 10)
		return len(h) == 1 && h[0].RejectionReason == "below_floor"
	}, time.Second, 10*time.Millisecond)
}

func TestRunAuction_Void(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/auctions", api.AuctionRequest{
		AdSlot: slot("slot-1", 10),
		Bids:   []model.Bid{cpm("a", "adv-1", 3), cpm("b", "adv-2", 5)},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp auctionResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "VOID", resp.State)
	assert.True(t, resp.Void)
	assert.Empty(t, resp.WinnerBidID)
	assert.Nil(t, resp.Settlement)
	assert.Len(t, resp.Rejected, 2)
	assert.NotEmpty(t, resp.AuctionID)
}

func TestRunAuction_BudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ledger.Configure("adv-rich", decimal.NewNullDecimal(d(0.001)), decimal.NullDecimal{})
	require.NoError(t, err)

	w := env.do(t, "POST", "/api/v1/auctions", api.AuctionRequest{
		AdSlot: slot("slot-1", 0),
		Bids:   []model.Bid{cpm("rich", "adv-rich", 9), cpm("other", "adv-other", 4)},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp auctionResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "other", resp.WinnerBidID)
	assert.Len(t, resp.Rejected, 1)
}

func TestRunBatch(t *testing.T) {
	env := newTestEnv(t)

	var req api.BatchRequest
	for _, id := range []string{"s1", "s2", "s3"} {
		req.Auctions = append(req.Auctions, api.AuctionRequest{
			AuctionID: "auc-" + id,
			AdSlot:    slot(id, 1),
			Bids:      []model.Bid{cpm(id+"-a", "adv-1", 2), cpm(id+"-b", "adv-2", 3)},
		})
	}

	w := env.do(t, "POST", "/api/v1/auctions/batch", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results []auctionResp `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	for i, id := range []string{"s1", "s2", "s3"} {
		assert.Equal(t, "auc-"+id, resp.Results[i].AuctionID, "order kept")
		assert.Equal(t, id+"-b", resp.Results[i].WinnerBidID)
	}

	acct, ok := env.ledger.Account("adv-2")
	require.True(t, ok)
	assert.True(t, acct.SpentToDate.Equal(d(0.009)))
}

func TestRunBatch_Invalid(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/auctions/batch", api.BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v1/auctions/batch", api.BatchRequest{Auctions: []api.AuctionRequest{
		{AdSlot: slot("s1", 0), Bids: []model.Bid{cpm("a", "adv-1", 1)}},
		{AdSlotID: "missing", Bids: []model.Bid{cpm("b", "adv-1", 1)}},
	}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "auctions[1]")
	assert.Empty(t, env.ledger.Accounts(), "no auction runs when any request is invalid")
}

func TestRunOpenRTB(t *testing.T) {
	env := newTestEnv(t)
	w64, h64 := int64(300), int64(250)

	w := env.do(t, "POST", "/api/v1/auctions/openrtb", api.OpenRTBRequest{
		Request: openrtb2.BidRequest{
			ID: "req-1",
			Imp: []openrtb2.Imp{
				{ID: "1", TagID: "top", BidFloor: 2, Banner: &openrtb2.Banner{W: &w64, H: &h64}},
				{ID: "2", BidFloor: 1, Banner: &openrtb2.Banner{W: &w64, H: &h64}},
			},
			Site: &openrtb2.Site{Cat: []string{"news"}},
		},
		Bids: map[string][]model.Bid{
			"1": {cpm("x", "adv-1", 4), cpm("y", "adv-2", 6)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Response openrtb2.BidResponse `json:"response"`
		Auctions []auctionResp        `json:"auctions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Auctions, 2)
	assert.Equal(t, "req-1:1", resp.Auctions[0].AuctionID)
	assert.Equal(t, "y", resp.Auctions[0].WinnerBidID)
	assert.True(t, resp.Auctions[1].Void)

	assert.Equal(t, "req-1", resp.Response.ID)
	require.Len(t, resp.Response.SeatBid, 1)
	assert.Equal(t, "adv-2", resp.Response.SeatBid[0].Seat)
	require.Len(t, resp.Response.SeatBid[0].Bid, 1)
	assert.Equal(t, "1", resp.Response.SeatBid[0].Bid[0].ImpID)
	assert.InDelta(t, 6.0, resp.Response.SeatBid[0].Bid[0].Price, 1e-9)
}

func TestRunOpenRTB_NoImps(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/auctions/openrtb", api.OpenRTBRequest{
		Request: openrtb2.BidRequest{ID: "req-1"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Strategies ---

func TestStrategy_PutGet(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/strategies/adv-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "PUT", "/api/v1/strategies/adv-1", model.BrandStrategy{
		VPIMultiplier: d(1.5),
		Priority:      2,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first model.BrandStrategy
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, "adv-1", first.AdvertiserID)
	assert.Equal(t, model.ModeMaximizeROI, first.OptimizationMode)
	assert.False(t, first.CreatedAt.IsZero())

	cached, ok := env.cache.View().Strategy("adv-1")
	require.True(t, ok, "strategy published to the snapshot cache")
	assert.True(t, cached.VPIMultiplier.Equal(d(1.5)))

	w = env.do(t, "PUT", "/api/v1/strategies/adv-1", model.BrandStrategy{
		VPIMultiplier:    d(2),
		Priority:         1,
		OptimizationMode: model.ModeMinimizeCost,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/api/v1/strategies/adv-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got model.BrandStrategy
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, model.ModeMinimizeCost, got.OptimizationMode)
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt), "created_at kept across updates")
	assert.False(t, got.UpdatedAt.Before(first.UpdatedAt))
}

func TestStrategy_Invalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body model.BrandStrategy
	}{
		{"priority", model.BrandStrategy{VPIMultiplier: d(1), Priority: 0}},
		{"negative multiplier", model.BrandStrategy{VPIMultiplier: d(-1), Priority: 1}},
		{"bounds", model.BrandStrategy{
			VPIMultiplier: d(1), Priority: 1,
			MinBidVPI: decimal.NewNullDecimal(d(0.02)), MaxBidVPI: decimal.NewNullDecimal(d(0.01)),
		}},
		{"mode", model.BrandStrategy{VPIMultiplier: d(1), Priority: 1, OptimizationMode: "MAXIMIZE_FUN"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "PUT", "/api/v1/strategies/adv-1", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestStrategy_AppliesToNextAuction(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/strategies/adv-1", model.BrandStrategy{VPIMultiplier: d(3), Priority: 1})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "POST", "/api/v1/auctions", api.AuctionRequest{
		AdSlot: slot("slot-1", 0),
		Bids:   []model.Bid{cpm("a", "adv-1", 2), cpm("b", "adv-2", 5)},
	})
	var resp auctionResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "a", resp.WinnerBidID)
}

// --- Ledger ---

func TestLedger_ConfigureAndRevenue(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/ledger/adv-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "PUT", "/api/v1/ledger/adv-1", api.LedgerRequest{
		DailyBudget: decimal.NewNullDecimal(d(100)),
		TargetROAS:  decimal.NewNullDecimal(d(3)),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "POST", "/api/v1/ledger/adv-1/revenue", api.RevenueRequest{Amount: d(12.5)})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/api/v1/ledger/adv-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var acct model.LedgerAccount
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	require.True(t, acct.DailyBudget.Valid)
	assert.True(t, acct.DailyBudget.Decimal.Equal(d(100)))
	assert.True(t, acct.TargetROAS.Equal(d(3)))
	assert.True(t, acct.RealizedRevenueToDate.Equal(d(12.5)))
	assert.Equal(t, 0.5, acct.Lambda)

	saved, err := env.store.ListLedgerAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.True(t, saved[0].RealizedRevenueToDate.Equal(d(12.5)))
}

func TestLedger_Invalid(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/ledger/adv-1", api.LedgerRequest{DailyBudget: decimal.NewNullDecimal(d(-1))})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v1/ledger/adv-1/revenue", api.RevenueRequest{Amount: d(-5)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- History ---

func TestHistory(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		w := env.do(t, "POST", "/api/v1/auctions", api.AuctionRequest{
			AdSlot: slot("slot-1", 0),
			Bids:   []model.Bid{{AdvertiserID: "adv-1", PricingModel: model.PricingCPM, Amount: d(2)}},
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	assert.Eventually(t, func() bool {
		h, _ := env.store.GetBidHistory(context.Background(), "adv-1", 10)
		return len(h) == 3
	}, time.Second, 10*time.Millisecond)

	w := env.do(t, "GET", "/api/v1/advertisers/adv-1/history?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.BidHistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Won)
	}

	w = env.do(t, "GET", "/api/v1/advertisers/adv-9/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = env.do(t, "GET", "/api/v1/advertisers/adv-1/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Health and feed ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "flat-test", resp.ModelVersion)
	assert.Equal(t, -1.0, resp.SnapshotAgeSeconds, "no snapshot loaded yet")
}

func TestSettlementFeed(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	w := env.do(t, "POST", "/api/v1/auctions", api.AuctionRequest{
		AuctionID: "auc-ws",
		AdSlot:    slot("slot-1", 0),
		Bids:      []model.Bid{cpm("a", "adv-1", 2)},
	})
	require.Equal(t, http.StatusOK, w.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg api.SettlementMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "auction_settled", msg.Type)
	assert.Equal(t, "auc-ws", msg.AuctionID)
	assert.Equal(t, "adv-1", msg.AdvertiserID)
	assert.Equal(t, "0.002", msg.Cost)
}
