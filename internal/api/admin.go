package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/store"
	"github.com/atmx/bid-engine/internal/strategy"
)

// MaxHistoryLimit caps ?limit= on the history endpoint.
const MaxHistoryLimit = 1000

// LedgerRequest is the JSON body for PUT /api/v1/ledger/{advertiserID}.
// A null daily_budget makes the account uncapped; a null target_roas keeps
// the current target.
type LedgerRequest struct {
	DailyBudget decimal.NullDecimal `json:"daily_budget"`
	TargetROAS  decimal.NullDecimal `json:"target_roas"`
}

// RevenueRequest is the JSON body for POST /api/v1/ledger/{advertiserID}/revenue.
type RevenueRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// GetStrategy handles GET /api/v1/strategies/{advertiserID}
func (s *Service) GetStrategy(w http.ResponseWriter, r *http.Request) {
	advertiserID := chi.URLParam(r, "advertiserID")

	st, err := s.store.GetStrategy(r.Context(), advertiserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "strategy not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load strategy", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// PutStrategy handles PUT /api/v1/strategies/{advertiserID}
// The strategy is stored and published to the snapshot cache, so the next
// auction uses it without waiting for a refresh.
func (s *Service) PutStrategy(w http.ResponseWriter, r *http.Request) {
	advertiserID := chi.URLParam(r, "advertiserID")

	var st model.BrandStrategy
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	st.AdvertiserID = advertiserID
	if err := strategy.Validate(&st); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := s.now().UTC()
	st.CreatedAt, st.UpdatedAt = now, now
	if existing, err := s.store.GetStrategy(ctx, advertiserID); err == nil {
		st.CreatedAt = existing.CreatedAt
	}
	if err := s.store.UpsertStrategy(ctx, &st); err != nil {
		writeError(w, "failed to save strategy", http.StatusInternalServerError)
		return
	}
	s.cache.UpsertStrategy(st)

	slog.Info("strategy updated",
		"advertiser_id", advertiserID,
		"mode", st.OptimizationMode,
		"multiplier", st.VPIMultiplier.String(),
		"priority", st.Priority,
	)
	writeJSON(w, http.StatusOK, st)
}

// GetLedger handles GET /api/v1/ledger/{advertiserID}
// Returns the current period's account with the advertiser's published λ.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	advertiserID := chi.URLParam(r, "advertiserID")

	acct, ok := s.ledger.Account(advertiserID)
	if !ok {
		writeError(w, "ledger account not found", http.StatusNotFound)
		return
	}
	acct.Lambda = s.lambdas.Current().Lambda(advertiserID)
	writeJSON(w, http.StatusOK, acct)
}

// PutLedger handles PUT /api/v1/ledger/{advertiserID}
func (s *Service) PutLedger(w http.ResponseWriter, r *http.Request) {
	advertiserID := chi.URLParam(r, "advertiserID")

	var req LedgerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := s.ledger.Configure(advertiserID, req.DailyBudget, req.TargetROAS)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.SaveLedgerAccount(r.Context(), &acct); err != nil {
		writeError(w, "failed to save ledger account", http.StatusInternalServerError)
		return
	}

	slog.Info("ledger account configured", "advertiser_id", advertiserID,
		"daily_budget", req.DailyBudget.Decimal.String(), "uncapped", !req.DailyBudget.Valid,
		"target_roas", acct.TargetROAS.String())
	acct.Lambda = s.lambdas.Current().Lambda(advertiserID)
	writeJSON(w, http.StatusOK, acct)
}

// PostRevenue handles POST /api/v1/ledger/{advertiserID}/revenue
// Event ingestion reports realized order value here; λ tuning reads it.
func (s *Service) PostRevenue(w http.ResponseWriter, r *http.Request) {
	advertiserID := chi.URLParam(r, "advertiserID")

	var req RevenueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ledger.RecordRevenue(advertiserID, req.Amount); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	acct, _ := s.ledger.Account(advertiserID)
	if err := s.store.SaveLedgerAccount(r.Context(), &acct); err != nil {
		slog.Error("ledger account not saved", "advertiser_id", advertiserID, "err", err)
	}
	acct.Lambda = s.lambdas.Current().Lambda(advertiserID)
	writeJSON(w, http.StatusOK, acct)
}

// GetHistory handles GET /api/v1/advertisers/{advertiserID}/history
// Returns the advertiser's most recent bid outcomes, newest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	advertiserID := chi.URLParam(r, "advertiserID")

	limit := store.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxHistoryLimit {
			writeError(w, "limit must be between 1 and "+strconv.Itoa(MaxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.store.GetBidHistory(r.Context(), advertiserID, limit)
	if err != nil {
		writeError(w, "failed to load bid history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.BidHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
