package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/bid-engine/internal/metrics"
	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/store"
)

// PerformanceResponse is the JSON body returned by POST /api/v1/performance.
type PerformanceResponse struct {
	Duplicate bool                     `json:"duplicate"`
	Record    *model.PerformanceRecord `json:"record,omitempty"`
}

// GetSlot handles GET /api/v1/slots/{slotID}
func (s *Service) GetSlot(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")

	slot, err := s.store.GetAdSlot(r.Context(), slotID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "ad slot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load ad slot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// PutSlot handles PUT /api/v1/slots/{slotID}
// The slot is stored and published to the snapshot cache, so auctions can
// reference it by id right away.
func (s *Service) PutSlot(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotID")

	var slot model.AdSlot
	if err := json.NewDecoder(r.Body).Decode(&slot); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	slot.ID = slotID
	if slot.FloorPrice.IsNegative() || slot.Width < 0 || slot.Height < 0 || slot.Position < 0 {
		writeError(w, "floor_price, width, height and position must not be negative", http.StatusBadRequest)
		return
	}

	if err := s.store.UpsertAdSlot(r.Context(), &slot); err != nil {
		writeError(w, "failed to save ad slot", http.StatusInternalServerError)
		return
	}
	s.cache.UpsertAdSlot(slot)

	slog.Info("ad slot updated", "ad_slot_id", slotID, "floor_price", slot.FloorPrice.String())
	writeJSON(w, http.StatusOK, slot)
}

// PostPerformance handles POST /api/v1/performance
// Event ingestion reports impressions, clicks and conversions here. Each
// event id counts once; a redelivery answers 200 with duplicate set.
func (s *Service) PostPerformance(w http.ResponseWriter, r *http.Request) {
	var ev model.PerformanceEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch {
	case ev.EventID == "" || ev.AdvertiserID == "" || ev.AdSlotID == "":
		writeError(w, "event_id, advertiser_id and ad_slot_id are required", http.StatusBadRequest)
		return
	case !ev.Type.Valid():
		writeError(w, "type must be impression, click or conversion", http.StatusBadRequest)
		return
	case ev.OrderValue.Valid && ev.OrderValue.Decimal.IsNegative():
		writeError(w, "order_value must not be negative", http.StatusBadRequest)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}

	rec, err := s.store.RecordEvent(r.Context(), &ev)
	if errors.Is(err, store.ErrDuplicateEvent) {
		metrics.PerformanceEvents.WithLabelValues(string(ev.Type), "duplicate").Inc()
		slog.Debug("duplicate performance event", "event_id", ev.EventID)
		writeJSON(w, http.StatusOK, PerformanceResponse{Duplicate: true})
		return
	}
	if err != nil {
		slog.Error("performance event not recorded", "event_id", ev.EventID, "err", err)
		writeError(w, "failed to record event", http.StatusInternalServerError)
		return
	}
	metrics.PerformanceEvents.WithLabelValues(string(ev.Type), "recorded").Inc()
	s.cache.UpsertPerformance(*rec)

	writeJSON(w, http.StatusCreated, PerformanceResponse{Record: rec})
}
