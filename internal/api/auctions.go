package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/bid-engine/internal/auction"
	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/model"
	"github.com/atmx/bid-engine/internal/rtb"
)

// MaxBatchAuctions bounds POST /api/v1/auctions/batch.
const MaxBatchAuctions = 500

var (
	errSlotRequired = errors.New("ad_slot or ad_slot_id is required")
	errSlotNotFound = errors.New("ad slot not found")
)

// ScoreRequest is the JSON body for POST /api/v1/bids/score. The slot is
// either given inline or referenced by id from the slot cache.
type ScoreRequest struct {
	Bid      model.Bid            `json:"bid"`
	AdSlot   *model.AdSlot        `json:"ad_slot,omitempty"`
	AdSlotID string               `json:"ad_slot_id,omitempty"`
	Strategy *model.BrandStrategy `json:"strategy,omitempty"`
}

// ScoreResponse is one evaluated bid. A rejected bid is a normal outcome:
// it carries rejection_reason and error instead of a non-2xx status.
type ScoreResponse struct {
	model.ScoredBid
	Error         string  `json:"error,omitempty"`
	ProcessTimeMS float64 `json:"process_time_ms"`
}

// AuctionRequest is the JSON body for POST /api/v1/auctions.
type AuctionRequest struct {
	AuctionID  string                         `json:"auction_id,omitempty"`
	AdSlot     *model.AdSlot                  `json:"ad_slot,omitempty"`
	AdSlotID   string                         `json:"ad_slot_id,omitempty"`
	Bids       []model.Bid                    `json:"bids"`
	Strategies map[string]model.BrandStrategy `json:"strategies,omitempty"`
}

// AuctionResponse is the outcome of one slot auction.
type AuctionResponse struct {
	*auction.Result
	WinnerBidID   string  `json:"winner_bid_id,omitempty"`
	Void          bool    `json:"void"`
	ProcessTimeMS float64 `json:"process_time_ms"`
}

// BatchRequest is the JSON body for POST /api/v1/auctions/batch.
type BatchRequest struct {
	Auctions []AuctionRequest `json:"auctions"`
}

type BatchResponse struct {
	Results       []AuctionResponse `json:"results"`
	ProcessTimeMS float64           `json:"process_time_ms"`
}

// OpenRTBRequest is the JSON body for POST /api/v1/auctions/openrtb: an
// OpenRTB bid request plus the candidate bids for each imp, keyed by imp id.
type OpenRTBRequest struct {
	Request openrtb2.BidRequest    `json:"request"`
	Bids    map[string][]model.Bid `json:"bids"`
}

type OpenRTBResponse struct {
	Response      *openrtb2.BidResponse `json:"response"`
	Auctions      []AuctionResponse     `json:"auctions"`
	ProcessTimeMS float64               `json:"process_time_ms"`
}

func newAuctionResponse(res *auction.Result) AuctionResponse {
	resp := AuctionResponse{
		Result:        res,
		Void:          res.Void(),
		ProcessTimeMS: millis(res.ProcessTime),
	}
	if res.Winner != nil {
		resp.WinnerBidID = res.Winner.Bid.ID
	}
	return resp
}

// slotFor resolves an inline slot or a cached one.
func (s *Service) slotFor(inline *model.AdSlot, id string) (model.AdSlot, error) {
	if inline != nil {
		if inline.ID == "" {
			inline.ID = id
		}
		if inline.ID == "" {
			return model.AdSlot{}, errors.New("ad_slot.id is required")
		}
		return *inline, nil
	}
	if id == "" {
		return model.AdSlot{}, errSlotRequired
	}
	slot, ok := s.cache.View().AdSlot(id)
	if !ok {
		return model.AdSlot{}, fmt.Errorf("%w: %s", errSlotNotFound, id)
	}
	return slot, nil
}

// ScoreBid handles POST /api/v1/bids/score
// Runs validation and scoring for one bid without ranking or settlement.
func (s *Service) ScoreBid(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	slot, err := s.slotFor(req.AdSlot, req.AdSlotID)
	if err != nil {
		writeError(w, err.Error(), statusForSlot(err))
		return
	}

	sb, err := s.engine.ScoreBid(slot, req.Bid, req.Strategy)
	resp := ScoreResponse{ScoredBid: sb}
	if err != nil {
		resp.Error = err.Error()
		slog.Debug("scored bid rejected", "bid_id", sb.Bid.ID, "advertiser_id", sb.Bid.AdvertiserID,
			"reason", errortypes.ReadReason(err))
	}
	resp.ProcessTimeMS = millis(time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

// RunAuction handles POST /api/v1/auctions
// Runs one slot auction and settles the winner.
func (s *Service) RunAuction(w http.ResponseWriter, r *http.Request) {
	var req AuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	areq, err := s.auctionRequest(req)
	if err != nil {
		writeError(w, err.Error(), statusForSlot(err))
		return
	}

	res := s.run(areq)
	writeJSON(w, http.StatusOK, newAuctionResponse(res))
}

// RunBatch handles POST /api/v1/auctions/batch
// Auctions in a batch are independent and run in parallel.
func (s *Service) RunBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Auctions) == 0 {
		writeError(w, "auctions must not be empty", http.StatusBadRequest)
		return
	}
	if len(req.Auctions) > MaxBatchAuctions {
		writeError(w, fmt.Sprintf("at most %d auctions per batch", MaxBatchAuctions), http.StatusBadRequest)
		return
	}

	reqs := make([]auction.Request, len(req.Auctions))
	for i, a := range req.Auctions {
		areq, err := s.auctionRequest(a)
		if err != nil {
			writeError(w, fmt.Sprintf("auctions[%d]: %s", i, err), statusForSlot(err))
			return
		}
		reqs[i] = areq
	}

	results := s.runAll(reqs)
	resp := BatchResponse{Results: make([]AuctionResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = newAuctionResponse(res)
	}
	resp.ProcessTimeMS = millis(time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

// RunOpenRTB handles POST /api/v1/auctions/openrtb
// Each imp becomes one slot auction over the bids listed for it.
func (s *Service) RunOpenRTB(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req OpenRTBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	slots, err := rtb.Slots(&req.Request)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	reqs := make([]auction.Request, len(slots))
	for i, slot := range slots {
		imp := req.Request.Imp[i]
		bids := make([]model.Bid, len(req.Bids[imp.ID]))
		for j, b := range req.Bids[imp.ID] {
			b.AdSlotID = slot.ID
			bids[j] = b
		}
		reqs[i] = auction.Request{
			AuctionID: req.Request.ID + ":" + imp.ID,
			Slot:      slot,
			Bids:      bids,
		}
	}

	results := s.runAll(reqs)
	resp := OpenRTBResponse{Auctions: make([]AuctionResponse, len(results))}
	winners := make(map[string]*model.ScoredBid, len(results))
	for i, res := range results {
		resp.Auctions[i] = newAuctionResponse(res)
		winners[req.Request.Imp[i].ID] = res.Winner
	}
	resp.Response = rtb.Response(&req.Request, winners)
	resp.ProcessTimeMS = millis(time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) auctionRequest(req AuctionRequest) (auction.Request, error) {
	slot, err := s.slotFor(req.AdSlot, req.AdSlotID)
	if err != nil {
		return auction.Request{}, err
	}
	return auction.Request{
		AuctionID:  req.AuctionID,
		Slot:       slot,
		Bids:       req.Bids,
		Strategies: req.Strategies,
	}, nil
}

func (s *Service) run(req auction.Request) *auction.Result {
	res := s.engine.Run(req)
	if s.recorder != nil {
		s.recorder.Record(res)
	}
	return res
}

// runAll runs independent auctions in parallel, keeping request order.
func (s *Service) runAll(reqs []auction.Request) []*auction.Result {
	results := make([]*auction.Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range reqs {
		g.Go(func() error {
			results[i] = s.run(reqs[i])
			return nil
		})
	}
	g.Wait()
	return results
}

func statusForSlot(err error) int {
	if errors.Is(err, errSlotNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}
