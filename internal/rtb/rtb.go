// Package rtb adapts OpenRTB 2.x bid requests to the engine's slot model and
// renders auction outcomes back as OpenRTB bid responses.
package rtb

import (
	"errors"
	"fmt"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/model"
)

var (
	ErrNoImps     = errors.New("rtb: bid request has no imps")
	ErrNoImpID    = errors.New("rtb: imp without id")
	ErrDuplicated = errors.New("rtb: duplicate imp id")
)

// Slots derives one AdSlot per imp. Slot ids are the imp tagid when present,
// otherwise "<request id>:<imp id>".
func Slots(req *openrtb2.BidRequest) ([]model.AdSlot, error) {
	if req == nil || len(req.Imp) == 0 {
		return nil, ErrNoImps
	}
	seen := make(map[string]bool, len(req.Imp))
	slots := make([]model.AdSlot, 0, len(req.Imp))
	for i := range req.Imp {
		imp := &req.Imp[i]
		if imp.ID == "" {
			return nil, fmt.Errorf("%w: imp[%d]", ErrNoImpID, i)
		}
		if seen[imp.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicated, imp.ID)
		}
		seen[imp.ID] = true
		slots = append(slots, Slot(req, imp))
	}
	return slots, nil
}

// Slot derives the AdSlot for a single imp of req.
func Slot(req *openrtb2.BidRequest, imp *openrtb2.Imp) model.AdSlot {
	slot := model.AdSlot{
		ID:         SlotID(req, imp),
		FloorPrice: decimal.NewFromFloat(imp.BidFloor).Round(6),
	}
	slot.Width, slot.Height = size(imp)
	slot.Position = position(imp)
	slot.Placement, slot.Context.CreativeType = creative(imp)
	if req.Device != nil {
		slot.Context.DeviceType = deviceType(int(req.Device.DeviceType))
	}
	switch {
	case req.Site != nil:
		if len(req.Site.Cat) > 0 {
			slot.Context.Category = req.Site.Cat[0]
		}
		slot.Context.TrafficSource = trafficSource(req.Site.Ref)
	case req.App != nil:
		if len(req.App.Cat) > 0 {
			slot.Context.Category = req.App.Cat[0]
		}
		slot.Context.TrafficSource = "direct"
	}
	return slot
}

// SlotID is the engine slot id for imp.
func SlotID(req *openrtb2.BidRequest, imp *openrtb2.Imp) string {
	if imp.TagID != "" {
		return imp.TagID
	}
	return req.ID + ":" + imp.ID
}

func size(imp *openrtb2.Imp) (int, int) {
	switch {
	case imp.Banner != nil:
		b := imp.Banner
		if b.W != nil && b.H != nil {
			return int(*b.W), int(*b.H)
		}
		if len(b.Format) > 0 {
			return int(b.Format[0].W), int(b.Format[0].H)
		}
	case imp.Video != nil:
		v := imp.Video
		if v.W != nil && v.H != nil {
			return int(*v.W), int(*v.H)
		}
	}
	return 0, 0
}

// position maps the OpenRTB placement position onto the slot rank used by
// the quality model, 1 being the most prominent. Unknown maps to 0.
func position(imp *openrtb2.Imp) int {
	var pos int
	switch {
	case imp.Banner != nil && imp.Banner.Pos != nil:
		pos = int(*imp.Banner.Pos)
	case imp.Video != nil && imp.Video.Pos != nil:
		pos = int(*imp.Video.Pos)
	default:
		return 0
	}
	switch pos {
	case 1, 4, 7: // above the fold, header, fullscreen
		return 1
	case 6: // sidebar
		return 3
	case 3: // below the fold
		return 4
	case 5: // footer
		return 5
	}
	return 0
}

func creative(imp *openrtb2.Imp) (string, model.CreativeType) {
	switch {
	case imp.Video != nil:
		return "video", model.CreativeVideo
	case imp.Native != nil:
		return "native", model.CreativeNative
	case imp.Banner != nil:
		return "banner", model.CreativeImage
	}
	return "", model.CreativeUnknown
}

// deviceType folds the AdCOM device taxonomy into desktop/mobile/tablet.
func deviceType(t int) model.DeviceType {
	switch t {
	case 2: // personal computer
		return model.DeviceDesktop
	case 1, 4: // mobile/tablet, phone
		return model.DeviceMobile
	case 5:
		return model.DeviceTablet
	}
	return model.DeviceUnknown
}

func trafficSource(ref string) string {
	if ref == "" {
		return "direct"
	}
	return "referral"
}

// Response renders the winners of an OpenRTB request, keyed by imp id, as a
// bid response with one seat per advertiser. Prices are the settled eCPM.
// A request with no winners gets an empty response carrying only its id.
func Response(req *openrtb2.BidRequest, winners map[string]*model.ScoredBid) *openrtb2.BidResponse {
	resp := &openrtb2.BidResponse{ID: req.ID, Cur: "USD"}
	seats := make(map[string]int)
	for _, imp := range req.Imp {
		w := winners[imp.ID]
		if w == nil {
			continue
		}
		price, _ := w.PredictedCost.Mul(thousand).Round(6).Float64()
		bid := openrtb2.Bid{
			ID:    w.Bid.ID,
			ImpID: imp.ID,
			Price: price,
		}
		i, ok := seats[w.Bid.AdvertiserID]
		if !ok {
			i = len(resp.SeatBid)
			seats[w.Bid.AdvertiserID] = i
			resp.SeatBid = append(resp.SeatBid, openrtb2.SeatBid{Seat: w.Bid.AdvertiserID})
		}
		resp.SeatBid[i].Bid = append(resp.SeatBid[i].Bid, bid)
	}
	if len(resp.SeatBid) == 0 {
		resp.Cur = ""
	}
	return resp
}

var thousand = decimal.NewFromInt(1000)
