package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/bid-engine/internal/auction"
	"github.com/atmx/bid-engine/internal/portfolio"
	"github.com/atmx/bid-engine/internal/store"
)

const settlementAttempts = 3

// Recorder persists auction outcomes off the request path: the settlement,
// the winner's ledger account and one history entry per candidate.
type Recorder struct {
	store   store.Store
	ledger  *portfolio.Ledger
	hub     *WSHub
	results chan *auction.Result
	backoff time.Duration
}

// NewRecorder creates a Recorder with a queue of size buffer. hub may be nil.
func NewRecorder(st store.Store, ledger *portfolio.Ledger, hub *WSHub, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		store:   st,
		ledger:  ledger,
		hub:     hub,
		results: make(chan *auction.Result, buffer),
		backoff: 100 * time.Millisecond,
	}
}

// Record queues res. It never blocks; a full queue drops the result.
func (rec *Recorder) Record(res *auction.Result) {
	if res.Settlement != nil && rec.hub != nil {
		rec.hub.Broadcast(settlementMessage(res.Settlement))
	}
	select {
	case rec.results <- res:
	default:
		slog.Error("auction outcome dropped: recorder queue full",
			"auction_id", res.AuctionID, "state", res.State)
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (rec *Recorder) Run(ctx context.Context) {
	for {
		select {
		case res := <-rec.results:
			rec.persist(ctx, res)
		case <-ctx.Done():
			flush := context.Background()
			for {
				select {
				case res := <-rec.results:
					rec.persist(flush, res)
				default:
					return
				}
			}
		}
	}
}

func (rec *Recorder) persist(ctx context.Context, res *auction.Result) {
	if s := res.Settlement; s != nil {
		var err error
		for attempt := 1; attempt <= settlementAttempts; attempt++ {
			if err = rec.store.InsertSettlement(ctx, s); err == nil {
				break
			}
			if attempt < settlementAttempts {
				time.Sleep(rec.backoff * time.Duration(attempt))
			}
		}
		if err != nil {
			// No settlement row means no charge: give the budget back.
			rec.ledger.Release(s.AdvertiserID, s.Cost)
			slog.Error("settlement not recorded, spend released",
				"auction_id", s.AuctionID, "advertiser_id", s.AdvertiserID,
				"cost", s.Cost.String(), "err", err)
		}
		if acct, ok := rec.ledger.Account(s.AdvertiserID); ok {
			if err := rec.store.SaveLedgerAccount(ctx, &acct); err != nil {
				slog.Error("ledger account not saved", "advertiser_id", s.AdvertiserID, "err", err)
			}
		}
	}

	if entries := res.HistoryEntries(); len(entries) > 0 {
		if err := rec.store.InsertBidHistory(ctx, entries); err != nil {
			slog.Warn("bid history not recorded", "auction_id", res.AuctionID, "entries", len(entries), "err", err)
		}
	}
}
