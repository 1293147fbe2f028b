package portfolio

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/bid-engine/internal/model"
)

// PeriodStart returns the midnight in loc that begins the day containing t.
func PeriodStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// NextPeriodStart returns the midnight in loc after t. Days are calendar
// days, so DST transitions yield 23 or 25 hour periods.
func NextPeriodStart(t time.Time, loc *time.Location) time.Time {
	s := PeriodStart(t, loc)
	return time.Date(s.Year(), s.Month(), s.Day()+1, 0, 0, 0, 0, loc)
}

// AccountSaver persists ledger accounts.
type AccountSaver interface {
	SaveLedgerAccount(ctx context.Context, acct *model.LedgerAccount) error
}

// Resetter starts a new ledger period at every midnight in its location.
type Resetter struct {
	ledger *Ledger
	loc    *time.Location
	saver  AccountSaver
	now    func() time.Time
}

// NewResetter creates a Resetter. saver may be nil.
func NewResetter(ledger *Ledger, loc *time.Location, saver AccountSaver) *Resetter {
	return &Resetter{ledger: ledger, loc: loc, saver: saver, now: time.Now}
}

// Reset starts the period containing the current time if the ledger is
// still in an earlier one. It reports whether a reset happened.
func (r *Resetter) Reset(ctx context.Context) bool {
	start := PeriodStart(r.now(), r.loc)
	if !start.After(r.ledger.PeriodStart()) {
		return false
	}
	r.ledger.Reset(start)
	slog.Info("ledger period started", "period_start", start)

	if r.saver == nil {
		return true
	}
	for _, acct := range r.ledger.Accounts() {
		if err := r.saver.SaveLedgerAccount(ctx, &acct); err != nil {
			slog.Warn("ledger account not saved after reset", "advertiser_id", acct.AdvertiserID, "err", err)
		}
	}
	return true
}

// Run resets the ledger at every period boundary until ctx is cancelled.
func (r *Resetter) Run(ctx context.Context) {
	for {
		wait := time.Until(NextPeriodStart(r.now(), r.loc))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Reset(ctx)
		}
	}
}
