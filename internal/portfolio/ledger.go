// Package portfolio implements the per-advertiser spend ledger and the λ
// throttle that keeps realized return-on-spend near each advertiser's target.
//
// The ledger is the one piece of shared mutable state between concurrent slot
// auctions. Accounts are sharded by advertiser id and every amount is an int64
// count of micro-units, so the budget check and the spend increment are a
// single compare-and-swap: two auctions for different advertisers never touch
// the same word, and two auctions for the same advertiser can never both
// commit past the budget.
package portfolio

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bid-engine/internal/errortypes"
	"github.com/atmx/bid-engine/internal/model"
)

// ErrNegativeAmount is returned when a spend, revenue or budget amount is
// negative.
var ErrNegativeAmount = errors.New("portfolio: amount must not be negative")

// ErrAmountTooLarge is returned when an amount does not fit the ledger's
// micro-unit counters.
var ErrAmountTooLarge = errors.New("portfolio: amount exceeds ledger range")

// MaxAmount is the largest amount a ledger counter can hold.
var MaxAmount = decimal.New(math.MaxInt64, -microScale)

var maxMicros = decimal.NewFromInt(math.MaxInt64)

const (
	shardCount = 32

	// micro-units per currency unit
	microScale = 6

	// uncapped marks an account with no daily budget.
	uncapped int64 = -1
)

type account struct {
	budget     atomic.Int64
	spent      atomic.Int64
	revenue    atomic.Int64
	targetROAS atomic.Int64
}

type shard struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

// Ledger tracks spend and realized revenue per advertiser for the current
// period. Safe for concurrent use.
type Ledger struct {
	shards            [shardCount]shard
	defaultTargetROAS int64
	periodStart       atomic.Int64
}

// NewLedger creates an empty ledger whose period began at periodStart.
// Accounts opened without an explicit target use defaultTargetROAS.
func NewLedger(defaultTargetROAS decimal.Decimal, periodStart time.Time) *Ledger {
	l := &Ledger{defaultTargetROAS: floorMicros(defaultTargetROAS)}
	for i := range l.shards {
		l.shards[i].accounts = make(map[string]*account)
	}
	l.periodStart.Store(periodStart.UnixNano())
	return l
}

func (l *Ledger) shardFor(advertiserID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(advertiserID))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *Ledger) lookup(advertiserID string) *account {
	s := l.shardFor(advertiserID)
	s.mu.RLock()
	a := s.accounts[advertiserID]
	s.mu.RUnlock()
	return a
}

// open returns the account for advertiserID, creating an uncapped one if
// needed.
func (l *Ledger) open(advertiserID string) *account {
	if a := l.lookup(advertiserID); a != nil {
		return a
	}
	s := l.shardFor(advertiserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[advertiserID]; ok {
		return a
	}
	a := &account{}
	a.budget.Store(uncapped)
	a.targetROAS.Store(l.defaultTargetROAS)
	s.accounts[advertiserID] = a
	return a
}

// Configure sets an advertiser's daily budget and target ROAS. A null budget
// leaves the account uncapped; a null target keeps the current one. Lowering
// a budget below the period's spend keeps the spend as committed; every later
// Reserve in the period fails.
func (l *Ledger) Configure(advertiserID string, dailyBudget, targetROAS decimal.NullDecimal) (model.LedgerAccount, error) {
	if dailyBudget.Valid && dailyBudget.Decimal.IsNegative() {
		return model.LedgerAccount{}, fmt.Errorf("%w: daily_budget %s", ErrNegativeAmount, dailyBudget.Decimal)
	}
	if targetROAS.Valid && targetROAS.Decimal.IsNegative() {
		return model.LedgerAccount{}, fmt.Errorf("%w: target_roas %s", ErrNegativeAmount, targetROAS.Decimal)
	}
	if dailyBudget.Valid && dailyBudget.Decimal.GreaterThan(MaxAmount) {
		return model.LedgerAccount{}, fmt.Errorf("%w: daily_budget %s", ErrAmountTooLarge, dailyBudget.Decimal)
	}
	if targetROAS.Valid && targetROAS.Decimal.GreaterThan(MaxAmount) {
		return model.LedgerAccount{}, fmt.Errorf("%w: target_roas %s", ErrAmountTooLarge, targetROAS.Decimal)
	}

	a := l.open(advertiserID)
	if dailyBudget.Valid {
		a.budget.Store(floorMicros(dailyBudget.Decimal))
	} else {
		a.budget.Store(uncapped)
	}
	if targetROAS.Valid {
		a.targetROAS.Store(floorMicros(targetROAS.Decimal))
	}
	return l.snapshot(advertiserID, a), nil
}

// Restore loads a persisted account, for example at start-up. Spend and
// revenue from a previous period are ignored.
func (l *Ledger) Restore(acct model.LedgerAccount) {
	a := l.open(acct.AdvertiserID)
	if acct.DailyBudget.Valid {
		a.budget.Store(floorMicros(acct.DailyBudget.Decimal))
	}
	if acct.TargetROAS.IsPositive() {
		a.targetROAS.Store(floorMicros(acct.TargetROAS))
	}
	if acct.PeriodStart.UnixNano() >= l.periodStart.Load() {
		a.spent.Store(ceilMicros(acct.SpentToDate))
		a.revenue.Store(floorMicros(acct.RealizedRevenueToDate))
	}
}

// Reserve atomically commits cost against the advertiser's daily budget.
// It returns a BudgetExceededError, leaving the account untouched, when
// spent + cost would exceed the budget or the ledger's range.
func (l *Ledger) Reserve(advertiserID string, cost decimal.Decimal) error {
	if cost.IsNegative() {
		return &errortypes.ValidationError{Message: fmt.Sprintf("negative predicted cost %s", cost)}
	}
	if cost.GreaterThan(MaxAmount) {
		return &errortypes.BudgetExceededError{Message: fmt.Sprintf(
			"advertiser %s: cost %s exceeds ledger range", advertiserID, cost)}
	}
	c := ceilMicros(cost)
	a := l.open(advertiserID)

	for {
		budget := a.budget.Load()
		cur := a.spent.Load()
		next := cur + c
		if next < cur || (budget != uncapped && next > budget) {
			return &errortypes.BudgetExceededError{Message: fmt.Sprintf(
				"advertiser %s: spent %s + cost %s exceeds daily budget %s",
				advertiserID, fromMicros(cur), fromMicros(c), fromMicros(budget))}
		}
		if a.spent.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Release returns previously reserved spend, for example when a settlement
// could not be recorded.
func (l *Ledger) Release(advertiserID string, cost decimal.Decimal) {
	if cost.IsNegative() || cost.GreaterThan(MaxAmount) {
		return
	}
	c := ceilMicros(cost)
	a := l.open(advertiserID)
	for {
		cur := a.spent.Load()
		next := cur - c
		if next < 0 {
			next = 0
		}
		if a.spent.CompareAndSwap(cur, next) {
			return
		}
	}
}

// RecordRevenue credits realized revenue reported by event ingestion.
func (l *Ledger) RecordRevenue(advertiserID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: revenue %s", ErrNegativeAmount, amount)
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: revenue %s", ErrAmountTooLarge, amount)
	}
	m := floorMicros(amount)
	a := l.open(advertiserID)
	for {
		cur := a.revenue.Load()
		next := cur + m
		if next < cur {
			return fmt.Errorf("%w: revenue to date %s + %s", ErrAmountTooLarge, fromMicros(cur), amount)
		}
		if a.revenue.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Reset starts a new period: spend and revenue go to zero, budgets and targets
// are kept.
func (l *Ledger) Reset(periodStart time.Time) {
	l.periodStart.Store(periodStart.UnixNano())
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.RLock()
		for _, a := range s.accounts {
			a.spent.Store(0)
			a.revenue.Store(0)
		}
		s.mu.RUnlock()
	}
}

// PeriodStart returns when the current period began.
func (l *Ledger) PeriodStart() time.Time {
	return time.Unix(0, l.periodStart.Load()).UTC()
}

// Account returns the current state of one advertiser's account. Lambda is
// left zero; callers fill it from a LambdaBook.
func (l *Ledger) Account(advertiserID string) (model.LedgerAccount, bool) {
	a := l.lookup(advertiserID)
	if a == nil {
		return model.LedgerAccount{}, false
	}
	return l.snapshot(advertiserID, a), true
}

// Accounts returns every account ordered by advertiser id.
func (l *Ledger) Accounts() []model.LedgerAccount {
	var out []model.LedgerAccount
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.RLock()
		for id, a := range s.accounts {
			out = append(out, l.snapshot(id, a))
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdvertiserID < out[j].AdvertiserID })
	return out
}

func (l *Ledger) snapshot(advertiserID string, a *account) model.LedgerAccount {
	acct := model.LedgerAccount{
		AdvertiserID:          advertiserID,
		SpentToDate:           fromMicros(a.spent.Load()),
		RealizedRevenueToDate: fromMicros(a.revenue.Load()),
		TargetROAS:            fromMicros(a.targetROAS.Load()),
		PeriodStart:           l.PeriodStart(),
	}
	if b := a.budget.Load(); b != uncapped {
		acct.DailyBudget = decimal.NewNullDecimal(fromMicros(b))
	}
	return acct
}

// ceilMicros rounds up so reserved spend is never under-counted. Amounts
// past MaxAmount saturate.
func ceilMicros(d decimal.Decimal) int64 {
	return toMicros(d.Shift(microScale).Ceil())
}

// floorMicros rounds down so budgets are never over-stated.
func floorMicros(d decimal.Decimal) int64 {
	return toMicros(d.Shift(microScale).Floor())
}

func toMicros(m decimal.Decimal) int64 {
	if m.GreaterThan(maxMicros) {
		return math.MaxInt64
	}
	return m.IntPart()
}

func fromMicros(m int64) decimal.Decimal {
	return decimal.New(m, -microScale)
}
