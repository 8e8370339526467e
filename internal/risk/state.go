package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/model"
)

// SubsidySnapshot is the subsidy already granted today, as seen by one
// decision. The fee engine decides from a snapshot so that its outcome is
// a pure function of its inputs.
type SubsidySnapshot struct {
	Day         string          `json:"day"`
	DailyUsed   decimal.Decimal `json:"daily_used"`
	TierUsed    decimal.Decimal `json:"tier_used"`
	AccountUsed decimal.Decimal `json:"account_used"`
}

// SubsidyCaps are the configured daily caps before volatility scaling.
type SubsidyCaps struct {
	Daily   decimal.Decimal
	Tier    decimal.Decimal
	Account decimal.Decimal
	// VolMultiplier scales every cap (1 in a normal IV regime).
	VolMultiplier decimal.Decimal
}

// CheckSubsidy returns "" when granting amount keeps every cap, otherwise
// the sub-reason of the first cap exceeded, checked daily → tier → account.
// A non-positive cap means unlimited.
func CheckSubsidy(snap SubsidySnapshot, amount decimal.Decimal, caps SubsidyCaps) string {
	mult := caps.VolMultiplier
	if !mult.IsPositive() {
		mult = decimal.NewFromInt(1)
	}
	exceeds := func(used, limit decimal.Decimal) bool {
		if !limit.IsPositive() {
			return false
		}
		return used.Add(amount).GreaterThan(limit.Mul(mult))
	}
	switch {
	case exceeds(snap.DailyUsed, caps.Daily):
		return hedgeerr.DetailDailyCap
	case exceeds(snap.TierUsed, caps.Tier):
		return hedgeerr.DetailTierCap
	case exceeds(snap.AccountUsed, caps.Account):
		return hedgeerr.DetailAccountCap
	}
	return ""
}

// TierState is one tier's running totals for the current UTC day.
type TierState struct {
	Revenue  decimal.Decimal `json:"revenue"`
	Overage  decimal.Decimal `json:"overage"` // premium paid above fee charged
	Notional decimal.Decimal `json:"notional"`
	Subsidy  decimal.Decimal `json:"subsidy"`
	Count    int             `json:"count"`
}

// State is a copy of all counters for reporting.
type State struct {
	Day          string                     `json:"day"`
	SubsidyTotal decimal.Decimal            `json:"subsidy_total"`
	Tiers        map[model.Tier]TierState   `json:"tiers"`
	Accounts     map[string]decimal.Decimal `json:"account_subsidy"`
	Assets       map[string]decimal.Decimal `json:"protected_notional"`
}

// Tracker holds per-tier/day/account running totals. Counters reset when
// the UTC date changes.
type Tracker struct {
	mu  sync.Mutex
	now func() time.Time

	day          string
	subsidyTotal decimal.Decimal
	tiers        map[model.Tier]*TierState
	accounts     map[string]decimal.Decimal
	// assets is protected notional by asset; it does not reset daily.
	assets map[string]decimal.Decimal
}

// NewTracker creates a tracker. A nil clock uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:      now,
		tiers:    make(map[model.Tier]*TierState),
		accounts: make(map[string]decimal.Decimal),
		assets:   make(map[string]decimal.Decimal),
	}
}

// dayKey is the UTC calendar date.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// rollover resets daily counters on a new UTC day. Caller holds mu.
func (t *Tracker) rollover() {
	today := dayKey(t.now())
	if today == t.day {
		return
	}
	t.day = today
	t.subsidyTotal = decimal.Zero
	t.tiers = make(map[model.Tier]*TierState)
	t.accounts = make(map[string]decimal.Decimal)
}

func (t *Tracker) tier(name model.Tier) *TierState {
	ts, ok := t.tiers[name]
	if !ok {
		ts = &TierState{}
		t.tiers[name] = ts
	}
	return ts
}

// Snapshot returns today's subsidy usage relevant to one decision.
func (t *Tracker) Snapshot(tier model.Tier, account string) SubsidySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	snap := SubsidySnapshot{Day: t.day, DailyUsed: t.subsidyTotal, AccountUsed: t.accounts[account]}
	if ts, ok := t.tiers[tier]; ok {
		snap.TierUsed = ts.Subsidy
	}
	return snap
}

// CommitSubsidy atomically re-checks caps against the live counters and
// books the grant. Two quotes decided from the same snapshot cannot both
// overrun a cap at execution time.
func (t *Tracker) CommitSubsidy(tier model.Tier, account string, amount decimal.Decimal, caps SubsidyCaps) error {
	if !amount.IsPositive() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	ts := t.tier(tier)
	snap := SubsidySnapshot{Day: t.day, DailyUsed: t.subsidyTotal, TierUsed: ts.Subsidy, AccountUsed: t.accounts[account]}
	if detail := CheckSubsidy(snap, amount, caps); detail != "" {
		return hedgeerr.New(hedgeerr.SubsidyCapExceeded, "subsidy budget exhausted since quote").WithDetail(detail)
	}
	t.subsidyTotal = t.subsidyTotal.Add(amount)
	ts.Subsidy = ts.Subsidy.Add(amount)
	t.accounts[account] = t.accounts[account].Add(amount)
	return nil
}

// RefundSubsidy returns a grant whose hedge never filled. It is a no-op
// once the day has rolled over.
func (t *Tracker) RefundSubsidy(tier model.Tier, account, day string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if day != t.day {
		return
	}
	ts := t.tier(tier)
	t.subsidyTotal = decimal.Max(t.subsidyTotal.Sub(amount), decimal.Zero)
	ts.Subsidy = decimal.Max(ts.Subsidy.Sub(amount), decimal.Zero)
	t.accounts[account] = decimal.Max(t.accounts[account].Sub(amount), decimal.Zero)
}

// RecordSale books fee revenue, premium overage, and protected notional.
func (t *Tracker) RecordSale(tier model.Tier, asset string, fee, premium, notional decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	ts := t.tier(tier)
	ts.Revenue = ts.Revenue.Add(fee)
	if over := premium.Sub(fee); over.IsPositive() {
		ts.Overage = ts.Overage.Add(over)
	}
	ts.Notional = ts.Notional.Add(notional)
	ts.Count++
	t.assets[asset] = t.assets[asset].Add(notional)
}

// ReleaseNotional removes protected notional when a coverage expires.
func (t *Tracker) ReleaseNotional(asset string, notional decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.assets[asset].Sub(notional)
	if n.IsNegative() {
		n = decimal.Zero
	}
	t.assets[asset] = n
}

// ProtectedNotional returns protected notional by asset.
func (t *Tracker) ProtectedNotional() map[string]decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(t.assets))
	for k, v := range t.assets {
		out[k] = v
	}
	return out
}

// DailyNotional is today's protected notional across tiers.
func (t *Tracker) DailyNotional() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	total := decimal.Zero
	for _, ts := range t.tiers {
		total = total.Add(ts.Notional)
	}
	return total
}

// State returns a copy of all counters.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	s := State{
		Day:          t.day,
		SubsidyTotal: t.subsidyTotal,
		Tiers:        make(map[model.Tier]TierState, len(t.tiers)),
		Accounts:     make(map[string]decimal.Decimal, len(t.accounts)),
		Assets:       make(map[string]decimal.Decimal, len(t.assets)),
	}
	for k, v := range t.tiers {
		s.Tiers[k] = *v
	}
	for k, v := range t.accounts {
		s.Accounts[k] = v
	}
	for k, v := range t.assets {
		s.Assets[k] = v
	}
	return s
}
