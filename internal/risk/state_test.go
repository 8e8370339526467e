package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/hedgeerr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCheckSubsidy_TierCap(t *testing.T) {
	// Tier cap 40, already used 10, requesting 50 at normal volatility.
	snap := SubsidySnapshot{DailyUsed: d(10), TierUsed: d(10)}
	caps := SubsidyCaps{Daily: d(5000), Tier: d(40), Account: d(250), VolMultiplier: d(1)}

	if got := CheckSubsidy(snap, d(50), caps); got != hedgeerr.DetailTierCap {
		t.Errorf("expected tier_cap, got %q", got)
	}
}

func TestCheckSubsidy_VolMultiplierScalesCaps(t *testing.T) {
	snap := SubsidySnapshot{TierUsed: d(10)}
	caps := SubsidyCaps{Tier: d(40), VolMultiplier: d(1.5)}

	// 10 + 50 = 60 ≤ 40×1.5.
	if got := CheckSubsidy(snap, d(50), caps); got != "" {
		t.Errorf("expected grant under scaled cap, got %q", got)
	}
	caps.VolMultiplier = d(0.5)
	if got := CheckSubsidy(snap, d(5), caps); got != "" {
		t.Errorf("10+5 ≤ 20 should pass, got %q", got)
	}
	if got := CheckSubsidy(snap, d(11), caps); got != hedgeerr.DetailTierCap {
		t.Errorf("10+11 > 20 should fail tier cap, got %q", got)
	}
}

func TestCheckSubsidy_Order(t *testing.T) {
	snap := SubsidySnapshot{DailyUsed: d(100), TierUsed: d(100), AccountUsed: d(100)}
	caps := SubsidyCaps{Daily: d(101), Tier: d(101), Account: d(101)}
	if got := CheckSubsidy(snap, d(5), caps); got != hedgeerr.DetailDailyCap {
		t.Errorf("daily cap should be checked first, got %q", got)
	}
	caps.Daily = decimal.Zero
	if got := CheckSubsidy(snap, d(5), caps); got != hedgeerr.DetailTierCap {
		t.Errorf("tier cap should be checked second, got %q", got)
	}
	caps.Tier = decimal.Zero
	if got := CheckSubsidy(snap, d(5), caps); got != hedgeerr.DetailAccountCap {
		t.Errorf("account cap should be checked last, got %q", got)
	}
}

func TestTracker_CommitAndSnapshot(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)}
	tr := NewTracker(clock.Now)
	caps := SubsidyCaps{Daily: d(100), Tier: d(40), Account: d(30)}

	if err := tr.CommitSubsidy("standard", "acct-1", d(25), caps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := tr.Snapshot("standard", "acct-1")
	if !snap.TierUsed.Equal(d(25)) || !snap.AccountUsed.Equal(d(25)) || !snap.DailyUsed.Equal(d(25)) {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	err := tr.CommitSubsidy("standard", "acct-1", d(10), caps)
	if !errors.Is(err, hedgeerr.ErrSubsidyCapExceeded.WithDetail(hedgeerr.DetailAccountCap)) {
		t.Errorf("expected account cap rejection, got %v", err)
	}

	// Other account still limited by the tier cap.
	err = tr.CommitSubsidy("standard", "acct-2", d(20), caps)
	if !errors.Is(err, hedgeerr.ErrSubsidyCapExceeded.WithDetail(hedgeerr.DetailTierCap)) {
		t.Errorf("expected tier cap rejection, got %v", err)
	}
}

func TestTracker_RefundSubsidy(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(clock.Now)
	caps := SubsidyCaps{Tier: d(40)}

	if err := tr.CommitSubsidy("standard", "acct-1", d(30), caps); err != nil {
		t.Fatal(err)
	}
	day := tr.Snapshot("standard", "acct-1").Day
	tr.RefundSubsidy("standard", "acct-1", day, d(30))
	if snap := tr.Snapshot("standard", "acct-1"); !snap.TierUsed.IsZero() || !snap.DailyUsed.IsZero() {
		t.Errorf("refund left %+v", snap)
	}

	// A refund for yesterday does not touch today's counters.
	if err := tr.CommitSubsidy("standard", "acct-1", d(10), caps); err != nil {
		t.Fatal(err)
	}
	tr.RefundSubsidy("standard", "acct-1", "2025-02-28", d(10))
	if snap := tr.Snapshot("standard", "acct-1"); !snap.TierUsed.Equal(d(10)) {
		t.Errorf("stale refund applied: %+v", snap)
	}
}

func TestTracker_ResetsOnUTCDay(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 23, 30, 0, 0, time.UTC)}
	tr := NewTracker(clock.Now)
	caps := SubsidyCaps{Tier: d(40)}

	if err := tr.CommitSubsidy("standard", "acct-1", d(40), caps); err != nil {
		t.Fatal(err)
	}
	tr.RecordSale("standard", "BTC", d(20), d(35), d(5000))

	clock.Advance(time.Hour) // 00:30 next UTC day
	snap := tr.Snapshot("standard", "acct-1")
	if !snap.TierUsed.IsZero() || !snap.AccountUsed.IsZero() {
		t.Errorf("subsidy should reset at UTC midnight, got %+v", snap)
	}
	st := tr.State()
	if len(st.Tiers) != 0 {
		t.Errorf("tier totals should reset, got %+v", st.Tiers)
	}
	if !st.Assets["BTC"].Equal(d(5000)) {
		t.Errorf("protected notional must survive day rollover, got %s", st.Assets["BTC"])
	}
}

func TestTracker_RecordSale(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordSale("pro", "ETH", d(50), d(80), d(10000))
	tr.RecordSale("pro", "ETH", d(50), d(30), d(5000))

	st := tr.State()
	ts := st.Tiers["pro"]
	if !ts.Revenue.Equal(d(100)) || !ts.Overage.Equal(d(30)) || ts.Count != 2 {
		t.Errorf("unexpected tier state %+v", ts)
	}
	if !tr.DailyNotional().Equal(d(15000)) {
		t.Errorf("expected daily notional 15000, got %s", tr.DailyNotional())
	}

	tr.ReleaseNotional("ETH", d(20000))
	if !tr.ProtectedNotional()["ETH"].IsZero() {
		t.Error("released notional must floor at zero")
	}
}

func TestMemoryCooldowns(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	cd := NewMemoryCooldowns(clock.Now)
	ctx := context.Background()

	ok, _ := cd.Acquire(ctx, "cov-1", time.Minute)
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	ok, _ = cd.Acquire(ctx, "cov-1", time.Minute)
	if ok {
		t.Error("second acquire inside window should fail")
	}
	ok, _ = cd.Acquire(ctx, "cov-2", time.Minute)
	if !ok {
		t.Error("independent key should not be gated")
	}
	clock.Advance(time.Minute)
	ok, _ = cd.Acquire(ctx, "cov-1", time.Minute)
	if !ok {
		t.Error("acquire after window should succeed")
	}
}
