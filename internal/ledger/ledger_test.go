package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const inst = "BTC-28MAR25-80000-P"

func TestApply(t *testing.T) {
	tests := []struct {
		name             string
		size, cost       string
		delta, price     string
		wantSize, wantAC string
		wantRealized     string
	}{
		{"open long", "0", "0", "1", "100", "1", "100", "0"},
		{"blend long", "1", "100", "1", "110", "2", "105", "0"},
		{"blend short", "-2", "50", "-2", "30", "-4", "40", "0"},
		{"partial close long", "2", "105", "-1", "120", "1", "105", "15"},
		{"partial close short", "-2", "50", "1", "40", "-1", "50", "10"},
		{"close flat", "1", "105", "-1", "90", "0", "0", "-15"},
		{"flip long to short", "1", "100", "-3", "130", "-2", "130", "30"},
		{"flip short to long", "-1", "100", "2", "80", "1", "80", "20"},
		{"zero delta", "1", "100", "0", "500", "1", "100", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := model.HedgeLedgerEntry{Instrument: inst, Size: d(tt.size), AvgCostUsd: d(tt.cost)}
			got, realized := ledger.Apply(e, d(tt.delta), d(tt.price))
			if !got.Size.Equal(d(tt.wantSize)) || !got.AvgCostUsd.Equal(d(tt.wantAC)) {
				t.Errorf("entry = %s @ %s, want %s @ %s", got.Size, got.AvgCostUsd, tt.wantSize, tt.wantAC)
			}
			if !realized.Equal(d(tt.wantRealized)) {
				t.Errorf("realized = %s, want %s", realized, tt.wantRealized)
			}
			if got.Size.IsZero() != got.AvgCostUsd.IsZero() {
				t.Errorf("cost %s must be zero iff size %s is zero", got.AvgCostUsd, got.Size)
			}
		})
	}
}

// Scenario B: buy 1@100000, buy 1@110000, sell 1@120000.
func TestLedger_ScenarioB(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)

	fills := []struct{ delta, price string }{{"1", "100000"}, {"1", "110000"}}
	for _, f := range fills {
		if _, _, err := l.Update(ctx, inst, d(f.delta), d(f.price)); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	e, _ := l.Entry(inst)
	if !e.Size.Equal(d("2")) || !e.AvgCostUsd.Equal(d("105000")) {
		t.Fatalf("after buys = %s @ %s, want 2 @ 105000", e.Size, e.AvgCostUsd)
	}

	e, realized, err := l.Update(ctx, inst, d("-1"), d("120000"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !realized.Equal(d("15000")) {
		t.Errorf("realized = %s, want 15000", realized)
	}
	if !e.Size.Equal(d("1")) || !e.AvgCostUsd.Equal(d("105000")) {
		t.Errorf("after sell = %s @ %s, want 1 @ 105000", e.Size, e.AvgCostUsd)
	}
	if !l.Hedges().RealizedPnL.Equal(d("15000")) {
		t.Errorf("ledger realized = %s", l.Hedges().RealizedPnL)
	}

	// Restart restores inventory and realized P&L.
	restored := ledger.New(st, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	book := restored.Hedges()
	if !book.RealizedPnL.Equal(d("15000")) || len(book.Entries) != 1 || !book.Entries[0].AvgCostUsd.Equal(d("105000")) {
		t.Errorf("restored = %+v", book)
	}
}

type failingStore struct{ store.LedgerStore }

func (failingStore) SaveHedgeEntry(context.Context, model.HedgeLedgerEntry, decimal.Decimal) error {
	return errors.New("disk full")
}

func TestLedger_UpdateFailureLeavesStateUnchanged(t *testing.T) {
	l := ledger.New(failingStore{store.NewMemoryStore()}, nil)
	if _, _, err := l.Update(context.Background(), inst, d("1"), d("100")); err == nil {
		t.Fatal("expected persistence error")
	}
	if _, ok := l.Entry(inst); ok {
		t.Error("entry booked despite failed persist")
	}
}

func coverage(id string, created time.Time) model.Coverage {
	return model.Coverage{
		ID:               id,
		AccountID:        "acct-1",
		Asset:            "BTC",
		PositionSide:     model.SideLong,
		Tier:             "standard",
		DrawdownFloorPct: d("0.2"),
		TenorDays:        7,
		Expiry:           created.Add(7 * 24 * time.Hour),
		OptionType:       model.Put,
		CreatedAt:        created,
	}
}

func TestLedger_Coverages(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)
	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	if _, err := l.Activate(ctx, coverage("cov-1", now)); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if _, err := l.Activate(ctx, coverage("cov-1", now)); !errors.Is(err, ledger.ErrCoverageExists) {
		t.Errorf("duplicate Activate err = %v", err)
	}
	if _, err := l.Activate(ctx, coverage("cov-2", now.Add(time.Hour))); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	leg := model.CoverageLeg{Instrument: inst, Size: d("0.05"), Venue: "paper", Strike: d("80000"), OptionType: model.Put}
	cov, applied, err := l.MergeLeg(ctx, "cov-1", leg, "paper:1")
	if err != nil || !applied {
		t.Fatalf("MergeLeg = %v, %v", applied, err)
	}
	// Replaying the same fill is a no-op.
	cov, applied, _ = l.MergeLeg(ctx, "cov-1", leg, "paper:1")
	if applied || !cov.HedgeSize().Equal(d("0.05")) {
		t.Errorf("replay applied=%v size=%s, want false/0.05", applied, cov.HedgeSize())
	}
	cov, _, _ = l.MergeLeg(ctx, "cov-1", leg, "paper:2")
	if len(cov.Legs) != 1 || !cov.Legs[0].Size.Equal(d("0.1")) {
		t.Errorf("merge by instrument: legs = %+v", cov.Legs)
	}
	leg.Size = d("-0.1")
	cov, _, _ = l.MergeLeg(ctx, "cov-1", leg, "paper:3")
	if len(cov.Legs) != 0 {
		t.Errorf("flat leg not dropped: %+v", cov.Legs)
	}
	if _, _, err := l.MergeLeg(ctx, "nope", leg, "x"); !errors.Is(err, ledger.ErrCoverageNotFound) {
		t.Errorf("unknown coverage err = %v", err)
	}

	renewed, err := l.Renewed(ctx, "cov-2", ledger.Renewal{Expiry: now.Add(14 * 24 * time.Hour), Fee: d("20"), Premium: d("8"), At: now})
	if err != nil {
		t.Fatalf("Renewed: %v", err)
	}
	if !renewed.Fee.Equal(d("20")) || !renewed.RenewedAt.Equal(now) {
		t.Errorf("renewed = %+v", renewed)
	}

	expired, err := l.ExpireDue(ctx, now.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "cov-1" {
		t.Fatalf("expired = %v, want [cov-1]", expired)
	}
	if active := l.Active(); len(active) != 1 || active[0].ID != "cov-2" {
		t.Errorf("active = %v, want [cov-2]", active)
	}
	if _, err := l.Renewed(ctx, "cov-1", ledger.Renewal{}); !errors.Is(err, ledger.ErrCoverageInactive) {
		t.Errorf("renew expired err = %v", err)
	}

	// Expiring again is idempotent.
	again, _ := l.ExpireDue(ctx, now.Add(8*24*time.Hour))
	if len(again) != 0 {
		t.Errorf("second ExpireDue = %v", again)
	}

	restored := ledger.New(st, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatal(err)
	}
	got, ok := restored.Get("cov-1")
	if !ok || got.Status != model.CoverageExpired || len(got.AppliedFills) != 3 {
		t.Errorf("restored cov-1 = %+v", got)
	}
}

func TestLedger_BookIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(store.NewMemoryStore(), nil)
	if _, err := l.Activate(ctx, coverage("cov-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	leg := model.CoverageLeg{Instrument: inst, Size: d("0.5"), Venue: "paper"}

	for i := 0; i < 2; i++ {
		if _, _, _, err := l.Book(ctx, "cov-1", leg, "paper:7", d("1200")); err != nil {
			t.Fatalf("Book: %v", err)
		}
	}
	e, _ := l.Entry(inst)
	if !e.Size.Equal(d("0.5")) {
		t.Errorf("inventory = %s, want 0.5 after replayed fill", e.Size)
	}

	leg.Size = d("-0.2")
	cov, realized, applied, err := l.Book(ctx, "cov-1", leg, "paper:8", d("1500"))
	if err != nil || !applied {
		t.Fatalf("Book = %v, %v", applied, err)
	}
	if !realized.Equal(d("60")) || !cov.HedgeSize().Equal(d("0.3")) {
		t.Errorf("realized %s hedge %s, want 60 / 0.3", realized, cov.HedgeSize())
	}
	if _, _, _, err := l.Book(ctx, "missing", leg, "x", d("1")); !errors.Is(err, ledger.ErrCoverageNotFound) {
		t.Errorf("err = %v", err)
	}
}

// toggleStore fails coverage saves while down is set.
type toggleStore struct {
	store.LedgerStore
	down bool
}

func (s *toggleStore) SaveCoverage(ctx context.Context, c model.Coverage) error {
	if s.down {
		return errors.New("connection reset")
	}
	return s.LedgerStore.SaveCoverage(ctx, c)
}

func TestLedger_BookRetryAfterCoverageSaveFailure(t *testing.T) {
	ctx := context.Background()
	st := &toggleStore{LedgerStore: store.NewMemoryStore()}
	l := ledger.New(st, nil)
	if _, err := l.Activate(ctx, coverage("cov-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	leg := model.CoverageLeg{Instrument: inst, Size: d("1"), Venue: "paper"}

	st.down = true
	if _, _, applied, err := l.Book(ctx, "cov-1", leg, "paper:1", d("1000")); err == nil || applied {
		t.Fatalf("Book = %v, %v; want failure", applied, err)
	}
	if e, _ := l.Entry(inst); !e.Size.IsZero() {
		t.Errorf("inventory = %s after failed book, want 0", e.Size)
	}

	st.down = false
	cov, _, applied, err := l.Book(ctx, "cov-1", leg, "paper:1", d("1000"))
	if err != nil || !applied {
		t.Fatalf("retry Book = %v, %v", applied, err)
	}
	e, _ := l.Entry(inst)
	if !e.Size.Equal(d("1")) || !cov.HedgeSize().Equal(d("1")) {
		t.Errorf("inventory %s, leg %s; want 1 and 1", e.Size, cov.HedgeSize())
	}

	// Persisted inventory matches memory after the rollback.
	restored := ledger.New(st, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if e, _ := restored.Entry(inst); !e.Size.Equal(d("1")) {
		t.Errorf("restored inventory = %s, want 1", e.Size)
	}
}

// lotStore fails net lot saves while down is set.
type lotStore struct {
	store.LedgerStore
	down bool
}

func (s *lotStore) SaveNetLot(ctx context.Context, lot model.NetLot) error {
	if s.down {
		return errors.New("connection reset")
	}
	return s.LedgerStore.SaveNetLot(ctx, lot)
}

func TestLedger_BookNet(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)
	st := &lotStore{LedgerStore: store.NewMemoryStore()}
	l := ledger.New(st, nil)
	lot := model.NetLot{ID: "paper:1", Asset: "BTC", Instrument: inst, Notional: d("50000"), Expiry: now.Add(time.Hour), CreatedAt: now}

	st.down = true
	if _, applied, err := l.BookNet(ctx, lot, d("0.5"), d("1000")); err == nil || applied {
		t.Fatalf("BookNet = %v, %v; want failure", applied, err)
	}
	if e, _ := l.Entry(inst); !e.Size.IsZero() {
		t.Errorf("inventory = %s after failed lot save, want 0", e.Size)
	}

	st.down = false
	if _, applied, err := l.BookNet(ctx, lot, d("0.5"), d("1000")); err != nil || !applied {
		t.Fatalf("BookNet = %v, %v", applied, err)
	}
	if _, applied, _ := l.BookNet(ctx, lot, d("0.5"), d("1000")); applied {
		t.Error("same lot booked twice")
	}
	perp := model.NetLot{ID: "paper:2", Asset: "BTC", Instrument: "BTC-PERPETUAL", Notional: d("20000"), CreatedAt: now}
	if _, _, err := l.BookNet(ctx, perp, d("-0.2"), d("100000")); err != nil {
		t.Fatal(err)
	}
	if e, _ := l.Entry(inst); !e.Size.Equal(d("0.5")) {
		t.Errorf("inventory = %s, want 0.5", e.Size)
	}

	restored := ledger.New(st, nil)
	if err := restored.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if got := restored.NetHedged("BTC", now); !got.Equal(d("70000")) {
		t.Errorf("net hedged = %s, want 70000", got)
	}
	if got := restored.NetHedged("BTC", now.Add(time.Hour)); !got.Equal(d("20000")) {
		t.Errorf("net hedged at option expiry = %s, want 20000", got)
	}
	if got := restored.NetHedged("ETH", now); !got.IsZero() {
		t.Errorf("ETH net hedged = %s", got)
	}
}

func TestMarkToMarket(t *testing.T) {
	pos := model.Position{AccountID: "acct-1", Asset: "BTC", Side: model.SideLong, EntryPrice: d("100000"), Size: d("0.5"), Leverage: d("5")}
	cov := coverage("cov-1", time.Now())
	cov.AllocatedCredit = d("1000")
	cov.Legs = []model.CoverageLeg{{Instrument: inst, Size: d("0.5")}}

	marks := map[string]decimal.Decimal{inst: d("2000")}
	v := ledger.MarkToMarket(cov, pos, marks, d("90000"))

	// margin 10000, pnl −5000, hedge 1000, credit 1000, limit 8000.
	if !v.Margin.Equal(d("10000")) || !v.PositionPnL.Equal(d("-5000")) || !v.HedgeMTM.Equal(d("1000")) {
		t.Fatalf("valuation = %+v", v)
	}
	if !v.Buffer.Equal(d("-1000")) || !v.BufferPct.Equal(d("-0.1")) {
		t.Errorf("buffer = %s (%s), want -1000 (-0.1)", v.Buffer, v.BufferPct)
	}
	if !v.DemoCredit.IsZero() {
		t.Error("production coverage booked demo credit")
	}

	cov.Demo = true
	v = ledger.MarkToMarket(cov, pos, marks, d("90000"))
	if !v.DemoCredit.Equal(d("1000")) {
		t.Errorf("demo credit = %s, want 1000", v.DemoCredit)
	}

	v = ledger.MarkToMarket(cov, pos, nil, d("100000"))
	if len(v.Unpriced) != 1 || !v.HedgeMTM.IsZero() {
		t.Errorf("unpriced leg: %+v", v)
	}
}

func TestPositionBook(t *testing.T) {
	b := ledger.NewPositionBook()
	b.Replace("a", []model.Position{
		{Asset: "BTC", Side: model.SideLong, EntryPrice: d("100000"), Size: d("1")},
		{Asset: "ETH", Side: model.SideShort, EntryPrice: d("3000"), Size: d("10")},
	})
	b.Replace("b", []model.Position{{Asset: "BTC", Side: model.SideShort, EntryPrice: d("100000"), Size: d("0.25")}})

	if p, ok := b.Find("a", "ETH", model.SideShort); !ok || p.AccountID != "a" {
		t.Errorf("Find = %+v, %v", p, ok)
	}
	net := b.NetNotional(map[string]decimal.Decimal{"BTC": d("90000")})
	if !net["BTC"].Equal(d("67500")) || !net["ETH"].Equal(d("-30000")) {
		t.Errorf("net = %v", net)
	}

	// Ingest replaces wholesale.
	b.Replace("a", []model.Position{{Asset: "SOL", Side: model.SideLong, EntryPrice: d("150"), Size: d("3")}})
	if _, ok := b.Find("a", "BTC", model.SideLong); ok {
		t.Error("stale position survived replace")
	}
	b.Replace("b", nil)
	if len(b.Account("b")) != 0 {
		t.Error("empty replace kept positions")
	}
}
