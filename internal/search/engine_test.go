package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/contract"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testNow = time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

// fakeMarket serves fixed single-venue books.
type fakeMarket struct {
	universe []model.Instrument
	books    map[string]model.VenueQuote
	fallback func(name string) (model.VenueQuote, bool)
	delay    time.Duration
	quotes   atomic.Int64
}

func (f *fakeMarket) Instruments(context.Context, string) ([]model.Instrument, error) {
	return f.universe, nil
}

func (f *fakeMarket) Quote(ctx context.Context, name string, side model.OrderSide, size, _ decimal.Decimal) (venue.Aggregation, error) {
	f.quotes.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return venue.Aggregation{}, ctx.Err()
		}
	}
	q, ok := f.books[name]
	if !ok && f.fallback != nil {
		q, ok = f.fallback(name)
	}
	if !ok {
		return venue.Aggregation{}, hedgeerr.New(hedgeerr.NoLiquidity, name)
	}
	agg := venue.Aggregate([]model.VenueQuote{q}, side, size, 3)
	if agg.Empty() {
		return agg, hedgeerr.New(hedgeerr.NoLiquidity, name)
	}
	return agg, nil
}

func book(name string, mid, spread, depth float64) model.VenueQuote {
	m, s := d(mid), d(spread/2)
	one := decimal.NewFromInt(1)
	return venue.Normalize(model.OrderBook{
		Venue:      "paper",
		Instrument: name,
		Bids:       []model.PriceLevel{{Price: m.Mul(one.Sub(s)), Size: d(depth)}},
		Asks:       []model.PriceLevel{{Price: m.Mul(one.Add(s)), Size: d(depth)}},
	}, one)
}

func puts(expiry time.Time, strikes ...float64) []model.Instrument {
	var out []model.Instrument
	for _, k := range strikes {
		out = append(out, model.Instrument{
			Name:       contract.OptionName("BTC", expiry, d(k), model.Put),
			Asset:      "BTC",
			Kind:       model.KindOption,
			OptionType: model.Put,
			Strike:     d(k),
			Expiry:     expiry,
			ExpiryTag:  contract.ExpiryTag(expiry),
		})
	}
	return out
}

func newEngine(t *testing.T, m Market, mutate func(*config.RiskControls)) *Engine {
	t.Helper()
	rc := config.Default()
	if mutate != nil {
		mutate(&rc)
	}
	if err := rc.Validate(); err != nil {
		t.Fatalf("invalid controls: %v", err)
	}
	return NewEngine(m, config.NewHolder(&rc), func() time.Time { return testNow })
}

func scenarioA() Request {
	return Request{
		Asset:        "BTC",
		Spot:         d(100000),
		DrawdownPct:  d(0.2),
		Side:         model.SideLong,
		RequiredSize: d(0.05),
		TargetDays:   7,
	}
}

func TestLadder(t *testing.T) {
	got := Ladder(7, 14, 16)
	want := []int{7, 8, 6, 9, 5, 10, 4, 11, 3, 12, 2, 13, 1, 14, 15, 16}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	long := Ladder(30, 14, 20)
	if long[0] != 14 || long[len(long)-1] != 20 || len(long) != 20 {
		t.Errorf("target beyond preferred should start at preferred max, got %v", long)
	}
}

func TestRollMultiplier(t *testing.T) {
	tests := []struct {
		target, found, want int
	}{
		{7, 7, 1},
		{7, 10, 1},
		{7, 5, 2},
		{30, 14, 3},
		{7, 0, 1},
	}
	for _, tt := range tests {
		if got := RollMultiplier(tt.target, tt.found); got != tt.want {
			t.Errorf("RollMultiplier(%d, %d) = %d, want %d", tt.target, tt.found, got, tt.want)
		}
	}
}

func TestLiquidityScore(t *testing.T) {
	got := LiquidityScore(d(0.05), d(0.025), d(0.10), d(0.05))
	if !got.Equal(d(0.5)) {
		t.Errorf("expected 0.5, got %s", got)
	}
	// Spread beyond the limit and ample depth: only the depth term counts.
	got = LiquidityScore(d(0.5), d(10), d(0.10), d(0.05))
	if !got.Equal(d(0.4)) {
		t.Errorf("expected 0.4, got %s", got)
	}
}

func TestSearch_ScenarioA_AnchorsNearFloor(t *testing.T) {
	expiry := testNow.Add(7 * 24 * time.Hour)
	m := &fakeMarket{universe: puts(expiry, 70000, 75000, 80000, 85000, 90000), books: map[string]model.VenueQuote{}}
	for _, inst := range m.universe {
		m.books[inst.Name] = book(inst.Name, 300, 0.04, 10)
	}
	e := newEngine(t, m, nil)

	cand, err := e.Search(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cand.FullCoverage {
		t.Fatalf("expected full coverage, got %+v", cand)
	}
	if !cand.Strike.Equal(d(80000)) {
		t.Errorf("expected anchor strike 80000, got %s", cand.Strike)
	}
	// Required credit: 0.05 × (80000 − 70000).
	if !cand.RequiredCredit.Equal(d(500)) {
		t.Errorf("expected required credit 500, got %s", cand.RequiredCredit)
	}
	if len(cand.Legs) != 1 || !cand.Legs[0].Size.Equal(d(0.05)) {
		t.Errorf("expected one 0.05 leg, got %+v", cand.Legs)
	}
	if cand.FoundDays != 7 || cand.RollMultiplier != 1 {
		t.Errorf("expected 7d with no roll, got %dd x%d", cand.FoundDays, cand.RollMultiplier)
	}
	if !cand.AllInPremium.Equal(cand.PremiumTotal) {
		t.Errorf("all-in premium should equal premium without roll")
	}
}

func TestSearch_ScenarioC_AnchorByLiquidity(t *testing.T) {
	five := testNow.Add(5 * 24 * time.Hour)
	ten := testNow.Add(10 * 24 * time.Hour)

	tests := []struct {
		name      string
		fiveBook  [2]float64 // spread, depth
		tenBook   [2]float64
		wantDays  int
		wantRoll  int
		wantExpTg string
	}{
		{"ten day more liquid", [2]float64{0.09, 0.01}, [2]float64{0.02, 10}, 10, 1, contract.ExpiryTag(ten)},
		{"five day more liquid", [2]float64{0.02, 10}, [2]float64{0.09, 0.01}, 5, 2, contract.ExpiryTag(five)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMarket{books: map[string]model.VenueQuote{}}
			for _, inst := range puts(five, 80000, 85000, 90000) {
				m.universe = append(m.universe, inst)
				m.books[inst.Name] = book(inst.Name, 200, tt.fiveBook[0], tt.fiveBook[1])
			}
			for _, inst := range puts(ten, 80000, 85000, 90000) {
				m.universe = append(m.universe, inst)
				m.books[inst.Name] = book(inst.Name, 300, tt.tenBook[0], tt.tenBook[1])
			}
			e := newEngine(t, m, nil)

			cand, err := e.Search(context.Background(), scenarioA())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cand.FoundDays != tt.wantDays || cand.ExpiryTag != tt.wantExpTg {
				t.Errorf("expected %dd (%s), got %dd (%s)", tt.wantDays, tt.wantExpTg, cand.FoundDays, cand.ExpiryTag)
			}
			if cand.RollMultiplier != tt.wantRoll {
				t.Errorf("expected roll x%d, got x%d", tt.wantRoll, cand.RollMultiplier)
			}
			want := cand.PremiumTotal.Mul(decimal.NewFromInt(int64(tt.wantRoll)))
			if !cand.AllInPremium.Equal(want) {
				t.Errorf("expected all-in %s, got %s", want, cand.AllInPremium)
			}
		})
	}
}

func TestSearch_PartialNeverClaimsFullCoverage(t *testing.T) {
	expiry := testNow.Add(7 * 24 * time.Hour)
	tests := []struct {
		depth, ratio float64
		full         bool
	}{
		{0.01, 0.2, false},
		{0.02, 0.4, false},
		{0.04, 0.8, false},
		{0.05, 1, true},
		{0.2, 1, true},
	}
	for _, tt := range tests {
		inst := puts(expiry, 80000)
		m := &fakeMarket{universe: inst, books: map[string]model.VenueQuote{
			inst[0].Name: book(inst[0].Name, 300, 0.04, tt.depth),
		}}
		e := newEngine(t, m, nil)

		cand, err := e.Search(context.Background(), scenarioA())
		if err != nil {
			t.Fatalf("depth %v: unexpected error: %v", tt.depth, err)
		}
		if cand.FullCoverage && cand.RemainingCredit.IsPositive() {
			t.Errorf("depth %v: full coverage with remaining credit %s", tt.depth, cand.RemainingCredit)
		}
		if cand.FullCoverage != tt.full {
			t.Errorf("depth %v: expected full=%v, got %v", tt.depth, tt.full, cand.FullCoverage)
		}
		if !cand.CoverageRatio.Equal(d(tt.ratio)) {
			t.Errorf("depth %v: expected coverage ratio %v, got %s", tt.depth, tt.ratio, cand.CoverageRatio)
		}
	}
}

func TestSearch_MultipleLegsCoverCredit(t *testing.T) {
	expiry := testNow.Add(7 * 24 * time.Hour)
	insts := puts(expiry, 80000, 85000)
	m := &fakeMarket{universe: insts, books: map[string]model.VenueQuote{
		insts[0].Name: book(insts[0].Name, 300, 0.04, 0.02),
		insts[1].Name: book(insts[1].Name, 600, 0.04, 10),
	}}
	e := newEngine(t, m, nil)

	cand, err := e.Search(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cand.FullCoverage || len(cand.Legs) != 2 {
		t.Fatalf("expected two legs with full coverage, got %+v", cand)
	}
	// 0.02 × 10000 = 200 covered by 80000; 300 left at 15000 intrinsic = 0.02.
	if !cand.Legs[1].Size.Equal(d(0.02)) {
		t.Errorf("expected second leg 0.02, got %s", cand.Legs[1].Size)
	}
	if !cand.AvailableSize.Equal(d(0.04)) {
		t.Errorf("expected total size 0.04, got %s", cand.AvailableSize)
	}
}

func TestSearch_OverrideBand(t *testing.T) {
	expiry := testNow.Add(7 * 24 * time.Hour)
	insts := puts(expiry, 80000)
	m := &fakeMarket{universe: insts, books: map[string]model.VenueQuote{
		insts[0].Name: book(insts[0].Name, 300, 0.15, 10),
	}}

	cand, err := newEngine(t, m, nil).Search(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cand.Override || !cand.FullCoverage {
		t.Errorf("expected full coverage under the override band, got %+v", cand)
	}

	_, err = newEngine(t, m, func(rc *config.RiskControls) {
		rc.Search.OverrideEnabled = false
	}).Search(context.Background(), scenarioA())
	if !errors.Is(err, hedgeerr.ErrSpreadTooWide) {
		t.Errorf("expected spread_too_wide without override, got %v", err)
	}
}

func TestSearch_SyntheticGrid(t *testing.T) {
	m := &fakeMarket{fallback: func(name string) (model.VenueQuote, bool) {
		return book(name, 250, 0.04, 10), true
	}}
	cand, err := newEngine(t, m, nil).Search(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cand.Synthetic || !cand.FullCoverage {
		t.Errorf("expected full synthetic candidate, got %+v", cand)
	}
	if want := contract.ExpiryTag(contract.SyntheticExpiry(testNow, 7)); cand.ExpiryTag != want {
		t.Errorf("expected expiry %s, got %s", want, cand.ExpiryTag)
	}
	if !cand.Strike.Equal(d(80000)) {
		t.Errorf("expected grid strike 80000, got %s", cand.Strike)
	}
}

func TestSearch_NoExpiryFound(t *testing.T) {
	expiry := testNow.Add(7 * 24 * time.Hour)
	call := model.Instrument{
		Name: contract.OptionName("BTC", expiry, d(120000), model.Call), Asset: "BTC",
		Kind: model.KindOption, OptionType: model.Call, Strike: d(120000), Expiry: expiry,
	}
	m := &fakeMarket{universe: []model.Instrument{call}}

	_, err := newEngine(t, m, nil).Search(context.Background(), scenarioA())
	if !errors.Is(err, hedgeerr.ErrNoExpiryFound) {
		t.Errorf("expected no_expiry_found, got %v", err)
	}
}

func TestSearch_BudgetAbandonsSearch(t *testing.T) {
	expiry := testNow.Add(7 * 24 * time.Hour)
	m := &fakeMarket{universe: puts(expiry, 80000, 85000, 90000), delay: 200 * time.Millisecond,
		fallback: func(name string) (model.VenueQuote, bool) { return book(name, 300, 0.04, 10), true }}
	e := newEngine(t, m, nil)

	req := scenarioA()
	req.Budget = 20 * time.Millisecond
	start := time.Now()
	_, err := e.Search(context.Background(), req)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("search ignored its budget (%s)", elapsed)
	}
	if !errors.Is(err, hedgeerr.ErrNoLiquidity) {
		t.Errorf("expected no_liquidity after budget, got %v", err)
	}
}

func TestSearch_InvalidRequest(t *testing.T) {
	e := newEngine(t, &fakeMarket{}, nil)
	req := scenarioA()
	req.DrawdownPct = d(1.5)
	if _, err := e.Search(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestPerpFallback(t *testing.T) {
	m := &fakeMarket{books: map[string]model.VenueQuote{
		"BTC-PERPETUAL": venue.Normalize(model.OrderBook{
			Venue: "paper", Instrument: "BTC-PERPETUAL",
			Bids: []model.PriceLevel{{Price: d(99990), Size: d(10)}},
			Asks: []model.PriceLevel{{Price: d(100010), Size: d(10)}},
		}, decimal.NewFromInt(1)),
	}}
	cand, err := newEngine(t, m, nil).PerpFallback(context.Background(), scenarioA())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cand.Perp || !cand.FullCoverage || cand.Legs[0].Side != model.Sell {
		t.Fatalf("expected full perp sell hedge, got %+v", cand)
	}
	// crossing 10 × 0.05 + funding 0.0003 × 5000 × 7
	if !cand.PremiumTotal.Equal(d(11)) {
		t.Errorf("expected premium 11, got %s", cand.PremiumTotal)
	}
}
