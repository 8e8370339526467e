package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/fee"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/search"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const putName = "BTC-21MAR25-80000-P"

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeMarket struct {
	mu      sync.Mutex
	spot    decimal.Decimal
	iv      decimal.Decimal
	fail    error
	orders  int
	nothing bool
}

func (m *fakeMarket) IndexPrice(context.Context, string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spot, nil
}

func (m *fakeMarket) Ticker(_ context.Context, name string) (model.Ticker, error) {
	return model.Ticker{Instrument: name, MarkIV: m.iv}, nil
}

func (m *fakeMarket) Execute(_ context.Context, _ string, _ model.OrderSide, plan []venue.PlanLeg, _ string) ([]venue.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nothing {
		return nil, errors.New("venue down")
	}
	var fills []venue.Fill
	for _, p := range plan {
		m.orders++
		id := fmt.Sprintf("%d", m.orders)
		fills = append(fills, venue.Fill{ID: p.Venue + ":" + id, Venue: p.Venue, OrderID: id, Status: model.OrderFilled, Size: p.Size, Price: p.Price})
	}
	return fills, m.fail
}

type fakeSearcher struct {
	mu       sync.Mutex
	option   *search.Candidate
	perp     *search.Candidate
	err      error
	searches int
	// entered receives once per search; block holds searches until closed.
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeSearcher) Search(ctx context.Context, _ search.Request) (*search.Candidate, error) {
	f.mu.Lock()
	f.searches++
	entered, block := f.entered, f.block
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.option, nil
}

func (f *fakeSearcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

func (f *fakeSearcher) PerpFallback(context.Context, search.Request) (*search.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perp == nil {
		return nil, hedgeerr.New(hedgeerr.NoLiquidity, "no perp")
	}
	return f.perp, nil
}

func optionCandidate(premium string) *search.Candidate {
	return &search.Candidate{
		ExpiryTag:      "21MAR25",
		TargetDays:     7,
		FoundDays:      7,
		OptionType:     model.Put,
		Strike:         d("80000"),
		PremiumTotal:   d(premium),
		AllInPremium:   d(premium),
		AvailableSize:  d("0.05"),
		RollMultiplier: 1,
		CoverageRatio:  d("1"),
		FullCoverage:   true,
		SpreadPct:      d("0.04"),
		Legs: []search.Leg{{
			Instrument: putName,
			Side:       model.Buy,
			Strike:     d("80000"),
			Size:       d("0.05"),
			Plan:       []venue.PlanLeg{{Venue: "paper", Price: d("240"), Size: d("0.05")}},
		}},
	}
}

type env struct {
	svc      *Service
	market   *fakeMarket
	searcher *fakeSearcher
	ledger   *ledger.Ledger
	tracker  *risk.Tracker
	sink     *audit.MemorySink
	clock    *clock
}

func newEnv(t *testing.T, mutate func(*config.RiskControls)) *env {
	t.Helper()
	rc := config.Default()
	if mutate != nil {
		mutate(&rc)
	}
	if err := rc.Validate(); err != nil {
		t.Fatal(err)
	}
	c := &clock{t: time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)}
	e := &env{
		market:   &fakeMarket{spot: d("100000"), iv: d("0.6")},
		searcher: &fakeSearcher{option: optionCandidate("12")},
		ledger:   ledger.New(store.NewMemoryStore(), nil),
		tracker:  risk.NewTracker(c.Now),
		sink:     &audit.MemorySink{},
		clock:    c,
	}
	e.svc = NewService(Deps{
		Controls: config.NewHolder(&rc),
		Market:   e.market,
		Searcher: e.searcher,
		Ledger:   e.ledger,
		Tracker:  e.tracker,
		Sink:     e.sink,
		Now:      c.Now,
	})
	return e
}

func request() Request {
	return Request{
		AccountID: "acct-1",
		Tier:      "standard",
		Position: model.Position{
			Asset: "BTC", Side: model.SideLong, EntryPrice: d("100000"), Size: d("0.05"), Leverage: d("2"),
		},
		DrawdownFloorPct: d("0.2"),
		TenorDays:        7,
		AutoRenew:        true,
	}
}

func TestQuoteAndExecute(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	q, err := e.svc.Quote(ctx, request())
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Outcome.Status != fee.StatusOk || !q.Fee.Equal(d("20")) {
		t.Fatalf("outcome = %+v fee %s, want ok/20", q.Outcome, q.Fee)
	}
	if !q.HedgeSize.Equal(d("0.05")) || len(q.Instruments) != 1 {
		t.Errorf("hedge = %s %v", q.HedgeSize, q.Instruments)
	}

	exec, err := e.svc.Execute(ctx, q.ID, "acct-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	cov := exec.Coverage
	if cov.Status != model.CoverageActive || !cov.HedgeSize().Equal(d("0.05")) || len(cov.AppliedFills) != 1 {
		t.Errorf("coverage = %+v", cov)
	}
	if !cov.Expiry.Equal(e.clock.Now().Add(7 * 24 * time.Hour)) {
		t.Errorf("expiry = %v", cov.Expiry)
	}
	entry, ok := e.ledger.Entry(putName)
	if !ok || !entry.Size.Equal(d("0.05")) || !entry.AvgCostUsd.Equal(d("240")) {
		t.Errorf("inventory = %+v", entry)
	}
	st := e.tracker.State()
	if !st.Tiers["standard"].Revenue.Equal(d("20")) || !st.Assets["BTC"].Equal(d("5000")) {
		t.Errorf("risk state = %+v", st)
	}
	if _, ok := e.svc.Positions().Find("acct-1", "BTC", model.SideLong); !ok {
		t.Error("position not tracked after sale")
	}
	for _, typ := range []audit.Type{audit.FeeDecision, audit.QuoteIssued, audit.HedgeOrder, audit.CoverageActivated} {
		if len(e.sink.OfType(typ)) != 1 {
			t.Errorf("%s events = %d, want 1", typ, len(e.sink.OfType(typ)))
		}
	}

	// At most once.
	if _, err := e.svc.Execute(ctx, q.ID, "acct-1"); !errors.Is(err, hedgeerr.ErrQuoteExpired) {
		t.Errorf("second Execute err = %v, want quote_expired", err)
	}
}

func TestExecute_LockChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		e := newEnv(t, nil)
		q, err := e.svc.Quote(ctx, request())
		if err != nil {
			t.Fatal(err)
		}
		e.clock.Advance(31 * time.Second)
		if _, err := e.svc.Execute(ctx, q.ID, ""); !errors.Is(err, hedgeerr.ErrQuoteExpired) {
			t.Errorf("err = %v, want quote_expired", err)
		}
	})

	t.Run("drift", func(t *testing.T) {
		e := newEnv(t, nil)
		q, err := e.svc.Quote(ctx, request())
		if err != nil {
			t.Fatal(err)
		}
		e.market.spot = d("94000")
		if _, err := e.svc.Execute(ctx, q.ID, ""); !errors.Is(err, hedgeerr.ErrQuoteDrift) {
			t.Errorf("err = %v, want quote_drift", err)
		}
		if e.market.orders != 0 {
			t.Error("orders placed despite drift")
		}
	})

	t.Run("other account", func(t *testing.T) {
		e := newEnv(t, nil)
		q, err := e.svc.Quote(ctx, request())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.svc.Execute(ctx, q.ID, "acct-2"); !errors.Is(err, hedgeerr.ErrInvalidPosition) {
			t.Errorf("err = %v, want invalid_position", err)
		}
	})

	t.Run("asset limit", func(t *testing.T) {
		e := newEnv(t, func(rc *config.RiskControls) { rc.Limits.MaxNotionalPerAsset = d("1000") })
		q, err := e.svc.Quote(ctx, request())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.svc.Execute(ctx, q.ID, ""); !errors.Is(err, hedgeerr.ErrInvalidPosition) {
			t.Errorf("err = %v, want invalid_position", err)
		}
	})
}

func TestExecute_NothingFilledRefundsSubsidy(t *testing.T) {
	e := newEnv(t, nil)
	e.searcher.option = optionCandidate("110") // subsidized: cap 62, gap 48
	ctx := context.Background()

	q, err := e.svc.Quote(ctx, request())
	if err != nil {
		t.Fatal(err)
	}
	if q.Outcome.Status != fee.StatusSubsidized || !q.Subsidy.Equal(d("48")) {
		t.Fatalf("outcome = %+v subsidy %s", q.Outcome, q.Subsidy)
	}

	e.market.nothing = true
	if _, err := e.svc.Execute(ctx, q.ID, ""); !errors.Is(err, hedgeerr.ErrNoLiquidity) {
		t.Fatalf("err = %v, want no_liquidity", err)
	}
	if snap := e.tracker.Snapshot("standard", "acct-1"); !snap.TierUsed.IsZero() {
		t.Errorf("subsidy not refunded: %+v", snap)
	}
	if len(e.ledger.Active()) != 0 {
		t.Error("coverage activated without fills")
	}
	covs := e.ledger.Coverages("acct-1")
	if len(covs) != 1 || covs[0].Status != model.CoverageCancelled {
		t.Errorf("coverages = %+v, want one cancelled", covs)
	}
}

type downStore struct{ store.LedgerStore }

func (downStore) SaveCoverage(context.Context, model.Coverage) error {
	return errors.New("connection refused")
}

func TestExecute_ActivationFailurePlacesNoOrders(t *testing.T) {
	e := newEnv(t, nil)
	e.searcher.option = optionCandidate("110") // subsidized
	e.ledger = ledger.New(downStore{store.NewMemoryStore()}, nil)
	e.svc.ledger = e.ledger
	ctx := context.Background()

	q, err := e.svc.Quote(ctx, request())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Execute(ctx, q.ID, ""); err == nil {
		t.Fatal("expected activation error")
	}
	if e.market.orders != 0 {
		t.Errorf("orders = %d, want none without a coverage to book into", e.market.orders)
	}
	if len(e.ledger.Hedges().Entries) != 0 {
		t.Error("inventory booked without a coverage")
	}
	if snap := e.tracker.Snapshot("standard", "acct-1"); !snap.TierUsed.IsZero() {
		t.Errorf("subsidy not refunded: %+v", snap)
	}
}

func TestQuote_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("premium floor", func(t *testing.T) {
		e := newEnv(t, func(rc *config.RiskControls) {
			rc.Subsidy.Enabled = false
			tc := rc.Tiers["standard"]
			tc.AllowPartial = false
			rc.Tiers["standard"] = tc
		})
		e.searcher.option = optionCandidate("10000")
		_, err := e.svc.Quote(ctx, request())
		if !errors.Is(err, hedgeerr.ErrPremiumFloorBreached) {
			t.Fatalf("err = %v", err)
		}
		if p, ok := hedgeerr.PayloadOf(err); !ok || len(p.Suggestions) == 0 {
			t.Errorf("payload = %+v", p)
		}
		if len(e.sink.OfType(audit.FeeDecision)) != 1 {
			t.Error("rejection not audited")
		}
	})

	t.Run("leverage", func(t *testing.T) {
		e := newEnv(t, nil)
		req := request()
		req.Position.Leverage = d("25")
		if _, err := e.svc.Quote(ctx, req); !errors.Is(err, hedgeerr.ErrLeverageExceeded) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("floor out of range", func(t *testing.T) {
		e := newEnv(t, nil)
		req := request()
		req.DrawdownFloorPct = d("1")
		if _, err := e.svc.Quote(ctx, req); !errors.Is(err, hedgeerr.ErrInvalidPosition) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("no hedge", func(t *testing.T) {
		e := newEnv(t, nil)
		e.searcher.err = hedgeerr.New(hedgeerr.NoExpiryFound, "none")
		if _, err := e.svc.Quote(ctx, request()); !errors.Is(err, hedgeerr.ErrNoExpiryFound) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestQuote_CacheAndStale(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	a, err := e.svc.Quote(ctx, request())
	if err != nil {
		t.Fatal(err)
	}
	// Same bucket: spot moves by less than the bucket step.
	e.market.spot = d("100030")
	b, err := e.svc.Quote(ctx, request())
	if err != nil {
		t.Fatal(err)
	}
	if e.searcher.searches != 1 {
		t.Errorf("searches = %d, want 1 (cache hit)", e.searcher.searches)
	}
	if a.ID == b.ID || a.Fingerprint != b.Fingerprint {
		t.Errorf("quotes share lock or differ in fingerprint: %s/%s %s/%s", a.ID, b.ID, a.Fingerprint, b.Fingerprint)
	}

	// Past TTL the search reruns; on failure the stale pricing is served.
	e.clock.Advance(10 * time.Second)
	e.searcher.err = errors.New("venue timeout")
	c, err := e.svc.Quote(ctx, request())
	if err != nil {
		t.Fatalf("stale quote: %v", err)
	}
	if !c.Stale || e.searcher.searches != 2 {
		t.Errorf("stale=%v searches=%d", c.Stale, e.searcher.searches)
	}

	// Beyond StaleUsable the failure surfaces.
	e.clock.Advance(time.Minute)
	if _, err := e.svc.Quote(ctx, request()); err == nil {
		t.Error("expected error past stale window")
	}

	e.svc.Sweep()
	if len(e.svc.cache) != 0 || len(e.svc.locks) != 0 {
		t.Errorf("sweep left %d cached, %d locks", len(e.svc.cache), len(e.svc.locks))
	}
}

func TestQuote_ConcurrentRequestsShareOneSearch(t *testing.T) {
	e := newEnv(t, nil)
	const n = 8
	e.searcher.entered = make(chan struct{}, n)
	e.searcher.block = make(chan struct{})

	var wg sync.WaitGroup
	quotes := make([]*Quote, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			quotes[i], errs[i] = e.svc.Quote(context.Background(), request())
		}(i)
	}
	<-e.searcher.entered
	time.Sleep(20 * time.Millisecond)
	close(e.searcher.block)
	wg.Wait()

	if got := e.searcher.count(); got != 1 {
		t.Errorf("searches = %d, want 1", got)
	}
	ids := make(map[string]bool)
	for i := range quotes {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		ids[quotes[i].ID] = true
	}
	if len(ids) != n {
		t.Errorf("distinct locks = %d, want %d", len(ids), n)
	}
}

func TestQuote_CancelledCallerDoesNotFailOthers(t *testing.T) {
	e := newEnv(t, nil)
	e.searcher.entered = make(chan struct{}, 2)
	e.searcher.block = make(chan struct{})

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := e.svc.Quote(first, request())
		firstErr <- err
	}()
	<-e.searcher.entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := e.svc.Quote(context.Background(), request())
		secondErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller err = %v, want context.Canceled", err)
	}
	close(e.searcher.block)
	if err := <-secondErr; err != nil {
		t.Errorf("second caller err = %v, want a quote", err)
	}
	if got := e.searcher.count(); got != 1 {
		t.Errorf("searches = %d, want 1", got)
	}
}

func TestQuote_PerpFallback(t *testing.T) {
	e := newEnv(t, nil)
	partial := optionCandidate("8")
	partial.FullCoverage = false
	partial.CoverageRatio = d("0.4")
	e.searcher.option = partial
	e.searcher.perp = &search.Candidate{
		TargetDays: 7, FoundDays: 7, RollMultiplier: 1,
		AllInPremium: d("15"), PremiumTotal: d("15"), AvailableSize: d("0.05"),
		CoverageRatio: d("1"), FullCoverage: true, Perp: true,
		Legs: []search.Leg{{
			Instrument: "BTC-PERPETUAL", Side: model.Sell, Size: d("0.05"),
			Plan: []venue.PlanLeg{{Venue: "paper", Price: d("99990"), Size: d("0.05")}},
		}},
	}
	ctx := context.Background()

	q, err := e.svc.Quote(ctx, request())
	if err != nil {
		t.Fatal(err)
	}
	if !q.Outcome.Perp || q.Outcome.Status != fee.StatusOk {
		t.Fatalf("outcome = %+v, want perp-wrapped ok", q.Outcome)
	}
	exec, err := e.svc.Execute(ctx, q.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !exec.Coverage.HedgeSize().Equal(d("-0.05")) {
		t.Errorf("perp leg size = %s, want -0.05", exec.Coverage.HedgeSize())
	}
}

func TestRenew(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	q, err := e.svc.Quote(ctx, request())
	if err != nil {
		t.Fatal(err)
	}
	exec, err := e.svc.Execute(ctx, q.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	cov := exec.Coverage

	renewed, out, err := e.svc.Renew(ctx, cov, request().Position)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if out.Status() != fee.StatusOk {
		t.Errorf("renewal outcome = %s", out.Status())
	}
	if !renewed.Expiry.Equal(cov.Expiry.Add(7*24*time.Hour)) || !renewed.Fee.Equal(d("40")) {
		t.Errorf("renewed expiry %v fee %s", renewed.Expiry, renewed.Fee)
	}
	if !renewed.HedgeSize().Equal(d("0.1")) {
		t.Errorf("renewed hedge = %s, want 0.1", renewed.HedgeSize())
	}
	if len(e.sink.OfType(audit.CoverageRenewed)) != 1 {
		t.Error("renewal not audited")
	}
}

func TestFingerprint(t *testing.T) {
	q := config.Default().Quote
	p := model.Position{Asset: "BTC", Side: model.SideLong, Size: d("0.05"), Leverage: d("2")}
	a := Fingerprint(q, "standard", p, d("100000"), d("0.2"), 7)
	if b := Fingerprint(q, "standard", p, d("100040"), d("0.2"), 7); a != b {
		t.Errorf("nearby spot changed fingerprint: %s vs %s", a, b)
	}
	if b := Fingerprint(q, "standard", p, d("101000"), d("0.2"), 7); a == b {
		t.Error("distant spot shares fingerprint")
	}
	if b := Fingerprint(q, "pro", p, d("100000"), d("0.2"), 7); a == b {
		t.Error("tier not part of fingerprint")
	}
}
