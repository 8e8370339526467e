package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/api"
	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/quote"
	"github.com/atmx/hedge-engine/internal/search"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const putName = "BTC-21MAR25-80000-P"

type fakeMarket struct {
	mu     sync.Mutex
	orders int
}

func (m *fakeMarket) IndexPrice(context.Context, string) (decimal.Decimal, error) {
	return d("100000"), nil
}

func (m *fakeMarket) Ticker(_ context.Context, name string) (model.Ticker, error) {
	return model.Ticker{Instrument: name, MarkPrice: d("240"), MarkIV: d("0.6")}, nil
}

func (m *fakeMarket) Execute(_ context.Context, _ string, _ model.OrderSide, plan []venue.PlanLeg, _ string) ([]venue.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fills []venue.Fill
	for _, p := range plan {
		m.orders++
		id := fmt.Sprintf("%d", m.orders)
		fills = append(fills, venue.Fill{ID: p.Venue + ":" + id, Venue: p.Venue, OrderID: id, Status: model.OrderFilled, Size: p.Size, Price: p.Price})
	}
	return fills, nil
}

type fakeSearcher struct{}

func (fakeSearcher) Search(context.Context, search.Request) (*search.Candidate, error) {
	return &search.Candidate{
		ExpiryTag:      "21MAR25",
		TargetDays:     7,
		FoundDays:      7,
		OptionType:     model.Put,
		Strike:         d("80000"),
		PremiumTotal:   d("12"),
		AllInPremium:   d("12"),
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
	}, nil
}

func (fakeSearcher) PerpFallback(context.Context, search.Request) (*search.Candidate, error) {
	return nil, hedgeerr.New(hedgeerr.NoLiquidity, "no perp")
}

type testEnv struct {
	router   http.Handler
	controls *config.Holder
	hub      *api.WSHub
}

// newTestEnv wires a quote service over fakes, an in-memory ledger, and
// the full router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOver(t, store.NewMemoryStore())
}

func newTestEnvOver(t *testing.T, st store.LedgerStore) *testEnv {
	t.Helper()
	rc := config.Default()
	controls := config.NewHolder(&rc)
	l := ledger.New(st, nil)
	hub := api.NewWSHub(nil)
	svc := quote.NewService(quote.Deps{
		Controls: controls,
		Market:   &fakeMarket{},
		Searcher: fakeSearcher{},
		Ledger:   l,
		Sink:     hub,
	})
	srv := api.NewServer(svc, l, controls, nil, hub, nil)
	return &testEnv{router: srv.Router(), controls: controls, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		json.NewEncoder(&buf).Encode(v)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func quoteRequest(leverage string) quote.Request {
	return quote.Request{
		AccountID: "acct-1",
		Tier:      "standard",
		Position: model.Position{
			Asset: "BTC", Side: model.SideLong, EntryPrice: d("100000"), Size: d("0.05"), Leverage: d(leverage),
		},
		DrawdownFloorPct: d("0.2"),
		TenorDays:        7,
	}
}

type quoteResponse struct {
	ID      string          `json:"quote_id"`
	Fee     decimal.Decimal `json:"fee"`
	Outcome struct {
		Status string `json:"status"`
	} `json:"outcome"`
}

func TestQuoteExecuteFlow(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/quotes", quoteRequest("2"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var q quoteResponse
	json.Unmarshal(w.Body.Bytes(), &q)
	if q.ID == "" || q.Outcome.Status != "ok" || !q.Fee.Equal(d("20")) {
		t.Fatalf("quote = %+v", q)
	}

	w = e.do(t, "POST", "/api/v1/quotes/"+q.ID+"/execute", api.ExecuteRequest{AccountID: "acct-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var exec struct {
		Coverage   model.Coverage  `json:"coverage"`
		FilledSize decimal.Decimal `json:"filled_size"`
	}
	json.Unmarshal(w.Body.Bytes(), &exec)
	if exec.Coverage.ID == "" || !exec.FilledSize.Equal(d("0.05")) {
		t.Fatalf("execution = %+v", exec)
	}

	w = e.do(t, "GET", "/api/v1/coverages?account_id=acct-1", nil)
	var covs []model.Coverage
	json.Unmarshal(w.Body.Bytes(), &covs)
	if len(covs) != 1 || covs[0].ID != exec.Coverage.ID {
		t.Errorf("coverages = %+v", covs)
	}
	if w := e.do(t, "GET", "/api/v1/coverages?account_id=acct-2", nil); strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("other account coverages = %s", w.Body.String())
	}

	if w := e.do(t, "GET", "/api/v1/coverages/"+exec.Coverage.ID, nil); w.Code != http.StatusOK {
		t.Errorf("coverage detail = %d", w.Code)
	}
	if w := e.do(t, "GET", "/api/v1/coverages/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing coverage = %d", w.Code)
	}

	w = e.do(t, "GET", "/api/v1/ledger", nil)
	var book store.HedgeLedger
	json.Unmarshal(w.Body.Bytes(), &book)
	if len(book.Entries) != 1 || book.Entries[0].Instrument != putName || !book.Entries[0].Size.Equal(d("0.05")) {
		t.Errorf("ledger = %+v", book)
	}

	w = e.do(t, "GET", "/api/v1/risk", nil)
	var rs struct {
		Tiers map[string]struct {
			Revenue decimal.Decimal `json:"revenue"`
		} `json:"tiers"`
	}
	json.Unmarshal(w.Body.Bytes(), &rs)
	if got := rs.Tiers["standard"].Revenue; !got.Equal(d("20")) {
		t.Errorf("standard revenue = %s, body %s", got, w.Body.String())
	}

	// A lock executes once.
	w = e.do(t, "POST", "/api/v1/quotes/"+q.ID+"/execute", api.ExecuteRequest{AccountID: "acct-1"})
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", w.Code, w.Body.String())
	}
	var p hedgeerr.Payload
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Status != "rejected" || p.Reason != string(hedgeerr.QuoteExpired) {
		t.Errorf("payload = %+v", p)
	}
}

func TestGetCoverage_ReadsThroughSharedStore(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEnvOver(t, st)

	// Written by another instance after this one loaded.
	now := time.Now().UTC()
	cov := model.Coverage{
		ID: "cov-peer", AccountID: "acct-2", Asset: "BTC", Status: model.CoverageActive,
		Strike: d("80000"), Expiry: now.Add(time.Hour), CreatedAt: now,
	}
	if err := st.SaveCoverage(context.Background(), cov); err != nil {
		t.Fatal(err)
	}

	w := e.do(t, "GET", "/api/v1/coverages/cov-peer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got model.Coverage
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != "cov-peer" || got.AccountID != "acct-2" || !got.Strike.Equal(d("80000")) {
		t.Errorf("coverage = %+v", got)
	}
	if w := e.do(t, "GET", "/api/v1/coverages/cov-other", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCreateQuote_LeverageRejected(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "POST", "/api/v1/quotes", quoteRequest("25"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	var p hedgeerr.Payload
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Reason != string(hedgeerr.LeverageExceeded) || len(p.Suggestions) == 0 {
		t.Errorf("payload = %+v", p)
	}
}

func TestCreateQuote_InvalidBody(t *testing.T) {
	e := newTestEnv(t)
	if w := e.do(t, "POST", "/api/v1/quotes", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestExecute_RequiresAccount(t *testing.T) {
	e := newTestEnv(t)
	if w := e.do(t, "POST", "/api/v1/quotes/q-1/execute", api.ExecuteRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPositions(t *testing.T) {
	e := newTestEnv(t)

	positions := []model.Position{
		{Asset: "BTC", Side: model.SideLong, EntryPrice: d("100000"), Size: d("0.5"), Leverage: d("5")},
		{Asset: "ETH", Side: model.SideShort, EntryPrice: d("3000"), Size: d("2"), Leverage: d("3")},
	}
	w := e.do(t, "PUT", "/api/v1/accounts/acct-9/positions", positions)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "GET", "/api/v1/accounts/acct-9/positions", nil)
	var got []model.Position
	json.Unmarshal(w.Body.Bytes(), &got)
	if len(got) != 2 || got[0].AccountID != "acct-9" {
		t.Errorf("positions = %+v", got)
	}

	bad := []model.Position{{Asset: "BTC", Side: model.SideLong, EntryPrice: d("100000"), Size: d("0"), Leverage: d("5")}}
	w = e.do(t, "PUT", "/api/v1/accounts/acct-9/positions", bad)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var p hedgeerr.Payload
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Reason != string(hedgeerr.InvalidPosition) {
		t.Errorf("payload = %+v", p)
	}

	// Replacing with an empty list clears the account.
	e.do(t, "PUT", "/api/v1/accounts/acct-9/positions", []model.Position{})
	if w := e.do(t, "GET", "/api/v1/accounts/acct-9/positions", nil); strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("positions after clear = %s", w.Body.String())
	}
}

func TestPutControls(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, "PUT", "/api/v1/controls", "net_exposure:\n  enabled: false\n")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if e.controls.Get().NetExposure.Enabled {
		t.Error("net exposure still enabled after reload")
	}

	if w := e.do(t, "PUT", "/api/v1/controls", "tiers: [oops"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed yaml = %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestWSHub_StreamsAuditEvents(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.hub.Run(ctx)

	ts := httptest.NewServer(e.router)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	e.hub.Emit(ctx, audit.New(audit.CoverageActivated, map[string]string{"coverage_id": "cov-1"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev audit.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != audit.CoverageActivated || ev.ID == "" {
		t.Errorf("event = %+v", ev)
	}
}
