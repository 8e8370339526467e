// Package quote orchestrates a protection sale: price a position (search,
// fee composition, fee decision), mint a short-lived lock, and execute the
// locked hedge against the venues, booking the result in the ledger.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/fee"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/search"
	"github.com/atmx/hedge-engine/internal/venue"
)

// Market is the slice of the venue aggregator the service needs.
type Market interface {
	IndexPrice(ctx context.Context, asset string) (decimal.Decimal, error)
	Ticker(ctx context.Context, instrument string) (model.Ticker, error)
	Execute(ctx context.Context, instrument string, side model.OrderSide, plan []venue.PlanLeg, label string) ([]venue.Fill, error)
}

// Searcher assembles hedges.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Candidate, error)
	PerpFallback(ctx context.Context, req search.Request) (*search.Candidate, error)
}

// Request asks for protection on one position.
type Request struct {
	AccountID        string          `json:"account_id"`
	Tier             model.Tier      `json:"tier"`
	Position         model.Position  `json:"position"`
	DrawdownFloorPct decimal.Decimal `json:"drawdown_floor_pct"`
	TenorDays        int             `json:"tenor_days"`
	AutoRenew        bool            `json:"auto_renew"`
}

// Pricing is the account-independent part of a quote, shared by every
// request with the same fingerprint.
type Pricing struct {
	Spot      decimal.Decimal   `json:"spot"`
	IV        decimal.Decimal   `json:"iv"`
	Candidate *search.Candidate `json:"candidate"`
	Breakdown fee.Breakdown     `json:"fee_breakdown"`
	At        time.Time         `json:"priced_at"`
}

// Quote is a priced, accepted offer. Its ID is the lock to execute.
type Quote struct {
	ID          string          `json:"quote_id"`
	Fingerprint string          `json:"fingerprint"`
	Request     Request         `json:"request"`
	Pricing     Pricing         `json:"pricing"`
	Outcome     fee.View        `json:"outcome"`
	Fee         decimal.Decimal `json:"fee"`
	Premium     decimal.Decimal `json:"premium"`
	Subsidy     decimal.Decimal `json:"subsidy"`
	HedgeSize   decimal.Decimal `json:"hedge_size"`
	Instruments []string        `json:"instruments"`
	Stale       bool            `json:"stale,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`

	scale decimal.Decimal
	day   string
}

// Lock is what execution is checked against.
type Lock struct {
	Quote *Quote
	Spot  decimal.Decimal
	// Expiry is when the lock stops being executable.
	Expiry time.Time
}

type cached struct {
	pricing Pricing
	at      time.Time
}

// Service prices and sells protection.
type Service struct {
	controls  *config.Holder
	market    Market
	searcher  Searcher
	ledger    *ledger.Ledger
	positions *ledger.PositionBook
	tracker   *risk.Tracker
	limiter   *risk.ExposureLimiter
	sink      audit.Sink
	now       func() time.Time
	log       *slog.Logger
	demo      bool

	flight singleflight.Group

	mu    sync.Mutex
	cache map[string]cached
	locks map[string]*Lock
	// execMu serializes executions so that limits and subsidy commits see
	// each other.
	execMu sync.Mutex
}

// Deps wires a Service.
type Deps struct {
	Controls  *config.Holder
	Market    Market
	Searcher  Searcher
	Ledger    *ledger.Ledger
	Positions *ledger.PositionBook
	Tracker   *risk.Tracker
	Limiter   *risk.ExposureLimiter
	Sink      audit.Sink
	Now       func() time.Time
	Logger    *slog.Logger
	// Demo marks every coverage sold as a demo coverage.
	Demo bool
}

// NewService creates a quote service.
func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sink == nil {
		d.Sink = audit.Discard{}
	}
	if d.Positions == nil {
		d.Positions = ledger.NewPositionBook()
	}
	if d.Tracker == nil {
		d.Tracker = risk.NewTracker(d.Now)
	}
	if d.Limiter == nil {
		lim := d.Controls.Get().Limits
		d.Limiter = risk.NewExposureLimiter(lim.MaxNotionalPerAsset, decimal.Zero)
	}
	return &Service{
		controls:  d.Controls,
		market:    d.Market,
		searcher:  d.Searcher,
		ledger:    d.Ledger,
		positions: d.Positions,
		tracker:   d.Tracker,
		limiter:   d.Limiter,
		sink:      d.Sink,
		now:       d.Now,
		log:       d.Logger.With("component", "quote"),
		demo:      d.Demo,
		cache:     make(map[string]cached),
		locks:     make(map[string]*Lock),
	}
}

// Positions returns the position book the service protects.
func (s *Service) Positions() *ledger.PositionBook { return s.positions }

// Tracker returns the risk counters.
func (s *Service) Tracker() *risk.Tracker { return s.tracker }

func (s *Service) validate(rc *config.RiskControls, req *Request) (config.TierConfig, error) {
	tc, ok := rc.Tier(req.Tier)
	if !ok {
		return tc, hedgeerr.New(hedgeerr.InvalidPosition, fmt.Sprintf("unknown tier %q", req.Tier))
	}
	if req.AccountID == "" {
		return tc, hedgeerr.New(hedgeerr.InvalidPosition, "account_id is required")
	}
	if req.Position.AccountID == "" {
		req.Position.AccountID = req.AccountID
	}
	if err := risk.ValidatePosition(req.Position, tc.MaxLeverage); err != nil {
		return tc, err
	}
	dd := req.DrawdownFloorPct
	if !dd.IsPositive() || dd.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return tc, hedgeerr.New(hedgeerr.InvalidPosition, "drawdown_floor_pct must be in (0, 1)")
	}
	if req.TenorDays < 1 {
		return tc, hedgeerr.New(hedgeerr.InvalidPosition, "tenor_days must be at least 1")
	}
	return tc, nil
}

// Quote prices a request and mints a lock. A rejection is returned as a
// *hedgeerr.Error.
func (s *Service) Quote(ctx context.Context, req Request) (*Quote, error) {
	start := time.Now()
	defer func() { metrics.QuoteLatency.Observe(time.Since(start).Seconds()) }()

	rc := s.controls.Get()
	if _, err := s.validate(rc, &req); err != nil {
		metrics.QuotesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	spot, err := s.market.IndexPrice(ctx, req.Position.Asset)
	if err != nil {
		return nil, fmt.Errorf("quote: index price: %w", err)
	}

	fp := Fingerprint(rc.Quote, req.Tier, req.Position, spot, req.DrawdownFloorPct, req.TenorDays)
	pr, stale, err := s.pricing(ctx, rc, fp, req, spot)
	if err != nil {
		metrics.QuotesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return s.decide(ctx, rc, fp, req, pr, stale)
}

// pricing serves a fresh cached pricing, or computes one with at most one
// computation in flight per fingerprint. The computation runs detached from
// any one caller's cancellation, bounded by pricingTimeout; each caller
// waits on its own ctx. A failed computation falls back to a cached pricing
// within StaleUsable.
func (s *Service) pricing(ctx context.Context, rc *config.RiskControls, fp string, req Request, spot decimal.Decimal) (Pricing, bool, error) {
	now := s.now()
	s.mu.Lock()
	c, ok := s.cache[fp]
	s.mu.Unlock()
	if ok && now.Sub(c.at) <= rc.Quote.TTL {
		metrics.QuoteCacheTotal.WithLabelValues("hit").Inc()
		return c.pricing, false, nil
	}

	ch := s.flight.DoChan(fp, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pricingTimeout(rc))
		defer cancel()
		pr, err := s.price(fctx, rc, req, spot)
		if err != nil {
			return nil, err
		}
		// Cached before the flight ends so late arrivals hit the cache.
		s.mu.Lock()
		s.cache[fp] = cached{pricing: pr, at: s.now()}
		s.mu.Unlock()
		return pr, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Pricing{}, false, ctx.Err()
	case res = <-ch:
	}
	if res.Shared {
		metrics.QuoteCacheTotal.WithLabelValues("shared").Inc()
	} else {
		metrics.QuoteCacheTotal.WithLabelValues("miss").Inc()
	}
	if res.Err != nil {
		if ok && now.Sub(c.at) <= rc.Quote.StaleUsable {
			metrics.QuoteCacheTotal.WithLabelValues("stale").Inc()
			s.log.Warn("serving stale pricing", "fingerprint", fp, "age", now.Sub(c.at), "error", res.Err)
			return c.pricing, true, nil
		}
		return Pricing{}, false, res.Err
	}
	return res.Val.(Pricing), false, nil
}

// pricingTimeout bounds a shared pricing computation: the search budget
// plus room for the perp fallback and ticker calls.
func pricingTimeout(rc *config.RiskControls) time.Duration {
	t := rc.Search.Budget + 2*rc.Venues.QuoteTimeout
	if t <= 0 {
		return 10 * time.Second
	}
	return t
}

// price runs the search, falling back to a perpetual hedge when no option
// candidate gives full coverage, then composes the fee.
func (s *Service) price(ctx context.Context, rc *config.RiskControls, req Request, spot decimal.Decimal) (Pricing, error) {
	p := req.Position
	sreq := search.Request{
		Asset:        p.Asset,
		Spot:         spot,
		DrawdownPct:  req.DrawdownFloorPct,
		Side:         p.Side,
		RequiredSize: p.Size,
		TargetDays:   req.TenorDays,
	}
	cand, err := s.searcher.Search(ctx, sreq)
	if cand == nil || !cand.FullCoverage {
		perp, perr := s.searcher.PerpFallback(ctx, sreq)
		switch {
		case perr == nil && (cand == nil || perp.FullCoverage):
			cand, err = perp, nil
		case cand == nil && err == nil:
			err = perr
		}
	}
	if err != nil {
		return Pricing{}, err
	}
	if cand == nil {
		return Pricing{}, hedgeerr.New(hedgeerr.NoLiquidity, "no hedge available for "+p.Asset)
	}

	iv := s.impliedVol(ctx, rc, cand)
	breakdown, err := fee.Compose(rc, fee.Input{
		Tier:        req.Tier,
		Notional:    spot.Mul(p.Size),
		TenorDays:   req.TenorDays,
		IV:          iv,
		Leverage:    p.Leverage,
		Spot:        spot,
		DrawdownPct: req.DrawdownFloorPct,
		Size:        p.Size,
		OptionType:  model.OptionTypeFor(p.Side),
	})
	if err != nil {
		return Pricing{}, err
	}
	return Pricing{Spot: spot, IV: iv, Candidate: cand, Breakdown: breakdown, At: s.now()}, nil
}

// impliedVol is the mark IV of the candidate's first option leg, or the
// configured default.
func (s *Service) impliedVol(ctx context.Context, rc *config.RiskControls, cand *search.Candidate) decimal.Decimal {
	if cand.Perp || len(cand.Legs) == 0 {
		return rc.Fees.DefaultIV
	}
	t, err := s.market.Ticker(ctx, cand.Legs[0].Instrument)
	if err != nil || !t.MarkIV.IsPositive() {
		return rc.Fees.DefaultIV
	}
	return t.MarkIV
}

// decision runs the fee chain for one account against a pricing.
func (s *Service) decision(rc *config.RiskControls, req Request, pr Pricing) (fee.Outcome, risk.SubsidySnapshot) {
	snap := s.tracker.Snapshot(req.Tier, req.AccountID)
	c := pr.Candidate
	out := fee.Decide(rc, fee.DecisionInput{
		Breakdown:     pr.Breakdown,
		AllInPremium:  c.AllInPremium,
		Leverage:      req.Position.Leverage,
		IV:            pr.IV,
		SpreadPct:     c.SpreadPct,
		CoverageRatio: c.CoverageRatio,
		FullCoverage:  c.FullCoverage,
		Perp:          c.Perp,
		Subsidy:       snap,
	})
	metrics.QuotesTotal.WithLabelValues(string(fee.ViewOf(out).Status)).Inc()
	return out, snap
}

func (s *Service) decide(ctx context.Context, rc *config.RiskControls, fp string, req Request, pr Pricing, stale bool) (*Quote, error) {
	out, snap := s.decision(rc, req, pr)
	view := fee.ViewOf(out)

	ev := audit.New(audit.FeeDecision, map[string]any{
		"fingerprint": fp,
		"outcome":     view,
		"premium":     pr.Candidate.AllInPremium,
		"fee":         pr.Breakdown.Fee,
	})
	ev.AccountID, ev.Tier = req.AccountID, req.Tier
	s.sink.Emit(ctx, ev)

	if err := fee.Err(out); err != nil {
		return nil, err
	}

	scale := fee.HedgeScale(out)
	now := s.now()
	q := &Quote{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		Request:     req,
		Pricing:     pr,
		Outcome:     view,
		Fee:         out.Charged(),
		Premium:     pr.Candidate.AllInPremium.Mul(scale),
		Subsidy:     fee.SubsidyOf(out),
		HedgeSize:   pr.Candidate.AvailableSize.Mul(scale),
		Instruments: pr.Candidate.Instruments(),
		Stale:       stale,
		ExpiresAt:   now.Add(rc.Quote.LockTTL),
		scale:       scale,
		day:         snap.Day,
	}
	s.mu.Lock()
	s.locks[q.ID] = &Lock{Quote: q, Spot: pr.Spot, Expiry: q.ExpiresAt}
	s.mu.Unlock()

	qe := audit.New(audit.QuoteIssued, map[string]any{
		"quote_id":   q.ID,
		"fee":        q.Fee,
		"premium":    q.Premium,
		"hedge_size": q.HedgeSize,
		"status":     view.Status,
	})
	qe.AccountID, qe.Tier = req.AccountID, req.Tier
	s.sink.Emit(ctx, qe)

	s.log.Info("quote issued",
		"quote_id", q.ID,
		"account", req.AccountID,
		"tier", string(req.Tier),
		"asset", req.Position.Asset,
		"status", string(view.Status),
		"fee", q.Fee.String(),
		"premium", q.Premium.String(),
		"hedge_size", q.HedgeSize.String(),
		"stale", stale,
	)
	return q, nil
}

// take removes a lock so that it executes at most once.
func (s *Service) take(id string) (*Lock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if ok {
		delete(s.locks, id)
	}
	return l, ok
}

// Sweep drops expired locks and cached pricings older than StaleUsable.
func (s *Service) Sweep() {
	rc := s.controls.Get()
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, l := range s.locks {
		if now.After(l.Expiry) {
			delete(s.locks, id)
		}
	}
	for fp, c := range s.cache {
		if now.Sub(c.at) > rc.Quote.StaleUsable {
			delete(s.cache, fp)
		}
	}
}
