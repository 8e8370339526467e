// Package search assembles option hedges. Given a drawdown floor, tenor and
// size it walks an expiry/strike ladder and buys enough intrinsic value at
// the stress price to cover the required protection credit, within spread
// and slippage budgets.
//
// The floor price is spot×(1−dd) for puts (spot×(1+dd) for calls). A strike
// at the floor has zero intrinsic at the floor itself, so intrinsic is
// measured at the stress price, which sits StressBandPct beyond the floor:
// spot×(1−(dd+StressBandPct)). The required credit is the position size
// times the distance between floor and stress price.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/pricing"
	"github.com/atmx/hedge-engine/internal/venue"
)

// ErrInvalidRequest is returned for requests the engine cannot search.
var ErrInvalidRequest = errors.New("search: invalid request")

// Market is the slice of the venue aggregator the engine needs.
type Market interface {
	Instruments(ctx context.Context, asset string) ([]model.Instrument, error)
	Quote(ctx context.Context, instrument string, side model.OrderSide, size, spot decimal.Decimal) (venue.Aggregation, error)
}

// Request describes the protection to assemble.
type Request struct {
	Asset        string
	Spot         decimal.Decimal
	DrawdownPct  decimal.Decimal
	Side         model.PositionSide
	OptionType   model.OptionType // derived from Side when empty
	RequiredSize decimal.Decimal
	TargetDays   int
	// Budget overrides the configured wall-clock budget when positive.
	Budget time.Duration
}

// Leg is one bought (or, for a perp, sold) instrument of a candidate.
type Leg struct {
	Instrument   string          `json:"instrument"`
	Side         model.OrderSide `json:"side"`
	Strike       decimal.Decimal `json:"strike"`
	Size         decimal.Decimal `json:"size"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Premium      decimal.Decimal `json:"premium"`
	Credit       decimal.Decimal `json:"credit"`
	SpreadPct    decimal.Decimal `json:"spread_pct"`
	SlippagePct  decimal.Decimal `json:"slippage_pct"`
	Plan         []venue.PlanLeg `json:"plan"`
}

// Venue returns the venue carrying most of the leg's size.
func (l Leg) Venue() string {
	best := ""
	size := decimal.Zero
	for _, p := range l.Plan {
		if p.Size.GreaterThan(size) {
			best, size = p.Venue, p.Size
		}
	}
	return best
}

// Candidate is an assembled hedge.
type Candidate struct {
	ExpiryTag       string           `json:"expiry_tag"`
	Expiry          time.Time        `json:"expiry"`
	TargetDays      int              `json:"target_days"`
	FoundDays       int              `json:"found_days"`
	OptionType      model.OptionType `json:"option_type,omitempty"`
	Strike          decimal.Decimal  `json:"strike"`
	PremiumPerUnit  decimal.Decimal  `json:"premium_per_unit"`
	PremiumTotal    decimal.Decimal  `json:"premium_total"`
	AvailableSize   decimal.Decimal  `json:"available_size"`
	SpreadPct       decimal.Decimal  `json:"spread_pct"`
	RollMultiplier  int              `json:"roll_multiplier"`
	AllInPremium    decimal.Decimal  `json:"all_in_premium"`
	Legs            []Leg            `json:"legs"`
	// Credit is USD of intrinsic value at the stress price; for a perp
	// hedge it is contracts.
	RequiredCredit  decimal.Decimal  `json:"required_credit"`
	RemainingCredit decimal.Decimal  `json:"remaining_credit"`
	CoverageRatio   decimal.Decimal  `json:"coverage_ratio"`
	FullCoverage    bool             `json:"full_coverage"`
	LiquidityScore  decimal.Decimal  `json:"liquidity_score"`
	Override        bool             `json:"override"`
	Synthetic       bool             `json:"synthetic,omitempty"`
	Perp            bool             `json:"perp,omitempty"`
}

// Venue is the primary venue of the first leg.
func (c *Candidate) Venue() string {
	if len(c.Legs) == 0 {
		return ""
	}
	return c.Legs[0].Venue()
}

// Instruments lists the candidate's leg instruments.
func (c *Candidate) Instruments() []string {
	out := make([]string, 0, len(c.Legs))
	for _, l := range c.Legs {
		out = append(out, l.Instrument)
	}
	return out
}

// better reports whether c should replace best: full coverage first, then
// coverage ratio, then cheaper all-in premium.
func (c *Candidate) better(best *Candidate) bool {
	if best == nil {
		return true
	}
	if c.FullCoverage != best.FullCoverage {
		return c.FullCoverage
	}
	if cmp := c.CoverageRatio.Cmp(best.CoverageRatio); cmp != 0 {
		return cmp > 0
	}
	return c.AllInPremium.LessThan(best.AllInPremium)
}

// Engine runs the ladder search.
type Engine struct {
	market   Market
	controls *config.Holder
	now      func() time.Time
	logger   *slog.Logger
}

// NewEngine creates a search engine. A nil clock uses time.Now.
func NewEngine(market Market, controls *config.Holder, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		market:   market,
		controls: controls,
		now:      now,
		logger:   slog.Default().With("component", "search"),
	}
}

// rejections tallies why strikes were turned down, to pick the most
// specific reason when nothing is found.
type rejections struct {
	spread, slippage, size int
}

func (r rejections) err(asset string) error {
	switch {
	case r.spread > 0:
		return hedgeerr.New(hedgeerr.SpreadTooWide, "every candidate strike exceeded the spread budget for "+asset).
			WithSuggestions("retry with a longer tenor", "retry later when liquidity improves")
	case r.slippage > 0:
		return hedgeerr.New(hedgeerr.SlippageExceeded, "every candidate strike exceeded the slippage budget for "+asset).
			WithSuggestions("reduce position size", "retry later when liquidity improves")
	case r.size > 0:
		return hedgeerr.New(hedgeerr.SizeTooSmall, "available size below the minimum tradable size").
			WithSuggestions("increase position size")
	}
	return hedgeerr.New(hedgeerr.NoLiquidity, "no venue offered protective liquidity for "+asset).
		WithSuggestions("retry later", "widen the drawdown floor")
}

// search holds one request's derived state.
type search struct {
	req            Request
	cfg            config.SearchConfig
	floor, stress  decimal.Decimal
	requiredCredit decimal.Decimal
	groups         []*expiryGroup
	probes         map[string]probe
	rej            rejections
}

type probe struct {
	ok     bool
	spread decimal.Decimal
	depth  decimal.Decimal
}

// Search assembles the best available hedge. A candidate with
// FullCoverage=false is a best partial; callers decide whether to sell it.
func (e *Engine) Search(ctx context.Context, req Request) (*Candidate, error) {
	start := time.Now()
	cand, err := e.search(ctx, req)
	result := "full"
	switch {
	case err != nil:
		result = "none"
	case !cand.FullCoverage:
		result = "partial"
	}
	metrics.SearchDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return cand, err
}

func (e *Engine) search(ctx context.Context, req Request) (*Candidate, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	cfg := e.controls.Get().Search
	budget := cfg.Budget
	if req.Budget > 0 {
		budget = req.Budget
	}
	bctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	s := &search{
		req:    req,
		cfg:    cfg,
		floor:  pricing.FloorStrike(req.OptionType, req.Spot, req.DrawdownPct),
		stress: pricing.FloorStrike(req.OptionType, req.Spot, req.DrawdownPct.Add(cfg.StressBandPct)),
		probes: make(map[string]probe),
	}
	s.requiredCredit = req.RequiredSize.Mul(s.floor.Sub(s.stress).Abs())

	now := e.now()
	universe, err := e.market.Instruments(bctx, req.Asset)
	if err != nil {
		e.logger.Warn("instrument listing failed, using synthetic grid", "asset", req.Asset, "error", err)
		universe = nil
	}
	step, ok := cfg.StrikeStep[req.Asset]
	if !ok {
		step = defaultStep(req.Spot)
	}
	ladder := Ladder(req.TargetDays, cfg.PreferredMaxDays, cfg.FallbackMaxDays)
	s.groups = mapExpiries(ladder, universe, now, req.Asset, s.floor, step, cfg.SyntheticStrikes, cfg.FallbackMaxDays, req.OptionType)
	if len(s.groups) == 0 {
		return nil, hedgeerr.New(hedgeerr.NoExpiryFound,
			fmt.Sprintf("no %s expiry within %d days for %s", req.OptionType, cfg.FallbackMaxDays, req.Asset)).
			WithSuggestions("shorten the requested tenor")
	}
	for _, g := range s.groups {
		sortByDistance(g.instruments, s.floor, req.OptionType, req.Spot.Mul(cfg.WrongSidePenalty))
	}

	e.probeAll(bctx, s)

	var best *Candidate
	passes := []bool{false}
	if cfg.OverrideEnabled {
		passes = append(passes, true)
	}
	for _, override := range passes {
		cand := e.pass(bctx, s, override)
		if cand != nil && cand.better(best) {
			best = cand
		}
		if (best != nil && best.FullCoverage) || bctx.Err() != nil {
			break
		}
	}

	if bctx.Err() != nil && ctx.Err() == nil {
		e.logger.Info("search budget exhausted",
			"asset", req.Asset, "budget", budget, "have_candidate", best != nil)
	}
	if best == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.rej.err(req.Asset)
	}
	return best, nil
}

func validate(req *Request) error {
	switch {
	case req.Asset == "":
		return fmt.Errorf("%w: asset required", ErrInvalidRequest)
	case !req.Spot.IsPositive():
		return fmt.Errorf("%w: spot must be positive", ErrInvalidRequest)
	case !req.RequiredSize.IsPositive():
		return fmt.Errorf("%w: size must be positive", ErrInvalidRequest)
	case !req.DrawdownPct.IsPositive() || req.DrawdownPct.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: drawdown must be in (0, 1)", ErrInvalidRequest)
	case req.TargetDays < 1:
		return fmt.Errorf("%w: tenor must be at least one day", ErrInvalidRequest)
	}
	if req.OptionType == "" {
		req.OptionType = model.OptionTypeFor(req.Side)
	}
	return nil
}

// sortByDistance ranks strikes by |K−target|, adding penalty to strikes on
// the wrong side of the target.
func sortByDistance(insts []model.Instrument, target decimal.Decimal, optType model.OptionType, penalty decimal.Decimal) {
	dist := func(k decimal.Decimal) decimal.Decimal {
		d := k.Sub(target).Abs()
		wrong := (optType == model.Put && k.LessThan(target)) || (optType == model.Call && k.GreaterThan(target))
		if wrong {
			d = d.Add(penalty)
		}
		return d
	}
	sort.SliceStable(insts, func(i, j int) bool {
		return dist(insts[i].Strike).LessThan(dist(insts[j].Strike))
	})
}

// probeAll quotes the first ProbeCount ranked strikes of every expiry,
// a few at a time.
func (e *Engine) probeAll(ctx context.Context, s *search) {
	var jobs []string
	seen := make(map[string]bool)
	for _, g := range s.groups {
		for i := 0; i < len(g.instruments) && i < s.cfg.ProbeCount; i++ {
			name := g.instruments[i].Name
			if !seen[name] {
				seen[name] = true
				jobs = append(jobs, name)
			}
		}
	}

	results := make([]probe, len(jobs))
	var g errgroup.Group
	g.SetLimit(4)
	for i, name := range jobs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			agg, err := e.market.Quote(ctx, name, model.Buy, s.req.RequiredSize, s.req.Spot)
			if err != nil || agg.TotalDepth.IsZero() {
				return nil
			}
			results[i] = probe{ok: true, spread: agg.SpreadPct, depth: agg.TotalDepth}
			return nil
		})
	}
	_ = g.Wait()
	for i, name := range jobs {
		s.probes[name] = results[i]
	}
}

// LiquidityScore is 0.6×(1−min(spread/maxSpread,1)) + 0.4×min(depth/required,1).
func LiquidityScore(spread, depth, maxSpread, required decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	spreadTerm := decimal.Zero
	if maxSpread.IsPositive() {
		spreadTerm = one.Sub(decimal.Min(spread.Div(maxSpread), one))
	}
	depthTerm := one
	if required.IsPositive() {
		depthTerm = decimal.Min(depth.Div(required), one)
	}
	return decimal.RequireFromString("0.6").Mul(spreadTerm).
		Add(decimal.RequireFromString("0.4").Mul(depthTerm))
}

// scoreGroups averages probe scores per expiry under the pass's band.
func (s *search) scoreGroups(override bool) {
	for _, g := range s.groups {
		maxSpread := s.cfg.SpreadLimit(g.days, override)
		n := min(len(g.instruments), s.cfg.ProbeCount)
		if n == 0 {
			g.score = decimal.Zero
			continue
		}
		total := decimal.Zero
		for i := 0; i < n; i++ {
			if p := s.probes[g.instruments[i].Name]; p.ok {
				total = total.Add(LiquidityScore(p.spread, p.depth, maxSpread, s.req.RequiredSize))
			}
		}
		g.score = total.Div(decimal.NewFromInt(int64(n)))
	}
}

// order puts the top-scoring expiry first and the rest in ladder order.
// Expiries with no usable probe are dropped.
func (s *search) order() []*expiryGroup {
	var anchor *expiryGroup
	rest := make([]*expiryGroup, 0, len(s.groups))
	for _, g := range s.groups {
		if !g.score.IsPositive() {
			continue
		}
		rest = append(rest, g)
		if anchor == nil || g.score.GreaterThan(anchor.score) ||
			(g.score.Equal(anchor.score) && g.rank < anchor.rank) {
			anchor = g
		}
	}
	if anchor == nil {
		return nil
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].rank < rest[j].rank })
	out := []*expiryGroup{anchor}
	for _, g := range rest {
		if g != anchor {
			out = append(out, g)
		}
	}
	return out
}

// pass walks every usable expiry under one liquidity band and returns the
// first full candidate, or the best partial.
func (e *Engine) pass(ctx context.Context, s *search, override bool) *Candidate {
	s.scoreGroups(override)
	var best *Candidate
	for _, g := range s.order() {
		if ctx.Err() != nil {
			break
		}
		cand := e.assemble(ctx, s, g, override)
		if cand == nil {
			continue
		}
		if cand.better(best) {
			best = cand
		}
		if best.FullCoverage {
			break
		}
	}
	return best
}

// assemble walks ranked strikes of one expiry, adding legs until the
// required credit is covered or strikes run out.
func (e *Engine) assemble(ctx context.Context, s *search, g *expiryGroup, override bool) *Candidate {
	cfg := s.cfg
	maxSpread := cfg.SpreadLimit(g.days, override)
	maxSlip := cfg.SlippageLimit(override)
	remaining := s.requiredCredit

	var legs []Leg
	premium, size, spread := decimal.Zero, decimal.Zero, decimal.Zero
	for i, inst := range g.instruments {
		if i >= cfg.MaxStrikes || len(legs) >= cfg.MaxLegs || !remaining.IsPositive() || ctx.Err() != nil {
			break
		}
		intrinsic := pricing.Intrinsic(s.req.OptionType, inst.Strike, s.stress)
		if !intrinsic.IsPositive() {
			continue
		}
		want := roundUp(decimal.Max(remaining.Div(intrinsic), cfg.MinTradableSize), cfg.SizeStep)

		agg, err := e.market.Quote(ctx, inst.Name, model.Buy, want, s.req.Spot)
		if err != nil || agg.Empty() {
			continue
		}
		if agg.SpreadPct.GreaterThan(maxSpread) {
			s.rej.spread++
			continue
		}
		if agg.SlippagePct.GreaterThan(maxSlip) {
			s.rej.slippage++
			continue
		}
		if agg.FilledSize.LessThan(cfg.MinTradableSize) {
			s.rej.size++
			continue
		}

		credit := agg.FilledSize.Mul(intrinsic)
		legs = append(legs, Leg{
			Instrument:   inst.Name,
			Side:         model.Buy,
			Strike:       inst.Strike,
			Size:         agg.FilledSize,
			PricePerUnit: agg.AvgPrice,
			Premium:      agg.Cost,
			Credit:       credit,
			SpreadPct:    agg.SpreadPct,
			SlippagePct:  agg.SlippagePct,
			Plan:         agg.Legs,
		})
		premium = premium.Add(agg.Cost)
		size = size.Add(agg.FilledSize)
		spread = decimal.Max(spread, agg.SpreadPct)
		remaining = remaining.Sub(credit)
	}
	if len(legs) == 0 {
		return nil
	}

	roll := RollMultiplier(s.req.TargetDays, g.days)
	covered := s.requiredCredit.Sub(decimal.Max(remaining, decimal.Zero))
	ratio := decimal.NewFromInt(1)
	if s.requiredCredit.IsPositive() {
		ratio = decimal.Min(covered.Div(s.requiredCredit), ratio)
	}
	return &Candidate{
		ExpiryTag:       g.tag,
		Expiry:          g.expiry,
		TargetDays:      s.req.TargetDays,
		FoundDays:       g.days,
		OptionType:      s.req.OptionType,
		Strike:          legs[0].Strike,
		PremiumPerUnit:  premium.Div(size),
		PremiumTotal:    premium,
		AvailableSize:   size,
		SpreadPct:       spread,
		RollMultiplier:  roll,
		AllInPremium:    premium.Mul(decimal.NewFromInt(int64(roll))),
		Legs:            legs,
		RequiredCredit:  s.requiredCredit,
		RemainingCredit: remaining,
		CoverageRatio:   ratio,
		FullCoverage:    !remaining.IsPositive(),
		LiquidityScore:  g.score,
		Override:        override,
		Synthetic:       g.synthetic,
	}
}

// roundUp rounds x up to a multiple of step. A non-positive step leaves x.
func roundUp(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	return x.Div(step).Ceil().Mul(step)
}
