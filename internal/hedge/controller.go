package hedge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/contract"
	"github.com/atmx/hedge-engine/internal/fee"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/search"
	"github.com/atmx/hedge-engine/internal/venue"
)

// Market is the slice of the venue aggregator the controller needs.
type Market interface {
	IndexPrice(ctx context.Context, asset string) (decimal.Decimal, error)
	Ticker(ctx context.Context, instrument string) (model.Ticker, error)
	Quote(ctx context.Context, instrument string, side model.OrderSide, size, spot decimal.Decimal) (venue.Aggregation, error)
	Execute(ctx context.Context, instrument string, side model.OrderSide, plan []venue.PlanLeg, label string) ([]venue.Fill, error)
}

// Searcher assembles hedges.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Candidate, error)
	PerpFallback(ctx context.Context, req search.Request) (*search.Candidate, error)
}

// Renewer re-prices and extends a coverage.
type Renewer interface {
	Renew(ctx context.Context, cov model.Coverage, pos model.Position) (model.Coverage, fee.Outcome, error)
}

// Deps wires a Controller.
type Deps struct {
	Controls  *config.Holder
	Market    Market
	Searcher  Searcher
	Ledger    *ledger.Ledger
	Positions *ledger.PositionBook
	Renewer   Renewer
	Cooldowns risk.Cooldowns
	Tracker   *risk.Tracker
	Sink      audit.Sink
	Now       func() time.Time
	Logger    *slog.Logger
}

// Controller runs the rolling hedge and net-exposure passes.
type Controller struct {
	controls  *config.Holder
	market    Market
	searcher  Searcher
	ledger    *ledger.Ledger
	positions *ledger.PositionBook
	renewer   Renewer
	cooldowns risk.Cooldowns
	tracker   *risk.Tracker
	sink      audit.Sink
	now       func() time.Time
	log       *slog.Logger
}

// NewController creates a controller.
func NewController(d Deps) *Controller {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sink == nil {
		d.Sink = audit.Discard{}
	}
	if d.Cooldowns == nil {
		d.Cooldowns = risk.NewMemoryCooldowns(d.Now)
	}
	if d.Positions == nil {
		d.Positions = ledger.NewPositionBook()
	}
	return &Controller{
		controls:  d.Controls,
		market:    d.Market,
		searcher:  d.Searcher,
		ledger:    d.Ledger,
		positions: d.Positions,
		renewer:   d.Renewer,
		cooldowns: d.Cooldowns,
		tracker:   d.Tracker,
		sink:      d.Sink,
		now:       d.Now,
		log:       d.Logger.With("component", "hedge"),
	}
}

// Report summarizes one tick.
type Report struct {
	Expired   []string       `json:"expired"`
	Evaluated int            `json:"evaluated"`
	Actions   map[string]int `json:"actions"`
}

func (r *Report) count(action string) {
	r.Actions[action]++
	metrics.HedgeActionsTotal.WithLabelValues(action).Inc()
}

// Tick expires due coverages, then marks each active coverage to market
// and acts on its decision. One coverage's failure does not stop the
// others; failures are joined into the returned error.
func (c *Controller) Tick(ctx context.Context) (Report, error) {
	rc := c.controls.Get()
	now := c.now()
	rep := Report{Actions: make(map[string]int)}
	var errs []error

	expired, err := c.ledger.ExpireDue(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	spots := make(map[string]decimal.Decimal)
	for _, cov := range expired {
		rep.Expired = append(rep.Expired, cov.ID)
		if c.tracker != nil {
			c.tracker.ReleaseNotional(cov.Asset, cov.ProtectedNotional)
		}
		c.sink.Emit(ctx, audit.New(audit.CoverageExpired, nil).ForCoverage(cov))
		c.log.Info("coverage expired", "coverage_id", cov.ID, "account", cov.AccountID)
	}

	active := c.ledger.Active()
	metrics.ActiveCoverages.Set(float64(len(active)))
	for _, cov := range active {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := c.tickCoverage(ctx, rc, now, cov, spots, &rep); err != nil {
			errs = append(errs, fmt.Errorf("coverage %s: %w", cov.ID, err))
		}
	}
	metrics.RealizedPnL.Set(floatOf(c.ledger.Hedges().RealizedPnL))
	return rep, errors.Join(errs...)
}

func (c *Controller) spot(ctx context.Context, cache map[string]decimal.Decimal, asset string) (decimal.Decimal, error) {
	if s, ok := cache[asset]; ok {
		return s, nil
	}
	s, err := c.market.IndexPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	cache[asset] = s
	return s, nil
}

func (c *Controller) tickCoverage(ctx context.Context, rc *config.RiskControls, now time.Time, cov model.Coverage, spots map[string]decimal.Decimal, rep *Report) error {
	pos, ok := c.positions.Find(cov.AccountID, cov.Asset, cov.PositionSide)
	if !ok {
		rep.count("no_position")
		return nil
	}
	spot, err := c.spot(ctx, spots, cov.Asset)
	if err != nil {
		return err
	}
	v := ledger.MarkToMarket(cov, pos, c.marks(ctx, cov), spot)
	rep.Evaluated++

	if v.DemoCredit.IsPositive() {
		booked, err := c.ledger.BookCredit(ctx, cov.ID, v.DemoCredit)
		if err != nil {
			return err
		}
		cov = booked
		c.sink.Emit(ctx, audit.New(audit.DemoCreditBooked, v).ForCoverage(cov))
		v = ledger.MarkToMarket(cov, pos, c.marks(ctx, cov), spot)
	} else {
		c.sink.Emit(ctx, audit.New(audit.MTMUpdated, v).ForCoverage(cov))
	}

	r := rc.Rolling
	dec := Evaluate(Input{
		BufferPct:     v.BufferPct,
		TargetPct:     r.TargetBufferPct,
		HysteresisPct: r.HysteresisPct,
		Now:           now,
		Expiry:        cov.Expiry,
		RenewWindow:   r.RenewWindow,
		AutoRenew:     cov.AutoRenew,
	})

	if dec.Renew {
		// A renewal buys a fresh hedge; the buffer is re-evaluated next tick.
		renewed, err := c.renew(ctx, rc, cov, pos, rep)
		if err != nil || renewed {
			return err
		}
	}
	switch dec.Action {
	case Increase:
		return c.increase(ctx, rc, cov, pos, v, spot, rep)
	case Decrease:
		return c.decrease(ctx, rc, cov, v, spot, rep)
	default:
		rep.count(string(Hold))
		return nil
	}
}

// marks prices each leg in USD per unit. A perpetual leg is marked by its
// P&L against the ledger's average cost.
func (c *Controller) marks(ctx context.Context, cov model.Coverage) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(cov.Legs))
	for _, leg := range cov.Legs {
		t, err := c.market.Ticker(ctx, leg.Instrument)
		if err != nil || t.MarkPrice.IsZero() {
			continue
		}
		mark := t.MarkPrice
		if isPerp(leg.Instrument) {
			if e, ok := c.ledger.Entry(leg.Instrument); ok && !e.Size.IsZero() {
				mark = mark.Sub(e.AvgCostUsd)
			} else {
				mark = decimal.Zero
			}
		}
		out[leg.Instrument] = mark
	}
	return out
}

func isPerp(instrument string) bool {
	inst, err := contract.Parse(instrument)
	return err == nil && inst.Kind == model.KindPerpetual
}

// renew reports whether the coverage was renewed.
func (c *Controller) renew(ctx context.Context, rc *config.RiskControls, cov model.Coverage, pos model.Position, rep *Report) (bool, error) {
	if c.renewer == nil {
		return false, nil
	}
	ok, err := c.cooldowns.Acquire(ctx, "renew:"+cov.ID, rc.Rolling.Cooldown)
	if err != nil || !ok {
		rep.count("renew_cooldown")
		return false, err
	}
	renewed, out, err := c.renewer.Renew(ctx, cov, pos)
	if err != nil {
		rep.count("renew_failed")
		c.log.Warn("renewal failed", "coverage_id", cov.ID, "error", err)
		return false, err
	}
	rep.count("renew")
	c.log.Info("coverage renewed", "coverage_id", renewed.ID, "status", string(fee.ViewOf(out).Status), "expiry", renewed.Expiry)
	return true, nil
}

// primaryLeg is the coverage's largest leg.
func primaryLeg(cov model.Coverage) (model.CoverageLeg, bool) {
	var best model.CoverageLeg
	found := false
	for _, l := range cov.Legs {
		if !found || l.Size.Abs().GreaterThan(best.Size.Abs()) {
			best, found = l, true
		}
	}
	return best, found
}

// unitValue is the buffer one unit of the instrument adds: its mark for an
// option, the move to the floor for a perpetual.
func (c *Controller) unitValue(ctx context.Context, instrument string, cov model.Coverage, spot decimal.Decimal) decimal.Decimal {
	if isPerp(instrument) {
		return spot.Mul(cov.DrawdownFloorPct)
	}
	t, err := c.market.Ticker(ctx, instrument)
	if err != nil {
		return decimal.Zero
	}
	return t.MarkPrice
}

func (c *Controller) increase(ctx context.Context, rc *config.RiskControls, cov model.Coverage, pos model.Position, v ledger.Valuation, spot decimal.Decimal, rep *Report) error {
	r := rc.Rolling
	need := r.TargetBufferPct.Mul(v.Margin).Sub(v.Buffer)
	if !need.IsPositive() {
		rep.count(string(Hold))
		return nil
	}

	// Sticky mode without re-search keeps buying the current leg.
	leg, ok := primaryLeg(cov)
	instrument, strike := leg.Instrument, leg.Strike
	unit := decimal.Zero
	if ok {
		unit = c.unitValue(ctx, instrument, cov, spot)
	}
	size := decimal.Zero
	if unit.IsPositive() {
		size = need.Div(unit)
	}

	if r.ResearchOnIncrease || !ok || !unit.IsPositive() {
		if cand := c.research(ctx, cov, pos, spot); cand != nil && len(cand.Legs) > 0 {
			candLeg := cand.Legs[0]
			if !ok || !unit.IsPositive() || r.SelectionMode == "live" || withinTolerance(candLeg.Size, leg.Size.Abs(), r.SizeTolerancePct) {
				instrument, strike = candLeg.Instrument, candLeg.Strike
				size = decimal.Zero
				if u := c.unitValue(ctx, instrument, cov, spot); u.IsPositive() {
					size = need.Div(u)
				}
			}
		}
	}
	if instrument == "" || !size.IsPositive() {
		rep.count("no_instrument")
		return nil
	}
	if size.Mul(spot).LessThan(r.MinNotionalUsd) {
		rep.count("below_min_notional")
		return nil
	}
	if ok, err := c.cooldowns.Acquire(ctx, "hedge:"+cov.ID, r.Cooldown); err != nil || !ok {
		rep.count("cooldown")
		return err
	}

	side := model.Buy
	if isPerp(instrument) && cov.PositionSide == model.SideLong {
		side = model.Sell
	}
	if err := c.trade(ctx, cov, instrument, strike, side, size, spot, Increase); err != nil {
		return err
	}
	rep.count(string(Increase))
	return nil
}

// research runs the ladder search for the position's full protection over
// the remaining tenor, so the candidate is comparable to the current hedge.
func (c *Controller) research(ctx context.Context, cov model.Coverage, pos model.Position, spot decimal.Decimal) *search.Candidate {
	days := int(cov.Expiry.Sub(c.now()).Hours()/24 + 0.5)
	if days < 1 {
		days = 1
	}
	cand, err := c.searcher.Search(ctx, search.Request{
		Asset:        cov.Asset,
		Spot:         spot,
		DrawdownPct:  cov.DrawdownFloorPct,
		Side:         cov.PositionSide,
		RequiredSize: pos.Size,
		TargetDays:   days,
	})
	if err != nil {
		c.log.Debug("re-search found nothing", "coverage_id", cov.ID, "error", err)
		return nil
	}
	return cand
}

// withinTolerance reports whether candidate differs from current by
// strictly less than tol, relative to current.
func withinTolerance(candidate, current, tol decimal.Decimal) bool {
	if !current.IsPositive() {
		return false
	}
	return candidate.Sub(current).Abs().Div(current).LessThan(tol)
}

func (c *Controller) decrease(ctx context.Context, rc *config.RiskControls, cov model.Coverage, v ledger.Valuation, spot decimal.Decimal, rep *Report) error {
	r := rc.Rolling
	excess := v.Buffer.Sub(r.TargetBufferPct.Mul(v.Margin))
	leg, ok := primaryLeg(cov)
	if !excess.IsPositive() || !ok {
		rep.count(string(Hold))
		return nil
	}
	unit := c.unitValue(ctx, leg.Instrument, cov, spot)
	if !unit.IsPositive() {
		rep.count("unpriced")
		return nil
	}

	// Never sell more than the coverage holds or the house inventory has.
	size := decimal.Min(excess.Div(unit), leg.Size.Abs())
	if e, ok := c.ledger.Entry(leg.Instrument); ok {
		size = decimal.Min(size, e.Size.Abs())
	} else {
		size = decimal.Zero
	}
	if !size.IsPositive() {
		rep.count("nothing_held")
		return nil
	}
	if size.Mul(spot).LessThan(r.MinNotionalUsd) {
		rep.count("below_min_notional")
		return nil
	}
	if ok, err := c.cooldowns.Acquire(ctx, "hedge:"+cov.ID, r.Cooldown); err != nil || !ok {
		rep.count("cooldown")
		return err
	}

	side := model.Sell
	if leg.Size.IsNegative() {
		side = model.Buy
	}
	if err := c.trade(ctx, cov, leg.Instrument, leg.Strike, side, size, spot, Decrease); err != nil {
		return err
	}
	rep.count(string(Decrease))
	return nil
}

// trade quotes, executes, and books one controller order.
func (c *Controller) trade(ctx context.Context, cov model.Coverage, instrument string, strike decimal.Decimal, side model.OrderSide, size, spot decimal.Decimal, action Action) error {
	agg, err := c.market.Quote(ctx, instrument, side, size, spot)
	if err != nil {
		return err
	}
	fills, execErr := c.market.Execute(ctx, instrument, side, agg.Legs, cov.ID)
	var optType model.OptionType
	if !isPerp(instrument) {
		optType = cov.OptionType
	}
	var errs []error
	if execErr != nil {
		errs = append(errs, execErr)
	}
	for _, f := range fills {
		signed := f.Size
		if side == model.Sell {
			signed = signed.Neg()
		}
		_, realized, applied, err := c.ledger.Book(ctx, cov.ID, model.CoverageLeg{
			Instrument: instrument,
			Size:       signed,
			Venue:      f.Venue,
			Strike:     strike,
			OptionType: optType,
		}, f.ID, f.Price)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !applied {
			continue
		}
		c.sink.Emit(ctx, audit.New(audit.HedgeAction, map[string]any{
			"action":       action,
			"instrument":   instrument,
			"side":         side,
			"fill":         f,
			"realized_pnl": realized,
		}).ForCoverage(cov))
		c.log.Info("hedge adjusted",
			"coverage_id", cov.ID,
			"action", string(action),
			"instrument", instrument,
			"side", string(side),
			"size", f.Size.String(),
			"price", f.Price.String(),
			"realized_pnl", realized.String(),
		)
	}
	return errors.Join(errs...)
}

// Run ticks the rolling controller and the net-exposure pass on their
// configured intervals until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	rc := c.controls.Get()
	roll := time.NewTicker(rc.Rolling.Interval)
	defer roll.Stop()

	var netC <-chan time.Time
	if rc.NetExposure.Enabled && rc.NetExposure.Interval > 0 {
		net := time.NewTicker(rc.NetExposure.Interval)
		defer net.Stop()
		netC = net.C
	}

	c.log.Info("controller started", "interval", rc.Rolling.Interval, "net_interval", rc.NetExposure.Interval)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("controller stopped")
			return
		case <-roll.C:
			rep, err := c.Tick(ctx)
			if err != nil {
				c.log.Error("tick failed", "error", err)
			}
			c.log.Debug("tick", "evaluated", rep.Evaluated, "expired", len(rep.Expired), "actions", rep.Actions)
		case <-netC:
			if _, err := c.NetExposurePass(ctx); err != nil {
				c.log.Error("net exposure pass failed", "error", err)
			}
		}
	}
}

func floatOf(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
