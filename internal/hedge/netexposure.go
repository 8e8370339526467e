package hedge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/search"
)

// NetAction reports what the pass did for one asset.
type NetAction struct {
	Asset      string          `json:"asset"`
	Net        decimal.Decimal `json:"net_notional"`
	Residual   decimal.Decimal `json:"residual_notional"`
	Target     decimal.Decimal `json:"target_notional"`
	Instrument string          `json:"instrument,omitempty"`
	Filled     decimal.Decimal `json:"filled_size"`
	Skipped    string          `json:"skipped,omitempty"`
}

// NetExposurePass hedges the residual exposure of all positions per asset.
//
// Residual is |net notional| minus what coverages already protect and what
// earlier passes hedged. The loss the house tolerates at the configured
// drawdown is the risk budget, so the target is residual − budget/drawdown.
func (c *Controller) NetExposurePass(ctx context.Context) ([]NetAction, error) {
	rc := c.controls.Get()
	cfg := rc.NetExposure
	if !cfg.Enabled || !cfg.DrawdownPct.IsPositive() {
		return nil, nil
	}

	assets := c.positions.Assets()
	sort.Strings(assets)
	spots := make(map[string]decimal.Decimal, len(assets))
	var errs []error
	for _, a := range assets {
		s, err := c.market.IndexPrice(ctx, a)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s index: %w", a, err))
			continue
		}
		spots[a] = s
	}

	net := c.positions.NetNotional(spots)
	var protected map[string]decimal.Decimal
	if c.tracker != nil {
		protected = c.tracker.ProtectedNotional()
	}
	allowance := cfg.RiskBudgetUsd.Div(cfg.DrawdownPct)

	var out []NetAction
	for _, asset := range assets {
		spot, ok := spots[asset]
		if !ok {
			continue
		}
		act := NetAction{Asset: asset, Net: net[asset]}
		act.Residual = act.Net.Abs().Sub(protected[asset]).Sub(c.ledger.NetHedged(asset, c.now()))
		act.Target = decimal.Max(act.Residual.Sub(allowance), decimal.Zero)

		switch {
		case act.Net.IsZero():
			act.Skipped = "flat"
		case act.Target.LessThan(cfg.MinNotional) || act.Target.IsZero():
			act.Skipped = "within_budget"
		default:
			if err := c.hedgeNet(ctx, cfg, &act, spot); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", asset, err))
			}
		}
		out = append(out, act)
	}
	return out, errors.Join(errs...)
}

func (c *Controller) hedgeNet(ctx context.Context, cfg config.NetExposureConfig, act *NetAction, spot decimal.Decimal) error {
	ok, err := c.cooldowns.Acquire(ctx, "net:"+act.Asset, cfg.Cooldown)
	if err != nil {
		return err
	}
	if !ok {
		act.Skipped = "cooldown"
		return nil
	}

	side := model.SideLong
	if act.Net.IsNegative() {
		side = model.SideShort
	}
	req := search.Request{
		Asset:        act.Asset,
		Spot:         spot,
		DrawdownPct:  cfg.DrawdownPct,
		Side:         side,
		RequiredSize: act.Target.Div(spot),
		TargetDays:   cfg.TenorDays,
		Budget:       cfg.TimeBudget,
	}

	var cand *search.Candidate
	if cfg.PreferOptions {
		sctx := ctx
		if cfg.TimeBudget > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, cfg.TimeBudget)
			defer cancel()
		}
		opt, err := c.searcher.Search(sctx, req)
		switch {
		case err != nil:
			c.log.Debug("net exposure search failed", "asset", act.Asset, "error", err)
		case !netGuard(cfg, opt, act.Target):
			c.log.Info("net exposure option rejected by guard",
				"asset", act.Asset,
				"premium", opt.AllInPremium.String(),
				"spread_pct", opt.SpreadPct.String(),
			)
		default:
			cand = opt
		}
	}
	if cand == nil {
		perp, err := c.searcher.PerpFallback(ctx, req)
		if err != nil {
			act.Skipped = "no_hedge"
			return err
		}
		cand = perp
	}

	var errs []error
	for _, leg := range cand.Legs {
		act.Instrument = leg.Instrument
		fills, err := c.market.Execute(ctx, leg.Instrument, leg.Side, leg.Plan, "net:"+act.Asset)
		if err != nil {
			errs = append(errs, err)
		}
		for _, f := range fills {
			signed := f.Size
			if leg.Side == model.Sell {
				signed = signed.Neg()
			}
			lot := model.NetLot{
				ID:         f.ID,
				Asset:      act.Asset,
				Instrument: leg.Instrument,
				Notional:   f.Size.Mul(spot),
				CreatedAt:  c.now(),
			}
			if !cand.Perp {
				lot.Expiry = cand.Expiry
			}
			if _, _, err := c.ledger.BookNet(ctx, lot, signed, f.Price); err != nil {
				errs = append(errs, err)
				continue
			}
			act.Filled = act.Filled.Add(f.Size)
		}
	}

	c.sink.Emit(ctx, audit.New(audit.NetExposureHedge, act))
	c.log.Info("net exposure hedged",
		"asset", act.Asset,
		"net", act.Net.String(),
		"target", act.Target.String(),
		"instrument", act.Instrument,
		"filled", act.Filled.String(),
	)
	return errors.Join(errs...)
}

// netGuard rejects an option hedge that is too expensive or too wide.
func netGuard(cfg config.NetExposureConfig, cand *search.Candidate, target decimal.Decimal) bool {
	if cand == nil || len(cand.Legs) == 0 {
		return false
	}
	if cfg.MaxSpreadPct.IsPositive() && cand.SpreadPct.GreaterThan(cfg.MaxSpreadPct) {
		return false
	}
	if cfg.MaxPremiumPct.IsPositive() && cand.AllInPremium.GreaterThan(target.Mul(cfg.MaxPremiumPct)) {
		return false
	}
	return true
}
