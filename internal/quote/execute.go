package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/audit"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/fee"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/search"
	"github.com/atmx/hedge-engine/internal/venue"
)

// Execution is the result of executing a quote.
type Execution struct {
	Coverage      model.Coverage  `json:"coverage"`
	Fills         []venue.Fill    `json:"fills"`
	RequestedSize decimal.Decimal `json:"requested_size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	Outcome       fee.View        `json:"outcome"`
	// Warnings lists orders or bookings that failed after the first fill.
	Warnings []string `json:"warnings,omitempty"`
}

// legFill is one venue fill of one candidate leg.
type legFill struct {
	leg  search.Leg
	fill venue.Fill
}

// Execute activates the coverage of a locked quote and places its orders.
// A lock executes at most once: it is consumed before any order is sent,
// whatever the outcome. The coverage is recorded before the first order so
// every fill has a coverage to book into; it is cancelled if nothing fills.
func (s *Service) Execute(ctx context.Context, quoteID, accountID string) (*Execution, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	lock, ok := s.take(quoteID)
	if !ok {
		return nil, hedgeerr.New(hedgeerr.QuoteExpired, "unknown or already executed quote").
			WithSuggestions("request a new quote")
	}
	q := lock.Quote
	req := q.Request
	if accountID != "" && accountID != req.AccountID {
		return nil, hedgeerr.New(hedgeerr.InvalidPosition, "quote belongs to another account")
	}
	now := s.now()
	if now.After(lock.Expiry) {
		return nil, hedgeerr.New(hedgeerr.QuoteExpired, fmt.Sprintf("quote expired at %s", lock.Expiry.Format(time.RFC3339))).
			WithSuggestions("request a new quote")
	}

	rc := s.controls.Get()
	spot, err := s.market.IndexPrice(ctx, req.Position.Asset)
	if err != nil {
		return nil, fmt.Errorf("quote: index price: %w", err)
	}
	if drift := spot.Sub(lock.Spot).Abs().Div(lock.Spot); drift.GreaterThan(rc.Quote.DriftTolerancePct) {
		return nil, hedgeerr.New(hedgeerr.QuoteDrift,
			fmt.Sprintf("spot moved %s%% since quote", drift.Mul(decimal.NewFromInt(100)).StringFixed(2))).
			WithSuggestions("request a new quote")
	}

	notional := spot.Mul(req.Position.Size).Mul(q.scale)
	if err := s.checkLimits(rc, req.Position.Asset, notional); err != nil {
		return nil, err
	}

	tc, _ := rc.Tier(req.Tier)
	if err := s.tracker.CommitSubsidy(req.Tier, req.AccountID, q.Subsidy, fee.SubsidyCaps(rc, tc, q.Pricing.IV)); err != nil {
		return nil, err
	}

	cand := q.Pricing.Candidate
	cov, err := s.ledger.Activate(ctx, model.Coverage{
		ID:                uuid.NewString(),
		AccountID:         req.AccountID,
		Asset:             req.Position.Asset,
		PositionSide:      req.Position.Side,
		Tier:              req.Tier,
		DrawdownFloorPct:  req.DrawdownFloorPct,
		TenorDays:         req.TenorDays,
		Expiry:            now.Add(time.Duration(req.TenorDays) * 24 * time.Hour),
		AutoRenew:         req.AutoRenew,
		Venue:             cand.Venue(),
		OptionType:        model.OptionTypeFor(req.Position.Side),
		Strike:            cand.Strike,
		Fee:               q.Fee,
		Premium:           q.Premium,
		Subsidy:           q.Subsidy,
		ProtectedNotional: notional,
		Demo:              s.demo,
		CreatedAt:         now,
	})
	if err != nil {
		s.tracker.RefundSubsidy(req.Tier, req.AccountID, q.day, q.Subsidy)
		return nil, fmt.Errorf("quote: activate coverage: %w", err)
	}

	fills, orderErr := s.placeOrders(ctx, cand, q.scale, cov.ID)
	if len(fills) == 0 {
		s.tracker.RefundSubsidy(req.Tier, req.AccountID, q.day, q.Subsidy)
		if _, err := s.ledger.Cancel(ctx, cov.ID); err != nil {
			s.log.Error("cancel unfilled coverage", "coverage_id", cov.ID, "error", err)
		}
		s.log.Error("execution filled nothing", "quote_id", q.ID, "error", orderErr)
		return nil, hedgeerr.New(hedgeerr.NoLiquidity, "no hedge order filled").
			WithSuggestions("request a new quote", "retry later")
	}

	exec := &Execution{RequestedSize: q.HedgeSize, Outcome: q.Outcome}
	if orderErr != nil {
		exec.Warnings = append(exec.Warnings, orderErr.Error())
	}
	cov, warnings := s.book(ctx, cov, fills)
	exec.Warnings = append(exec.Warnings, warnings...)
	exec.Coverage = cov
	for _, lf := range fills {
		exec.Fills = append(exec.Fills, lf.fill)
		exec.FilledSize = exec.FilledSize.Add(lf.fill.Size)
	}

	s.tracker.RecordSale(req.Tier, req.Position.Asset, q.Fee, q.Premium, notional)
	if f, _ := q.Subsidy.Float64(); f > 0 {
		metrics.SubsidyGranted.WithLabelValues(string(req.Tier)).Add(f)
	}
	metrics.ActiveCoverages.Set(float64(len(s.ledger.Active())))
	if _, ok := s.positions.Find(req.AccountID, req.Position.Asset, req.Position.Side); !ok {
		s.positions.Replace(req.AccountID, append(s.positions.Account(req.AccountID), req.Position))
	}

	s.sink.Emit(ctx, audit.New(audit.CoverageActivated, map[string]any{
		"quote_id":    q.ID,
		"outcome":     q.Outcome,
		"filled_size": exec.FilledSize,
		"hedge_size":  q.HedgeSize,
	}).ForCoverage(cov))

	s.log.Info("coverage activated",
		"coverage_id", cov.ID,
		"quote_id", q.ID,
		"account", cov.AccountID,
		"asset", cov.Asset,
		"fee", cov.Fee.String(),
		"premium", cov.Premium.String(),
		"subsidy", cov.Subsidy.String(),
		"filled", exec.FilledSize.String(),
		"requested", q.HedgeSize.String(),
	)
	return exec, nil
}

func (s *Service) checkLimits(rc *config.RiskControls, asset string, notional decimal.Decimal) error {
	if err := s.limiter.CheckLimit(asset, notional, s.tracker.ProtectedNotional()); err != nil {
		return hedgeerr.New(hedgeerr.InvalidPosition, err.Error()).
			WithSuggestions("reduce position size")
	}
	if limit := rc.Limits.MaxDailyNotional; limit.IsPositive() && s.tracker.DailyNotional().Add(notional).GreaterThan(limit) {
		return hedgeerr.New(hedgeerr.InvalidPosition, "daily protected notional limit reached").
			WithSuggestions("retry after the UTC day rolls over")
	}
	return nil
}

// placeOrders executes every leg of a candidate at scale. Orders are not
// retried; whatever filled is returned alongside the joined errors.
func (s *Service) placeOrders(ctx context.Context, cand *search.Candidate, scale decimal.Decimal, label string) ([]legFill, error) {
	var (
		out  []legFill
		errs []error
	)
	for _, leg := range cand.Legs {
		plan := scalePlan(leg.Plan, scale)
		if len(plan) == 0 {
			continue
		}
		fills, err := s.market.Execute(ctx, leg.Instrument, leg.Side, plan, label)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", leg.Instrument, err))
		}
		for _, f := range fills {
			out = append(out, legFill{leg: leg, fill: f})
		}
	}
	return out, errors.Join(errs...)
}

func scalePlan(plan []venue.PlanLeg, scale decimal.Decimal) []venue.PlanLeg {
	out := make([]venue.PlanLeg, 0, len(plan))
	for _, p := range plan {
		p.Size = p.Size.Mul(scale)
		if p.Size.IsPositive() {
			out = append(out, p)
		}
	}
	return out
}

// book applies fills to the hedge inventory and merges them into the
// coverage's legs. Failures are logged and returned as warnings: the
// orders are already on the venue.
func (s *Service) book(ctx context.Context, cov model.Coverage, fills []legFill) (model.Coverage, []string) {
	var warnings []string
	for _, lf := range fills {
		size := lf.fill.Size
		if lf.leg.Side == model.Sell {
			size = size.Neg()
		}
		var optType model.OptionType
		if !lf.leg.Strike.IsZero() {
			optType = cov.OptionType
		}
		next, realized, applied, err := s.ledger.Book(ctx, cov.ID, model.CoverageLeg{
			Instrument: lf.leg.Instrument,
			Size:       size,
			Venue:      lf.fill.Venue,
			Strike:     lf.leg.Strike,
			OptionType: optType,
		}, lf.fill.ID, lf.fill.Price)
		if err != nil {
			s.log.Error("fill booking failed", "coverage_id", cov.ID, "fill_id", lf.fill.ID, "error", err)
			warnings = append(warnings, err.Error())
			continue
		}
		cov = next
		if !applied {
			continue
		}
		if !realized.IsZero() {
			total, _ := s.ledger.Hedges().RealizedPnL.Float64()
			metrics.RealizedPnL.Set(total)
		}
		s.sink.Emit(ctx, audit.New(audit.HedgeOrder, map[string]any{
			"fill":         lf.fill,
			"instrument":   lf.leg.Instrument,
			"side":         lf.leg.Side,
			"realized_pnl": realized,
		}).ForCoverage(cov))
	}
	return cov, warnings
}

// Renew re-prices a coverage for another tenor through the same fee chain
// as a new quote, buys the new hedge, and extends the coverage. The old
// legs stay on the coverage until they expire.
func (s *Service) Renew(ctx context.Context, cov model.Coverage, pos model.Position) (model.Coverage, fee.Outcome, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	rc := s.controls.Get()
	req := Request{
		AccountID:        cov.AccountID,
		Tier:             cov.Tier,
		Position:         pos,
		DrawdownFloorPct: cov.DrawdownFloorPct,
		TenorDays:        cov.TenorDays,
		AutoRenew:        cov.AutoRenew,
	}
	tc, err := s.validate(rc, &req)
	if err != nil {
		return cov, nil, err
	}
	spot, err := s.market.IndexPrice(ctx, pos.Asset)
	if err != nil {
		return cov, nil, fmt.Errorf("quote: index price: %w", err)
	}
	pr, err := s.price(ctx, rc, req, spot)
	if err != nil {
		return cov, nil, err
	}
	out, snap := s.decision(rc, req, pr)
	s.sink.Emit(ctx, audit.New(audit.FeeDecision, map[string]any{
		"renewal": true,
		"outcome": fee.ViewOf(out),
		"premium": pr.Candidate.AllInPremium,
		"fee":     pr.Breakdown.Fee,
	}).ForCoverage(cov))
	if err := fee.Err(out); err != nil {
		return cov, out, err
	}

	scale := fee.HedgeScale(out)
	subsidy := fee.SubsidyOf(out)
	notional := spot.Mul(pos.Size).Mul(scale)
	if err := s.tracker.CommitSubsidy(req.Tier, req.AccountID, subsidy, fee.SubsidyCaps(rc, tc, pr.IV)); err != nil {
		return cov, out, err
	}
	fills, orderErr := s.placeOrders(ctx, pr.Candidate, scale, cov.ID)
	if len(fills) == 0 {
		s.tracker.RefundSubsidy(req.Tier, req.AccountID, snap.Day, subsidy)
		return cov, out, hedgeerr.New(hedgeerr.NoLiquidity, "no renewal order filled")
	}
	if orderErr != nil {
		s.log.Warn("renewal partially filled", "coverage_id", cov.ID, "error", orderErr)
	}
	cov, _ = s.book(ctx, cov, fills)

	now := s.now()
	premium := pr.Candidate.AllInPremium.Mul(scale)
	renewed, err := s.ledger.Renewed(ctx, cov.ID, ledger.Renewal{
		Expiry:   cov.Expiry.Add(time.Duration(cov.TenorDays) * 24 * time.Hour),
		Fee:      out.Charged(),
		Premium:  premium,
		Subsidy:  subsidy,
		Notional: notional,
		At:       now,
	})
	if err != nil {
		return cov, out, err
	}
	s.tracker.RecordSale(req.Tier, pos.Asset, out.Charged(), premium, notional)

	s.sink.Emit(ctx, audit.New(audit.CoverageRenewed, map[string]any{
		"outcome": fee.ViewOf(out),
		"expiry":  renewed.Expiry,
	}).ForCoverage(renewed))
	s.log.Info("coverage renewed",
		"coverage_id", renewed.ID,
		"expiry", renewed.Expiry,
		"fee", out.Charged().String(),
		"premium", premium.String(),
	)
	return renewed, out, nil
}
