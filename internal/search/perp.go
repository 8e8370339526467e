package search

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/contract"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/model"
)

// PerpFallback prices a delta-one hedge in the asset's perpetual future:
// sell for a long position, buy for a short one. Premium is the cost of
// crossing the spread plus the funding expected over the tenor.
func (e *Engine) PerpFallback(ctx context.Context, req Request) (*Candidate, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	cfg := e.controls.Get().Search.PerpFallback
	if !cfg.Enabled {
		return nil, hedgeerr.New(hedgeerr.NoLiquidity, "perpetual fallback disabled")
	}

	side := model.Sell
	if req.Side == model.SideShort {
		side = model.Buy
	}
	name := contract.PerpetualName(req.Asset)
	agg, err := e.market.Quote(ctx, name, side, req.RequiredSize, req.Spot)
	if err != nil {
		return nil, err
	}

	mid := req.Spot
	if agg.BestBid.IsPositive() && agg.BestAsk.IsPositive() {
		mid = agg.BestBid.Add(agg.BestAsk).Div(decimal.NewFromInt(2))
	}
	crossing := agg.AvgPrice.Sub(mid).Abs().Mul(agg.FilledSize)
	notional := mid.Mul(agg.FilledSize)
	funding := cfg.FundingRatePerDayPct.Mul(notional).Mul(decimal.NewFromInt(int64(req.TargetDays)))
	premium := crossing.Add(funding)

	ratio := agg.FilledSize.Div(req.RequiredSize)
	full := agg.Complete()
	remaining := decimal.Zero
	if !full {
		remaining = req.RequiredSize.Sub(agg.FilledSize)
	}
	return &Candidate{
		TargetDays:      req.TargetDays,
		FoundDays:       req.TargetDays,
		PremiumPerUnit:  premium.Div(agg.FilledSize),
		PremiumTotal:    premium,
		AvailableSize:   agg.FilledSize,
		SpreadPct:       agg.SpreadPct,
		RollMultiplier:  1,
		AllInPremium:    premium,
		RequiredCredit:  req.RequiredSize,
		RemainingCredit: remaining,
		CoverageRatio:   decimal.Min(ratio, decimal.NewFromInt(1)),
		FullCoverage:    full,
		Perp:            true,
		Legs: []Leg{{
			Instrument:   name,
			Side:         side,
			Size:         agg.FilledSize,
			PricePerUnit: agg.AvgPrice,
			Premium:      premium,
			SpreadPct:    agg.SpreadPct,
			SlippagePct:  agg.SlippagePct,
			Plan:         agg.Legs,
		}},
	}, nil
}
