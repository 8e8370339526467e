// Package risk holds the mutable risk counters consumed by the quoting and
// hedging core: exposure limits, per-tier/day/account subsidy and revenue
// totals that reset on the UTC day boundary, and hedge-action cooldowns.
//
// Nothing here is package-level state: each process constructs its
// counters once and passes them to the components that need them.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/model"
)

var (
	// ErrAssetLimitExceeded is returned when protected notional in one
	// asset would exceed the per-asset maximum.
	ErrAssetLimitExceeded = errors.New("risk: per-asset protected notional limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when protected notional across
	// all correlated crypto assets would exceed the aggregate maximum.
	ErrCorrelatedLimitExceeded = errors.New("risk: aggregate protected notional limit exceeded")
)

// ExposureLimiter enforces protected-notional limits. Crypto majors move
// together in drawdowns, so besides the per-asset cap every asset counts
// toward one correlated aggregate.
type ExposureLimiter struct {
	// MaxPerAsset is the maximum protected notional in any single asset.
	MaxPerAsset decimal.Decimal

	// MaxCorrelated is the maximum protected notional summed across assets.
	MaxCorrelated decimal.Decimal
}

// NewExposureLimiter creates a limiter. Non-positive limits disable the check.
func NewExposureLimiter(maxPerAsset, maxCorrelated decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerAsset:   maxPerAsset,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether adding notionalDelta in asset respects limits.
//
// Parameters:
//   - asset: underlying of the new coverage
//   - notionalDelta: protected notional being added (USD)
//   - existing: map of asset → currently protected notional
func (l *ExposureLimiter) CheckLimit(asset string, notionalDelta decimal.Decimal, existing map[string]decimal.Decimal) error {
	// 1. Per-asset limit.
	newInAsset := existing[asset].Add(notionalDelta)
	if l.MaxPerAsset.IsPositive() && newInAsset.Abs().GreaterThan(l.MaxPerAsset) {
		return ErrAssetLimitExceeded
	}

	// 2. Aggregate across correlated assets.
	total := newInAsset.Abs()
	for a, n := range existing {
		if a == asset {
			continue // already counted above
		}
		total = total.Add(n.Abs())
	}
	if l.MaxCorrelated.IsPositive() && total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// ValidatePosition rejects positions the engine cannot protect.
func ValidatePosition(p model.Position, maxLeverage decimal.Decimal) error {
	switch {
	case p.Asset == "":
		return hedgeerr.New(hedgeerr.InvalidPosition, "asset is required")
	case p.Side != model.SideLong && p.Side != model.SideShort:
		return hedgeerr.New(hedgeerr.InvalidPosition, fmt.Sprintf("side must be long or short, got %q", p.Side))
	case !p.Size.IsPositive():
		return hedgeerr.New(hedgeerr.InvalidPosition, "size must be positive")
	case !p.EntryPrice.IsPositive():
		return hedgeerr.New(hedgeerr.InvalidPosition, "entry price must be positive")
	case !p.Leverage.IsPositive():
		return hedgeerr.New(hedgeerr.InvalidPosition, "leverage must be positive")
	}
	if maxLeverage.IsPositive() && p.Leverage.GreaterThan(maxLeverage) {
		return hedgeerr.New(hedgeerr.LeverageExceeded,
			fmt.Sprintf("leverage %sx above tier maximum %sx", p.Leverage, maxLeverage)).
			WithSuggestions(fmt.Sprintf("reduce leverage to %sx or less", maxLeverage))
	}
	return nil
}
