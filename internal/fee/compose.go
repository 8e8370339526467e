// Package fee prices protection for a tier and resolves what to charge when
// the hedge costs more than the fee. Composition and decision are pure
// functions of the risk controls and their inputs.
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/pricing"
)

var one = decimal.NewFromInt(1)

// IV regimes.
const (
	RegimeLow    = "low"
	RegimeNormal = "normal"
	RegimeHigh   = "high"
)

// Input is what the fee depends on.
type Input struct {
	Tier        model.Tier
	Notional    decimal.Decimal
	TenorDays   int
	IV          decimal.Decimal
	Leverage    decimal.Decimal
	Spot        decimal.Decimal
	DrawdownPct decimal.Decimal
	Size        decimal.Decimal
	OptionType  model.OptionType
	// IVLadder maps safety-fee leg tenors to implied vol; missing tenors use IV.
	IVLadder map[int]decimal.Decimal
}

// Breakdown shows how the fee was built.
type Breakdown struct {
	Tier               model.Tier      `json:"tier"`
	Entry              bool            `json:"entry"`
	TenorDays          int             `json:"tenor_days"`
	BaseFee            decimal.Decimal `json:"base_fee"`
	DurationMultiplier decimal.Decimal `json:"duration_multiplier"`
	IVRegime           string          `json:"iv_regime,omitempty"`
	IVMultiplier       decimal.Decimal `json:"iv_multiplier"`
	LeverageMultiplier decimal.Decimal `json:"leverage_multiplier"`
	ComposedFee        decimal.Decimal `json:"composed_fee"`
	SafetyFee          decimal.Decimal `json:"safety_fee"`
	Fee                decimal.Decimal `json:"fee"`
}

// Compose builds the tier fee: base → duration uplift → IV regime or flat
// IV uplift → leverage step. The entry tier charges its fixed fee with no
// stacking; other tiers charge max(composed, safety fee).
func Compose(rc *config.RiskControls, in Input) (Breakdown, error) {
	tc, ok := rc.Tier(in.Tier)
	if !ok {
		return Breakdown{}, hedgeerr.New(hedgeerr.InvalidPosition, fmt.Sprintf("unknown tier %q", in.Tier))
	}
	b := Breakdown{
		Tier:               in.Tier,
		TenorDays:          in.TenorDays,
		DurationMultiplier: one,
		IVMultiplier:       one,
		LeverageMultiplier: one,
	}
	if tc.Entry {
		b.Entry = true
		b.BaseFee = tc.FixedFee
		b.ComposedFee = tc.FixedFee
		b.Fee = tc.FixedFee
		return b, nil
	}

	f := rc.Fees
	b.BaseFee = decimal.Max(tc.MinFee, in.Notional.Mul(tc.FeeRatePct))
	b.DurationMultiplier = DurationMultiplier(f, in.TenorDays)
	b.IVRegime, b.IVMultiplier = IVMultiplier(f, in.IV)
	b.LeverageMultiplier = LeverageMultiplier(f.LeverageSteps, in.Leverage)
	b.ComposedFee = b.BaseFee.Mul(b.DurationMultiplier).Mul(b.IVMultiplier).Mul(b.LeverageMultiplier)
	b.Fee = b.ComposedFee

	if f.SafetyFee.Enabled {
		safety, err := SafetyFee(f.SafetyFee, in)
		if err != nil {
			return b, err
		}
		b.SafetyFee = safety
		b.Fee = decimal.Max(b.ComposedFee, safety)
	}
	return b, nil
}

// DurationMultiplier is 1 + perDay×(days−baseline), capped, never below 1.
func DurationMultiplier(f config.FeeConfig, days int) decimal.Decimal {
	extra := days - f.DurationBaselineDays
	if extra <= 0 {
		return one
	}
	uplift := f.DurationUpliftPerDayPct.Mul(decimal.NewFromInt(int64(extra)))
	if f.DurationUpliftCapPct.IsPositive() {
		uplift = decimal.Min(uplift, f.DurationUpliftCapPct)
	}
	return one.Add(uplift)
}

// Regime buckets IV by the configured thresholds.
func Regime(r config.IVRegimeConfig, iv decimal.Decimal) string {
	switch {
	case iv.LessThan(r.LowThreshold):
		return RegimeLow
	case iv.GreaterThan(r.HighThreshold):
		return RegimeHigh
	default:
		return RegimeNormal
	}
}

// IVMultiplier applies the IV regime, or else the flat IV uplift.
func IVMultiplier(f config.FeeConfig, iv decimal.Decimal) (string, decimal.Decimal) {
	if f.IVRegime.Enabled {
		switch regime := Regime(f.IVRegime, iv); regime {
		case RegimeLow:
			return regime, f.IVRegime.LowMultiplier
		case RegimeHigh:
			return regime, f.IVRegime.HighMultiplier
		default:
			m := f.IVRegime.NormalMult
			if !m.IsPositive() {
				m = one
			}
			return regime, m
		}
	}
	if f.IVUplift.Enabled && iv.GreaterThan(f.IVUplift.Threshold) {
		return "", one.Add(f.IVUplift.UpliftPct)
	}
	return "", one
}

// LeverageMultiplier is the multiplier of the highest step at or below
// leverage. Steps must be sorted ascending.
func LeverageMultiplier(steps []config.LeverageStep, leverage decimal.Decimal) decimal.Decimal {
	m := one
	for _, s := range steps {
		if leverage.LessThan(s.MinLeverage) {
			break
		}
		m = s.Multiplier
	}
	return m
}

// SafetyFee is the weighted cost of replicating the floor with short-dated
// options: each ladder leg prices the floor strike at its tenor's IV and is
// rolled ceil(tenor/legDays) times to span the protection period.
func SafetyFee(cfg config.SafetyFeeConfig, in Input) (decimal.Decimal, error) {
	if !in.Spot.IsPositive() || !in.Size.IsPositive() {
		return decimal.Zero, nil
	}
	optType := in.OptionType
	if optType == "" {
		optType = model.Put
	}
	strike := pricing.FloorStrike(optType, in.Spot, in.DrawdownPct)
	tenor := max(in.TenorDays, 1)

	total := decimal.Zero
	for _, leg := range cfg.Legs {
		iv, ok := in.IVLadder[leg.Days]
		if !ok || !iv.IsPositive() {
			iv = in.IV
		}
		price, err := pricing.BlackScholes(optType, in.Spot, strike, iv, float64(leg.Days))
		if err != nil {
			return decimal.Zero, fmt.Errorf("fee: safety leg %dd: %w", leg.Days, err)
		}
		rolls := (tenor + leg.Days - 1) / leg.Days
		cost := price.Mul(in.Size).Mul(decimal.NewFromInt(int64(rolls)))
		total = total.Add(leg.Weight.Mul(cost))
	}
	return total, nil
}

// VolMultiplier scales subsidy caps by IV regime.
func VolMultiplier(rc *config.RiskControls, iv decimal.Decimal) decimal.Decimal {
	if !rc.Fees.IVRegime.Enabled {
		return one
	}
	switch Regime(rc.Fees.IVRegime, iv) {
	case RegimeLow:
		if rc.Subsidy.LowVolMultiplier.IsPositive() {
			return rc.Subsidy.LowVolMultiplier
		}
	case RegimeHigh:
		if rc.Subsidy.HighVolMultiplier.IsPositive() {
			return rc.Subsidy.HighVolMultiplier
		}
	}
	return one
}

// PremiumFloorBreached is true when premium/fee exceeds threshold, and
// always when fee ≤ 0.
func PremiumFloorBreached(premium, fee, threshold decimal.Decimal) bool {
	if !fee.IsPositive() {
		return true
	}
	return premium.Div(fee).GreaterThan(threshold)
}

// ApplyPassThroughCap returns the marked-up fee, the cap, and whether the
// markup exceeds the cap: premium×(1+markup) > baseFee×capMultiplier×dynamic.
func ApplyPassThroughCap(premium, markupPct, baseFee, capMultiplier, dynamic decimal.Decimal) (markupFee, limit decimal.Decimal, capped bool) {
	markupFee = premium.Mul(one.Add(markupPct))
	limit = baseFee.Mul(capMultiplier).Mul(dynamic)
	return markupFee, limit, markupFee.GreaterThan(limit)
}

// Markup is the tier markup plus its per-leverage add-on.
func Markup(tc config.TierConfig, leverage decimal.Decimal) decimal.Decimal {
	return tc.MarkupPct.Add(tc.MarkupPerLeveragePct.Mul(extraLeverage(leverage)))
}

// CapMultiplier is the tier cap plus its per-leverage add-on.
func CapMultiplier(tc config.TierConfig, leverage decimal.Decimal) decimal.Decimal {
	return tc.CapMultiplier.Add(tc.CapPerLeverage.Mul(extraLeverage(leverage)))
}

func extraLeverage(leverage decimal.Decimal) decimal.Decimal {
	return decimal.Max(leverage.Sub(one), decimal.Zero)
}

// DynamicUplift raises the cap when IV or spread is stressed, bounded by
// MaxMultiplier.
func DynamicUplift(cfg config.DynamicUpliftConfig, iv, spread decimal.Decimal) decimal.Decimal {
	m := one
	if cfg.IVThreshold.IsPositive() && iv.GreaterThan(cfg.IVThreshold) {
		m = m.Add(cfg.IVUpliftPct)
	}
	if cfg.SpreadThresholdPct.IsPositive() && spread.GreaterThan(cfg.SpreadThresholdPct) {
		m = m.Add(cfg.LiquidityUpliftPct)
	}
	if cfg.MaxMultiplier.IsPositive() {
		m = decimal.Min(m, cfg.MaxMultiplier)
	}
	return m
}
