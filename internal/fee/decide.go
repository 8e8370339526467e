package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/risk"
)

// DecisionInput is everything one fee decision depends on.
type DecisionInput struct {
	Breakdown Breakdown
	// AllInPremium is the candidate's premium including rolls.
	AllInPremium decimal.Decimal
	Leverage     decimal.Decimal
	IV           decimal.Decimal
	SpreadPct    decimal.Decimal
	// CoverageRatio is the share of required credit the candidate covers.
	CoverageRatio decimal.Decimal
	FullCoverage  bool
	Perp          bool
	Subsidy       risk.SubsidySnapshot
}

// Decide runs the fee policy chain:
//
//  1. premium within the floor → Ok (Partial if the candidate is partial)
//  2. markup within cap, or pass-through/cap disabled → PassThrough
//  3. markup/cap within the tier override ratio → Capped
//  4. house absorbs premium − cap within subsidy caps → Subsidized
//  5. shrink the hedge until markup fits the cap → Partial
//  6. reject with suggestions
//
// Quote and renewal share it.
func Decide(rc *config.RiskControls, in DecisionInput) Outcome {
	out := decide(rc, in)
	if in.Perp {
		return PerpFallback{Inner: out}
	}
	return out
}

func decide(rc *config.RiskControls, in DecisionInput) Outcome {
	tc, ok := rc.Tier(in.Breakdown.Tier)
	if !ok {
		return PremiumFloor{Err: hedgeerr.New(hedgeerr.InvalidPosition, fmt.Sprintf("unknown tier %q", in.Breakdown.Tier))}
	}
	fee := in.Breakdown.Fee
	premium := in.AllInPremium
	ratio := decimal.Min(in.CoverageRatio, one)
	if in.FullCoverage {
		ratio = one
	}

	if !PremiumFloorBreached(premium, fee, rc.Fees.PremiumFloorRatio) {
		if in.FullCoverage {
			return Ok{Fee: fee}
		}
		if tc.AllowPartial && ratio.GreaterThanOrEqual(tc.MinPartialRatio) {
			return Partial{Fee: fee.Mul(ratio), CoverageRatio: ratio, Scale: one}
		}
		return reject(hedgeerr.DetailPartial, "candidate covers too little of the floor", in)
	}

	markup := Markup(tc, in.Leverage)
	dynamic := DynamicUplift(rc.PassThrough.Dynamic, in.IV, in.SpreadPct)
	markupFee, limit, capped := ApplyPassThroughCap(premium, markup, fee, CapMultiplier(tc, in.Leverage), dynamic)

	// With pass-through or its cap switched off the markup fee is charged
	// as is.
	if !capped || !rc.PassThrough.Enabled || !rc.PassThrough.CapEnabled {
		if in.FullCoverage {
			return PassThrough{Fee: markupFee, Premium: premium, MarkupPct: markup, Cap: limit}
		}
		if tc.AllowPartial && ratio.GreaterThanOrEqual(tc.MinPartialRatio) {
			return Partial{Fee: markupFee, CoverageRatio: ratio, Scale: one}
		}
		return reject(hedgeerr.DetailPartial, "candidate covers too little of the floor", in)
	}

	detail := hedgeerr.DetailCapped
	if limit.IsPositive() && tc.OverrideMaxRatio.IsPositive() {
		over := markupFee.Div(limit)
		if in.FullCoverage && over.LessThanOrEqual(tc.OverrideMaxRatio) {
			return Capped{Fee: markupFee, Cap: limit, Ratio: over}
		}
		detail = hedgeerr.DetailOverride
	}

	var subsidyDetail string
	if gap := premium.Sub(limit); rc.Subsidy.Enabled && tc.AllowSubsidy && in.FullCoverage && gap.IsPositive() {
		caps := SubsidyCaps(rc, tc, in.IV)
		subsidyDetail = risk.CheckSubsidy(in.Subsidy, gap, caps)
		if subsidyDetail == "" {
			return Subsidized{Fee: limit, Subsidy: gap, VolMultiplier: caps.VolMultiplier}
		}
	}

	if tc.AllowPartial && markupFee.IsPositive() {
		scale := decimal.Min(limit.Div(markupFee), one)
		covered := ratio.Mul(scale)
		if covered.GreaterThanOrEqual(tc.MinPartialRatio) {
			return Partial{Fee: decimal.Min(markupFee, limit), CoverageRatio: covered, Scale: scale}
		}
		detail = hedgeerr.DetailPartial
	}

	if subsidyDetail != "" {
		return PremiumFloor{Err: hedgeerr.New(hedgeerr.SubsidyCapExceeded, "subsidy budget exhausted").
			WithDetail(subsidyDetail).
			WithSuggestions(suggestions(in)...)}
	}
	return reject(detail, fmt.Sprintf("premium %s exceeds fee cap %s", premium.StringFixed(2), limit.StringFixed(2)), in)
}

// SubsidyCaps are the tier's subsidy caps scaled for iv. Execution
// re-checks a grant against the same caps.
func SubsidyCaps(rc *config.RiskControls, tc config.TierConfig, iv decimal.Decimal) risk.SubsidyCaps {
	return risk.SubsidyCaps{
		Daily:         rc.Subsidy.DailyCap,
		Tier:          tc.DailySubsidyCap,
		Account:       rc.Subsidy.AccountDailyCap,
		VolMultiplier: VolMultiplier(rc, iv),
	}
}

func reject(detail, msg string, in DecisionInput) PremiumFloor {
	return PremiumFloor{Err: hedgeerr.New(hedgeerr.PremiumFloorBreached, msg).
		WithDetail(detail).
		WithSuggestions(suggestions(in)...)}
}

// suggestions lists changes that would lower the premium/fee ratio.
func suggestions(in DecisionInput) []string {
	var out []string
	if in.Leverage.GreaterThan(one) {
		out = append(out, fmt.Sprintf("reduce leverage below %sx", in.Leverage.StringFixed(1)))
	}
	if in.Breakdown.TenorDays > 1 {
		out = append(out, fmt.Sprintf("shorten tenor below %d days", in.Breakdown.TenorDays))
	}
	out = append(out, "widen the drawdown floor", "reduce position size")
	if !in.Perp {
		out = append(out, "accept a perpetual-future hedge")
	}
	return out
}
