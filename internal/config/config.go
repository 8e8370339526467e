// Package config defines the risk controls consumed read-only by the
// quoting and hedging core: fee thresholds, caps, cooldowns, liquidity
// bands. Controls are decoded from YAML over Default() so that a file only
// needs to name what it overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/hedge-engine/internal/model"
)

// ErrInvalidControls is returned when risk controls are missing or
// malformed. It is fatal at startup.
var ErrInvalidControls = errors.New("config: invalid risk controls")

// RiskControls is the full set of tunables.
type RiskControls struct {
	Tiers       map[model.Tier]TierConfig `yaml:"tiers"`
	Fees        FeeConfig                 `yaml:"fees"`
	PassThrough PassThroughConfig         `yaml:"pass_through"`
	Subsidy     SubsidyConfig             `yaml:"subsidy"`
	Search      SearchConfig              `yaml:"search"`
	Venues      VenueConfig               `yaml:"venues"`
	Quote       QuoteConfig               `yaml:"quote"`
	Rolling     RollingConfig             `yaml:"rolling"`
	NetExposure NetExposureConfig         `yaml:"net_exposure"`
	Limits      LimitConfig               `yaml:"limits"`
}

// TierConfig holds per-tier pricing and mitigation permissions.
type TierConfig struct {
	// MinFee is the tier minimum fee in USD.
	MinFee decimal.Decimal `yaml:"min_fee"`
	// FeeRatePct is charged on notional when it exceeds MinFee.
	FeeRatePct decimal.Decimal `yaml:"fee_rate_pct"`
	// Entry marks the lowest tier: a fixed fee with no multiplicative stacking.
	Entry    bool            `yaml:"entry"`
	FixedFee decimal.Decimal `yaml:"fixed_fee"`

	MaxLeverage decimal.Decimal `yaml:"max_leverage"`

	// MarkupPct plus MarkupPerLeveragePct×(leverage−1) is applied to
	// premium on pass-through.
	MarkupPct            decimal.Decimal `yaml:"markup_pct"`
	MarkupPerLeveragePct decimal.Decimal `yaml:"markup_per_leverage_pct"`

	// CapMultiplier bounds pass-through fees at baseFee×cap×dynamic uplift.
	// CapPerLeverage adds to it for each unit of leverage above 1.
	CapMultiplier  decimal.Decimal `yaml:"cap_multiplier"`
	CapPerLeverage decimal.Decimal `yaml:"cap_per_leverage"`

	// OverrideMaxRatio lets a capped fee through when markupFee/cap is at
	// most this ratio. Zero disables the override.
	OverrideMaxRatio decimal.Decimal `yaml:"override_max_ratio"`

	AllowSubsidy    bool            `yaml:"allow_subsidy"`
	DailySubsidyCap decimal.Decimal `yaml:"daily_subsidy_cap"`

	AllowPartial    bool            `yaml:"allow_partial"`
	MinPartialRatio decimal.Decimal `yaml:"min_partial_ratio"`
}

// LeverageStep maps leverage at or above MinLeverage to a fee multiplier.
type LeverageStep struct {
	MinLeverage decimal.Decimal `yaml:"min_leverage"`
	Multiplier  decimal.Decimal `yaml:"multiplier"`
}

// IVRegimeConfig buckets implied volatility into low/normal/high.
type IVRegimeConfig struct {
	Enabled        bool            `yaml:"enabled"`
	LowThreshold   decimal.Decimal `yaml:"low_threshold"`
	HighThreshold  decimal.Decimal `yaml:"high_threshold"`
	LowMultiplier  decimal.Decimal `yaml:"low_multiplier"`
	NormalMult     decimal.Decimal `yaml:"normal_multiplier"`
	HighMultiplier decimal.Decimal `yaml:"high_multiplier"`
}

// IVUpliftConfig is a flat uplift above a single IV threshold. Mutually
// exclusive with IVRegimeConfig.
type IVUpliftConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Threshold decimal.Decimal `yaml:"threshold"`
	UpliftPct decimal.Decimal `yaml:"uplift_pct"`
}

// SafetyLeg is one tenor of the safety-fee IV ladder.
type SafetyLeg struct {
	Days   int             `yaml:"days"`
	Weight decimal.Decimal `yaml:"weight"`
}

// SafetyFeeConfig controls the replication-cost fee floor.
type SafetyFeeConfig struct {
	Enabled bool        `yaml:"enabled"`
	Legs    []SafetyLeg `yaml:"legs"`
}

// FeeConfig controls fee composition.
type FeeConfig struct {
	DurationBaselineDays    int             `yaml:"duration_baseline_days"`
	DurationUpliftPerDayPct decimal.Decimal `yaml:"duration_uplift_per_day_pct"`
	DurationUpliftCapPct    decimal.Decimal `yaml:"duration_uplift_cap_pct"`
	IVRegime                IVRegimeConfig  `yaml:"iv_regime"`
	IVUplift                IVUpliftConfig  `yaml:"iv_uplift"`
	LeverageSteps           []LeverageStep  `yaml:"leverage_steps"`
	SafetyFee               SafetyFeeConfig `yaml:"safety_fee"`
	// PremiumFloorRatio: breached when allInPremium/fee exceeds it.
	PremiumFloorRatio decimal.Decimal `yaml:"premium_floor_ratio"`
	// DefaultIV is used when no venue reports a mark IV.
	DefaultIV decimal.Decimal `yaml:"default_iv"`
}

// DynamicUpliftConfig raises the pass-through cap in stressed markets.
type DynamicUpliftConfig struct {
	IVThreshold        decimal.Decimal `yaml:"iv_threshold"`
	IVUpliftPct        decimal.Decimal `yaml:"iv_uplift_pct"`
	SpreadThresholdPct decimal.Decimal `yaml:"spread_threshold_pct"`
	LiquidityUpliftPct decimal.Decimal `yaml:"liquidity_uplift_pct"`
	MaxMultiplier      decimal.Decimal `yaml:"max_multiplier"`
}

// PassThroughConfig controls what happens when the premium floor is breached.
type PassThroughConfig struct {
	Enabled    bool                `yaml:"enabled"`
	CapEnabled bool                `yaml:"cap_enabled"`
	Dynamic    DynamicUpliftConfig `yaml:"dynamic"`
}

// SubsidyConfig bounds how much hedge cost the house absorbs per UTC day.
type SubsidyConfig struct {
	Enabled         bool            `yaml:"enabled"`
	DailyCap        decimal.Decimal `yaml:"daily_cap"`
	AccountDailyCap decimal.Decimal `yaml:"account_daily_cap"`
	// Volatility multipliers scale all caps by IV regime.
	LowVolMultiplier  decimal.Decimal `yaml:"low_vol_multiplier"`
	HighVolMultiplier decimal.Decimal `yaml:"high_vol_multiplier"`
}

// TenorSpread caps spread for tenors up to MaxDays.
type TenorSpread struct {
	MaxDays      int             `yaml:"max_days"`
	MaxSpreadPct decimal.Decimal `yaml:"max_spread_pct"`
}

// LiquidityBand is a spread/slippage budget.
type LiquidityBand struct {
	MaxSpreadPct   decimal.Decimal `yaml:"max_spread_pct"`
	MaxSlippagePct decimal.Decimal `yaml:"max_slippage_pct"`
}

// SearchConfig controls the expiry/strike ladder search.
type SearchConfig struct {
	PreferredMaxDays int                        `yaml:"preferred_max_days"`
	FallbackMaxDays  int                        `yaml:"fallback_max_days"`
	Default          LiquidityBand              `yaml:"default"`
	SpreadByTenor    []TenorSpread              `yaml:"spread_by_tenor"`
	OverrideEnabled  bool                       `yaml:"override_enabled"`
	Override         LiquidityBand              `yaml:"override"`
	StressBandPct    decimal.Decimal            `yaml:"stress_band_pct"`
	MinTradableSize  decimal.Decimal            `yaml:"min_tradable_size"`
	SizeStep         decimal.Decimal            `yaml:"size_step"`
	ProbeCount       int                        `yaml:"probe_count"`
	MaxLegs          int                        `yaml:"max_legs"`
	MaxStrikes       int                        `yaml:"max_strikes"`
	WrongSidePenalty decimal.Decimal            `yaml:"wrong_side_penalty"`
	Budget           time.Duration              `yaml:"budget"`
	StrikeStep       map[string]decimal.Decimal `yaml:"strike_step"`
	SyntheticStrikes int                        `yaml:"synthetic_strikes"`
	PerpFallback     PerpFallbackConfig         `yaml:"perp_fallback"`
}

// PerpFallbackConfig prices a perpetual-future hedge when no option fits.
type PerpFallbackConfig struct {
	Enabled              bool            `yaml:"enabled"`
	FundingRatePerDayPct decimal.Decimal `yaml:"funding_rate_per_day_pct"`
}

// VenueConfig controls the quote aggregator.
type VenueConfig struct {
	QuoteTimeout time.Duration `yaml:"quote_timeout"`
	FastPath     bool          `yaml:"fast_path"`
	MaxLegs      int           `yaml:"max_legs"`
	// Disabled lists venue names excluded from routing.
	Disabled []string `yaml:"disabled"`
	// Breaker settings per venue.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// QuoteConfig controls quote caching, locking, and drift checks.
type QuoteConfig struct {
	TTL               time.Duration   `yaml:"ttl"`
	StaleUsable       time.Duration   `yaml:"stale_usable"`
	LockTTL           time.Duration   `yaml:"lock_ttl"`
	DriftTolerancePct decimal.Decimal `yaml:"drift_tolerance_pct"`
	SpotBucketPct     decimal.Decimal `yaml:"spot_bucket_pct"`
	DrawdownBucket    decimal.Decimal `yaml:"drawdown_bucket"`
	SizeBucket        decimal.Decimal `yaml:"size_bucket"`
}

// RollingConfig controls the per-coverage rebalancing controller.
type RollingConfig struct {
	Interval           time.Duration   `yaml:"interval"`
	TargetBufferPct    decimal.Decimal `yaml:"target_buffer_pct"`
	HysteresisPct      decimal.Decimal `yaml:"hysteresis_pct"`
	RenewWindow        time.Duration   `yaml:"renew_window"`
	Cooldown           time.Duration   `yaml:"cooldown"`
	MinNotionalUsd     decimal.Decimal `yaml:"min_notional_usd"`
	ResearchOnIncrease bool            `yaml:"research_on_increase"`
	// SelectionMode is "sticky" (switch only within SizeTolerancePct) or "live".
	SelectionMode    string          `yaml:"selection_mode"`
	SizeTolerancePct decimal.Decimal `yaml:"size_tolerance_pct"`
}

// NetExposureConfig controls the aggregate residual-risk hedging pass.
type NetExposureConfig struct {
	Enabled       bool            `yaml:"enabled"`
	Interval      time.Duration   `yaml:"interval"`
	Cooldown      time.Duration   `yaml:"cooldown"`
	RiskBudgetUsd decimal.Decimal `yaml:"risk_budget_usd"`
	DrawdownPct   decimal.Decimal `yaml:"drawdown_pct"`
	TenorDays     int             `yaml:"tenor_days"`
	TimeBudget    time.Duration   `yaml:"time_budget"`
	MaxPremiumPct decimal.Decimal `yaml:"max_premium_pct"` // of hedged notional
	MaxSpreadPct  decimal.Decimal `yaml:"max_spread_pct"`
	PreferOptions bool            `yaml:"prefer_options"`
	MinNotional   decimal.Decimal `yaml:"min_notional_usd"`
}

// LimitConfig holds position limits.
type LimitConfig struct {
	MaxNotionalPerAsset decimal.Decimal `yaml:"max_notional_per_asset"`
	MaxDailyNotional    decimal.Decimal `yaml:"max_daily_notional"`
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Default returns the built-in controls that every file is merged over.
func Default() RiskControls {
	return RiskControls{
		Tiers: map[model.Tier]TierConfig{
			"entry": {
				MinFee: dec("10"), Entry: true, FixedFee: dec("10"),
				MaxLeverage: dec("3"), MarkupPct: dec("0.10"),
				CapMultiplier: dec("2"), AllowPartial: true, MinPartialRatio: dec("0.5"),
			},
			"standard": {
				MinFee: dec("20"), FeeRatePct: dec("0.004"), MaxLeverage: dec("10"),
				MarkupPct: dec("0.10"), MarkupPerLeveragePct: dec("0.01"),
				CapMultiplier: dec("3"), CapPerLeverage: dec("0.1"),
				AllowSubsidy: true, DailySubsidyCap: dec("500"),
				AllowPartial: true, MinPartialRatio: dec("0.5"),
			},
			"pro": {
				MinFee: dec("50"), FeeRatePct: dec("0.003"), MaxLeverage: dec("20"),
				MarkupPct: dec("0.05"), MarkupPerLeveragePct: dec("0.005"),
				CapMultiplier: dec("4"), CapPerLeverage: dec("0.1"),
				OverrideMaxRatio: dec("1.25"),
				AllowSubsidy: true, DailySubsidyCap: dec("2000"),
			},
		},
		Fees: FeeConfig{
			DurationBaselineDays:    7,
			DurationUpliftPerDayPct: dec("0.02"),
			DurationUpliftCapPct:    dec("0.5"),
			IVRegime: IVRegimeConfig{
				Enabled:       true,
				LowThreshold:  dec("0.4"),
				HighThreshold: dec("0.8"),
				LowMultiplier: dec("0.9"), NormalMult: dec("1"), HighMultiplier: dec("1.3"),
			},
			LeverageSteps: []LeverageStep{
				{MinLeverage: dec("1"), Multiplier: dec("1")},
				{MinLeverage: dec("3"), Multiplier: dec("1.2")},
				{MinLeverage: dec("5"), Multiplier: dec("1.5")},
				{MinLeverage: dec("10"), Multiplier: dec("2")},
			},
			SafetyFee: SafetyFeeConfig{
				Enabled: true,
				Legs: []SafetyLeg{
					{Days: 1, Weight: dec("0.2")},
					{Days: 3, Weight: dec("0.3")},
					{Days: 7, Weight: dec("0.5")},
				},
			},
			PremiumFloorRatio: dec("1"),
			DefaultIV:         dec("0.6"),
		},
		PassThrough: PassThroughConfig{
			Enabled:    true,
			CapEnabled: true,
			Dynamic: DynamicUpliftConfig{
				IVThreshold:        dec("0.8"),
				IVUpliftPct:        dec("0.25"),
				SpreadThresholdPct: dec("0.08"),
				LiquidityUpliftPct: dec("0.15"),
				MaxMultiplier:      dec("1.5"),
			},
		},
		Subsidy: SubsidyConfig{
			Enabled:           true,
			DailyCap:          dec("5000"),
			AccountDailyCap:   dec("250"),
			LowVolMultiplier:  dec("1"),
			HighVolMultiplier: dec("0.5"),
		},
		Search: SearchConfig{
			PreferredMaxDays: 14,
			FallbackMaxDays:  45,
			Default:          LiquidityBand{MaxSpreadPct: dec("0.10"), MaxSlippagePct: dec("0.03")},
			SpreadByTenor: []TenorSpread{
				{MaxDays: 3, MaxSpreadPct: dec("0.15")},
				{MaxDays: 14, MaxSpreadPct: dec("0.10")},
			},
			OverrideEnabled:  true,
			Override:         LiquidityBand{MaxSpreadPct: dec("0.25"), MaxSlippagePct: dec("0.08")},
			StressBandPct:    dec("0.10"),
			MinTradableSize:  dec("0.01"),
			SizeStep:         dec("0.01"),
			ProbeCount:       3,
			MaxLegs:          4,
			MaxStrikes:       12,
			WrongSidePenalty: dec("1"),
			Budget:           2 * time.Second,
			StrikeStep: map[string]decimal.Decimal{
				"BTC": dec("1000"),
				"ETH": dec("50"),
			},
			SyntheticStrikes: 12,
			PerpFallback:     PerpFallbackConfig{Enabled: true, FundingRatePerDayPct: dec("0.0003")},
		},
		Venues: VenueConfig{
			QuoteTimeout:    800 * time.Millisecond,
			FastPath:        true,
			MaxLegs:         3,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Quote: QuoteConfig{
			TTL:               5 * time.Second,
			StaleUsable:       30 * time.Second,
			LockTTL:           30 * time.Second,
			DriftTolerancePct: dec("0.05"),
			SpotBucketPct:     dec("0.001"),
			DrawdownBucket:    dec("0.01"),
			SizeBucket:        dec("0.001"),
		},
		Rolling: RollingConfig{
			Interval:         time.Minute,
			TargetBufferPct:  dec("0.25"),
			HysteresisPct:    dec("0.05"),
			RenewWindow:      6 * time.Hour,
			Cooldown:         5 * time.Minute,
			MinNotionalUsd:   dec("50"),
			SelectionMode:    "sticky",
			SizeTolerancePct: dec("0.2"),
		},
		NetExposure: NetExposureConfig{
			Enabled:       true,
			Interval:      5 * time.Minute,
			Cooldown:      15 * time.Minute,
			RiskBudgetUsd: dec("50000"),
			DrawdownPct:   dec("0.2"),
			TenorDays:     7,
			TimeBudget:    3 * time.Second,
			MaxPremiumPct: dec("0.03"),
			MaxSpreadPct:  dec("0.15"),
			PreferOptions: true,
			MinNotional:   dec("1000"),
		},
		Limits: LimitConfig{
			MaxNotionalPerAsset: dec("5000000"),
			MaxDailyNotional:    dec("20000000"),
		},
	}
}

// Parse decodes YAML over Default() and validates the result.
func Parse(data []byte) (*RiskControls, error) {
	rc := Default()
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControls, err)
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Load reads a YAML file. An empty path yields validated defaults.
func Load(path string) (*RiskControls, error) {
	if path == "" {
		rc := Default()
		if err := rc.Validate(); err != nil {
			return nil, err
		}
		return &rc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidControls, path, err)
	}
	return Parse(data)
}

// Validate rejects controls the core cannot run with.
func (rc *RiskControls) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidControls, fmt.Sprintf(format, args...))
	}

	if len(rc.Tiers) == 0 {
		return fail("no tiers configured")
	}
	for name, t := range rc.Tiers {
		if t.Entry && !t.FixedFee.IsPositive() {
			return fail("entry tier %s needs a positive fixed_fee", name)
		}
		if !t.Entry && !t.MinFee.IsPositive() {
			return fail("tier %s needs a positive min_fee", name)
		}
		if !t.MaxLeverage.IsPositive() {
			return fail("tier %s needs a positive max_leverage", name)
		}
		if t.CapMultiplier.IsNegative() || t.MarkupPct.IsNegative() {
			return fail("tier %s has a negative cap or markup", name)
		}
		if t.AllowPartial && (!t.MinPartialRatio.IsPositive() || t.MinPartialRatio.GreaterThan(decimal.NewFromInt(1))) {
			return fail("tier %s min_partial_ratio must be in (0, 1]", name)
		}
	}

	f := rc.Fees
	if f.IVRegime.Enabled && f.IVUplift.Enabled {
		return fail("iv_regime and iv_uplift are mutually exclusive")
	}
	if f.IVRegime.Enabled && f.IVRegime.LowThreshold.GreaterThan(f.IVRegime.HighThreshold) {
		return fail("iv_regime low_threshold above high_threshold")
	}
	if !f.PremiumFloorRatio.IsPositive() {
		return fail("premium_floor_ratio must be positive")
	}
	if !f.DefaultIV.IsPositive() {
		return fail("default_iv must be positive")
	}
	if f.SafetyFee.Enabled {
		sum := decimal.Zero
		for _, l := range f.SafetyFee.Legs {
			if l.Days < 1 || l.Weight.IsNegative() {
				return fail("safety fee leg %dd invalid", l.Days)
			}
			sum = sum.Add(l.Weight)
		}
		if !sum.Equal(decimal.NewFromInt(1)) {
			return fail("safety fee weights sum to %s, want 1", sum)
		}
	}
	sort.Slice(rc.Fees.LeverageSteps, func(i, j int) bool {
		return rc.Fees.LeverageSteps[i].MinLeverage.LessThan(rc.Fees.LeverageSteps[j].MinLeverage)
	})

	s := rc.Search
	if s.PreferredMaxDays < 1 || s.FallbackMaxDays < s.PreferredMaxDays {
		return fail("search day ladder %d/%d invalid", s.PreferredMaxDays, s.FallbackMaxDays)
	}
	if !s.Default.MaxSpreadPct.IsPositive() || !s.Default.MaxSlippagePct.IsPositive() {
		return fail("search default liquidity band must be positive")
	}
	if !s.StressBandPct.IsPositive() {
		return fail("search stress_band_pct must be positive")
	}
	if !s.MinTradableSize.IsPositive() {
		return fail("search min_tradable_size must be positive")
	}
	if s.ProbeCount < 1 || s.MaxLegs < 1 || s.MaxStrikes < 1 {
		return fail("search probe_count, max_legs and max_strikes must be ≥ 1")
	}
	if s.Budget <= 0 {
		return fail("search budget must be positive")
	}
	sort.Slice(rc.Search.SpreadByTenor, func(i, j int) bool {
		return rc.Search.SpreadByTenor[i].MaxDays < rc.Search.SpreadByTenor[j].MaxDays
	})

	if rc.Venues.QuoteTimeout <= 0 || rc.Venues.MaxLegs < 1 {
		return fail("venue quote_timeout and max_legs must be positive")
	}
	if rc.Quote.TTL <= 0 || rc.Quote.StaleUsable < rc.Quote.TTL || rc.Quote.LockTTL <= 0 {
		return fail("quote ttl/stale_usable/lock_ttl invalid")
	}
	if rc.Rolling.Interval <= 0 {
		return fail("rolling interval must be positive")
	}
	if rc.Rolling.HysteresisPct.IsNegative() {
		return fail("rolling hysteresis must not be negative")
	}
	if m := rc.Rolling.SelectionMode; m != "sticky" && m != "live" {
		return fail("rolling selection_mode %q (want sticky or live)", m)
	}
	return nil
}

// Tier returns the tier config or false.
func (rc *RiskControls) Tier(t model.Tier) (TierConfig, bool) {
	tc, ok := rc.Tiers[t]
	return tc, ok
}

// SpreadLimit returns the max spread for a tenor under the given band.
// Tenor-specific limits only apply to the default band; the override band
// is already the widest allowed.
func (s SearchConfig) SpreadLimit(days int, override bool) decimal.Decimal {
	if override {
		return s.Override.MaxSpreadPct
	}
	for _, ts := range s.SpreadByTenor {
		if days <= ts.MaxDays {
			return ts.MaxSpreadPct
		}
	}
	return s.Default.MaxSpreadPct
}

// SlippageLimit returns the max slippage under the given band.
func (s SearchConfig) SlippageLimit(override bool) decimal.Decimal {
	if override {
		return s.Override.MaxSlippagePct
	}
	return s.Default.MaxSlippagePct
}

// Holder publishes the current controls to readers. An external reloader
// may Swap in a new validated snapshot; readers never see a partial update.
type Holder struct {
	p atomic.Pointer[RiskControls]
}

// NewHolder wraps an initial snapshot.
func NewHolder(rc *RiskControls) *Holder {
	h := &Holder{}
	h.p.Store(rc)
	return h
}

// Get returns the current snapshot. Callers must treat it as read-only.
func (h *Holder) Get() *RiskControls {
	return h.p.Load()
}

// Swap validates and publishes a new snapshot.
func (h *Holder) Swap(rc *RiskControls) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	h.p.Store(rc)
	return nil
}
