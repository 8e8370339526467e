package fee

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/hedgeerr"
)

// Status names an outcome variant on the wire and in audit events.
type Status string

const (
	StatusOk           Status = "ok"
	StatusPassThrough  Status = "pass_through"
	StatusCapped       Status = "capped"
	StatusSubsidized   Status = "subsidized"
	StatusPartial      Status = "partial"
	StatusPremiumFloor Status = "premium_floor"
	StatusPerpFallback Status = "perp_fallback"
)

// Outcome is the result of Decide. It is one of Ok, PassThrough, Capped,
// Subsidized, Partial, PremiumFloor, or PerpFallback.
type Outcome interface {
	Status() Status
	// Charged is the fee the customer pays. Zero for a rejection.
	Charged() decimal.Decimal
	// Accepted is false only for PremiumFloor.
	Accepted() bool
	outcome()
}

// Ok charges the tier fee; the hedge costs no more than the floor allows.
type Ok struct {
	Fee decimal.Decimal `json:"fee"`
}

// PassThrough charges premium plus markup, within the cap.
type PassThrough struct {
	Fee       decimal.Decimal `json:"fee"`
	Premium   decimal.Decimal `json:"premium"`
	MarkupPct decimal.Decimal `json:"markup_pct"`
	Cap       decimal.Decimal `json:"cap"`
}

// Capped is a tier override: the markup fee exceeds the cap by no more
// than the tier's override ratio and is charged anyway.
type Capped struct {
	Fee   decimal.Decimal `json:"fee"`
	Cap   decimal.Decimal `json:"cap"`
	Ratio decimal.Decimal `json:"ratio"`
}

// Subsidized charges the cap and the house absorbs the rest of the premium.
type Subsidized struct {
	Fee           decimal.Decimal `json:"fee"`
	Subsidy       decimal.Decimal `json:"subsidy"`
	VolMultiplier decimal.Decimal `json:"vol_multiplier"`
}

// Partial protects a fraction of the requested size at a proportional fee.
type Partial struct {
	Fee           decimal.Decimal `json:"fee"`
	CoverageRatio decimal.Decimal `json:"coverage_ratio"`
	// Scale is the factor applied to the candidate's hedge size.
	Scale decimal.Decimal `json:"scale"`
}

// PremiumFloor rejects the quote.
type PremiumFloor struct {
	Err *hedgeerr.Error `json:"-"`
}

// PerpFallback marks a decision taken on a perpetual-future hedge.
type PerpFallback struct {
	Inner Outcome `json:"inner"`
}

func (Ok) Status() Status           { return StatusOk }
func (PassThrough) Status() Status  { return StatusPassThrough }
func (Capped) Status() Status       { return StatusCapped }
func (Subsidized) Status() Status   { return StatusSubsidized }
func (Partial) Status() Status      { return StatusPartial }
func (PremiumFloor) Status() Status { return StatusPremiumFloor }
func (PerpFallback) Status() Status { return StatusPerpFallback }

func (o Ok) Charged() decimal.Decimal           { return o.Fee }
func (o PassThrough) Charged() decimal.Decimal  { return o.Fee }
func (o Capped) Charged() decimal.Decimal       { return o.Fee }
func (o Subsidized) Charged() decimal.Decimal   { return o.Fee }
func (o Partial) Charged() decimal.Decimal      { return o.Fee }
func (PremiumFloor) Charged() decimal.Decimal   { return decimal.Zero }
func (o PerpFallback) Charged() decimal.Decimal { return o.Inner.Charged() }

func (Ok) Accepted() bool             { return true }
func (PassThrough) Accepted() bool    { return true }
func (Capped) Accepted() bool         { return true }
func (Subsidized) Accepted() bool     { return true }
func (Partial) Accepted() bool        { return true }
func (PremiumFloor) Accepted() bool   { return false }
func (o PerpFallback) Accepted() bool { return o.Inner.Accepted() }

func (Ok) outcome()           {}
func (PassThrough) outcome()  {}
func (Capped) outcome()       {}
func (Subsidized) outcome()   {}
func (Partial) outcome()      {}
func (PremiumFloor) outcome() {}
func (PerpFallback) outcome() {}

// Unwrap strips a PerpFallback wrapper.
func Unwrap(o Outcome) Outcome {
	if p, ok := o.(PerpFallback); ok {
		return p.Inner
	}
	return o
}

// SubsidyOf returns the house subsidy an outcome commits to.
func SubsidyOf(o Outcome) decimal.Decimal {
	if s, ok := Unwrap(o).(Subsidized); ok {
		return s.Subsidy
	}
	return decimal.Zero
}

// HedgeScale is the factor to apply to the candidate's hedge size.
func HedgeScale(o Outcome) decimal.Decimal {
	if p, ok := Unwrap(o).(Partial); ok {
		return p.Scale
	}
	return one
}

// Err returns the rejection error, or nil when accepted.
func Err(o Outcome) error {
	if r, ok := Unwrap(o).(PremiumFloor); ok {
		return r.Err
	}
	return nil
}

// View is the JSON shape of an outcome.
type View struct {
	Status  Status          `json:"status"`
	Fee     decimal.Decimal `json:"fee"`
	Perp    bool            `json:"perp,omitempty"`
	Outcome Outcome         `json:"outcome,omitempty"`
}

// ViewOf renders an outcome for responses and audit events.
func ViewOf(o Outcome) View {
	inner := Unwrap(o)
	_, perp := o.(PerpFallback)
	v := View{Status: inner.Status(), Fee: o.Charged(), Perp: perp}
	if inner.Accepted() {
		v.Outcome = inner
	}
	return v
}
