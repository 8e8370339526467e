// Package hedgeerr defines the structured rejection taxonomy. Every
// non-fatal outcome of quoting, searching, or executing surfaces as an
// *Error carrying a stable code, an optional sub-reason, and remediation
// suggestions; HTTP handlers render it as a {status, reason, suggestions}
// payload instead of a raw error string.
package hedgeerr

import (
	"errors"
	"strings"
)

// Code is a stable machine-readable rejection reason.
type Code string

const (
	NoLiquidity          Code = "no_liquidity"
	SpreadTooWide        Code = "spread_too_wide"
	SlippageExceeded     Code = "slippage_exceeded"
	SizeTooSmall         Code = "size_too_small"
	NoExpiryFound        Code = "no_expiry_found"
	PremiumFloorBreached Code = "premium_floor_breached"
	SubsidyCapExceeded   Code = "subsidy_cap_exceeded"
	QuoteDrift           Code = "quote_drift"
	QuoteExpired         Code = "quote_expired"
	LeverageExceeded     Code = "leverage_exceeded"
	InvalidPosition      Code = "invalid_position"
)

// Sub-reasons attached to PremiumFloorBreached and SubsidyCapExceeded.
const (
	DetailCapped     = "capped"
	DetailOverride   = "override"
	DetailPartial    = "partial"
	DetailRejected   = "rejected"
	DetailDailyCap   = "daily_cap"
	DetailTierCap    = "tier_cap"
	DetailAccountCap = "account_cap"
)

// Error is a structured, non-fatal rejection.
type Error struct {
	Code        Code
	Detail      string
	Message     string
	Suggestions []string
}

// New creates an Error with a message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Detail != "" {
		b.WriteString("(")
		b.WriteString(e.Detail)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, hedgeerr.ErrNoLiquidity).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Detail != "" && t.Detail != e.Detail {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy with the sub-reason set.
func (e *Error) WithDetail(detail string) *Error {
	out := *e
	out.Detail = detail
	return &out
}

// WithSuggestions returns a copy carrying remediation hints.
func (e *Error) WithSuggestions(s ...string) *Error {
	out := *e
	out.Suggestions = append(append([]string(nil), e.Suggestions...), s...)
	return &out
}

// Sentinels for errors.Is.
var (
	ErrNoLiquidity          = &Error{Code: NoLiquidity}
	ErrSpreadTooWide        = &Error{Code: SpreadTooWide}
	ErrSlippageExceeded     = &Error{Code: SlippageExceeded}
	ErrSizeTooSmall         = &Error{Code: SizeTooSmall}
	ErrNoExpiryFound        = &Error{Code: NoExpiryFound}
	ErrPremiumFloorBreached = &Error{Code: PremiumFloorBreached}
	ErrSubsidyCapExceeded   = &Error{Code: SubsidyCapExceeded}
	ErrQuoteDrift           = &Error{Code: QuoteDrift}
	ErrQuoteExpired         = &Error{Code: QuoteExpired}
	ErrLeverageExceeded     = &Error{Code: LeverageExceeded}
	ErrInvalidPosition      = &Error{Code: InvalidPosition}
)

// Payload is the wire shape of a rejection.
type Payload struct {
	Status      string   `json:"status"`
	Reason      string   `json:"reason"`
	Detail      string   `json:"detail,omitempty"`
	Message     string   `json:"message,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// PayloadOf converts err into a rejection payload. The second return is
// false when err is not a structured rejection (an internal failure).
func PayloadOf(err error) (Payload, bool) {
	var he *Error
	if !errors.As(err, &he) {
		return Payload{Status: "error", Reason: "internal", Message: err.Error()}, false
	}
	return Payload{
		Status:      "rejected",
		Reason:      string(he.Code),
		Detail:      he.Detail,
		Message:     he.Message,
		Suggestions: he.Suggestions,
	}, true
}
