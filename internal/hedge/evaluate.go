// Package hedge is the rolling controller: on every tick it marks each
// active coverage to market and increases, decreases, or renews its hedge
// to keep the buffer near target. A separate pass hedges the residual net
// exposure of all positions per asset.
package hedge

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is what a tick does to a coverage's hedge.
type Action string

const (
	Hold     Action = "hold"
	Increase Action = "increase"
	Decrease Action = "decrease"
)

// Input is everything Evaluate depends on.
type Input struct {
	BufferPct     decimal.Decimal
	TargetPct     decimal.Decimal
	HysteresisPct decimal.Decimal
	Now           time.Time
	Expiry        time.Time
	RenewWindow   time.Duration
	AutoRenew     bool
}

// Decision is the output of Evaluate.
type Decision struct {
	Action Action `json:"action"`
	Renew  bool   `json:"renew"`
}

// Evaluate decides a coverage's action. Between target−hysteresis and
// target+hysteresis (inclusive) it always holds.
func Evaluate(in Input) Decision {
	dec := Decision{Action: Hold}
	switch {
	case in.BufferPct.LessThan(in.TargetPct.Sub(in.HysteresisPct)):
		dec.Action = Increase
	case in.BufferPct.GreaterThan(in.TargetPct.Add(in.HysteresisPct)):
		dec.Action = Decrease
	}
	dec.Renew = in.AutoRenew &&
		in.Now.Before(in.Expiry) &&
		!in.Now.Before(in.Expiry.Add(-in.RenewWindow))
	return dec
}
