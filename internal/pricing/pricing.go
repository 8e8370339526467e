// Package pricing implements Black-Scholes option valuation used to price
// synthetic strikes on venues without a discrete listing, and to compute
// the safety fee (the cost of synthetically replicating a drawdown floor).
//
// All monetary values use shopspring/decimal, never float64.
// Internal transcendental math (ln, exp, erf) runs in float64, with results
// immediately converted to decimal.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

var (
	// ErrInvalidInput is returned when spot, strike, or volatility is not positive.
	ErrInvalidInput = errors.New("pricing: spot, strike and volatility must be positive")

	// PriceScale is the number of decimal places for premium rounding.
	PriceScale int32 = 8

	// DaysPerYear converts tenors in days into year fractions.
	DaysPerYear = 365.0

	// MinYears floors time to expiry so that same-day contracts keep a
	// non-degenerate time value.
	MinYears = 1.0 / (DaysPerYear * 24)
)

// Intrinsic returns the exercise value of an option at the given price:
// put max(K−S, 0), call max(S−K, 0). Exact decimal arithmetic.
func Intrinsic(optType model.OptionType, strike, price decimal.Decimal) decimal.Decimal {
	var v decimal.Decimal
	if optType == model.Call {
		v = price.Sub(strike)
	} else {
		v = strike.Sub(price)
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// normCDF is the standard normal cumulative distribution.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// d1d2 computes the Black-Scholes d1 and d2 terms with zero rates:
//
//	d1 = (ln(S/K) + σ²T/2) / (σ√T),  d2 = d1 − σ√T
func d1d2(spot, strike, vol, years float64) (float64, float64) {
	sqrtT := math.Sqrt(years)
	d1 := (math.Log(spot/strike) + 0.5*vol*vol*years) / (vol * sqrtT)
	return d1, d1 - vol*sqrtT
}

// YearFraction converts days into a floored year fraction.
func YearFraction(days float64) float64 {
	y := days / DaysPerYear
	if y < MinYears {
		return MinYears
	}
	return y
}

// BlackScholes prices a European option in USD per unit of underlying.
// Rates are taken as zero: crypto option venues quote forward-style
// premiums and the tenors involved are short.
func BlackScholes(optType model.OptionType, spot, strike, vol decimal.Decimal, days float64) (decimal.Decimal, error) {
	s := spot.InexactFloat64()
	k := strike.InexactFloat64()
	v := vol.InexactFloat64()
	if s <= 0 || k <= 0 || v <= 0 {
		return decimal.Zero, ErrInvalidInput
	}

	t := YearFraction(days)
	d1, d2 := d1d2(s, k, v, t)

	var price float64
	if optType == model.Call {
		price = s*normCDF(d1) - k*normCDF(d2)
	} else {
		price = k*normCDF(-d2) - s*normCDF(-d1)
	}
	if price < 0 {
		price = 0
	}

	result := decimal.NewFromFloat(price).Round(PriceScale)
	// Never below intrinsic: float error near expiry can undershoot it.
	if intrinsic := Intrinsic(optType, strike, spot); result.LessThan(intrinsic) {
		return intrinsic, nil
	}
	return result, nil
}

// Delta returns the Black-Scholes delta (put delta is negative).
func Delta(optType model.OptionType, spot, strike, vol decimal.Decimal, days float64) (decimal.Decimal, error) {
	s := spot.InexactFloat64()
	k := strike.InexactFloat64()
	v := vol.InexactFloat64()
	if s <= 0 || k <= 0 || v <= 0 {
		return decimal.Zero, ErrInvalidInput
	}
	d1, _ := d1d2(s, k, v, YearFraction(days))
	delta := normCDF(d1)
	if optType == model.Put {
		delta -= 1
	}
	return decimal.NewFromFloat(delta).Round(PriceScale), nil
}

// Vega returns the premium sensitivity to a 1.00 change in volatility.
func Vega(spot, strike, vol decimal.Decimal, days float64) (decimal.Decimal, error) {
	s := spot.InexactFloat64()
	k := strike.InexactFloat64()
	v := vol.InexactFloat64()
	if s <= 0 || k <= 0 || v <= 0 {
		return decimal.Zero, ErrInvalidInput
	}
	t := YearFraction(days)
	d1, _ := d1d2(s, k, v, t)
	return decimal.NewFromFloat(s * normPDF(d1) * math.Sqrt(t)).Round(PriceScale), nil
}

// FloorStrike is the strike that protects a position at the drawdown floor:
// spot×(1−dd) for puts, spot×(1+dd) for calls.
func FloorStrike(optType model.OptionType, spot, drawdownPct decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if optType == model.Call {
		return spot.Mul(one.Add(drawdownPct))
	}
	return spot.Mul(one.Sub(drawdownPct))
}
