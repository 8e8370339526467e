// Package contract handles option and perpetual instrument names:
// parsing, validation, formatting, and synthetic strike grids for venues
// that quote arbitrary strikes without a discrete listing.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// ExpiryLayout is the date layout used in instrument names (27DEC24).
const ExpiryLayout = "02Jan06"

// SettlementHour is the UTC hour at which dated contracts expire.
const SettlementHour = 8

// optionRegex matches: {ASSET}-{DMMMYY}-{STRIKE}-{P|C}
// Example: BTC-27DEC24-80000-P
var optionRegex = regexp.MustCompile(
	`^([A-Z]{2,10})-(\d{1,2}[A-Z]{3}\d{2})-(\d+(?:\.\d+)?)-([PC])$`,
)

// perpRegex matches: {ASSET}-PERPETUAL
var perpRegex = regexp.MustCompile(`^([A-Z]{2,10})-PERPETUAL$`)

var (
	ErrInvalidInstrument = errors.New("contract: invalid instrument name")
	ErrInvalidExpiry     = errors.New("contract: invalid expiry tag")
)

// Parse parses and validates an instrument name.
func Parse(name string) (model.Instrument, error) {
	if m := perpRegex.FindStringSubmatch(name); m != nil {
		return model.Instrument{
			Name:  name,
			Asset: m[1],
			Kind:  model.KindPerpetual,
		}, nil
	}

	matches := optionRegex.FindStringSubmatch(name)
	if matches == nil {
		return model.Instrument{}, fmt.Errorf("%w: %s (expected ASSET-DMMMYY-STRIKE-P|C or ASSET-PERPETUAL)",
			ErrInvalidInstrument, name)
	}

	expiry, err := ParseExpiryTag(matches[2])
	if err != nil {
		return model.Instrument{}, err
	}
	strike, err := decimal.NewFromString(matches[3])
	if err != nil || !strike.IsPositive() {
		return model.Instrument{}, fmt.Errorf("%w: strike %s", ErrInvalidInstrument, matches[3])
	}

	optType := model.Put
	if matches[4] == "C" {
		optType = model.Call
	}

	return model.Instrument{
		Name:       name,
		Asset:      matches[1],
		Kind:       model.KindOption,
		OptionType: optType,
		Strike:     strike,
		Expiry:     expiry,
		ExpiryTag:  ExpiryTag(expiry),
	}, nil
}

// ParseExpiryTag parses 27DEC24 / 5JAN25 into the settlement instant.
func ParseExpiryTag(tag string) (time.Time, error) {
	if len(tag) == 6 {
		tag = "0" + tag
	}
	if len(tag) != 7 {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidExpiry, tag)
	}
	normalized := tag[:2] + tag[2:3] + strings.ToLower(tag[3:5]) + tag[5:]
	day, err := time.Parse(ExpiryLayout, normalized)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidExpiry, tag)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), SettlementHour, 0, 0, 0, time.UTC), nil
}

// ExpiryTag formats an expiry as the venue date tag, without a leading zero.
func ExpiryTag(expiry time.Time) string {
	tag := strings.ToUpper(expiry.UTC().Format(ExpiryLayout))
	return strings.TrimPrefix(tag, "0")
}

// OptionName builds ASSET-DMMMYY-STRIKE-P|C.
func OptionName(asset string, expiry time.Time, strike decimal.Decimal, optType model.OptionType) string {
	suffix := "P"
	if optType == model.Call {
		suffix = "C"
	}
	return fmt.Sprintf("%s-%s-%s-%s", strings.ToUpper(asset), ExpiryTag(expiry), strike.String(), suffix)
}

// PerpetualName builds ASSET-PERPETUAL.
func PerpetualName(asset string) string {
	return strings.ToUpper(asset) + "-PERPETUAL"
}

// SyntheticExpiry returns the settlement instant `days` after now.
func SyntheticExpiry(now time.Time, days int) time.Time {
	d := now.UTC().AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), SettlementHour, 0, 0, 0, time.UTC)
}

// SyntheticGrid generates `perSide` strikes on each side of spot on a
// `step` grid for one expiry. Used where the venue has no discrete listing.
func SyntheticGrid(asset string, expiry time.Time, spot, step decimal.Decimal, perSide int, optType model.OptionType) []model.Instrument {
	if !step.IsPositive() || perSide < 1 {
		return nil
	}
	center := spot.Div(step).Round(0).Mul(step)
	out := make([]model.Instrument, 0, 2*perSide+1)
	for i := -perSide; i <= perSide; i++ {
		strike := center.Add(step.Mul(decimal.NewFromInt(int64(i))))
		if !strike.IsPositive() {
			continue
		}
		out = append(out, model.Instrument{
			Name:       OptionName(asset, expiry, strike, optType),
			Asset:      strings.ToUpper(asset),
			Kind:       model.KindOption,
			OptionType: optType,
			Strike:     strike,
			Expiry:     expiry,
			ExpiryTag:  ExpiryTag(expiry),
			Synthetic:  true,
		})
	}
	return out
}
