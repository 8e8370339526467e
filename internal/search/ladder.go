package search

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/contract"
	"github.com/atmx/hedge-engine/internal/model"
)

// Ladder returns the tenors to try for a target: centred on the target
// (clamped into [1, preferred]) alternating longer then shorter, then
// extended ascending through (preferred, fallback].
func Ladder(target, preferred, fallback int) []int {
	if preferred < 1 {
		return nil
	}
	center := min(max(target, 1), preferred)
	days := []int{center}
	for off := 1; ; off++ {
		hi, lo := center+off, center-off
		if hi > preferred && lo < 1 {
			break
		}
		if hi <= preferred {
			days = append(days, hi)
		}
		if lo >= 1 {
			days = append(days, lo)
		}
	}
	for day := preferred + 1; day <= fallback; day++ {
		days = append(days, day)
	}
	return days
}

// RollMultiplier is ceil(target/found) when the found tenor is shorter than
// the target, else 1.
func RollMultiplier(target, found int) int {
	if found <= 0 || found >= target {
		return 1
	}
	return (target + found - 1) / found
}

// expiryGroup is one expiry and its protective-side listings.
type expiryGroup struct {
	expiry      time.Time
	tag         string
	days        int
	rank        int // first ladder position mapping to this expiry
	synthetic   bool
	instruments []model.Instrument
	score       decimal.Decimal
}

// mapExpiries maps each ladder day to the nearest listed expiry, or to a
// synthetic grid around center when nothing is listed. Groups come back in
// ladder order.
func mapExpiries(ladder []int, universe []model.Instrument, now time.Time, asset string, center, step decimal.Decimal, perSide, maxDays int, optType model.OptionType) []*expiryGroup {
	if len(universe) == 0 {
		groups := make([]*expiryGroup, 0, len(ladder))
		for rank, day := range ladder {
			exp := contract.SyntheticExpiry(now, day)
			groups = append(groups, &expiryGroup{
				expiry:      exp,
				tag:         contract.ExpiryTag(exp),
				days:        day,
				rank:        rank,
				synthetic:   true,
				instruments: contract.SyntheticGrid(asset, exp, center, step, perSide, optType),
			})
		}
		return groups
	}

	byExpiry := make(map[int64]*expiryGroup)
	var expiries []time.Time
	for _, inst := range universe {
		if inst.Kind != model.KindOption || inst.OptionType != optType {
			continue
		}
		days := inst.DaysToExpiry(now)
		if days < 1 || days > maxDays || !inst.Expiry.After(now) {
			continue
		}
		g, ok := byExpiry[inst.Expiry.Unix()]
		if !ok {
			g = &expiryGroup{expiry: inst.Expiry, tag: contract.ExpiryTag(inst.Expiry), days: days, rank: -1}
			byExpiry[inst.Expiry.Unix()] = g
			expiries = append(expiries, inst.Expiry)
		}
		g.instruments = append(g.instruments, inst)
	}
	if len(expiries) == 0 {
		return nil
	}
	sort.Slice(expiries, func(i, j int) bool { return expiries[i].Before(expiries[j]) })

	var groups []*expiryGroup
	for rank, day := range ladder {
		want := now.Add(time.Duration(day) * 24 * time.Hour)
		nearest := expiries[0]
		for _, e := range expiries[1:] {
			if absDuration(e.Sub(want)) < absDuration(nearest.Sub(want)) {
				nearest = e
			}
		}
		g := byExpiry[nearest.Unix()]
		if g.rank >= 0 {
			continue
		}
		g.rank = rank
		groups = append(groups, g)
	}
	return groups
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// defaultStep picks a strike grid of roughly 1% of spot when none is
// configured for the asset.
func defaultStep(spot decimal.Decimal) decimal.Decimal {
	step := spot.Div(decimal.NewFromInt(100)).Round(0)
	if !step.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return step
}
