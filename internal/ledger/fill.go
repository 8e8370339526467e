// Package ledger tracks the house's hedge inventory at weighted-average
// cost with realized P&L, the legs held for each coverage, and the
// customer positions those coverages protect.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// Apply books a fill of sizeDelta at fillPrice (USD per unit) against an
// entry and returns the new entry and the P&L realized by it.
//
// Same sign (or flat) blends cost; opposite sign closes min(|old|, |delta|)
// at (price − cost)×sign(old); a flip opens the remainder at the fill
// price. Cost is zero exactly when size is zero.
func Apply(e model.HedgeLedgerEntry, sizeDelta, fillPrice decimal.Decimal) (model.HedgeLedgerEntry, decimal.Decimal) {
	realized := decimal.Zero
	if sizeDelta.IsZero() {
		return e, realized
	}
	old := e.Size
	next := old.Add(sizeDelta)

	switch {
	case old.IsZero() || old.Sign() == sizeDelta.Sign():
		cost := e.AvgCostUsd.Mul(old.Abs()).Add(fillPrice.Mul(sizeDelta.Abs()))
		e.AvgCostUsd = cost.Div(next.Abs())
	default:
		closed := decimal.Min(old.Abs(), sizeDelta.Abs())
		realized = fillPrice.Sub(e.AvgCostUsd).Mul(decimal.NewFromInt(int64(old.Sign()))).Mul(closed)
		if !next.IsZero() && next.Sign() != old.Sign() {
			e.AvgCostUsd = fillPrice
		}
	}

	e.Size = next
	if next.IsZero() {
		e.AvgCostUsd = decimal.Zero
	}
	return e, realized
}
