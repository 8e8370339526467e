package quote

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/model"
)

// Fingerprint buckets a request so that near-identical requests share one
// cached pricing. Spot is bucketed to the power of ten nearest below
// spot×SpotBucketPct; drawdown and size to fixed steps.
func Fingerprint(q config.QuoteConfig, tier model.Tier, p model.Position, spot, drawdown decimal.Decimal, tenorDays int) string {
	spotStep := magnitude(spot.Mul(q.SpotBucketPct))
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s|%s",
		tier, p.Asset, p.Side,
		bucket(spot, spotStep).String(),
		bucket(drawdown, q.DrawdownBucket).String(),
		tenorDays,
		bucket(p.Size, q.SizeBucket).String(),
		p.Leverage.String(),
	)
}

func magnitude(x decimal.Decimal) decimal.Decimal {
	if !x.IsPositive() {
		return decimal.Zero
	}
	f, _ := x.Float64()
	return decimal.New(1, int32(math.Floor(math.Log10(f))))
}

func bucket(x, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return x
	}
	return x.Div(step).Round(0).Mul(step)
}
