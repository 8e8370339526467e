// Package model defines the core domain types shared across the hedge engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a customer position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// OptionType is "put" or "call". Long positions are protected with puts,
// short positions with calls.
type OptionType string

const (
	Put  OptionType = "put"
	Call OptionType = "call"
)

// OptionTypeFor returns the protective option type for a position side.
func OptionTypeFor(side PositionSide) OptionType {
	if side == SideShort {
		return Call
	}
	return Put
}

// OrderSide is the direction of a venue order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Tier identifies a customer pricing tier.
type Tier string

// InstrumentKind distinguishes dated options from perpetual futures.
type InstrumentKind string

const (
	KindOption    InstrumentKind = "option"
	KindPerpetual InstrumentKind = "perpetual"
)

// QuoteCurrency tells the aggregator how a venue denominates its book.
type QuoteCurrency string

const (
	QuoteUSD  QuoteCurrency = "usd"
	QuoteBase QuoteCurrency = "base" // premium quoted in units of the underlying
)

// Coverage statuses.
const (
	CoverageActive    = "active"
	CoverageExpired   = "expired"
	// CoverageCancelled is a coverage whose hedge never filled.
	CoverageCancelled = "cancelled"
)

// Position is a customer's leveraged position. Owned by the account and
// replaced wholesale on each portfolio ingest.
type Position struct {
	AccountID  string          `json:"account_id"`
	Asset      string          `json:"asset"`
	Side       PositionSide    `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Size       decimal.Decimal `json:"size"`
	Leverage   decimal.Decimal `json:"leverage"`
	Margin     decimal.Decimal `json:"margin"`
}

// Notional is entry price × size.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

// EffectiveMargin returns the posted margin, deriving notional/leverage
// when the account did not report one.
func (p Position) EffectiveMargin() decimal.Decimal {
	if p.Margin.IsPositive() {
		return p.Margin
	}
	if p.Leverage.IsPositive() {
		return p.Notional().Div(p.Leverage)
	}
	return p.Notional()
}

// PnL is the unrealized profit of the position at the given price.
func (p Position) PnL(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size)
}

// Instrument is a tradable contract on some venue.
type Instrument struct {
	Name       string          `json:"name"`
	Asset      string          `json:"asset"`
	Kind       InstrumentKind  `json:"kind"`
	OptionType OptionType      `json:"option_type,omitempty"`
	Strike     decimal.Decimal `json:"strike"`
	Expiry     time.Time       `json:"expiry"`
	ExpiryTag  string          `json:"expiry_tag,omitempty"` // e.g. 27DEC24
	Synthetic  bool            `json:"synthetic,omitempty"`  // generated grid, not a venue listing
}

// DaysToExpiry returns whole days between now and expiry, rounded to nearest.
func (i Instrument) DaysToExpiry(now time.Time) int {
	if i.Expiry.IsZero() {
		return 0
	}
	hours := i.Expiry.Sub(now).Hours()
	return int(hours/24 + 0.5)
}

// PriceLevel is one rung of an order book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a venue snapshot for one instrument.
type OrderBook struct {
	Instrument    string        `json:"instrument"`
	Venue         string        `json:"venue"`
	QuoteCurrency QuoteCurrency `json:"quote_currency"`
	Bids          []PriceLevel  `json:"bids"` // best first
	Asks          []PriceLevel  `json:"asks"` // best first
	Timestamp     time.Time     `json:"timestamp"`
}

// Ticker carries mark price and implied volatility.
type Ticker struct {
	Instrument string          `json:"instrument"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
	MarkIV     decimal.Decimal `json:"mark_iv"` // annualized, as a fraction (0.55 = 55%)
	IndexPrice decimal.Decimal `json:"index_price"`
}

// VenueQuote is a USD-normalized top-of-book view of one venue.
type VenueQuote struct {
	Venue      string          `json:"venue"`
	Instrument string          `json:"instrument"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	BidSize    decimal.Decimal `json:"bid_size"`
	AskSize    decimal.Decimal `json:"ask_size"`
	SpreadPct  decimal.Decimal `json:"spread_pct"`
	BidLevels  []PriceLevel    `json:"bid_levels,omitempty"`
	AskLevels  []PriceLevel    `json:"ask_levels,omitempty"`
	Timestamp  time.Time       `json:"ts"`
}

// OrderRequest is sent to a MarketConnector.
type OrderRequest struct {
	Instrument string          `json:"instrument"`
	Amount     decimal.Decimal `json:"amount"`
	Side       OrderSide       `json:"side"`
	Type       string          `json:"type"` // "market" or "limit"
	Price      decimal.Decimal `json:"price"`
	Label      string          `json:"label,omitempty"`
}

// Order statuses reported by connectors.
const (
	OrderFilled   = "filled"
	OrderPartial  = "partial"
	OrderOpen     = "open"
	OrderRejected = "rejected"
)

// OrderResult is the connector's answer to PlaceOrder.
type OrderResult struct {
	OrderID      string          `json:"order_id"`
	Venue        string          `json:"venue"`
	Status       string          `json:"status"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	FillPrice    decimal.Decimal `json:"fill_price"` // USD per unit
}

// CoverageLeg is one hedge instrument held for a coverage.
type CoverageLeg struct {
	Instrument string          `json:"instrument"`
	Size       decimal.Decimal `json:"size"` // signed
	Venue      string          `json:"venue"`
	Strike     decimal.Decimal `json:"strike"`
	OptionType OptionType      `json:"option_type,omitempty"`
}

// Coverage is one protection contract tied to a position.
type Coverage struct {
	ID                string          `json:"coverage_id" db:"id"`
	AccountID         string          `json:"account_id" db:"account_id"`
	Asset             string          `json:"asset" db:"asset"`
	PositionSide      PositionSide    `json:"position_side" db:"position_side"`
	Tier              Tier            `json:"tier" db:"tier"`
	DrawdownFloorPct  decimal.Decimal `json:"drawdown_floor_pct" db:"drawdown_floor_pct"`
	TenorDays         int             `json:"tenor_days" db:"tenor_days"`
	Expiry            time.Time       `json:"expiry" db:"expiry"`
	AutoRenew         bool            `json:"auto_renew" db:"auto_renew"`
	Venue             string          `json:"venue" db:"venue"`
	OptionType        OptionType      `json:"option_type" db:"option_type"`
	Strike            decimal.Decimal `json:"strike" db:"strike"`
	Fee               decimal.Decimal `json:"fee" db:"fee"`
	Premium           decimal.Decimal `json:"premium" db:"premium"`
	Subsidy           decimal.Decimal `json:"subsidy" db:"subsidy"`
	AllocatedCredit   decimal.Decimal `json:"allocated_credit" db:"allocated_credit"`
	// ProtectedNotional is the notional booked against risk limits when
	// the coverage was sold; expiry releases exactly this amount.
	ProtectedNotional decimal.Decimal `json:"protected_notional" db:"protected_notional"`
	Demo              bool            `json:"demo" db:"demo"`
	Status            string          `json:"status" db:"status"`
	Legs              []CoverageLeg   `json:"legs" db:"legs"`
	AppliedFills      []string        `json:"applied_fills,omitempty" db:"applied_fills"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	RenewedAt         time.Time       `json:"renewed_at,omitempty" db:"renewed_at"`
}

// Clone returns a deep copy.
func (c Coverage) Clone() Coverage {
	out := c
	out.Legs = append([]CoverageLeg(nil), c.Legs...)
	out.AppliedFills = append([]string(nil), c.AppliedFills...)
	return out
}

// HedgeSize is the sum of signed leg sizes.
func (c Coverage) HedgeSize() decimal.Decimal {
	total := decimal.Zero
	for _, l := range c.Legs {
		total = total.Add(l.Size)
	}
	return total
}

// HedgeLedgerEntry is the house's inventory in one instrument.
// Invariant: AvgCostUsd is zero if and only if Size is zero.
type HedgeLedgerEntry struct {
	Instrument string          `json:"instrument" db:"instrument"`
	Size       decimal.Decimal `json:"size" db:"size"` // signed
	AvgCostUsd decimal.Decimal `json:"avg_cost_usd" db:"avg_cost_usd"`
}

// NetLot is notional hedged by one net-exposure fill. Expiry is zero for
// a perpetual.
type NetLot struct {
	ID         string          `json:"lot_id" db:"id"`
	Asset      string          `json:"asset" db:"asset"`
	Instrument string          `json:"instrument" db:"instrument"`
	Notional   decimal.Decimal `json:"notional" db:"notional"`
	Expiry     time.Time       `json:"expiry,omitempty" db:"expiry"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
