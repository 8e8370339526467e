package ledger

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// Valuation is one coverage marked to market.
type Valuation struct {
	CoverageID    string          `json:"coverage_id"`
	Spot          decimal.Decimal `json:"spot"`
	Margin        decimal.Decimal `json:"margin"`
	PositionPnL   decimal.Decimal `json:"position_pnl"`
	HedgeMTM      decimal.Decimal `json:"hedge_mtm"`
	Credit        decimal.Decimal `json:"allocated_credit"`
	DrawdownLimit decimal.Decimal `json:"drawdown_limit"`
	Buffer        decimal.Decimal `json:"buffer"`
	BufferPct     decimal.Decimal `json:"buffer_pct"`
	// DemoCredit is the credit a demo coverage books to bring a negative
	// buffer back to zero. Always zero in production.
	DemoCredit decimal.Decimal `json:"demo_credit"`
	// Unpriced lists legs with no mark; they contribute zero.
	Unpriced []string `json:"unpriced,omitempty"`
}

// MarkToMarket values a coverage against its position:
//
//	buffer    = margin + positionPnL + hedgeMTM + allocatedCredit − drawdownLimit
//	bufferPct = buffer / margin
//
// The drawdown limit is the share of margin the customer may not lose,
// margin×(1 − floor). marks are USD per unit by instrument.
func MarkToMarket(c model.Coverage, p model.Position, marks map[string]decimal.Decimal, spot decimal.Decimal) Valuation {
	v := Valuation{CoverageID: c.ID, Spot: spot, Credit: c.AllocatedCredit}
	v.Margin = p.EffectiveMargin()
	v.PositionPnL = p.PnL(spot)
	for _, leg := range c.Legs {
		mark, ok := marks[leg.Instrument]
		if !ok {
			v.Unpriced = append(v.Unpriced, leg.Instrument)
			continue
		}
		v.HedgeMTM = v.HedgeMTM.Add(leg.Size.Mul(mark))
	}
	v.DrawdownLimit = v.Margin.Mul(decimal.NewFromInt(1).Sub(c.DrawdownFloorPct))
	v.Buffer = v.Margin.Add(v.PositionPnL).Add(v.HedgeMTM).Add(v.Credit).Sub(v.DrawdownLimit)
	if v.Margin.IsPositive() {
		v.BufferPct = v.Buffer.Div(v.Margin)
	}
	if c.Demo && v.Buffer.IsNegative() {
		v.DemoCredit = v.Buffer.Neg()
	}
	return v
}

// PositionBook holds each account's positions, replaced wholesale on
// every portfolio ingest.
type PositionBook struct {
	mu        sync.RWMutex
	byAccount map[string][]model.Position
}

// NewPositionBook creates an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{byAccount: make(map[string][]model.Position)}
}

// Replace sets an account's positions.
func (b *PositionBook) Replace(accountID string, positions []model.Position) {
	cp := make([]model.Position, len(positions))
	copy(cp, positions)
	for i := range cp {
		cp[i].AccountID = accountID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(cp) == 0 {
		delete(b.byAccount, accountID)
		return
	}
	b.byAccount[accountID] = cp
}

// Account returns an account's positions.
func (b *PositionBook) Account(accountID string) []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]model.Position(nil), b.byAccount[accountID]...)
}

// Find returns the account's position in asset on side.
func (b *PositionBook) Find(accountID, asset string, side model.PositionSide) (model.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.byAccount[accountID] {
		if p.Asset == asset && p.Side == side {
			return p, true
		}
	}
	return model.Position{}, false
}

// NetNotional sums signed position notional per asset across accounts at
// the given prices (entry price when an asset has none).
func (b *PositionBook) NetNotional(prices map[string]decimal.Decimal) map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]decimal.Decimal)
	for _, positions := range b.byAccount {
		for _, p := range positions {
			price, ok := prices[p.Asset]
			if !ok || !price.IsPositive() {
				price = p.EntryPrice
			}
			n := price.Mul(p.Size)
			if p.Side == model.SideShort {
				n = n.Neg()
			}
			out[p.Asset] = out[p.Asset].Add(n)
		}
	}
	return out
}

// Assets lists every asset with an open position.
func (b *PositionBook) Assets() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, positions := range b.byAccount {
		for _, p := range positions {
			if !seen[p.Asset] {
				seen[p.Asset] = true
				out = append(out, p.Asset)
			}
		}
	}
	return out
}
