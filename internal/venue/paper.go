package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/contract"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/pricing"
)

// PaperConnector is an in-memory venue. Books set explicitly with SetBook
// are served as-is; any other parseable instrument gets a synthetic book
// around its Black-Scholes value. Orders fill immediately against the book
// without consuming it.
type PaperConnector struct {
	name string

	mu          sync.RWMutex
	index       map[string]decimal.Decimal
	iv          map[string]decimal.Decimal
	books       map[string]model.OrderBook
	listings    map[string][]model.Instrument
	currency    model.QuoteCurrency
	spreadPct   decimal.Decimal
	depth       decimal.Decimal
	levels      int
	latency     time.Duration
	failure     error
	now         func() time.Time
	defaultIV   decimal.Decimal
	minTickFrac decimal.Decimal
}

// PaperOption configures a PaperConnector.
type PaperOption func(*PaperConnector)

// WithLatency delays every call, honoring context cancellation.
func WithLatency(d time.Duration) PaperOption {
	return func(p *PaperConnector) { p.latency = d }
}

// WithClock sets the clock used for time to expiry.
func WithClock(now func() time.Time) PaperOption {
	return func(p *PaperConnector) { p.now = now }
}

// WithQuoteCurrency sets the currency synthetic books are quoted in.
func WithQuoteCurrency(c model.QuoteCurrency) PaperOption {
	return func(p *PaperConnector) { p.currency = c }
}

// WithSyntheticBook sets the spread and per-level depth of synthetic books.
func WithSyntheticBook(spreadPct, depth decimal.Decimal, levels int) PaperOption {
	return func(p *PaperConnector) {
		p.spreadPct = spreadPct
		p.depth = depth
		p.levels = levels
	}
}

// NewPaperConnector creates a paper venue.
func NewPaperConnector(name string, opts ...PaperOption) *PaperConnector {
	p := &PaperConnector{
		name:        name,
		index:       make(map[string]decimal.Decimal),
		iv:          make(map[string]decimal.Decimal),
		books:       make(map[string]model.OrderBook),
		listings:    make(map[string][]model.Instrument),
		currency:    model.QuoteUSD,
		spreadPct:   decimal.RequireFromString("0.04"),
		depth:       decimal.NewFromInt(5),
		levels:      3,
		now:         time.Now,
		defaultIV:   decimal.RequireFromString("0.6"),
		minTickFrac: decimal.RequireFromString("0.0001"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *PaperConnector) Name() string { return p.name }

// SetIndexPrice sets an asset's spot.
func (p *PaperConnector) SetIndexPrice(asset string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index[strings.ToUpper(asset)] = price
}

// SetIV sets the implied volatility used for synthetic pricing.
func (p *PaperConnector) SetIV(asset string, iv decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iv[strings.ToUpper(asset)] = iv
}

// SetBook pins an explicit book for an instrument.
func (p *PaperConnector) SetBook(book model.OrderBook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if book.Venue == "" {
		book.Venue = p.name
	}
	if book.QuoteCurrency == "" {
		book.QuoteCurrency = model.QuoteUSD
	}
	p.books[book.Instrument] = book
}

// List adds instruments to the venue's listing.
func (p *PaperConnector) List(instruments ...model.Instrument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range instruments {
		asset := strings.ToUpper(inst.Asset)
		p.listings[asset] = append(p.listings[asset], inst)
	}
}

// Fail makes every subsequent call return err. nil restores service.
func (p *PaperConnector) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failure = err
}

func (p *PaperConnector) wait(ctx context.Context) error {
	p.mu.RLock()
	lat, failure := p.latency, p.failure
	p.mu.RUnlock()
	if lat > 0 {
		t := time.NewTimer(lat)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failure
}

func (p *PaperConnector) GetIndexPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := p.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.index[strings.ToUpper(asset)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no index for %s", ErrUnknownInstrument, asset)
	}
	return price, nil
}

func (p *PaperConnector) ListInstruments(ctx context.Context, asset string) ([]model.Instrument, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	list := p.listings[strings.ToUpper(asset)]
	return append([]model.Instrument(nil), list...), nil
}

func (p *PaperConnector) GetOrderBook(ctx context.Context, instrument string) (model.OrderBook, error) {
	if err := p.wait(ctx); err != nil {
		return model.OrderBook{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.book(instrument)
}

// book returns the pinned or synthetic book. Caller holds mu.
func (p *PaperConnector) book(instrument string) (model.OrderBook, error) {
	if b, ok := p.books[instrument]; ok {
		return b, nil
	}
	mark, spot, _, err := p.mark(instrument)
	if err != nil {
		return model.OrderBook{}, err
	}
	if p.currency == model.QuoteBase {
		mark = mark.Div(spot)
	}

	one := decimal.NewFromInt(1)
	half := p.spreadPct.Div(decimal.NewFromInt(2))
	step := decimal.RequireFromString("0.01")
	book := model.OrderBook{
		Instrument:    instrument,
		Venue:         p.name,
		QuoteCurrency: p.currency,
		Timestamp:     p.now(),
	}
	for i := 0; i < p.levels; i++ {
		off := step.Mul(decimal.NewFromInt(int64(i)))
		ask := mark.Mul(one.Add(half).Add(off))
		bid := mark.Mul(one.Sub(half).Sub(off))
		book.Asks = append(book.Asks, model.PriceLevel{Price: ask, Size: p.depth})
		if bid.IsPositive() {
			book.Bids = append(book.Bids, model.PriceLevel{Price: bid, Size: p.depth})
		}
	}
	return book, nil
}

// mark returns the USD fair value, spot, and IV of an instrument. Caller
// holds mu.
func (p *PaperConnector) mark(instrument string) (mark, spot, iv decimal.Decimal, err error) {
	inst, err := contract.Parse(instrument)
	if err != nil {
		return mark, spot, iv, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	spot, ok := p.index[inst.Asset]
	if !ok {
		return mark, spot, iv, fmt.Errorf("%w: no index for %s", ErrUnknownInstrument, inst.Asset)
	}
	iv, ok = p.iv[inst.Asset]
	if !ok {
		iv = p.defaultIV
	}
	if inst.Kind == model.KindPerpetual {
		return spot, spot, iv, nil
	}
	days := inst.Expiry.Sub(p.now()).Hours() / 24
	if days <= 0 {
		return mark, spot, iv, fmt.Errorf("%w: %s expired", ErrUnknownInstrument, instrument)
	}
	mark, err = pricing.BlackScholes(inst.OptionType, spot, inst.Strike, iv, days)
	if err != nil {
		return mark, spot, iv, err
	}
	mark = decimal.Max(mark, spot.Mul(p.minTickFrac))
	return mark, spot, iv, nil
}

func (p *PaperConnector) GetTicker(ctx context.Context, instrument string) (model.Ticker, error) {
	if err := p.wait(ctx); err != nil {
		return model.Ticker{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if b, ok := p.books[instrument]; ok && len(b.Bids) > 0 && len(b.Asks) > 0 {
		inst, err := contract.Parse(instrument)
		if err != nil {
			return model.Ticker{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
		}
		spot := p.index[inst.Asset]
		mid := b.Bids[0].Price.Add(b.Asks[0].Price).Div(decimal.NewFromInt(2))
		if b.QuoteCurrency == model.QuoteBase {
			mid = mid.Mul(spot)
		}
		iv, ok := p.iv[inst.Asset]
		if !ok {
			iv = p.defaultIV
		}
		return model.Ticker{Instrument: instrument, MarkPrice: mid, MarkIV: iv, IndexPrice: spot}, nil
	}

	mark, spot, iv, err := p.mark(instrument)
	if err != nil {
		return model.Ticker{}, err
	}
	return model.Ticker{Instrument: instrument, MarkPrice: mark, MarkIV: iv, IndexPrice: spot}, nil
}

// PlaceOrder fills against the current book, up to its depth.
func (p *PaperConnector) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if err := p.wait(ctx); err != nil {
		return model.OrderResult{}, err
	}
	if !req.Amount.IsPositive() {
		return model.OrderResult{}, fmt.Errorf("venue: order amount must be positive, got %s", req.Amount)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	book, err := p.book(req.Instrument)
	if err != nil {
		return model.OrderResult{}, err
	}
	levels := book.Asks
	if req.Side == model.Sell {
		levels = book.Bids
	}

	res := model.OrderResult{OrderID: uuid.NewString(), Venue: p.name}
	remaining := req.Amount
	cost := decimal.Zero
	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		if req.Type == "limit" && req.Price.IsPositive() &&
			((req.Side == model.Buy && l.Price.GreaterThan(req.Price)) ||
				(req.Side == model.Sell && l.Price.LessThan(req.Price))) {
			break
		}
		take := decimal.Min(remaining, l.Size)
		cost = cost.Add(l.Price.Mul(take))
		remaining = remaining.Sub(take)
	}
	res.FilledAmount = req.Amount.Sub(remaining)
	switch {
	case !res.FilledAmount.IsPositive():
		res.Status = model.OrderRejected
		return res, nil
	case remaining.IsPositive():
		res.Status = model.OrderPartial
	default:
		res.Status = model.OrderFilled
	}
	res.FillPrice = cost.Div(res.FilledAmount)
	if book.QuoteCurrency == model.QuoteBase {
		inst, err := contract.Parse(req.Instrument)
		if err == nil {
			res.FillPrice = res.FillPrice.Mul(p.index[inst.Asset])
		}
	}
	return res, nil
}
