package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/contract"
	"github.com/atmx/hedge-engine/internal/hedgeerr"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
)

// PlanLeg is the part of a fill plan routed to one venue.
type PlanLeg struct {
	Venue string          `json:"venue"`
	Price decimal.Decimal `json:"price"` // USD, size-weighted across swept levels
	Size  decimal.Decimal `json:"size"`
}

// Aggregation is the merged view of several venue books for one side.
type Aggregation struct {
	Instrument    string          `json:"instrument"`
	Side          model.OrderSide `json:"side"`
	RequestedSize decimal.Decimal `json:"requested_size"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Cost          decimal.Decimal `json:"cost"`
	BestBid       decimal.Decimal `json:"best_bid"`
	BestAsk       decimal.Decimal `json:"best_ask"`
	TotalDepth    decimal.Decimal `json:"total_depth"`
	SpreadPct     decimal.Decimal `json:"spread_pct"`
	SlippagePct   decimal.Decimal `json:"slippage_pct"`
	Legs          []PlanLeg       `json:"legs"`
}

// Empty reports whether nothing could be filled.
func (a Aggregation) Empty() bool {
	return len(a.Legs) == 0 || !a.FilledSize.IsPositive()
}

// Complete reports whether the full requested size was filled.
func (a Aggregation) Complete() bool {
	return !a.Empty() && a.FilledSize.GreaterThanOrEqual(a.RequestedSize)
}

// Fill is one executed venue order.
type Fill struct {
	ID      string          `json:"fill_id"` // venue:order, used for idempotent ledger merges
	Venue   string          `json:"venue"`
	OrderID string          `json:"order_id"`
	Status  string          `json:"status"`
	Size    decimal.Decimal `json:"size"`
	Price   decimal.Decimal `json:"price"`
}

// Aggregator routes quotes and orders across connectors.
type Aggregator struct {
	controls   *config.Holder
	connectors []MarketConnector
	byName     map[string]MarketConnector
	breakers   map[string]*Breaker
	logger     *slog.Logger
}

// NewAggregator creates an aggregator. Breaker thresholds are read once.
func NewAggregator(controls *config.Holder, connectors ...MarketConnector) *Aggregator {
	vc := controls.Get().Venues
	a := &Aggregator{
		controls:   controls,
		connectors: connectors,
		byName:     make(map[string]MarketConnector, len(connectors)),
		breakers:   make(map[string]*Breaker, len(connectors)),
		logger:     slog.Default().With("component", "aggregator"),
	}
	for _, c := range connectors {
		a.byName[c.Name()] = c
		a.breakers[c.Name()] = NewBreaker(c.Name(), vc.BreakerFailures, vc.BreakerCooldown, nil)
	}
	return a
}

// Venues lists configured connector names in registration order.
func (a *Aggregator) Venues() []string {
	out := make([]string, 0, len(a.connectors))
	for _, c := range a.connectors {
		out = append(out, c.Name())
	}
	return out
}

// BreakerStates reports every venue's breaker state.
func (a *Aggregator) BreakerStates() map[string]string {
	out := make(map[string]string, len(a.breakers))
	for name, b := range a.breakers {
		out[name] = b.State().String()
	}
	return out
}

// enabled returns connectors not disabled by the controls.
func (a *Aggregator) enabled() []MarketConnector {
	disabled := a.controls.Get().Venues.Disabled
	out := make([]MarketConnector, 0, len(a.connectors))
	for _, c := range a.connectors {
		if !slices.Contains(disabled, c.Name()) {
			out = append(out, c)
		}
	}
	return out
}

// admit reports whether the venue's breaker lets a call through. A call
// that is admitted must have its result recorded.
func (a *Aggregator) admit(c MarketConnector) bool {
	if a.breakers[c.Name()].Allow() {
		return true
	}
	a.logger.Debug("venue skipped, breaker open", "venue", c.Name())
	return false
}

type venueResult struct {
	venue string
	quote model.VenueQuote
	err   error
}

// GetQuotes fetches a USD-normalized quote for one instrument from every
// available venue. With exactly two venues and the fast path on, the first
// usable response is returned and the slower one is only compared for
// telemetry.
func (a *Aggregator) GetQuotes(ctx context.Context, instrument string, spot decimal.Decimal) ([]model.VenueQuote, error) {
	var venues []MarketConnector
	for _, c := range a.enabled() {
		if a.admit(c) {
			venues = append(venues, c)
		}
	}
	if len(venues) == 0 {
		return nil, hedgeerr.New(hedgeerr.NoLiquidity, "no venue available").
			WithSuggestions("retry after venue recovery")
	}
	vc := a.controls.Get().Venues

	results := make(chan venueResult, len(venues))
	// Calls outlive a fast-path return; detach them from caller cancellation
	// so a slow venue is not charged a breaker failure for it.
	base := context.WithoutCancel(ctx)
	for _, c := range venues {
		go func(c MarketConnector) {
			cctx, cancel := context.WithTimeout(base, vc.QuoteTimeout)
			defer cancel()
			q, err := a.fetchQuote(cctx, c, instrument, spot)
			results <- venueResult{venue: c.Name(), quote: q, err: err}
		}(c)
	}

	if vc.FastPath && len(venues) == 2 {
		for i := 0; i < 2; i++ {
			var r venueResult
			select {
			case r = <-results:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if r.err != nil {
				continue
			}
			if i == 0 {
				go a.compareSlower(r.quote, results)
			}
			return []model.VenueQuote{r.quote}, nil
		}
		return nil, noLiquidity(instrument)
	}

	quotes := make([]model.VenueQuote, 0, len(venues))
	for range venues {
		select {
		case r := <-results:
			if r.err == nil {
				quotes = append(quotes, r.quote)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(quotes) == 0 {
		return nil, noLiquidity(instrument)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Venue < quotes[j].Venue })
	return quotes, nil
}

func noLiquidity(instrument string) error {
	return hedgeerr.New(hedgeerr.NoLiquidity, "no venue has a usable book for "+instrument)
}

// compareSlower records what the slower venue would have cost relative to
// the fast-path answer.
func (a *Aggregator) compareSlower(fast model.VenueQuote, results <-chan venueResult) {
	slow := <-results
	if slow.err != nil || !fast.Ask.IsPositive() || !slow.quote.Ask.IsPositive() {
		return
	}
	savings := fast.Ask.Sub(slow.quote.Ask)
	metrics.FastPathSavings.Observe(savings.InexactFloat64())
	a.logger.Debug("fast path comparison",
		"instrument", fast.Instrument,
		"fast_venue", fast.Venue,
		"slow_venue", slow.venue,
		"savings_usd", savings.String(),
	)
}

func (a *Aggregator) fetchQuote(ctx context.Context, c MarketConnector, instrument string, spot decimal.Decimal) (model.VenueQuote, error) {
	start := time.Now()
	book, err := c.GetOrderBook(ctx, instrument)
	metrics.ObserveVenue(c.Name(), "order_book", start, err)
	if err != nil && !errors.Is(err, ErrEmptyBook) && !errors.Is(err, ErrUnknownInstrument) {
		a.breakers[c.Name()].Record(err)
		a.logger.Warn("order book fetch failed", "venue", c.Name(), "instrument", instrument, "error", err)
		return model.VenueQuote{}, err
	}
	a.breakers[c.Name()].Record(nil)
	if err != nil {
		return model.VenueQuote{}, err
	}

	if book.QuoteCurrency == model.QuoteBase && !spot.IsPositive() {
		inst, perr := contract.Parse(instrument)
		if perr != nil {
			return model.VenueQuote{}, perr
		}
		if spot, err = c.GetIndexPrice(ctx, inst.Asset); err != nil {
			return model.VenueQuote{}, fmt.Errorf("venue: index for %s: %w", inst.Asset, err)
		}
	}
	q := Normalize(book, spot)
	if q.Venue == "" {
		q.Venue = c.Name()
	}
	if !q.Ask.IsPositive() && !q.Bid.IsPositive() {
		return model.VenueQuote{}, ErrEmptyBook
	}
	return q, nil
}

// Normalize converts a venue book into a USD quote. Base-quoted prices are
// multiplied by spot.
func Normalize(book model.OrderBook, spot decimal.Decimal) model.VenueQuote {
	conv := func(levels []model.PriceLevel) []model.PriceLevel {
		out := make([]model.PriceLevel, 0, len(levels))
		for _, l := range levels {
			if !l.Price.IsPositive() || !l.Size.IsPositive() {
				continue
			}
			p := l.Price
			if book.QuoteCurrency == model.QuoteBase {
				p = p.Mul(spot)
			}
			out = append(out, model.PriceLevel{Price: p, Size: l.Size})
		}
		return out
	}
	q := model.VenueQuote{
		Venue:      book.Venue,
		Instrument: book.Instrument,
		BidLevels:  conv(book.Bids),
		AskLevels:  conv(book.Asks),
		Timestamp:  book.Timestamp,
	}
	if len(q.BidLevels) > 0 {
		q.Bid, q.BidSize = q.BidLevels[0].Price, q.BidLevels[0].Size
	}
	if len(q.AskLevels) > 0 {
		q.Ask, q.AskSize = q.AskLevels[0].Price, q.AskLevels[0].Size
	}
	q.SpreadPct = SpreadPct(q.Bid, q.Ask)
	return q
}

// SpreadPct is (ask−bid)/mid. A one-sided book counts as a 100% spread.
func SpreadPct(bid, ask decimal.Decimal) decimal.Decimal {
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.NewFromInt(1)
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	return ask.Sub(bid).Div(mid)
}

func sideLevels(q model.VenueQuote, side model.OrderSide) []model.PriceLevel {
	if side == model.Buy {
		if len(q.AskLevels) > 0 {
			return q.AskLevels
		}
		return []model.PriceLevel{{Price: q.Ask, Size: q.AskSize}}
	}
	if len(q.BidLevels) > 0 {
		return q.BidLevels
	}
	return []model.PriceLevel{{Price: q.Bid, Size: q.BidSize}}
}

// Aggregate merges venue quotes into a fill plan: all (venue, level)
// candidates on the taking side, best price first, filled greedily up to
// requiredSize using at most maxLegs venues. No quotes yields an empty
// aggregation.
func Aggregate(quotes []model.VenueQuote, side model.OrderSide, requiredSize decimal.Decimal, maxLegs int) Aggregation {
	agg := Aggregation{Side: side, RequestedSize: requiredSize}
	if len(quotes) == 0 {
		return agg
	}
	agg.Instrument = quotes[0].Instrument

	type candidate struct {
		venue string
		price decimal.Decimal
		size  decimal.Decimal
	}
	var cands []candidate
	for _, q := range quotes {
		if q.Bid.IsPositive() && (agg.BestBid.IsZero() || q.Bid.GreaterThan(agg.BestBid)) {
			agg.BestBid = q.Bid
		}
		if q.Ask.IsPositive() && (agg.BestAsk.IsZero() || q.Ask.LessThan(agg.BestAsk)) {
			agg.BestAsk = q.Ask
		}
		for _, l := range sideLevels(q, side) {
			if !l.Price.IsPositive() || !l.Size.IsPositive() {
				continue
			}
			cands = append(cands, candidate{venue: q.Venue, price: l.Price, size: l.Size})
			agg.TotalDepth = agg.TotalDepth.Add(l.Size)
		}
	}
	agg.SpreadPct = SpreadPct(agg.BestBid, agg.BestAsk)

	sort.SliceStable(cands, func(i, j int) bool {
		if side == model.Buy {
			return cands[i].price.LessThan(cands[j].price)
		}
		return cands[i].price.GreaterThan(cands[j].price)
	})

	legIdx := make(map[string]int)
	var legCost []decimal.Decimal
	remaining := requiredSize
	for _, c := range cands {
		if !remaining.IsPositive() {
			break
		}
		i, ok := legIdx[c.venue]
		if !ok {
			if maxLegs > 0 && len(agg.Legs) >= maxLegs {
				continue
			}
			i = len(agg.Legs)
			legIdx[c.venue] = i
			agg.Legs = append(agg.Legs, PlanLeg{Venue: c.venue})
			legCost = append(legCost, decimal.Zero)
		}
		take := decimal.Min(remaining, c.size)
		agg.Legs[i].Size = agg.Legs[i].Size.Add(take)
		legCost[i] = legCost[i].Add(c.price.Mul(take))
		agg.Cost = agg.Cost.Add(c.price.Mul(take))
		remaining = remaining.Sub(take)
	}
	for i := range agg.Legs {
		agg.Legs[i].Price = legCost[i].Div(agg.Legs[i].Size)
	}

	if requiredSize.IsPositive() {
		agg.FilledSize = requiredSize.Sub(decimal.Max(remaining, decimal.Zero))
	}
	if !agg.FilledSize.IsPositive() {
		return agg
	}
	agg.AvgPrice = agg.Cost.Div(agg.FilledSize)
	if side == model.Buy && agg.BestAsk.IsPositive() {
		agg.SlippagePct = agg.AvgPrice.Sub(agg.BestAsk).Div(agg.BestAsk)
	} else if side == model.Sell && agg.BestBid.IsPositive() {
		agg.SlippagePct = agg.BestBid.Sub(agg.AvgPrice).Div(agg.BestBid)
	}
	return agg
}

// Quote fetches quotes and aggregates them for the requested size.
func (a *Aggregator) Quote(ctx context.Context, instrument string, side model.OrderSide, size, spot decimal.Decimal) (Aggregation, error) {
	quotes, err := a.GetQuotes(ctx, instrument, spot)
	if err != nil {
		return Aggregation{Instrument: instrument, Side: side, RequestedSize: size}, err
	}
	agg := Aggregate(quotes, side, size, a.controls.Get().Venues.MaxLegs)
	if agg.Empty() {
		return agg, noLiquidity(instrument)
	}
	return agg, nil
}

// Execute places one market order per plan leg on that leg's venue.
// Partial fills are returned as reported; failed legs are not retried.
func (a *Aggregator) Execute(ctx context.Context, instrument string, side model.OrderSide, plan []PlanLeg, label string) ([]Fill, error) {
	var (
		fills []Fill
		errs  []error
	)
	for _, leg := range plan {
		c, ok := a.byName[leg.Venue]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownVenue, leg.Venue))
			continue
		}
		if !a.breakers[leg.Venue].Allow() {
			errs = append(errs, fmt.Errorf("venue %s: breaker open", leg.Venue))
			continue
		}
		start := time.Now()
		res, err := c.PlaceOrder(ctx, model.OrderRequest{
			Instrument: instrument,
			Amount:     leg.Size,
			Side:       side,
			Type:       "market",
			Label:      label,
		})
		metrics.ObserveVenue(leg.Venue, "place_order", start, err)
		a.breakers[leg.Venue].Record(err)
		if err != nil {
			metrics.HedgeOrdersTotal.WithLabelValues(string(side), model.OrderRejected).Inc()
			a.logger.Error("order failed",
				"venue", leg.Venue, "instrument", instrument, "side", side,
				"size", leg.Size.String(), "error", err)
			errs = append(errs, fmt.Errorf("venue %s: %w", leg.Venue, err))
			continue
		}
		metrics.HedgeOrdersTotal.WithLabelValues(string(side), res.Status).Inc()
		if !res.FilledAmount.IsPositive() {
			continue
		}
		fills = append(fills, Fill{
			ID:      leg.Venue + ":" + res.OrderID,
			Venue:   leg.Venue,
			OrderID: res.OrderID,
			Status:  res.Status,
			Size:    res.FilledAmount,
			Price:   res.FillPrice,
		})
	}
	return fills, errors.Join(errs...)
}

// IndexPrice returns the first available venue's index price.
func (a *Aggregator) IndexPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	var errs []error
	for _, c := range a.enabled() {
		if !a.admit(c) {
			continue
		}
		start := time.Now()
		p, err := c.GetIndexPrice(ctx, asset)
		metrics.ObserveVenue(c.Name(), "index_price", start, err)
		a.breakers[c.Name()].Record(err)
		if err == nil && p.IsPositive() {
			return p, nil
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	if len(errs) == 0 {
		return decimal.Zero, fmt.Errorf("%w: index price for %s", ErrNoVenues, asset)
	}
	return decimal.Zero, errors.Join(errs...)
}

// Ticker returns the first available venue's ticker for an instrument.
func (a *Aggregator) Ticker(ctx context.Context, instrument string) (model.Ticker, error) {
	var errs []error
	for _, c := range a.enabled() {
		if !a.admit(c) {
			continue
		}
		start := time.Now()
		t, err := c.GetTicker(ctx, instrument)
		metrics.ObserveVenue(c.Name(), "ticker", start, err)
		if errors.Is(err, ErrUnknownInstrument) {
			a.breakers[c.Name()].Record(nil)
			continue
		}
		a.breakers[c.Name()].Record(err)
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
	}
	if len(errs) == 0 {
		return model.Ticker{}, fmt.Errorf("%w: ticker for %s", ErrNoVenues, instrument)
	}
	return model.Ticker{}, errors.Join(errs...)
}

// Instruments returns the union of listings across venues, by name.
func (a *Aggregator) Instruments(ctx context.Context, asset string) ([]model.Instrument, error) {
	seen := make(map[string]bool)
	var (
		out  []model.Instrument
		errs []error
		ok   bool
	)
	for _, c := range a.enabled() {
		if !a.admit(c) {
			continue
		}
		start := time.Now()
		list, err := c.ListInstruments(ctx, asset)
		metrics.ObserveVenue(c.Name(), "instruments", start, err)
		a.breakers[c.Name()].Record(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		ok = true
		for _, inst := range list {
			if seen[inst.Name] {
				continue
			}
			seen[inst.Name] = true
			out = append(out, inst)
		}
	}
	if !ok && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
