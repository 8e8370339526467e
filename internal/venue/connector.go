// Package venue aggregates option and perpetual liquidity across trading
// venues. Each venue sits behind a MarketConnector; the Aggregator fans
// quote requests out concurrently, normalizes prices to USD, and turns the
// merged books into a best-price fill plan.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

var (
	ErrEmptyBook         = errors.New("venue: empty order book")
	ErrUnknownInstrument = errors.New("venue: unknown instrument")
	ErrUnknownVenue      = errors.New("venue: unknown venue")
	ErrNoVenues          = errors.New("venue: no venue available")
	ErrMissingCredential = errors.New("venue: private credential required")
)

// MarketConnector is the per-venue adapter. Prices in OrderBook are in the
// book's QuoteCurrency; Ticker and OrderResult prices are in USD.
type MarketConnector interface {
	Name() string
	GetIndexPrice(ctx context.Context, asset string) (decimal.Decimal, error)
	ListInstruments(ctx context.Context, asset string) ([]model.Instrument, error)
	GetOrderBook(ctx context.Context, instrument string) (model.OrderBook, error)
	GetTicker(ctx context.Context, instrument string) (model.Ticker, error)
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
}
