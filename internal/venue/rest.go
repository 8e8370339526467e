package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/contract"
	"github.com/atmx/hedge-engine/internal/model"
)

// RESTConnector talks to a Deribit-style JSON API. Options are quoted in
// the base asset, perpetuals in USD. Public endpoints need no credential;
// PlaceOrder requires a bearer token.
type RESTConnector struct {
	name   string
	token  string
	client *resty.Client
	logger *slog.Logger
}

// RESTOption configures a RESTConnector.
type RESTOption func(*RESTConnector)

// WithToken sets the bearer credential used for private endpoints.
func WithToken(token string) RESTOption {
	return func(r *RESTConnector) { r.token = token }
}

// WithRetries enables resty retries on transport errors and 429s.
func WithRetries(count int, wait time.Duration) RESTOption {
	return func(r *RESTConnector) {
		r.client.SetRetryCount(count).
			SetRetryWaitTime(wait).
			AddRetryCondition(func(resp *resty.Response, err error) bool {
				return err != nil || resp.StatusCode() == 429
			})
	}
}

// NewRESTConnector creates a connector for the API rooted at baseURL.
func NewRESTConnector(name, baseURL string, opts ...RESTOption) *RESTConnector {
	r := &RESTConnector{
		name: name,
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(10*time.Second).
			SetHeader("Accept", "application/json"),
		logger: slog.Default().With("component", "rest_connector", "venue", name),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RESTConnector) Name() string { return r.name }

// CanTrade reports whether a private credential is configured.
func (r *RESTConnector) CanTrade() bool { return r.token != "" }

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
}

func (r *RESTConnector) get(ctx context.Context, path string, params map[string]string, private bool, out any) error {
	req := r.client.R().SetContext(ctx).SetQueryParams(params)
	if private {
		if r.token == "" {
			return fmt.Errorf("%w: %s", ErrMissingCredential, r.name)
		}
		req.SetAuthToken(r.token)
	}
	var env envelope
	resp, err := req.SetResult(&env).SetError(&env).Get(path)
	if err != nil {
		return fmt.Errorf("venue %s: %s: %w", r.name, path, err)
	}
	if env.Error != nil {
		if strings.Contains(strings.ToLower(env.Error.Message), "instrument") {
			return fmt.Errorf("%w: %s", ErrUnknownInstrument, env.Error.Message)
		}
		return fmt.Errorf("venue %s: %s: api error %d: %s", r.name, path, env.Error.Code, env.Error.Message)
	}
	if resp.IsError() {
		return fmt.Errorf("venue %s: %s: http %d", r.name, path, resp.StatusCode())
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("venue %s: %s: decode: %w", r.name, path, err)
	}
	return nil
}

func indexName(asset string) string {
	return strings.ToLower(asset) + "_usd"
}

func (r *RESTConnector) GetIndexPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	var res struct {
		IndexPrice decimal.Decimal `json:"index_price"`
	}
	if err := r.get(ctx, "/api/v2/public/get_index_price", map[string]string{"index_name": indexName(asset)}, false, &res); err != nil {
		return decimal.Zero, err
	}
	return res.IndexPrice, nil
}

type restInstrument struct {
	InstrumentName      string          `json:"instrument_name"`
	Kind                string          `json:"kind"`
	Strike              decimal.Decimal `json:"strike"`
	OptionType          string          `json:"option_type"`
	ExpirationTimestamp int64           `json:"expiration_timestamp"`
}

func (r *RESTConnector) ListInstruments(ctx context.Context, asset string) ([]model.Instrument, error) {
	var res []restInstrument
	params := map[string]string{"currency": strings.ToUpper(asset), "kind": "option", "expired": "false"}
	if err := r.get(ctx, "/api/v2/public/get_instruments", params, false, &res); err != nil {
		return nil, err
	}
	out := make([]model.Instrument, 0, len(res))
	for _, ri := range res {
		inst, err := contract.Parse(ri.InstrumentName)
		if err != nil {
			r.logger.Debug("skipping unparseable instrument", "instrument", ri.InstrumentName)
			continue
		}
		if ri.ExpirationTimestamp > 0 {
			inst.Expiry = time.UnixMilli(ri.ExpirationTimestamp).UTC()
		}
		out = append(out, inst)
	}
	return out, nil
}

type restBook struct {
	Timestamp int64               `json:"timestamp"`
	Bids      [][]decimal.Decimal `json:"bids"`
	Asks      [][]decimal.Decimal `json:"asks"`
}

func levelsOf(raw [][]decimal.Decimal) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, model.PriceLevel{Price: lvl[0], Size: lvl[1]})
	}
	return out
}

func currencyOf(instrument string) model.QuoteCurrency {
	if strings.HasSuffix(instrument, "-PERPETUAL") {
		return model.QuoteUSD
	}
	return model.QuoteBase
}

func (r *RESTConnector) GetOrderBook(ctx context.Context, instrument string) (model.OrderBook, error) {
	var res restBook
	params := map[string]string{"instrument_name": instrument, "depth": "10"}
	if err := r.get(ctx, "/api/v2/public/get_order_book", params, false, &res); err != nil {
		return model.OrderBook{}, err
	}
	book := model.OrderBook{
		Instrument:    instrument,
		Venue:         r.name,
		QuoteCurrency: currencyOf(instrument),
		Bids:          levelsOf(res.Bids),
		Asks:          levelsOf(res.Asks),
		Timestamp:     time.UnixMilli(res.Timestamp).UTC(),
	}
	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		return book, ErrEmptyBook
	}
	return book, nil
}

func (r *RESTConnector) GetTicker(ctx context.Context, instrument string) (model.Ticker, error) {
	var res struct {
		MarkPrice  decimal.Decimal `json:"mark_price"`
		MarkIV     decimal.Decimal `json:"mark_iv"`
		IndexPrice decimal.Decimal `json:"index_price"`
	}
	if err := r.get(ctx, "/api/v2/public/ticker", map[string]string{"instrument_name": instrument}, false, &res); err != nil {
		return model.Ticker{}, err
	}
	t := model.Ticker{
		Instrument: instrument,
		MarkPrice:  res.MarkPrice,
		MarkIV:     res.MarkIV.Div(decimal.NewFromInt(100)),
		IndexPrice: res.IndexPrice,
	}
	if currencyOf(instrument) == model.QuoteBase {
		t.MarkPrice = t.MarkPrice.Mul(res.IndexPrice)
	}
	return t, nil
}

// PlaceOrder sends a buy or sell to the private endpoint. Base-quoted fill
// prices are converted to USD with the index price read just before the
// order.
func (r *RESTConnector) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	if r.token == "" {
		return model.OrderResult{}, fmt.Errorf("%w: %s", ErrMissingCredential, r.name)
	}
	spot := decimal.NewFromInt(1)
	if currencyOf(req.Instrument) == model.QuoteBase {
		inst, err := contract.Parse(req.Instrument)
		if err != nil {
			return model.OrderResult{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, req.Instrument)
		}
		if spot, err = r.GetIndexPrice(ctx, inst.Asset); err != nil {
			return model.OrderResult{}, err
		}
	}

	typ := req.Type
	if typ == "" {
		typ = "market"
	}
	params := map[string]string{
		"instrument_name": req.Instrument,
		"amount":          req.Amount.String(),
		"type":            typ,
	}
	if typ == "limit" {
		params["price"] = req.Price.Div(spot).String()
	}
	if req.Label != "" {
		params["label"] = req.Label
	}

	var res struct {
		Order struct {
			OrderID      string          `json:"order_id"`
			OrderState   string          `json:"order_state"`
			FilledAmount decimal.Decimal `json:"filled_amount"`
			AveragePrice decimal.Decimal `json:"average_price"`
		} `json:"order"`
	}
	if err := r.get(ctx, "/api/v2/private/"+string(req.Side), params, true, &res); err != nil {
		return model.OrderResult{}, err
	}

	out := model.OrderResult{
		OrderID:      res.Order.OrderID,
		Venue:        r.name,
		FilledAmount: res.Order.FilledAmount,
		FillPrice:    res.Order.AveragePrice.Mul(spot),
	}
	switch {
	case res.Order.FilledAmount.GreaterThanOrEqual(req.Amount):
		out.Status = model.OrderFilled
	case res.Order.FilledAmount.IsPositive():
		out.Status = model.OrderPartial
	case res.Order.OrderState == "open":
		out.Status = model.OrderOpen
	default:
		out.Status = model.OrderRejected
	}
	r.logger.Info("order placed",
		"instrument", req.Instrument, "side", req.Side, "amount", req.Amount.String(),
		"order_id", out.OrderID, "status", out.Status, "fill_price", out.FillPrice.String())
	return out, nil
}
