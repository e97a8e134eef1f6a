// Package exchange implements the MEXC spot REST client.
//
// The client covers the endpoints the bot needs for bracket trading:
//   - Ping / ServerTime:  GET  /api/v3/ping, /api/v3/time — connectivity checks
//   - ExchangeInfo:       GET  /api/v3/exchangeInfo       — symbol trading rules
//   - TickerPrice:        GET  /api/v3/ticker/price       — last traded price
//   - Klines:             GET  /api/v3/klines             — candle history
//   - Account:            GET  /api/v3/account            — balances (signed)
//   - PlaceOrder:         POST /api/v3/order              — place an order (signed)
//   - TestOrder:          POST /api/v3/order/test         — validate without placing
//   - PlaceOCO:           POST /api/v3/order/oco          — entry + stop pair (signed)
//   - CancelOrder:        DELETE /api/v3/order            — cancel by id (signed)
//   - OrderStatus:        GET  /api/v3/order              — query one order (signed)
//   - OpenOrders:         GET  /api/v3/openOrders         — resting orders (signed)
//   - AllOrders:          GET  /api/v3/allOrders          — order history (signed)
//
// Every request waits on a shared token bucket first. A 429 response is
// retried exactly once after a one-second backoff, with a fresh signature.
// Non-2xx responses are returned as *APIError with the server code and
// message extracted.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mexc-bracket/pkg/types"
)

const rateLimitBackoff = time.Second

// Client is the MEXC spot REST API client. It wraps a resty HTTP client with
// request signing, rate limiting, and a single 429 retry.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *TokenBucket
	dryRun bool // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client against baseURL with the given credentials
// and request rate.
func NewClient(baseURL, apiKey, secretKey string, rps float64, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		signer: NewSigner(apiKey, secretKey),
		rl:     NewRequestLimiter(rps),
		dryRun: dryRun,
		logger: logger.With("component", "exchange"),
	}
}

// DryRun reports whether the client suppresses mutating requests.
func (c *Client) DryRun() bool {
	return c.dryRun
}

// ————————————————————————————————————————————————————————————————————————
// Wire structs
// ————————————————————————————————————————————————————————————————————————

// SymbolInfo is one entry of the exchangeInfo symbols array.
type SymbolInfo struct {
	Symbol               string   `json:"symbol"`
	Status               string   `json:"status"`
	BaseAsset            string   `json:"baseAsset"`
	QuoteAsset           string   `json:"quoteAsset"`
	IsSpotTradingAllowed bool     `json:"isSpotTradingAllowed"`
	BaseSizePrecision    string   `json:"baseSizePrecision"`
	QuoteAmountPrecision string   `json:"quoteAmountPrecision"`
	Filters              []Filter `json:"filters"`
}

// Filter is one exchangeInfo symbol filter (LOT_SIZE, PRICE_FILTER, ...).
type Filter struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize"`
	TickSize   string `json:"tickSize"`
	MinQty     string `json:"minQty"`
	MaxQty     string `json:"maxQty"`
}

type exchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type serverTimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

type accountResponse struct {
	Balances []types.Balance `json:"balances"`
}

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// ————————————————————————————————————————————————————————————————————————
// Request plumbing
// ————————————————————————————————————————————————————————————————————————

// do executes one API call. Signed requests get a fresh timestamp and
// signature on each attempt; a 429 is retried once after backing off.
func (c *Client) do(ctx context.Context, method, path string, params map[string]string, signed bool, out any) error {
	body, err := c.attempt(ctx, method, path, params, signed)
	if err != nil {
		if !IsRateLimited(err) {
			return err
		}
		c.logger.Warn("rate limited, backing off", "path", path, "backoff", rateLimitBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rateLimitBackoff):
		}
		body, err = c.attempt(ctx, method, path, params, signed)
		if err != nil {
			return err
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, params map[string]string, signed bool) ([]byte, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx)
	if signed {
		req.SetHeader("X-MEXC-APIKEY", c.signer.APIKey())
		req.SetQueryString(c.signer.Sign(params))
	} else {
		for k, v := range params {
			req.SetQueryParam(k, v)
		}
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, newAPIError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

func newAPIError(status int, body []byte) *APIError {
	var eb apiErrorBody
	_ = json.Unmarshal(body, &eb)
	return &APIError{Status: status, Code: eb.Code, Msg: eb.Msg, Body: string(body)}
}

// ————————————————————————————————————————————————————————————————————————
// Public (unsigned) endpoints
// ————————————————————————————————————————————————————————————————————————

// Ping checks REST connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/v3/ping", nil, false, nil)
}

// ServerTime returns the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out serverTimeResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/time", nil, false, &out); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(out.ServerTime), nil
}

// ExchangeInfo fetches trading rules. With symbol == "" the full catalog is
// returned; otherwise just that symbol.
func (c *Client) ExchangeInfo(ctx context.Context, symbol string) ([]SymbolInfo, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	var out exchangeInfoResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false, &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// TickerPrice returns the last traded price for symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out tickerPriceResponse
	err := c.do(ctx, http.MethodGet, "/api/v3/ticker/price", map[string]string{"symbol": symbol}, false, &out)
	if err != nil {
		return decimal.Decimal{}, err
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse ticker price %q: %w", out.Price, err)
	}
	return price, nil
}

// Klines fetches up to limit candles for symbol at the given interval
// ("1m", "5m", "1h", ...). Malformed rows are skipped rather than failing
// the whole batch.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
	}
	if limit > 0 {
		params["limit"] = fmt.Sprintf("%d", limit)
	}
	var rows [][]any
	if err := c.do(ctx, http.MethodGet, "/api/v3/klines", params, false, &rows); err != nil {
		return nil, err
	}

	klines := make([]types.Kline, 0, len(rows))
	for _, row := range rows {
		k, ok := parseKlineRow(row)
		if !ok {
			c.logger.Warn("skipping malformed kline row", "symbol", symbol)
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseKlineRow decodes one raw kline array:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlineRow(row []any) (types.Kline, bool) {
	if len(row) < 6 {
		return types.Kline{}, false
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return types.Kline{}, false
	}
	fields := make([]decimal.Decimal, 5)
	for i := 0; i < 5; i++ {
		s, ok := row[i+1].(string)
		if !ok {
			return types.Kline{}, false
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return types.Kline{}, false
		}
		fields[i] = d
	}
	return types.Kline{
		OpenTime: int64(openTime),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}, true
}

// ————————————————————————————————————————————————————————————————————————
// Signed endpoints
// ————————————————————————————————————————————————————————————————————————

// Account returns the spot account balances.
func (c *Client) Account(ctx context.Context) ([]types.Balance, error) {
	var out accountResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", map[string]string{}, true, &out); err != nil {
		return nil, err
	}
	return out.Balances, nil
}

// FreeBalance returns the free amount of one asset, zero if absent.
func (c *Client) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := c.Account(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			free, err := decimal.NewFromString(b.Free)
			if err != nil {
				return decimal.Decimal{}, fmt.Errorf("parse %s free balance %q: %w", asset, b.Free, err)
			}
			return free, nil
		}
	}
	return decimal.Zero, nil
}

// PlaceOrder places a spot order. In dry-run mode no request is sent and a
// fake NEW acknowledgment is returned.
func (c *Client) PlaceOrder(ctx context.Context, p types.OrderParams) (types.OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY RUN: would place order",
			"symbol", p.Symbol, "side", p.Side, "type", p.Type,
			"qty", p.Quantity, "price", p.Price, "stopPrice", p.StopPrice)
		return fakeAck(p), nil
	}

	var ack types.OrderAck
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", orderParams(p), true, &ack); err != nil {
		return types.OrderAck{}, err
	}
	c.logger.Info("order placed",
		"symbol", p.Symbol, "side", p.Side, "type", p.Type,
		"orderId", ack.OrderID, "status", ack.Status)
	return ack, nil
}

// TestOrder validates order parameters against the matching engine without
// placing anything.
func (c *Client) TestOrder(ctx context.Context, p types.OrderParams) error {
	if c.dryRun {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/api/v3/order/test", orderParams(p), true, nil)
}

// OCOAck is the acknowledgment for an OCO pair.
type OCOAck struct {
	OrderListID       int64  `json:"orderListId"`
	ListClientOrderID string `json:"listClientOrderId"`
	Orders            []struct {
		Symbol  string `json:"symbol"`
		OrderID string `json:"orderId"`
	} `json:"orders"`
}

// PlaceOCO places an entry LIMIT paired with a stop-loss leg. The exchange
// guarantees that filling one cancels the other.
func (c *Client) PlaceOCO(ctx context.Context, p types.OCOParams) (OCOAck, error) {
	if c.dryRun {
		c.logger.Info("DRY RUN: would place OCO",
			"symbol", p.Symbol, "side", p.Side, "qty", p.Quantity,
			"price", p.Price, "stopPrice", p.StopPrice)
		return OCOAck{OrderListID: -1, ListClientOrderID: p.ListClientOrderID}, nil
	}

	params := map[string]string{
		"symbol":               p.Symbol,
		"side":                 string(p.Side),
		"quantity":             p.Quantity.String(),
		"price":                p.Price.String(),
		"stopPrice":            p.StopPrice.String(),
		"stopLimitPrice":       p.StopLimitPrice.String(),
		"stopLimitTimeInForce": string(types.GTC),
	}
	if p.ListClientOrderID != "" {
		params["listClientOrderId"] = p.ListClientOrderID
	}

	var ack OCOAck
	if err := c.do(ctx, http.MethodPost, "/api/v3/order/oco", params, true, &ack); err != nil {
		return OCOAck{}, err
	}
	c.logger.Info("OCO placed", "symbol", p.Symbol, "orderListId", ack.OrderListID)
	return ack, nil
}

// CancelOrder cancels a resting order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY RUN: would cancel order", "symbol", symbol, "orderId", orderID)
		return nil
	}
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	if err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, true, nil); err != nil {
		return err
	}
	c.logger.Info("order canceled", "symbol", symbol, "orderId", orderID)
	return nil
}

// OrderStatus queries one order by exchange id. Dry-run orders were never
// sent, so they report as filled to let supervision flows complete.
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (types.Order, error) {
	if c.dryRun && strings.HasPrefix(orderID, "dry-") {
		return types.Order{Symbol: symbol, OrderID: orderID, Status: types.OrderFilled}, nil
	}
	var out types.Order
	params := map[string]string{"symbol": symbol, "orderId": orderID}
	if err := c.do(ctx, http.MethodGet, "/api/v3/order", params, true, &out); err != nil {
		return types.Order{}, err
	}
	return out, nil
}

// OpenOrders lists resting orders for symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	var out []types.Order
	params := map[string]string{"symbol": symbol}
	if err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", params, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllOrders lists order history for symbol, newest last.
func (c *Client) AllOrders(ctx context.Context, symbol string, limit int) ([]types.Order, error) {
	params := map[string]string{"symbol": symbol}
	if limit > 0 {
		params["limit"] = fmt.Sprintf("%d", limit)
	}
	var out []types.Order
	if err := c.do(ctx, http.MethodGet, "/api/v3/allOrders", params, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// orderParams flattens OrderParams into the signed query map. Optional
// zero-valued fields are omitted.
func orderParams(p types.OrderParams) map[string]string {
	params := map[string]string{
		"symbol":   p.Symbol,
		"side":     string(p.Side),
		"type":     string(p.Type),
		"quantity": p.Quantity.String(),
	}
	if !p.Price.IsZero() {
		params["price"] = p.Price.String()
	}
	if !p.StopPrice.IsZero() {
		params["stopPrice"] = p.StopPrice.String()
	}
	if p.TimeInForce != "" {
		params["timeInForce"] = string(p.TimeInForce)
	}
	return params
}

// fakeAck builds the dry-run acknowledgment for an order that was not sent.
func fakeAck(p types.OrderParams) types.OrderAck {
	return types.OrderAck{
		Symbol:  p.Symbol,
		OrderID: "dry-" + uuid.NewString(),
		Status:  types.OrderNew,
		Price:   p.Price.String(),
		Qty:     p.Quantity.String(),
	}
}
