// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides and types,
// exchange order status, symbol trading rules, and the bracket order that the
// engine drives through its lifecycle. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the exchange order types the bot places.
type OrderType string

const (
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// TimeInForce controls how long a resting order stays on the book.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // Good-Til-Cancelled
	IOC TimeInForce = "IOC" // Immediate-Or-Cancel
	FOK TimeInForce = "FOK" // Fill-Or-Kill
)

// OrderStatus is the exchange-reported lifecycle state of an order.
// Unrecognized server values are preserved as-is so forward-compatible
// callers can still log and compare them.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Known reports whether the status is one of the documented values.
func (s OrderStatus) Known() bool {
	switch s {
	case OrderNew, OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// TerminalNonFill reports whether the order ended without filling.
func (s OrderStatus) TerminalNonFill() bool {
	switch s {
	case OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Symbol trading rules
// ————————————————————————————————————————————————————————————————————————

// SymbolSpec holds the trading rules for one spot symbol, extracted from
// /api/v3/exchangeInfo. StepSize and TickSize are always positive; the
// catalog substitutes heuristic values when the server reports an
// implausibly small step for a USDT pair.
type SymbolSpec struct {
	Symbol      string
	Status      string
	SpotAllowed bool
	BaseAsset   string
	QuoteAsset  string

	StepSize decimal.Decimal // quantity quantum
	TickSize decimal.Decimal // price quantum
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
}

// Tradable reports whether the symbol accepts spot orders. The exchange has
// used several status spellings over time; all of them are accepted.
func (s SymbolSpec) Tradable() bool {
	if !s.SpotAllowed {
		return false
	}
	switch s.Status {
	case "TRADING", "ENABLED", "ACTIVE", "1":
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Exchange payloads
// ————————————————————————————————————————————————————————————————————————

// OrderParams is the parameter set for POST /api/v3/order. Zero-valued
// optional fields (Price, StopPrice, TimeInForce) are omitted from the
// signed query string.
type OrderParams struct {
	Symbol      string
	Side        Side
	Type        OrderType
	TimeInForce TimeInForce
	Quantity    decimal.Decimal
	Price       decimal.Decimal // zero = omit (MARKET)
	StopPrice   decimal.Decimal // zero = omit (trigger for STOP_LOSS*/TAKE_PROFIT*)
}

// OCOParams is the parameter set for POST /api/v3/order/oco: a LIMIT entry
// paired with a stop-loss leg, cancelled together by the exchange.
type OCOParams struct {
	Symbol            string
	Side              Side
	Quantity          decimal.Decimal
	Price             decimal.Decimal // entry limit price
	StopPrice         decimal.Decimal // stop trigger
	StopLimitPrice    decimal.Decimal // stop execution price
	ListClientOrderID string
}

// OrderAck is the exchange acknowledgment for a placed order. OrderID is
// opaque; the bot never parses it.
type OrderAck struct {
	Symbol  string      `json:"symbol"`
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
	Price   string      `json:"price"`
	Qty     string      `json:"origQty"`
}

// Order is the full order record from GET /api/v3/order and /openOrders.
type Order struct {
	Symbol      string      `json:"symbol"`
	OrderID     string      `json:"orderId"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Status      OrderStatus `json:"status"`
	Price       string      `json:"price"`
	OrigQty     string      `json:"origQty"`
	ExecutedQty string      `json:"executedQty"`
	StopPrice   string      `json:"stopPrice"`
	Time        int64       `json:"time"`
}

// Balance is one asset row from GET /api/v3/account.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// Kline is a single candle from GET /api/v3/klines.
type Kline struct {
	OpenTime int64
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Bracket orders
// ————————————————————————————————————————————————————————————————————————

// BracketState is the lifecycle state of a bracket order. States advance
// monotonically; Failed is terminal and reachable only while the entry is
// being established.
type BracketState string

const (
	StateSubmitting  BracketState = "SUBMITTING"
	StateWaitingFill BracketState = "WAITING_FILL"
	StateMainFilled  BracketState = "MAIN_FILLED"
	StateProtected   BracketState = "PROTECTED"
	StateClosing     BracketState = "CLOSING"
	StateClosed      BracketState = "CLOSED"
	StateFailed      BracketState = "FAILED"
)

// Terminal reports whether the bracket has finished its lifecycle.
func (s BracketState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// ExitMode says who watches a protective exit: the exchange (a native
// conditional order) or the bot (price polling + closing market order).
type ExitMode string

const (
	ExitNative   ExitMode = "NATIVE"
	ExitSoftware ExitMode = "SOFTWARE"
)

// ExitReason records which exit closed a bracket.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitManual     ExitReason = "MANUAL"
)

// BracketOrder is the central entity: a LIMIT entry paired with a protective
// stop-loss and take-profit. ID is a local identifier, distinct from the
// exchange-assigned order IDs.
//
// Invariants for BUY brackets: StopPrice < EntryPrice < TakeProfitPrice;
// Quantity is a non-zero multiple of the symbol step; any protective order id
// present belongs to the same symbol with side SELL and the same quantity.
type BracketOrder struct {
	ID       string
	Symbol   string
	Side     Side
	Quantity decimal.Decimal

	EntryPrice      decimal.Decimal
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal

	MainOrderID       string
	StopOrderID       string // empty when StopMode is SOFTWARE
	TakeProfitOrderID string // empty when TakeProfitMode is SOFTWARE

	State          BracketState
	StopMode       ExitMode
	TakeProfitMode ExitMode
	ExitReason     ExitReason

	CreatedAt time.Time
	FilledAt  time.Time // zero until the entry fills
	ClosedAt  time.Time // zero until terminal

	RealizedPnL decimal.Decimal // (exit − entry) × qty, set on close
	LastError   string

	CancelRequested bool // cooperative cancel flag, observed at tick boundaries
}

// Validate checks the price ordering invariant for the bracket's side.
func (b *BracketOrder) Validate() bool {
	if b.Quantity.Sign() <= 0 {
		return false
	}
	if b.Side == BUY {
		return b.StopPrice.LessThan(b.EntryPrice) && b.EntryPrice.LessThan(b.TakeProfitPrice)
	}
	return b.TakeProfitPrice.LessThan(b.EntryPrice) && b.EntryPrice.LessThan(b.StopPrice)
}
