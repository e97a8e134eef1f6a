// Package order implements order placement on top of the exchange client:
// typed wrappers for each order shape the bot uses, the protective-order
// fallback cascade, and the OCO-first simple-bracket path.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mexc-bracket/internal/exchange"
	"mexc-bracket/internal/symbols"
	"mexc-bracket/pkg/types"
)

// stopLimitOffset is how far the stop-limit execution price sits beyond the
// trigger, in the unfavorable direction, so the limit leg actually executes
// once triggered. 0.1%.
var stopLimitOffset = decimal.RequireFromString("0.001")

// ErrImmediateFill means a plain-LIMIT take-profit was skipped because spot
// already crossed the target: placing it would close the position at market
// instead of protecting it. The side must be watched in software.
var ErrImmediateFill = errors.New("take-profit limit would fill immediately")

// Exchange is the slice of the REST client the placer needs. *exchange.Client
// satisfies it; tests substitute fakes.
type Exchange interface {
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, p types.OrderParams) (types.OrderAck, error)
	PlaceOCO(ctx context.Context, p types.OCOParams) (exchange.OCOAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OrderStatus(ctx context.Context, symbol, orderID string) (types.Order, error)
}

// Placer places the order shapes used by bracket trading.
type Placer struct {
	ex     Exchange
	logger *slog.Logger
}

// NewPlacer creates a Placer over the given exchange.
func NewPlacer(ex Exchange, logger *slog.Logger) *Placer {
	return &Placer{ex: ex, logger: logger.With("component", "order")}
}

// PlaceLimit places a GTC limit order.
func (p *Placer) PlaceLimit(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal) (types.OrderAck, error) {
	return p.ex.PlaceOrder(ctx, types.OrderParams{
		Symbol:      symbol,
		Side:        side,
		Type:        types.OrderTypeLimit,
		TimeInForce: types.GTC,
		Quantity:    qty,
		Price:       price,
	})
}

// PlaceMarket places a market order.
func (p *Placer) PlaceMarket(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal) (types.OrderAck, error) {
	return p.ex.PlaceOrder(ctx, types.OrderParams{
		Symbol:   symbol,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: qty,
	})
}

// PlaceStopLossLimit places a STOP_LOSS_LIMIT with the execution price offset
// 0.1% past the trigger in the unfavorable direction, rounded to the tick.
func (p *Placer) PlaceStopLossLimit(ctx context.Context, spec types.SymbolSpec, side types.Side, qty, stopPrice decimal.Decimal) (types.OrderAck, error) {
	limit := stopLimitPrice(spec, side, stopPrice)
	return p.ex.PlaceOrder(ctx, types.OrderParams{
		Symbol:      spec.Symbol,
		Side:        side,
		Type:        types.OrderTypeStopLossLimit,
		TimeInForce: types.GTC,
		Quantity:    qty,
		Price:       limit,
		StopPrice:   stopPrice,
	})
}

// stopLimitPrice computes the execution price for a stop-limit: below the
// trigger for a SELL, above it for a BUY.
func stopLimitPrice(spec types.SymbolSpec, side types.Side, stopPrice decimal.Decimal) decimal.Decimal {
	var limit decimal.Decimal
	if side == types.SELL {
		limit = stopPrice.Mul(decimal.NewFromInt(1).Sub(stopLimitOffset))
	} else {
		limit = stopPrice.Mul(decimal.NewFromInt(1).Add(stopLimitOffset))
	}
	return symbols.FloorToTick(limit, spec.TickSize)
}

// PlaceTakeProfit places the take-profit leg: TAKE_PROFIT_LIMIT first, then
// a plain LIMIT when the exchange rejects the type. Before the LIMIT fallback
// the spot price is checked: a limit that would fill immediately is skipped
// and ErrImmediateFill returned, so the caller watches the side in software.
func (p *Placer) PlaceTakeProfit(ctx context.Context, spec types.SymbolSpec, side types.Side, qty, tpPrice decimal.Decimal) (types.OrderAck, error) {
	ack, err := p.ex.PlaceOrder(ctx, types.OrderParams{
		Symbol:      spec.Symbol,
		Side:        side,
		Type:        types.OrderTypeTakeProfitLimit,
		TimeInForce: types.GTC,
		Quantity:    qty,
		Price:       tpPrice,
		StopPrice:   tpPrice,
	})
	if err == nil {
		return ack, nil
	}
	if !exchange.IsInvalidOrderType(err) {
		return types.OrderAck{}, err
	}

	p.logger.Warn("TAKE_PROFIT_LIMIT rejected, falling back to plain LIMIT",
		"symbol", spec.Symbol, "error", err)

	if spot, perr := p.ex.TickerPrice(ctx, spec.Symbol); perr == nil {
		immediate := (side == types.SELL && spot.GreaterThanOrEqual(tpPrice)) ||
			(side == types.BUY && spot.LessThanOrEqual(tpPrice))
		if immediate {
			p.logger.Warn("take-profit limit would fill immediately, leaving side to software",
				"symbol", spec.Symbol, "spot", spot, "tp", tpPrice)
			return types.OrderAck{}, ErrImmediateFill
		}
	}

	return p.PlaceLimit(ctx, spec.Symbol, side, qty, tpPrice)
}

// Protection describes how each protective side of a bracket ended up armed.
// Empty order ids mean the side is watched in software.
type Protection struct {
	StopOrderID       string
	StopMode          types.ExitMode
	TakeProfitOrderID string
	TakeProfitMode    types.ExitMode
}

// ArmProtective arms both protective exits for a filled entry, degrading
// independently per side:
//
//	stop loss:   STOP_LOSS_LIMIT -> STOP_LOSS -> software
//	take profit: TAKE_PROFIT_LIMIT -> LIMIT -> software
//
// Arming never fails: a side whose cascade is exhausted falls back to
// software monitoring.
func (p *Placer) ArmProtective(ctx context.Context, spec types.SymbolSpec, closeSide types.Side, qty, stopPrice, tpPrice decimal.Decimal) Protection {
	prot := Protection{StopMode: types.ExitSoftware, TakeProfitMode: types.ExitSoftware}

	if ack, err := p.ArmStop(ctx, spec, closeSide, qty, stopPrice); err == nil {
		prot.StopOrderID = ack.OrderID
		prot.StopMode = types.ExitNative
	} else {
		p.logger.Warn("stop-loss arming exhausted, monitoring in software",
			"symbol", spec.Symbol, "stopPrice", stopPrice, "error", err)
	}

	if ack, err := p.PlaceTakeProfit(ctx, spec, closeSide, qty, tpPrice); err == nil {
		prot.TakeProfitOrderID = ack.OrderID
		prot.TakeProfitMode = types.ExitNative
	} else {
		p.logger.Warn("take-profit arming exhausted, monitoring in software",
			"symbol", spec.Symbol, "tpPrice", tpPrice, "error", err)
	}

	return prot
}

// ArmStop runs the stop-loss cascade: STOP_LOSS_LIMIT, then plain STOP_LOSS
// when the type is rejected.
func (p *Placer) ArmStop(ctx context.Context, spec types.SymbolSpec, side types.Side, qty, stopPrice decimal.Decimal) (types.OrderAck, error) {
	ack, err := p.PlaceStopLossLimit(ctx, spec, side, qty, stopPrice)
	if err == nil {
		return ack, nil
	}
	if !exchange.IsInvalidOrderType(err) {
		return types.OrderAck{}, err
	}

	p.logger.Warn("STOP_LOSS_LIMIT rejected, trying STOP_LOSS",
		"symbol", spec.Symbol, "error", err)

	return p.ex.PlaceOrder(ctx, types.OrderParams{
		Symbol:    spec.Symbol,
		Side:      side,
		Type:      types.OrderTypeStopLoss,
		Quantity:  qty,
		StopPrice: stopPrice,
	})
}

// SimpleBracketResult reports how a simple bracket was established.
type SimpleBracketResult struct {
	EntryOrderID string
	StopOrderID  string // stop leg of the OCO pair, when the ack exposed it
	OCOListID    int64
	StopArmed    bool // true when the stop leg rides the OCO pair
}

// SimpleBracket opens a position with the entry and stop-loss bundled in one
// OCO pair, so the exchange guarantees their exclusivity from the start. When
// OCO placement fails the entry is placed as a standalone LIMIT and the
// protective legs are left to be armed after the fill.
func (p *Placer) SimpleBracket(ctx context.Context, spec types.SymbolSpec, side types.Side, qty, entry, stopPrice decimal.Decimal) (SimpleBracketResult, error) {
	listID := "bkt-" + uuid.NewString()[:18]
	ack, err := p.ex.PlaceOCO(ctx, types.OCOParams{
		Symbol:            spec.Symbol,
		Side:              side,
		Quantity:          qty,
		Price:             entry,
		StopPrice:         stopPrice,
		StopLimitPrice:    stopLimitPrice(spec, side.Opposite(), stopPrice),
		ListClientOrderID: listID,
	})
	if err == nil {
		res := SimpleBracketResult{OCOListID: ack.OrderListID, StopArmed: true}
		if len(ack.Orders) > 0 {
			res.EntryOrderID = ack.Orders[0].OrderID
		}
		if len(ack.Orders) > 1 {
			res.StopOrderID = ack.Orders[1].OrderID
		}
		return res, nil
	}

	p.logger.Warn("OCO placement failed, falling back to sequential entry",
		"symbol", spec.Symbol, "error", err)

	entryAck, err := p.PlaceLimit(ctx, spec.Symbol, side, qty, entry)
	if err != nil {
		return SimpleBracketResult{}, fmt.Errorf("sequential entry after OCO failure: %w", err)
	}
	return SimpleBracketResult{EntryOrderID: entryAck.OrderID}, nil
}
