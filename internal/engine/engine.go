// Package engine drives bracket orders through their lifecycle: admission,
// entry placement, protective arming, exit monitoring, and emergency
// liquidation when the exchange blocks a closing sell.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mexc-bracket/internal/gate"
	"mexc-bracket/internal/order"
	"mexc-bracket/internal/registry"
	"mexc-bracket/internal/symbols"
	"mexc-bracket/pkg/types"
)

const (
	defaultTick        = 100 * time.Millisecond
	defaultUnlockDelay = 500 * time.Millisecond
)

// Exchange is the slice of the REST client the engine needs beyond what the
// placer already wraps.
type Exchange interface {
	order.Exchange
	OpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
}

// BracketRequest describes a bracket to open.
type BracketRequest struct {
	Symbol          string
	Side            types.Side
	Quantity        decimal.Decimal // base units, or quote units when QuantityIsQuote
	QuantityIsQuote bool
	EntryPrice      decimal.Decimal
	StopPrice       decimal.Decimal
	TakeProfitPrice decimal.Decimal
}

// Engine owns bracket lifecycles. Each submitted bracket gets its own
// monitor goroutine; Wait blocks until all of them finish.
type Engine struct {
	ex      Exchange
	placer  *order.Placer
	catalog *symbols.Catalog
	gate    *gate.Gate
	reg     *registry.Registry
	liq     *Liquidator
	logger  *slog.Logger

	tick        time.Duration
	unlockDelay time.Duration

	wg sync.WaitGroup
}

// New creates an engine over the given collaborators.
func New(ex Exchange, catalog *symbols.Catalog, g *gate.Gate, reg *registry.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		ex:          ex,
		placer:      order.NewPlacer(ex, logger),
		catalog:     catalog,
		gate:        g,
		reg:         reg,
		liq:         NewLiquidator(ex, logger),
		logger:      logger.With("component", "engine"),
		tick:        defaultTick,
		unlockDelay: defaultUnlockDelay,
	}
}

// Registry exposes the engine's position registry for status reporting.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Wait blocks until every monitor goroutine has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit admits, validates, and opens a bracket: entry LIMIT placed, bracket
// registered, monitor goroutine started. The returned id addresses the
// bracket in Cancel and the registry.
func (e *Engine) Submit(ctx context.Context, req BracketRequest) (string, error) {
	if err := e.gate.Reserve(); err != nil {
		return "", err
	}

	spec, err := e.catalog.Resolve(ctx, req.Symbol)
	if err != nil {
		return "", err
	}

	qty, err := e.resolveQuantity(ctx, spec, req)
	if err != nil {
		return "", err
	}

	b := types.BracketOrder{
		ID:              uuid.NewString(),
		Symbol:          spec.Symbol,
		Side:            req.Side,
		Quantity:        qty,
		EntryPrice:      req.EntryPrice,
		StopPrice:       req.StopPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		State:           types.StateSubmitting,
		CreatedAt:       time.Now(),
	}
	if !b.Validate() {
		return "", fmt.Errorf("bracket prices not ordered for %s %s: stop %s entry %s tp %s",
			b.Side, b.Symbol, b.StopPrice, b.EntryPrice, b.TakeProfitPrice)
	}

	if err := e.reg.Register(b); err != nil {
		return "", err
	}

	ack, err := e.placer.PlaceLimit(ctx, spec.Symbol, req.Side, qty, req.EntryPrice)
	if err != nil {
		e.reg.Update(b.ID, func(b *types.BracketOrder) {
			b.State = types.StateFailed
			b.LastError = err.Error()
			b.ClosedAt = time.Now()
		})
		e.reg.Remove(b.ID)
		return "", fmt.Errorf("place entry order: %w", err)
	}

	if _, err := e.reg.Update(b.ID, func(b *types.BracketOrder) {
		b.MainOrderID = ack.OrderID
		b.State = types.StateWaitingFill
	}); err != nil {
		return "", err
	}

	e.logger.Info("bracket submitted",
		"id", b.ID, "symbol", spec.Symbol, "side", req.Side,
		"qty", qty, "entry", req.EntryPrice,
		"stop", req.StopPrice, "tp", req.TakeProfitPrice)

	e.spawnMonitor(ctx, b.ID, spec)
	return b.ID, nil
}

// SubmitSimple opens a bracket with the entry and stop-loss bundled in an
// OCO pair, so the stop rides natively from the start. Falls back to a
// standalone entry when the exchange rejects the OCO.
func (e *Engine) SubmitSimple(ctx context.Context, req BracketRequest) (string, error) {
	if err := e.gate.Reserve(); err != nil {
		return "", err
	}

	spec, err := e.catalog.Resolve(ctx, req.Symbol)
	if err != nil {
		return "", err
	}
	qty, err := e.resolveQuantity(ctx, spec, req)
	if err != nil {
		return "", err
	}

	b := types.BracketOrder{
		ID:              uuid.NewString(),
		Symbol:          spec.Symbol,
		Side:            req.Side,
		Quantity:        qty,
		EntryPrice:      req.EntryPrice,
		StopPrice:       req.StopPrice,
		TakeProfitPrice: req.TakeProfitPrice,
		State:           types.StateSubmitting,
		CreatedAt:       time.Now(),
	}
	if !b.Validate() {
		return "", fmt.Errorf("bracket prices not ordered for %s %s: stop %s entry %s tp %s",
			b.Side, b.Symbol, b.StopPrice, b.EntryPrice, b.TakeProfitPrice)
	}
	if err := e.reg.Register(b); err != nil {
		return "", err
	}

	res, err := e.placer.SimpleBracket(ctx, spec, req.Side, qty, req.EntryPrice, req.StopPrice)
	if err != nil {
		e.reg.Update(b.ID, func(b *types.BracketOrder) {
			b.State = types.StateFailed
			b.LastError = err.Error()
			b.ClosedAt = time.Now()
		})
		e.reg.Remove(b.ID)
		return "", fmt.Errorf("place simple bracket: %w", err)
	}

	if _, err := e.reg.Update(b.ID, func(b *types.BracketOrder) {
		b.MainOrderID = res.EntryOrderID
		// The stop rides natively only when the ack exposed its order id;
		// without an id there is nothing to poll, so software covers it.
		if res.StopArmed && res.StopOrderID != "" {
			b.StopMode = types.ExitNative
			b.StopOrderID = res.StopOrderID
		}
		b.State = types.StateWaitingFill
	}); err != nil {
		return "", err
	}

	e.logger.Info("simple bracket submitted",
		"id", b.ID, "symbol", spec.Symbol, "ocoListId", res.OCOListID, "stopArmed", res.StopArmed)

	e.spawnMonitor(ctx, b.ID, spec)
	return b.ID, nil
}

// Cancel requests cooperative cancellation of a bracket. The monitor
// observes the flag at its next tick: before the fill it cancels the entry,
// after the fill it closes the position at market.
func (e *Engine) Cancel(id string) error {
	_, err := e.reg.Update(id, func(b *types.BracketOrder) {
		b.CancelRequested = true
	})
	return err
}

// resolveQuantity turns the requested quantity into base units floored to
// the symbol step. Quote-denominated quantities convert at the entry price;
// a zero quantity derives from the free quote balance.
func (e *Engine) resolveQuantity(ctx context.Context, spec types.SymbolSpec, req BracketRequest) (decimal.Decimal, error) {
	qty := req.Quantity

	if qty.IsZero() {
		free, err := e.freeQuote(ctx, spec)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if req.EntryPrice.Sign() <= 0 {
			return decimal.Decimal{}, fmt.Errorf("auto quantity needs a positive entry price")
		}
		qty = free.Div(req.EntryPrice)
	} else if req.QuantityIsQuote {
		if req.EntryPrice.Sign() <= 0 {
			return decimal.Decimal{}, fmt.Errorf("quote quantity needs a positive entry price")
		}
		qty = qty.Div(req.EntryPrice)
	}

	return symbols.FormatQuantity(spec, qty)
}

// freeQuote fetches the free balance of the symbol's quote asset.
func (e *Engine) freeQuote(ctx context.Context, spec types.SymbolSpec) (decimal.Decimal, error) {
	type balanceSource interface {
		FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	}
	bs, ok := e.ex.(balanceSource)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("auto quantity unavailable: exchange lacks balance access")
	}
	quote := spec.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}
	free, err := bs.FreeBalance(ctx, quote)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch %s balance: %w", quote, err)
	}
	return free, nil
}

func (e *Engine) spawnMonitor(ctx context.Context, id string, spec types.SymbolSpec) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor(ctx, id, spec)
	}()
}
