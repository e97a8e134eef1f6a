// liquidator.go implements the staged emergency sell used when the exchange
// blocks a closing market order with its oversold risk control (code 30005).
//
// Three stages, each more patient than the last:
//
//	stage 1: cancel resting sells to unlock funds, then fire small market
//	         sell batches with short spacing
//	stage 2: rest limit sells at increasing discounts below the last price
//	stage 3: progressively delayed market sell probes, growing from a token
//	         quantity up to the full remainder
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"mexc-bracket/internal/exchange"
	"mexc-bracket/internal/symbols"
	"mexc-bracket/pkg/types"
)

// LiquidationReport summarizes a liquidation run.
type LiquidationReport struct {
	Stage     int             // stage that concluded the run (1-3)
	Sold      decimal.Decimal // base units confirmed sold at market
	Resting   decimal.Decimal // base units covered by a resting limit sell
	Remaining decimal.Decimal // base units still held
	Success   bool
}

// Liquidator sells a position the exchange refuses to close normally.
// Timing fields are configurable so tests can run without real sleeps.
type Liquidator struct {
	ex     Exchange
	logger *slog.Logger

	batchSizes   []decimal.Decimal // stage 1 market sell batch quantities
	batchSpacing time.Duration     // pause between stage 1 batches
	unlockWait   time.Duration     // pause after cancelling resting sells
	remainderMin decimal.Decimal   // leftovers below this are written off

	ladderDiscounts []decimal.Decimal // stage 2 price discounts
	ladderWait      time.Duration     // fill check delay per rung

	retryDelays []time.Duration // stage 3 delays before each probe
}

// NewLiquidator creates a liquidator with production timing.
func NewLiquidator(ex Exchange, logger *slog.Logger) *Liquidator {
	return &Liquidator{
		ex:     ex,
		logger: logger.With("component", "liquidator"),

		batchSizes: []decimal.Decimal{
			decimal.RequireFromString("0.5"),
			decimal.RequireFromString("0.8"),
			decimal.RequireFromString("1.0"),
			decimal.RequireFromString("1.5"),
			decimal.RequireFromString("2.0"),
		},
		batchSpacing: 200 * time.Millisecond,
		unlockWait:   time.Second,
		remainderMin: decimal.RequireFromString("0.05"),

		ladderDiscounts: []decimal.Decimal{
			decimal.RequireFromString("0.005"),
			decimal.RequireFromString("0.01"),
			decimal.RequireFromString("0.02"),
			decimal.RequireFromString("0.03"),
		},
		ladderWait: time.Second,

		retryDelays: []time.Duration{
			500 * time.Millisecond,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
		},
	}
}

// Execute runs the stages in order until one succeeds. lastPrice anchors the
// stage 2 discount ladder; zero means fetch the spot price.
func (l *Liquidator) Execute(ctx context.Context, spec types.SymbolSpec, qty, lastPrice decimal.Decimal) LiquidationReport {
	log := l.logger.With("symbol", spec.Symbol, "qty", qty)
	log.Warn("emergency liquidation started")

	report, done := l.stageMicroBatches(ctx, spec, qty, log)
	if done {
		return report
	}
	report, done = l.stageDiscountLadder(ctx, spec, report.Remaining, lastPrice, log)
	if done {
		return report
	}
	return l.stageProgressiveRetry(ctx, spec, report.Remaining, log)
}

// stageMicroBatches is stage 1: unlock funds, then market sell in small
// batches. Done when at least 80% of the position sold.
func (l *Liquidator) stageMicroBatches(ctx context.Context, spec types.SymbolSpec, qty decimal.Decimal, log *slog.Logger) (LiquidationReport, bool) {
	l.cancelRestingSells(ctx, spec.Symbol, log)
	if !sleepCtx(ctx, l.unlockWait) {
		return LiquidationReport{Stage: 1, Remaining: qty}, true
	}

	sold := decimal.Zero
	remaining := qty

	for i, batch := range l.batchSizes {
		if remaining.Sign() <= 0 {
			break
		}
		if i > 0 && !sleepCtx(ctx, l.batchSpacing) {
			break
		}
		amount := decimal.Min(batch, remaining)
		n, ok := l.marketSell(ctx, spec, amount, log)
		if ok {
			sold = sold.Add(n)
			remaining = remaining.Sub(n)
		}
	}

	// Sweep the remainder when it is worth an order.
	if remaining.GreaterThan(l.remainderMin) {
		if n, ok := l.marketSell(ctx, spec, remaining, log); ok {
			sold = sold.Add(n)
			remaining = remaining.Sub(n)
		}
	}

	report := LiquidationReport{Stage: 1, Sold: sold, Remaining: remaining}
	// 80% out is good enough for stage 1 to claim the run.
	threshold := qty.Mul(decimal.RequireFromString("0.8"))
	if sold.GreaterThanOrEqual(threshold) {
		report.Success = true
		log.Info("stage 1 complete", "sold", sold, "remaining", remaining)
		return report, true
	}
	log.Warn("stage 1 insufficient", "sold", sold, "remaining", remaining)
	return report, false
}

// stageDiscountLadder is stage 2: walk limit sells down the discount ladder.
// A rung that fills ends the stage; unfilled rungs stay resting in the book
// while deeper discounts are tried.
func (l *Liquidator) stageDiscountLadder(ctx context.Context, spec types.SymbolSpec, remaining, lastPrice decimal.Decimal, log *slog.Logger) (LiquidationReport, bool) {
	if remaining.Sign() <= 0 {
		return LiquidationReport{Stage: 2, Success: true}, true
	}

	if lastPrice.Sign() <= 0 {
		p, err := l.ex.TickerPrice(ctx, spec.Symbol)
		if err != nil {
			log.Warn("stage 2 has no price anchor", "error", err)
			return LiquidationReport{Stage: 2, Remaining: remaining}, false
		}
		lastPrice = p
	}

	qty, err := symbols.FormatQuantity(spec, remaining)
	if err != nil {
		log.Warn("stage 2 remainder below lot size", "remaining", remaining)
		return LiquidationReport{Stage: 2, Remaining: remaining}, false
	}

	one := decimal.NewFromInt(1)
	resting := decimal.Zero
	for _, discount := range l.ladderDiscounts {
		price := symbols.FloorToTick(lastPrice.Mul(one.Sub(discount)), spec.TickSize)
		ack, err := l.ex.PlaceOrder(ctx, types.OrderParams{
			Symbol:      spec.Symbol,
			Side:        types.SELL,
			Type:        types.OrderTypeLimit,
			TimeInForce: types.GTC,
			Quantity:    qty,
			Price:       price,
		})
		if err != nil {
			log.Warn("ladder rung rejected", "price", price, "error", err)
			continue
		}

		if !sleepCtx(ctx, l.ladderWait) {
			return LiquidationReport{Stage: 2, Resting: qty, Remaining: remaining, Success: true}, true
		}
		ord, serr := l.ex.OrderStatus(ctx, spec.Symbol, ack.OrderID)
		if serr == nil && ord.Status == types.OrderFilled {
			log.Info("stage 2 rung filled", "price", price)
			return LiquidationReport{Stage: 2, Sold: qty, Success: true}, true
		}

		// Leave the rung resting and walk the next discount; if the price
		// keeps falling one of them fills.
		resting = qty
		log.Info("stage 2 rung resting", "price", price, "orderId", ack.OrderID)
	}

	if resting.Sign() > 0 {
		log.Info("stage 2 complete, rungs resting in the book", "qty", resting)
		return LiquidationReport{Stage: 2, Resting: resting, Remaining: remaining, Success: true}, true
	}

	log.Warn("stage 2 exhausted, no rung placed")
	return LiquidationReport{Stage: 2, Remaining: remaining}, false
}

// stageProgressiveRetry is stage 3: delayed market sell probes. Probe
// quantities start tiny to test whether the block has lifted, then scale to
// the full remainder. A non-oversold failure aborts the stage.
func (l *Liquidator) stageProgressiveRetry(ctx context.Context, spec types.SymbolSpec, remaining decimal.Decimal, log *slog.Logger) LiquidationReport {
	if remaining.Sign() <= 0 {
		return LiquidationReport{Stage: 3, Success: true}
	}

	half := remaining.Div(decimal.NewFromInt(2))
	probes := []decimal.Decimal{decimal.RequireFromString("0.1"), half, remaining, remaining}

	for i, delay := range l.retryDelays {
		if !sleepCtx(ctx, delay) {
			break
		}
		probe := decimal.Min(probes[i], remaining)
		qty, err := symbols.FormatQuantity(spec, probe)
		if err != nil {
			continue
		}

		_, perr := l.ex.PlaceOrder(ctx, types.OrderParams{
			Symbol:   spec.Symbol,
			Side:     types.SELL,
			Type:     types.OrderTypeMarket,
			Quantity: qty,
		})
		if perr != nil {
			if exchange.IsOversold(perr) {
				log.Warn("stage 3 probe still blocked", "attempt", i+1, "qty", qty)
				continue
			}
			log.Error("stage 3 probe failed hard", "attempt", i+1, "error", perr)
			return LiquidationReport{Stage: 3, Remaining: remaining}
		}

		sold := qty
		remaining = remaining.Sub(qty)

		// The block lifted; sweep whatever is left right away.
		if remaining.GreaterThan(l.remainderMin) {
			if n, ok := l.marketSell(ctx, spec, remaining, log); ok {
				sold = sold.Add(n)
				remaining = remaining.Sub(n)
			}
		}
		log.Info("stage 3 complete", "sold", sold, "remaining", remaining)
		return LiquidationReport{Stage: 3, Sold: sold, Remaining: remaining, Success: true}
	}

	log.Error("liquidation failed after all stages", "remaining", remaining)
	return LiquidationReport{Stage: 3, Remaining: remaining}
}

// cancelRestingSells frees base units locked in open SELL orders.
func (l *Liquidator) cancelRestingSells(ctx context.Context, symbol string, log *slog.Logger) {
	orders, err := l.ex.OpenOrders(ctx, symbol)
	if err != nil {
		log.Warn("open orders fetch failed", "error", err)
		return
	}
	for _, o := range orders {
		if o.Side != types.SELL {
			continue
		}
		if err := l.ex.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			log.Warn("cancel resting sell failed", "orderId", o.OrderID, "error", err)
		}
	}
}

// marketSell formats and fires one market sell, reporting the quantity
// actually sent. Oversold rejections are expected here and just skip the
// batch.
func (l *Liquidator) marketSell(ctx context.Context, spec types.SymbolSpec, amount decimal.Decimal, log *slog.Logger) (decimal.Decimal, bool) {
	qty, err := symbols.FormatQuantity(spec, amount)
	if err != nil {
		return decimal.Zero, false
	}
	_, err = l.ex.PlaceOrder(ctx, types.OrderParams{
		Symbol:   spec.Symbol,
		Side:     types.SELL,
		Type:     types.OrderTypeMarket,
		Quantity: qty,
	})
	if err != nil {
		log.Warn("batch sell rejected", "qty", qty, "error", err)
		return decimal.Zero, false
	}
	return qty, true
}

// sleepCtx sleeps for d, returning false when the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
