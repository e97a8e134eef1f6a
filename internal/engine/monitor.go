// monitor.go runs the per-bracket monitor loop: waiting for the entry fill,
// arming protective exits, watching both exit paths, and closing out. A
// bracket that reaches a terminal state is removed from the registry, which
// publishes the removal to observers.
//
// Each tick performs at most one state transition, and exits are always
// checked in the same order: native stop, software stop, native take-profit,
// software take-profit. Stop-loss wins when both sides would trigger on the
// same tick.
package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"mexc-bracket/internal/exchange"
	"mexc-bracket/pkg/types"
)

// pendingClose carries the trigger details from the tick that decided to
// close into the CLOSING state.
type pendingClose struct {
	reason    types.ExitReason
	needSell  bool // false when a native exit already sold the position
	exitPrice decimal.Decimal
}

// monitor drives one bracket until it reaches a terminal state or the
// context is cancelled.
func (e *Engine) monitor(ctx context.Context, id string, spec types.SymbolSpec) {
	log := e.logger.With("bracket", id, "symbol", spec.Symbol)
	log.Debug("monitor started")

	var pc pendingClose
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Warn("monitor stopped by context", "error", ctx.Err())
			return
		case <-ticker.C:
			if e.step(ctx, id, spec, &pc) {
				log.Debug("monitor finished")
				return
			}
		}
	}
}

// step advances the bracket by at most one transition. Returns true when the
// bracket is terminal.
func (e *Engine) step(ctx context.Context, id string, spec types.SymbolSpec, pc *pendingClose) bool {
	b, err := e.reg.Get(id)
	if err != nil {
		return true
	}

	switch b.State {
	case types.StateWaitingFill:
		return e.stepWaitingFill(ctx, b)
	case types.StateMainFilled:
		return e.stepArm(ctx, b, spec)
	case types.StateProtected:
		return e.stepProtected(ctx, b, pc)
	case types.StateClosing:
		return e.stepClosing(ctx, b, spec, pc)
	default:
		return b.State.Terminal()
	}
}

// stepWaitingFill polls the entry order. A cancel request before the fill
// cancels the entry and retires the bracket without a position.
func (e *Engine) stepWaitingFill(ctx context.Context, b types.BracketOrder) bool {
	if b.CancelRequested {
		if err := e.ex.CancelOrder(ctx, b.Symbol, b.MainOrderID); err != nil {
			e.logger.Warn("cancel entry order failed", "bracket", b.ID, "error", err)
		}
		e.reg.Update(b.ID, func(b *types.BracketOrder) {
			b.State = types.StateClosed
			b.ExitReason = types.ExitManual
			b.ClosedAt = time.Now()
		})
		e.logger.Info("bracket cancelled before fill", "bracket", b.ID)
		e.reg.Remove(b.ID)
		return true
	}

	ord, err := e.ex.OrderStatus(ctx, b.Symbol, b.MainOrderID)
	if err != nil {
		e.logger.Warn("entry status poll failed", "bracket", b.ID, "error", err)
		return false
	}

	switch {
	case ord.Status == types.OrderFilled:
		e.reg.Update(b.ID, func(b *types.BracketOrder) {
			b.State = types.StateMainFilled
			b.FilledAt = time.Now()
		})
		e.logger.Info("entry filled", "bracket", b.ID, "orderId", b.MainOrderID)
		return false
	case ord.Status.TerminalNonFill():
		e.reg.Update(b.ID, func(b *types.BracketOrder) {
			b.State = types.StateFailed
			b.LastError = "entry order " + string(ord.Status)
			b.ClosedAt = time.Now()
		})
		e.logger.Error("entry order died unfilled", "bracket", b.ID, "status", ord.Status)
		e.reg.Remove(b.ID)
		return true
	default:
		return false
	}
}

// stepArm arms whichever protective sides are not yet covered and moves to
// PROTECTED. Arming never fails the bracket: an uncoverable side is watched
// in software.
func (e *Engine) stepArm(ctx context.Context, b types.BracketOrder, spec types.SymbolSpec) bool {
	closeSide := b.Side.Opposite()

	stopID, stopMode := b.StopOrderID, b.StopMode
	if stopMode != types.ExitNative {
		if ack, err := e.placer.ArmStop(ctx, spec, closeSide, b.Quantity, b.StopPrice); err == nil {
			stopID, stopMode = ack.OrderID, types.ExitNative
		} else {
			stopID, stopMode = "", types.ExitSoftware
			e.logger.Warn("stop-loss watched in software", "bracket", b.ID, "error", err)
		}
	}

	tpID, tpMode := b.TakeProfitOrderID, b.TakeProfitMode
	if tpMode != types.ExitNative {
		if ack, err := e.placer.PlaceTakeProfit(ctx, spec, closeSide, b.Quantity, b.TakeProfitPrice); err == nil {
			tpID, tpMode = ack.OrderID, types.ExitNative
		} else {
			tpID, tpMode = "", types.ExitSoftware
			e.logger.Warn("take-profit watched in software", "bracket", b.ID, "error", err)
		}
	}

	e.reg.Update(b.ID, func(b *types.BracketOrder) {
		b.StopOrderID, b.StopMode = stopID, stopMode
		b.TakeProfitOrderID, b.TakeProfitMode = tpID, tpMode
		b.State = types.StateProtected
	})
	e.logger.Info("bracket protected",
		"bracket", b.ID, "stopMode", stopMode, "tpMode", tpMode)
	return false
}

// stepProtected watches both exits. Check order is fixed; the first trigger
// found wins the tick.
func (e *Engine) stepProtected(ctx context.Context, b types.BracketOrder, pc *pendingClose) bool {
	if b.CancelRequested {
		*pc = pendingClose{reason: types.ExitManual, needSell: true}
		e.toClosing(b.ID, "manual cancel")
		return false
	}

	// Spot is fetched at most once per tick, and only when a software side
	// needs it.
	var spot decimal.Decimal
	spotFetched := false
	getSpot := func() (decimal.Decimal, bool) {
		if !spotFetched {
			p, err := e.ex.TickerPrice(ctx, b.Symbol)
			if err != nil {
				e.logger.Warn("spot poll failed", "bracket", b.ID, "error", err)
				return decimal.Decimal{}, false
			}
			spot, spotFetched = p, true
		}
		return spot, true
	}

	// 1. Native stop-loss.
	if b.StopMode == types.ExitNative && b.StopOrderID != "" {
		ord, err := e.ex.OrderStatus(ctx, b.Symbol, b.StopOrderID)
		if err != nil {
			e.logger.Warn("stop order poll failed", "bracket", b.ID, "error", err)
		} else if ord.Status == types.OrderFilled {
			*pc = pendingClose{
				reason:    types.ExitStopLoss,
				needSell:  false,
				exitPrice: fillPrice(ord, b.StopPrice),
			}
			e.toClosing(b.ID, "native stop filled")
			return false
		} else if ord.Status.TerminalNonFill() {
			e.reg.Update(b.ID, func(b *types.BracketOrder) {
				b.StopOrderID = ""
				b.StopMode = types.ExitSoftware
			})
			e.logger.Warn("native stop order gone, downgrading to software",
				"bracket", b.ID, "status", ord.Status)
			return false
		}
	}

	// 2. Software stop-loss.
	if b.StopMode == types.ExitSoftware {
		if p, ok := getSpot(); ok && breached(b.Side, p, b.StopPrice, true) {
			*pc = pendingClose{reason: types.ExitStopLoss, needSell: true, exitPrice: p}
			e.toClosing(b.ID, "software stop triggered")
			return false
		}
	}

	// 3. Native take-profit.
	if b.TakeProfitMode == types.ExitNative && b.TakeProfitOrderID != "" {
		ord, err := e.ex.OrderStatus(ctx, b.Symbol, b.TakeProfitOrderID)
		if err != nil {
			e.logger.Warn("tp order poll failed", "bracket", b.ID, "error", err)
		} else if ord.Status == types.OrderFilled {
			*pc = pendingClose{
				reason:    types.ExitTakeProfit,
				needSell:  false,
				exitPrice: fillPrice(ord, b.TakeProfitPrice),
			}
			e.toClosing(b.ID, "native take-profit filled")
			return false
		} else if ord.Status.TerminalNonFill() {
			e.reg.Update(b.ID, func(b *types.BracketOrder) {
				b.TakeProfitOrderID = ""
				b.TakeProfitMode = types.ExitSoftware
			})
			e.logger.Warn("native tp order gone, downgrading to software",
				"bracket", b.ID, "status", ord.Status)
			return false
		}
	}

	// 4. Software take-profit.
	if b.TakeProfitMode == types.ExitSoftware {
		if p, ok := getSpot(); ok && breached(b.Side, p, b.TakeProfitPrice, false) {
			*pc = pendingClose{reason: types.ExitTakeProfit, needSell: true, exitPrice: p}
			e.toClosing(b.ID, "software take-profit triggered")
			return false
		}
	}

	return false
}

// stepClosing cancels leftover protective orders, sells the position if a
// software exit or cancel triggered the close, and finalizes the bracket.
func (e *Engine) stepClosing(ctx context.Context, b types.BracketOrder, spec types.SymbolSpec, pc *pendingClose) bool {
	// A filled native exit already consumed its own order; cancel the rest.
	if b.StopOrderID != "" && !(pc.reason == types.ExitStopLoss && !pc.needSell) {
		if err := e.ex.CancelOrder(ctx, b.Symbol, b.StopOrderID); err != nil {
			e.logger.Warn("cancel stop order failed", "bracket", b.ID, "error", err)
		}
	}
	if b.TakeProfitOrderID != "" && !(pc.reason == types.ExitTakeProfit && !pc.needSell) {
		if err := e.ex.CancelOrder(ctx, b.Symbol, b.TakeProfitOrderID); err != nil {
			e.logger.Warn("cancel tp order failed", "bracket", b.ID, "error", err)
		}
	}

	lastErr := ""
	exitPrice := pc.exitPrice

	if pc.needSell {
		// Funds freed by the cancellations take a moment to unlock.
		select {
		case <-ctx.Done():
			return true
		case <-time.After(e.unlockDelay):
		}

		closeSide := b.Side.Opposite()
		_, err := e.placer.PlaceMarket(ctx, b.Symbol, closeSide, b.Quantity)
		if err != nil {
			if !exchange.IsOversold(err) {
				e.logger.Error("closing market order failed, retrying next tick",
					"bracket", b.ID, "error", err)
				e.reg.Update(b.ID, func(b *types.BracketOrder) { b.LastError = err.Error() })
				return false
			}

			e.logger.Error("closing sell blocked by oversold, starting liquidation", "bracket", b.ID)
			report := e.liq.Execute(ctx, spec, b.Quantity, exitPrice)
			if !report.Success {
				lastErr = "liquidation incomplete: " + report.Remaining.String() + " left"
				e.logger.Error("liquidation incomplete",
					"bracket", b.ID, "stage", report.Stage, "remaining", report.Remaining)
			} else {
				e.logger.Info("liquidation complete", "bracket", b.ID, "stage", report.Stage)
			}
		}

		if exitPrice.IsZero() {
			if p, err := e.ex.TickerPrice(ctx, b.Symbol); err == nil {
				exitPrice = p
			} else {
				exitPrice = b.EntryPrice
			}
		}
	}

	pnl := realizedPnL(b.Side, b.EntryPrice, exitPrice, b.Quantity)
	e.reg.Update(b.ID, func(b *types.BracketOrder) {
		b.State = types.StateClosed
		b.ExitReason = pc.reason
		b.RealizedPnL = pnl
		b.ClosedAt = time.Now()
		if lastErr != "" {
			b.LastError = lastErr
		}
	})
	e.logger.Info("bracket closed",
		"bracket", b.ID, "reason", pc.reason, "exit", exitPrice, "pnl", pnl)
	e.reg.Remove(b.ID)
	return true
}

func (e *Engine) toClosing(id, why string) {
	e.reg.Update(id, func(b *types.BracketOrder) {
		b.State = types.StateClosing
	})
	e.logger.Info("closing bracket", "bracket", id, "trigger", why)
}

// breached reports whether spot crossed the level. For the stop side the
// unfavorable direction triggers; for the take-profit side the favorable one.
func breached(side types.Side, spot, level decimal.Decimal, isStop bool) bool {
	if side == types.BUY {
		if isStop {
			return spot.LessThanOrEqual(level)
		}
		return spot.GreaterThanOrEqual(level)
	}
	if isStop {
		return spot.GreaterThanOrEqual(level)
	}
	return spot.LessThanOrEqual(level)
}

// fillPrice extracts the fill price from an order record, falling back to
// the trigger level when the exchange omits it.
func fillPrice(ord types.Order, fallback decimal.Decimal) decimal.Decimal {
	if p, err := decimal.NewFromString(ord.Price); err == nil && p.Sign() > 0 {
		return p
	}
	return fallback
}

// realizedPnL computes the signed profit of a closed position.
func realizedPnL(side types.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if exit.IsZero() {
		return decimal.Zero
	}
	diff := exit.Sub(entry)
	if side == types.SELL {
		diff = entry.Sub(exit)
	}
	return diff.Mul(qty)
}
