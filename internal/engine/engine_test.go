package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mexc-bracket/internal/exchange"
	"mexc-bracket/internal/gate"
	"mexc-bracket/internal/registry"
	"mexc-bracket/internal/symbols"
	"mexc-bracket/pkg/types"
)

// fakeEx is a scriptable in-memory exchange. It tracks placed orders so
// tests can flip their statuses and observe cancellations.
type fakeEx struct {
	mu       sync.Mutex
	nextID   int
	orders   map[string]*types.Order
	placed   []types.OrderParams
	canceled []string
	open     []types.Order

	spot        decimal.Decimal
	rejectTypes map[types.OrderType]error
	oversoldN   int  // next N market SELLs rejected with code 30005
	fillLimits  bool // LIMIT orders fill on placement, like a crossed book
	free        decimal.Decimal
}

func newFakeEx() *fakeEx {
	return &fakeEx{
		orders: make(map[string]*types.Order),
		spot:   decimal.RequireFromString("55000"),
	}
}

func (f *fakeEx) ExchangeInfo(ctx context.Context, symbol string) ([]exchange.SymbolInfo, error) {
	return []exchange.SymbolInfo{{
		Symbol:               "BTCUSDT",
		Status:               "1",
		BaseAsset:            "BTC",
		QuoteAsset:           "USDT",
		IsSpotTradingAllowed: true,
		BaseSizePrecision:    "0.001",
	}}, nil
}

func (f *fakeEx) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spot, nil
}

func (f *fakeEx) setSpot(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spot = decimal.RequireFromString(s)
}

func (f *fakeEx) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free, nil
}

func (f *fakeEx) PlaceOrder(ctx context.Context, p types.OrderParams) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.rejectTypes[p.Type]; ok {
		return types.OrderAck{}, err
	}
	if p.Type == types.OrderTypeMarket && p.Side == types.SELL && f.oversoldN > 0 {
		f.oversoldN--
		return types.OrderAck{}, &exchange.APIError{Status: 400, Code: 30005, Msg: "Oversold"}
	}

	f.nextID++
	id := fmt.Sprintf("ord-%d", f.nextID)
	status := types.OrderNew
	if p.Type == types.OrderTypeMarket || (f.fillLimits && p.Type == types.OrderTypeLimit) {
		status = types.OrderFilled
	}
	f.orders[id] = &types.Order{
		Symbol: p.Symbol, OrderID: id, Side: p.Side, Type: p.Type,
		Status: status, Price: p.Price.String(), OrigQty: p.Quantity.String(),
	}
	f.placed = append(f.placed, p)
	return types.OrderAck{Symbol: p.Symbol, OrderID: id, Status: status}, nil
}

func (f *fakeEx) PlaceOCO(ctx context.Context, p types.OCOParams) (exchange.OCOAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	entryID := fmt.Sprintf("ord-%d", f.nextID)
	f.orders[entryID] = &types.Order{Symbol: p.Symbol, OrderID: entryID, Side: p.Side,
		Type: types.OrderTypeLimit, Status: types.OrderNew, Price: p.Price.String()}
	f.nextID++
	stopID := fmt.Sprintf("ord-%d", f.nextID)
	f.orders[stopID] = &types.Order{Symbol: p.Symbol, OrderID: stopID, Side: p.Side.Opposite(),
		Type: types.OrderTypeStopLossLimit, Status: types.OrderNew, Price: p.StopLimitPrice.String()}
	return exchange.OCOAck{
		OrderListID: 1,
		Orders: []struct {
			Symbol  string `json:"symbol"`
			OrderID string `json:"orderId"`
		}{{p.Symbol, entryID}, {p.Symbol, stopID}},
	}, nil
}

func (f *fakeEx) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	if o, ok := f.orders[orderID]; ok && o.Status == types.OrderNew {
		o.Status = types.OrderCanceled
	}
	return nil
}

func (f *fakeEx) OrderStatus(ctx context.Context, symbol, orderID string) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return types.Order{}, &exchange.APIError{Status: 404, Msg: "order not found"}
	}
	return *o, nil
}

func (f *fakeEx) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Order(nil), f.open...), nil
}

func (f *fakeEx) setStatus(orderID string, status types.OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		o.Status = status
	}
}

func (f *fakeEx) wasCanceled(orderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.canceled {
		if id == orderID {
			return true
		}
	}
	return false
}

func (f *fakeEx) ordersOfType(t types.OrderType) []types.OrderParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.OrderParams
	for _, p := range f.placed {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine wires an engine over the fake with aggressive timings.
func newTestEngine(fe *fakeEx) *Engine {
	log := testLogger()
	e := New(fe, symbols.NewCatalog(fe, log), gate.New(nil, 0, log), registry.New(log), log)
	e.tick = 2 * time.Millisecond
	e.unlockDelay = time.Millisecond
	e.liq.batchSpacing = 0
	e.liq.unlockWait = 0
	e.liq.ladderWait = 0
	e.liq.retryDelays = []time.Duration{0, 0, 0, 0}
	return e
}

func defaultRequest() BracketRequest {
	return BracketRequest{
		Symbol:          "BTCUSDT",
		Side:            types.BUY,
		Quantity:        decimal.RequireFromString("0.5"),
		EntryPrice:      decimal.RequireFromString("50000"),
		StopPrice:       decimal.RequireFromString("49000"),
		TakeProfitPrice: decimal.RequireFromString("52000"),
	}
}

func waitForState(t *testing.T, e *Engine, id string, want types.BracketState) types.BracketOrder {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b, err := e.Registry().Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if b.State == want {
			return b
		}
		time.Sleep(2 * time.Millisecond)
	}
	b, _ := e.Registry().Get(id)
	t.Fatalf("bracket %s stuck in %s, want %s", id, b.State, want)
	return types.BracketOrder{}
}

// waitForRemoval blocks until the registry publishes the bracket's removal
// and returns the final copy the event carries.
func waitForRemoval(t *testing.T, e *Engine, id string) types.BracketOrder {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.Registry().Events():
			if ev.Kind == registry.EventRemoved && ev.Bracket.ID == id {
				return ev.Bracket
			}
		case <-deadline:
			t.Fatalf("bracket %s never removed from the registry", id)
			return types.BracketOrder{}
		}
	}
}

func TestSubmitRejectsUnorderedPrices(t *testing.T) {
	t.Parallel()

	e := newTestEngine(newFakeEx())
	req := defaultRequest()
	req.StopPrice = decimal.RequireFromString("51000") // stop above entry

	if _, err := e.Submit(context.Background(), req); err == nil {
		t.Fatal("Submit accepted stop >= entry")
	}
}

func TestSubmitRespectsGate(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	log := testLogger()
	w, err := gate.ParseWindow("09:00/10:00", "")
	if err != nil {
		t.Fatal(err)
	}
	g := gate.New([]gate.Window{w}, 0, log)
	e := New(fe, symbols.NewCatalog(fe, log), g, registry.New(log), log)

	// Only run the closed-window assertion when we are actually outside the
	// window; the gate consults the real clock.
	if !g.IsOpen() {
		if _, err := e.Submit(context.Background(), defaultRequest()); !errors.Is(err, gate.ErrOutsideTradingWindow) {
			t.Errorf("Submit = %v, want ErrOutsideTradingWindow", err)
		}
	}
}

func TestBracketTakeProfitPath(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.Submit(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	b := waitForState(t, e, id, types.StateWaitingFill)
	fe.setStatus(b.MainOrderID, types.OrderFilled)

	b = waitForState(t, e, id, types.StateProtected)
	if b.StopMode != types.ExitNative || b.TakeProfitMode != types.ExitNative {
		t.Fatalf("modes = %s/%s, want NATIVE/NATIVE", b.StopMode, b.TakeProfitMode)
	}

	fe.setStatus(b.TakeProfitOrderID, types.OrderFilled)

	closed := waitForRemoval(t, e, id)
	if closed.State != types.StateClosed {
		t.Fatalf("final state = %s, want CLOSED", closed.State)
	}
	if closed.ExitReason != types.ExitTakeProfit {
		t.Errorf("reason = %s, want TAKE_PROFIT", closed.ExitReason)
	}
	// The stop sibling must not be left resting.
	if !fe.wasCanceled(b.StopOrderID) {
		t.Error("stop order not canceled after take-profit fill")
	}
	// pnl = (52000 - 50000) * 0.5 = 1000
	if !closed.RealizedPnL.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("pnl = %s, want 1000", closed.RealizedPnL)
	}
	cancel()
	e.Wait()
}

func TestProtectiveCascadeFallsToSoftware(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.rejectTypes = map[types.OrderType]error{
		types.OrderTypeStopLossLimit:   &exchange.APIError{Status: 400, Msg: "Invalid type"},
		types.OrderTypeStopLoss:        &exchange.APIError{Status: 400, Msg: "Invalid type"},
		types.OrderTypeTakeProfitLimit: &exchange.APIError{Status: 400, Msg: "Invalid type"},
	}
	fe.setSpot("51000") // below the 52000 TP, so the LIMIT fallback rests
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.Submit(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b := waitForState(t, e, id, types.StateWaitingFill)
	fe.setStatus(b.MainOrderID, types.OrderFilled)

	b = waitForState(t, e, id, types.StateProtected)
	if b.StopMode != types.ExitSoftware {
		t.Errorf("stop mode = %s, want SOFTWARE after exhausted cascade", b.StopMode)
	}
	// TAKE_PROFIT_LIMIT was rejected but plain LIMIT works, so TP is native.
	if b.TakeProfitMode != types.ExitNative {
		t.Errorf("tp mode = %s, want NATIVE via LIMIT fallback", b.TakeProfitMode)
	}
	cancel()
	e.Wait()
}

func TestSoftwareStopTriggersMarketClose(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.rejectTypes = map[types.OrderType]error{
		types.OrderTypeStopLossLimit: &exchange.APIError{Status: 400, Msg: "Invalid type"},
		types.OrderTypeStopLoss:      &exchange.APIError{Status: 400, Msg: "Invalid type"},
	}
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.Submit(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b := waitForState(t, e, id, types.StateWaitingFill)
	fe.setStatus(b.MainOrderID, types.OrderFilled)
	b = waitForState(t, e, id, types.StateProtected)

	fe.setSpot("48900") // below the 49000 stop

	closed := waitForRemoval(t, e, id)
	if closed.ExitReason != types.ExitStopLoss {
		t.Errorf("reason = %s, want STOP_LOSS", closed.ExitReason)
	}
	if closed.RealizedPnL.Sign() >= 0 {
		t.Errorf("pnl = %s, want a loss", closed.RealizedPnL)
	}

	sells := fe.ordersOfType(types.OrderTypeMarket)
	if len(sells) == 0 || sells[0].Side != types.SELL {
		t.Fatalf("no closing market sell placed: %+v", sells)
	}
	// The native TP must be canceled before the close.
	if !fe.wasCanceled(b.TakeProfitOrderID) {
		t.Error("tp order not canceled before software stop close")
	}
	cancel()
	e.Wait()
}

func TestNativeStopCanceledDowngradesToSoftware(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.Submit(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b := waitForState(t, e, id, types.StateWaitingFill)
	fe.setStatus(b.MainOrderID, types.OrderFilled)
	b = waitForState(t, e, id, types.StateProtected)

	// Someone cancels the stop out from under the bot.
	fe.setStatus(b.StopOrderID, types.OrderCanceled)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cur, _ := e.Registry().Get(id)
		if cur.StopMode == types.ExitSoftware && cur.StopOrderID == "" {
			cancel()
			e.Wait()
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("stop mode never downgraded to software")
}

func TestCancelBeforeFill(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.Submit(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b := waitForState(t, e, id, types.StateWaitingFill)

	if err := e.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	closed := waitForRemoval(t, e, id)
	if closed.State != types.StateClosed {
		t.Fatalf("final state = %s, want CLOSED", closed.State)
	}
	if closed.ExitReason != types.ExitManual {
		t.Errorf("reason = %s, want MANUAL", closed.ExitReason)
	}
	if !fe.wasCanceled(b.MainOrderID) {
		t.Error("entry order not canceled")
	}
	if len(fe.ordersOfType(types.OrderTypeMarket)) != 0 {
		t.Error("market order placed for a never-filled bracket")
	}
	e.Wait()
}

func TestEntryRejectedFailsBracket(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.Submit(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b := waitForState(t, e, id, types.StateWaitingFill)
	fe.setStatus(b.MainOrderID, types.OrderRejected)

	failed := waitForRemoval(t, e, id)
	if failed.State != types.StateFailed {
		t.Fatalf("final state = %s, want FAILED", failed.State)
	}
	if failed.LastError == "" {
		t.Error("failed bracket has no LastError")
	}
	e.Wait()
}

func TestTerminalBracketLeavesRegistry(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.Submit(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b := waitForState(t, e, id, types.StateWaitingFill)
	fe.setStatus(b.MainOrderID, types.OrderExpired)

	removed := waitForRemoval(t, e, id)
	if removed.State != types.StateFailed {
		t.Errorf("removed bracket state = %s, want FAILED", removed.State)
	}
	if _, err := e.Registry().Get(id); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get after terminal state = %v, want ErrNotFound", err)
	}
	e.Wait()
}

func TestOversoldCloseRunsLiquidation(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.rejectTypes = map[types.OrderType]error{
		types.OrderTypeStopLossLimit: &exchange.APIError{Status: 400, Msg: "Invalid type"},
		types.OrderTypeStopLoss:      &exchange.APIError{Status: 400, Msg: "Invalid type"},
	}
	fe.oversoldN = 1 // the closing sell is blocked once, then batches flow
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.Submit(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b := waitForState(t, e, id, types.StateWaitingFill)
	fe.setStatus(b.MainOrderID, types.OrderFilled)
	waitForState(t, e, id, types.StateProtected)

	fe.setSpot("48000") // trip the software stop

	closed := waitForRemoval(t, e, id)
	if closed.ExitReason != types.ExitStopLoss {
		t.Errorf("reason = %s", closed.ExitReason)
	}

	// Stage 1 micro-batches must have sold the whole 0.5 position. The
	// blocked close attempt was rejected, so every recorded market sell is a
	// liquidation batch.
	sells := fe.ordersOfType(types.OrderTypeMarket)
	total := decimal.Zero
	for _, s := range sells {
		total = total.Add(s.Quantity)
	}
	if !total.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("liquidated %s, want 0.5", total)
	}
	cancel()
	e.Wait()
}

func TestSubmitSimpleArmsStopViaOCO(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := e.SubmitSimple(ctx, defaultRequest())
	if err != nil {
		t.Fatalf("SubmitSimple: %v", err)
	}

	b := waitForState(t, e, id, types.StateWaitingFill)
	if b.StopMode != types.ExitNative || b.StopOrderID == "" {
		t.Fatalf("stop not armed by OCO: %+v", b)
	}

	fe.setStatus(b.MainOrderID, types.OrderFilled)
	b = waitForState(t, e, id, types.StateProtected)
	// Only the take-profit needed arming after the fill.
	if b.TakeProfitMode != types.ExitNative {
		t.Errorf("tp mode = %s", b.TakeProfitMode)
	}
	if got := len(fe.ordersOfType(types.OrderTypeStopLossLimit)); got != 0 {
		t.Errorf("%d standalone stop orders placed, want 0 (OCO covers it)", got)
	}
	cancel()
	e.Wait()
}

func TestQuoteQuantityConversion(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := defaultRequest()
	req.Quantity = decimal.RequireFromString("1000") // 1000 USDT at 50000 = 0.02 BTC
	req.QuantityIsQuote = true

	id, err := e.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, _ := e.Registry().Get(id)
	if !b.Quantity.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("qty = %s, want 0.02", b.Quantity)
	}
	cancel()
	e.Wait()
}

func TestAutoQuantityFromBalance(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.free = decimal.RequireFromString("500") // 500 USDT free
	e := newTestEngine(fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := defaultRequest()
	req.Quantity = decimal.Zero

	id, err := e.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, _ := e.Registry().Get(id)
	// 500 / 50000 = 0.01, an exact step multiple.
	if !b.Quantity.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("qty = %s, want 0.01", b.Quantity)
	}
	cancel()
	e.Wait()
}
