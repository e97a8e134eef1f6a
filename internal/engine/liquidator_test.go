package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mexc-bracket/internal/exchange"
	"mexc-bracket/pkg/types"
)

func testLiquidator(fe *fakeEx) *Liquidator {
	l := NewLiquidator(fe, testLogger())
	l.batchSpacing = 0
	l.unlockWait = 0
	l.ladderWait = 0
	l.retryDelays = []time.Duration{0, 0, 0, 0}
	return l
}

func liqSpec() types.SymbolSpec {
	return types.SymbolSpec{
		Symbol:   "BTCUSDT",
		StepSize: decimal.RequireFromString("0.001"),
		TickSize: decimal.RequireFromString("0.01"),
	}
}

func TestLiquidatorStage1SellsEverything(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.open = []types.Order{
		{Symbol: "BTCUSDT", OrderID: "resting-sell", Side: types.SELL, Status: types.OrderNew},
		{Symbol: "BTCUSDT", OrderID: "resting-buy", Side: types.BUY, Status: types.OrderNew},
	}
	l := testLiquidator(fe)

	report := l.Execute(context.Background(), liqSpec(),
		decimal.RequireFromString("3"), decimal.RequireFromString("50000"))

	if !report.Success || report.Stage != 1 {
		t.Fatalf("report = %+v, want stage 1 success", report)
	}
	if !report.Sold.Equal(decimal.RequireFromString("3")) {
		t.Errorf("sold = %s, want 3", report.Sold)
	}
	if !report.Remaining.IsZero() {
		t.Errorf("remaining = %s", report.Remaining)
	}

	// Resting sells get canceled to unlock funds; buys are left alone.
	if !fe.wasCanceled("resting-sell") {
		t.Error("resting sell not canceled")
	}
	if fe.wasCanceled("resting-buy") {
		t.Error("resting buy canceled")
	}

	// Batches never exceed the configured sizes.
	for _, s := range fe.ordersOfType(types.OrderTypeMarket) {
		if s.Quantity.GreaterThan(decimal.RequireFromString("2")) {
			t.Errorf("batch %s exceeds max batch size", s.Quantity)
		}
	}
}

func TestLiquidatorStage2RestsDiscountedLimit(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.oversoldN = 1000 // every market sell stays blocked
	l := testLiquidator(fe)

	report := l.Execute(context.Background(), liqSpec(),
		decimal.RequireFromString("2"), decimal.RequireFromString("50000"))

	if !report.Success || report.Stage != 2 {
		t.Fatalf("report = %+v, want stage 2 success", report)
	}
	if !report.Resting.Equal(decimal.RequireFromString("2")) {
		t.Errorf("resting = %s, want 2", report.Resting)
	}

	// Unfilled rungs stay in the book while every deeper discount is tried:
	// 50000 at -0.5%, -1%, -2%, -3%.
	limits := fe.ordersOfType(types.OrderTypeLimit)
	wantPrices := []string{"49750", "49500", "49000", "48500"}
	if len(limits) != len(wantPrices) {
		t.Fatalf("placed %d limit sells, want %d", len(limits), len(wantPrices))
	}
	for i, want := range wantPrices {
		if !limits[i].Price.Equal(decimal.RequireFromString(want)) {
			t.Errorf("rung %d price = %s, want %s", i, limits[i].Price, want)
		}
		if limits[i].Side != types.SELL {
			t.Errorf("rung %d side = %s", i, limits[i].Side)
		}
	}
}

func TestLiquidatorStage2StopsAtFilledRung(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.oversoldN = 1000 // every market sell stays blocked
	fe.fillLimits = true
	l := testLiquidator(fe)

	report := l.Execute(context.Background(), liqSpec(),
		decimal.RequireFromString("2"), decimal.RequireFromString("50000"))

	if !report.Success || report.Stage != 2 {
		t.Fatalf("report = %+v, want stage 2 success", report)
	}
	if !report.Sold.Equal(decimal.RequireFromString("2")) {
		t.Errorf("sold = %s, want 2", report.Sold)
	}
	// The first rung filled, so no deeper discount is tried.
	if limits := fe.ordersOfType(types.OrderTypeLimit); len(limits) != 1 {
		t.Errorf("placed %d limit sells, want 1 after immediate fill", len(limits))
	}
}

func TestLiquidatorStage3ProbesAfterBlockLifts(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	// Stage 1 fires 6 market sells (5 batches + remainder sweep), all
	// blocked, plus the first stage 3 probe. Then the block lifts.
	fe.oversoldN = 7
	fe.rejectTypes = map[types.OrderType]error{
		types.OrderTypeLimit: &exchange.APIError{Status: 400, Msg: "Invalid type"},
	}
	l := testLiquidator(fe)

	report := l.Execute(context.Background(), liqSpec(),
		decimal.RequireFromString("2"), decimal.RequireFromString("50000"))

	if !report.Success || report.Stage != 3 {
		t.Fatalf("report = %+v, want stage 3 success", report)
	}
	if !report.Sold.Equal(decimal.RequireFromString("2")) {
		t.Errorf("sold = %s, want full 2 via probe plus sweep", report.Sold)
	}
	if !report.Remaining.IsZero() {
		t.Errorf("remaining = %s", report.Remaining)
	}
}

func TestLiquidatorHardErrorAborts(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.rejectTypes = map[types.OrderType]error{
		types.OrderTypeMarket: &exchange.APIError{Status: 400, Code: 30004, Msg: "Insufficient balance"},
		types.OrderTypeLimit:  &exchange.APIError{Status: 400, Msg: "Invalid type"},
	}
	l := testLiquidator(fe)

	report := l.Execute(context.Background(), liqSpec(),
		decimal.RequireFromString("2"), decimal.RequireFromString("50000"))

	if report.Success {
		t.Fatalf("report = %+v, want failure on non-oversold error", report)
	}
	if report.Stage != 3 {
		t.Errorf("stage = %d, want 3", report.Stage)
	}
	if !report.Remaining.Equal(decimal.RequireFromString("2")) {
		t.Errorf("remaining = %s, want untouched 2", report.Remaining)
	}
}

func TestLiquidatorContextCancel(t *testing.T) {
	t.Parallel()

	fe := newFakeEx()
	fe.oversoldN = 1000
	l := NewLiquidator(fe, testLogger()) // production timings

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := l.Execute(ctx, liqSpec(),
		decimal.RequireFromString("2"), decimal.RequireFromString("50000"))
	if report.Success {
		t.Errorf("report = %+v, want failure under canceled context", report)
	}
}
