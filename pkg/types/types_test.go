package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite mapping wrong")
	}
}

func TestOrderStatusPredicates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw          string
		known        bool
		terminalDead bool
	}{
		{"NEW", true, false},
		{"PARTIALLY_FILLED", true, false},
		{"FILLED", true, false},
		{"CANCELED", true, true},
		{"REJECTED", true, true},
		{"EXPIRED", true, true},
		{"SOMETHING_NEW", false, false},
	}
	for _, tc := range cases {
		s := OrderStatus(tc.raw)
		if s.Known() != tc.known {
			t.Errorf("%q Known = %v", tc.raw, s.Known())
		}
		if s.TerminalNonFill() != tc.terminalDead {
			t.Errorf("%q TerminalNonFill = %v", tc.raw, s.TerminalNonFill())
		}
	}
}

func TestBracketStateTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []BracketState{StateSubmitting, StateWaitingFill, StateMainFilled, StateProtected, StateClosing} {
		if s.Terminal() {
			t.Errorf("%s reported terminal", s)
		}
	}
	for _, s := range []BracketState{StateClosed, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
}

func TestBracketValidate(t *testing.T) {
	t.Parallel()

	d := decimal.RequireFromString

	cases := []struct {
		name string
		b    BracketOrder
		want bool
	}{
		{"buy ordered", BracketOrder{Side: BUY, Quantity: d("1"),
			StopPrice: d("49"), EntryPrice: d("50"), TakeProfitPrice: d("52")}, true},
		{"buy stop above entry", BracketOrder{Side: BUY, Quantity: d("1"),
			StopPrice: d("51"), EntryPrice: d("50"), TakeProfitPrice: d("52")}, false},
		{"buy tp below entry", BracketOrder{Side: BUY, Quantity: d("1"),
			StopPrice: d("49"), EntryPrice: d("50"), TakeProfitPrice: d("50")}, false},
		{"sell ordered", BracketOrder{Side: SELL, Quantity: d("1"),
			StopPrice: d("52"), EntryPrice: d("50"), TakeProfitPrice: d("48")}, true},
		{"zero quantity", BracketOrder{Side: BUY, Quantity: decimal.Zero,
			StopPrice: d("49"), EntryPrice: d("50"), TakeProfitPrice: d("52")}, false},
	}
	for _, tc := range cases {
		if got := tc.b.Validate(); got != tc.want {
			t.Errorf("%s: Validate = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSymbolSpecTradable(t *testing.T) {
	t.Parallel()

	for _, status := range []string{"TRADING", "ENABLED", "ACTIVE", "1"} {
		s := SymbolSpec{Status: status, SpotAllowed: true}
		if !s.Tradable() {
			t.Errorf("status %q not tradable", status)
		}
	}
	if (SymbolSpec{Status: "TRADING", SpotAllowed: false}).Tradable() {
		t.Error("spot-disallowed symbol tradable")
	}
	if (SymbolSpec{Status: "HALT", SpotAllowed: true}).Tradable() {
		t.Error("halted symbol tradable")
	}
}
