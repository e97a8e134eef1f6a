// Package symbols maintains the symbol catalog: cached exchange trading
// rules, symbol validation, and quantity formatting against the lot step.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mexc-bracket/internal/exchange"
	"mexc-bracket/pkg/types"
)

// cacheTTL bounds how stale a cached SymbolSpec may be before the catalog
// refetches exchange info.
const cacheTTL = 5 * time.Minute

// ErrQuantityOutOfRange is returned when a quantity, after flooring to the
// step, falls outside the symbol's min/max bounds or reaches zero.
var ErrQuantityOutOfRange = errors.New("quantity out of range for symbol")

// ErrSymbolNotTradable is returned when the symbol exists but does not
// accept spot orders.
var ErrSymbolNotTradable = errors.New("symbol not tradable")

// InfoSource provides exchange trading rules. *exchange.Client satisfies it.
type InfoSource interface {
	ExchangeInfo(ctx context.Context, symbol string) ([]exchange.SymbolInfo, error)
}

// Catalog caches per-symbol trading rules with a TTL and answers validation
// and formatting questions. Safe for concurrent use.
type Catalog struct {
	source InfoSource
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSpec
}

type cachedSpec struct {
	spec      types.SymbolSpec
	fetchedAt time.Time
}

// NewCatalog creates a catalog backed by the given info source.
func NewCatalog(source InfoSource, logger *slog.Logger) *Catalog {
	return &Catalog{
		source: source,
		logger: logger.With("component", "symbols"),
		now:    time.Now,
		cache:  make(map[string]cachedSpec),
	}
}

// Normalize canonicalizes user symbol input: separators stripped, uppercased,
// and USDT appended when no quote asset is recognized. "btc_usdt" and "BTC"
// both become "BTCUSDT".
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "/", "")
	if s == "" {
		return s
	}
	if !strings.HasSuffix(s, "USDT") && !strings.HasSuffix(s, "USDC") {
		s += "USDT"
	}
	return s
}

// Resolve returns the trading rules for symbol, normalizing the name and
// consulting the cache before the exchange. The returned spec is tradable;
// non-tradable symbols yield ErrSymbolNotTradable.
func (c *Catalog) Resolve(ctx context.Context, symbol string) (types.SymbolSpec, error) {
	name := Normalize(symbol)

	c.mu.RLock()
	entry, ok := c.cache[name]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < cacheTTL {
		if !entry.spec.Tradable() {
			return types.SymbolSpec{}, fmt.Errorf("%s: %w", name, ErrSymbolNotTradable)
		}
		return entry.spec, nil
	}

	infos, err := c.source.ExchangeInfo(ctx, name)
	if err != nil {
		// A stale cached spec beats failing the caller outright.
		if ok {
			c.logger.Warn("exchange info refresh failed, using stale spec", "symbol", name, "error", err)
			return entry.spec, nil
		}
		return types.SymbolSpec{}, fmt.Errorf("fetch exchange info for %s: %w", name, err)
	}

	var found *exchange.SymbolInfo
	for i := range infos {
		if infos[i].Symbol == name {
			found = &infos[i]
			break
		}
	}
	if found == nil {
		return types.SymbolSpec{}, fmt.Errorf("symbol %s not listed", name)
	}

	spec := c.buildSpec(*found)
	c.mu.Lock()
	c.cache[name] = cachedSpec{spec: spec, fetchedAt: c.now()}
	c.mu.Unlock()

	if !spec.Tradable() {
		return types.SymbolSpec{}, fmt.Errorf("%s (status %s): %w", name, spec.Status, ErrSymbolNotTradable)
	}
	return spec, nil
}

// buildSpec converts raw exchange info into a SymbolSpec, preferring the
// LOT_SIZE filter and falling back to baseSizePrecision for the step.
func (c *Catalog) buildSpec(info exchange.SymbolInfo) types.SymbolSpec {
	spec := types.SymbolSpec{
		Symbol:      info.Symbol,
		Status:      info.Status,
		SpotAllowed: info.IsSpotTradingAllowed,
		BaseAsset:   info.BaseAsset,
		QuoteAsset:  info.QuoteAsset,
		TickSize:    decimal.New(1, -2),
	}

	for _, f := range info.Filters {
		if f.FilterType == "LOT_SIZE" {
			spec.StepSize = parseOrZero(f.StepSize)
			spec.MinQty = parseOrZero(f.MinQty)
			spec.MaxQty = parseOrZero(f.MaxQty)
		}
		if f.FilterType == "PRICE_FILTER" {
			if tick := parseOrZero(f.TickSize); tick.Sign() > 0 {
				spec.TickSize = tick
			}
		}
	}
	if spec.StepSize.Sign() <= 0 {
		spec.StepSize = parseOrZero(info.BaseSizePrecision)
	}
	if spec.StepSize.Sign() <= 0 {
		spec.StepSize = decimal.New(1, -6)
	}

	if override, ok := stepOverride(spec); ok {
		c.logger.Warn("overriding implausible step size",
			"symbol", spec.Symbol, "reported", spec.StepSize, "using", override)
		spec.StepSize = override
	}
	return spec
}

// stepOverride substitutes a sane step when a USDT pair reports one finer
// than 0.001, which in practice means the listing data is wrong.
func stepOverride(spec types.SymbolSpec) (decimal.Decimal, bool) {
	if spec.QuoteAsset != "USDT" && !strings.HasSuffix(spec.Symbol, "USDT") {
		return decimal.Decimal{}, false
	}
	if spec.StepSize.GreaterThanOrEqual(decimal.New(1, -3)) {
		return decimal.Decimal{}, false
	}
	base := spec.BaseAsset
	if base == "" {
		base = strings.TrimSuffix(spec.Symbol, "USDT")
	}
	switch base {
	case "BTC", "ETH":
		return decimal.New(1, -3), true
	case "XRP", "ADA", "DOGE", "SHIB":
		return decimal.New(1, -1), true
	default:
		return decimal.New(1, -2), true
	}
}

// FormatQuantity floors qty to the symbol's step and renders it with the
// step's decimal places. Quantities that floor to zero or breach the
// min/max bounds return ErrQuantityOutOfRange.
func FormatQuantity(spec types.SymbolSpec, qty decimal.Decimal) (decimal.Decimal, error) {
	if qty.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%s quantity %s: %w", spec.Symbol, qty, ErrQuantityOutOfRange)
	}

	step := spec.StepSize
	floored := qty.Div(step).Floor().Mul(step)

	places := int32(0)
	if step.Exponent() < 0 {
		places = -step.Exponent()
	}
	floored = floored.Truncate(places)

	if floored.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%s quantity %s floors to zero at step %s: %w",
			spec.Symbol, qty, step, ErrQuantityOutOfRange)
	}
	if spec.MinQty.Sign() > 0 && floored.LessThan(spec.MinQty) {
		return decimal.Decimal{}, fmt.Errorf("%s quantity %s below min %s: %w",
			spec.Symbol, floored, spec.MinQty, ErrQuantityOutOfRange)
	}
	if spec.MaxQty.Sign() > 0 && floored.GreaterThan(spec.MaxQty) {
		return decimal.Decimal{}, fmt.Errorf("%s quantity %s above max %s: %w",
			spec.Symbol, floored, spec.MaxQty, ErrQuantityOutOfRange)
	}
	return floored, nil
}

// FloorToTick floors price to an exact multiple of the tick. A non-positive
// tick passes the price through unchanged.
func FloorToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

func parseOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
