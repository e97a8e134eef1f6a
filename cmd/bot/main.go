// Command bot places and supervises bracket orders on MEXC spot markets.
//
// Usage:
//
//	bot [flags] <action>
//
// Actions:
//
//	buy            market or limit buy (limit when -price is set)
//	sell           market or limit sell
//	bracket        entry limit + stop-loss + take-profit, supervised to close
//	sequential     alias of bracket with sequential protective placement
//	simple-bracket entry and stop-loss as one OCO pair, plus take-profit
//	status         print price, recent candles, open orders, and balances
//	validate       check connectivity, credentials, and symbol trading rules
//
// Exit codes: 0 success, 1 invalid usage or configuration, 2 runtime failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"mexc-bracket/internal/config"
	"mexc-bracket/internal/engine"
	"mexc-bracket/internal/exchange"
	"mexc-bracket/internal/gate"
	"mexc-bracket/internal/order"
	"mexc-bracket/internal/registry"
	"mexc-bracket/internal/symbols"
	"mexc-bracket/pkg/types"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitRuntime = 2
)

type cliFlags struct {
	configPath string
	symbol     string
	quantity   string
	quote      bool
	price      string
	stopLoss   string
	takeProfit string
	at         string
	timezone   string
	dryRun     bool
}

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var f cliFlags
	flag.StringVar(&f.configPath, "config", "configs/config.yaml", "path to YAML config")
	flag.StringVar(&f.symbol, "symbol", "", "trading symbol, e.g. BTCUSDT (overrides config)")
	flag.StringVar(&f.quantity, "quantity", "", "order quantity in base units (empty = config default, then balance)")
	flag.BoolVar(&f.quote, "quote", false, "treat -quantity as a quote-currency amount")
	flag.StringVar(&f.price, "price", "", "limit / entry price")
	flag.StringVar(&f.stopLoss, "stop-loss", "", "stop-loss trigger price")
	flag.StringVar(&f.takeProfit, "take-profit", "", "take-profit price")
	flag.StringVar(&f.at, "time", "", "wait until HH:MM[:SS] before submitting")
	flag.StringVar(&f.timezone, "timezone", "", "IANA timezone for -time (default local)")
	flag.BoolVar(&f.dryRun, "dry-run", false, "log orders instead of sending them")
	flag.Parse()

	action := flag.Arg(0)
	if action == "" {
		fmt.Fprintln(os.Stderr, "usage: bot [flags] <buy|sell|bracket|sequential|simple-bracket|status|validate>")
		flag.PrintDefaults()
		return exitUsage
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}
	if f.symbol != "" {
		cfg.Trading.Symbol = f.symbol
	}
	if f.dryRun {
		cfg.Trading.DryRun = true
	}

	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitRuntime
	}

	if f.at != "" {
		if err := waitUntil(ctx, f.at, f.timezone, logger); err != nil {
			logger.Error("scheduled wait aborted", "error", err)
			return exitRuntime
		}
	}

	switch action {
	case "buy":
		return app.placeSide(ctx, types.BUY, f)
	case "sell":
		return app.placeSide(ctx, types.SELL, f)
	case "bracket", "sequential":
		return app.runBracket(ctx, f, false)
	case "simple-bracket":
		return app.runBracket(ctx, f, true)
	case "status":
		return app.status(ctx)
	case "validate":
		return app.validate(ctx, f)
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", action)
		return exitUsage
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// app bundles the wired components for the CLI actions.
type app struct {
	cfg     config.Config
	client  *exchange.Client
	catalog *symbols.Catalog
	placer  *order.Placer
	engine  *engine.Engine
	logger  *slog.Logger
}

func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	client := exchange.NewClient(cfg.API.BaseURL, cfg.API.Key, cfg.API.Secret,
		cfg.API.RateLimitRPS, cfg.Trading.DryRun, logger)

	windows := make([]gate.Window, 0, len(cfg.Trading.Windows))
	for _, spec := range cfg.Trading.Windows {
		w, err := gate.ParseWindow(spec, cfg.Trading.Timezone)
		if err != nil {
			return nil, fmt.Errorf("trading window: %w", err)
		}
		windows = append(windows, w)
	}

	catalog := symbols.NewCatalog(client, logger)
	g := gate.New(windows, cfg.Trading.DailyOrderLimit, logger)
	reg := registry.New(logger)

	return &app{
		cfg:     cfg,
		client:  client,
		catalog: catalog,
		placer:  order.NewPlacer(client, logger),
		engine:  engine.New(client, catalog, g, reg, logger),
		logger:  logger,
	}, nil
}

// placeSide executes a one-shot buy or sell: limit when a price was given,
// market otherwise.
func (a *app) placeSide(ctx context.Context, side types.Side, f cliFlags) int {
	spec, err := a.catalog.Resolve(ctx, a.cfg.Trading.Symbol)
	if err != nil {
		a.logger.Error("symbol lookup failed", "error", err)
		return exitRuntime
	}

	qty, code := a.parseQuantity(ctx, spec, f)
	if code != exitOK {
		return code
	}

	var ack types.OrderAck
	if f.price != "" {
		price, err := decimal.NewFromString(f.price)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid -price:", f.price)
			return exitUsage
		}
		ack, err = a.placer.PlaceLimit(ctx, spec.Symbol, side, qty, price)
		if err != nil {
			a.logger.Error("limit order failed", "error", err)
			return exitRuntime
		}
	} else {
		ack, err = a.placer.PlaceMarket(ctx, spec.Symbol, side, qty)
		if err != nil {
			a.logger.Error("market order failed", "error", err)
			return exitRuntime
		}
	}

	fmt.Printf("%s %s %s placed, order id %s, status %s\n",
		side, qty, spec.Symbol, ack.OrderID, ack.Status)
	return exitOK
}

// runBracket submits a supervised bracket and blocks until it reaches a
// terminal state.
func (a *app) runBracket(ctx context.Context, f cliFlags, simple bool) int {
	req, code := a.parseBracket(f)
	if code != exitOK {
		return code
	}

	var id string
	var err error
	if simple {
		id, err = a.engine.SubmitSimple(ctx, req)
	} else {
		id, err = a.engine.Submit(ctx, req)
	}
	if err != nil {
		a.logger.Error("bracket submission failed", "error", err)
		return exitRuntime
	}

	a.logger.Info("supervising bracket until close", "id", id)
	a.engine.Wait()

	// Terminal brackets leave the registry; the removal event carries the
	// final copy.
	if b, ok := removedBracket(a.engine.Registry(), id); ok {
		switch b.State {
		case types.StateClosed:
			fmt.Printf("bracket closed: reason %s, pnl %s\n", b.ExitReason, b.RealizedPnL)
			return exitOK
		default:
			fmt.Fprintf(os.Stderr, "bracket failed: %s\n", b.LastError)
			return exitRuntime
		}
	}

	// No removal means the monitor was interrupted mid-flight.
	if b, err := a.engine.Registry().Get(id); err == nil {
		fmt.Fprintf(os.Stderr, "bracket interrupted in state %s\n", b.State)
	}
	return exitRuntime
}

// removedBracket drains buffered registry events looking for the removal of
// the given bracket.
func removedBracket(reg *registry.Registry, id string) (types.BracketOrder, bool) {
	for {
		select {
		case ev := <-reg.Events():
			if ev.Kind == registry.EventRemoved && ev.Bracket.ID == id {
				return ev.Bracket, true
			}
		default:
			return types.BracketOrder{}, false
		}
	}
}

func (a *app) parseBracket(f cliFlags) (engine.BracketRequest, int) {
	if f.price == "" || f.stopLoss == "" || f.takeProfit == "" {
		fmt.Fprintln(os.Stderr, "bracket needs -price, -stop-loss, and -take-profit")
		return engine.BracketRequest{}, exitUsage
	}

	entry, err := decimal.NewFromString(f.price)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -price:", f.price)
		return engine.BracketRequest{}, exitUsage
	}
	sl, err := decimal.NewFromString(f.stopLoss)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -stop-loss:", f.stopLoss)
		return engine.BracketRequest{}, exitUsage
	}
	tp, err := decimal.NewFromString(f.takeProfit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -take-profit:", f.takeProfit)
		return engine.BracketRequest{}, exitUsage
	}

	qty := decimal.Zero
	if raw := a.quantityOrDefault(f); raw != "" {
		qty, err = decimal.NewFromString(raw)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid quantity:", raw)
			return engine.BracketRequest{}, exitUsage
		}
	}

	return engine.BracketRequest{
		Symbol:          a.cfg.Trading.Symbol,
		Side:            types.BUY,
		Quantity:        qty,
		QuantityIsQuote: f.quote || a.cfg.Trading.QuantityIsQuote,
		EntryPrice:      entry,
		StopPrice:       sl,
		TakeProfitPrice: tp,
	}, exitOK
}

// quantityOrDefault prefers the -quantity flag over the configured default.
func (a *app) quantityOrDefault(f cliFlags) string {
	if f.quantity != "" {
		return f.quantity
	}
	return a.cfg.Trading.DefaultQuantity
}

func (a *app) parseQuantity(ctx context.Context, spec types.SymbolSpec, f cliFlags) (decimal.Decimal, int) {
	rawStr := a.quantityOrDefault(f)
	if rawStr == "" {
		fmt.Fprintln(os.Stderr, "-quantity is required for this action")
		return decimal.Decimal{}, exitUsage
	}
	raw, err := decimal.NewFromString(rawStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid quantity:", rawStr)
		return decimal.Decimal{}, exitUsage
	}
	if f.quote || a.cfg.Trading.QuantityIsQuote {
		if f.price != "" {
			price, perr := decimal.NewFromString(f.price)
			if perr != nil || price.Sign() <= 0 {
				fmt.Fprintln(os.Stderr, "quote quantity needs a valid -price")
				return decimal.Decimal{}, exitUsage
			}
			raw = raw.Div(price)
		} else {
			spot, serr := a.client.TickerPrice(ctx, spec.Symbol)
			if serr != nil {
				a.logger.Error("spot fetch for quote conversion failed", "error", serr)
				return decimal.Decimal{}, exitRuntime
			}
			raw = raw.Div(spot)
		}
	}
	qty, err := symbols.FormatQuantity(spec, raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "quantity:", err)
		return decimal.Decimal{}, exitUsage
	}
	return qty, exitOK
}

// status prints a compact market and account overview.
func (a *app) status(ctx context.Context) int {
	symbol := symbols.Normalize(a.cfg.Trading.Symbol)

	price, err := a.client.TickerPrice(ctx, symbol)
	if err != nil {
		a.logger.Error("ticker fetch failed", "error", err)
		return exitRuntime
	}
	fmt.Printf("%s last price: %s\n", symbol, price)

	if klines, err := a.client.Klines(ctx, symbol, "1m", 5); err == nil {
		for _, k := range klines {
			fmt.Printf("  %s  o=%s h=%s l=%s c=%s v=%s\n",
				time.UnixMilli(k.OpenTime).UTC().Format("15:04"),
				k.Open, k.High, k.Low, k.Close, k.Volume)
		}
	}

	if open, err := a.client.OpenOrders(ctx, symbol); err == nil {
		fmt.Printf("open orders: %d\n", len(open))
		for _, o := range open {
			fmt.Printf("  %s %s %s qty=%s price=%s status=%s\n",
				o.OrderID, o.Side, o.Type, o.OrigQty, o.Price, o.Status)
		}
	} else {
		a.logger.Warn("open orders fetch failed", "error", err)
	}

	if balances, err := a.client.Account(ctx); err == nil {
		for _, b := range balances {
			if b.Free != "0" || b.Locked != "0" {
				fmt.Printf("balance %s: free=%s locked=%s\n", b.Asset, b.Free, b.Locked)
			}
		}
	} else {
		a.logger.Warn("account fetch failed", "error", err)
	}

	for _, b := range a.engine.Registry().Snapshot() {
		fmt.Printf("bracket %s: %s %s qty=%s state=%s\n",
			b.ID, b.Side, b.Symbol, b.Quantity, b.State)
	}
	return exitOK
}

// validate checks connectivity and trading rules, and dry-validates order
// parameters when enough flags were given.
func (a *app) validate(ctx context.Context, f cliFlags) int {
	if err := a.client.Ping(ctx); err != nil {
		a.logger.Error("ping failed", "error", err)
		return exitRuntime
	}
	fmt.Println("connectivity: ok")

	if ts, err := a.client.ServerTime(ctx); err == nil {
		drift := time.Since(ts).Round(time.Millisecond)
		fmt.Printf("server time: %s (drift %s)\n", ts.UTC().Format(time.RFC3339), drift)
	}

	spec, err := a.catalog.Resolve(ctx, a.cfg.Trading.Symbol)
	if err != nil {
		a.logger.Error("symbol validation failed", "error", err)
		return exitRuntime
	}
	fmt.Printf("symbol %s: tradable, step=%s tick=%s\n", spec.Symbol, spec.StepSize, spec.TickSize)

	if f.quantity != "" && f.price != "" {
		qty, code := a.parseQuantity(ctx, spec, f)
		if code != exitOK {
			return code
		}
		price, _ := decimal.NewFromString(f.price)
		err := a.client.TestOrder(ctx, types.OrderParams{
			Symbol:      spec.Symbol,
			Side:        types.BUY,
			Type:        types.OrderTypeLimit,
			TimeInForce: types.GTC,
			Quantity:    qty,
			Price:       price,
		})
		if err != nil {
			a.logger.Error("test order rejected", "error", err)
			return exitRuntime
		}
		fmt.Println("test order: accepted")
	}
	return exitOK
}

// waitUntil blocks until the next wall-clock occurrence of "HH:MM[:SS]" in
// the given timezone.
func waitUntil(ctx context.Context, at, tz string, logger *slog.Logger) error {
	loc := time.Local
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("load timezone %q: %w", tz, err)
		}
	}

	layout := "15:04"
	if strings.Count(at, ":") == 2 {
		layout = "15:04:05"
	}
	clock, err := time.Parse(layout, at)
	if err != nil {
		return fmt.Errorf("parse -time %q: %w", at, err)
	}

	now := time.Now().In(loc)
	target := time.Date(now.Year(), now.Month(), now.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
	if !target.After(now) {
		target = target.Add(24 * time.Hour)
	}

	logger.Info("waiting for scheduled time", "target", target.Format(time.RFC3339))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(target)):
		return nil
	}
}
