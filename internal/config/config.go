// Package config loads bot configuration from YAML with environment
// variable overrides for credentials and a few runtime switches.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full bot configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	API     APIConfig     `mapstructure:"api"`
	Trading TradingConfig `mapstructure:"trading"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// APIConfig holds exchange connectivity and credentials. Key and Secret are
// normally injected via MEXC_API_KEY / MEXC_SECRET_KEY rather than the file.
type APIConfig struct {
	BaseURL      string  `mapstructure:"base_url"`
	Key          string  `mapstructure:"key"`
	Secret       string  `mapstructure:"secret"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
}

// TradingConfig holds trading behavior settings.
type TradingConfig struct {
	Symbol          string   `mapstructure:"symbol"`
	DefaultQuantity string   `mapstructure:"default_quantity"` // used when no -quantity flag is given
	DryRun          bool     `mapstructure:"dry_run"`
	QuantityIsQuote bool     `mapstructure:"quantity_is_quote"` // treat quantities as quote-currency amounts
	DailyOrderLimit int      `mapstructure:"daily_order_limit"` // 0 = unlimited
	Windows         []string `mapstructure:"windows"`           // "HH:MM/HH:MM" entries, empty = always open
	Timezone        string   `mapstructure:"timezone"`          // IANA name for the windows
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is fine when the environment carries
// everything needed.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("api.base_url", "https://api.mexc.com")
	v.SetDefault("api.rate_limit_rps", 10.0)
	v.SetDefault("trading.symbol", "BTCUSDT")
	v.SetDefault("trading.timezone", "UTC")
}

// applyEnvOverrides lets the environment win over the file for credentials
// and the switches operators flip most often.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("MEXC_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	if secret := os.Getenv("MEXC_SECRET_KEY"); secret != "" {
		cfg.API.Secret = secret
	}
	if base := os.Getenv("MEXC_BASE_URL"); base != "" {
		cfg.API.BaseURL = base
	}
	if symbol := os.Getenv("TRADING_SYMBOL"); symbol != "" {
		cfg.Trading.Symbol = symbol
	}
	if dry := os.Getenv("DRY_RUN"); dry != "" {
		cfg.Trading.DryRun = parseBool(dry)
	}
	if rps := os.Getenv("RATE_LIMIT_RPS"); rps != "" {
		if f, err := strconv.ParseFloat(rps, 64); err == nil && f > 0 {
			cfg.API.RateLimitRPS = f
		}
	}
	if qty := os.Getenv("DEFAULT_QUANTITY"); qty != "" {
		cfg.Trading.DefaultQuantity = qty
	}
	if limit := os.Getenv("MAX_ORDERS_PER_DAY"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n >= 0 {
			cfg.Trading.DailyOrderLimit = n
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if windows := os.Getenv("TRADING_WINDOWS"); windows != "" {
		cfg.Trading.Windows = splitWindows(windows)
	}
	if tz := os.Getenv("TRADING_TIMEZONE"); tz != "" {
		cfg.Trading.Timezone = tz
	}
}

// splitWindows parses a comma-separated list of "HH:MM/HH:MM" entries.
func splitWindows(s string) []string {
	var out []string
	for _, w := range strings.Split(s, ",") {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks that required fields are present. Credentials are only
// required when the bot will actually send orders.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.RateLimitRPS <= 0 {
		return fmt.Errorf("api.rate_limit_rps must be positive")
	}
	if !c.Trading.DryRun {
		if c.API.Key == "" {
			return fmt.Errorf("api key missing: set MEXC_API_KEY or api.key")
		}
		if c.API.Secret == "" {
			return fmt.Errorf("api secret missing: set MEXC_SECRET_KEY or api.secret")
		}
	}
	if c.Trading.DailyOrderLimit < 0 {
		return fmt.Errorf("trading.daily_order_limit must not be negative")
	}
	if q := c.Trading.DefaultQuantity; q != "" {
		if d, err := decimal.NewFromString(q); err != nil || d.Sign() <= 0 {
			return fmt.Errorf("trading.default_quantity %q must be a positive number", q)
		}
	}
	return nil
}
