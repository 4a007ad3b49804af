// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GCB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gcb-engine/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// MongoConfig sets where bot, user, trade, and log documents live.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// ExchangeConfig selects the exchange family and its endpoint.
//
//   - Family: "ch" (X-CH-* signed headers) or "xt" (validate-* headers).
//   - RecvWindow: xt-only signature window in milliseconds.
//   - Precision defaults apply when symbol metadata cannot be fetched.
type ExchangeConfig struct {
	Family                string                       `mapstructure:"family"`
	BaseURL               string                       `mapstructure:"base_url"`
	RecvWindow            int64                        `mapstructure:"recv_window"`
	DefaultPricePrecision int                          `mapstructure:"default_price_precision"`
	DefaultQtyPrecision   int                          `mapstructure:"default_qty_precision"`
	SymbolPrecision       map[string]PrecisionOverride `mapstructure:"symbol_precision"`
}

// PrecisionOverride pins formatting precision for one symbol.
type PrecisionOverride struct {
	Price int `mapstructure:"price"`
	Qty   int `mapstructure:"qty"`
}

// EngineConfig tunes the scheduler.
//
//   - Intervals: per-kind tick cadence overrides; unset kinds use the
//     strategy's built-in default.
//   - MaxConcurrent: bots of one kind executing at once.
//   - StopGrace: how long in-flight executions may finish on shutdown.
//   - RingCapacity: per-kind in-memory activity log size.
type EngineConfig struct {
	Intervals     map[string]time.Duration `mapstructure:"intervals"`
	MaxConcurrent int                      `mapstructure:"max_concurrent"`
	StopGrace     time.Duration            `mapstructure:"stop_grace"`
	RingCapacity  int                      `mapstructure:"ring_capacity"`
}

// Interval returns the configured cadence for one kind, or zero when the
// strategy default should apply.
func (e EngineConfig) Interval(kind types.BotKind) time.Duration {
	return e.Intervals[string(kind)]
}

// TelegramConfig enables operator notifications. Empty token disables them.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GCB_MONGO_URI, GCB_TELEGRAM_BOT_TOKEN,
// GCB_TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GCB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper lowercases map keys; symbol overrides are matched upper-case.
	if len(cfg.Exchange.SymbolPrecision) > 0 {
		normalized := make(map[string]PrecisionOverride, len(cfg.Exchange.SymbolPrecision))
		for symbol, p := range cfg.Exchange.SymbolPrecision {
			normalized[strings.ToUpper(symbol)] = p
		}
		cfg.Exchange.SymbolPrecision = normalized
	}

	// Override sensitive fields from env
	if uri := os.Getenv("GCB_MONGO_URI"); uri != "" {
		cfg.Mongo.URI = uri
	}
	if token := os.Getenv("GCB_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if chat := os.Getenv("GCB_TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Telegram.ChatID = chat
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required (set GCB_MONGO_URI)")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required")
	}
	switch c.Exchange.Family {
	case "ch", "xt":
	default:
		return fmt.Errorf("exchange.family must be one of: ch, xt")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Engine.MaxConcurrent < 0 {
		return fmt.Errorf("engine.max_concurrent must be >= 0")
	}
	for kind, d := range c.Engine.Intervals {
		if !validKind(kind) {
			return fmt.Errorf("engine.intervals: unknown bot kind %q", kind)
		}
		if d <= 0 {
			return fmt.Errorf("engine.intervals.%s must be > 0", kind)
		}
	}
	return nil
}

func validKind(kind string) bool {
	for _, k := range types.Kinds() {
		if string(k) == kind {
			return true
		}
	}
	return false
}
