// GCB trading engine — a multi-tenant execution engine running user-defined
// trading bots against a centralized exchange.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — lifecycle: one runner per bot kind, two-phase graceful stop
//	engine/runner.go     — per-kind scheduler: ticks, in-flight guard, bounded dispatch
//	strategy/            — the six bot strategies (conditional, stabilizer, marketmaker,
//	                       buywall, pricegap, liquidity)
//	exchange/            — signed REST clients for the two exchange families, with
//	                       server-time sync, skew retry, pacing, and typed errors
//	market/book.go       — pure order-book analytics (mid, spread, depth, gaps, sweep cost)
//	store/               — MongoDB persistence: users, per-kind bots, trades, activity logs
//	ringlog/ring.go      — bounded in-memory activity log per bot kind
//	notify/              — Telegram operator notifications
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gcb-engine/internal/config"
	"gcb-engine/internal/engine"
	"gcb-engine/internal/exchange"
	"gcb-engine/internal/notify"
	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GCB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.OpenMongo(context.Background(), cfg.Mongo.URI, cfg.Mongo.Database, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	factory := exchange.NewFactory(
		exchange.Family(cfg.Exchange.Family),
		factoryConfig(cfg.Exchange),
		logger,
	)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram.BotToken != "" {
		notifier = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
	}

	eng := engine.New(*cfg, st, factory, notifier, logger)
	eng.Start()

	logger.Info("trading engine started",
		"family", cfg.Exchange.Family,
		"kinds", len(types.Kinds()),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

func factoryConfig(ex config.ExchangeConfig) exchange.FactoryConfig {
	overrides := make(map[string]types.SymbolInfo, len(ex.SymbolPrecision))
	for symbol, p := range ex.SymbolPrecision {
		overrides[symbol] = types.SymbolInfo{
			Symbol:            symbol,
			PricePrecision:    p.Price,
			QuantityPrecision: p.Qty,
		}
	}
	return exchange.FactoryConfig{
		BaseURL:               ex.BaseURL,
		RecvWindow:            ex.RecvWindow,
		DefaultPricePrecision: ex.DefaultPricePrecision,
		DefaultQtyPrecision:   ex.DefaultQtyPrecision,
		SymbolPrecision:       overrides,
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
