// Package exchange implements the signed REST clients for the two exchange
// families the engine trades on.
//
// Family A ("CH") signs each request with HMAC-SHA256 over
// ts ∥ METHOD ∥ path ∥ bodyOrQuery and sends X-CH-* headers.
// Family B ("XT") builds its signature base from a canonical validate-*
// header prefix plus method, path, query, and body.
//
// Both clients source timestamps from the exchange's own serverTime (cached
// with a short TTL) and recover from clock-skew auth errors by resyncing and
// retrying a bounded number of times. Every request is paced by a
// per-category token bucket and retried on transport errors and 5xx.
//
// The clients never panic and never throw across the boundary: each method
// returns either a normalized value or a typed *Error (errors.go).
package exchange

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"gcb-engine/pkg/types"
)

// Defaults shared by both families.
const (
	httpTimeout      = 10 * time.Second
	maxSkewRetries   = 3
	serverTimeTTL    = 5 * time.Second
	batchPlaceDelay  = 200 * time.Millisecond
	cancelLoopWorker = 3 // bounded concurrency for decomposed cancel-all
)

// Client is the authenticated exchange surface strategies run against.
// One Client is bound to one user's API credentials.
type Client interface {
	// Public market data.
	Ticker(ctx context.Context, symbol string) (*types.Ticker, error)
	Depth(ctx context.Context, symbol string, limit int) (*types.Depth, error)
	BestAsk(ctx context.Context, symbol string) (float64, error)
	SymbolInfo(ctx context.Context, symbol string) (*types.SymbolInfo, error)
	ServerTime(ctx context.Context) (int64, error)

	// Authenticated account and trading operations.
	Balances(ctx context.Context) (map[string]types.Balance, error)
	// OpenOrders lists resting orders; side == "" returns both sides.
	OpenOrders(ctx context.Context, symbol string, side types.Side) ([]types.Order, error)
	PlaceLimit(ctx context.Context, symbol string, side types.Side, price, qty float64) (string, error)
	// PlaceMarketBuyQuote buys at market spending quoteAmount USDT.
	PlaceMarketBuyQuote(ctx context.Context, symbol string, quoteAmount float64) (string, error)
	// PlaceMarketBuyVolume is the family-A native market buy, whose volume
	// field carries the quote amount. On family B it delegates to
	// PlaceMarketBuyQuote; the two semantics must never be conflated.
	PlaceMarketBuyVolume(ctx context.Context, symbol string, quoteAmount float64) (string, error)
	// PlaceMarketSell sells qty base units at market.
	PlaceMarketSell(ctx context.Context, symbol string, qty float64) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// CancelAll cancels every open order for the symbol (one side when side
	// is non-empty) and returns the number cancelled.
	CancelAll(ctx context.Context, symbol string, side types.Side) (int, error)
	// PlaceBatch places the specs and returns one result per spec, in order.
	PlaceBatch(ctx context.Context, symbol string, specs []types.OrderSpec) ([]types.OrderResult, error)
}

// Factory binds a Client to a user's API credentials. The engine holds one
// factory per configured exchange family and calls it once per bot tick.
type Factory interface {
	ClientFor(user *types.User) Client
}

// Family selects which exchange client implementation a deployment uses.
type Family string

const (
	FamilyCH Family = "ch"
	FamilyXT Family = "xt"
)

// FactoryConfig is everything a factory needs besides user credentials.
type FactoryConfig struct {
	BaseURL    string
	RecvWindow int64 // ms, family B only

	// Fallback precision when symbol metadata is unavailable, overridable
	// per symbol. Zero values fall back to (6, 2).
	DefaultPricePrecision int
	DefaultQtyPrecision   int
	SymbolPrecision       map[string]types.SymbolInfo
}

// NewFactory builds the factory for the configured family.
func NewFactory(family Family, cfg FactoryConfig, logger *slog.Logger) Factory {
	switch family {
	case FamilyXT:
		return &xtFactory{cfg: cfg, logger: logger}
	default:
		return &chFactory{cfg: cfg, logger: logger}
	}
}

type chFactory struct {
	cfg    FactoryConfig
	logger *slog.Logger
}

func (f *chFactory) ClientFor(user *types.User) Client {
	return NewCHClient(f.cfg, user.APIKey, user.APISecret, f.logger)
}

type xtFactory struct {
	cfg    FactoryConfig
	logger *slog.Logger
}

func (f *xtFactory) ClientFor(user *types.User) Client {
	return NewXTClient(f.cfg, user.APIKey, user.APISecret, f.logger)
}

// serverClock caches the exchange's serverTime so authenticated requests can
// be timestamped without a round trip per call. Resync drops the cache after
// a clock-skew rejection.
type serverClock struct {
	offset   time.Duration // server - local
	syncedAt time.Time
}

func (c *serverClock) fresh() bool {
	return !c.syncedAt.IsZero() && time.Since(c.syncedAt) < serverTimeTTL
}

func (c *serverClock) set(serverMillis int64) {
	c.offset = time.UnixMilli(serverMillis).Sub(time.Now())
	c.syncedAt = time.Now()
}

func (c *serverClock) invalidate() {
	c.syncedAt = time.Time{}
}

func (c *serverClock) nowMillis() int64 {
	return time.Now().Add(c.offset).UnixMilli()
}

// sleepCtx pauses for d, returning early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BaseAsset extracts the base asset from a symbol like "GCBUSDT" or
// "gcb_usdt". USDT-quoted pairs only, which is all both families list for
// this deployment.
func BaseAsset(symbol string) string {
	s := strings.ToUpper(strings.ReplaceAll(symbol, "_", ""))
	return strings.TrimSuffix(s, "USDT")
}
