package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gcb-engine/internal/notify"
	"gcb-engine/internal/ringlog"
	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

// errPlaceRejected stands in for an exchange-side placement rejection.
var errPlaceRejected = errors.New("order rejected")

// fakeClient implements exchange.Client with overridable behavior and a
// record of every placement and cancellation.
type fakeClient struct {
	mu sync.Mutex

	ticker   types.Ticker
	depth    types.Depth
	open     []types.Order
	nextID   int
	placeErr error

	// balances overrides the ample default account. cancelLinger keeps
	// cancelled orders visible in OpenOrders, modeling exchange settle lag.
	balances     map[string]types.Balance
	cancelLinger bool

	placed    []placement
	cancelled []string
}

type placement struct {
	side  types.Side
	typ   types.OrderType
	price float64
	qty   float64 // base qty for limits, quote USDT for market buys
}

func (f *fakeClient) orderID() string {
	f.nextID++
	return fmt.Sprintf("ord-%d", f.nextID)
}

func (f *fakeClient) Ticker(ctx context.Context, symbol string) (*types.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.ticker
	return &t, nil
}

func (f *fakeClient) Depth(ctx context.Context, symbol string, limit int) (*types.Depth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.depth
	return &d, nil
}

func (f *fakeClient) BestAsk(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.depth.Asks) == 0 {
		return 0, fmt.Errorf("empty ask side")
	}
	return f.depth.Asks[0].Price, nil
}

func (f *fakeClient) SymbolInfo(ctx context.Context, symbol string) (*types.SymbolInfo, error) {
	return &types.SymbolInfo{Symbol: symbol, PricePrecision: 6, QuantityPrecision: 2}, nil
}

func (f *fakeClient) ServerTime(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (f *fakeClient) Balances(ctx context.Context) (map[string]types.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances == nil {
		return map[string]types.Balance{
			"USDT": {Asset: "USDT", Free: 1e9},
			"GCB":  {Asset: "GCB", Free: 1e9},
		}, nil
	}
	out := make(map[string]types.Balance, len(f.balances))
	for asset, b := range f.balances {
		out[asset] = b
	}
	return out, nil
}

func (f *fakeClient) OpenOrders(ctx context.Context, symbol string, side types.Side) ([]types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Order
	for _, o := range f.open {
		if side == "" || o.Side == side {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeClient) PlaceLimit(ctx context.Context, symbol string, side types.Side, price, qty float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, placement{side: side, typ: types.OrderTypeLimit, price: price, qty: qty})
	return f.orderID(), nil
}

func (f *fakeClient) PlaceMarketBuyQuote(ctx context.Context, symbol string, quoteAmount float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, placement{side: types.BUY, typ: types.OrderTypeMarket, qty: quoteAmount})
	return f.orderID(), nil
}

func (f *fakeClient) PlaceMarketBuyVolume(ctx context.Context, symbol string, quoteAmount float64) (string, error) {
	return f.PlaceMarketBuyQuote(ctx, symbol, quoteAmount)
}

func (f *fakeClient) PlaceMarketSell(ctx context.Context, symbol string, qty float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, placement{side: types.SELL, typ: types.OrderTypeMarket, qty: qty})
	return f.orderID(), nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	if f.cancelLinger {
		return nil
	}
	for i, o := range f.open {
		if o.ID == orderID {
			f.open = append(f.open[:i], f.open[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeClient) CancelAll(ctx context.Context, symbol string, side types.Side) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []types.Order
	n := 0
	for _, o := range f.open {
		if side == "" || o.Side == side {
			f.cancelled = append(f.cancelled, o.ID)
			n++
			if f.cancelLinger {
				kept = append(kept, o)
			}
			continue
		}
		kept = append(kept, o)
	}
	f.open = kept
	return n, nil
}

func (f *fakeClient) PlaceBatch(ctx context.Context, symbol string, specs []types.OrderSpec) ([]types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]types.OrderResult, len(specs))
	for i, spec := range specs {
		if f.placeErr != nil {
			results[i] = types.OrderResult{Err: f.placeErr}
			continue
		}
		f.placed = append(f.placed, placement{side: spec.Side, typ: spec.Type, price: spec.Price, qty: spec.Quantity})
		results[i] = types.OrderResult{OrderID: f.orderID()}
	}
	return results, nil
}

func (f *fakeClient) placements() []placement {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placement, len(f.placed))
	copy(out, f.placed)
	return out
}

// noSleep is the sleepFunc used in tests: instant, still cancellable.
func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// testDeps builds Deps around a fake client and an in-memory store.
func testDeps(client *fakeClient, mem *store.Memory) Deps {
	return Deps{
		Client:   client,
		Store:    mem,
		Ring:     ringlog.New(50),
		Notifier: notify.Noop{},
		Logger:   slog.New(slog.NewTextHandler(discard{}, nil)),
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// seedBot stores a schedulable bot and returns it re-read so tests start
// from the persisted form.
func seedBot(mem *store.Memory, bot types.Bot) *types.Bot {
	bot.IsActive = true
	bot.IsRunning = true
	id := mem.PutBot(bot)
	got, err := mem.GetBot(context.Background(), bot.Kind, id)
	if err != nil {
		panic(err)
	}
	return got
}
