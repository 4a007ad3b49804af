package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"gcb-engine/internal/exchange"
	"gcb-engine/internal/notify"
	"gcb-engine/internal/ringlog"
	"gcb-engine/internal/store"
	"gcb-engine/internal/strategy"
	"gcb-engine/pkg/types"
)

// defaultMaxConcurrent bounds how many bots of one kind execute at once.
const defaultMaxConcurrent = 4

// Runner schedules all bots of one kind. Each tick it lists the active
// bots and dispatches one execution per bot, bounded by a semaphore and
// guarded so a slow bot is never entered twice concurrently.
type Runner struct {
	strat    strategy.Strategy
	interval time.Duration
	store    store.Store
	factory  exchange.Factory
	ring     *ringlog.Ring
	notifier notify.Notifier
	logger   *slog.Logger
	sem      chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool
	market   map[string]MarketSnapshot

	lastTickAt time.Time
	lastActive int
}

// NewRunner builds a runner for one strategy. interval <= 0 falls back to
// the strategy's default; maxConcurrent <= 0 to the package default.
func NewRunner(strat strategy.Strategy, interval time.Duration, maxConcurrent int,
	st store.Store, factory exchange.Factory, ring *ringlog.Ring,
	notifier notify.Notifier, logger *slog.Logger) *Runner {

	if interval <= 0 {
		interval = strat.DefaultInterval()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Runner{
		strat:    strat,
		interval: interval,
		store:    st,
		factory:  factory,
		ring:     ring,
		notifier: notifier,
		logger:   logger.With("component", "runner", "kind", strat.Kind()),
		sem:      make(chan struct{}, maxConcurrent),
		inFlight: make(map[string]bool),
		market:   make(map[string]MarketSnapshot),
	}
}

// Kind returns the bot kind this runner schedules.
func (r *Runner) Kind() types.BotKind { return r.strat.Kind() }

// Run ticks until quit closes (graceful stop) or ctx is cancelled (hard
// stop). Bot executions joined through wg may outlive the loop until the
// engine's grace period expires.
func (r *Runner) Run(ctx context.Context, quit <-chan struct{}, wg *sync.WaitGroup) {
	r.logger.Info("runner started", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// First pass immediately rather than one interval in.
	r.tick(ctx, wg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case <-ticker.C:
			r.tick(ctx, wg)
		}
	}
}

func (r *Runner) tick(ctx context.Context, wg *sync.WaitGroup) {
	bots, err := r.store.ListActiveBots(ctx, r.strat.Kind())
	if err != nil {
		r.logger.Error("list active bots failed", "error", err)
		return
	}
	r.mu.Lock()
	r.lastTickAt = time.Now()
	r.lastActive = len(bots)
	r.mu.Unlock()

	for i := range bots {
		bot := bots[i]
		if !bot.Schedulable() {
			continue
		}
		// A bot still executing from a previous tick is skipped, not queued.
		if !r.tryAcquire(bot.ID) {
			continue
		}

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			r.release(bot.ID)
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-r.sem }()
			defer r.release(bot.ID)
			r.runBot(ctx, &bot)
		}()
	}
}

// runBot executes one strategy tick for one bot with panic isolation.
func (r *Runner) runBot(ctx context.Context, bot *types.Bot) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("strategy panicked",
				"bot", bot.ID, "panic", rec, "stack", string(debug.Stack()))
			r.ring.Push(ringlog.Entry{
				BotID:   bot.ID,
				Level:   types.LogError,
				Message: fmt.Sprintf("strategy panicked: %v", rec),
			})
		}
	}()

	user, err := r.store.GetUser(ctx, bot.UserID)
	if err != nil {
		r.logger.Warn("bot owner lookup failed", "bot", bot.ID, "user", bot.UserID, "error", err)
		return
	}
	if !user.CanTrade() {
		r.logger.Debug("owner not tradeable, skipping", "bot", bot.ID, "user", bot.UserID)
		return
	}

	client := r.factory.ClientFor(user)
	r.observeMarket(ctx, client, bot.Symbol)

	deps := strategy.Deps{
		Client:   client,
		Store:    r.store,
		Ring:     r.ring,
		Notifier: r.notifier,
		Logger:   r.logger,
	}
	if err := r.strat.RunOnce(ctx, bot, deps); err != nil && ctx.Err() == nil {
		r.logger.Error("strategy run failed", "bot", bot.ID, "error", err)
	}

	if err := r.store.TouchLastChecked(ctx, bot.Kind, bot.ID, time.Now()); err != nil && ctx.Err() == nil {
		r.logger.Warn("touch lastCheckedAt failed", "bot", bot.ID, "error", err)
	}
}

// observeMarket refreshes the status surface's snapshot of one symbol, at
// most once per interval. Failures only log; the strategy run proceeds.
func (r *Runner) observeMarket(ctx context.Context, client exchange.Client, symbol string) {
	if client == nil || symbol == "" {
		return
	}
	r.mu.Lock()
	snap, ok := r.market[symbol]
	r.mu.Unlock()
	if ok && time.Since(snap.At) < r.interval {
		return
	}
	ticker, err := client.Ticker(ctx, symbol)
	if err != nil {
		r.logger.Debug("market observation failed", "symbol", symbol, "error", err)
		return
	}
	r.mu.Lock()
	r.market[symbol] = MarketSnapshot{Symbol: symbol, LastPrice: ticker.Last, At: time.Now()}
	r.mu.Unlock()
}

func (r *Runner) tryAcquire(botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[botID] {
		return false
	}
	r.inFlight[botID] = true
	return true
}

func (r *Runner) release(botID string) {
	r.mu.Lock()
	delete(r.inFlight, botID)
	r.mu.Unlock()
}

// Status reports the runner's scheduling state and its recent market
// observations.
func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var market map[string]MarketSnapshot
	if len(r.market) > 0 {
		market = make(map[string]MarketSnapshot, len(r.market))
		for symbol, snap := range r.market {
			market[symbol] = snap
		}
	}
	return RunnerStatus{
		Kind:       r.strat.Kind(),
		Interval:   r.interval,
		ActiveBots: r.lastActive,
		InFlight:   len(r.inFlight),
		LastTickAt: r.lastTickAt,
		MarketData: market,
	}
}

// RunnerStatus is one runner's view for the status surface.
type RunnerStatus struct {
	Kind       types.BotKind             `json:"kind"`
	Interval   time.Duration             `json:"interval"`
	ActiveBots int                       `json:"activeBots"`
	InFlight   int                       `json:"inFlight"`
	LastTickAt time.Time                 `json:"lastTickAt"`
	MarketData map[string]MarketSnapshot `json:"marketData,omitempty"`
}

// MarketSnapshot is the runner's last observation of one traded symbol.
type MarketSnapshot struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"lastPrice"`
	At        time.Time `json:"at"`
}
