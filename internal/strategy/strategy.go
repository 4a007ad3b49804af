// Package strategy implements the six bot strategies the engine schedules:
// conditional triggers, price stabilization, the oscillating market maker,
// buy walls, price-gap buying, and liquidity provision.
//
// Each strategy is a stateless-between-ticks RunOnce: the runner loads the
// bot document, the strategy reads market state through the exchange client,
// acts, and persists what changed through the store. Time and sleeping are
// injectable so tests can drive paced sequences without waiting.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gcb-engine/internal/exchange"
	"gcb-engine/internal/notify"
	"gcb-engine/internal/ringlog"
	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

// Deps is everything a strategy needs for one tick. The runner builds one
// per bot tick with the client bound to the bot owner's credentials.
type Deps struct {
	Client   exchange.Client
	Store    store.Store
	Ring     *ringlog.Ring
	Notifier notify.Notifier
	Logger   *slog.Logger
}

// Strategy is one bot kind's per-tick behavior.
type Strategy interface {
	Kind() types.BotKind
	// DefaultInterval is the scheduling cadence when configuration does not
	// override it.
	DefaultInterval() time.Duration
	// RunOnce executes one tick for one bot. The bot document is a private
	// copy; persistent changes go through Deps.Store.
	RunOnce(ctx context.Context, bot *types.Bot, deps Deps) error
}

// All returns every strategy, one per bot kind.
func All() []Strategy {
	return []Strategy{
		NewConditional(),
		NewStabilizer(),
		NewMarketMaker(),
		NewBuyWall(),
		NewPriceGap(),
		NewLiquidity(),
	}
}

// sleepFunc pauses for d or returns early on context cancellation. The
// default implementation is ctxSleep; tests substitute an instant one.
type sleepFunc func(ctx context.Context, d time.Duration) error

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// logActivity pushes one entry to the kind's ring. Never fails.
func logActivity(deps Deps, botID string, level types.LogLevel, msg string, data map[string]any) {
	if deps.Ring != nil {
		deps.Ring.Push(ringlog.Entry{BotID: botID, Level: level, Message: msg, Data: data})
	}
}

// persistActivity mirrors a ring entry into the kind's log collection, for
// the strategies whose audit trail must survive restarts.
func persistActivity(ctx context.Context, deps Deps, bot *types.Bot, level types.LogLevel, msg string, data map[string]any) {
	logActivity(deps, bot.ID, level, msg, data)
	entry := &types.ActivityLog{
		BotID:   bot.ID,
		Kind:    bot.Kind,
		Level:   level,
		Message: msg,
		Data:    data,
	}
	if err := deps.Store.AppendLog(ctx, entry); err != nil {
		deps.Logger.Warn("append activity log failed", "bot", bot.ID, "error", err)
	}
}

// recordTrade persists one trade record, logging instead of failing the
// tick when the write itself errors.
func recordTrade(ctx context.Context, deps Deps, trade *types.Trade) {
	if err := deps.Store.RecordTrade(ctx, trade); err != nil {
		deps.Logger.Warn("record trade failed", "bot", trade.BotID, "error", err)
	}
}

// tradeOutcome maps a placement error to the trade status and response text.
func tradeOutcome(orderID string, err error) (types.TradeStatus, string) {
	if err == nil {
		return types.TradeSuccess, orderID
	}
	if exchange.IsRejected(err) {
		return types.TradeFailed, err.Error()
	}
	return types.TradeError, err.Error()
}

// errState returns an error for a bot document missing its kind's state
// sub-document. Such bots are misconfigured and skipped.
func errState(bot *types.Bot) error {
	return fmt.Errorf("bot %s: missing %s state", bot.ID, bot.Kind)
}
