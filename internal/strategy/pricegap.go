package strategy

import (
	"context"
	"fmt"
	"time"

	"gcb-engine/internal/market"
	"gcb-engine/internal/notify"
	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

const (
	priceGapInterval        = 10 * time.Second
	defaultGapThreshold     = 3.0 // percent
	defaultPriceGapCooldown = 60 * time.Second
)

// PriceGap watches for the best ask drifting above the last trade price and
// buys into the gap at market. Every tick persists the observed snapshot so
// the gap is inspectable even when no order fires.
type PriceGap struct {
	now func() time.Time
}

func NewPriceGap() *PriceGap {
	return &PriceGap{now: time.Now}
}

func (s *PriceGap) Kind() types.BotKind            { return types.KindPriceGap }
func (s *PriceGap) DefaultInterval() time.Duration { return priceGapInterval }

func (s *PriceGap) RunOnce(ctx context.Context, bot *types.Bot, deps Deps) error {
	if bot.PriceGap == nil {
		return errState(bot)
	}
	// Cooldown runs against a fresh document; the list-time copy may hold a
	// stale lastExecutedAt under concurrent ticks.
	fresh, err := deps.Store.GetBot(ctx, bot.Kind, bot.ID)
	if err != nil {
		return fmt.Errorf("re-read bot: %w", err)
	}
	st := fresh.PriceGap
	if st == nil {
		return errState(bot)
	}

	ticker, err := deps.Client.Ticker(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	bestAsk, err := deps.Client.BestAsk(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("best ask: %w", err)
	}
	gap := market.GapAboveMarket(bestAsk, ticker.Last)

	set := map[string]any{
		"priceGap.lastMarketPrice":  ticker.Last,
		"priceGap.lastBestAskPrice": bestAsk,
		"priceGap.lastPriceGap":     gap,
	}

	threshold := st.GapThreshold
	if threshold <= 0 {
		threshold = defaultGapThreshold
	}
	cooldown := defaultPriceGapCooldown
	if st.CooldownSeconds > 0 {
		cooldown = time.Duration(st.CooldownSeconds) * time.Second
	}
	now := s.now()
	cooling := !st.LastExecutedAt.IsZero() && now.Sub(st.LastExecutedAt) < cooldown

	if gap < threshold || cooling {
		if err := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, store.Patch{Set: set}); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
		logActivity(deps, bot.ID, types.LogMonitor,
			fmt.Sprintf("gap %.2f%% (ask %.8g vs last %.8g), threshold %.2f%%", gap, bestAsk, ticker.Last, threshold), nil)
		return nil
	}

	balances, err := deps.Client.Balances(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	if free := balances["USDT"].Free; free < st.OrderAmount {
		if err := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, store.Patch{Set: set}); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
		logActivity(deps, bot.ID, types.LogWarning,
			fmt.Sprintf("gap %.2f%% over threshold but free USDT %.2f below order amount %.2f", gap, free, st.OrderAmount), nil)
		return nil
	}

	orderID, err := deps.Client.PlaceMarketBuyQuote(ctx, bot.Symbol, st.OrderAmount)
	status, response := tradeOutcome(orderID, err)
	recordTrade(ctx, deps, &types.Trade{
		BotID:    bot.ID,
		UserID:   bot.UserID,
		Kind:     bot.Kind,
		Symbol:   bot.Symbol,
		Side:     types.BUY,
		Type:     types.OrderTypeMarket,
		Volume:   st.OrderAmount,
		OrderID:  orderID,
		Status:   status,
		Response: response,
	})
	if err != nil {
		logActivity(deps, bot.ID, types.LogError,
			fmt.Sprintf("gap buy for %.2f USDT failed: %v", st.OrderAmount, err), nil)
		return err
	}

	set["priceGap.lastExecutedAt"] = now.UTC()
	set["priceGap.totalUsdtSpent"] = st.TotalUSDTSpent + st.OrderAmount
	patch := store.Patch{
		Set: set,
		Inc: map[string]int64{"priceGap.executionCount": 1},
	}
	if err := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, patch); err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}

	msg := fmt.Sprintf("gap %.2f%% >= %.2f%%, bought %.2f USDT at market", gap, threshold, st.OrderAmount)
	logActivity(deps, bot.ID, types.LogSuccess, msg, map[string]any{"orderId": orderID})
	deps.Notifier.Notify(ctx, notify.Message{
		Severity: notify.Info,
		Title:    "Price gap filled",
		Body:     msg,
		Fields:   map[string]string{"bot": bot.Name, "symbol": bot.Symbol},
	})
	return nil
}
