package strategy

import (
	"context"
	"fmt"
	"time"

	"gcb-engine/internal/exchange"
	"gcb-engine/internal/notify"
	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

const (
	marketMakerInterval = 15 * time.Second

	// Wait after cancelling the previous quotes so the exchange settles
	// before new ones go out, and between the two placements.
	mmPostCancelWait   = 4 * time.Second
	mmBetweenPlacement = 2 * time.Second

	// Order-size oscillation: shrink 3% per tick while decreasing, grow 3%
	// while increasing, bouncing between 40% and 90% of the initial size.
	mmShrinkFactor = 0.97
	mmGrowFactor   = 1.03
	mmSizeFloor    = 0.40
	mmSizeCeiling  = 0.90
)

// MarketMaker requotes a symmetric spread around the last price each tick,
// with an oscillating order size, until the target price is reached.
type MarketMaker struct {
	sleep sleepFunc
	now   func() time.Time
}

func NewMarketMaker() *MarketMaker {
	return &MarketMaker{sleep: ctxSleep, now: time.Now}
}

func (s *MarketMaker) Kind() types.BotKind            { return types.KindMarketMaker }
func (s *MarketMaker) DefaultInterval() time.Duration { return marketMakerInterval }

func (s *MarketMaker) RunOnce(ctx context.Context, bot *types.Bot, deps Deps) error {
	st := bot.MarketMaker
	if st == nil {
		return errState(bot)
	}
	if st.TargetReached {
		return nil
	}

	ticker, err := deps.Client.Ticker(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}

	if st.TargetPrice > 0 && ticker.Last >= st.TargetPrice {
		return s.finish(ctx, bot, ticker.Last, deps)
	}

	// Clear the previous tick's quotes before placing fresh ones. Quotes
	// still settling exchange-side after the wait defer the whole cycle.
	if n, err := deps.Client.CancelAll(ctx, bot.Symbol, ""); err != nil {
		return fmt.Errorf("cancel previous quotes: %w", err)
	} else if n > 0 {
		if err := s.sleep(ctx, mmPostCancelWait); err != nil {
			return err
		}
		remaining, err := deps.Client.OpenOrders(ctx, bot.Symbol, "")
		if err != nil {
			return fmt.Errorf("verify cancelled quotes: %w", err)
		}
		if len(remaining) > 0 {
			logActivity(deps, bot.ID, types.LogWarning,
				fmt.Sprintf("%d quotes still open after cancel, skipping cycle", len(remaining)), nil)
			return nil
		}
	}

	size, decreasing := nextOrderSize(st)
	mid := ticker.Last
	spread := st.SpreadPercent / 100
	bidPrice := mid * (1 - spread)
	askPrice := mid * (1 + spread)

	balances, err := deps.Client.Balances(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	freeQuote := balances["USDT"].Free
	freeBase := balances[exchange.BaseAsset(bot.Symbol)].Free

	var bidErr, askErr error
	if freeQuote >= bidPrice*size {
		bidID, err := deps.Client.PlaceLimit(ctx, bot.Symbol, types.BUY, bidPrice, size)
		bidErr = err
		s.record(ctx, bot, types.BUY, bidPrice, size, bidID, bidErr, deps)
	} else {
		logActivity(deps, bot.ID, types.LogWarning,
			fmt.Sprintf("quote balance %.2f below bid notional %.2f, bid skipped", freeQuote, bidPrice*size), nil)
	}

	if err := s.sleep(ctx, mmBetweenPlacement); err != nil {
		return err
	}

	if freeBase >= size {
		askID, err := deps.Client.PlaceLimit(ctx, bot.Symbol, types.SELL, askPrice, size)
		askErr = err
		s.record(ctx, bot, types.SELL, askPrice, size, askID, askErr, deps)
	} else {
		logActivity(deps, bot.ID, types.LogWarning,
			fmt.Sprintf("base balance %.6g below order size %.6g, ask skipped", freeBase, size), nil)
	}

	patch := store.Patch{
		Set: map[string]any{
			"marketMaker.currentOrderSize": size,
			"marketMaker.isDecreasing":     decreasing,
			"marketMaker.lastExecutedAt":   s.now().UTC(),
		},
		Inc: map[string]int64{"marketMaker.executionCount": 1},
	}
	if err := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, patch); err != nil {
		return fmt.Errorf("persist quote cycle: %w", err)
	}

	if bidErr != nil {
		return fmt.Errorf("place bid: %w", bidErr)
	}
	if askErr != nil {
		return fmt.Errorf("place ask: %w", askErr)
	}
	logActivity(deps, bot.ID, types.LogInfo,
		fmt.Sprintf("quoted %.8g / %.8g size %.6g", bidPrice, askPrice, size), nil)
	return nil
}

// finish marks the target reached, stops scheduling the bot, and pulls all
// quotes off the book.
func (s *MarketMaker) finish(ctx context.Context, bot *types.Bot, last float64, deps Deps) error {
	if _, err := deps.Client.CancelAll(ctx, bot.Symbol, ""); err != nil {
		return fmt.Errorf("cancel quotes at target: %w", err)
	}
	patch := store.Patch{Set: map[string]any{
		"isRunning":                  false,
		"marketMaker.targetReached":  true,
		"marketMaker.lastExecutedAt": s.now().UTC(),
	}}
	if err := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, patch); err != nil {
		return fmt.Errorf("persist target reached: %w", err)
	}
	msg := fmt.Sprintf("target price %.8g reached (last %.8g), quoting stopped", bot.MarketMaker.TargetPrice, last)
	logActivity(deps, bot.ID, types.LogSuccess, msg, nil)
	deps.Notifier.Notify(ctx, notify.Message{
		Severity: notify.Success,
		Title:    "Market maker target reached",
		Body:     msg,
		Fields:   map[string]string{"bot": bot.Name, "symbol": bot.Symbol},
	})
	return nil
}

func (s *MarketMaker) record(ctx context.Context, bot *types.Bot, side types.Side, price, qty float64, orderID string, err error, deps Deps) {
	status, response := tradeOutcome(orderID, err)
	recordTrade(ctx, deps, &types.Trade{
		BotID:    bot.ID,
		UserID:   bot.UserID,
		Kind:     bot.Kind,
		Symbol:   bot.Symbol,
		Side:     side,
		Type:     types.OrderTypeLimit,
		Price:    price,
		Quantity: qty,
		OrderID:  orderID,
		Status:   status,
		Response: response,
	})
}

// nextOrderSize advances the oscillation one step and reports the new size
// and direction. The size walks down to 40% of the initial size, then back
// up to 90%, and repeats.
func nextOrderSize(st *types.MarketMakerState) (size float64, decreasing bool) {
	initial := st.InitialOrderSize
	cur := st.CurrentOrderSize
	if cur <= 0 {
		return initial * mmSizeCeiling, true
	}
	floor, ceiling := initial*mmSizeFloor, initial*mmSizeCeiling

	decreasing = st.IsDecreasing
	if decreasing {
		size = cur * mmShrinkFactor
		if size <= floor {
			size = floor
			decreasing = false
		}
	} else {
		size = cur * mmGrowFactor
		if size >= ceiling {
			size = ceiling
			decreasing = true
		}
	}
	return size, decreasing
}
