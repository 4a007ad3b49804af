package strategy

import (
	"context"
	"fmt"
	"time"

	"gcb-engine/internal/market"
	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

const (
	stabilizerInterval  = 30 * time.Second
	stabilizerSplit     = 4 // ladder of paced market buys per execution
	stabilizerGap       = 10 * time.Second
	stabilizerDepthSize = 20
)

// Stabilizer lifts the price back to target whenever the last trade falls
// below it. The budget is the exact cost of sweeping every ask at or below
// the target, spent across four paced market buys with a re-check between
// them so a recovered price stops the ladder early.
type Stabilizer struct {
	now   func() time.Time
	sleep sleepFunc
}

func NewStabilizer() *Stabilizer {
	return &Stabilizer{now: time.Now, sleep: ctxSleep}
}

func (s *Stabilizer) Kind() types.BotKind            { return types.KindStabilizer }
func (s *Stabilizer) DefaultInterval() time.Duration { return stabilizerInterval }

func (s *Stabilizer) RunOnce(ctx context.Context, bot *types.Bot, deps Deps) error {
	st := bot.Stabilizer
	if st == nil {
		return errState(bot)
	}
	if st.TargetPrice <= 0 {
		return fmt.Errorf("bot %s: targetPrice not set", bot.ID)
	}

	ticker, err := deps.Client.Ticker(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	if ticker.Last >= st.TargetPrice {
		logActivity(deps, bot.ID, types.LogMonitor,
			fmt.Sprintf("price %.8g at or above target %.8g, nothing to do", ticker.Last, st.TargetPrice), nil)
		return nil
	}

	depth, err := deps.Client.Depth(ctx, bot.Symbol, stabilizerDepthSize)
	if err != nil {
		return fmt.Errorf("depth: %w", err)
	}
	budget := market.SweepCost(depth.Asks, st.TargetPrice)
	if budget <= 0 {
		persistActivity(ctx, deps, bot, types.LogWarning,
			fmt.Sprintf("price %.8g below target %.8g but no asks to sweep", ticker.Last, st.TargetPrice), nil)
		return nil
	}

	balances, err := deps.Client.Balances(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	if free := balances["USDT"].Free; free < budget {
		persistActivity(ctx, deps, bot, types.LogWarning,
			fmt.Sprintf("free USDT %.2f below sweep budget %.2f, not starting", free, budget),
			map[string]any{"free": free, "budget": budget})
		return nil
	}

	persistActivity(ctx, deps, bot, types.LogCalculate,
		fmt.Sprintf("sweep budget %.2f USDT to lift %.8g to %.8g", budget, ticker.Last, st.TargetPrice),
		map[string]any{"budget": budget, "last": ticker.Last, "target": st.TargetPrice})

	perOrder := budget / stabilizerSplit
	var spent float64
	var succeeded, failed int64

	for i := 0; i < stabilizerSplit; i++ {
		if i > 0 {
			if err := s.sleep(ctx, stabilizerGap); err != nil {
				break
			}
			// A recovered price between orders ends the ladder early.
			tk, err := deps.Client.Ticker(ctx, bot.Symbol)
			if err == nil && tk.Last >= st.TargetPrice {
				persistActivity(ctx, deps, bot, types.LogSuccess,
					fmt.Sprintf("target %.8g reached after %d of %d orders", st.TargetPrice, i, stabilizerSplit), nil)
				break
			}
		}

		orderID, err := deps.Client.PlaceMarketBuyQuote(ctx, bot.Symbol, perOrder)
		status, response := tradeOutcome(orderID, err)
		recordTrade(ctx, deps, &types.Trade{
			BotID:       bot.ID,
			UserID:      bot.UserID,
			Kind:        bot.Kind,
			Symbol:      bot.Symbol,
			Side:        types.BUY,
			Type:        types.OrderTypeMarket,
			Volume:      perOrder,
			OrderID:     orderID,
			Status:      status,
			OrderNumber: i + 1,
			TotalOrders: stabilizerSplit,
			Response:    response,
		})
		if err != nil {
			failed++
			persistActivity(ctx, deps, bot, types.LogError,
				fmt.Sprintf("market buy %d/%d for %.2f USDT failed, aborting ladder: %v", i+1, stabilizerSplit, perOrder, err), nil)
			break
		}
		succeeded++
		spent += perOrder
		persistActivity(ctx, deps, bot, types.LogTrade,
			fmt.Sprintf("market buy %d/%d for %.2f USDT placed", i+1, stabilizerSplit, perOrder),
			map[string]any{"orderId": orderID})
	}

	patch := store.Patch{
		Set: map[string]any{
			"stabilizer.totalUsdtSpent": st.TotalUSDTSpent + spent,
			"stabilizer.lastExecutedAt": s.now().UTC(),
		},
		Inc: map[string]int64{
			"stabilizer.executionCount":   1,
			"stabilizer.successfulOrders": succeeded,
			"stabilizer.failedOrders":     failed,
		},
	}
	if err := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, patch); err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}
	return nil
}
