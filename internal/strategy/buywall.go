package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

const (
	buyWallInterval  = 15 * time.Second
	buyWallPlacePace = 500 * time.Millisecond

	// Rung price matching tolerance and the smallest deficit worth refilling.
	buyWallPriceTolerance = 1e-4 // relative
	buyWallMinRefillUSDT  = 0.50
)

// BuyWall places a configured ladder of limit buys exactly once, then keeps
// it standing: fully consumed rungs are re-placed, partially consumed ones
// are topped up to their configured notional. The one-shot initial placement
// is guarded by a store-level compare-and-set so concurrent runners cannot
// double-place the wall.
type BuyWall struct {
	sleep sleepFunc
}

func NewBuyWall() *BuyWall {
	return &BuyWall{sleep: ctxSleep}
}

func (s *BuyWall) Kind() types.BotKind            { return types.KindBuyWall }
func (s *BuyWall) DefaultInterval() time.Duration { return buyWallInterval }

func (s *BuyWall) RunOnce(ctx context.Context, bot *types.Bot, deps Deps) error {
	st := bot.BuyWall
	if st == nil {
		return errState(bot)
	}
	if len(st.BuyOrders) == 0 {
		return nil
	}

	if !st.OrdersPlaced {
		// The wall goes out only once the market has come down to the
		// target; above it the one-shot flag stays unconsumed.
		ticker, err := deps.Client.Ticker(ctx, bot.Symbol)
		if err != nil {
			return fmt.Errorf("ticker: %w", err)
		}
		if ticker.Last > st.TargetPrice {
			logActivity(deps, bot.ID, types.LogMonitor,
				fmt.Sprintf("market %.8g above target %.8g, wall not placed", ticker.Last, st.TargetPrice), nil)
			return nil
		}
		won, err := deps.Store.SetOrdersPlaced(ctx, bot.Kind, bot.ID)
		if err != nil {
			return fmt.Errorf("claim initial placement: %w", err)
		}
		if !won {
			// Another runner is placing the wall; this tick stands down.
			return nil
		}
		return s.placeInitial(ctx, bot, st, deps)
	}
	return s.refill(ctx, bot, st, deps)
}

// placeInitial lays out the full wall, one paced order per configured rung.
func (s *BuyWall) placeInitial(ctx context.Context, bot *types.Bot, st *types.BuyWallState, deps Deps) error {
	placed := make([]types.PlacedOrder, 0, len(st.BuyOrders))
	var firstErr error
	for i, level := range st.BuyOrders {
		if i > 0 {
			if err := s.sleep(ctx, buyWallPlacePace); err != nil {
				return err
			}
		}
		qty := level.USDTAmount / level.Price
		orderID, err := deps.Client.PlaceLimit(ctx, bot.Symbol, types.BUY, level.Price, qty)
		s.record(ctx, bot, level.Price, qty, orderID, types.ActionInitialPlace, err, deps)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logActivity(deps, bot.ID, types.LogError,
				fmt.Sprintf("initial rung %.8g failed: %v", level.Price, err), nil)
			continue
		}
		placed = append(placed, types.PlacedOrder{
			Price:       level.Price,
			USDTAmount:  level.USDTAmount,
			OrderID:     orderID,
			GCBQuantity: qty,
			Status:      "open",
		})
	}

	patch := store.Patch{Set: map[string]any{"buyWall.placedOrders": placed}}
	if err := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, patch); err != nil {
		return fmt.Errorf("persist placed orders: %w", err)
	}
	logActivity(deps, bot.ID, types.LogSuccess,
		fmt.Sprintf("buy wall placed: %d of %d rungs", len(placed), len(st.BuyOrders)), nil)
	return firstErr
}

// refill compares each rung's configured notional against the live quantity
// still resting at that price and places the deficit. A rung with nothing
// live gets a REFILL, a partially consumed one a TOPUP_PARTIAL.
func (s *BuyWall) refill(ctx context.Context, bot *types.Bot, st *types.BuyWallState, deps Deps) error {
	open, err := deps.Client.OpenOrders(ctx, bot.Symbol, types.BUY)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}

	placed := st.PlacedOrders
	var refills int64
	var firstErr error
	for i, level := range st.BuyOrders {
		liveQty := liveQtyAt(open, level.Price)
		targetQty := level.USDTAmount / level.Price
		deficit := targetQty - liveQty
		if deficit*level.Price < buyWallMinRefillUSDT {
			continue
		}

		action := types.ActionRefill
		if liveQty > 0 {
			action = types.ActionTopupPartial
		}

		if refills > 0 {
			if err := s.sleep(ctx, buyWallPlacePace); err != nil {
				return err
			}
		}
		orderID, err := deps.Client.PlaceLimit(ctx, bot.Symbol, types.BUY, level.Price, deficit)
		s.record(ctx, bot, level.Price, deficit, orderID, action, err, deps)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logActivity(deps, bot.ID, types.LogError,
				fmt.Sprintf("%s at %.8g failed: %v", action, level.Price, err), nil)
			continue
		}
		refills++
		placed = upsertPlaced(placed, i, types.PlacedOrder{
			Price:       level.Price,
			USDTAmount:  level.USDTAmount,
			OrderID:     orderID,
			GCBQuantity: targetQty,
			Status:      "open",
		})
		logActivity(deps, bot.ID, types.LogTrade,
			fmt.Sprintf("%s at %.8g: %.6g placed", action, level.Price, deficit), nil)
	}

	if refills == 0 {
		return firstErr
	}
	patch := store.Patch{
		Set: map[string]any{"buyWall.placedOrders": placed},
		Inc: map[string]int64{"buyWall.totalRefills": refills},
	}
	if err := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, patch); err != nil {
		return fmt.Errorf("persist refills: %w", err)
	}
	return firstErr
}

func (s *BuyWall) record(ctx context.Context, bot *types.Bot, price, qty float64, orderID, action string, err error, deps Deps) {
	status, response := tradeOutcome(orderID, err)
	recordTrade(ctx, deps, &types.Trade{
		BotID:    bot.ID,
		UserID:   bot.UserID,
		Kind:     bot.Kind,
		Symbol:   bot.Symbol,
		Side:     types.BUY,
		Type:     types.OrderTypeLimit,
		Price:    price,
		Quantity: qty,
		Volume:   price * qty,
		OrderID:  orderID,
		Status:   status,
		Action:   action,
		Response: response,
	})
}

// liveQtyAt sums the unfilled quantity of open orders resting at the rung
// price, within a small relative tolerance for formatting round trips.
func liveQtyAt(open []types.Order, price float64) float64 {
	var total float64
	for _, o := range open {
		if math.Abs(o.Price-price) <= price*buyWallPriceTolerance {
			total += o.Remaining()
		}
	}
	return total
}

func upsertPlaced(placed []types.PlacedOrder, idx int, entry types.PlacedOrder) []types.PlacedOrder {
	for idx >= len(placed) {
		placed = append(placed, types.PlacedOrder{})
	}
	placed[idx] = entry
	return placed
}
