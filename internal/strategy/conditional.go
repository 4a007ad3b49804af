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
	defaultConditionalCooldown = 60 * time.Second
	conditionalInterval        = 100 * time.Second

	// EQUAL matches within 0.1% of the configured value. A configured value
	// of zero falls back to an absolute band, since a relative one would
	// never match.
	equalRelTolerance = 0.001
	equalAbsTolerance = 1e-4
)

// Conditional fires a single order when the observed market value crosses
// the configured condition, then cools down.
type Conditional struct {
	now func() time.Time
}

func NewConditional() *Conditional {
	return &Conditional{now: time.Now}
}

func (s *Conditional) Kind() types.BotKind            { return types.KindConditional }
func (s *Conditional) DefaultInterval() time.Duration { return conditionalInterval }

func (s *Conditional) RunOnce(ctx context.Context, bot *types.Bot, deps Deps) error {
	if bot.Conditional == nil {
		return errState(bot)
	}
	// The cooldown decision reads a fresh document: the list-time copy may
	// predate a trigger persisted by another tick.
	fresh, err := deps.Store.GetBot(ctx, bot.Kind, bot.ID)
	if err != nil {
		return fmt.Errorf("re-read bot: %w", err)
	}
	st := fresh.Conditional
	if st == nil {
		return errState(bot)
	}

	cooldown := defaultConditionalCooldown
	if st.CooldownSeconds > 0 {
		cooldown = time.Duration(st.CooldownSeconds) * time.Second
	}
	now := s.now()
	if !st.LastTriggered.IsZero() && now.Sub(st.LastTriggered) < cooldown {
		return nil
	}

	ticker, err := deps.Client.Ticker(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	observed := ticker.Last // GCB_PRICE is the only observable condition field

	if !conditionMet(st.ConditionOperator, observed, st.ConditionValue) {
		logActivity(deps, bot.ID, types.LogMonitor,
			fmt.Sprintf("condition not met: %s %s %.8g (observed %.8g)",
				st.ConditionField, st.ConditionOperator, st.ConditionValue, observed),
			nil)
		return nil
	}

	trade, err := s.fire(ctx, bot, st, observed, deps)
	status, response := tradeOutcome(trade.OrderID, err)
	trade.Status = status
	trade.Response = response
	recordTrade(ctx, deps, trade)

	if err != nil {
		logActivity(deps, bot.ID, types.LogError,
			fmt.Sprintf("action %s failed: %v", st.ActionType, err), nil)
		return err
	}

	if upErr := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, store.Patch{
		Set: map[string]any{"conditional.lastTriggered": now.UTC()},
		Inc: map[string]int64{"conditional.triggerCount": 1},
	}); upErr != nil {
		return fmt.Errorf("persist trigger: %w", upErr)
	}

	logActivity(deps, bot.ID, types.LogSuccess,
		fmt.Sprintf("condition met (%.8g), executed %s", observed, st.ActionType), nil)
	return nil
}

// conditionMet evaluates the trigger operator against the observed value.
func conditionMet(op string, observed, value float64) bool {
	switch op {
	case types.OpAbove:
		return observed > value
	case types.OpBelow:
		return observed < value
	case types.OpEqual:
		return withinEqualBand(observed, value)
	case types.OpNotEqual:
		return !withinEqualBand(observed, value)
	default:
		return false
	}
}

func withinEqualBand(observed, value float64) bool {
	if value == 0 {
		return math.Abs(observed) <= equalAbsTolerance
	}
	return math.Abs(observed-value)/math.Abs(value) <= equalRelTolerance
}

// fire executes the configured action and returns the trade record to
// persist (filled in except Status/Response).
func (s *Conditional) fire(ctx context.Context, bot *types.Bot, st *types.ConditionalState, lastPrice float64, deps Deps) (*types.Trade, error) {
	trade := &types.Trade{
		BotID:  bot.ID,
		UserID: bot.UserID,
		Kind:   bot.Kind,
		Symbol: bot.Symbol,
	}

	var orderID string
	var err error
	switch st.ActionType {
	case types.ActionMarketBuy:
		trade.Side, trade.Type = types.BUY, types.OrderTypeMarket
		quote := st.ActionValue
		if st.ActionField == types.FieldGCBQuantity {
			quote = st.ActionValue * lastPrice
		}
		trade.Volume = quote
		orderID, err = deps.Client.PlaceMarketBuyQuote(ctx, bot.Symbol, quote)

	case types.ActionMarketSell:
		trade.Side, trade.Type = types.SELL, types.OrderTypeMarket
		qty := st.ActionValue
		if st.ActionField == types.FieldUSDTValue && lastPrice > 0 {
			qty = st.ActionValue / lastPrice
		}
		trade.Quantity = qty
		orderID, err = deps.Client.PlaceMarketSell(ctx, bot.Symbol, qty)

	case types.ActionLimitBuy, types.ActionLimitSell:
		side := types.BUY
		if st.ActionType == types.ActionLimitSell {
			side = types.SELL
		}
		price := st.LimitPrice
		if price <= 0 {
			return trade, fmt.Errorf("limit action without limitPrice")
		}
		qty := st.ActionValue
		if st.ActionField == types.FieldUSDTValue {
			if lastPrice <= 0 {
				return trade, fmt.Errorf("no market price to convert USDT value")
			}
			// USDT converts to base at the market price, not the limit price.
			qty = st.ActionValue / lastPrice
		}
		trade.Side, trade.Type = side, types.OrderTypeLimit
		trade.Price, trade.Quantity = price, qty
		orderID, err = deps.Client.PlaceLimit(ctx, bot.Symbol, side, price, qty)

	default:
		return trade, fmt.Errorf("unknown action type %q", st.ActionType)
	}

	trade.OrderID = orderID
	return trade, err
}
