// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — bot documents,
// per-kind strategy state, trade and activity-log records, and the
// normalized exchange payloads (ticker, depth, orders, balances). It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// BotKind tags the strategy variant a bot document belongs to.
// Each kind lives in its own collection ({kind}_bots) and is scheduled by
// its own runner.
type BotKind string

const (
	KindConditional BotKind = "conditional"
	KindStabilizer  BotKind = "stabilizer"
	KindMarketMaker BotKind = "marketmaker"
	KindBuyWall     BotKind = "buywall"
	KindPriceGap    BotKind = "pricegap"
	KindLiquidity   BotKind = "liquidity"
)

// Kinds lists every bot kind in scheduling order.
func Kinds() []BotKind {
	return []BotKind{
		KindConditional,
		KindStabilizer,
		KindMarketMaker,
		KindBuyWall,
		KindPriceGap,
		KindLiquidity,
	}
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TradeStatus records the outcome of one placement attempt.
type TradeStatus string

const (
	TradeSuccess TradeStatus = "success"
	TradeFailed  TradeStatus = "failed"
	TradeError   TradeStatus = "error"
)

// LogLevel classifies activity-log entries. The extended levels (trade,
// liquidity, monitor, calculate) are used by strategies that persist their
// audit trail.
type LogLevel string

const (
	LogInfo      LogLevel = "info"
	LogSuccess   LogLevel = "success"
	LogWarning   LogLevel = "warning"
	LogError     LogLevel = "error"
	LogTrade     LogLevel = "trade"
	LogLiquidity LogLevel = "liquidity"
	LogMonitor   LogLevel = "monitor"
	LogCalculate LogLevel = "calculate"
)

// ————————————————————————————————————————————————————————————————————————
// Users
// ————————————————————————————————————————————————————————————————————————

// User holds one tenant's identity and exchange API credentials.
// Credentials are read-only to the engine; rotation happens externally.
// BotEnabled is the per-user kill switch: when false, none of the user's
// bots are scheduled.
type User struct {
	ID         string `bson:"_id" json:"id"`
	APIKey     string `bson:"apiKey" json:"apiKey"`
	APISecret  string `bson:"apiSecret" json:"apiSecret"`
	BotEnabled bool   `bson:"botEnabled" json:"botEnabled"`
}

// CanTrade reports whether this user's bots are eligible for scheduling.
func (u *User) CanTrade() bool {
	return u != nil && u.BotEnabled && u.APIKey != "" && u.APISecret != ""
}

// ————————————————————————————————————————————————————————————————————————
// Bots
// ————————————————————————————————————————————————————————————————————————

// Bot is one user-defined trading bot. The shared metadata lives at the top
// level; kind-specific configuration and runtime state live in the typed
// sub-document matching Kind. Exactly one sub-document is non-nil.
type Bot struct {
	ID     string  `bson:"_id" json:"id"`
	UserID string  `bson:"userId" json:"userId"`
	Kind   BotKind `bson:"kind" json:"kind"`
	Name   string  `bson:"name" json:"name"`
	Symbol string  `bson:"symbol" json:"symbol"`

	// IsActive is the user's on/off switch; IsRunning is the engine's.
	// A bot is scheduled only when both are true.
	IsActive  bool `bson:"isActive" json:"isActive"`
	IsRunning bool `bson:"isRunning" json:"isRunning"`

	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt" json:"updatedAt"`
	LastCheckedAt time.Time `bson:"lastCheckedAt" json:"lastCheckedAt"`

	Conditional *ConditionalState `bson:"conditional,omitempty" json:"conditional,omitempty"`
	Stabilizer  *StabilizerState  `bson:"stabilizer,omitempty" json:"stabilizer,omitempty"`
	MarketMaker *MarketMakerState `bson:"marketMaker,omitempty" json:"marketMaker,omitempty"`
	BuyWall     *BuyWallState     `bson:"buyWall,omitempty" json:"buyWall,omitempty"`
	PriceGap    *PriceGapState    `bson:"priceGap,omitempty" json:"priceGap,omitempty"`
	Liquidity   *LiquidityState   `bson:"liquidity,omitempty" json:"liquidity,omitempty"`
}

// Schedulable reports whether the bot is eligible for a scheduler tick.
func (b *Bot) Schedulable() bool {
	return b != nil && b.IsActive && b.IsRunning
}

// Condition operators for the conditional strategy.
const (
	OpAbove    = "ABOVE"
	OpBelow    = "BELOW"
	OpEqual    = "EQUAL"
	OpNotEqual = "NOT_EQUAL"
)

// Condition and action fields for the conditional strategy.
const (
	FieldGCBPrice    = "GCB_PRICE"
	FieldGCBQuantity = "GCB_QUANTITY"
	FieldUSDTValue   = "USDT_VALUE"
)

// Action types for the conditional strategy.
const (
	ActionMarketBuy  = "MARKET_BUY"
	ActionMarketSell = "MARKET_SELL"
	ActionLimitBuy   = "LIMIT_BUY"
	ActionLimitSell  = "LIMIT_SELL"
)

// ConditionalState configures a trigger bot: when the observed condition
// field crosses the configured value, fire a single order and cool down.
type ConditionalState struct {
	ConditionField    string  `bson:"conditionField" json:"conditionField"`       // GCB_PRICE
	ConditionOperator string  `bson:"conditionOperator" json:"conditionOperator"` // ABOVE | BELOW | EQUAL | NOT_EQUAL
	ConditionValue    float64 `bson:"conditionValue" json:"conditionValue"`

	ActionType  string  `bson:"actionType" json:"actionType"`   // MARKET_BUY | MARKET_SELL | LIMIT_BUY | LIMIT_SELL
	ActionField string  `bson:"actionField" json:"actionField"` // GCB_QUANTITY | USDT_VALUE
	ActionValue float64 `bson:"actionValue" json:"actionValue"`
	LimitPrice  float64 `bson:"limitPrice,omitempty" json:"limitPrice,omitempty"`

	CooldownSeconds int       `bson:"cooldownSeconds" json:"cooldownSeconds"` // default 60
	LastTriggered   time.Time `bson:"lastTriggered" json:"lastTriggered"`
	TriggerCount    int64     `bson:"triggerCount" json:"triggerCount"`
}

// StabilizerState configures a price-stabilization bot: whenever the last
// price falls below TargetPrice, spend just enough USDT (in 4 paced market
// buys) to lift every ask at or below the target.
type StabilizerState struct {
	TargetPrice      float64   `bson:"targetPrice" json:"targetPrice"`
	ExecutionCount   int64     `bson:"executionCount" json:"executionCount"`
	TotalUSDTSpent   float64   `bson:"totalUsdtSpent" json:"totalUsdtSpent"`
	SuccessfulOrders int64     `bson:"successfulOrders" json:"successfulOrders"`
	FailedOrders     int64     `bson:"failedOrders" json:"failedOrders"`
	LastExecutedAt   time.Time `bson:"lastExecutedAt" json:"lastExecutedAt"`
}

// MarketMakerState configures the oscillating-ladder market maker. The order
// size walks between 40% and 90% of InitialOrderSize, shrinking by 3% per
// tick while decreasing and growing by 3% while increasing.
type MarketMakerState struct {
	TargetPrice      float64   `bson:"targetPrice" json:"targetPrice"`
	SpreadPercent    float64   `bson:"spreadPercent" json:"spreadPercent"`
	InitialOrderSize float64   `bson:"initialOrderSize" json:"initialOrderSize"`
	CurrentOrderSize float64   `bson:"currentOrderSize" json:"currentOrderSize"`
	IsDecreasing     bool      `bson:"isDecreasing" json:"isDecreasing"`
	ExecutionCount   int64     `bson:"executionCount" json:"executionCount"`
	TargetReached    bool      `bson:"targetReached" json:"targetReached"`
	LastExecutedAt   time.Time `bson:"lastExecutedAt" json:"lastExecutedAt"`
}

// BuyWallLevel is one configured (price, budget) rung of a buy wall.
type BuyWallLevel struct {
	Price      float64 `bson:"price" json:"price"`
	USDTAmount float64 `bson:"usdtAmount" json:"usdtAmount"`
}

// PlacedOrder tracks one live buy-wall order so fills can be refilled.
type PlacedOrder struct {
	Price       float64 `bson:"price" json:"price"`
	USDTAmount  float64 `bson:"usdtAmount" json:"usdtAmount"`
	OrderID     string  `bson:"orderId" json:"orderId"`
	GCBQuantity float64 `bson:"gcbQuantity" json:"gcbQuantity"`
	Status      string  `bson:"status" json:"status"` // open | filled | partial
}

// BuyWallState configures the buy-wall placer/refiller. OrdersPlaced flips
// false→true exactly once (store-level compare-and-set) before the initial
// wall goes out; afterwards the bot only refills consumed rungs.
type BuyWallState struct {
	TargetPrice  float64        `bson:"targetPrice" json:"targetPrice"`
	BuyOrders    []BuyWallLevel `bson:"buyOrders" json:"buyOrders"`
	OrdersPlaced bool           `bson:"ordersPlaced" json:"ordersPlaced"`
	PlacedOrders []PlacedOrder  `bson:"placedOrders" json:"placedOrders"`
	TotalRefills int64          `bson:"totalRefills" json:"totalRefills"`
}

// PriceGapState configures the gap-triggered market buyer: when the best ask
// sits GapThreshold percent (or more) above the last trade price, buy
// OrderAmount USDT at market.
type PriceGapState struct {
	OrderAmount     float64   `bson:"orderAmount" json:"orderAmount"`
	CooldownSeconds int       `bson:"cooldownSeconds" json:"cooldownSeconds"`
	GapThreshold    float64   `bson:"gapThreshold" json:"gapThreshold"` // percent, default 3
	LastExecutedAt  time.Time `bson:"lastExecutedAt" json:"lastExecutedAt"`
	ExecutionCount  int64     `bson:"executionCount" json:"executionCount"`
	TotalUSDTSpent  float64   `bson:"totalUsdtSpent" json:"totalUsdtSpent"`

	// Snapshot of the last observation, persisted every tick.
	LastMarketPrice  float64 `bson:"lastMarketPrice" json:"lastMarketPrice"`
	LastBestAskPrice float64 `bson:"lastBestAskPrice" json:"lastBestAskPrice"`
	LastPriceGap     float64 `bson:"lastPriceGap" json:"lastPriceGap"`
}

// LiquidityMetrics is the last market/own-book analysis snapshot kept on a
// liquidity bot for the status surface. The Own* fields cover only the
// user's resting orders, so the bot's contribution to the book is visible
// next to the market totals.
type LiquidityMetrics struct {
	Spread        float64 `bson:"spread" json:"spread"` // percent
	BuyDepth2Pct  float64 `bson:"buyDepth2Pct" json:"buyDepth2Pct"`
	SellDepth2Pct float64 `bson:"sellDepth2Pct" json:"sellDepth2Pct"`
	BuyDepthTop20 float64 `bson:"buyDepthTop20" json:"buyDepthTop20"`
	SellDepthT20  float64 `bson:"sellDepthTop20" json:"sellDepthTop20"`
	BuyOrders     int     `bson:"buyOrders" json:"buyOrders"`
	SellOrders    int     `bson:"sellOrders" json:"sellOrders"`

	OwnBuyDepth2Pct  float64 `bson:"ownBuyDepth2Pct" json:"ownBuyDepth2Pct"`
	OwnSellDepth2Pct float64 `bson:"ownSellDepth2Pct" json:"ownSellDepth2Pct"`
	OwnBuyDepthT20   float64 `bson:"ownBuyDepthTop20" json:"ownBuyDepthTop20"`
	OwnSellDepthT20  float64 `bson:"ownSellDepthTop20" json:"ownSellDepthTop20"`

	Warnings []string `bson:"warnings,omitempty" json:"warnings,omitempty"`
}

// LiquidityState configures the liquidity-requirement provider. Targets are
// scaled by ScaleFactor; when AutoManage is false the bot only reports.
type LiquidityState struct {
	MinDepth2Percent     float64 `bson:"minDepth2Percent" json:"minDepth2Percent"` // default 500
	MinDepthTop20        float64 `bson:"minDepthTop20" json:"minDepthTop20"`       // default 1000
	MinOrderCount        int     `bson:"minOrderCount" json:"minOrderCount"`       // default 30
	MaxOrderGap          float64 `bson:"maxOrderGap" json:"maxOrderGap"`           // percent, default 1
	MaxSpread            float64 `bson:"maxSpread" json:"maxSpread"`               // percent, default 1
	ScaleFactor          float64 `bson:"scaleFactor" json:"scaleFactor"`
	CheckIntervalSeconds int     `bson:"checkIntervalSeconds" json:"checkIntervalSeconds"`
	AutoManage           bool    `bson:"autoManage" json:"autoManage"`
	TelegramEnabled      bool    `bson:"telegramEnabled" json:"telegramEnabled"`

	// ForceAdjust makes the next run place liquidity even when the metrics
	// already meet their targets. Cleared after the run.
	ForceAdjust bool `bson:"forceAdjust" json:"forceAdjust"`

	TotalOrdersPlaced int64             `bson:"totalOrdersPlaced" json:"totalOrdersPlaced"`
	TotalMaintenance  int64             `bson:"totalMaintenance" json:"totalMaintenance"`
	LastRunAt         time.Time         `bson:"lastRunAt" json:"lastRunAt"`
	LastMetrics       *LiquidityMetrics `bson:"lastMetrics,omitempty" json:"lastMetrics,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Trades & activity logs
// ————————————————————————————————————————————————————————————————————————

// Buy-wall trade actions.
const (
	ActionInitialPlace = "INITIAL_PLACE"
	ActionRefill       = "REFILL"
	ActionTopupPartial = "TOPUP_PARTIAL"
)

// Trade is the immutable record of one placement attempt. Created by
// strategies, never mutated. OrderID is empty when the placement failed.
type Trade struct {
	ID       string      `bson:"_id" json:"id"`
	BotID    string      `bson:"botId" json:"botId"`
	UserID   string      `bson:"userId" json:"userId"`
	Kind     BotKind     `bson:"kind" json:"kind"`
	Symbol   string      `bson:"symbol" json:"symbol"`
	Side     Side        `bson:"side" json:"side"`
	Type     OrderType   `bson:"type" json:"type"`
	Price    float64     `bson:"price,omitempty" json:"price,omitempty"`
	Quantity float64     `bson:"quantity,omitempty" json:"quantity,omitempty"` // base units
	Volume   float64     `bson:"volume,omitempty" json:"volume,omitempty"`     // quote (USDT) for market buys
	OrderID  string      `bson:"orderId,omitempty" json:"orderId,omitempty"`
	Status   TradeStatus `bson:"status" json:"status"`
	Action   string      `bson:"action,omitempty" json:"action,omitempty"` // INITIAL_PLACE | REFILL | TOPUP_PARTIAL

	// Stabilizer ladder position: order N of M.
	OrderNumber int `bson:"orderNumber,omitempty" json:"orderNumber,omitempty"`
	TotalOrders int `bson:"totalOrders,omitempty" json:"totalOrders,omitempty"`

	Response  string    `bson:"response,omitempty" json:"response,omitempty"` // raw exchange response or error
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
}

// ActivityLog is one structured audit entry persisted for strategies that
// require auditability (stabilizer, liquidity). Other strategies keep their
// activity only in the in-memory ring.
type ActivityLog struct {
	ID        string         `bson:"_id" json:"id"`
	BotID     string         `bson:"botId" json:"botId"`
	Kind      BotKind        `bson:"kind" json:"kind"`
	Level     LogLevel       `bson:"level" json:"level"`
	Message   string         `bson:"message" json:"message"`
	Data      map[string]any `bson:"data,omitempty" json:"data,omitempty"`
	CreatedAt time.Time      `bson:"createdAt" json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Normalized exchange payloads
// ————————————————————————————————————————————————————————————————————————

// Ticker is the normalized 24h ticker for one symbol.
type Ticker struct {
	Symbol    string
	Last      float64
	High24h   float64
	Low24h    float64
	Volume24h float64
	Change24h float64
}

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// Depth is a point-in-time order book snapshot.
// Bids are sorted descending by price, asks ascending.
type Depth struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// BestBid returns the highest bid, or false when the book side is empty.
func (d *Depth) BestBid() (PriceLevel, bool) {
	if len(d.Bids) == 0 {
		return PriceLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the book side is empty.
func (d *Depth) BestAsk() (PriceLevel, bool) {
	if len(d.Asks) == 0 {
		return PriceLevel{}, false
	}
	return d.Asks[0], true
}

// SymbolInfo carries the per-symbol formatting rules from exchange metadata.
type SymbolInfo struct {
	Symbol            string
	PricePrecision    int
	QuantityPrecision int
	MinQuantity       float64
}

// Balance is one asset's account balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// Order is a normalized open or historical exchange order.
type Order struct {
	ID          string
	Symbol      string
	Side        Side
	Type        OrderType
	Price       float64
	OrigQty     float64
	ExecutedQty float64
	Status      string
}

// Remaining returns the unfilled base quantity.
func (o Order) Remaining() float64 {
	r := o.OrigQty - o.ExecutedQty
	if r < 0 {
		return 0
	}
	return r
}

// OrderSpec describes one order for batch placement.
type OrderSpec struct {
	Side     Side
	Type     OrderType
	Price    float64
	Quantity float64
}

// OrderResult is the per-item outcome of a placement.
type OrderResult struct {
	OrderID string
	Err     error
}
