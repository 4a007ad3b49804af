package strategy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"gcb-engine/internal/exchange"
	"gcb-engine/internal/market"
	"gcb-engine/internal/notify"
	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

const (
	liquidityInterval  = 30 * time.Second
	liquidityDepthSize = 100

	// Zone 1 is the band within 2% of mid; zone 2 extends from there out to
	// 10% in multiplicative 0.5% steps.
	liqZone1Pct      = 2.0
	liqZone2Step     = 1.005
	liqZone2BuyEdge  = 0.90 // of mid
	liqZone2SellEdge = 1.10

	// Own orders drifted outside these bands get pruned.
	liqBuyPruneLow   = 0.75
	liqBuyPruneHigh  = 1.02
	liqSellPruneLow  = 0.98
	liqSellPruneHigh = 1.25

	// Metric defaults when the bot leaves them zero.
	liqDefaultMinDepth2  = 500.0
	liqDefaultMinTop20   = 1000.0
	liqDefaultMinOrders  = 30
	liqReducedMinOrders  = 20
	liqCrowdedBookLevels = 10  // market levels per side that relax the order target
	liqDefaultMaxGap     = 1.0 // percent
	liqDefaultMaxSpread  = 1.0 // percent

	liqZone1MaxOrders  = 10
	liqSpreadCancelMax = 3

	// Candidate ladder prices colliding with an order the user already
	// holds (within this relative band) are skipped.
	liqPriceTolerance = 1e-4

	// Spread relief only touches orders priced more than 1% beyond the
	// mid ± maxSpread/2 band.
	liqSpreadReliefBand = 0.01

	// Notional per order when a side is short on count but not on depth.
	liqCountTopupUSDT = 1.0

	// Smallest order worth placing: $0.50 notional for buys, 0.5 base units
	// for sells. Undersized slices roll into the next level.
	liqMinBuyUSDT = 0.50
	liqMinSellQty = 0.5

	liqBatchSize  = 10
	liqBatchPause = 500 * time.Millisecond
)

// Liquidity keeps the book within configured depth, spread, and order-count
// requirements. Each run prunes drifted own orders, measures the book,
// and (when auto-manage is on) places weighted ladders in two zones to
// cover any depth deficit.
type Liquidity struct {
	now       func() time.Time
	sleep     sleepFunc
	randFloat func() float64
}

func NewLiquidity() *Liquidity {
	return &Liquidity{now: time.Now, sleep: ctxSleep, randFloat: rand.Float64}
}

func (s *Liquidity) Kind() types.BotKind            { return types.KindLiquidity }
func (s *Liquidity) DefaultInterval() time.Duration { return liquidityInterval }

// liqTargets is the bot's configuration with defaults and scaling applied.
type liqTargets struct {
	minDepth2 float64
	minTop20  float64
	minOrders int
	maxGap    float64
	maxSpread float64
}

func resolveTargets(st *types.LiquidityState) liqTargets {
	scale := st.ScaleFactor
	if scale <= 0 {
		scale = 1
	}
	t := liqTargets{
		minDepth2: st.MinDepth2Percent,
		minTop20:  st.MinDepthTop20,
		minOrders: st.MinOrderCount,
		maxGap:    st.MaxOrderGap,
		maxSpread: st.MaxSpread,
	}
	if t.minDepth2 <= 0 {
		t.minDepth2 = liqDefaultMinDepth2
	}
	if t.minTop20 <= 0 {
		t.minTop20 = liqDefaultMinTop20
	}
	if t.minOrders <= 0 {
		t.minOrders = liqDefaultMinOrders
	}
	if t.maxGap <= 0 {
		t.maxGap = liqDefaultMaxGap
	}
	if t.maxSpread <= 0 {
		t.maxSpread = liqDefaultMaxSpread
	}
	t.minDepth2 *= scale
	t.minTop20 *= scale
	return t
}

func (s *Liquidity) RunOnce(ctx context.Context, bot *types.Bot, deps Deps) error {
	st := bot.Liquidity
	if st == nil {
		return errState(bot)
	}
	now := s.now()

	// Per-bot cadence override: skip runner ticks that arrive early,
	// unless a force-adjust is pending.
	if st.CheckIntervalSeconds > 0 && !st.ForceAdjust && !st.LastRunAt.IsZero() {
		if now.Sub(st.LastRunAt) < time.Duration(st.CheckIntervalSeconds)*time.Second {
			return nil
		}
	}

	targets := resolveTargets(st)

	depth, err := deps.Client.Depth(ctx, bot.Symbol, liquidityDepthSize)
	if err != nil {
		return fmt.Errorf("depth: %w", err)
	}
	mid, ok := market.Mid(depth)
	if !ok {
		persistActivity(ctx, deps, bot, types.LogWarning, "order book one-sided, skipping run", nil)
		return nil
	}

	own, err := deps.Client.OpenOrders(ctx, bot.Symbol, "")
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	own, pruned := s.pruneDrifted(ctx, bot, own, mid, deps)

	buyTarget := sideTarget(len(depth.Bids), targets)
	sellTarget := sideTarget(len(depth.Asks), targets)
	metrics := measure(depth, own, targets, buyTarget, sellTarget)
	persistActivity(ctx, deps, bot, types.LogLiquidity,
		fmt.Sprintf("spread %.2f%%, depth2 %.0f/%.0f, top20 %.0f/%.0f, own %d/%d, pruned %d",
			metrics.Spread, metrics.BuyDepth2Pct, metrics.SellDepth2Pct,
			metrics.BuyDepthTop20, metrics.SellDepthT20,
			metrics.BuyOrders, metrics.SellOrders, pruned),
		nil)

	set := map[string]any{
		"liquidity.lastMetrics": metrics,
		"liquidity.lastRunAt":   now.UTC(),
	}
	if st.ForceAdjust {
		set["liquidity.forceAdjust"] = false
	}

	if !st.AutoManage && !st.ForceAdjust {
		if len(metrics.Warnings) > 0 && st.TelegramEnabled {
			deps.Notifier.Notify(ctx, notify.Message{
				Severity: notify.Warning,
				Title:    "Liquidity requirements unmet",
				Body:     strings.Join(metrics.Warnings, "\n"),
				Fields:   map[string]string{"bot": bot.Name, "symbol": bot.Symbol},
			})
		}
		return deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, store.Patch{Set: set})
	}

	if metrics.Spread > targets.maxSpread {
		own = s.relieveSpread(ctx, bot, own, mid, metrics, targets, buyTarget, sellTarget, deps)
	}

	specs := s.buildLadders(mid, metrics, targets, own, buyTarget, sellTarget)
	if len(specs) > 0 {
		balances, err := deps.Client.Balances(ctx)
		if err != nil {
			return fmt.Errorf("balances: %w", err)
		}
		specs = trimToBalances(specs, mid,
			balances["USDT"].Free, balances[exchange.BaseAsset(bot.Symbol)].Free)
	}
	placed, err := s.placeBatched(ctx, bot, specs, deps)

	patch := store.Patch{
		Set: set,
		Inc: map[string]int64{
			"liquidity.totalOrdersPlaced": int64(placed),
			"liquidity.totalMaintenance":  1,
		},
	}
	if upErr := deps.Store.UpdateBot(ctx, bot.Kind, bot.ID, patch); upErr != nil {
		return fmt.Errorf("persist maintenance: %w", upErr)
	}
	if placed > 0 {
		persistActivity(ctx, deps, bot, types.LogSuccess,
			fmt.Sprintf("maintenance placed %d of %d orders", placed, len(specs)), nil)
	}
	return err
}

// pruneDrifted cancels own orders that drifted outside their side's band
// around mid and returns the surviving orders.
func (s *Liquidity) pruneDrifted(ctx context.Context, bot *types.Bot, own []types.Order, mid float64, deps Deps) (kept []types.Order, pruned int) {
	kept = own[:0]
	for _, o := range own {
		lo, hi := mid*liqBuyPruneLow, mid*liqBuyPruneHigh
		if o.Side == types.SELL {
			lo, hi = mid*liqSellPruneLow, mid*liqSellPruneHigh
		}
		if o.Price >= lo && o.Price <= hi {
			kept = append(kept, o)
			continue
		}
		if err := deps.Client.CancelOrder(ctx, bot.Symbol, o.ID); err != nil {
			deps.Logger.Warn("prune cancel failed", "bot", bot.ID, "order", o.ID, "error", err)
			kept = append(kept, o)
			continue
		}
		pruned++
	}
	return kept, pruned
}

// relieveSpread cancels up to three own orders per side so the replacement
// ladders can quote tighter. A side is only touched when the user already
// holds its target order count, and only orders priced more than 1% beyond
// mid ± maxSpread/2 qualify. Returns the surviving orders.
func (s *Liquidity) relieveSpread(ctx context.Context, bot *types.Bot, own []types.Order, mid float64,
	m *types.LiquidityMetrics, t liqTargets, buyTarget, sellTarget int, deps Deps) []types.Order {

	halfSpread := t.maxSpread / 200 // percent → fraction of mid, one side
	cancelled := make(map[string]bool)
	if m.BuyOrders >= buyTarget {
		s.cancelBeyond(ctx, bot, own, types.BUY, mid*(1-halfSpread-liqSpreadReliefBand), mid, cancelled, deps)
	}
	if m.SellOrders >= sellTarget {
		s.cancelBeyond(ctx, bot, own, types.SELL, mid*(1+halfSpread+liqSpreadReliefBand), mid, cancelled, deps)
	}
	if len(cancelled) == 0 {
		return own
	}
	kept := own[:0]
	for _, o := range own {
		if !cancelled[o.ID] {
			kept = append(kept, o)
		}
	}
	return kept
}

// cancelBeyond cancels up to three of one side's orders past the limit
// price, farthest from mid first.
func (s *Liquidity) cancelBeyond(ctx context.Context, bot *types.Bot, own []types.Order, side types.Side,
	limit, mid float64, cancelled map[string]bool, deps Deps) {

	var far []types.Order
	for _, o := range own {
		if o.Side != side {
			continue
		}
		if (side == types.BUY && o.Price < limit) || (side == types.SELL && o.Price > limit) {
			far = append(far, o)
		}
	}
	sort.Slice(far, func(i, j int) bool {
		return math.Abs(far[i].Price-mid) > math.Abs(far[j].Price-mid)
	})
	n := liqSpreadCancelMax
	if n > len(far) {
		n = len(far)
	}
	for _, o := range far[:n] {
		if err := deps.Client.CancelOrder(ctx, bot.Symbol, o.ID); err != nil {
			deps.Logger.Warn("spread relief cancel failed", "bot", bot.ID, "order", o.ID, "error", err)
			continue
		}
		cancelled[o.ID] = true
	}
}

// measure computes the market and own-contribution metrics plus the
// warnings for unmet targets.
func measure(depth *types.Depth, own []types.Order, t liqTargets, buyTarget, sellTarget int) *types.LiquidityMetrics {
	m := &types.LiquidityMetrics{}
	if spread, ok := market.SpreadPercent(depth); ok {
		m.Spread = spread
	}
	ownBids := ownLevels(own, types.BUY)
	ownAsks := ownLevels(own, types.SELL)
	if mid, ok := market.Mid(depth); ok {
		m.BuyDepth2Pct = market.DepthWithinPercent(depth.Bids, mid, liqZone1Pct, types.BUY)
		m.SellDepth2Pct = market.DepthWithinPercent(depth.Asks, mid, liqZone1Pct, types.SELL)
		m.OwnBuyDepth2Pct = market.DepthWithinPercent(ownBids, mid, liqZone1Pct, types.BUY)
		m.OwnSellDepth2Pct = market.DepthWithinPercent(ownAsks, mid, liqZone1Pct, types.SELL)
	}
	m.BuyDepthTop20 = market.TopNDepth(depth.Bids, 20)
	m.SellDepthT20 = market.TopNDepth(depth.Asks, 20)
	m.OwnBuyDepthT20 = market.TopNDepth(ownBids, 20)
	m.OwnSellDepthT20 = market.TopNDepth(ownAsks, 20)
	for _, o := range own {
		if o.Side == types.BUY {
			m.BuyOrders++
		} else {
			m.SellOrders++
		}
	}

	if m.Spread > t.maxSpread {
		m.Warnings = append(m.Warnings, fmt.Sprintf("spread %.2f%% exceeds %.2f%%", m.Spread, t.maxSpread))
	}
	if m.BuyDepth2Pct < t.minDepth2 {
		m.Warnings = append(m.Warnings, fmt.Sprintf("buy depth(2%%) %.0f below %.0f", m.BuyDepth2Pct, t.minDepth2))
	}
	if m.SellDepth2Pct < t.minDepth2 {
		m.Warnings = append(m.Warnings, fmt.Sprintf("sell depth(2%%) %.0f below %.0f", m.SellDepth2Pct, t.minDepth2))
	}
	if m.BuyDepthTop20 < t.minTop20 {
		m.Warnings = append(m.Warnings, fmt.Sprintf("buy depth(top20) %.0f below %.0f", m.BuyDepthTop20, t.minTop20))
	}
	if m.SellDepthT20 < t.minTop20 {
		m.Warnings = append(m.Warnings, fmt.Sprintf("sell depth(top20) %.0f below %.0f", m.SellDepthT20, t.minTop20))
	}
	if m.BuyOrders < buyTarget {
		m.Warnings = append(m.Warnings, fmt.Sprintf("own buy orders %d below %d", m.BuyOrders, buyTarget))
	}
	if m.SellOrders < sellTarget {
		m.Warnings = append(m.Warnings, fmt.Sprintf("own sell orders %d below %d", m.SellOrders, sellTarget))
	}
	if gap := market.MaxGapPercent(depth.Bids, 20); gap > t.maxGap {
		m.Warnings = append(m.Warnings, fmt.Sprintf("bid gap %.2f%% exceeds %.2f%%", gap, t.maxGap))
	}
	if gap := market.MaxGapPercent(depth.Asks, 20); gap > t.maxGap {
		m.Warnings = append(m.Warnings, fmt.Sprintf("ask gap %.2f%% exceeds %.2f%%", gap, t.maxGap))
	}
	if gap := market.MaxGapPercent(ownBids, 20); gap > t.maxGap {
		m.Warnings = append(m.Warnings, fmt.Sprintf("own bid gap %.2f%% exceeds %.2f%%", gap, t.maxGap))
	}
	if gap := market.MaxGapPercent(ownAsks, 20); gap > t.maxGap {
		m.Warnings = append(m.Warnings, fmt.Sprintf("own ask gap %.2f%% exceeds %.2f%%", gap, t.maxGap))
	}
	return m
}

// sideTarget relaxes one side's order-count target when the market side is
// already crowded.
func sideTarget(marketLevels int, t liqTargets) int {
	if marketLevels >= liqCrowdedBookLevels && t.minOrders > liqReducedMinOrders {
		return liqReducedMinOrders
	}
	return t.minOrders
}

// ownLevels converts one side of the user's open orders into book levels
// sorted best-first, using the unfilled quantity.
func ownLevels(own []types.Order, side types.Side) []types.PriceLevel {
	var levels []types.PriceLevel
	for _, o := range own {
		if o.Side != side || o.Remaining() <= 0 {
			continue
		}
		levels = append(levels, types.PriceLevel{Price: o.Price, Qty: o.Remaining()})
	}
	sort.Slice(levels, func(i, j int) bool {
		if side == types.BUY {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}

// buildLadders produces the order specs covering each side's depth or
// order-count deficit: a linear ladder inside zone 1 and a geometric ladder
// through zone 2. Price levels the user already holds are skipped.
func (s *Liquidity) buildLadders(mid float64, m *types.LiquidityMetrics, t liqTargets,
	own []types.Order, buyTarget, sellTarget int) []types.OrderSpec {

	heldBuy := ownPrices(own, types.BUY)
	heldSell := ownPrices(own, types.SELL)

	buyDeficit := sideDeficit(t.minDepth2-m.BuyDepth2Pct, buyTarget-m.BuyOrders)
	sellDeficit := sideDeficit(t.minDepth2-m.SellDepth2Pct, sellTarget-m.SellOrders)

	var specs []types.OrderSpec
	specs = append(specs, s.zone1Ladder(types.BUY, mid, buyDeficit, heldBuy)...)
	specs = append(specs, s.zone1Ladder(types.SELL, mid, sellDeficit, heldSell)...)

	zone2Budget := t.minTop20 - t.minDepth2
	if zone2Budget > 0 {
		if m.BuyDepthTop20 < t.minTop20 {
			specs = append(specs, s.zone2Ladder(types.BUY, mid, zone2Budget, heldBuy)...)
		}
		if m.SellDepthT20 < t.minTop20 {
			specs = append(specs, s.zone2Ladder(types.SELL, mid, zone2Budget, heldSell)...)
		}
	}
	return specs
}

// sideDeficit is the zone-1 budget for one side. A side short on order
// count but not on depth still gets a small per-missing-order budget so the
// count target is approachable.
func sideDeficit(depthDeficit float64, missingOrders int) float64 {
	if depthDeficit > 0 {
		return depthDeficit
	}
	if missingOrders <= 0 {
		return 0
	}
	if missingOrders > liqZone1MaxOrders {
		missingOrders = liqZone1MaxOrders
	}
	return float64(missingOrders) * liqCountTopupUSDT
}

// zone1Ladder spreads the deficit over up to ten linearly spaced prices
// within 2% of mid, with randomized per-level weights.
func (s *Liquidity) zone1Ladder(side types.Side, mid, deficit float64, held []float64) []types.OrderSpec {
	if deficit <= 0 {
		return nil
	}
	n := liqZone1MaxOrders
	if small := int(deficit / liqMinBuyUSDT); small < n && small > 0 {
		n = small
	}
	inner, outer := mid*(1-0.002), mid*(1-liqZone1Pct/100)
	if side == types.SELL {
		inner, outer = mid*(1+0.002), mid*(1+liqZone1Pct/100)
	}
	prices := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(maxInt(n-1, 1))
		p := inner + (outer-inner)*frac
		if !priceHeld(p, held) {
			prices = append(prices, p)
		}
	}
	return s.weightedSpecs(side, prices, deficit)
}

// zone2Ladder distributes the budget geometrically from the zone-1 edge out
// to 90%/110% of mid in 0.5% multiplicative steps.
func (s *Liquidity) zone2Ladder(side types.Side, mid, budget float64, held []float64) []types.OrderSpec {
	var prices []float64
	if side == types.BUY {
		edge := mid * liqZone2BuyEdge
		for p := mid * (1 - liqZone1Pct/100); p >= edge; p /= liqZone2Step {
			if !priceHeld(p, held) {
				prices = append(prices, p)
			}
		}
	} else {
		edge := mid * liqZone2SellEdge
		for p := mid * (1 + liqZone1Pct/100); p <= edge; p *= liqZone2Step {
			if !priceHeld(p, held) {
				prices = append(prices, p)
			}
		}
	}
	return s.weightedSpecs(side, prices, budget)
}

// ownPrices collects the prices of one side's resting orders.
func ownPrices(own []types.Order, side types.Side) []float64 {
	var prices []float64
	for _, o := range own {
		if o.Side == side {
			prices = append(prices, o.Price)
		}
	}
	return prices
}

// priceHeld reports whether a candidate price collides with a resting
// order's price within the relative tolerance.
func priceHeld(price float64, held []float64) bool {
	for _, h := range held {
		if math.Abs(price-h) <= price*liqPriceTolerance {
			return true
		}
	}
	return false
}

// trimToBalances keeps the orders the free balances can fund, closest to
// mid first. The last fundable order on a side shrinks to the residual,
// subject to the side minimums.
func trimToBalances(specs []types.OrderSpec, mid, freeUSDT, freeBase float64) []types.OrderSpec {
	sorted := make([]types.OrderSpec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool {
		return math.Abs(sorted[i].Price-mid) < math.Abs(sorted[j].Price-mid)
	})

	out := sorted[:0]
	for _, spec := range sorted {
		if spec.Side == types.BUY {
			cost := spec.Price * spec.Quantity
			switch {
			case cost <= freeUSDT:
				freeUSDT -= cost
				out = append(out, spec)
			case freeUSDT >= liqMinBuyUSDT:
				spec.Quantity = freeUSDT / spec.Price
				freeUSDT = 0
				out = append(out, spec)
			}
			continue
		}
		switch {
		case spec.Quantity <= freeBase:
			freeBase -= spec.Quantity
			out = append(out, spec)
		case freeBase >= liqMinSellQty:
			spec.Quantity = freeBase
			freeBase = 0
			out = append(out, spec)
		}
	}
	return out
}

// weightedSpecs splits total notional across the prices with weights drawn
// from [0.5, 1.5). Slices below the side's minimum roll forward into the
// next level; a final undersized residual lands on the last order.
func (s *Liquidity) weightedSpecs(side types.Side, prices []float64, totalUSDT float64) []types.OrderSpec {
	if len(prices) == 0 || totalUSDT <= 0 {
		return nil
	}
	weights := make([]float64, len(prices))
	var sum float64
	for i := range weights {
		weights[i] = 0.5 + s.randFloat()
		sum += weights[i]
	}

	var specs []types.OrderSpec
	var carry float64
	for i, price := range prices {
		notional := totalUSDT*weights[i]/sum + carry
		carry = 0
		qty := notional / price
		if notional < liqMinBuyUSDT || (side == types.SELL && qty < liqMinSellQty) {
			carry = notional
			continue
		}
		specs = append(specs, types.OrderSpec{
			Side:     side,
			Type:     types.OrderTypeLimit,
			Price:    price,
			Quantity: qty,
		})
	}
	if carry > 0 && len(specs) > 0 {
		last := &specs[len(specs)-1]
		last.Quantity += carry / last.Price
	}
	return specs
}

// placeBatched sends the specs in paced batches and records one trade per
// spec. Returns the number of successful placements.
func (s *Liquidity) placeBatched(ctx context.Context, bot *types.Bot, specs []types.OrderSpec, deps Deps) (int, error) {
	placed := 0
	var firstErr error
	for start := 0; start < len(specs); start += liqBatchSize {
		if start > 0 {
			if err := s.sleep(ctx, liqBatchPause); err != nil {
				return placed, err
			}
		}
		end := start + liqBatchSize
		if end > len(specs) {
			end = len(specs)
		}
		batch := specs[start:end]
		results, err := deps.Client.PlaceBatch(ctx, bot.Symbol, batch)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		for i, spec := range batch {
			var orderID string
			var resErr error
			if i < len(results) {
				orderID, resErr = results[i].OrderID, results[i].Err
			} else if err != nil {
				resErr = err
			}
			status, response := tradeOutcome(orderID, resErr)
			recordTrade(ctx, deps, &types.Trade{
				BotID:    bot.ID,
				UserID:   bot.UserID,
				Kind:     bot.Kind,
				Symbol:   bot.Symbol,
				Side:     spec.Side,
				Type:     spec.Type,
				Price:    spec.Price,
				Quantity: spec.Quantity,
				OrderID:  orderID,
				Status:   status,
				Response: response,
			})
			if resErr == nil && orderID != "" {
				placed++
			}
		}
	}
	return placed, firstErr
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
