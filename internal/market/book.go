// Package market provides order-book analytics over depth snapshots.
//
// Strategies pull a normalized types.Depth from the exchange client and run
// these pure functions over it: mid and spread, notional depth within a
// percentage band of mid, cumulative top-N depth, consecutive-level gap
// scanning, and the stabilizer's ask-sweep cost. Everything here is
// side-effect free and trivially unit-testable.
package market

import "gcb-engine/pkg/types"

// Mid returns (bestBid + bestAsk) / 2, or false when either side is empty.
func Mid(d *types.Depth) (float64, bool) {
	bid, okB := d.BestBid()
	ask, okA := d.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// SpreadPercent returns (bestAsk - bestBid) / mid * 100, or false when the
// book is one-sided or mid is zero.
func SpreadPercent(d *types.Depth) (float64, bool) {
	bid, okB := d.BestBid()
	ask, okA := d.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	mid := (bid.Price + ask.Price) / 2
	if mid <= 0 {
		return 0, false
	}
	return (ask.Price - bid.Price) / mid * 100, true
}

// DepthWithinPercent sums notional (price * qty) over the levels whose price
// lies within pct percent of mid. For bids that is [mid*(1-pct/100), mid];
// for asks [mid, mid*(1+pct/100)]. Levels must be sorted best-first, which
// is how types.Depth carries them.
func DepthWithinPercent(levels []types.PriceLevel, mid, pct float64, side types.Side) float64 {
	if mid <= 0 {
		return 0
	}
	lo, hi := mid*(1-pct/100), mid
	if side == types.SELL {
		lo, hi = mid, mid*(1+pct/100)
	}
	var total float64
	for _, lv := range levels {
		if lv.Price < lo || lv.Price > hi {
			break // sorted best-first, so the first out-of-band level ends the band
		}
		total += lv.Price * lv.Qty
	}
	return total
}

// TopNDepth sums notional over the first n levels.
func TopNDepth(levels []types.PriceLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	var total float64
	for _, lv := range levels[:n] {
		total += lv.Price * lv.Qty
	}
	return total
}

// MaxGapPercent returns the largest relative price gap between consecutive
// levels among the first n, as a percent of the nearer-to-mid price.
// Returns 0 when fewer than two levels exist.
func MaxGapPercent(levels []types.PriceLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	var maxGap float64
	for i := 1; i < n; i++ {
		prev := levels[i-1].Price
		if prev <= 0 {
			continue
		}
		gap := levels[i].Price - prev
		if gap < 0 {
			gap = -gap
		}
		if pct := gap / prev * 100; pct > maxGap {
			maxGap = pct
		}
	}
	return maxGap
}

// SweepCost returns the total quote cost of lifting every ask priced at or
// below target, inclusive. This is the stabilizer's budget: spending exactly
// this much at market clears the book up to the target price.
func SweepCost(asks []types.PriceLevel, target float64) float64 {
	var total float64
	for _, lv := range asks {
		if lv.Price > target {
			break
		}
		total += lv.Price * lv.Qty
	}
	return total
}

// GapAboveMarket returns how far bestAsk sits above the last trade price,
// as a percent of the last price. Zero or negative market yields 0.
func GapAboveMarket(bestAsk, market float64) float64 {
	if market <= 0 {
		return 0
	}
	return (bestAsk - market) / market * 100
}
