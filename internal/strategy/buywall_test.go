package strategy

import (
	"context"
	"math"
	"testing"

	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

func buyWallBot(levels []types.BuyWallLevel) types.Bot {
	return types.Bot{
		UserID: "u1",
		Kind:   types.KindBuyWall,
		Symbol: "GCBUSDT",
		BuyWall: &types.BuyWallState{
			TargetPrice: 1.0,
			BuyOrders:   levels,
		},
	}
}

var wallLevels = []types.BuyWallLevel{
	{Price: 0.95, USDTAmount: 95},  // 100 base units
	{Price: 0.90, USDTAmount: 180}, // 200 base units
}

func TestBuyWallInitialPlacementOnce(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	client := &fakeClient{}
	deps := testDeps(client, mem)
	bot := seedBot(mem, buyWallBot(wallLevels))

	s := NewBuyWall()
	s.sleep = noSleep
	if err := s.RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	placed := client.placements()
	if len(placed) != 2 {
		t.Fatalf("placements = %d, want 2", len(placed))
	}
	if math.Abs(placed[0].qty-100) > 1e-9 || math.Abs(placed[1].qty-200) > 1e-9 {
		t.Errorf("rung quantities = %v / %v, want 100 / 200", placed[0].qty, placed[1].qty)
	}

	got, _ := mem.GetBot(context.Background(), bot.Kind, bot.ID)
	if !got.BuyWall.OrdersPlaced {
		t.Error("ordersPlaced not set")
	}
	if len(got.BuyWall.PlacedOrders) != 2 {
		t.Errorf("placedOrders = %d, want 2", len(got.BuyWall.PlacedOrders))
	}
	for _, trade := range mem.TradesFor(bot.ID) {
		if trade.Action != types.ActionInitialPlace {
			t.Errorf("trade action = %q, want INITIAL_PLACE", trade.Action)
		}
	}

	// A concurrent runner holding a stale document (ordersPlaced still
	// false) loses the compare-and-set and places nothing.
	stale := *bot
	staleState := *bot.BuyWall
	staleState.OrdersPlaced = false
	stale.BuyWall = &staleState
	if err := s.RunOnce(context.Background(), &stale, deps); err != nil {
		t.Fatalf("RunOnce (stale): %v", err)
	}
	if len(client.placements()) != 2 {
		t.Errorf("placements after stale run = %d, want still 2", len(client.placements()))
	}
}

func TestBuyWallHoldsWhileMarketAboveTarget(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	client := &fakeClient{ticker: types.Ticker{Last: 2.0}}
	deps := testDeps(client, mem)
	bot := seedBot(mem, buyWallBot(wallLevels))

	s := NewBuyWall()
	s.sleep = noSleep
	if err := s.RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(client.placements()) != 0 {
		t.Errorf("placements = %d, want 0 while market is above target", len(client.placements()))
	}
	got, _ := mem.GetBot(context.Background(), bot.Kind, bot.ID)
	if got.BuyWall.OrdersPlaced {
		t.Error("ordersPlaced consumed without placing the wall")
	}

	// Once the market drops to the target the same bot arms and places.
	client.mu.Lock()
	client.ticker.Last = 0.99
	client.mu.Unlock()
	if err := s.RunOnce(context.Background(), got, deps); err != nil {
		t.Fatalf("RunOnce (at target): %v", err)
	}
	if len(client.placements()) != len(wallLevels) {
		t.Errorf("placements = %d, want %d after the market reached target", len(client.placements()), len(wallLevels))
	}
}

func TestBuyWallRefillsConsumedRung(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	// Rung 0.95 still fully resting; rung 0.90 fully consumed.
	client := &fakeClient{
		open: []types.Order{
			{ID: "w1", Side: types.BUY, Price: 0.95, OrigQty: 100},
		},
	}
	deps := testDeps(client, mem)

	b := buyWallBot(wallLevels)
	b.BuyWall.OrdersPlaced = true
	b.BuyWall.PlacedOrders = []types.PlacedOrder{
		{Price: 0.95, USDTAmount: 95, OrderID: "w1", GCBQuantity: 100, Status: "open"},
		{Price: 0.90, USDTAmount: 180, OrderID: "w2", GCBQuantity: 200, Status: "open"},
	}
	bot := seedBot(mem, b)

	s := NewBuyWall()
	s.sleep = noSleep
	if err := s.RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	placed := client.placements()
	if len(placed) != 1 {
		t.Fatalf("placements = %d, want 1", len(placed))
	}
	if math.Abs(placed[0].price-0.90) > 1e-9 || math.Abs(placed[0].qty-200) > 1e-9 {
		t.Errorf("refill = %+v, want 200 at 0.90", placed[0])
	}

	trades := mem.TradesFor(bot.ID)
	if len(trades) != 1 || trades[0].Action != types.ActionRefill {
		t.Fatalf("trades = %+v, want one REFILL", trades)
	}
	got, _ := mem.GetBot(context.Background(), bot.Kind, bot.ID)
	if got.BuyWall.TotalRefills != 1 {
		t.Errorf("totalRefills = %d, want 1", got.BuyWall.TotalRefills)
	}
}

func TestBuyWallTopsUpPartialFill(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	// Rung 0.95 resting with 40 of 100 filled; rung 0.90 untouched.
	client := &fakeClient{
		open: []types.Order{
			{ID: "w1", Side: types.BUY, Price: 0.95, OrigQty: 100, ExecutedQty: 40},
			{ID: "w2", Side: types.BUY, Price: 0.90, OrigQty: 200},
		},
	}
	deps := testDeps(client, mem)

	b := buyWallBot(wallLevels)
	b.BuyWall.OrdersPlaced = true
	bot := seedBot(mem, b)

	s := NewBuyWall()
	s.sleep = noSleep
	if err := s.RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	placed := client.placements()
	if len(placed) != 1 {
		t.Fatalf("placements = %d, want 1", len(placed))
	}
	if math.Abs(placed[0].qty-40) > 1e-9 {
		t.Errorf("topup qty = %v, want 40", placed[0].qty)
	}
	trades := mem.TradesFor(bot.ID)
	if len(trades) != 1 || trades[0].Action != types.ActionTopupPartial {
		t.Fatalf("trades = %+v, want one TOPUP_PARTIAL", trades)
	}
}

func TestBuyWallFullWallIdle(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	client := &fakeClient{
		open: []types.Order{
			{ID: "w1", Side: types.BUY, Price: 0.95, OrigQty: 100},
			{ID: "w2", Side: types.BUY, Price: 0.90, OrigQty: 200},
		},
	}
	deps := testDeps(client, mem)

	b := buyWallBot(wallLevels)
	b.BuyWall.OrdersPlaced = true
	bot := seedBot(mem, b)

	s := NewBuyWall()
	s.sleep = noSleep
	if err := s.RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(client.placements()) != 0 {
		t.Errorf("placements = %d, want 0 for an intact wall", len(client.placements()))
	}
}
