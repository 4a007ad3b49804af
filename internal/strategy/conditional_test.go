package strategy

import (
	"context"
	"testing"
	"time"

	"gcb-engine/internal/store"
	"gcb-engine/pkg/types"
)

func conditionalBot(st types.ConditionalState) types.Bot {
	return types.Bot{
		UserID:      "u1",
		Kind:        types.KindConditional,
		Symbol:      "GCBUSDT",
		Conditional: &st,
	}
}

func TestConditionalTriggersAboveAndCoolsDown(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	client := &fakeClient{ticker: types.Ticker{Last: 1.25}}
	deps := testDeps(client, mem)

	bot := seedBot(mem, conditionalBot(types.ConditionalState{
		ConditionField:    types.FieldGCBPrice,
		ConditionOperator: types.OpAbove,
		ConditionValue:    1.0,
		ActionType:        types.ActionMarketBuy,
		ActionField:       types.FieldUSDTValue,
		ActionValue:       50,
	}))

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewConditional()
	s.now = func() time.Time { return now }

	if err := s.RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	placed := client.placements()
	if len(placed) != 1 {
		t.Fatalf("placements = %d, want 1", len(placed))
	}
	if placed[0].typ != types.OrderTypeMarket || placed[0].side != types.BUY || placed[0].qty != 50 {
		t.Errorf("unexpected placement %+v", placed[0])
	}

	got, err := mem.GetBot(context.Background(), bot.Kind, bot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Conditional.TriggerCount != 1 {
		t.Errorf("triggerCount = %d, want 1", got.Conditional.TriggerCount)
	}
	if got.Conditional.LastTriggered.IsZero() {
		t.Error("lastTriggered not set")
	}

	// Second run 10s later sits inside the default 60s cooldown.
	s.now = func() time.Time { return now.Add(10 * time.Second) }
	if err := s.RunOnce(context.Background(), got, deps); err != nil {
		t.Fatalf("RunOnce (cooldown): %v", err)
	}
	if len(client.placements()) != 1 {
		t.Errorf("placements after cooldown run = %d, want still 1", len(client.placements()))
	}

	// Past the cooldown the condition fires again.
	s.now = func() time.Time { return now.Add(61 * time.Second) }
	if err := s.RunOnce(context.Background(), got, deps); err != nil {
		t.Fatalf("RunOnce (after cooldown): %v", err)
	}
	if len(client.placements()) != 2 {
		t.Errorf("placements after cooldown expiry = %d, want 2", len(client.placements()))
	}
}

func TestConditionalNotMetPlacesNothing(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	client := &fakeClient{ticker: types.Ticker{Last: 0.9}}
	deps := testDeps(client, mem)

	bot := seedBot(mem, conditionalBot(types.ConditionalState{
		ConditionOperator: types.OpAbove,
		ConditionValue:    1.0,
		ActionType:        types.ActionMarketBuy,
		ActionField:       types.FieldUSDTValue,
		ActionValue:       50,
	}))

	if err := NewConditional().RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(client.placements()) != 0 {
		t.Errorf("placements = %d, want 0", len(client.placements()))
	}
	if len(mem.TradesFor(bot.ID)) != 0 {
		t.Errorf("trades recorded for unmet condition")
	}
}

func TestConditionMet(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		op       string
		observed float64
		value    float64
		want     bool
	}{
		{"above true", types.OpAbove, 1.01, 1.0, true},
		{"above false at equality", types.OpAbove, 1.0, 1.0, false},
		{"below true", types.OpBelow, 0.99, 1.0, true},
		{"equal within 0.1%", types.OpEqual, 1.0009, 1.0, true},
		{"equal outside 0.1%", types.OpEqual, 1.002, 1.0, false},
		{"equal zero value absolute band", types.OpEqual, 0.00005, 0, true},
		{"equal zero value outside band", types.OpEqual, 0.001, 0, false},
		{"not equal", types.OpNotEqual, 1.05, 1.0, true},
		{"not equal within band", types.OpNotEqual, 1.0005, 1.0, false},
		{"unknown operator", "SIDEWAYS", 1.0, 1.0, false},
	}
	for _, tc := range cases {
		if got := conditionMet(tc.op, tc.observed, tc.value); got != tc.want {
			t.Errorf("%s: conditionMet(%s, %v, %v) = %v, want %v",
				tc.name, tc.op, tc.observed, tc.value, got, tc.want)
		}
	}
}

func TestConditionalLimitSellFromUSDTValue(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	client := &fakeClient{ticker: types.Ticker{Last: 2.5}}
	deps := testDeps(client, mem)

	bot := seedBot(mem, conditionalBot(types.ConditionalState{
		ConditionOperator: types.OpAbove,
		ConditionValue:    2.0,
		ActionType:        types.ActionLimitSell,
		ActionField:       types.FieldUSDTValue,
		ActionValue:       100,
		LimitPrice:        2.0,
	}))

	if err := NewConditional().RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	placed := client.placements()
	if len(placed) != 1 {
		t.Fatalf("placements = %d, want 1", len(placed))
	}
	// 100 USDT converted at the 2.5 market price is 40 base units.
	if placed[0].side != types.SELL || placed[0].price != 2.0 || placed[0].qty != 40 {
		t.Errorf("unexpected placement %+v", placed[0])
	}
}

func TestConditionalCooldownReadsFreshDocument(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	client := &fakeClient{ticker: types.Ticker{Last: 1.25}}
	deps := testDeps(client, mem)

	bot := seedBot(mem, conditionalBot(types.ConditionalState{
		ConditionOperator: types.OpAbove,
		ConditionValue:    1.0,
		ActionType:        types.ActionMarketBuy,
		ActionField:       types.FieldUSDTValue,
		ActionValue:       50,
	}))

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := NewConditional()
	s.now = func() time.Time { return now }
	if err := s.RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(client.placements()) != 1 {
		t.Fatalf("placements = %d, want 1", len(client.placements()))
	}

	// A second run 10s later holding the list-time document (lastTriggered
	// still zero) must see the persisted trigger and stay cool.
	s.now = func() time.Time { return now.Add(10 * time.Second) }
	if err := s.RunOnce(context.Background(), bot, deps); err != nil {
		t.Fatalf("RunOnce (stale copy): %v", err)
	}
	if len(client.placements()) != 1 {
		t.Errorf("placements with stale document = %d, want still 1", len(client.placements()))
	}
}
