package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gcb-engine/internal/config"
	"gcb-engine/internal/exchange"
	"gcb-engine/internal/notify"
	"gcb-engine/internal/ringlog"
	"gcb-engine/internal/store"
	"gcb-engine/internal/strategy"
	"gcb-engine/pkg/types"
)

// stubStrategy counts executions and optionally blocks on gate so tests can
// hold a bot in flight.
type stubStrategy struct {
	kind types.BotKind
	runs atomic.Int64
	gate chan struct{} // nil means return immediately
	do   func(bot *types.Bot) error
}

func (s *stubStrategy) Kind() types.BotKind { return s.kind }

func (s *stubStrategy) DefaultInterval() time.Duration { return time.Minute }

func (s *stubStrategy) RunOnce(ctx context.Context, bot *types.Bot, deps strategy.Deps) error {
	s.runs.Add(1)
	if s.do != nil {
		return s.do(bot)
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// nilFactory satisfies exchange.Factory for strategies that never touch the
// client.
type nilFactory struct{}

func (nilFactory) ClientFor(*types.User) exchange.Client { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedUser(mem *store.Memory, id string, enabled bool) {
	mem.PutUser(types.User{ID: id, APIKey: "k", APISecret: "s", BotEnabled: enabled})
}

func seedRunnerBot(mem *store.Memory, userID string) string {
	return mem.PutBot(types.Bot{
		UserID:      userID,
		Kind:        types.KindConditional,
		Symbol:      "GCBUSDT",
		IsActive:    true,
		IsRunning:   true,
		Conditional: &types.ConditionalState{},
	})
}

func newTestRunner(strat strategy.Strategy, mem *store.Memory, maxConcurrent int) *Runner {
	return NewRunner(strat, time.Minute, maxConcurrent, mem, nilFactory{},
		ringlog.New(50), notify.Noop{}, discardLogger())
}

func TestRunnerSkipsBotStillInFlight(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	seedUser(mem, "u1", true)
	seedRunnerBot(mem, "u1")

	strat := &stubStrategy{kind: types.KindConditional, gate: make(chan struct{})}
	r := newTestRunner(strat, mem, 4)

	ctx := context.Background()
	var wg sync.WaitGroup
	r.tick(ctx, &wg)

	// Wait for the execution to start, then tick again while it is held.
	deadline := time.After(2 * time.Second)
	for strat.runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first execution never started")
		case <-time.After(time.Millisecond):
		}
	}
	r.tick(ctx, &wg)
	r.tick(ctx, &wg)
	if got := strat.runs.Load(); got != 1 {
		t.Errorf("runs while in flight = %d, want 1", got)
	}

	close(strat.gate)
	wg.Wait()

	// Once released the bot is schedulable again.
	r.tick(ctx, &wg)
	wg.Wait()
	if got := strat.runs.Load(); got != 2 {
		t.Errorf("runs after release = %d, want 2", got)
	}
}

func TestRunnerSemaphoreBoundsConcurrency(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	seedUser(mem, "u1", true)
	for i := 0; i < 4; i++ {
		seedRunnerBot(mem, "u1")
	}

	var current, peak atomic.Int64
	gate := make(chan struct{})
	strat := &stubStrategy{kind: types.KindConditional}
	strat.do = func(*types.Bot) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-gate
		current.Add(-1)
		return nil
	}
	r := newTestRunner(strat, mem, 2)

	var wg sync.WaitGroup
	tickDone := make(chan struct{})
	go func() {
		// The tick itself blocks on the semaphore for the third bot until a
		// slot frees up.
		r.tick(context.Background(), &wg)
		close(tickDone)
	}()

	deadline := time.After(2 * time.Second)
	for current.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("two executions never started")
		case <-time.After(time.Millisecond):
		}
	}
	close(gate)
	<-tickDone
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", got)
	}
	if got := strat.runs.Load(); got != 4 {
		t.Errorf("runs = %d, want 4", got)
	}
}

func TestRunnerSkipsWhenOwnerCannotTrade(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	seedUser(mem, "disabled", false)
	seedRunnerBot(mem, "disabled")
	seedRunnerBot(mem, "missing-user")

	strat := &stubStrategy{kind: types.KindConditional}
	r := newTestRunner(strat, mem, 4)

	var wg sync.WaitGroup
	r.tick(context.Background(), &wg)
	wg.Wait()
	if got := strat.runs.Load(); got != 0 {
		t.Errorf("runs = %d, want 0 for untradeable owners", got)
	}
}

func TestRunnerRecoversFromPanic(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	seedUser(mem, "u1", true)
	seedRunnerBot(mem, "u1")

	strat := &stubStrategy{kind: types.KindConditional}
	strat.do = func(*types.Bot) error { panic("boom") }
	ring := ringlog.New(10)
	r := NewRunner(strat, time.Minute, 4, mem, nilFactory{}, ring, notify.Noop{}, discardLogger())

	var wg sync.WaitGroup
	r.tick(context.Background(), &wg)
	wg.Wait()

	entries := ring.Snapshot(0)
	if len(entries) != 1 || entries[0].Level != types.LogError {
		t.Fatalf("ring = %+v, want one error entry", entries)
	}

	// The in-flight guard must have been released despite the panic.
	r.tick(context.Background(), &wg)
	wg.Wait()
	if got := strat.runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2 (bot schedulable after panic)", got)
	}
}

func TestRunnerTouchesLastChecked(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	seedUser(mem, "u1", true)
	id := seedRunnerBot(mem, "u1")

	strat := &stubStrategy{kind: types.KindConditional}
	r := newTestRunner(strat, mem, 4)

	var wg sync.WaitGroup
	r.tick(context.Background(), &wg)
	wg.Wait()

	got, err := mem.GetBot(context.Background(), types.KindConditional, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastCheckedAt.IsZero() {
		t.Error("lastCheckedAt not touched after run")
	}
}

func TestRunnerStatus(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	seedUser(mem, "u1", true)
	seedRunnerBot(mem, "u1")

	strat := &stubStrategy{kind: types.KindConditional}
	r := newTestRunner(strat, mem, 4)

	var wg sync.WaitGroup
	r.tick(context.Background(), &wg)
	wg.Wait()

	st := r.Status()
	if st.Kind != types.KindConditional {
		t.Errorf("kind = %s", st.Kind)
	}
	if st.ActiveBots != 1 {
		t.Errorf("activeBots = %d, want 1", st.ActiveBots)
	}
	if st.LastTickAt.IsZero() {
		t.Error("lastTickAt not recorded")
	}
	if st.InFlight != 0 {
		t.Errorf("inFlight = %d, want 0 after wg.Wait", st.InFlight)
	}
}

// tickerOnlyClient answers ticker queries and nothing else.
type tickerOnlyClient struct {
	exchange.Client
	last  float64
	calls atomic.Int64
}

func (c *tickerOnlyClient) Ticker(ctx context.Context, symbol string) (*types.Ticker, error) {
	c.calls.Add(1)
	return &types.Ticker{Symbol: symbol, Last: c.last}, nil
}

type stubFactory struct{ client exchange.Client }

func (f stubFactory) ClientFor(*types.User) exchange.Client { return f.client }

func TestRunnerStatusCarriesMarketSnapshot(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	seedUser(mem, "u1", true)
	seedRunnerBot(mem, "u1")

	client := &tickerOnlyClient{last: 1.23}
	strat := &stubStrategy{kind: types.KindConditional}
	r := NewRunner(strat, time.Minute, 4, mem, stubFactory{client},
		ringlog.New(50), notify.Noop{}, discardLogger())

	var wg sync.WaitGroup
	r.tick(context.Background(), &wg)
	wg.Wait()

	st := r.Status()
	snap, ok := st.MarketData["GCBUSDT"]
	if !ok {
		t.Fatalf("marketData = %+v, want a GCBUSDT snapshot", st.MarketData)
	}
	if snap.LastPrice != 1.23 {
		t.Errorf("lastPrice = %v, want 1.23", snap.LastPrice)
	}
	if snap.At.IsZero() {
		t.Error("observation time not recorded")
	}

	// A fresh snapshot is not re-fetched within the interval.
	r.tick(context.Background(), &wg)
	wg.Wait()
	if got := client.calls.Load(); got != 1 {
		t.Errorf("ticker calls = %d, want 1", got)
	}
}

func TestEngineStartStop(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	cfg := config.Config{}
	cfg.Engine.StopGrace = 2 * time.Second

	eng := New(cfg, mem, nilFactory{}, notify.Noop{}, discardLogger())
	eng.Start()

	status := eng.Status()
	if len(status) != len(types.Kinds()) {
		t.Errorf("runners = %d, want one per kind (%d)", len(status), len(types.Kinds()))
	}

	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not complete")
	}
}

func TestEngineLogsPerKind(t *testing.T) {
	t.Parallel()
	eng := New(config.Config{}, store.NewMemory(), nilFactory{}, notify.Noop{}, discardLogger())
	eng.rings.For(types.KindLiquidity).Push(ringlog.Entry{Message: "maintained"})

	got := eng.Logs(types.KindLiquidity, 10)
	if len(got) != 1 || got[0].Message != "maintained" {
		t.Errorf("Logs = %+v, want the pushed entry", got)
	}
	if len(eng.Logs(types.KindConditional, 10)) != 0 {
		t.Error("logs leaked across kinds")
	}
}
