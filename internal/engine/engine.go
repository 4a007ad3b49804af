// Package engine orchestrates the bot execution scheduler.
//
// One Runner per bot kind polls its {kind}_bots collection on a fixed
// cadence and dispatches strategy executions per bot, bounded by a
// semaphore and an in-flight guard. The Engine owns the runners' lifecycle:
//
//	New() → Start() → [runs until SIGINT] → Stop()
//
// Stop is two-phase: runners stop scheduling new ticks immediately, then
// in-flight executions get a grace period to finish before the shared
// context is cancelled out from under them.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gcb-engine/internal/config"
	"gcb-engine/internal/exchange"
	"gcb-engine/internal/notify"
	"gcb-engine/internal/ringlog"
	"gcb-engine/internal/store"
	"gcb-engine/internal/strategy"
	"gcb-engine/pkg/types"
)

const defaultStopGrace = 5 * time.Second

// Engine owns one runner per bot kind and their shared lifecycle.
type Engine struct {
	cfg      config.Config
	store    store.Store
	factory  exchange.Factory
	rings    *ringlog.Set
	notifier notify.Notifier
	runners  []*Runner
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New wires a runner for every strategy kind.
func New(cfg config.Config, st store.Store, factory exchange.Factory,
	notifier notify.Notifier, logger *slog.Logger) *Engine {

	rings := ringlog.NewSet(cfg.Engine.RingCapacity)
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		store:    st,
		factory:  factory,
		rings:    rings,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
	for _, strat := range strategy.All() {
		e.runners = append(e.runners, NewRunner(
			strat,
			cfg.Engine.Interval(strat.Kind()),
			cfg.Engine.MaxConcurrent,
			st,
			factory,
			rings.For(strat.Kind()),
			notifier,
			logger,
		))
	}
	return e
}

// Start launches every runner.
func (e *Engine) Start() {
	for _, r := range e.runners {
		r := r
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			r.Run(e.ctx, e.quit, &e.wg)
		}()
	}
	e.logger.Info("engine started", "runners", len(e.runners))
}

// Stop shuts the engine down: scheduling stops immediately, in-flight bot
// executions get the configured grace to finish, then the shared context
// is cancelled as a safety net and the remaining goroutines are joined.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	close(e.quit)

	grace := e.cfg.Engine.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("grace period expired, cancelling in-flight executions")
		e.cancel()
		<-done
	}
	e.cancel()

	if err := e.store.Close(context.Background()); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// Status reports every runner's scheduling state.
func (e *Engine) Status() []RunnerStatus {
	out := make([]RunnerStatus, 0, len(e.runners))
	for _, r := range e.runners {
		out = append(out, r.Status())
	}
	return out
}

// Logs returns up to limit recent activity entries for one kind, newest
// first.
func (e *Engine) Logs(kind types.BotKind, limit int) []ringlog.Entry {
	ring := e.rings.For(kind)
	if ring == nil {
		return nil
	}
	return ring.Snapshot(limit)
}
