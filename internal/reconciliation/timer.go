package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs the checks on a fixed interval. It logs a CRITICAL line when
// the books go from healthy to mismatched, and an Info line when they
// recover, instead of repeating the alert every tick.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	failing  bool // last run found mismatches
	errCount int  // consecutive run errors
}

// NewTimer creates a timer. A non-positive interval uses five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Running reports whether Start is looping.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Kick requests a run ahead of the next tick. Kicks while one is pending
// are dropped.
func (t *Timer) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Start runs once immediately, then on every tick or Kick until ctx ends or
// Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
		case <-t.kick:
		}
	}
}

// Stop ends the loop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		t.errCount++
		t.logger.Warn("reconciliation run failed", "error", err, "consecutive", t.errCount)
		return
	}
	t.errCount = 0

	switch {
	case !report.Healthy && !t.failing:
		t.logger.Error("CRITICAL: reconciliation found mismatches", "mismatches", report.Mismatches)
	case report.Healthy && t.failing:
		t.logger.Info("reconciliation recovered")
	}
	t.failing = !report.Healthy
}
