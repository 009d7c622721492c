package staking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/epochstake/internal/ledger"
	"github.com/mbd888/epochstake/internal/metrics"
)

// Reporter periodically publishes ledger and vault totals as gauges.
type Reporter struct {
	engine   *Engine
	ledger   ledger.Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewReporter creates a new gauge reporter.
func NewReporter(engine *Engine, store ledger.Store, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reporter{
		engine:   engine,
		ledger:   store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Start begins the reporting loop. Call in a goroutine.
func (r *Reporter) Start(ctx context.Context) {
	r.safeReport(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReport(ctx)
		}
	}
}

// Stop signals the reporter to stop.
func (r *Reporter) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reporter) safeReport(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in staking reporter", "panic", fmt.Sprint(rec))
		}
	}()
	r.report(ctx)
}

func (r *Reporter) report(ctx context.Context) {
	var snap metrics.Snapshot
	defer func() { metrics.Publish(snap) }()

	if current, err := r.engine.CurrentEpoch(); err == nil {
		snap.Epoch = &current
	}

	if state, err := r.engine.VaultState(ctx); err != nil {
		r.logger.Warn("failed to read vault state", "error", err)
	} else {
		balance, held := state.Balance.Float64(), state.Held.Float64()
		snap.VaultBalance, snap.VaultHeld = &balance, &held
	}

	count, err := r.ledger.Count(ctx)
	if err != nil {
		r.logger.Warn("failed to count accounts", "error", err)
		return
	}
	snap.Accounts = &count

	total, err := r.ledger.TotalPrincipal(ctx)
	if err != nil {
		r.logger.Warn("failed to sum principal", "error", err)
		return
	}
	principal := total.Float64()
	snap.TotalPrincipal = &principal
}
