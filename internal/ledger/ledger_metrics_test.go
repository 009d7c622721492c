package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := epochRegressions.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func sampleCount(t *testing.T, backend, op string) uint64 {
	t.Helper()
	obs, err := storeLatency.GetMetricWithLabelValues(backend, op)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	m := &dto.Metric{}
	if err := obs.(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestEpochRegression_IncrementsCounter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Upsert(ctx, NewAccount(alice, 10, time.Now())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	before := counterValue(t)
	if err := store.Upsert(ctx, NewAccount(alice, 9, time.Now())); !errors.Is(err, ErrEpochRegression) {
		t.Fatalf("expected ErrEpochRegression, got %v", err)
	}
	if got := counterValue(t); got != before+1 {
		t.Errorf("epoch_regressions_total = %v, want %v", got, before+1)
	}

	// A same-epoch write is not a regression.
	if err := store.Upsert(ctx, NewAccount(alice, 10, time.Now())); err != nil {
		t.Fatalf("same-epoch Upsert: %v", err)
	}
	if got := counterValue(t); got != before+1 {
		t.Errorf("counter moved on a valid write: %v", got)
	}
}

func TestStoreLatency_ObservesApply(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	before := sampleCount(t, "memory", "apply")
	if err := store.Apply(ctx, nil, NewAccount(alice, 0, time.Now()), settlementFor("stl_m1", alice, 0, 0, 0, 0, 0)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// Rejected writes are timed as well.
	if err := store.Apply(ctx, nil, NewAccount(alice, 0, time.Now()), settlementFor("stl_m2", alice, 0, 0, 0, 0, 0)); !errors.Is(err, ErrStaleAccount) {
		t.Fatalf("expected ErrStaleAccount, got %v", err)
	}

	if got := sampleCount(t, "memory", "apply"); got != before+2 {
		t.Errorf("store_seconds{backend=memory,op=apply} samples = %d, want %d", got, before+2)
	}
}
