package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "epochstake",
		Subsystem: "ledger",
		Name:      "store_seconds",
		Help:      "Ledger store call latency by backend and operation.",
		Buckets:   []float64{0.0001, 0.0005, 0.002, 0.01, 0.05, 0.25, 1},
	}, []string{"backend", "op"})

	epochRegressions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epochstake",
		Subsystem: "ledger",
		Name:      "epoch_regressions_total",
		Help:      "Writes rejected because they would move last_settled_epoch backwards.",
	})
)

func init() {
	prometheus.MustRegister(storeLatency, epochRegressions)
}

// timed starts a latency observation; call the result when the op returns.
func timed(backend, op string) func() {
	start := time.Now()
	return func() {
		storeLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}
}
