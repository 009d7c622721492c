package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "epochstake",
		Subsystem: "reconciliation",
		Name:      "mismatches",
		Help:      "Number of failed conservation checks in last reconciliation run.",
	})

	reconcileOpenHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "epochstake",
		Subsystem: "reconciliation",
		Name:      "open_holds",
		Help:      "Number of open vault holds found in last reconciliation run.",
	})

	reconcileStaleHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "epochstake",
		Subsystem: "reconciliation",
		Name:      "stale_holds",
		Help:      "Number of vault holds open longer than the grace period.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "epochstake",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epochstake",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed to read state.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileOpenHolds,
		reconcileStaleHolds,
		reconcileDuration,
		reconcileErrors,
	)
}
