package staking

import "github.com/prometheus/client_golang/prometheus"

var (
	depositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epochstake",
			Name:      "deposits_total",
			Help:      "Total deposit calls by result code.",
		},
		[]string{"result"},
	)

	depositDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "epochstake",
		Name:      "deposit_duration_seconds",
		Help:      "Deposit settlement latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	rewardPaidTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epochstake",
		Name:      "reward_paid_total",
		Help:      "Total reward paid by settlements in token base units.",
	})

	elapsedEpochs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "epochstake",
		Name:      "settlement_elapsed_epochs",
		Help:      "Epochs covered by each settlement.",
		Buckets:   []float64{0, 1, 2, 5, 10, 30, 100, 1000, 10000},
	})
)

func init() {
	prometheus.MustRegister(depositsTotal, depositDuration, rewardPaidTotal, elapsedEpochs)
}
