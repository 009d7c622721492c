package vault

import "github.com/prometheus/client_golang/prometheus"

var (
	vaultOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epochstake",
			Name:      "vault_operations_total",
			Help:      "Total vault operations by type.",
		},
		[]string{"type"},
	)

	vaultPaidTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "epochstake",
		Name:      "vault_paid_total",
		Help:      "Total reward paid out of the vault in token base units.",
	})
)

func init() {
	prometheus.MustRegister(vaultOpsTotal, vaultPaidTotal)
}
