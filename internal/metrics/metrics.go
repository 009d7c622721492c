// Package metrics exposes HTTP, staking and database gauges to Prometheus.
package metrics

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "epochstake"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	// staking holds the point-in-time gauges set by Publish.
	staking = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "staking",
		Name:      "state",
		Help:      "Staking state sampled by the reporter, by field.",
	}, []string{"field"})

	lastPublish = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "staking",
		Name:      "last_sample_timestamp_seconds",
		Help:      "Unix time of the last staking state sample.",
	})
)

func init() {
	prometheus.MustRegister(httpRequests, httpLatency, staking, lastPublish)
}

// Snapshot is one reporter sample. Nil fields are left untouched.
type Snapshot struct {
	Epoch          *uint64
	VaultBalance   *float64
	VaultHeld      *float64
	Accounts       *int
	TotalPrincipal *float64
}

// Publish copies the set fields of s into the staking gauges.
func Publish(s Snapshot) {
	if s.Epoch != nil {
		staking.WithLabelValues("epoch").Set(float64(*s.Epoch))
	}
	if s.VaultBalance != nil {
		staking.WithLabelValues("vault_balance").Set(*s.VaultBalance)
	}
	if s.VaultHeld != nil {
		staking.WithLabelValues("vault_held").Set(*s.VaultHeld)
	}
	if s.Accounts != nil {
		staking.WithLabelValues("accounts").Set(float64(*s.Accounts))
	}
	if s.TotalPrincipal != nil {
		staking.WithLabelValues("total_principal").Set(*s.TotalPrincipal)
	}
	lastPublish.Set(float64(time.Now().Unix()))
}

// State returns the staking gauge for field, one of epoch, vault_balance,
// vault_held, accounts or total_principal.
func State(field string) prometheus.Gauge {
	return staking.WithLabelValues(field)
}

// RegisterDB exports db's pool statistics. The returned func unregisters them.
func RegisterDB(db *sql.DB, name string) (func(), error) {
	c := collectors.NewDBStatsCollector(db, name)
	if err := prometheus.Register(c); err != nil {
		return nil, err
	}
	return func() { prometheus.Unregister(c) }, nil
}

// Middleware records request counts and latency keyed by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpLatency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		httpRequests.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
