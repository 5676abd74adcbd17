// Package prometrics exposes Prometheus metrics for the SDK.
package prometrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ops *prometheus.CounterVec

	activeListeners prometheus.Gauge
)

func init() {
	ops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buntree_ops_total",
			Help: "Total bridge operations issued by the SDK",
		},
		[]string{"op", "status"},
	)
	activeListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buntree_active_listeners",
			Help: "Currently registered event listeners",
		},
	)
}

// IncOp increments the operation counter.
func IncOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ops.WithLabelValues(op, status).Inc()
}

// SetListeners records the current number of registered listeners.
func SetListeners(n int) {
	activeListeners.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
