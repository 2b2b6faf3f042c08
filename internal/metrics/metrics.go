// Package metrics содержит prometheus-метрики панелей и движка ключей.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PanelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpn_panel_requests_total",
		Help: "Panel API calls by panel type, operation and result kind",
	}, []string{"panel", "op", "result"})

	PanelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vpn_panel_request_seconds",
		Help:    "Panel API call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	}, []string{"panel", "op"})

	PanelLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpn_panel_logins_total",
		Help: "Panel re-authentications",
	}, []string{"panel"})

	EngineOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpn_engine_operations_total",
		Help: "Key lifecycle operations by result",
	}, []string{"op", "result"})

	ServerUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vpn_server_up",
		Help: "1 if the server panel answered the last ping",
	}, []string{"cluster", "server"})
)

// ObservePanel фиксирует результат и длительность одного вызова панели
func ObservePanel(panel, op, result string, started time.Time) {
	PanelRequests.WithLabelValues(panel, op, result).Inc()
	PanelLatency.WithLabelValues(panel, op).Observe(time.Since(started).Seconds())
}

// ObserveEngine фиксирует итог операции движка
func ObserveEngine(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	EngineOps.WithLabelValues(op, result).Inc()
}
