package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the orchestrator surface.
type Metrics struct {
	// Webhook ingestion
	WebhooksTotal *prometheus.CounterVec

	// Pipeline cycles by entry point and outcome
	CyclesTotal   *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec

	// Heartbeat dispatch decisions
	HeartbeatTicksTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the Prometheus metrics.
//
// Registration happens once per process; repeated calls return the same
// instance, preventing duplicate-collector panics in tests.
//
// Metrics:
//   - devloop_webhooks_total{event, result} - Webhook deliveries by type and handling result
//   - devloop_cycles_total{pipeline, outcome} - Pipeline cycles by entry point
//   - devloop_cycle_duration_seconds{pipeline} - Histogram of cycle durations
//   - devloop_heartbeat_ticks_total{result} - Heartbeat ticks by outcome
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			WebhooksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devloop_webhooks_total",
					Help: "Total webhook deliveries received",
				},
				[]string{"event", "result"}, // result: accepted, ignored, rejected, invalid
			),

			CyclesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devloop_cycles_total",
					Help: "Total pipeline cycles by entry point",
				},
				[]string{"pipeline", "outcome"}, // pipeline: planner, enforcer, strategist, troubleshooter
			),

			CycleDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "devloop_cycle_duration_seconds",
					Help:    "Pipeline cycle duration in seconds",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
				},
				[]string{"pipeline"},
			),

			HeartbeatTicksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "devloop_heartbeat_ticks_total",
					Help: "Total heartbeat ticks",
				},
				[]string{"result"}, // ok, error
			),
		}
	})
	return globalMetrics
}
