// Package report exposes supervisor state to operators: Prometheus
// counters over HTTP and a textfile snapshot for node_exporter pickup.
package report

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the supervisor's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	WorkerRuns     *prometheus.CounterVec
	Restarts       prometheus.Counter
	UpdatesApplied prometheus.Counter
	UpdateFailures *prometheus.CounterVec
	Notifications  *prometheus.CounterVec
	RestartDelay   prometheus.Gauge
}

// NewMetrics creates and registers the supervisor metrics on a fresh
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		WorkerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_worker_runs_total",
			Help: "Worker runs by exit classification",
		}, []string{"outcome"}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_restarts_total",
			Help: "Restart attempts performed by the supervisor",
		}),
		UpdatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_updates_applied_total",
			Help: "Self-updates that reached the verified remote revision",
		}),
		UpdateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_update_failures_total",
			Help: "Abandoned update attempts by stage",
		}, []string{"stage"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_notifications_total",
			Help: "Operator notifications by delivery result",
		}, []string{"result"}),
		RestartDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_restart_delay_seconds",
			Help: "Current backoff delay before the next restart",
		}),
	}

	registry.MustRegister(
		m.WorkerRuns,
		m.Restarts,
		m.UpdatesApplied,
		m.UpdateFailures,
		m.Notifications,
		m.RestartDelay,
	)

	return m
}

// Registry exposes the underlying registry for serving and export.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
