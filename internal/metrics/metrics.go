// Package metrics holds the sidecar's Prometheus collectors.
//
// Collectors are registered on the Registerer passed to New, so tests use a
// fresh prometheus.NewRegistry and the sidecar process uses its own registry
// served on the optional metrics listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pear"

// Start outcomes.
const (
	StartOK    = "ok"
	StartBail  = "bail"
	StartError = "error"
)

// Metrics is safe for concurrent use.
type Metrics struct {
	// Clients is the number of connected RPC clients.
	Clients prometheus.Gauge

	// Apps is the number of running apps.
	Apps prometheus.Gauge

	// Starts counts start requests. Labels: result (ok, bail, error).
	Starts *prometheus.CounterVec

	// Coalesced counts start requests joined to an in-flight run.
	Coalesced prometheus.Counter

	// Ops counts streamed operations. Labels: op, status (success, failure).
	Ops *prometheus.CounterVec

	// Updates counts update notifications delivered to apps.
	// Labels: kind (platform, app).
	Updates *prometheus.CounterVec

	// StartDuration measures start latency up to the result.
	StartDuration prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "clients",
			Help:      "Connected RPC clients",
		}),
		Apps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "apps",
			Help:      "Running apps",
		}),
		Starts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "starts_total",
			Help:      "Start requests by result",
		}, []string{"result"}),
		Coalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "starts_coalesced_total",
			Help:      "Start requests joined to an in-flight run",
		}),
		Ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "total",
			Help:      "Streamed operations by op and final status",
		}, []string{"op", "status"}),
		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "updates_total",
			Help:      "Update notifications delivered to apps",
		}, []string{"kind"}),
		StartDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to result",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
