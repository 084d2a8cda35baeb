// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration of the control surface.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "botrelay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RelaysRunning tracks relays currently registered with the supervisor.
	RelaysRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "botrelay_relays_running",
			Help: "Number of running bot relays",
		},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botrelay_messages_total",
			Help: "Total messages persisted",
		},
		[]string{"direction", "source"},
	)

	// AutoRepliesTotal tracks auto-replies by personality and outcome.
	AutoRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botrelay_auto_replies_total",
			Help: "Total auto-replies produced",
		},
		[]string{"personality", "outcome"},
	)

	// TransportFailures tracks failed platform calls.
	TransportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botrelay_transport_failures_total",
			Help: "Failed calls to the chat platform",
		},
		[]string{"op"},
	)

	// PersistenceFailures tracks failed store operations inside relays.
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "botrelay_persistence_failures_total",
			Help: "Failed store operations while relaying events",
		},
		[]string{"op"},
	)

	// ShutdownTimeouts tracks relays that had to be force-stopped.
	ShutdownTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "botrelay_shutdown_timeouts_total",
			Help: "Relays that did not stop within the grace period",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
}
