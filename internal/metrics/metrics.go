package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the daemon
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// SyncRuns counts reconciliation passes by mode (forced/normal) and outcome (batch/fallback/skipped/error)
	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geofence_sync_runs_total", Help: "Reconciliation passes by mode and outcome."},
		[]string{"mode", "outcome"},
	)
	// Registrations counts per-geofence registration results
	Registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geofence_registrations_total", Help: "Geofence registration results."},
		[]string{"result"},
	)
	// PlatformErrors counts error events from the OS by code and class
	PlatformErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geofence_platform_errors_total", Help: "Platform error events by code and recovery class."},
		[]string{"code", "class"},
	)
	// Triggers counts observed transitions
	Triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geofence_triggers_total", Help: "Observed geofence transitions."},
		[]string{"event"},
	)

	// QueueDepth is the number of events waiting for delivery
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "event_queue_depth", Help: "Events waiting for delivery."})
	// QueueEvictions counts events dropped because the queue was full
	QueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{Name: "event_queue_evictions_total", Help: "Events evicted by the drop-oldest capacity policy."})
	// Deliveries counts delivery outcomes (acked/failed/unavailable)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "event_deliveries_total", Help: "Event deliveries by status."},
		[]string{"status"},
	)
	// DeliveryLatency tracks enqueue-to-ack latency in milliseconds
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "event_delivery_latency_ms", Help: "Enqueue to acknowledgement latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 30000}},
		[]string{"status"},
	)

	// RuntimeStarts counts callback runtime start attempts by result
	RuntimeStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callback_runtime_starts_total", Help: "Callback runtime start attempts by result."},
		[]string{"result"},
	)
	// RuntimeModeHints counts promote/demote requests from the runtime
	RuntimeModeHints = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callback_runtime_mode_hints_total", Help: "Execution mode hints sent by the callback runtime."},
		[]string{"mode"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(SyncRuns)
		Registry.MustRegister(Registrations)
		Registry.MustRegister(PlatformErrors)
		Registry.MustRegister(Triggers)
		Registry.MustRegister(QueueDepth)
		Registry.MustRegister(QueueEvictions)
		Registry.MustRegister(Deliveries)
		Registry.MustRegister(DeliveryLatency)
		Registry.MustRegister(RuntimeStarts)
		Registry.MustRegister(RuntimeModeHints)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
