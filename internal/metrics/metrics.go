// Package metrics defines the Prometheus instrumentation for the webhook
// receiver: event outcomes, queue depth, and processing duration/errors.
//
// Metrics are registered against an explicitly constructed *prometheus.Registry
// rather than the global default registry, so tests can build isolated
// registries per case instead of sharing global state across the test binary.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// processingDurationBuckets matches the distilled receiver's histogram
// buckets, carried forward unchanged.
var processingDurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30}

// Metrics holds the four counters/gauge/histogram the service emits, plus
// the registry they're attached to so a handler can be built from it.
type Metrics struct {
	Registry              *prometheus.Registry
	EventsTotal           *prometheus.CounterVec
	QueueDepth            prometheus.Gauge
	ProcessingDuration    prometheus.Histogram
	ProcessingErrorsTotal prometheus.Counter
}

// New constructs a Metrics bound to a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total webhook events received, partitioned by admission result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_queue_depth",
			Help: "Current number of events in the processing queue.",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_seconds",
			Help:    "Event processing duration in seconds.",
			Buckets: processingDurationBuckets,
		}),
		ProcessingErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_processing_errors_total",
			Help: "Total number of processing errors.",
		}),
	}

	registry.MustRegister(m.EventsTotal, m.QueueDepth, m.ProcessingDuration, m.ProcessingErrorsTotal)

	return m
}

// Admission result labels for EventsTotal.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
)
