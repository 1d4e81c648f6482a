// Package metrics exposes the engine's Prometheus instrumentation,
// grounded on the teacher's internal/metrics/metrics.go: package-level
// vars built with promauto, one per concern, scraped over
// promhttp.Handler. Narrowed from the teacher's log-capture label set
// (source_type, sink_type, container, ...) to the dataflow engine's own
// dimensions (step, worker, kind).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsProcessedTotal counts records a step has emitted downstream.
	RecordsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_records_processed_total",
			Help: "Total number of records processed by a step",
		},
		[]string{"step", "kind"},
	)

	// ErrorsTotal counts fatal and non-fatal errors by component and kind.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_errors_total",
			Help: "Total number of errors encountered",
		},
		[]string{"component", "error_type"},
	)

	// EpochsClosedTotal counts epoch boundaries a worker has closed.
	EpochsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_epochs_closed_total",
			Help: "Total number of epochs closed by a worker",
		},
		[]string{"worker"},
	)

	// CurrentFrontier tracks the cluster frontier a worker last observed.
	CurrentFrontier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowmesh_frontier_epoch",
			Help: "Most recently observed cluster frontier epoch",
		},
		[]string{"worker"},
	)

	// StateCellsGauge tracks live (non-tombstoned) keyed state cells.
	StateCellsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowmesh_state_cells",
			Help: "Current number of live keyed state cells held by a step",
		},
		[]string{"step"},
	)

	// SnapshotDuration times how long a recovery-log append takes.
	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowmesh_snapshot_duration_seconds",
			Help:    "Time spent persisting a snapshot to the recovery log",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	// KafkaMessagesProducedTotal counts messages handed to the Kafka
	// producer by topic and outcome.
	KafkaMessagesProducedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_kafka_messages_produced_total",
			Help: "Total number of messages produced to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumedTotal counts messages pulled off a Kafka
	// partition consumer.
	KafkaMessagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_kafka_messages_consumed_total",
			Help: "Total number of messages consumed from Kafka",
		},
		[]string{"topic", "partition"},
	)

	// KafkaCircuitBreakerState reports a Kafka connector's breaker state
	// (0=closed, 1=half-open, 2=open).
	KafkaCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowmesh_kafka_circuit_breaker_state",
			Help: "Kafka connector circuit breaker state",
		},
		[]string{"role"},
	)

	// SinkQueueUtilization tracks a connector sink's internal queue
	// utilization, 0.0 to 1.0.
	SinkQueueUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowmesh_sink_queue_utilization",
			Help: "Connector sink internal queue utilization",
		},
		[]string{"sink"},
	)

	// HTTPRequestDuration times the control-plane API's own endpoints.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowmesh_http_request_duration_seconds",
			Help:    "Control-plane HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// TransportBackpressureTotal counts admission-control rejections by
	// destination worker.
	TransportBackpressureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowmesh_transport_backpressure_total",
			Help: "Total number of transport sends delayed or rejected by backpressure",
		},
		[]string{"destination"},
	)
)

// Handler returns the HTTP handler serving the default Prometheus
// registry, mounted by internal/app under /metrics.
func Handler() http.Handler { return promhttp.Handler() }

// RecordError is a convenience wrapper mirroring the teacher's
// metrics.RecordError helper.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
