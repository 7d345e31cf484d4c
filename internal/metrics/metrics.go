// Package metrics holds the prometheus collectors for tiplotd.
//
// All methods are safe on a nil *Metrics, which is how components run with
// metrics disabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tiplot"

// Metrics is the set of tiplot collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Receiver
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	receiveErrors       *prometheus.CounterVec // by stage: metadata, table, decode
	batchesReceived     prometheus.Counter
	bytesReceived       prometheus.Counter

	// Queue and ingest
	queueDepth      prometheus.Gauge
	batchesIngested prometheus.Counter
	rowsIngested    prometheus.Counter
	droppedColumns  *prometheus.CounterVec // by topic
	cycleDuration   prometheus.Histogram

	// Persistence
	persistDuration *prometheus.HistogramVec // by op: save, load
	persistErrors   *prometheus.CounterVec   // by op
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "connections_accepted_total",
			Help:      "Total producer connections accepted",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "connections_active",
			Help:      "Producer connections currently open",
		}),
		receiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "errors_total",
			Help:      "Receive errors by protocol stage",
		}, []string{"stage"}),
		batchesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "batches_total",
			Help:      "Record batches decoded and queued",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "table_bytes_total",
			Help:      "Table payload bytes read",
		}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Events waiting for the consumer",
		}),
		batchesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Record batches ingested into the store",
		}),
		rowsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_total",
			Help:      "Rows ingested into the store",
		}),
		droppedColumns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dropped_columns_total",
			Help:      "Columns dropped because their type has no coercion rule",
		}, []string{"topic"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one consumer cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "duration_seconds",
			Help:      "Save and load duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "errors_total",
			Help:      "Failed saves and loads",
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionsAccepted,
		m.connectionsActive,
		m.receiveErrors,
		m.batchesReceived,
		m.bytesReceived,
		m.queueDepth,
		m.batchesIngested,
		m.rowsIngested,
		m.droppedColumns,
		m.cycleDuration,
		m.persistDuration,
		m.persistErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// =============================================================================
// Receiver
// =============================================================================

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
	m.connectionsActive.Inc()
}

// ConnectionClosed records a finished connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// ReceiveError records a failure at stage ("metadata", "table", "decode").
func (m *Metrics) ReceiveError(stage string) {
	if m == nil {
		return
	}
	m.receiveErrors.WithLabelValues(stage).Inc()
}

// TableReceived records one table frame and the batches it decoded to.
func (m *Metrics) TableReceived(bytes, batches int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(bytes))
	m.batchesReceived.Add(float64(batches))
}

// =============================================================================
// Ingest
// =============================================================================

// QueueDepth sets the current queue depth.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// BatchIngested records one ingested batch.
func (m *Metrics) BatchIngested(topic string, rows, dropped int) {
	if m == nil {
		return
	}
	m.batchesIngested.Inc()
	m.rowsIngested.Add(float64(rows))
	if dropped > 0 {
		m.droppedColumns.WithLabelValues(topic).Add(float64(dropped))
	}
}

// CycleDone records the duration of one consumer cycle.
func (m *Metrics) CycleDone(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

// =============================================================================
// Persistence
// =============================================================================

// PersistDone records a save or load.
func (m *Metrics) PersistDone(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.persistDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.persistErrors.WithLabelValues(op).Inc()
	}
}
