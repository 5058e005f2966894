package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ObjectStoreMetrics holds metrics related to report uploads to the object
// store.
type ObjectStoreMetrics struct {
	// LatencyHistogram tracks upload latencies broken down by operation and status.
	// Labels: operation (put), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total object store operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	// BytesWrittenTotal tracks total bytes uploaded.
	BytesWrittenTotal prometheus.Counter
}

// OpObjPut is the operation label value for uploads.
const OpObjPut = "put"

// DefaultObjectStoreLatencyBuckets are latency buckets for object store
// operations. Report uploads are small but go over the network, so the range
// runs from single milliseconds to tens of seconds.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
	30.0,  // 30s
	60.0,  // 1m
}

// NewObjectStoreMetrics creates and registers object store metrics.
// Uses promauto for automatic registration with the default registry.
func NewObjectStoreMetrics() *ObjectStoreMetrics {
	return &ObjectStoreMetrics{
		LatencyHistogram: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chunkd",
				Subsystem: "objectstore",
				Name:      "operation_latency_seconds",
				Help:      "Object store operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultObjectStoreLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chunkd",
				Subsystem: "objectstore",
				Name:      "operations_total",
				Help:      "Total number of object store operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
		BytesWrittenTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chunkd",
				Subsystem: "objectstore",
				Name:      "bytes_written_total",
				Help:      "Total bytes uploaded to the object store.",
			},
		),
	}
}

// NewObjectStoreMetricsWithRegistry creates object store metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chunkd",
			Subsystem: "objectstore",
			Name:      "operation_latency_seconds",
			Help:      "Object store operation latency in seconds, broken down by operation and status.",
			Buckets:   DefaultObjectStoreLatencyBuckets,
		},
		[]string{"operation", "status"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkd",
			Subsystem: "objectstore",
			Name:      "operations_total",
			Help:      "Total number of object store operations, broken down by operation and status.",
		},
		[]string{"operation", "status"},
	)

	bytesWritten := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chunkd",
			Subsystem: "objectstore",
			Name:      "bytes_written_total",
			Help:      "Total bytes uploaded to the object store.",
		},
	)

	reg.MustRegister(latencyHist)
	reg.MustRegister(requestsTotal)
	reg.MustRegister(bytesWritten)

	return &ObjectStoreMetrics{
		LatencyHistogram:  latencyHist,
		RequestsTotal:     requestsTotal,
		BytesWrittenTotal: bytesWritten,
	}
}

// RecordPut records an upload latency, outcome and byte count.
func (m *ObjectStoreMetrics) RecordPut(durationSeconds float64, success bool, bytes int64) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(OpObjPut, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(OpObjPut, status).Inc()
	if success && bytes > 0 {
		m.BytesWrittenTotal.Add(float64(bytes))
	}
}
