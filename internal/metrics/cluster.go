package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClusterMetrics holds metrics related to commands issued against the mongos
// router: config metadata reads, dataSize measurements and mergeChunks calls.
type ClusterMetrics struct {
	// LatencyHistogram tracks command latencies broken down by operation type and status.
	// Labels: operation (chunk_scan, range_size, merge, estimate_write, setting_read),
	// status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total commands by operation type and status.
	RequestsTotal *prometheus.CounterVec

	// MergeConflictsTotal tracks mergeChunks calls rejected with LockBusy.
	// Conflicts are tolerated and retried on a later candidate, so they are
	// counted separately from hard failures.
	MergeConflictsTotal prometheus.Counter
}

// Cluster operation type label values.
const (
	OpChunkScan     = "chunk_scan"
	OpRangeSize     = "range_size"
	OpMerge         = "merge"
	OpEstimateWrite = "estimate_write"
	OpSettingRead   = "setting_read"
)

// StatusSuccess is the label value for commands that succeeded.
const StatusSuccess = "success"

// StatusFailure is the label value for commands that failed.
const StatusFailure = "failure"

// DefaultClusterLatencyBuckets are latency buckets for mongos commands.
// The range is wide because dataSize scans entire chunk ranges and can run
// for minutes on large candidates, while metadata reads return in
// milliseconds.
var DefaultClusterLatencyBuckets = []float64{
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
	120.0, // 2m
	300.0, // 5m
}

// NewClusterMetrics creates and registers cluster metrics.
// Uses promauto for automatic registration with the default registry.
func NewClusterMetrics() *ClusterMetrics {
	return &ClusterMetrics{
		LatencyHistogram: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chunkd",
				Subsystem: "cluster",
				Name:      "operation_latency_seconds",
				Help:      "Latency of commands against the mongos router in seconds, broken down by operation type and status.",
				Buckets:   DefaultClusterLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chunkd",
				Subsystem: "cluster",
				Name:      "operations_total",
				Help:      "Total number of commands against the mongos router, broken down by operation type and status.",
			},
			[]string{"operation", "status"},
		),
		MergeConflictsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chunkd",
				Subsystem: "cluster",
				Name:      "merge_conflicts_total",
				Help:      "Total number of mergeChunks calls rejected with a LockBusy error.",
			},
		),
	}
}

// NewClusterMetricsWithRegistry creates cluster metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewClusterMetricsWithRegistry(reg prometheus.Registerer) *ClusterMetrics {
	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chunkd",
			Subsystem: "cluster",
			Name:      "operation_latency_seconds",
			Help:      "Latency of commands against the mongos router in seconds, broken down by operation type and status.",
			Buckets:   DefaultClusterLatencyBuckets,
		},
		[]string{"operation", "status"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkd",
			Subsystem: "cluster",
			Name:      "operations_total",
			Help:      "Total number of commands against the mongos router, broken down by operation type and status.",
		},
		[]string{"operation", "status"},
	)

	mergeConflicts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chunkd",
			Subsystem: "cluster",
			Name:      "merge_conflicts_total",
			Help:      "Total number of mergeChunks calls rejected with a LockBusy error.",
		},
	)

	reg.MustRegister(latencyHist)
	reg.MustRegister(requestsTotal)
	reg.MustRegister(mergeConflicts)

	return &ClusterMetrics{
		LatencyHistogram:    latencyHist,
		RequestsTotal:       requestsTotal,
		MergeConflictsTotal: mergeConflicts,
	}
}

// RecordOperation records a command latency and increments the request counter.
// operation should be one of OpChunkScan, OpRangeSize, OpMerge,
// OpEstimateWrite, OpSettingRead. success indicates whether the command
// succeeded.
func (m *ClusterMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordChunkScan records a config.chunks scan.
func (m *ClusterMetrics) RecordChunkScan(durationSeconds float64, success bool) {
	m.RecordOperation(OpChunkScan, durationSeconds, success)
}

// RecordRangeSize records a dataSize measurement.
func (m *ClusterMetrics) RecordRangeSize(durationSeconds float64, success bool) {
	m.RecordOperation(OpRangeSize, durationSeconds, success)
}

// RecordMerge records a mergeChunks call.
func (m *ClusterMetrics) RecordMerge(durationSeconds float64, success bool) {
	m.RecordOperation(OpMerge, durationSeconds, success)
}

// RecordMergeConflict increments the LockBusy conflict counter.
func (m *ClusterMetrics) RecordMergeConflict() {
	m.MergeConflictsTotal.Inc()
}

// RecordEstimateWrite records a chunk size estimate persistence write.
func (m *ClusterMetrics) RecordEstimateWrite(durationSeconds float64, success bool) {
	m.RecordOperation(OpEstimateWrite, durationSeconds, success)
}

// RecordSettingRead records a config.settings document read.
func (m *ClusterMetrics) RecordSettingRead(durationSeconds float64, success bool) {
	m.RecordOperation(OpSettingRead, durationSeconds, success)
}
