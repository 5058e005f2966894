package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefragMetrics holds metrics related to a defragmentation run: snapshot
// progress, merge outcomes, candidate shape and gate contention.
type DefragMetrics struct {
	// ChunksTotal tracks the number of chunks in the target collection
	// at snapshot time.
	ChunksTotal prometheus.Gauge

	// ChunksLoaded tracks chunks loaded while building the snapshot.
	ChunksLoaded prometheus.Counter

	// ChunksScanned tracks chunks consumed by shard workers.
	ChunksScanned prometheus.Counter

	// MergesTotal tracks merge attempts by outcome.
	// Labels: outcome (committed, planned, conflict, failed)
	MergesTotal *prometheus.CounterVec

	// CandidateChunks tracks the number of chunks per submitted candidate.
	CandidateChunks prometheus.Histogram

	// OversizedCandidatesTotal tracks candidates whose measured size
	// exceeded the oversize threshold but were committed anyway.
	OversizedCandidatesTotal prometheus.Counter

	// GateWaitSeconds tracks time spent waiting to acquire a concurrency gate.
	// Labels: gate (minor, major)
	GateWaitSeconds *prometheus.HistogramVec

	// MergesInFlight tracks merges currently holding a concurrency gate.
	// Labels: gate (minor, major)
	MergesInFlight *prometheus.GaugeVec

	// ShardsActive tracks the number of shard workers currently running.
	ShardsActive prometheus.Gauge
}

// Merge outcome label values.
const (
	// MergeCommitted is a mergeChunks call accepted by the cluster.
	MergeCommitted = "committed"
	// MergePlanned is a merge that plan mode would have committed.
	MergePlanned = "planned"
	// MergeConflict is a mergeChunks call rejected with LockBusy.
	MergeConflict = "conflict"
	// MergeFailed is a mergeChunks call that failed for any other reason.
	MergeFailed = "failed"
)

// Concurrency gate label values.
const (
	GateMinor = "minor"
	GateMajor = "major"
)

// DefaultGateWaitBuckets are latency buckets for gate acquisition waits.
// Uncontended acquisition is sub-millisecond; a worker queued behind the
// major gate can wait for the full duration of another shard's merge.
var DefaultGateWaitBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.5,   // 500ms
	1.0,   // 1s
	5.0,   // 5s
	10.0,  // 10s
	30.0,  // 30s
	60.0,  // 1m
	120.0, // 2m
	300.0, // 5m
	600.0, // 10m
}

// DefaultCandidateChunkBuckets are buckets for the number of chunks merged
// per candidate. Candidates start at two chunks and grow until the size
// target is reached.
var DefaultCandidateChunkBuckets = prometheus.ExponentialBuckets(2, 2, 10)

// NewDefragMetrics creates and registers defragmentation metrics.
// Uses promauto for automatic registration with the default registry.
func NewDefragMetrics() *DefragMetrics {
	return &DefragMetrics{
		ChunksTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "chunks_total",
				Help:      "Number of chunks in the target collection at snapshot time.",
			},
		),
		ChunksLoaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "chunks_loaded_total",
				Help:      "Chunks loaded while building the collection snapshot.",
			},
		),
		ChunksScanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "chunks_scanned_total",
				Help:      "Chunks consumed by shard workers during candidate accumulation.",
			},
		),
		MergesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "merges_total",
				Help:      "Merge attempts by outcome (committed, planned, conflict, failed).",
			},
			[]string{"outcome"},
		),
		CandidateChunks: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "candidate_chunks",
				Help:      "Number of chunks per submitted merge candidate.",
				Buckets:   DefaultCandidateChunkBuckets,
			},
		),
		OversizedCandidatesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "oversized_candidates_total",
				Help:      "Candidates whose measured size exceeded the oversize threshold but were committed anyway.",
			},
		),
		GateWaitSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "gate_wait_seconds",
				Help:      "Time spent waiting to acquire a merge concurrency gate.",
				Buckets:   DefaultGateWaitBuckets,
			},
			[]string{"gate"},
		),
		MergesInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "merges_in_flight",
				Help:      "Merges currently holding a concurrency gate.",
			},
			[]string{"gate"},
		),
		ShardsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "chunkd",
				Subsystem: "defrag",
				Name:      "shards_active",
				Help:      "Shard workers currently running.",
			},
		),
	}
}

// NewDefragMetricsWithRegistry creates defragmentation metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewDefragMetricsWithRegistry(reg prometheus.Registerer) *DefragMetrics {
	chunksTotal := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "chunks_total",
			Help:      "Number of chunks in the target collection at snapshot time.",
		},
	)

	chunksLoaded := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "chunks_loaded_total",
			Help:      "Chunks loaded while building the collection snapshot.",
		},
	)

	chunksScanned := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "chunks_scanned_total",
			Help:      "Chunks consumed by shard workers during candidate accumulation.",
		},
	)

	mergesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "merges_total",
			Help:      "Merge attempts by outcome (committed, planned, conflict, failed).",
		},
		[]string{"outcome"},
	)

	candidateChunks := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "candidate_chunks",
			Help:      "Number of chunks per submitted merge candidate.",
			Buckets:   DefaultCandidateChunkBuckets,
		},
	)

	oversizedCandidates := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "oversized_candidates_total",
			Help:      "Candidates whose measured size exceeded the oversize threshold but were committed anyway.",
		},
	)

	gateWaitSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting to acquire a merge concurrency gate.",
			Buckets:   DefaultGateWaitBuckets,
		},
		[]string{"gate"},
	)

	mergesInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "merges_in_flight",
			Help:      "Merges currently holding a concurrency gate.",
		},
		[]string{"gate"},
	)

	shardsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chunkd",
			Subsystem: "defrag",
			Name:      "shards_active",
			Help:      "Shard workers currently running.",
		},
	)

	reg.MustRegister(chunksTotal)
	reg.MustRegister(chunksLoaded)
	reg.MustRegister(chunksScanned)
	reg.MustRegister(mergesTotal)
	reg.MustRegister(candidateChunks)
	reg.MustRegister(oversizedCandidates)
	reg.MustRegister(gateWaitSeconds)
	reg.MustRegister(mergesInFlight)
	reg.MustRegister(shardsActive)

	return &DefragMetrics{
		ChunksTotal:              chunksTotal,
		ChunksLoaded:             chunksLoaded,
		ChunksScanned:            chunksScanned,
		MergesTotal:              mergesTotal,
		CandidateChunks:          candidateChunks,
		OversizedCandidatesTotal: oversizedCandidates,
		GateWaitSeconds:          gateWaitSeconds,
		MergesInFlight:           mergesInFlight,
		ShardsActive:             shardsActive,
	}
}

// RecordChunksTotal sets the chunk count observed at snapshot time.
func (m *DefragMetrics) RecordChunksTotal(count int64) {
	m.ChunksTotal.Set(float64(count))
}

// RecordChunkLoaded counts one chunk loaded into the snapshot.
func (m *DefragMetrics) RecordChunkLoaded() {
	m.ChunksLoaded.Inc()
}

// RecordChunkScanned counts one chunk consumed by a shard worker.
func (m *DefragMetrics) RecordChunkScanned() {
	m.ChunksScanned.Inc()
}

// RecordMerge increments the merge counter for the given outcome.
// outcome should be one of MergeCommitted, MergePlanned, MergeConflict,
// MergeFailed.
func (m *DefragMetrics) RecordMerge(outcome string) {
	m.MergesTotal.WithLabelValues(outcome).Inc()
}

// RecordCandidate records the shape of a submitted merge candidate.
func (m *DefragMetrics) RecordCandidate(chunkCount int, oversized bool) {
	m.CandidateChunks.Observe(float64(chunkCount))
	if oversized {
		m.OversizedCandidatesTotal.Inc()
	}
}

// RecordGateWait records the time spent waiting to acquire a gate.
// gate should be GateMinor or GateMajor.
func (m *DefragMetrics) RecordGateWait(gate string, waitSeconds float64) {
	m.GateWaitSeconds.WithLabelValues(gate).Observe(waitSeconds)
}

// RecordMergeStart marks a merge as holding the given gate.
func (m *DefragMetrics) RecordMergeStart(gate string) {
	m.MergesInFlight.WithLabelValues(gate).Inc()
}

// RecordMergeEnd marks a merge as having released the given gate.
func (m *DefragMetrics) RecordMergeEnd(gate string) {
	m.MergesInFlight.WithLabelValues(gate).Dec()
}

// RecordWorkerStart counts a shard worker starting.
func (m *DefragMetrics) RecordWorkerStart() {
	m.ShardsActive.Inc()
}

// RecordWorkerEnd counts a shard worker finishing.
func (m *DefragMetrics) RecordWorkerEnd() {
	m.ShardsActive.Dec()
}
