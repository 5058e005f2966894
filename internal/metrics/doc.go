// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for a defragmentation run:
//   - Snapshot load and scan progress (chunks total / loaded / scanned)
//   - Merge outcomes (committed, planned, conflict, failed)
//   - Candidate shape (chunks per candidate, oversized candidates)
//   - Gate contention (wait latency and in-flight merges per gate)
//   - Cluster command latency broken down by operation and status
//
// Metrics are exposed on /metrics by the status HTTP server in
// internal/server.
//
// Usage:
//
//	// Create and register metrics
//	defragMetrics := metrics.NewDefragMetrics()
//	clusterMetrics := metrics.NewClusterMetrics()
//
//	// Wire into the run
//	client := cluster.NewInstrumented(base, clusterMetrics)
//	runner := defrag.NewRunner(defrag.RunnerConfig{Metrics: defragMetrics, ...})
//
// Every constructor has a ...WithRegistry variant so tests can use an
// isolated registry instead of the process-global default.
package metrics
