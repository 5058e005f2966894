// Package defrag implements merge-only defragmentation of a sharded
// collection's chunk metadata.
//
// A run proceeds in four steps:
//
//  1. Preflight: cluster-wide settings are checked (balancer off, autosplit
//     off, chunk size configured) and the merge size target is taken from the
//     cluster. Apply runs abort on any violation before touching state.
//  2. Snapshot: the namespace's chunks are loaded in key order, partitioned
//     by owning shard, and the collection version (the maximum chunk version)
//     is fixed as the baseline for the whole run.
//  3. Candidate accumulation: one worker per shard scans its chunks in key
//     order, growing runs of physically adjacent chunks into merge candidates
//     sized against the target. Candidates are measured with the cluster's
//     size estimator once the running estimate approaches the target.
//  4. Gated commit: each candidate is merged as a single range, bounded by
//     two concurrency gates. Merges on shards already at the collection
//     version only bump a minor version and share a wide gate; the first
//     merge on a shard below the collection version forces a major version
//     bump that stalls routers, so those stay serialized.
//
// Workers never coordinate beyond the two gates: chunk ranges on different
// shards are disjoint and merges never span shards. A worker's fatal error
// stops that worker only; siblings run to completion and the run reports all
// failures together.
//
// Plan mode performs every read-only step, prints the merges it would issue,
// and never calls the merge or size-estimation interfaces of the cluster.
package defrag
