package defrag

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chunkd-io/chunkd/internal/metrics"
)

// Gates bounds in-flight merges cluster-wide with two independent counting
// semaphores. Merges on a shard already at the collection version bump only a
// minor version component and share the wide minor gate; merges on a shard
// still below the collection version force a major version bump and a
// cluster-wide router refresh stall, so the major gate stays narrow (capacity
// one by default).
//
// Gates are shared by every shard worker and are the workers' only point of
// coordination. They are always passed explicitly, never held in package
// state, so tests can substitute small capacities.
type Gates struct {
	minor *semaphore.Weighted
	major *semaphore.Weighted

	// metrics, when set, observes gate wait time and in-flight counts.
	metrics *metrics.DefragMetrics
}

// NewGates creates the two merge gates. Capacities below one are raised to
// one. m may be nil.
func NewGates(minorCapacity, majorCapacity int64, m *metrics.DefragMetrics) *Gates {
	if minorCapacity < 1 {
		minorCapacity = 1
	}
	if majorCapacity < 1 {
		majorCapacity = 1
	}
	return &Gates{
		minor:   semaphore.NewWeighted(minorCapacity),
		major:   semaphore.NewWeighted(majorCapacity),
		metrics: m,
	}
}

// Acquire blocks until a slot is free on the gate matching the shard's
// version state, or until ctx is done. The returned release function must be
// called exactly once, on every path including cancellation of the work the
// slot was acquired for.
func (g *Gates) Acquire(ctx context.Context, atCollectionVersion bool) (release func(), err error) {
	sem := g.major
	label := metrics.GateMajor
	if atCollectionVersion {
		sem = g.minor
		label = metrics.GateMinor
	}

	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.RecordGateWait(label, time.Since(start).Seconds())
		g.metrics.RecordMergeStart(label)
	}
	return func() {
		if g.metrics != nil {
			g.metrics.RecordMergeEnd(label)
		}
		sem.Release(1)
	}, nil
}

// gateLabel names the gate a shard's merges go through, for logs and records.
func gateLabel(atCollectionVersion bool) string {
	if atCollectionVersion {
		return metrics.GateMinor
	}
	return metrics.GateMajor
}
