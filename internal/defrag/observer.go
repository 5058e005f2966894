package defrag

import (
	"time"

	"github.com/chunkd-io/chunkd/internal/chunk"
)

// Merge outcomes carried on MergeRecord.
const (
	// OutcomeCommitted is a merge the cluster accepted.
	OutcomeCommitted = "committed"
	// OutcomePlanned is a merge a plan run would have committed.
	OutcomePlanned = "planned"
	// OutcomeConflict is a merge lost to metadata range lock contention.
	OutcomeConflict = "conflict"
	// OutcomeFailed is a merge rejected for any other reason; it aborts the
	// shard's worker.
	OutcomeFailed = "failed"
)

// MergeRecord describes one merge attempt, emitted as it completes.
type MergeRecord struct {
	RunID      string
	Namespace  string
	Shard      chunk.ShardID
	Bounds     chunk.Range
	ChunkCount int
	SizeKB     int64
	TargetKB   int64
	Forced     bool
	Oversized  bool
	Gate       string
	Outcome    string
	Error      string
	At         time.Time
	Duration   time.Duration
}

// Observer receives merge records as shard workers produce them.
// Implementations must be safe for concurrent use; workers on different
// shards call it in parallel.
type Observer interface {
	ObserveMerge(rec MergeRecord)
}

// observers fans one record out to every configured observer.
type observers []Observer

func (os observers) publish(rec MergeRecord) {
	for _, o := range os {
		o.ObserveMerge(rec)
	}
}
