package defrag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
	"github.com/chunkd-io/chunkd/internal/metrics"
)

// commit pushes one ready candidate through its concurrency gate and issues
// the merge, or logs it in plan mode. The gate is held for the whole commit,
// including the size persistence write, and is released on every path.
//
// Range lock conflicts are tolerated: the candidate is abandoned, the scan
// continues, and the conflict is tallied. Any other merge failure is fatal to
// this shard's worker.
func (w *worker) commit(ctx context.Context, b *Builder, eval Evaluation) error {
	bounds := b.Bounds()
	gate := gateLabel(w.shard.AtCollectionVersion)

	release, err := w.gates.Acquire(ctx, w.shard.AtCollectionVersion)
	if err != nil {
		return err
	}
	defer release()

	if w.metrics != nil {
		w.metrics.RecordCandidate(b.Len(), eval.Oversized)
	}
	if eval.Oversized {
		w.log.Infof("candidate exceeds the oversize threshold; committing anyway", map[string]any{
			"bounds":   bounds.String(),
			"sizeKB":   eval.SizeKB,
			"targetKB": w.oracle.TargetKB(),
		})
	}

	rec := MergeRecord{
		RunID:      w.runID,
		Namespace:  w.ns.String(),
		Shard:      w.shard.ID,
		Bounds:     bounds,
		ChunkCount: b.Len(),
		SizeKB:     eval.SizeKB,
		TargetKB:   w.oracle.TargetKB(),
		Forced:     eval.Action == ActionCommitForced,
		Oversized:  eval.Oversized,
		Gate:       gate,
		At:         time.Now(),
	}

	if w.plan {
		w.log.Infof("would merge chunks", map[string]any{
			"chunks": b.Len(),
			"bounds": bounds.String(),
			"sizeKB": eval.SizeKB,
			"gate":   gate,
		})
		rec.Outcome = OutcomePlanned
		w.shard.Merges++
		w.progress.MergeDone()
		if w.metrics != nil {
			w.metrics.RecordMerge(metrics.MergePlanned)
		}
		w.obs.publish(rec)
		w.promote()
		return nil
	}

	start := time.Now()
	mergeErr := w.client.MergeChunks(ctx, w.ns, bounds)
	rec.Duration = time.Since(start)

	switch {
	case mergeErr == nil:
		w.persistSize(ctx, bounds, eval.SizeKB)
		w.log.Infof("merged chunks", map[string]any{
			"chunks": b.Len(),
			"bounds": bounds.String(),
			"sizeKB": eval.SizeKB,
			"gate":   gate,
		})
		rec.Outcome = OutcomeCommitted
		w.shard.Merges++
		w.progress.MergeDone()
		if w.metrics != nil {
			w.metrics.RecordMerge(metrics.MergeCommitted)
		}

	case errors.Is(mergeErr, cluster.ErrRangeLockConflict):
		rec.Outcome = OutcomeConflict
		rec.Error = mergeErr.Error()
		w.shard.Conflicts++
		w.progress.ConflictSeen()
		if w.metrics != nil {
			w.metrics.RecordMerge(metrics.MergeConflict)
		}
		if !w.warnedConflict {
			w.warnedConflict = true
			w.log.Warnf("merge lost the metadata range lock; candidate skipped", map[string]any{
				"bounds": bounds.String(),
				"error":  mergeErr.Error(),
				"hint":   "recurring conflicts usually mean an older cluster component still takes the distributed lock for merges",
			})
		} else {
			w.log.Debugf("merge lost the metadata range lock; candidate skipped", map[string]any{
				"bounds": bounds.String(),
			})
		}

	default:
		rec.Outcome = OutcomeFailed
		rec.Error = mergeErr.Error()
		if w.metrics != nil {
			w.metrics.RecordMerge(metrics.MergeFailed)
		}
		w.obs.publish(rec)
		return fmt.Errorf("defrag: merging %s on shard %s: %w", bounds, w.shard.ID, mergeErr)
	}

	w.obs.publish(rec)
	w.promote()
	return nil
}

// promote marks the shard as at the collection version. A shard goes through
// the major gate at most once per run: after the first attempt it is treated
// as caught up whether or not the merge won the range lock.
func (w *worker) promote() {
	w.shard.AtCollectionVersion = true
}

// persistSize stores the measured size onto the just-merged chunk so later
// runs skip re-measuring it. Best-effort.
func (w *worker) persistSize(ctx context.Context, bounds chunk.Range, sizeKB int64) {
	if err := w.client.StoreChunkSizeEstimate(ctx, w.ns, bounds, w.shard.ID, sizeKB); err != nil {
		w.log.Warnf("failed to record merged chunk size", map[string]any{
			"bounds": bounds.String(),
			"error":  err.Error(),
		})
	}
}
