package defrag

import (
	"context"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
	"github.com/chunkd-io/chunkd/internal/logging"
	"github.com/chunkd-io/chunkd/internal/metrics"
)

// worker defragments one shard's chunks. It owns its ShardEntry exclusively;
// the only shared state it touches is the gates, the progress counters and
// the metrics.
type worker struct {
	runID      string
	shard      *ShardEntry
	ns         chunk.Namespace
	client     cluster.Client
	oracle     *Oracle
	gates      *Gates
	plan       bool
	perChunkKB int64
	progress   *Progress
	metrics    *metrics.DefragMetrics
	obs        observers
	log        *logging.Logger

	// warnedConflict dedupes the range lock warning to one per shard.
	warnedConflict bool
}

// run scans the shard's chunks in key order, growing merge candidates and
// committing them through the gates.
func (w *worker) run(ctx context.Context) error {
	if w.metrics != nil {
		w.metrics.RecordWorkerStart()
		defer w.metrics.RecordWorkerEnd()
	}

	if w.shard.AtCollectionVersion {
		w.log.Infof("shard at collection version; merges take the minor gate", map[string]any{
			"chunks":       len(w.shard.Chunks),
			"shardVersion": w.shard.Version.String(),
		})
	} else {
		w.log.Infof("shard below collection version; first merge takes the major gate", map[string]any{
			"chunks":       len(w.shard.Chunks),
			"shardVersion": w.shard.Version.String(),
		})
	}

	builder := NewBuilder(w.oracle.TargetKB(), w.perChunkKB)
	for _, c := range w.shard.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.progress.ChunkScanned()
		if w.metrics != nil {
			w.metrics.RecordChunkScanned()
		}

		step := builder.Add(c)
		if step.Orphan != nil {
			if err := w.recordOrphanSize(ctx, *step.Orphan); err != nil {
				return err
			}
		}
		if !step.Ready {
			continue
		}

		eval, err := w.oracle.Evaluate(ctx, builder.Bounds(), builder.EstimateKB(), step.Forced)
		if err != nil {
			return err
		}
		if eval.Action == ActionContinue {
			builder.AbsorbMeasured(eval.SizeKB)
			continue
		}

		if err := w.commit(ctx, builder, eval); err != nil {
			return err
		}
		if step.Forced {
			builder.Restart(c)
		} else {
			builder.Reset()
		}
	}

	// Chunks still accumulating when the shard's input runs out stay
	// unmerged; a later run picks them up.
	if builder.Len() > 0 {
		w.log.Debugf("leaving trailing candidate unmerged", map[string]any{
			"chunks":     builder.Len(),
			"estimateKB": builder.EstimateKB(),
		})
	}
	return nil
}

// recordOrphanSize stores a measured size onto a chunk abandoned by a
// contiguity break, so later runs skip re-measuring it. Skipped in plan mode
// and for chunks that already carry an estimate from an earlier run. The
// write is best-effort; a failed measurement aborts the worker like any other
// sizing failure.
func (w *worker) recordOrphanSize(ctx context.Context, orphan chunk.Chunk) error {
	if w.plan || orphan.HasStoredEstimate {
		return nil
	}

	sizeKB, err := w.oracle.MeasureChunk(ctx, orphan)
	if err != nil {
		return err
	}
	if err := w.client.StoreChunkSizeEstimate(ctx, w.ns, orphan.Range, w.shard.ID, sizeKB); err != nil {
		w.log.Warnf("failed to record size for unmergeable chunk", map[string]any{
			"bounds": orphan.Range.String(),
			"error":  err.Error(),
		})
		return nil
	}

	w.log.Debugf("recorded size for unmergeable chunk", map[string]any{
		"bounds": orphan.Range.String(),
		"sizeKB": sizeKB,
	})
	return nil
}
