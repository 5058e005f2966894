package integration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
	"github.com/chunkd-io/chunkd/internal/defrag"
	"github.com/chunkd-io/chunkd/internal/report"
)

// TestRangeLockConflictSkipsCandidateAndContinues loses the first merge to
// the metadata range lock on a shard with two mergeable runs.
//
// This test verifies that:
// 1. A range lock conflict abandons only the losing candidate
// 2. The scan continues and the shard's next candidate still commits
// 3. The run finishes cleanly with the conflict tallied, not failed
func TestRangeLockConflictSkipsCandidateAndContinues(t *testing.T) {
	f, ns := newCluster(t)
	f.AddChunks(ns,
		seedChunk("shard-a", 0, 10, 1, 0),
		seedChunk("shard-a", 10, 20, 1, 1),
		seedChunk("shard-a", 20, 30, 1, 2),
		seedChunk("shard-a", 30, 40, 1, 3),
		seedChunk("shard-a", 40, 50, 1, 4),
		seedChunk("shard-a", 50, 60, 1, 5),
	)
	f.SetRangeSizeKB(chunk.Range{Min: cluster.Int64Key(0), Max: cluster.Int64Key(30)}, 120000)
	f.SetRangeSizeKB(chunk.Range{Min: cluster.Int64Key(30), Max: cluster.Int64Key(60)}, 110000)
	f.QueueMergeFailure("shard-a", cluster.ErrRangeLockConflict)

	sink := &recordSink{}
	runner := newRunner(t, f, ns, false, "run-conflict", sink)

	sum, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want conflict tolerated", err)
	}
	if sum.Merges != 1 || sum.Conflicts != 1 {
		t.Errorf("summary merges/conflicts = %d/%d, want 1/1", sum.Merges, sum.Conflicts)
	}
	if ss := shardSummary(t, sum, "shard-a"); ss.Error != "" {
		t.Errorf("shard-a summary error = %q, want none", ss.Error)
	}

	// The losing candidate's three chunks survive untouched; the next run of
	// three merged behind it.
	chunks := f.Chunks(ns)
	if len(chunks) != 4 {
		t.Fatalf("cluster has %d chunks, want 4: %+v", len(chunks), chunks)
	}
	last := chunks[3]
	if !last.Min.Equal(cluster.Int64Key(30)) || !last.Max.Equal(cluster.Int64Key(60)) {
		t.Errorf("merged chunk = %s, want [30, 60)", last.Range)
	}

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("got %d merge records, want 2: %+v", len(recs), recs)
	}
	outcomes := map[string]defrag.MergeRecord{}
	for _, rec := range recs {
		outcomes[rec.Outcome] = rec
	}
	conflict, ok := outcomes[defrag.OutcomeConflict]
	if !ok {
		t.Fatalf("no conflict record in %+v", recs)
	}
	if conflict.Error == "" {
		t.Error("conflict record carries no error text")
	}
	if !conflict.Bounds.Min.Equal(cluster.Int64Key(0)) || !conflict.Bounds.Max.Equal(cluster.Int64Key(30)) {
		t.Errorf("conflict bounds = %s, want [0, 30)", conflict.Bounds)
	}
	committed, ok := outcomes[defrag.OutcomeCommitted]
	if !ok {
		t.Fatalf("no committed record in %+v", recs)
	}
	if !committed.Bounds.Min.Equal(cluster.Int64Key(30)) || !committed.Bounds.Max.Equal(cluster.Int64Key(60)) {
		t.Errorf("committed bounds = %s, want [30, 60)", committed.Bounds)
	}

	// Only the committed merge persisted a size.
	writes := f.EstimateWrites()
	if len(writes) != 1 || writes[0].SizeKB != 110000 {
		t.Errorf("estimate writes = %+v, want one write of 110000", writes)
	}
}

// TestShardFailureLeavesSiblingWorkIntact fails one shard's merge outright
// while the other shard proceeds.
//
// This test verifies that:
// 1. A non-conflict merge failure is fatal to its shard's worker only
// 2. The sibling shard's merge still commits and is counted
// 3. The failure surfaces on the run error, the shard summary, and the
//    report artifacts
func TestShardFailureLeavesSiblingWorkIntact(t *testing.T) {
	f, ns := newCluster(t)
	seedTwoShardFixture(f, ns)
	boom := errors.New("merge denied: storage quota exceeded")
	f.QueueMergeFailure("shard-a", boom)

	dir := t.TempDir()
	writer, err := report.NewWriter(report.Config{
		Format: report.FormatJSONL,
		Sinks:  []report.Sink{report.NewDirSink(dir)},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	runner := newRunner(t, f, ns, false, "run-failure", writer)
	sum, runErr := runner.Run(context.Background())
	if runErr == nil {
		t.Fatal("Run() expected error")
	}
	if !errors.Is(runErr, boom) {
		t.Errorf("Run() error = %v, want wrapped %v", runErr, boom)
	}
	if !strings.Contains(runErr.Error(), "shard-a") {
		t.Errorf("Run() error = %v, want failing shard named", runErr)
	}

	// The summary still reflects everything that was done.
	if sum == nil {
		t.Fatal("Run() returned nil summary alongside the error")
	}
	if sum.Merges != 1 {
		t.Errorf("summary merges = %d, want shard-b's 1", sum.Merges)
	}
	if ss := shardSummary(t, sum, "shard-a"); !strings.Contains(ss.Error, "merge denied") {
		t.Errorf("shard-a summary error = %q, want merge failure recorded", ss.Error)
	}
	if ss := shardSummary(t, sum, "shard-b"); ss.Merges != 1 || ss.Error != "" {
		t.Errorf("shard-b summary = %+v, want one clean merge", ss)
	}

	chunks := f.Chunks(ns)
	if len(chunks) != 4 {
		t.Fatalf("cluster has %d chunks, want shard-a's 3 plus shard-b's merged 1: %+v", len(chunks), chunks)
	}

	// An interrupted run still lands its partial report.
	if err := writer.Flush(context.Background(), sum); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	recs := readReportRecords(t, dir, "records.events-run-failure.jsonl")
	if rec := recs["shard-a"]; rec.Outcome != defrag.OutcomeFailed || !strings.Contains(rec.Error, "merge denied") {
		t.Errorf("shard-a record = %+v, want failed with error text", rec)
	}
	if rec := recs["shard-b"]; rec.Outcome != defrag.OutcomeCommitted {
		t.Errorf("shard-b record = %+v, want committed", rec)
	}

	writtenSum := readSummary(t, dir, "records.events-run-failure.summary.json")
	if ss := shardSummary(t, &writtenSum, "shard-a"); !strings.Contains(ss.Error, "merge denied") {
		t.Errorf("summary artifact shard-a error = %q, want merge failure recorded", ss.Error)
	}
}
