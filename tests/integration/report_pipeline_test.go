package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/defrag"
	"github.com/chunkd-io/chunkd/internal/objectstore"
	"github.com/chunkd-io/chunkd/internal/report"
)

// readReportRecords parses a line-delimited report artifact from dir.
func readReportRecords(t *testing.T, dir, name string) map[chunk.ShardID]report.Record {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	out := make(map[chunk.ShardID]report.Record)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec report.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unmarshal record %q: %v", line, err)
		}
		out[chunk.ShardID(rec.Shard)] = rec
	}
	return out
}

func readSummary(t *testing.T, dir, name string) defrag.Summary {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var sum defrag.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	return sum
}

// TestRunReportLandsInEverySink feeds a live run through the report writer
// with a directory sink and an object store sink attached.
//
// This test verifies that:
// 1. Merge records observed during the run land as one JSONL artifact plus a
//    summary artifact in the local directory
// 2. The same two artifacts are uploaded under the object store prefix with
//    the run's metadata attached
// 3. Record contents match what the workers actually did
func TestRunReportLandsInEverySink(t *testing.T) {
	f, ns := newCluster(t)
	seedTwoShardFixture(f, ns)

	dir := t.TempDir()
	store := objectstore.NewMockStore()
	writer, err := report.NewWriter(report.Config{
		Format: report.FormatJSONL,
		Sinks: []report.Sink{
			report.NewDirSink(dir),
			report.NewObjectSink(store, "defrag/", map[string]string{
				"run-id":    "run-pipeline",
				"namespace": ns.String(),
			}),
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	runner := newRunner(t, f, ns, false, "run-pipeline", writer)
	sum, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := writer.Flush(context.Background(), sum); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	recs := readReportRecords(t, dir, "records.events-run-pipeline.jsonl")
	if len(recs) != 2 {
		t.Fatalf("report has records for %d shards, want 2: %v", len(recs), recs)
	}
	recA := recs["shard-a"]
	if recA.Outcome != defrag.OutcomeCommitted || recA.Gate != "minor" {
		t.Errorf("shard-a record outcome/gate = %q/%q, want committed/minor", recA.Outcome, recA.Gate)
	}
	if recA.SizeKB != 120000 || recA.TargetKB != 131072 || recA.ChunkCount != 3 {
		t.Errorf("shard-a record = %+v, want 120000 KB over 3 chunks against 131072", recA)
	}
	if recA.RunID != "run-pipeline" || recA.Namespace != "records.events" {
		t.Errorf("shard-a record stamped %q/%q, want run-pipeline/records.events", recA.RunID, recA.Namespace)
	}
	if recB := recs["shard-b"]; recB.Outcome != defrag.OutcomeCommitted || recB.SizeKB != 110000 {
		t.Errorf("shard-b record = %+v, want committed at 110000 KB", recB)
	}

	writtenSum := readSummary(t, dir, "records.events-run-pipeline.summary.json")
	if writtenSum.RunID != "run-pipeline" || writtenSum.Mode != defrag.ModeApply || writtenSum.Merges != 2 {
		t.Errorf("summary artifact = {RunID: %q, Mode: %q, Merges: %d}, want {run-pipeline, apply, 2}",
			writtenSum.RunID, writtenSum.Mode, writtenSum.Merges)
	}

	keys := store.Keys()
	want := []string{
		"defrag/records.events-run-pipeline.jsonl",
		"defrag/records.events-run-pipeline.summary.json",
	}
	if len(keys) != len(want) {
		t.Fatalf("store has keys %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
	if _, contentType, ok := store.Object(want[0]); !ok || contentType != "application/x-ndjson" {
		t.Errorf("uploaded report content type = %q, want application/x-ndjson", contentType)
	}
	if md := store.Metadata(want[0]); md["run-id"] != "run-pipeline" || md["namespace"] != "records.events" {
		t.Errorf("uploaded report metadata = %v, want run-id and namespace attached", md)
	}
}

// TestRunReportParquetRoundTrip writes the run's records as zstd-compressed
// parquet and reads them back through the same schema.
func TestRunReportParquetRoundTrip(t *testing.T) {
	f, ns := newCluster(t)
	seedTwoShardFixture(f, ns)

	dir := t.TempDir()
	writer, err := report.NewWriter(report.Config{
		Format:      report.FormatParquet,
		Compression: report.CompressionZstd,
		Sinks:       []report.Sink{report.NewDirSink(dir)},
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	runner := newRunner(t, f, ns, false, "run-parquet", writer)
	sum, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := writer.Flush(context.Background(), sum); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "records.events-run-parquet.parquet"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	rows, err := parquet.Read[report.Record](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("parquet has %d rows, want 2", len(rows))
	}

	byShard := make(map[string]report.Record, len(rows))
	for _, row := range rows {
		byShard[row.Shard] = row
	}
	recA, ok := byShard["shard-a"]
	if !ok {
		t.Fatal("no parquet row for shard-a")
	}
	if recA.Outcome != defrag.OutcomeCommitted || recA.SizeKB != 120000 {
		t.Errorf("shard-a row = %+v, want committed at 120000 KB", recA)
	}
	if recA.At <= 0 || recA.DurationMs < 0 {
		t.Errorf("shard-a row timestamps = at %d, duration %d ms", recA.At, recA.DurationMs)
	}
	if recB, ok := byShard["shard-b"]; !ok || recB.SizeKB != 110000 {
		t.Errorf("shard-b row = %+v, want committed at 110000 KB", recB)
	}

	// The summary artifact stays plain JSON regardless of the record format.
	writtenSum := readSummary(t, dir, "records.events-run-parquet.summary.json")
	if writtenSum.Merges != 2 {
		t.Errorf("summary artifact merges = %d, want 2", writtenSum.Merges)
	}
}
