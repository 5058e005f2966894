package report

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/pierrec/lz4/v4"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
	"github.com/chunkd-io/chunkd/internal/defrag"
	"github.com/chunkd-io/chunkd/internal/logging"
	"github.com/chunkd-io/chunkd/internal/objectstore"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func testMergeRecord(shard string, min, max int64, outcome string) defrag.MergeRecord {
	return defrag.MergeRecord{
		RunID:      "run-report",
		Namespace:  "records.events",
		Shard:      chunk.ShardID(shard),
		Bounds:     chunk.Range{Min: cluster.Int64Key(min), Max: cluster.Int64Key(max)},
		ChunkCount: 3,
		SizeKB:     120000,
		TargetKB:   131072,
		Gate:       "major",
		Outcome:    outcome,
		At:         time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC),
		Duration:   1500 * time.Millisecond,
	}
}

func testSummary() *defrag.Summary {
	return &defrag.Summary{
		RunID:             "run-report",
		Namespace:         "records.events",
		Mode:              "apply",
		FCV:               "8.0",
		TargetChunkSizeKB: 131072,
		TotalChunks:       6,
		CollectionVersion: "5|3",
		Merges:            2,
	}
}

func decompress(t *testing.T, data []byte, compression string) []byte {
	t.Helper()
	var r io.Reader
	switch compression {
	case CompressionNone:
		return data
	case CompressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		defer gz.Close()
		r = gz
	case CompressionSnappy:
		r = snappy.NewReader(bytes.NewReader(data))
	case CompressionLz4:
		r = lz4.NewReader(bytes.NewReader(data))
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("zstd reader: %v", err)
		}
		defer zr.Close()
		r = zr
	default:
		t.Fatalf("unknown compression %q", compression)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompress %s: %v", compression, err)
	}
	return out
}

func TestWriter_JSONLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{
		Format: FormatJSONL,
		Sinks:  []Sink{NewDirSink(dir)},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	w.ObserveMerge(testMergeRecord("shard-a", 0, 30, defrag.OutcomeCommitted))
	w.ObserveMerge(testMergeRecord("shard-b", 100, 140, defrag.OutcomeConflict))

	if err := w.Flush(context.Background(), testSummary()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "records.events-run-report.jsonl"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("report has %d lines, want 2", len(lines))
	}

	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal first record: %v", err)
	}
	if rec.RunID != "run-report" {
		t.Errorf("RunID = %q, want %q", rec.RunID, "run-report")
	}
	if rec.Shard != "shard-a" {
		t.Errorf("Shard = %q, want %q", rec.Shard, "shard-a")
	}
	if rec.Outcome != defrag.OutcomeCommitted {
		t.Errorf("Outcome = %q, want %q", rec.Outcome, defrag.OutcomeCommitted)
	}
	if rec.SizeKB != 120000 || rec.TargetKB != 131072 {
		t.Errorf("sizes = %d/%d, want 120000/131072", rec.SizeKB, rec.TargetKB)
	}
	if rec.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", rec.DurationMs)
	}
	if !strings.Contains(rec.MinKey, "0") {
		t.Errorf("MinKey = %q, want rendered key bound", rec.MinKey)
	}

	sumData, err := os.ReadFile(filepath.Join(dir, "records.events-run-report.summary.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var sum defrag.Summary
	if err := json.Unmarshal(sumData, &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if sum.RunID != "run-report" || sum.Merges != 2 {
		t.Errorf("summary = {RunID: %q, Merges: %d}, want {run-report, 2}", sum.RunID, sum.Merges)
	}
}

func TestWriter_JSONLCompressionCodecs(t *testing.T) {
	for _, compression := range []string{CompressionGzip, CompressionSnappy, CompressionLz4, CompressionZstd} {
		t.Run(compression, func(t *testing.T) {
			dir := t.TempDir()
			w, err := NewWriter(Config{
				Format:      FormatJSONL,
				Compression: compression,
				Sinks:       []Sink{NewDirSink(dir)},
				Logger:      quietLogger(),
			})
			if err != nil {
				t.Fatalf("NewWriter() error = %v", err)
			}

			w.ObserveMerge(testMergeRecord("shard-a", 0, 30, defrag.OutcomeCommitted))
			if err := w.Flush(context.Background(), testSummary()); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}

			name := "records.events-run-report" + fileExtension(FormatJSONL, compression)
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				t.Fatalf("read report: %v", err)
			}

			plain := decompress(t, data, compression)
			var rec Record
			if err := json.Unmarshal(bytes.TrimSpace(plain), &rec); err != nil {
				t.Fatalf("unmarshal decompressed record: %v", err)
			}
			if rec.RunID != "run-report" {
				t.Errorf("RunID = %q, want %q", rec.RunID, "run-report")
			}
		})
	}
}

func TestWriter_ParquetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{
		Format:      FormatParquet,
		Compression: CompressionZstd,
		Sinks:       []Sink{NewDirSink(dir)},
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	w.ObserveMerge(testMergeRecord("shard-a", 0, 30, defrag.OutcomeCommitted))
	w.ObserveMerge(testMergeRecord("shard-a", 30, 60, defrag.OutcomeCommitted))
	w.ObserveMerge(testMergeRecord("shard-b", 100, 140, defrag.OutcomeConflict))

	if err := w.Flush(context.Background(), testSummary()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "records.events-run-report.parquet"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}

	rows, err := parquet.Read[Record](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read parquet: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("parquet has %d rows, want 3", len(rows))
	}
	if rows[0].Shard != "shard-a" || rows[2].Shard != "shard-b" {
		t.Errorf("row shards = %q/%q, want shard-a/shard-b", rows[0].Shard, rows[2].Shard)
	}
	if rows[2].Outcome != defrag.OutcomeConflict {
		t.Errorf("row outcome = %q, want %q", rows[2].Outcome, defrag.OutcomeConflict)
	}
	wantAt := time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC).UnixMilli()
	if rows[0].At != wantAt {
		t.Errorf("row At = %d, want %d", rows[0].At, wantAt)
	}
}

func TestWriter_EmptyRunStillWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{
		Sinks:  []Sink{NewDirSink(dir)},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	if err := w.Flush(context.Background(), testSummary()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	report, err := os.ReadFile(filepath.Join(dir, "records.events-run-report.jsonl"))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if len(report) != 0 {
		t.Errorf("empty run report has %d bytes, want 0", len(report))
	}

	if _, err := os.Stat(filepath.Join(dir, "records.events-run-report.summary.json")); err != nil {
		t.Errorf("summary artifact missing: %v", err)
	}
}

func TestWriter_ObjectSinkUploads(t *testing.T) {
	store := objectstore.NewMockStore()
	sink := NewObjectSink(store, "defrag/", map[string]string{"run-id": "run-report"})

	w, err := NewWriter(Config{
		Sinks:  []Sink{sink},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	w.ObserveMerge(testMergeRecord("shard-a", 0, 30, defrag.OutcomeCommitted))
	if err := w.Flush(context.Background(), testSummary()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	keys := store.Keys()
	want := []string{
		"defrag/records.events-run-report.jsonl",
		"defrag/records.events-run-report.summary.json",
	}
	if len(keys) != len(want) {
		t.Fatalf("store has keys %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	_, contentType, _ := store.Object(want[0])
	if contentType != "application/x-ndjson" {
		t.Errorf("report content type = %q, want application/x-ndjson", contentType)
	}
	if md := store.Metadata(want[0]); md["run-id"] != "run-report" {
		t.Errorf("report metadata = %v, want run-id attached", md)
	}
}

func TestWriter_SinkErrorPropagates(t *testing.T) {
	store := objectstore.NewMockStore()
	boom := errors.New("bucket gone")
	store.SetPutErr(boom)

	w, err := NewWriter(Config{
		Sinks:  []Sink{NewObjectSink(store, "", nil)},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	if err := w.Flush(context.Background(), testSummary()); !errors.Is(err, boom) {
		t.Fatalf("Flush() error = %v, want %v", err, boom)
	}
}

func TestNewWriter_Validation(t *testing.T) {
	sink := NewDirSink(t.TempDir())

	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown format", Config{Format: "csv", Sinks: []Sink{sink}}},
		{"unknown compression", Config{Compression: "brotli", Sinks: []Sink{sink}}},
		{"no sinks", Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWriter(tt.cfg); err == nil {
				t.Error("NewWriter() expected error")
			}
		})
	}
}

func TestWriter_FlushRequiresSummary(t *testing.T) {
	w, err := NewWriter(Config{
		Sinks:  []Sink{NewDirSink(t.TempDir())},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	if err := w.Flush(context.Background(), nil); err == nil {
		t.Fatal("Flush(nil) expected error")
	}
}
