// Package report turns the merge stream of a defrag run into a durable
// artifact: a JSONL or Parquet file plus a JSON run summary, written to local
// disk, an object store, or both.
package report

import (
	"github.com/chunkd-io/chunkd/internal/defrag"
)

// Record is one merge attempt in the report file. The field tags cover both
// encodings: json for the jsonl format, parquet for the columnar one.
type Record struct {
	RunID      string `json:"runId" parquet:"run_id"`
	Namespace  string `json:"namespace" parquet:"namespace"`
	Shard      string `json:"shard" parquet:"shard"`
	MinKey     string `json:"minKey" parquet:"min_key"`
	MaxKey     string `json:"maxKey" parquet:"max_key"`
	ChunkCount int32  `json:"chunkCount" parquet:"chunk_count"`
	SizeKB     int64  `json:"sizeKB" parquet:"size_kb"`
	TargetKB   int64  `json:"targetKB" parquet:"target_kb"`
	Forced     bool   `json:"forced" parquet:"forced"`
	Oversized  bool   `json:"oversized" parquet:"oversized"`
	Gate       string `json:"gate" parquet:"gate"`
	Outcome    string `json:"outcome" parquet:"outcome"`
	Error      string `json:"error,omitempty" parquet:"error,optional"`
	At         int64  `json:"at" parquet:"at,timestamp(millisecond)"`
	DurationMs int64  `json:"durationMs" parquet:"duration_ms"`
}

// fromMergeRecord flattens a merge record into the report schema. Key bounds
// are rendered as canonical extended JSON so the report stays readable without
// BSON tooling.
func fromMergeRecord(rec defrag.MergeRecord) Record {
	return Record{
		RunID:      rec.RunID,
		Namespace:  rec.Namespace,
		Shard:      string(rec.Shard),
		MinKey:     rec.Bounds.Min.String(),
		MaxKey:     rec.Bounds.Max.String(),
		ChunkCount: int32(rec.ChunkCount),
		SizeKB:     rec.SizeKB,
		TargetKB:   rec.TargetKB,
		Forced:     rec.Forced,
		Oversized:  rec.Oversized,
		Gate:       rec.Gate,
		Outcome:    rec.Outcome,
		Error:      rec.Error,
		At:         rec.At.UnixMilli(),
		DurationMs: rec.Duration.Milliseconds(),
	}
}
