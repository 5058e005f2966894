// Package events publishes merge events to an external audit stream.
//
// The stream is optional: runs configure it only when brokers are present,
// and the Noop publisher keeps wiring uniform when they are not.
package events

import (
	"context"
	"time"

	"github.com/chunkd-io/chunkd/internal/defrag"
)

// Publisher emits merge events as a run progresses. It extends
// defrag.Observer with lifecycle control so buffered events can be flushed
// when the run finishes.
type Publisher interface {
	defrag.Observer
	Close(ctx context.Context) error
}

// Event is the JSON payload of one merge attempt.
type Event struct {
	RunID      string    `json:"runId"`
	Namespace  string    `json:"namespace"`
	Shard      string    `json:"shard"`
	MinKey     string    `json:"minKey"`
	MaxKey     string    `json:"maxKey"`
	ChunkCount int       `json:"chunkCount"`
	SizeKB     int64     `json:"sizeKB"`
	TargetKB   int64     `json:"targetKB"`
	Forced     bool      `json:"forced"`
	Oversized  bool      `json:"oversized"`
	Gate       string    `json:"gate"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
	DurationMs int64     `json:"durationMs"`
}

func newEvent(rec defrag.MergeRecord) Event {
	return Event{
		RunID:      rec.RunID,
		Namespace:  rec.Namespace,
		Shard:      string(rec.Shard),
		MinKey:     rec.Bounds.Min.String(),
		MaxKey:     rec.Bounds.Max.String(),
		ChunkCount: rec.ChunkCount,
		SizeKB:     rec.SizeKB,
		TargetKB:   rec.TargetKB,
		Forced:     rec.Forced,
		Oversized:  rec.Oversized,
		Gate:       rec.Gate,
		Outcome:    rec.Outcome,
		Error:      rec.Error,
		At:         rec.At,
		DurationMs: rec.Duration.Milliseconds(),
	}
}

// Noop is a Publisher that drops every event.
type Noop struct{}

func (Noop) ObserveMerge(defrag.MergeRecord) {}

func (Noop) Close(context.Context) error { return nil }

var _ Publisher = Noop{}
