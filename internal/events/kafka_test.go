package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
	"github.com/chunkd-io/chunkd/internal/defrag"
	"github.com/chunkd-io/chunkd/internal/logging"
)

// fakeProducer captures produced records and resolves promises inline.
type fakeProducer struct {
	mu         sync.Mutex
	records    []*kgo.Record
	produceErr error
	flushErr   error
	flushed    int
	closed     int
}

func (f *fakeProducer) Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	err := f.produceErr
	f.mu.Unlock()
	if promise != nil {
		promise(r, err)
	}
}

func (f *fakeProducer) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return f.flushErr
}

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func testMergeRecord() defrag.MergeRecord {
	return defrag.MergeRecord{
		RunID:      "run-events",
		Namespace:  "records.events",
		Shard:      chunk.ShardID("shard-a"),
		Bounds:     chunk.Range{Min: cluster.Int64Key(0), Max: cluster.Int64Key(30)},
		ChunkCount: 3,
		SizeKB:     120000,
		TargetKB:   131072,
		Gate:       "major",
		Outcome:    defrag.OutcomeCommitted,
		At:         time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC),
		Duration:   750 * time.Millisecond,
	}
}

func TestKafkaPublisher_ObserveMergeProducesEvent(t *testing.T) {
	fake := &fakeProducer{}
	pub := &KafkaPublisher{client: fake, topic: DefaultTopic, log: quietLogger()}

	pub.ObserveMerge(testMergeRecord())

	if len(fake.records) != 1 {
		t.Fatalf("produced %d records, want 1", len(fake.records))
	}

	rec := fake.records[0]
	if rec.Topic != DefaultTopic {
		t.Errorf("record topic = %q, want %q", rec.Topic, DefaultTopic)
	}
	if string(rec.Key) != "shard-a" {
		t.Errorf("record key = %q, want shard-a", rec.Key)
	}

	var ev Event
	if err := json.Unmarshal(rec.Value, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.RunID != "run-events" {
		t.Errorf("event RunID = %q, want run-events", ev.RunID)
	}
	if ev.Outcome != defrag.OutcomeCommitted {
		t.Errorf("event Outcome = %q, want %q", ev.Outcome, defrag.OutcomeCommitted)
	}
	if ev.SizeKB != 120000 || ev.TargetKB != 131072 {
		t.Errorf("event sizes = %d/%d, want 120000/131072", ev.SizeKB, ev.TargetKB)
	}
	if ev.DurationMs != 750 {
		t.Errorf("event DurationMs = %d, want 750", ev.DurationMs)
	}
}

func TestKafkaPublisher_PublishFailureIsLoggedNotFatal(t *testing.T) {
	fake := &fakeProducer{produceErr: errors.New("broker unreachable")}
	var buf bytes.Buffer
	log := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatText, Output: &buf})
	pub := &KafkaPublisher{client: fake, topic: DefaultTopic, log: log}

	pub.ObserveMerge(testMergeRecord())

	if !strings.Contains(buf.String(), "merge event publish failed") {
		t.Errorf("expected publish failure warning, got logs:\n%s", buf.String())
	}
}

func TestKafkaPublisher_CloseFlushesThenCloses(t *testing.T) {
	fake := &fakeProducer{}
	pub := &KafkaPublisher{client: fake, topic: DefaultTopic, log: quietLogger()}

	if err := pub.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if fake.flushed != 1 {
		t.Errorf("flush calls = %d, want 1", fake.flushed)
	}
	if fake.closed != 1 {
		t.Errorf("close calls = %d, want 1", fake.closed)
	}
}

func TestKafkaPublisher_CloseReportsFlushError(t *testing.T) {
	boom := errors.New("flush timeout")
	fake := &fakeProducer{flushErr: boom}
	pub := &KafkaPublisher{client: fake, topic: DefaultTopic, log: quietLogger()}

	err := pub.Close(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Close() error = %v, want %v", err, boom)
	}
	if fake.closed != 1 {
		t.Errorf("close calls = %d, want 1 even on flush error", fake.closed)
	}
}

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	if _, err := NewKafkaPublisher(Config{}); err == nil {
		t.Fatal("NewKafkaPublisher() with no brokers expected error")
	}
}

func TestNoopPublisher(t *testing.T) {
	var pub Publisher = Noop{}

	pub.ObserveMerge(testMergeRecord())
	if err := pub.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
