package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/chunkd-io/chunkd/internal/defrag"
	"github.com/chunkd-io/chunkd/internal/logging"
)

// DefaultTopic is the topic merge events land on unless configured otherwise.
const DefaultTopic = "chunkd.merges"

// producer is the subset of the kafka client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Config configures a KafkaPublisher.
type Config struct {
	// Brokers seed the client. At least one is required.
	Brokers []string

	// Topic defaults to DefaultTopic.
	Topic string

	// Logger, when nil, falls back to the process-wide logger.
	Logger *logging.Logger
}

// KafkaPublisher emits one event per merge attempt to a Kafka topic. Events
// are produced asynchronously so shard workers never wait on the broker;
// Close flushes whatever is still buffered. Events are keyed by shard, which
// keeps per-shard ordering within a partition.
type KafkaPublisher struct {
	client producer
	topic  string
	log    *logging.Logger
}

// NewKafkaPublisher creates a publisher seeded with the configured brokers.
func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}

	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID("chunkd"),
	)
	if err != nil {
		return nil, fmt.Errorf("events: create kafka client: %w", err)
	}

	return &KafkaPublisher{
		client: client,
		topic:  topic,
		log:    log,
	}, nil
}

// ObserveMerge implements defrag.Observer. Publish failures are logged and
// dropped; the audit stream never fails a run.
func (p *KafkaPublisher) ObserveMerge(rec defrag.MergeRecord) {
	value, err := json.Marshal(newEvent(rec))
	if err != nil {
		p.log.Errorf("encoding merge event", map[string]any{"error": err.Error()})
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(rec.Shard),
		Value: value,
	}

	p.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.log.Warnf("merge event publish failed", map[string]any{
				"topic": p.topic,
				"shard": string(rec.Shard),
				"error": err.Error(),
			})
		}
	})
}

// Close flushes buffered events and releases the client.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	defer p.client.Close()
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("events: flush: %w", err)
	}
	return nil
}

var _ Publisher = (*KafkaPublisher)(nil)
