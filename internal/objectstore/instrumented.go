package objectstore

import (
	"context"
	"io"
	"time"
)

// MetricsRecorder is the interface for recording object store operation
// metrics. It decouples the objectstore package from the metrics package.
type MetricsRecorder interface {
	RecordPut(durationSeconds float64, success bool, bytes int64)
}

// InstrumentedStore wraps a Store and records metrics for each operation.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore creates an instrumented wrapper around a Store.
// If metrics is nil, no metrics are recorded and operations pass through
// directly.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{
		store:   store,
		metrics: metrics,
	}
}

// Put stores an object at the given key.
func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	start := time.Now()
	err := s.store.Put(ctx, key, reader, size, contentType)
	if s.metrics != nil {
		s.metrics.RecordPut(time.Since(start).Seconds(), err == nil, size)
	}
	return err
}

// PutWithOptions stores an object with additional options.
func (s *InstrumentedStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	start := time.Now()
	err := s.store.PutWithOptions(ctx, key, reader, size, contentType, opts)
	if s.metrics != nil {
		s.metrics.RecordPut(time.Since(start).Seconds(), err == nil, size)
	}
	return err
}

// Close releases resources associated with the store.
func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ Store = (*InstrumentedStore)(nil)
