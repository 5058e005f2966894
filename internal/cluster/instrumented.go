package cluster

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/chunkd-io/chunkd/internal/chunk"
)

// MetricsRecorder is the interface for recording cluster operation metrics.
// This allows the cluster package to be decoupled from the metrics package.
type MetricsRecorder interface {
	RecordChunkScan(durationSeconds float64, success bool)
	RecordRangeSize(durationSeconds float64, success bool)
	RecordMerge(durationSeconds float64, success bool)
	RecordMergeConflict()
	RecordEstimateWrite(durationSeconds float64, success bool)
	RecordSettingRead(durationSeconds float64, success bool)
}

// Instrumented wraps a Client and records metrics for each operation.
type Instrumented struct {
	client  Client
	metrics MetricsRecorder
}

// NewInstrumented creates an instrumented wrapper around a Client.
// If metrics is nil, no metrics are recorded and operations pass through directly.
func NewInstrumented(client Client, metrics MetricsRecorder) *Instrumented {
	return &Instrumented{
		client:  client,
		metrics: metrics,
	}
}

// CollectionInfo returns the routing metadata for a namespace.
func (c *Instrumented) CollectionInfo(ctx context.Context, ns chunk.Namespace) (CollectionInfo, error) {
	// Metadata lookups happen once per run and don't need latency tracking.
	return c.client.CollectionInfo(ctx, ns)
}

// CountChunks returns the total number of chunks for the namespace.
func (c *Instrumented) CountChunks(ctx context.Context, ns chunk.Namespace) (int64, error) {
	return c.client.CountChunks(ctx, ns)
}

// ForEachChunk streams the namespace's chunks in ascending min-key order.
func (c *Instrumented) ForEachChunk(ctx context.Context, ns chunk.Namespace, fn func(chunk.Chunk) error) error {
	start := time.Now()
	err := c.client.ForEachChunk(ctx, ns, fn)
	if c.metrics != nil {
		c.metrics.RecordChunkScan(time.Since(start).Seconds(), err == nil)
	}
	return err
}

// RangeSizeKB measures the approximate data size of a range.
func (c *Instrumented) RangeSizeKB(ctx context.Context, ns chunk.Namespace, keyPattern bson.Raw, r chunk.Range) (int64, error) {
	start := time.Now()
	size, err := c.client.RangeSizeKB(ctx, ns, keyPattern, r)
	if c.metrics != nil {
		c.metrics.RecordRangeSize(time.Since(start).Seconds(), err == nil)
	}
	return size, err
}

// MergeChunks coalesces all chunks spanning the range into one chunk.
func (c *Instrumented) MergeChunks(ctx context.Context, ns chunk.Namespace, r chunk.Range) error {
	start := time.Now()
	err := c.client.MergeChunks(ctx, ns, r)
	if c.metrics != nil {
		c.metrics.RecordMerge(time.Since(start).Seconds(), err == nil)
		if errors.Is(err, ErrRangeLockConflict) {
			c.metrics.RecordMergeConflict()
		}
	}
	return err
}

// StoreChunkSizeEstimate persists a measured size onto a chunk document.
func (c *Instrumented) StoreChunkSizeEstimate(ctx context.Context, ns chunk.Namespace, r chunk.Range, shard chunk.ShardID, sizeKB int64) error {
	start := time.Now()
	err := c.client.StoreChunkSizeEstimate(ctx, ns, r, shard, sizeKB)
	if c.metrics != nil {
		c.metrics.RecordEstimateWrite(time.Since(start).Seconds(), err == nil)
	}
	return err
}

// Setting reads one cluster-wide settings document by ID.
func (c *Instrumented) Setting(ctx context.Context, id string) (bson.Raw, bool, error) {
	start := time.Now()
	doc, found, err := c.client.Setting(ctx, id)
	if c.metrics != nil {
		c.metrics.RecordSettingRead(time.Since(start).Seconds(), err == nil)
	}
	return doc, found, err
}

// VerifyRouter returns ErrNotRouter when the endpoint is not a mongos.
func (c *Instrumented) VerifyRouter(ctx context.Context) error {
	return c.client.VerifyRouter(ctx)
}

// FeatureCompatibilityVersion returns the cluster's FCV string.
func (c *Instrumented) FeatureCompatibilityVersion(ctx context.Context) (string, error) {
	return c.client.FeatureCompatibilityVersion(ctx)
}

// Close releases the underlying connections.
func (c *Instrumented) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// Ensure Instrumented implements Client.
var _ Client = (*Instrumented)(nil)
