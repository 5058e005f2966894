// Package cluster defines the client contract against the sharded cluster:
// reading chunk metadata from the config database, measuring range sizes,
// issuing merges, and checking cluster-wide settings. The default
// implementation talks to a router (mongos) via the MongoDB driver.
//
// The defragmentation core depends only on the Client interface, so tests run
// against the in-memory Fake.
package cluster

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/chunkd-io/chunkd/internal/chunk"
)

// Common errors returned by Client operations.
var (
	// ErrNamespaceNotSharded is returned when the namespace has no entry in
	// the cluster's sharded-collections metadata.
	ErrNamespaceNotSharded = errors.New("cluster: namespace is not sharded")

	// ErrRangeLockConflict is returned when a merge loses the metadata range
	// lock to a concurrent operation. Callers treat it as recoverable: the
	// candidate is skipped, not retried.
	ErrRangeLockConflict = errors.New("cluster: merge lost the metadata range lock")

	// ErrNotRouter is returned when the connected endpoint is not a cluster
	// router (mongos). Durable changes must go through a router.
	ErrNotRouter = errors.New("cluster: endpoint is not a cluster router")

	// ErrClosed is returned when operations are attempted on a closed client.
	ErrClosed = errors.New("cluster: client is closed")
)

// Setting document IDs in the cluster's config settings collection.
const (
	SettingBalancer  = "balancer"
	SettingAutosplit = "autosplit"
	SettingChunkSize = "chunksize"
)

// CollectionInfo describes a sharded collection's routing metadata.
type CollectionInfo struct {
	Namespace chunk.Namespace

	// KeyPattern is the shard-key pattern document, passed through verbatim
	// to range-size estimation.
	KeyPattern bson.Raw
}

// Client is the cluster-facing surface the defragmenter runs against.
//
// All methods honor context cancellation. Methods that mutate cluster state
// are MergeChunks and StoreChunkSizeEstimate; everything else is read-only.
type Client interface {
	// CollectionInfo returns the routing metadata for a namespace.
	// Returns ErrNamespaceNotSharded when the namespace is not sharded.
	CollectionInfo(ctx context.Context, ns chunk.Namespace) (CollectionInfo, error)

	// CountChunks returns the total number of chunks for the namespace,
	// used as the progress denominator.
	CountChunks(ctx context.Context, ns chunk.Namespace) (int64, error)

	// ForEachChunk streams the namespace's chunks in ascending min-key
	// order, invoking fn for each. Iteration stops on the first fn error,
	// which is returned verbatim.
	ForEachChunk(ctx context.Context, ns chunk.Namespace, fn func(chunk.Chunk) error) error

	// RangeSizeKB measures the approximate data size of [r.Min, r.Max),
	// rounded up to the next whole kilobyte. Never rounds down: a candidate
	// must not be treated as under-filled because of truncation.
	RangeSizeKB(ctx context.Context, ns chunk.Namespace, keyPattern bson.Raw, r chunk.Range) (int64, error)

	// MergeChunks coalesces all chunks spanning [r.Min, r.Max) on their
	// owning shard into one chunk. Returns ErrRangeLockConflict (possibly
	// wrapped) on metadata lock contention; any other error is fatal to the
	// caller's worker.
	MergeChunks(ctx context.Context, ns chunk.Namespace, r chunk.Range) error

	// StoreChunkSizeEstimate persists a measured size onto the chunk
	// document covering exactly [r.Min, r.Max) on the given shard, so a
	// later run can skip re-measuring it. Best-effort: callers log failures
	// and move on.
	StoreChunkSizeEstimate(ctx context.Context, ns chunk.Namespace, r chunk.Range, shard chunk.ShardID, sizeKB int64) error

	// Setting reads one cluster-wide settings document by ID. The second
	// return is false when the document does not exist.
	Setting(ctx context.Context, id string) (bson.Raw, bool, error)

	// VerifyRouter returns ErrNotRouter when the endpoint is not a mongos.
	VerifyRouter(ctx context.Context) error

	// FeatureCompatibilityVersion returns the cluster's FCV string,
	// logged at startup for diagnostics.
	FeatureCompatibilityVersion(ctx context.Context) (string, error)

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
