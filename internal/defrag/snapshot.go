package defrag

import (
	"context"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
)

// ShardEntry is one shard's slice of the snapshot. During the run the entry
// is owned exclusively by that shard's worker; the runner reads the counters
// only after all workers have finished.
type ShardEntry struct {
	ID chunk.ShardID

	// Chunks holds the shard's chunks in ascending key order.
	Chunks []chunk.Chunk

	// Version is the shard's highest chunk version at snapshot time.
	Version chunk.Version

	// AtCollectionVersion records whether the shard's major version already
	// matches the collection version, which selects the concurrency gate for
	// its merges. The worker flips it after the shard's first merge attempt:
	// the attempt bumps the shard to the collection version whether or not
	// the merge won the range lock.
	AtCollectionVersion bool

	// Merges counts merges committed on this shard, or merges planned when
	// the run is in plan mode.
	Merges int64

	// Conflicts counts merges lost to metadata range lock contention.
	Conflicts int64

	// Err records the fatal error that stopped this shard's worker, if any.
	Err error
}

// Snapshot is the fixed view of a collection's chunk metadata a run operates
// on. The collection version is computed once at load time and never
// recomputed: chunks produced later by merges carry new versions built by the
// cluster.
type Snapshot struct {
	Namespace  chunk.Namespace
	KeyPattern bson.Raw

	// TotalChunks is the chunk count at load time, the progress denominator.
	TotalChunks int64

	// CollectionVersion is the maximum chunk version across all shards.
	CollectionVersion chunk.Version

	// Shards holds one entry per shard owning at least one chunk, ordered by
	// shard ID so runs iterate deterministically.
	Shards []*ShardEntry
}

// LoadSnapshot reads the namespace's chunk inventory from the cluster and
// partitions it by owning shard. Chunks arrive in ascending key order, which
// per-shard scans rely on for the contiguity test. onLoaded, when non-nil, is
// invoked after each chunk with the running count and the total.
func LoadSnapshot(ctx context.Context, c cluster.Client, ns chunk.Namespace, onLoaded func(loaded, total int64)) (*Snapshot, error) {
	info, err := c.CollectionInfo(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("defrag: loading collection metadata: %w", err)
	}

	total, err := c.CountChunks(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("defrag: counting chunks: %w", err)
	}

	snap := &Snapshot{
		Namespace:   ns,
		KeyPattern:  info.KeyPattern,
		TotalChunks: total,
	}

	entries := make(map[chunk.ShardID]*ShardEntry)
	var loaded int64
	err = c.ForEachChunk(ctx, ns, func(ck chunk.Chunk) error {
		entry, ok := entries[ck.Shard]
		if !ok {
			entry = &ShardEntry{ID: ck.Shard}
			entries[ck.Shard] = entry
		}
		entry.Chunks = append(entry.Chunks, ck)
		if entry.Version.Less(ck.Version) {
			entry.Version = ck.Version
		}
		if snap.CollectionVersion.Less(ck.Version) {
			snap.CollectionVersion = ck.Version
		}

		loaded++
		if onLoaded != nil {
			onLoaded(loaded, total)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("defrag: loading chunks: %w", err)
	}
	if loaded == 0 {
		return nil, fmt.Errorf("defrag: %w: %s has no chunks", cluster.ErrNamespaceNotSharded, ns)
	}

	snap.Shards = make([]*ShardEntry, 0, len(entries))
	for _, entry := range entries {
		entry.AtCollectionVersion = entry.Version.SameMajor(snap.CollectionVersion)
		snap.Shards = append(snap.Shards, entry)
	}
	sort.Slice(snap.Shards, func(i, j int) bool { return snap.Shards[i].ID < snap.Shards[j].ID })

	return snap, nil
}
