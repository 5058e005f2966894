package defrag

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
)

// ownedChunk builds a chunk for snapshot and run tests.
func ownedChunk(shard string, min, max int64, major, minor uint32) chunk.Chunk {
	return chunk.Chunk{
		Range:   chunk.Range{Min: cluster.Int64Key(min), Max: cluster.Int64Key(max)},
		Shard:   chunk.ShardID(shard),
		Version: chunk.Version{Major: major, Minor: minor},
	}
}

func TestLoadSnapshot_PartitionsByShard(t *testing.T) {
	f, ns := newSizingFake(t)
	f.AddChunks(ns,
		ownedChunk("shard-a", 0, 10, 5, 1),
		ownedChunk("shard-b", 10, 20, 4, 8),
		ownedChunk("shard-a", 20, 30, 4, 9),
		ownedChunk("shard-b", 30, 40, 4, 2),
	)

	snap, err := LoadSnapshot(context.Background(), f, ns, nil)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}

	if snap.TotalChunks != 4 {
		t.Errorf("TotalChunks = %d, want 4", snap.TotalChunks)
	}
	if !bytes.Equal(snap.KeyPattern, cluster.DefaultKeyPattern()) {
		t.Errorf("KeyPattern = %v, want the collection's key pattern", snap.KeyPattern)
	}
	if got := snap.CollectionVersion.String(); got != "5|1" {
		t.Errorf("CollectionVersion = %s, want 5|1", got)
	}

	if len(snap.Shards) != 2 {
		t.Fatalf("len(Shards) = %d, want 2", len(snap.Shards))
	}
	// Entries are sorted by shard ID.
	a, b := snap.Shards[0], snap.Shards[1]
	if a.ID != "shard-a" || b.ID != "shard-b" {
		t.Fatalf("shard order = [%s %s], want [shard-a shard-b]", a.ID, b.ID)
	}

	if len(a.Chunks) != 2 {
		t.Fatalf("shard-a chunks = %d, want 2", len(a.Chunks))
	}
	wantRange(t, a.Chunks[0].Range, 0, 10)
	wantRange(t, a.Chunks[1].Range, 20, 30)
	if got := a.Version.String(); got != "5|1" {
		t.Errorf("shard-a version = %s, want 5|1", got)
	}
	if !a.AtCollectionVersion {
		t.Error("shard-a AtCollectionVersion = false, want true")
	}

	if got := b.Version.String(); got != "4|8" {
		t.Errorf("shard-b version = %s, want 4|8", got)
	}
	if b.AtCollectionVersion {
		t.Error("shard-b AtCollectionVersion = true, want false: its major version is behind")
	}
}

func TestLoadSnapshot_GateClassUsesMajorComponentOnly(t *testing.T) {
	f, ns := newSizingFake(t)
	// Minor components differ wildly; only the major component decides.
	f.AddChunks(ns,
		ownedChunk("shard-a", 0, 10, 7, 0),
		ownedChunk("shard-b", 10, 20, 7, 512),
	)

	snap, err := LoadSnapshot(context.Background(), f, ns, nil)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	for _, entry := range snap.Shards {
		if !entry.AtCollectionVersion {
			t.Errorf("shard %s AtCollectionVersion = false, want true at major version 7", entry.ID)
		}
	}
}

func TestLoadSnapshot_NotSharded(t *testing.T) {
	f := cluster.NewFake()
	ns, err := chunk.ParseNamespace("records.missing")
	if err != nil {
		t.Fatalf("ParseNamespace() error = %v", err)
	}

	_, err = LoadSnapshot(context.Background(), f, ns, nil)
	if !errors.Is(err, cluster.ErrNamespaceNotSharded) {
		t.Errorf("LoadSnapshot() error = %v, want ErrNamespaceNotSharded", err)
	}
}

func TestLoadSnapshot_NoChunks(t *testing.T) {
	f, ns := newSizingFake(t)

	_, err := LoadSnapshot(context.Background(), f, ns, nil)
	if !errors.Is(err, cluster.ErrNamespaceNotSharded) {
		t.Fatalf("LoadSnapshot() error = %v, want ErrNamespaceNotSharded", err)
	}
	if !strings.Contains(err.Error(), "has no chunks") {
		t.Errorf("error = %q, want it to mention the empty chunk inventory", err)
	}
}

func TestLoadSnapshot_ReportsLoadProgress(t *testing.T) {
	f, ns := newSizingFake(t)
	f.AddChunks(ns,
		ownedChunk("shard-a", 0, 10, 1, 0),
		ownedChunk("shard-a", 10, 20, 1, 0),
		ownedChunk("shard-b", 20, 30, 1, 1),
	)

	var loads [][2]int64
	_, err := LoadSnapshot(context.Background(), f, ns, func(loaded, total int64) {
		loads = append(loads, [2]int64{loaded, total})
	})
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}

	want := [][2]int64{{1, 3}, {2, 3}, {3, 3}}
	if len(loads) != len(want) {
		t.Fatalf("onLoaded called %d times, want %d", len(loads), len(want))
	}
	for i, w := range want {
		if loads[i] != w {
			t.Errorf("onLoaded[%d] = %v, want %v", i, loads[i], w)
		}
	}
}
