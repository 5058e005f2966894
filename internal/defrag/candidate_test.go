package defrag

import (
	"testing"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
)

// spanChunk builds a shard-a chunk covering [min, max) on the fake's integer
// shard key.
func spanChunk(min, max int64) chunk.Chunk {
	return chunk.Chunk{
		Range: chunk.Range{Min: cluster.Int64Key(min), Max: cluster.Int64Key(max)},
		Shard: "shard-a",
	}
}

func wantRange(t *testing.T, got chunk.Range, min, max int64) {
	t.Helper()
	if !got.Min.Equal(cluster.Int64Key(min)) || !got.Max.Equal(cluster.Int64Key(max)) {
		t.Errorf("range = %s, want [%d, %d)", got, min, max)
	}
}

func TestBuilder_AccumulatesUntilThreshold(t *testing.T) {
	b := NewBuilder(1000, 300)

	if step := b.Add(spanChunk(0, 10)); step.Ready || step.Forced || step.Orphan != nil {
		t.Errorf("Add(seed) = %+v, want empty step", step)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
	if b.EstimateKB() != 300 {
		t.Errorf("EstimateKB() = %d, want 300", b.EstimateKB())
	}

	// 600 and 900 KB are at or below 90% of the 1000 KB target, so the
	// candidate keeps growing; 900 is the exact boundary.
	if step := b.Add(spanChunk(10, 20)); step.Ready {
		t.Errorf("Add() at estimate 600 = %+v, want not ready", step)
	}
	if step := b.Add(spanChunk(20, 30)); step.Ready {
		t.Errorf("Add() at estimate 900 = %+v, want not ready at exact boundary", step)
	}

	step := b.Add(spanChunk(30, 40))
	if !step.Ready || step.Forced || step.Orphan != nil {
		t.Fatalf("Add() at estimate 1200 = %+v, want ready", step)
	}
	if b.Len() != 4 {
		t.Errorf("Len() = %d, want 4", b.Len())
	}
	if b.EstimateKB() != 1200 {
		t.Errorf("EstimateKB() = %d, want 1200", b.EstimateKB())
	}
	wantRange(t, b.Bounds(), 0, 40)
}

func TestBuilder_OrphanOnContiguityBreak(t *testing.T) {
	b := NewBuilder(1000, 100)

	b.Add(spanChunk(0, 10))
	step := b.Add(spanChunk(20, 30))

	if step.Ready || step.Forced {
		t.Errorf("Add(gap) = %+v, want neither ready nor forced", step)
	}
	if step.Orphan == nil {
		t.Fatal("Add(gap) after single chunk returned no orphan")
	}
	wantRange(t, step.Orphan.Range, 0, 10)

	// The breaking chunk seeded a fresh candidate.
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
	if b.EstimateKB() != 100 {
		t.Errorf("EstimateKB() = %d, want 100", b.EstimateKB())
	}
	wantRange(t, b.Bounds(), 20, 30)
}

func TestBuilder_ForcedOnContiguityBreak(t *testing.T) {
	b := NewBuilder(100000, 100)

	b.Add(spanChunk(0, 10))
	b.Add(spanChunk(10, 20))
	b.Add(spanChunk(20, 30))

	breaking := spanChunk(40, 50)
	step := b.Add(breaking)
	if !step.Ready || !step.Forced {
		t.Fatalf("Add(gap) after multi-chunk candidate = %+v, want ready and forced", step)
	}
	if step.Orphan != nil {
		t.Errorf("Orphan = %v, want nil on forced break", step.Orphan)
	}

	// The candidate still holds the accumulated run; the breaking chunk
	// stays out until Restart.
	if b.Len() != 3 {
		t.Errorf("Len() = %d, want 3", b.Len())
	}
	wantRange(t, b.Bounds(), 0, 30)

	b.Restart(breaking)
	if b.Len() != 1 {
		t.Errorf("Len() after Restart = %d, want 1", b.Len())
	}
	if b.EstimateKB() != 100 {
		t.Errorf("EstimateKB() after Restart = %d, want 100", b.EstimateKB())
	}
	wantRange(t, b.Bounds(), 40, 50)
}

func TestBuilder_AbsorbMeasuredCorrectsEstimate(t *testing.T) {
	b := NewBuilder(1000, 300)

	b.Add(spanChunk(0, 10))
	b.Add(spanChunk(10, 20))
	b.Add(spanChunk(20, 30))
	if step := b.Add(spanChunk(30, 40)); !step.Ready {
		t.Fatalf("Add() = %+v, want ready at estimate 1200", step)
	}

	// A measurement of 500 KB replaces the 1200 KB estimate, so the
	// candidate has headroom again.
	b.AbsorbMeasured(500)
	if b.EstimateKB() != 500 {
		t.Errorf("EstimateKB() = %d, want 500", b.EstimateKB())
	}
	if step := b.Add(spanChunk(40, 50)); step.Ready {
		t.Errorf("Add() at corrected estimate 800 = %+v, want not ready", step)
	}
	step := b.Add(spanChunk(50, 60))
	if !step.Ready {
		t.Fatalf("Add() at corrected estimate 1100 = %+v, want ready", step)
	}
	wantRange(t, b.Bounds(), 0, 60)
}

func TestBuilder_Reset(t *testing.T) {
	b := NewBuilder(1000, 300)
	b.Add(spanChunk(0, 10))
	b.Add(spanChunk(10, 20))

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", b.Len())
	}
	if b.EstimateKB() != 0 {
		t.Errorf("EstimateKB() after Reset = %d, want 0", b.EstimateKB())
	}

	if step := b.Add(spanChunk(100, 110)); step.Ready || step.Orphan != nil {
		t.Errorf("Add() after Reset = %+v, want empty step", step)
	}
	if b.EstimateKB() != 300 {
		t.Errorf("EstimateKB() = %d, want 300", b.EstimateKB())
	}
}
