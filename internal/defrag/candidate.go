package defrag

import (
	"github.com/chunkd-io/chunkd/internal/chunk"
)

// Builder accumulates physically adjacent chunks of one shard into a merge
// candidate. Chunks must be fed in ascending key order, the order the
// snapshot stores them in.
//
// The builder tracks a running size estimate: each appended chunk adds the
// configured per-chunk estimate, and a measurement that came back under the
// commit threshold replaces the estimate wholesale (AbsorbMeasured), so
// estimation error self-corrects instead of compounding.
type Builder struct {
	targetKB   int64
	perChunkKB int64

	chunks     []chunk.Chunk
	estimateKB int64
}

// Step tells the worker what a just-added chunk did to the candidate.
type Step struct {
	// Ready means the candidate must be evaluated before the next chunk is
	// added: the running estimate crossed the evaluation threshold, or a
	// contiguity break closed the candidate.
	Ready bool

	// Forced means a contiguity break closed a candidate of two or more
	// chunks. The candidate commits without a size check, and the chunk that
	// broke contiguity seeds the next candidate (Restart).
	Forced bool

	// Orphan is a single chunk abandoned because its successor was not
	// adjacent. One chunk cannot be merged, so the candidate restarted from
	// the new chunk; the orphan is reported so its size can be recorded for
	// later runs.
	Orphan *chunk.Chunk
}

// NewBuilder creates a builder for one shard's scan. targetKB is the merge
// size target; perChunkKB is the estimate added per accumulated chunk.
func NewBuilder(targetKB, perChunkKB int64) *Builder {
	return &Builder{targetKB: targetKB, perChunkKB: perChunkKB}
}

// Add feeds the next chunk in key order into the candidate.
func (b *Builder) Add(c chunk.Chunk) Step {
	if len(b.chunks) == 0 {
		b.seed(c)
		return Step{}
	}

	last := b.chunks[len(b.chunks)-1]
	if last.Precedes(c) {
		b.chunks = append(b.chunks, c)
		b.estimateKB += b.perChunkKB
		// Accumulate until the estimate clears 90% of the target; measuring
		// exact sizes for small runs would swamp the cluster with dataSize
		// scans.
		if b.estimateKB*100 <= b.targetKB*90 {
			return Step{}
		}
		return Step{Ready: true}
	}

	if len(b.chunks) == 1 {
		orphan := b.chunks[0]
		b.seed(c)
		return Step{Orphan: &orphan}
	}
	return Step{Ready: true, Forced: true}
}

// Bounds returns the candidate's full key range [first.Min, last.Max).
// Only valid while the candidate is non-empty.
func (b *Builder) Bounds() chunk.Range {
	return chunk.Range{Min: b.chunks[0].Min, Max: b.chunks[len(b.chunks)-1].Max}
}

// Len returns the number of chunks in the candidate.
func (b *Builder) Len() int {
	return len(b.chunks)
}

// EstimateKB returns the running size estimate.
func (b *Builder) EstimateKB() int64 {
	return b.estimateKB
}

// AbsorbMeasured replaces the running estimate with an exact measurement that
// came back under the commit threshold. The candidate keeps accumulating.
func (b *Builder) AbsorbMeasured(sizeKB int64) {
	b.estimateKB = sizeKB
}

// Reset empties the candidate after a commit.
func (b *Builder) Reset() {
	b.chunks = b.chunks[:0]
	b.estimateKB = 0
}

// Restart empties the candidate and seeds it with the chunk that broke
// contiguity, used after a forced commit.
func (b *Builder) Restart(c chunk.Chunk) {
	b.chunks = b.chunks[:0]
	b.seed(c)
}

func (b *Builder) seed(c chunk.Chunk) {
	b.chunks = append(b.chunks, c)
	b.estimateKB = b.perChunkKB
}
