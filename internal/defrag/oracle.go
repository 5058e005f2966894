package defrag

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
)

// Action is the oracle's verdict on a ready candidate.
type Action int

const (
	// ActionContinue keeps the candidate accumulating: the measured size came
	// back under the commit threshold, so the merge would produce an
	// under-filled chunk.
	ActionContinue Action = iota

	// ActionCommit merges the candidate's full bound range.
	ActionCommit

	// ActionCommitForced merges the candidate because a contiguity break
	// closed it; the size check was bypassed.
	ActionCommitForced
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionCommit:
		return "commit"
	case ActionCommitForced:
		return "commit-forced"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Evaluation is the outcome of sizing one ready candidate.
type Evaluation struct {
	Action Action

	// SizeKB is the candidate's exact measured size, or the running estimate
	// when the run is in plan mode and nothing was measured.
	SizeKB int64

	// Oversized flags a committed candidate whose measured size exceeded the
	// oversize threshold. Policy still commits it; a size-aware
	// split-then-merge is a known unimplemented refinement.
	Oversized bool
}

// Oracle sizes ready candidates against the merge target and decides whether
// to extend, commit, or commit oversized.
//
// Thresholds compare with integer cross-multiplication (sizeKB*100 against
// targetKB*percent) so boundary cases are exact: a candidate at exactly 75%
// of target commits, and one at exactly 110% commits unflagged.
type Oracle struct {
	client     cluster.Client
	ns         chunk.Namespace
	keyPattern bson.Raw
	targetKB   int64
	plan       bool
}

// NewOracle creates an oracle for one run. In plan mode the oracle never
// calls the size estimator and reuses running estimates verbatim.
func NewOracle(client cluster.Client, ns chunk.Namespace, keyPattern bson.Raw, targetKB int64, plan bool) *Oracle {
	return &Oracle{client: client, ns: ns, keyPattern: keyPattern, targetKB: targetKB, plan: plan}
}

// TargetKB returns the merge size target the oracle compares against.
func (o *Oracle) TargetKB() int64 {
	return o.targetKB
}

// Evaluate sizes the candidate spanning bounds. estimateKB is the builder's
// running estimate; forced marks a candidate closed by a contiguity break,
// which commits unconditionally. Apply runs measure the exact size even when
// forced, so the measurement can be persisted onto the merged chunk.
func (o *Oracle) Evaluate(ctx context.Context, bounds chunk.Range, estimateKB int64, forced bool) (Evaluation, error) {
	sizeKB := estimateKB
	if !o.plan {
		measured, err := o.client.RangeSizeKB(ctx, o.ns, o.keyPattern, bounds)
		if err != nil {
			return Evaluation{}, fmt.Errorf("defrag: sizing candidate %s: %w", bounds, err)
		}
		sizeKB = measured
	}

	if forced {
		return Evaluation{Action: ActionCommitForced, SizeKB: sizeKB}, nil
	}

	switch {
	case sizeKB*100 < o.targetKB*75:
		return Evaluation{Action: ActionContinue, SizeKB: sizeKB}, nil
	case sizeKB*100 > o.targetKB*110:
		return Evaluation{Action: ActionCommit, SizeKB: sizeKB, Oversized: true}, nil
	default:
		return Evaluation{Action: ActionCommit, SizeKB: sizeKB}, nil
	}
}

// MeasureChunk returns the exact size of a single chunk's range, used to
// record sizes for chunks that cannot be merged.
func (o *Oracle) MeasureChunk(ctx context.Context, c chunk.Chunk) (int64, error) {
	sizeKB, err := o.client.RangeSizeKB(ctx, o.ns, o.keyPattern, c.Range)
	if err != nil {
		return 0, fmt.Errorf("defrag: sizing chunk %s: %w", c.Range, err)
	}
	return sizeKB, nil
}
