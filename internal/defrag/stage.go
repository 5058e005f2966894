package defrag

import "context"

// Stage is a defragmentation phase run after the merge phase. Later phases
// plug in here without changing the runner's contract.
type Stage interface {
	// Name identifies the stage in logs and the run summary.
	Name() string

	// Run executes the stage against the run's snapshot. The snapshot
	// reflects the collection as loaded at the start of the run, not the
	// post-merge state.
	Run(ctx context.Context, snap *Snapshot) error
}

// MoveAndMergeStage reserves the cross-shard move-and-merge phase. The phase
// is unimplemented; the stage does nothing, so runs configured with it keep
// the same shape when it lands.
type MoveAndMergeStage struct{}

// Name implements Stage.
func (MoveAndMergeStage) Name() string { return "move-and-merge" }

// Run implements Stage. It performs no work.
func (MoveAndMergeStage) Run(context.Context, *Snapshot) error { return nil }
