package defrag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
	"github.com/chunkd-io/chunkd/internal/logging"
	"github.com/chunkd-io/chunkd/internal/metrics"
)

// Run modes.
const (
	ModePlan  = "plan"
	ModeApply = "apply"
)

// Default gate capacities. Minor merges are cheap for the cluster; major
// merges stall routers and stay serialized unless an operator widens the
// gate deliberately.
const (
	DefaultMinorGateCapacity = 8
	DefaultMajorGateCapacity = 1
)

// RunnerConfig configures a defragmentation run.
type RunnerConfig struct {
	// Client is the cluster the run operates on. Required.
	Client cluster.Client

	// Namespace is the sharded collection to defragment. Required.
	Namespace chunk.Namespace

	// Plan makes the run read-only: precondition violations are warnings,
	// candidate sizes come from running estimates, and intended merges are
	// logged instead of issued.
	Plan bool

	// EstimatedChunkSizeKB is the size assumed per chunk while a candidate
	// accumulates, before its exact size is measured. Required.
	EstimatedChunkSizeKB int64

	// FallbackTargetKB is the merge size target plan runs fall back to when
	// the cluster has no usable chunksize setting. Defaults to 128 MB.
	FallbackTargetKB int64

	// MinorGateCapacity bounds in-flight merges on shards at the collection
	// version; MajorGateCapacity on shards below it. Zero takes the default.
	MinorGateCapacity int
	MajorGateCapacity int

	// RunID stamps logs, merge records and the summary. Required.
	RunID string

	// Confirm, when set, runs after preflight and before any mutation on
	// apply runs; returning an error aborts with nothing changed. Plan runs
	// never call it.
	Confirm func(ctx context.Context, pf Preflight) error

	// Observers receive merge records as workers produce them. Optional.
	Observers []Observer

	// Metrics observes run progress. Optional.
	Metrics *metrics.DefragMetrics

	// Logger defaults to the global logger.
	Logger *logging.Logger

	// Stages run in order after the merge phase. Optional; reserved for
	// later defragmentation phases.
	Stages []Stage
}

// Runner executes defragmentation runs against one namespace.
type Runner struct {
	cfg      RunnerConfig
	mode     string
	log      *logging.Logger
	progress *Progress
	obs      observers
}

// NewRunner validates the configuration and prepares a runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Client == nil {
		return nil, errors.New("defrag: client is required")
	}
	if cfg.Namespace.IsZero() {
		return nil, errors.New("defrag: namespace is required")
	}
	if cfg.EstimatedChunkSizeKB <= 0 {
		return nil, errors.New("defrag: estimated chunk size must be positive")
	}
	if cfg.RunID == "" {
		return nil, errors.New("defrag: run ID is required")
	}
	if cfg.FallbackTargetKB <= 0 {
		cfg.FallbackTargetKB = minTargetChunkSizeMB * 1024
	}
	if cfg.MinorGateCapacity <= 0 {
		cfg.MinorGateCapacity = DefaultMinorGateCapacity
	}
	if cfg.MajorGateCapacity <= 0 {
		cfg.MajorGateCapacity = DefaultMajorGateCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}

	mode := ModeApply
	if cfg.Plan {
		mode = ModePlan
	}
	log := cfg.Logger.WithRunID(cfg.RunID)

	return &Runner{
		cfg:      cfg,
		mode:     mode,
		log:      log,
		progress: NewProgress(cfg.Namespace.String(), mode, log),
		obs:      observers(cfg.Observers),
	}, nil
}

// Progress returns the run's live counters, safe to read while Run is in
// flight.
func (r *Runner) Progress() *Progress {
	return r.progress
}

// Run executes one defragmentation pass: preflight, snapshot, one worker per
// shard, then any configured extra stages.
//
// Workers share only the concurrency gates. A worker's fatal error does not
// cancel its siblings; every other shard still gets its full pass, and Run
// returns the first failure after all of them finish. The returned Summary
// reflects everything that was done even when err is non-nil, with per-shard
// failures on the shard entries.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	r.log.Infof("starting defragmentation run", map[string]any{
		"namespace": r.cfg.Namespace.String(),
		"mode":      r.mode,
		"minorGate": r.cfg.MinorGateCapacity,
		"majorGate": r.cfg.MajorGateCapacity,
	})

	pf, err := runPreflight(ctx, r.cfg.Client, r.cfg.Plan, r.cfg.FallbackTargetKB, r.log)
	if err != nil {
		return nil, err
	}
	r.log.Infof("preflight passed", map[string]any{
		"targetKB": pf.TargetChunkSizeKB,
		"fcv":      pf.FCV,
	})

	if !r.cfg.Plan && r.cfg.Confirm != nil {
		if err := r.cfg.Confirm(ctx, pf); err != nil {
			return nil, fmt.Errorf("defrag: run not confirmed: %w", err)
		}
	}

	snap, err := LoadSnapshot(ctx, r.cfg.Client, r.cfg.Namespace, r.onChunkLoaded)
	if err != nil {
		return nil, err
	}
	r.progress.SetTotal(snap.TotalChunks)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordChunksTotal(snap.TotalChunks)
	}
	r.log.Infof("collection snapshot loaded", map[string]any{
		"chunks":            snap.TotalChunks,
		"shards":            len(snap.Shards),
		"collectionVersion": snap.CollectionVersion.String(),
	})

	gates := NewGates(int64(r.cfg.MinorGateCapacity), int64(r.cfg.MajorGateCapacity), r.cfg.Metrics)
	oracle := NewOracle(r.cfg.Client, snap.Namespace, snap.KeyPattern, pf.TargetChunkSizeKB, r.cfg.Plan)

	var g errgroup.Group
	for _, entry := range snap.Shards {
		w := &worker{
			runID:      r.cfg.RunID,
			shard:      entry,
			ns:         snap.Namespace,
			client:     r.cfg.Client,
			oracle:     oracle,
			gates:      gates,
			plan:       r.cfg.Plan,
			perChunkKB: r.cfg.EstimatedChunkSizeKB,
			progress:   r.progress,
			metrics:    r.cfg.Metrics,
			obs:        r.obs,
			log:        r.log.WithShard(string(entry.ID)),
		}
		g.Go(func() error {
			if err := w.run(ctx); err != nil {
				w.shard.Err = err
				w.log.Errorf("shard worker failed", map[string]any{"error": err.Error()})
				return err
			}
			return nil
		})
	}
	runErr := g.Wait()

	for _, stage := range r.cfg.Stages {
		if runErr != nil {
			break
		}
		r.log.Infof("running stage", map[string]any{"stage": stage.Name()})
		if err := stage.Run(ctx, snap); err != nil {
			runErr = fmt.Errorf("defrag: stage %s: %w", stage.Name(), err)
		}
	}

	summary := r.buildSummary(snap, pf, started)
	r.log.Infof("defragmentation run finished", map[string]any{
		"mode":      r.mode,
		"merges":    summary.Merges,
		"conflicts": summary.Conflicts,
		"duration":  summary.Finished.Sub(summary.Started).String(),
	})
	return summary, runErr
}

// onChunkLoaded feeds snapshot load progress into the counters.
func (r *Runner) onChunkLoaded(loaded, total int64) {
	r.progress.SetTotal(total)
	r.progress.ChunkLoaded()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordChunkLoaded()
	}
}

// ShardSummary reports one shard's outcome.
type ShardSummary struct {
	Shard     chunk.ShardID `json:"shard"`
	Chunks    int           `json:"chunks"`
	Merges    int64         `json:"merges"`
	Conflicts int64         `json:"conflicts"`
	Error     string        `json:"error,omitempty"`
}

// Summary reports a finished run.
type Summary struct {
	RunID             string         `json:"runId"`
	Namespace         string         `json:"namespace"`
	Mode              string         `json:"mode"`
	FCV               string         `json:"fcv"`
	TargetChunkSizeKB int64          `json:"targetChunkSizeKB"`
	TotalChunks       int64          `json:"totalChunks"`
	CollectionVersion string         `json:"collectionVersion"`
	Started           time.Time      `json:"started"`
	Finished          time.Time      `json:"finished"`
	Merges            int64          `json:"merges"`
	Conflicts         int64          `json:"conflicts"`
	Shards            []ShardSummary `json:"shards"`
}

func (r *Runner) buildSummary(snap *Snapshot, pf Preflight, started time.Time) *Summary {
	s := &Summary{
		RunID:             r.cfg.RunID,
		Namespace:         snap.Namespace.String(),
		Mode:              r.mode,
		FCV:               pf.FCV,
		TargetChunkSizeKB: pf.TargetChunkSizeKB,
		TotalChunks:       snap.TotalChunks,
		CollectionVersion: snap.CollectionVersion.String(),
		Started:           started,
		Finished:          time.Now(),
		Shards:            make([]ShardSummary, 0, len(snap.Shards)),
	}
	for _, entry := range snap.Shards {
		ss := ShardSummary{
			Shard:     entry.ID,
			Chunks:    len(entry.Chunks),
			Merges:    entry.Merges,
			Conflicts: entry.Conflicts,
		}
		if entry.Err != nil {
			ss.Error = entry.Err.Error()
		}
		s.Merges += entry.Merges
		s.Conflicts += entry.Conflicts
		s.Shards = append(s.Shards, ss)
	}
	return s
}
