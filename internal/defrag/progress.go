package defrag

import (
	"sync/atomic"
	"time"

	"github.com/chunkd-io/chunkd/internal/logging"
)

// Progress tracks a run's counters. Shard workers bump it concurrently; the
// status endpoint reads it while the run is in flight, so every field is
// atomic.
type Progress struct {
	namespace string
	mode      string
	started   time.Time

	total     atomic.Int64
	loaded    atomic.Int64
	scanned   atomic.Int64
	merges    atomic.Int64
	conflicts atomic.Int64

	// lastLoggedStep throttles scan progress logging to one line per step.
	lastLoggedStep atomic.Int64

	log *logging.Logger
}

// progressLogStepPercent is how often scan progress is logged.
const progressLogStepPercent = 10

// NewProgress creates a progress tracker for one run.
func NewProgress(namespace, mode string, log *logging.Logger) *Progress {
	if log == nil {
		log = logging.Global()
	}
	return &Progress{
		namespace: namespace,
		mode:      mode,
		started:   time.Now(),
		log:       log,
	}
}

// SetTotal records the progress denominator once the chunk count is known.
func (p *Progress) SetTotal(total int64) {
	p.total.Store(total)
}

// ChunkLoaded counts one chunk loaded into the snapshot.
func (p *Progress) ChunkLoaded() {
	p.loaded.Add(1)
}

// ChunkScanned counts one chunk consumed by a shard worker and logs the run's
// scan percentage at each step boundary.
func (p *Progress) ChunkScanned() {
	scanned := p.scanned.Add(1)
	total := p.total.Load()
	if total <= 0 {
		return
	}

	step := scanned * 100 / total / progressLogStepPercent
	if step == 0 {
		return
	}
	last := p.lastLoggedStep.Load()
	if step > last && p.lastLoggedStep.CompareAndSwap(last, step) {
		p.log.Infof("scan progress", map[string]any{
			"namespace": p.namespace,
			"scanned":   scanned,
			"total":     total,
			"percent":   scanned * 100 / total,
		})
	}
}

// MergeDone counts one committed merge, or one planned merge in plan mode.
func (p *Progress) MergeDone() {
	p.merges.Add(1)
}

// ConflictSeen counts one merge lost to range lock contention.
func (p *Progress) ConflictSeen() {
	p.conflicts.Add(1)
}

// Status is a point-in-time view of the run, serialized by the status
// endpoint.
type Status struct {
	Namespace      string  `json:"namespace"`
	Mode           string  `json:"mode"`
	TotalChunks    int64   `json:"totalChunks"`
	LoadedChunks   int64   `json:"loadedChunks"`
	ScannedChunks  int64   `json:"scannedChunks"`
	PercentScanned float64 `json:"percentScanned"`
	Merges         int64   `json:"merges"`
	Conflicts      int64   `json:"conflicts"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// Status returns the current counters.
func (p *Progress) Status() Status {
	s := Status{
		Namespace:      p.namespace,
		Mode:           p.mode,
		TotalChunks:    p.total.Load(),
		LoadedChunks:   p.loaded.Load(),
		ScannedChunks:  p.scanned.Load(),
		Merges:         p.merges.Load(),
		Conflicts:      p.conflicts.Load(),
		ElapsedSeconds: time.Since(p.started).Seconds(),
	}
	if s.TotalChunks > 0 {
		s.PercentScanned = float64(s.ScannedChunks) * 100 / float64(s.TotalChunks)
	}
	return s
}
