package defrag

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/chunkd-io/chunkd/internal/cluster"
	"github.com/chunkd-io/chunkd/internal/logging"
)

// minTargetChunkSizeMB is the smallest cluster chunk size an apply run
// accepts. Merging against a smaller target is pointless: the moment the
// balancer is re-enabled, chunks merged near the default size would be
// re-split right back.
const minTargetChunkSizeMB = 128

// PreconditionError reports a cluster-wide setting that blocks an apply run.
// Preconditions are checked before any mutation, so a failed run has changed
// nothing.
type PreconditionError struct {
	// Setting is the config settings document the check read.
	Setting string
	// Reason is what was wrong with it.
	Reason string
	// Hint is the operator action that clears the condition.
	Hint string
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("defrag: precondition failed: %s", e.Reason)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// Preflight is the outcome of the precondition checks.
type Preflight struct {
	// TargetChunkSizeKB is the merge size target: the cluster's chunksize
	// setting, or the configured fallback when a plan run finds none.
	TargetChunkSizeKB int64

	// FCV is the cluster's feature compatibility version, logged for
	// diagnostics.
	FCV string
}

// runPreflight verifies the cluster is safe to defragment and resolves the
// merge size target. Apply runs fail on any violation; plan runs log warnings
// and continue, falling back to fallbackTargetKB when the cluster has no
// usable chunksize setting.
func runPreflight(ctx context.Context, c cluster.Client, plan bool, fallbackTargetKB int64, log *logging.Logger) (Preflight, error) {
	if err := c.VerifyRouter(ctx); err != nil {
		if !plan {
			return Preflight{}, fmt.Errorf("defrag: verifying router: %w", err)
		}
		log.Warnf("endpoint is not a cluster router; an apply run would refuse it", map[string]any{
			"error": err.Error(),
		})
	}

	if err := checkBalancer(ctx, c, plan, log); err != nil {
		return Preflight{}, err
	}
	if err := checkAutosplit(ctx, c, plan, log); err != nil {
		return Preflight{}, err
	}

	targetKB, err := resolveTarget(ctx, c, plan, fallbackTargetKB, log)
	if err != nil {
		return Preflight{}, err
	}

	fcv, err := c.FeatureCompatibilityVersion(ctx)
	if err != nil {
		return Preflight{}, fmt.Errorf("defrag: reading feature compatibility version: %w", err)
	}

	return Preflight{TargetChunkSizeKB: targetKB, FCV: fcv}, nil
}

// checkBalancer requires the balancer to be stopped. A merge racing the
// balancer loses its range lock over and over; worse, a migration between
// snapshot and merge makes the snapshot's contiguity stale.
func checkBalancer(ctx context.Context, c cluster.Client, plan bool, log *logging.Logger) error {
	doc, found, err := c.Setting(ctx, cluster.SettingBalancer)
	if err != nil {
		return fmt.Errorf("defrag: reading balancer setting: %w", err)
	}

	perr := &PreconditionError{Setting: cluster.SettingBalancer, Hint: "disable the balancer with sh.stopBalancer()"}
	switch {
	case !found:
		perr.Reason = "balancer settings document not found; the balancer is running"
	default:
		mode, _ := doc.Lookup("mode").StringValueOK()
		if mode == "off" {
			return nil
		}
		perr.Reason = fmt.Sprintf("balancer mode is %q, want \"off\"", mode)
	}

	if plan {
		log.Warnf("precondition not met; an apply run would refuse to start", map[string]any{
			"setting": perr.Setting,
			"reason":  perr.Reason,
		})
		return nil
	}
	return perr
}

// checkAutosplit requires the auto-splitter to be disabled. A missing
// settings document means the default applies, and the default is enabled.
func checkAutosplit(ctx context.Context, c cluster.Client, plan bool, log *logging.Logger) error {
	doc, found, err := c.Setting(ctx, cluster.SettingAutosplit)
	if err != nil {
		return fmt.Errorf("defrag: reading autosplit setting: %w", err)
	}

	perr := &PreconditionError{Setting: cluster.SettingAutosplit, Hint: "disable chunk auto-splitting with sh.disableAutoSplit()"}
	switch {
	case !found:
		perr.Reason = "autosplit settings document not found; auto-splitting defaults to enabled"
	default:
		enabled, ok := doc.Lookup("enabled").BooleanOK()
		if ok && !enabled {
			return nil
		}
		perr.Reason = "chunk auto-splitting is enabled"
	}

	if plan {
		log.Warnf("precondition not met; an apply run would refuse to start", map[string]any{
			"setting": perr.Setting,
			"reason":  perr.Reason,
		})
		return nil
	}
	return perr
}

// resolveTarget turns the cluster's chunksize setting into the merge size
// target in KB. Apply runs require the setting to exist and to be at least
// minTargetChunkSizeMB; plan runs fall back to the configured target.
func resolveTarget(ctx context.Context, c cluster.Client, plan bool, fallbackTargetKB int64, log *logging.Logger) (int64, error) {
	doc, found, err := c.Setting(ctx, cluster.SettingChunkSize)
	if err != nil {
		return 0, fmt.Errorf("defrag: reading chunksize setting: %w", err)
	}

	var mb float64
	ok := false
	if found {
		mb, ok = settingNumber(doc.Lookup("value"))
	}

	if ok && mb >= minTargetChunkSizeMB {
		return int64(mb * 1024), nil
	}

	perr := &PreconditionError{
		Setting: cluster.SettingChunkSize,
		Hint:    fmt.Sprintf("set the cluster chunk size to at least %d MB so merged chunks are not immediately re-split", minTargetChunkSizeMB),
	}
	switch {
	case !ok:
		perr.Reason = "chunk size is not configured"
	default:
		perr.Reason = fmt.Sprintf("chunk size is %g MB, want at least %d MB", mb, minTargetChunkSizeMB)
	}

	if plan {
		log.Warnf("using the configured target chunk size; the cluster has no usable chunksize setting", map[string]any{
			"setting":  perr.Setting,
			"reason":   perr.Reason,
			"targetKB": fallbackTargetKB,
		})
		return fallbackTargetKB, nil
	}
	return 0, perr
}

// settingNumber reads a numeric settings field that clusters store as either
// a double or an integer type.
func settingNumber(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bson.TypeDouble:
		return v.DoubleOK()
	case bson.TypeInt32:
		n, ok := v.Int32OK()
		return float64(n), ok
	case bson.TypeInt64:
		n, ok := v.Int64OK()
		return float64(n), ok
	default:
		return 0, false
	}
}
