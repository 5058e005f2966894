package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chunkd-io/chunkd/internal/chunk"
	"github.com/chunkd-io/chunkd/internal/cluster"
	"github.com/chunkd-io/chunkd/internal/cluster/mongo"
	"github.com/chunkd-io/chunkd/internal/config"
	"github.com/chunkd-io/chunkd/internal/defrag"
	"github.com/chunkd-io/chunkd/internal/events"
	"github.com/chunkd-io/chunkd/internal/logging"
	"github.com/chunkd-io/chunkd/internal/metrics"
	"github.com/chunkd-io/chunkd/internal/objectstore"
	"github.com/chunkd-io/chunkd/internal/objectstore/s3"
	"github.com/chunkd-io/chunkd/internal/report"
	"github.com/chunkd-io/chunkd/internal/server"
)

// reportFlushTimeout bounds report writing after the run finishes, so an
// interrupted run still lands its partial report.
const reportFlushTimeout = 60 * time.Second

// RunOptions contains the wiring inputs for one defragmentation run.
type RunOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Plan      bool
	AssumeYes bool
	RunID     string
	Version   string
	GitCommit string
	BuildTime string

	// Client overrides the cluster connection. Tests inject the in-memory
	// fake here; when nil, Run connects to Config.Cluster.URI.
	Client cluster.Client

	// Registry overrides the Prometheus registry. Tests pass a private
	// registry to avoid duplicate registration; when nil the default
	// registry is used.
	Registry prometheus.Registerer

	// Stdin and Stdout serve the confirmation prompt on apply runs.
	// Defaults: os.Stdin and os.Stdout.
	Stdin  io.Reader
	Stdout io.Writer
}

// Defragmenter wires one defragmentation run end to end: cluster client,
// status endpoint, report sinks, event stream and the runner itself.
type Defragmenter struct {
	opts   RunOptions
	logger *logging.Logger

	router       *mongo.Router
	objectStore  objectstore.Store
	statusServer *server.StatusServer
	publisher    events.Publisher
}

// NewDefragmenter validates the options but connects nothing yet.
func NewDefragmenter(opts RunOptions) (*Defragmenter, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.RunID == "" {
		return nil, errors.New("run ID is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	return &Defragmenter{
		opts:      opts,
		logger:    opts.Logger,
		publisher: events.Noop{},
	}, nil
}

// Run connects to the cluster, wires the observers and executes the run.
// Components opened here stay open for Shutdown, so a signal-interrupted run
// still closes cleanly.
func (d *Defragmenter) Run(ctx context.Context) error {
	cfg := d.opts.Config
	mode := defrag.ModeApply
	if d.opts.Plan {
		mode = defrag.ModePlan
	}

	d.logger.Infof("starting chunkd", map[string]any{
		"runId":     d.opts.RunID,
		"mode":      mode,
		"namespace": cfg.Defrag.Namespace,
		"version":   d.opts.Version,
	})

	ns, err := chunk.ParseNamespace(cfg.Defrag.Namespace)
	if err != nil {
		return err
	}

	defragMetrics, clusterMetrics, storeMetrics := d.buildMetrics()

	// Connect to the cluster router
	client := d.opts.Client
	if client == nil {
		retries := cfg.Cluster.MaxConnectAttempts
		if retries < 0 {
			retries = 0
		}
		router, err := mongo.New(ctx, mongo.Config{
			URI:            cfg.Cluster.URI,
			AppName:        cfg.Cluster.AppName,
			ConnectTimeout: time.Duration(cfg.Cluster.ConnectTimeoutMs) * time.Millisecond,
			ConnectRetries: uint64(retries),
		})
		if err != nil {
			return fmt.Errorf("connect to cluster: %w", err)
		}
		d.router = router
		client = router
	}
	client = cluster.NewInstrumented(client, clusterMetrics)

	// Start the status endpoint if configured
	if cfg.Observability.StatusAddr != "" {
		statusServer := server.NewStatusServer(cfg.Observability.StatusAddr, d.logger)
		statusServer.RegisterHandler("/metrics", promhttp.Handler())
		statusServer.RegisterReadinessCheck(server.NewClusterChecker(client))
		if err := statusServer.Start(); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		d.statusServer = statusServer
		d.logger.Infof("status server started", map[string]any{
			"addr": statusServer.Addr(),
		})
	}

	// Assemble the run report writer
	writer, err := d.buildReportWriter(ctx, ns, storeMetrics)
	if err != nil {
		return err
	}

	// Enable the merge event stream if brokers are configured
	if len(cfg.Events.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(events.Config{
			Brokers: cfg.Events.Brokers,
			Topic:   cfg.Events.Topic,
			Logger:  d.logger,
		})
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		d.publisher = publisher
		d.logger.Infof("merge event stream enabled", map[string]any{
			"brokers": strings.Join(cfg.Events.Brokers, ","),
			"topic":   cfg.Events.Topic,
		})
	}

	observers := []defrag.Observer{d.publisher}
	if writer != nil {
		observers = append(observers, writer)
	}

	runnerCfg := defrag.RunnerConfig{
		Client:               client,
		Namespace:            ns,
		Plan:                 d.opts.Plan,
		EstimatedChunkSizeKB: cfg.Defrag.EstimatedChunkSizeKB,
		FallbackTargetKB:     cfg.Defrag.TargetChunkSizeMB * 1024,
		MinorGateCapacity:    cfg.Defrag.MaxConcurrentMinorMerges,
		MajorGateCapacity:    cfg.Defrag.MaxConcurrentMajorMerges,
		RunID:                d.opts.RunID,
		Observers:            observers,
		Metrics:              defragMetrics,
		Logger:               d.logger,
		Stages:               []defrag.Stage{defrag.MoveAndMergeStage{}},
	}
	if !d.opts.Plan && !d.opts.AssumeYes {
		runnerCfg.Confirm = d.confirm
	}

	runner, err := defrag.NewRunner(runnerCfg)
	if err != nil {
		return err
	}

	if d.statusServer != nil {
		d.statusServer.AttachRun(d.opts.RunID, runner.Progress().Status)
	}

	summary, runErr := runner.Run(ctx)

	// Flush the report even when the run was interrupted; the run context
	// is likely canceled by then.
	if writer != nil && summary != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), reportFlushTimeout)
		defer cancel()
		if err := writer.Flush(flushCtx, summary); err != nil {
			d.logger.Errorf("failed to write run report", map[string]any{"error": err.Error()})
			if runErr == nil {
				runErr = err
			}
		}
	}

	return runErr
}

// buildMetrics constructs the run's metric sets, honoring the registry
// override.
func (d *Defragmenter) buildMetrics() (*metrics.DefragMetrics, *metrics.ClusterMetrics, *metrics.ObjectStoreMetrics) {
	if d.opts.Registry != nil {
		return metrics.NewDefragMetricsWithRegistry(d.opts.Registry),
			metrics.NewClusterMetricsWithRegistry(d.opts.Registry),
			metrics.NewObjectStoreMetricsWithRegistry(d.opts.Registry)
	}
	return metrics.NewDefragMetrics(), metrics.NewClusterMetrics(), metrics.NewObjectStoreMetrics()
}

// buildReportWriter assembles the report sinks. Returns nil when no report
// destination is configured.
func (d *Defragmenter) buildReportWriter(ctx context.Context, ns chunk.Namespace, storeMetrics *metrics.ObjectStoreMetrics) (*report.Writer, error) {
	cfg := d.opts.Config
	var sinks []report.Sink

	if cfg.Report.Path != "" {
		sinks = append(sinks, report.NewDirSink(cfg.Report.Path))
	}

	if cfg.Report.S3.Bucket != "" {
		store, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Report.S3.Bucket,
			Region:          cfg.Report.S3.Region,
			Endpoint:        cfg.Report.S3.Endpoint,
			AccessKeyID:     cfg.Report.S3.AccessKey,
			SecretAccessKey: cfg.Report.S3.SecretKey,
			UsePathStyle:    cfg.Report.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize object store: %w", err)
		}
		d.objectStore = objectstore.NewInstrumentedStore(store, storeMetrics)
		metadata := map[string]string{
			"run-id":    d.opts.RunID,
			"namespace": ns.String(),
		}
		sinks = append(sinks, report.NewObjectSink(d.objectStore, cfg.Report.S3.Prefix, metadata))
	}

	if len(sinks) == 0 {
		return nil, nil
	}

	return report.NewWriter(report.Config{
		Format:      cfg.Report.Format,
		Compression: cfg.Report.Compression,
		Sinks:       sinks,
		Logger:      d.logger,
	})
}

// confirm prompts the operator before the write phase. Only an explicit yes
// proceeds; an empty answer declines.
func (d *Defragmenter) confirm(ctx context.Context, pf defrag.Preflight) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fmt.Fprintf(d.opts.Stdout, "The next steps will perform durable changes to the cluster (merge target %d KB).\n", pf.TargetChunkSizeKB)
	scanner := bufio.NewScanner(d.opts.Stdin)
	for {
		fmt.Fprint(d.opts.Stdout, "Proceed (yes/NO)? ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return errors.New("declined (end of input)")
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "yes", "y":
			return nil
		case "no", "n", "":
			return errors.New("declined by operator")
		default:
			fmt.Fprintln(d.opts.Stdout, "Please respond with 'yes' or 'no'")
		}
	}
}

// Shutdown releases everything Run opened. Safe after a failed or
// interrupted run; component close failures are logged, not returned, so a
// partial teardown still reaches every component.
func (d *Defragmenter) Shutdown(ctx context.Context) error {
	// Mark the status endpoint as shutting down before closing anything
	if d.statusServer != nil {
		d.statusServer.SetShuttingDown()
	}

	// Flush and close the event stream
	if err := d.publisher.Close(ctx); err != nil {
		d.logger.Warnf("error closing event publisher", map[string]any{
			"error": err.Error(),
		})
	}

	// Close the status server
	if d.statusServer != nil {
		if err := d.statusServer.Close(); err != nil {
			d.logger.Warnf("error closing status server", map[string]any{
				"error": err.Error(),
			})
		}
	}

	// Close the report object store
	if d.objectStore != nil {
		if err := d.objectStore.Close(); err != nil {
			d.logger.Warnf("error closing object store", map[string]any{
				"error": err.Error(),
			})
		}
	}

	// Disconnect from the cluster
	if d.router != nil {
		if err := d.router.Close(ctx); err != nil {
			d.logger.Warnf("error disconnecting from cluster", map[string]any{
				"error": err.Error(),
			})
		}
	}

	d.logger.Info("shutdown complete")
	return nil
}
