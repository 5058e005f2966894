package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chunkd-io/chunkd/internal/config"
	"github.com/chunkd-io/chunkd/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Handle version flag before subcommand parsing
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("chunkd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Check for subcommand
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "plan":
		runDefrag("plan", os.Args[2:], true)
	case "apply":
		runDefrag("apply", os.Args[2:], false)
	case "version":
		fmt.Printf("chunkd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: chunkd <command> [options]

Commands:
  plan        Preview the merges a defragmentation run would perform
  apply       Defragment a sharded collection by merging adjacent chunks
  version     Print version information

Run 'chunkd <command> --help' for more information on a command.`)
}

// runDefrag drives both the plan and apply subcommands; they share flags and
// wiring and differ only in whether merges are issued.
func runDefrag(name string, args []string, plan bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	uri := fs.String("uri", "", "Override cluster router URI (e.g., mongodb://localhost:27017)")
	namespace := fs.String("ns", "", "Override the namespace to defragment (database.collection)")
	statusAddr := fs.String("status-addr", "", "Override status endpoint address (e.g., :9090)")
	reportPath := fs.String("report-path", "", "Override local report directory")
	runID := fs.String("run-id", "", "Override run ID (default: auto-generated UUID)")
	var assumeYes *bool
	if !plan {
		assumeYes = fs.Bool("yes", false, "Skip the confirmation prompt")
	}

	fs.Usage = func() {
		if plan {
			fmt.Println(`Usage: chunkd plan [options]

Preview a defragmentation run without changing the cluster.

Plan mode scans the namespace, builds merge candidates from running size
estimates and logs the merges an apply run would issue. Precondition
violations are reported as warnings instead of aborting the run.

Options:`)
		} else {
			fmt.Println(`Usage: chunkd apply [options]

Defragment a sharded collection by merging adjacent chunks.

Apply mode coalesces runs of key-adjacent chunks on each shard into larger
chunks sized against the cluster's chunk size setting. The balancer and
auto-splitter must be off for the duration of the run.

Options:`)
		}
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Apply CLI overrides
	if *uri != "" {
		cfg.Cluster.URI = *uri
	}
	if *namespace != "" {
		cfg.Defrag.Namespace = *namespace
	}
	if *statusAddr != "" {
		cfg.Observability.StatusAddr = *statusAddr
	}
	if *reportPath != "" {
		cfg.Report.Path = *reportPath
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Set up logger
	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Observability.LogLevel),
		Format: logging.ParseFormat(cfg.Observability.LogFormat),
	})

	// Build run options
	opts := RunOptions{
		Config:    cfg,
		Logger:    logger,
		Plan:      plan,
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	}
	if assumeYes != nil {
		opts.AssumeYes = *assumeYes
	}

	// Set run ID
	if *runID != "" {
		opts.RunID = *runID
	} else {
		opts.RunID = uuid.New().String()
	}

	d, err := NewDefragmenter(opts)
	if err != nil {
		logger.Errorf("failed to create defragmenter", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the run
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	// Wait for completion or a shutdown signal
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
		cancel()
		runErr = <-errCh
	case runErr = <-errCh:
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	if runErr != nil {
		logger.Errorf("defragmentation failed", map[string]any{"error": runErr.Error()})
		os.Exit(1)
	}
}
