// Command pipeline runs one batch pass (fingerprints, then contamination
// scores) against the configured graph store and exits.
//
// Usage:
//
//	go run ./cmd/pipeline            # full pipeline
//	go run ./cmd/pipeline -json      # print the run report as JSON
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/contagion/internal/config"
	"github.com/mbd888/contagion/internal/engine"
	"github.com/mbd888/contagion/internal/logging"
)

func main() {
	asJSON := flag.Bool("json", false, "print the run report as JSON")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// A one-shot memory run would score an empty or freshly seeded graph
	// and throw the result away.
	if cfg.GraphBackend == config.BackendMemory {
		fmt.Fprintln(os.Stderr, "pipeline: set DATABASE_URL or GRAPH_BACKEND=neo4j")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open engine", "error", err)
		os.Exit(1)
	}
	defer func() { _ = eng.Close() }()

	run, err := eng.Pipeline.RunPipeline(ctx, "cli")
	if err != nil {
		logger.Error("pipeline failed", "error", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(run)
		return
	}
	fmt.Printf("run %s finished in %s\n", run.ID, run.Duration)
	if fp := run.Fingerprints; fp != nil {
		fmt.Printf("  fingerprints: %d computed, %d skipped, %d failed\n", fp.Computed, fp.Skipped, fp.Failed)
	}
	if p := run.Pass; p != nil {
		fmt.Printf("  scores: %d processed, %d failed\n", p.Processed, p.Failed)
		for zone, n := range p.Zones {
			fmt.Printf("    %s: %d\n", zone, n)
		}
	}
}
