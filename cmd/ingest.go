package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/application/ingestion"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type ingestFlags struct {
	strategy       string
	limit          int
	skipProcessed  bool
	forceReprocess bool
	maxWorkers     int
	chunkSize      int
	timeout        time.Duration
	dryRun         bool
}

func newIngestCmd() *cobra.Command {
	var flags ingestFlags

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run a bulk ingestion over the image catalog",
		Long: `Run one ingestion over the image catalog and print the run summary as JSON.

The serial_chunked strategy processes the work list in chunks: each chunk is
deduplicated against the store, downloaded concurrently, passed through the
feature extractor in batches and persisted with batched upserts. The parallel
strategy processes every image as an independent task.

Interrupting the command stops dispatching new work. Images already in
flight finish, and the summary marks the run as partial.`,
		Example: `  imgvec ingest --strategy parallel --limit 1000
  imgvec ingest --force --skip-processed=false --chunk-size 200`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.strategy, "strategy", "", "serial_chunked or parallel (default: pipeline.default_strategy)")
	f.IntVar(&flags.limit, "limit", 0, "read at most this many catalog rows")
	f.BoolVar(&flags.skipProcessed, "skip-processed", true, "only read images without a stored vector")
	f.BoolVar(&flags.forceReprocess, "force", false, "recompute vectors that are already stored")
	f.IntVar(&flags.maxWorkers, "max-workers", 0, "bound per-image concurrency (default: configured worker counts)")
	f.IntVar(&flags.chunkSize, "chunk-size", 0, "override pipeline.chunk_size for this run")
	f.DurationVar(&flags.timeout, "timeout", 0, "stop dispatching new work after this long")
	f.BoolVar(&flags.dryRun, "dry-run", false, "compute vectors without writing them")
	return cmd
}

// runRequest translates the flags that were set into a run request.
func (f ingestFlags) runRequest(cmd *cobra.Command) (entity.RunRequest, error) {
	req := entity.DefaultRunRequest()
	req.SkipProcessed = f.skipProcessed
	req.ForceReprocess = f.forceReprocess
	req.Timeout = f.timeout

	changed := cmd.Flags().Changed
	if changed("limit") {
		limit := f.limit
		req.Limit = &limit
	}
	if changed("max-workers") {
		workers := f.maxWorkers
		req.MaxWorkers = &workers
	}
	if changed("chunk-size") {
		size := f.chunkSize
		req.ChunkSize = &size
	}
	return req, req.Validate()
}

func runIngest(cmd *cobra.Command, flags ingestFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	raw := flags.strategy
	if raw == "" {
		raw = cfg.Pipeline.DefaultStrategy
	}
	strategy, err := valueobject.NewStrategy(raw)
	if err != nil {
		return err
	}
	req, err := flags.runRequest(cmd)
	if err != nil {
		return err
	}

	ctx, stop := stopOnSignal(cmd.Context())
	defer stop()

	app, err := newApplication(ctx, cfg, appOptions{dryRun: flags.dryRun})
	if err != nil {
		return err
	}
	defer app.Close()

	summary, err := app.service.Run(ctx, strategy, req)
	if err != nil {
		return err
	}
	app.logMetrics(ctx)

	slogger.Info(ctx, "Ingestion finished", slogger.Fields3(
		"run_id", summary.RunID, "message", summary.Message, "partial", summary.Partial))
	return writeJSON(cmd.OutOrStdout(), summary)
}

// stopOnSignal returns a context on which SIGINT or SIGTERM stops dispatching
// new images. Images already in flight finish and are counted.
func stopOnSignal(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	signals, stop := signalContext(context.Background())
	return ingestion.WithStop(parent, signals.Done()), stop
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newIngestCmd())
}
