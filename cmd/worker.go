package cmd

import (
	"context"
	"errors"
	"imgvec/internal/adapter/inbound/messaging"
	"imgvec/internal/application/common/slogger"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const defaultShutdownTimeout = 30 * time.Second

// newWorkerCmd creates and returns the worker command.
func newWorkerCmd() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve ingestion run requests from NATS",
		Long: `Start a worker that serves ingestion run requests from NATS.

Workers join the configured queue group on nats.request_subject, so every
request runs on exactly one worker. Each request is a JSON run request; the
reply carries the run summary or an error code. Run lifecycle events are
published on nats.event_subject.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkerService(cmd.Context(), shutdownTimeout)
		},
	}

	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", defaultShutdownTimeout,
		"how long an in-flight run may continue after a shutdown signal")
	return cmd
}

// runWorkerService starts the consumer and blocks until a shutdown signal.
func runWorkerService(ctx context.Context, shutdownTimeout time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required to run a worker")
	}

	slogger.InfoNoCtx("Starting worker service", slogger.Fields3(
		"subject", cfg.NATS.RequestSubject,
		"queue_group", cfg.NATS.QueueGroup,
		"default_strategy", cfg.Pipeline.DefaultStrategy,
	))

	app, err := newApplication(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer app.Close()

	consumerConfig, err := messaging.ConsumerConfigFrom(cfg.NATS, cfg.Pipeline)
	if err != nil {
		return err
	}
	consumer, err := messaging.NewNATSConsumer(consumerConfig, cfg.NATS, app.service)
	if err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	slogger.InfoNoCtx("Worker service started successfully", nil)

	waitForShutdownAndStop(ctx, consumer, shutdownTimeout)
	app.logMetrics(context.Background())
	return nil
}

// waitForShutdownAndStop waits for a shutdown signal and stops the consumer gracefully.
func waitForShutdownAndStop(ctx context.Context, consumer *messaging.NATSConsumer, timeout time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		slogger.InfoNoCtx("Received shutdown signal, initiating graceful shutdown", slogger.Field("signal", sig.String()))
	case <-ctx.Done():
		slogger.InfoNoCtx("Context cancelled, initiating graceful shutdown", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := consumer.Stop(shutdownCtx); err != nil {
		slogger.ErrorWithErrorNoCtx(err, "Error during worker service shutdown", nil)
		return
	}
	stats := consumer.GetStats()
	slogger.InfoNoCtx("Worker service shutdown completed successfully", slogger.Fields3(
		"messages_processed", stats.MessagesProcessed,
		"messages_failed", stats.MessagesFailed,
		"average_process_ms", stats.AverageProcessTime.Milliseconds(),
	))
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newWorkerCmd())
}
