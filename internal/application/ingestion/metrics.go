package ingestion

import (
	"context"
	"imgvec/internal/domain/valueobject"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	OutcomesCounterName    = "imgvec_outcomes_total"
	StageDurationHistogram = "imgvec_stage_duration_seconds"
	RunsCounterName        = "imgvec_runs_total"
)

// Attribute keys.
const (
	AttrOutcome  = "outcome"
	AttrReason   = "reason"
	AttrStage    = "stage"
	AttrStrategy = "strategy"
	AttrResult   = "result"
)

// Pipeline stages timed by the stage histogram.
const (
	StageDedup    = "dedup"
	StageDownload = "download"
	StageExtract  = "extract"
	StagePersist  = "persist"
	StageRun      = "run"
)

// Run results.
const (
	RunResultCompleted = "completed"
	RunResultPartial   = "partial"
	RunResultFailed    = "failed"
)

// Metrics records pipeline outcomes with OpenTelemetry. A nil *Metrics is a no-op.
type Metrics struct {
	outcomes metric.Int64Counter
	stages   metric.Float64Histogram
	runs     metric.Int64Counter
}

// NewMetrics creates the pipeline instruments. A nil provider uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("imgvec/ingestion")

	outcomes, err := meter.Int64Counter(
		OutcomesCounterName,
		metric.WithDescription("Terminal per-image outcomes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	stages, err := meter.Float64Histogram(
		StageDurationHistogram,
		metric.WithDescription("Duration of pipeline stages"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter(
		RunsCounterName,
		metric.WithDescription("Ingestion runs by strategy and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{outcomes: outcomes, stages: stages, runs: runs}, nil
}

// RecordOutcome counts one terminal outcome.
func (m *Metrics) RecordOutcome(ctx context.Context, kind valueobject.OutcomeKind, reason valueobject.FailureReason) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOutcome, kind.String()),
		attribute.String(AttrReason, reason.String()),
	))
}

// RecordStage records how long a stage took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String(AttrStage, stage)))
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(ctx context.Context, strategy valueobject.Strategy, result string) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStrategy, strategy.String()),
		attribute.String(AttrResult, result),
	))
}
