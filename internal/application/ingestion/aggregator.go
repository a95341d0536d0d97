package ingestion

import (
	"context"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/errors/domain"
	"imgvec/internal/domain/valueobject"
	"sync"
)

// Counts is a point-in-time view of an Aggregator.
type Counts struct {
	Processed int
	Success   int
	Failed    int
	Skipped   int
}

// ProgressFunc is called every progressEvery completions with a snapshot taken
// under the aggregator lock. It runs on the worker that crossed the threshold.
type ProgressFunc func(ctx context.Context, counts Counts)

// Aggregator accumulates terminal outcomes from concurrent workers. Each
// Succeed, Fail or Skip call increments exactly one counter.
type Aggregator struct {
	mu        sync.Mutex
	success   int
	failed    int
	skipped   int
	failedIDs []valueobject.ImageID
	failures  []entity.FailedItem

	progressEvery int
	onProgress    ProgressFunc
	metrics       *Metrics
}

// NewAggregator creates an empty aggregator. A progressEvery below one or a nil
// onProgress disables the progress signal.
func NewAggregator(progressEvery int, onProgress ProgressFunc, metrics *Metrics) *Aggregator {
	return &Aggregator{
		failedIDs:     []valueobject.ImageID{},
		progressEvery: progressEvery,
		onProgress:    onProgress,
		metrics:       metrics,
	}
}

// Succeed records a stored vector for id.
func (a *Aggregator) Succeed(ctx context.Context, id valueobject.ImageID) {
	a.record(ctx, id, valueobject.OutcomeSucceeded, nil)
}

// Skip records that id already had a vector.
func (a *Aggregator) Skip(ctx context.Context, id valueobject.ImageID) {
	a.record(ctx, id, valueobject.OutcomeSkipped, nil)
}

// Fail records a per-item failure. The reason is derived from err.
func (a *Aggregator) Fail(ctx context.Context, id valueobject.ImageID, err error) {
	a.record(ctx, id, valueobject.OutcomeFailed, err)
}

func (a *Aggregator) record(ctx context.Context, id valueobject.ImageID, kind valueobject.OutcomeKind, err error) {
	reason := valueobject.ReasonNone

	a.mu.Lock()
	switch kind {
	case valueobject.OutcomeSucceeded:
		a.success++
	case valueobject.OutcomeSkipped:
		a.skipped++
	case valueobject.OutcomeFailed:
		reason = domain.ReasonOf(err)
		a.failed++
		a.failedIDs = append(a.failedIDs, id)
		item := entity.FailedItem{ID: id, Reason: reason}
		if err != nil {
			item.Error = err.Error()
		}
		a.failures = append(a.failures, item)
	}
	counts := a.countsLocked()
	a.mu.Unlock()

	a.metrics.RecordOutcome(ctx, kind, reason)

	if a.onProgress != nil && a.progressEvery > 0 && counts.Processed%a.progressEvery == 0 {
		a.onProgress(ctx, counts)
	}
}

func (a *Aggregator) countsLocked() Counts {
	return Counts{
		Processed: a.success + a.failed + a.skipped,
		Success:   a.success,
		Failed:    a.failed,
		Skipped:   a.skipped,
	}
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countsLocked()
}

// Summary builds a RunSummary against total. The failed id list is copied.
func (a *Aggregator) Summary(total int) *entity.RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := a.countsLocked()
	summary := &entity.RunSummary{
		Total:     total,
		Processed: counts.Processed,
		Success:   counts.Success,
		Failed:    counts.Failed,
		Skipped:   counts.Skipped,
		FailedIDs: append([]valueobject.ImageID{}, a.failedIDs...),
	}
	if len(a.failures) > 0 {
		summary.Failures = append([]entity.FailedItem{}, a.failures...)
	}
	summary.Message = entity.CompletionMessage(summary)
	return summary
}
