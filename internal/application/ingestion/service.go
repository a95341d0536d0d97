package ingestion

import (
	"context"
	"errors"
	"fmt"
	"imgvec/internal/application/common/logging"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/errors/domain"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/inbound"
	"imgvec/internal/port/outbound"
	"time"

	"github.com/google/uuid"
)

var _ inbound.IngestionService = (*Service)(nil)

// Service orchestrates ingestion runs over the image catalog.
type Service struct {
	catalog   outbound.ImageCatalog
	store     outbound.VectorStore
	extractor outbound.FeatureExtractor
	publisher outbound.RunEventPublisher
	settings  Settings
	metrics   *Metrics

	dedup    *DedupFilter
	batched  *BatchedStrategy
	parallel *ParallelStrategy
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithPublisher announces run lifecycle events through p.
func WithPublisher(p outbound.RunEventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics records outcomes, stage timings and runs on m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates the ingestion service. Catalog, store, extractor and
// fetcher are required.
func NewService(
	catalog outbound.ImageCatalog,
	store outbound.VectorStore,
	extractor outbound.FeatureExtractor,
	fetcher outbound.ImageFetcher,
	settings Settings,
	opts ...Option,
) *Service {
	if catalog == nil {
		panic("catalog cannot be nil")
	}
	if store == nil {
		panic("store cannot be nil")
	}
	if extractor == nil {
		panic("extractor cannot be nil")
	}
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}

	s := &Service{
		catalog:   catalog,
		store:     store,
		extractor: extractor,
		settings:  settings,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.dedup = NewDedupFilter(store)
	s.batched = NewBatchedStrategy(fetcher, extractor, store, settings, s.metrics)
	s.parallel = NewParallelStrategy(fetcher, extractor, store, s.metrics)
	return s
}

// executeFunc runs the work list of one run, recording every outcome in agg.
type executeFunc func(ctx, dispatch context.Context, records []entity.ImageRecord, req entity.RunRequest, agg *Aggregator) error

// RunSerialChunked processes the work list chunk by chunk with batched
// download, extraction and persistence.
func (s *Service) RunSerialChunked(ctx context.Context, req entity.RunRequest) (*entity.RunSummary, error) {
	return s.run(ctx, valueobject.StrategySerialChunked, req, s.executeSerialChunked)
}

// RunParallel processes every image as an independent task.
func (s *Service) RunParallel(ctx context.Context, req entity.RunRequest) (*entity.RunSummary, error) {
	return s.run(ctx, valueobject.StrategyParallel, req, s.executeParallel)
}

// Run dispatches to the strategy named by strategy.
func (s *Service) Run(ctx context.Context, strategy valueobject.Strategy, req entity.RunRequest) (*entity.RunSummary, error) {
	switch strategy {
	case valueobject.StrategyParallel:
		return s.RunParallel(ctx, req)
	case valueobject.StrategySerialChunked:
		return s.RunSerialChunked(ctx, req)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", domain.ErrInvalidRunRequest, strategy)
	}
}

func (s *Service) run(
	ctx context.Context,
	strategy valueobject.Strategy,
	req entity.RunRequest,
	execute executeFunc,
) (*entity.RunSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRunRequest, err)
	}

	runID := uuid.NewString()
	ctx = logging.WithCorrelationID(ctx, runID)
	startedAt := time.Now()

	// Forcing reprocesses every catalog image, so the catalog filter is dropped.
	skipProcessed := req.SkipProcessed && !req.ForceReprocess

	if err := s.store.Ping(ctx); err != nil {
		return nil, s.failRun(ctx, strategy, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err))
	}

	total, err := s.catalog.CountImages(ctx, skipProcessed)
	if err != nil {
		return nil, s.failRun(ctx, strategy, fmt.Errorf("%w: count images: %w", domain.ErrCatalogUnavailable, err))
	}
	if total == 0 {
		return s.emptyRun(ctx, runID, strategy, startedAt, 0, "no images to process"), nil
	}

	records, err := s.catalog.ListImages(ctx, req.Limit, skipProcessed)
	if err != nil {
		return nil, s.failRun(ctx, strategy, fmt.Errorf("%w: list images: %w", domain.ErrCatalogUnavailable, err))
	}
	if len(records) == 0 {
		return s.emptyRun(ctx, runID, strategy, startedAt, total, "no images found to process"), nil
	}
	if len(records) > total {
		// The catalog grew between the count and the read.
		total = len(records)
	}

	slogger.Info(ctx, "Starting ingestion run", slogger.Fields{
		"run_id":          runID,
		"strategy":        strategy.String(),
		"total":           total,
		"work_list":       len(records),
		"skip_processed":  skipProcessed,
		"force_reprocess": req.ForceReprocess,
	})
	s.publish(ctx, outbound.RunEvent{
		Type:      outbound.RunEventStarted,
		RunID:     runID,
		Strategy:  strategy,
		Request:   req,
		Timestamp: startedAt.UTC(),
	})

	dispatch, cancel := s.dispatchContext(ctx, req)
	defer cancel()

	agg := NewAggregator(s.settings.ProgressEvery, progressLogger(len(records)), s.metrics)
	if err := execute(ctx, dispatch, records, req, agg); err != nil {
		return nil, s.failRun(ctx, strategy, err)
	}

	summary := agg.Summary(total)
	summary.RunID = runID
	summary.Strategy = strategy
	summary.StartedAt = startedAt.UTC()
	summary.Duration = time.Since(startedAt)
	summary.Partial = summary.Processed < len(records)
	summary.Message = entity.CompletionMessage(summary)

	if err := summary.CheckInvariant(); err != nil {
		slogger.ErrorWithError(ctx, err, "Run summary invariant violated", slogger.Field("run_id", runID))
	}

	result := RunResultCompleted
	if summary.Partial {
		result = RunResultPartial
	}
	s.metrics.RecordRun(ctx, strategy, result)
	s.metrics.RecordStage(ctx, StageRun, summary.Duration)

	slogger.Info(ctx, summary.Message, slogger.Fields{
		"run_id":      runID,
		"strategy":    strategy.String(),
		"total":       summary.Total,
		"processed":   summary.Processed,
		"success":     summary.Success,
		"failed":      summary.Failed,
		"skipped":     summary.Skipped,
		"partial":     summary.Partial,
		"duration_ms": summary.Duration.Milliseconds(),
	})
	s.publish(ctx, outbound.RunEvent{
		Type:      outbound.RunEventCompleted,
		RunID:     runID,
		Strategy:  strategy,
		Request:   req,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	})

	return summary, nil
}

func (s *Service) executeSerialChunked(
	ctx, dispatch context.Context,
	records []entity.ImageRecord,
	req entity.RunRequest,
	agg *Aggregator,
) error {
	chunkSize := s.settings.ChunkSize
	if req.ChunkSize != nil {
		chunkSize = *req.ChunkSize
	}
	batched := s.batched
	if req.MaxWorkers != nil {
		batched = batched.WithDownloadWorkers(*req.MaxWorkers)
	}

	chunks := Chunks(records, chunkSize)
	for index, chunk := range chunks {
		if dispatch.Err() != nil {
			slogger.Warn(ctx, "Deadline reached, remaining chunks not dispatched", slogger.Fields2(
				"next_chunk", index+1,
				"chunks", len(chunks),
			))
			break
		}

		fields := slogger.Fields3("chunk", index+1, "chunks", len(chunks), "size", len(chunk))
		slogger.Debug(ctx, "Processing chunk", fields)

		start := time.Now()
		result, err := s.dedup.Apply(ctx, chunk, req.ForceReprocess)
		s.metrics.RecordStage(ctx, StageDedup, time.Since(start))

		for _, id := range result.MissingSource {
			agg.Fail(ctx, id, domain.NewItemError(id, domain.ErrSourceMissing, nil))
		}
		if err != nil {
			slogger.ErrorWithError(ctx, err, "Chunk existence check failed, marking chunk failed", fields)
			for _, record := range chunk {
				if record.HasSource() {
					agg.Fail(ctx, record.ID, domain.NewItemError(record.ID, domain.ErrStoreCheckFailed, err))
				}
			}
			continue
		}
		for _, id := range result.Skipped {
			agg.Skip(ctx, id)
		}
		if len(result.Work) == 0 {
			slogger.Debug(ctx, "No images left in chunk after dedup", fields)
			continue
		}

		batched.ProcessChunk(ctx, dispatch, result.Work, agg)

		counts := agg.Snapshot()
		slogger.Info(ctx, "Chunk completed", slogger.Fields{
			"chunk":   index + 1,
			"chunks":  len(chunks),
			"deleted": result.Deleted,
			"success": counts.Success,
			"failed":  counts.Failed,
			"skipped": counts.Skipped,
		})
	}
	return nil
}

func (s *Service) executeParallel(
	ctx, dispatch context.Context,
	records []entity.ImageRecord,
	req entity.RunRequest,
	agg *Aggregator,
) error {
	workers := s.settings.ParallelWorkers
	if req.MaxWorkers != nil {
		workers = *req.MaxWorkers
	}
	return s.parallel.Run(ctx, dispatch, records, req.ForceReprocess, workers, agg)
}

type stopKey struct{}

// WithStop attaches a stop channel to ctx. Runs started with the returned
// context stop dispatching once stop is closed, and work already dispatched
// finishes normally.
func WithStop(ctx context.Context, stop <-chan struct{}) context.Context {
	return context.WithValue(ctx, stopKey{}, stop)
}

func stopRequested(ctx context.Context) bool {
	stop, ok := ctx.Value(stopKey{}).(<-chan struct{})
	if !ok || stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// dispatchContext is done once the run deadline passes or the stop channel
// attached with WithStop closes. Work already dispatched keeps running on ctx.
func (s *Service) dispatchContext(ctx context.Context, req entity.RunRequest) (context.Context, context.CancelFunc) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.settings.RunTimeout
	}

	var dispatch context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		dispatch, cancel = context.WithTimeout(ctx, timeout)
	} else {
		dispatch, cancel = context.WithCancel(ctx)
	}

	if stop, ok := ctx.Value(stopKey{}).(<-chan struct{}); ok && stop != nil {
		go func() {
			select {
			case <-stop:
				slogger.Warn(ctx, "Stop requested, no further work is dispatched", nil)
				cancel()
			case <-dispatch.Done():
			}
		}()
	}
	return dispatch, cancel
}

func (s *Service) emptyRun(
	ctx context.Context,
	runID string,
	strategy valueobject.Strategy,
	startedAt time.Time,
	total int,
	message string,
) *entity.RunSummary {
	summary := entity.EmptySummary(total, message)
	summary.RunID = runID
	summary.Strategy = strategy
	summary.StartedAt = startedAt.UTC()
	summary.Duration = time.Since(startedAt)

	s.metrics.RecordRun(ctx, strategy, RunResultCompleted)
	slogger.Info(ctx, message, slogger.Fields2("run_id", runID, "total", total))
	return summary
}

func (s *Service) failRun(ctx context.Context, strategy valueobject.Strategy, err error) error {
	s.metrics.RecordRun(ctx, strategy, RunResultFailed)
	slogger.ErrorWithError(ctx, err, "Ingestion run failed", slogger.Field("strategy", strategy.String()))
	s.publish(ctx, outbound.RunEvent{
		Type:      outbound.RunEventFailed,
		RunID:     logging.CorrelationIDFromContext(ctx),
		Strategy:  strategy,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
	return err
}

// publish never fails the run.
func (s *Service) publish(ctx context.Context, event outbound.RunEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishRunEvent(ctx, event); err != nil {
		slogger.Warn(ctx, "Failed to publish run event", slogger.Fields3(
			"event", string(event.Type),
			"run_id", event.RunID,
			"error", err.Error(),
		))
	}
}

func progressLogger(workList int) ProgressFunc {
	return func(ctx context.Context, c Counts) {
		slogger.Info(ctx, fmt.Sprintf("progress: %d/%d | success %d, failed %d, skipped %d",
			c.Processed, workList, c.Success, c.Failed, c.Skipped), slogger.Fields{
			"processed": c.Processed,
			"work_list": workList,
			"success":   c.Success,
			"failed":    c.Failed,
			"skipped":   c.Skipped,
		})
	}
}

// ProcessImage embeds one image. An image that already has a vector is
// reported as skipped. An empty url is resolved through the catalog.
func (s *Service) ProcessImage(ctx context.Context, id valueobject.ImageID, url string) (*inbound.ImageResult, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, valueobject.ErrEmptyImageID)
	}

	kind, err := s.processSingle(ctx, id, url)
	if err != nil {
		return nil, err
	}

	result := &inbound.ImageResult{ID: id, Outcome: kind, Dimension: s.extractor.Dimension()}
	if kind == valueobject.OutcomeSkipped {
		result.Message = "feature vector already exists"
	} else {
		result.Message = "feature vector extracted and saved"
	}
	return result, nil
}

// ProcessImages embeds ids one by one, in order, and aggregates the outcomes.
func (s *Service) ProcessImages(ctx context.Context, ids []valueobject.ImageID) (*entity.RunSummary, error) {
	runID := uuid.NewString()
	ctx = logging.WithCorrelationID(ctx, runID)
	startedAt := time.Now()

	if err := s.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	agg := NewAggregator(s.settings.ProgressEvery, progressLogger(len(ids)), s.metrics)
	for _, id := range ids {
		if ctx.Err() != nil || stopRequested(ctx) {
			break
		}
		kind, err := s.processSingle(ctx, id, "")
		switch {
		case err != nil:
			agg.Fail(ctx, id, err)
		case kind == valueobject.OutcomeSkipped:
			agg.Skip(ctx, id)
		default:
			agg.Succeed(ctx, id)
		}
	}

	summary := agg.Summary(len(ids))
	summary.RunID = runID
	summary.StartedAt = startedAt.UTC()
	summary.Duration = time.Since(startedAt)
	summary.Partial = summary.Processed < len(ids)
	summary.Message = entity.CompletionMessage(summary)
	return summary, nil
}

func (s *Service) processSingle(ctx context.Context, id valueobject.ImageID, url string) (valueobject.OutcomeKind, error) {
	exists, err := s.store.ExistsOne(ctx, id)
	if err != nil {
		return valueobject.OutcomeFailed, domain.NewItemError(id, domain.ErrStoreCheckFailed, err)
	}
	if exists {
		slogger.Debug(ctx, "Feature vector already exists, skipping", slogger.Field("image_id", id.String()))
		return valueobject.OutcomeSkipped, nil
	}

	if url == "" {
		url, err = s.catalog.FindImageURL(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrImageNotFound) {
			return valueobject.OutcomeFailed, fmt.Errorf("%w: resolve url of image %s: %w", domain.ErrCatalogUnavailable, id, err)
		}
	}
	record := entity.NewImageRecord(id, url)
	if !record.HasSource() {
		return valueobject.OutcomeFailed, domain.NewItemError(id, domain.ErrSourceMissing, err)
	}

	if err := s.parallel.embed(ctx, record); err != nil {
		return valueobject.OutcomeFailed, err
	}
	slogger.Info(ctx, "Feature vector saved", slogger.Field("image_id", id.String()))
	return valueobject.OutcomeSucceeded, nil
}

// Health reports whether the catalog and the store answer.
func (s *Service) Health(ctx context.Context) inbound.HealthStatus {
	status := inbound.HealthStatus{
		FeatureDimension: s.extractor.Dimension(),
		ModelVersion:     s.extractor.ModelVersion(),
	}

	var errs []error
	if err := s.catalog.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("catalog: %w", err))
	} else {
		status.CatalogReachable = true
	}
	if err := s.store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	} else {
		status.StoreReachable = true
	}

	status.Healthy = len(errs) == 0
	if err := errors.Join(errs...); err != nil {
		status.Error = err.Error()
	}
	return status
}
