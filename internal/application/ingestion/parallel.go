package ingestion

import (
	"context"
	"errors"
	"fmt"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/errors/domain"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/outbound"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ParallelStrategy runs each image end to end as an independent task on a
// bounded worker pool.
type ParallelStrategy struct {
	fetcher   outbound.ImageFetcher
	extractor outbound.FeatureExtractor
	store     outbound.VectorStore
	metrics   *Metrics
}

// NewParallelStrategy creates the per-item strategy.
func NewParallelStrategy(
	fetcher outbound.ImageFetcher,
	extractor outbound.FeatureExtractor,
	store outbound.VectorStore,
	metrics *Metrics,
) *ParallelStrategy {
	return &ParallelStrategy{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		metrics:   metrics,
	}
}

// Run processes records with at most workers tasks in flight. Submission
// blocks while the pool is full and stops once dispatch is done.
func (s *ParallelStrategy) Run(
	ctx, dispatch context.Context,
	records []entity.ImageRecord,
	force bool,
	workers int,
	agg *Aggregator,
) error {
	if len(records) == 0 {
		return nil
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, record := range records {
		if dispatch.Err() != nil {
			slogger.Warn(ctx, "Deadline reached, no further images dispatched", slogger.Fields2(
				"dispatched", i,
				"total", len(records),
			))
			break
		}

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			s.processTask(ctx, record, force, agg)
		}); err != nil {
			wg.Done()
			agg.Fail(ctx, record.ID, fmt.Errorf("submit image %s: %w", record.ID, err))
		}
	}
	wg.Wait()
	return nil
}

// processTask records exactly one outcome for record, including when a
// collaborator panics.
func (s *ParallelStrategy) processTask(ctx context.Context, record entity.ImageRecord, force bool, agg *Aggregator) {
	recorded := false
	defer func() {
		if r := recover(); r != nil && !recorded {
			agg.Fail(ctx, record.ID, fmt.Errorf("image %s: panic: %v", record.ID, r))
		}
	}()

	kind, err := s.processOne(ctx, record, force)
	recorded = true
	switch kind {
	case valueobject.OutcomeSkipped:
		agg.Skip(ctx, record.ID)
	case valueobject.OutcomeSucceeded:
		agg.Succeed(ctx, record.ID)
	default:
		slogger.Debug(ctx, "Image failed", slogger.Fields2("image_id", record.ID.String(), "error", err.Error()))
		agg.Fail(ctx, record.ID, err)
	}
}

// processOne performs dedup check (or delete when forcing), download,
// single-image extraction and single-row upsert.
func (s *ParallelStrategy) processOne(
	ctx context.Context,
	record entity.ImageRecord,
	force bool,
) (valueobject.OutcomeKind, error) {
	id := record.ID
	if !record.HasSource() {
		return valueobject.OutcomeFailed, domain.NewItemError(id, domain.ErrSourceMissing, nil)
	}

	if force {
		if err := s.store.DeleteOne(ctx, id); err != nil {
			// The upsert below still replaces the old vector.
			slogger.Debug(ctx, "Delete before reprocessing failed", slogger.Fields2(
				"image_id", id.String(),
				"error", err.Error(),
			))
		}
	} else {
		exists, err := s.store.ExistsOne(ctx, id)
		if err != nil {
			return valueobject.OutcomeFailed, domain.NewItemError(id, domain.ErrStoreCheckFailed, err)
		}
		if exists {
			return valueobject.OutcomeSkipped, nil
		}
	}

	if err := s.embed(ctx, record); err != nil {
		return valueobject.OutcomeFailed, err
	}
	return valueobject.OutcomeSucceeded, nil
}

// embed downloads, extracts and upserts one image that has a source url.
func (s *ParallelStrategy) embed(ctx context.Context, record entity.ImageRecord) error {
	id := record.ID
	start := time.Now()
	data, err := s.fetcher.Fetch(ctx, record.URL)
	if err == nil && len(data) == 0 {
		err = errors.New("empty image body")
	}
	s.metrics.RecordStage(ctx, StageDownload, time.Since(start))
	if err != nil {
		return domain.NewItemError(id, domain.ErrDownloadFailed, err)
	}

	start = time.Now()
	vector, err := s.extractor.ExtractOne(ctx, data)
	s.metrics.RecordStage(ctx, StageExtract, time.Since(start))
	if err != nil {
		return domain.NewItemError(id, domain.ErrExtractionFailed, err)
	}
	embedding, err := newEmbedding(s.extractor, id, vector)
	if err != nil {
		return err
	}

	start = time.Now()
	err = s.store.UpsertOne(ctx, embedding)
	s.metrics.RecordStage(ctx, StagePersist, time.Since(start))
	if err != nil {
		return domain.NewItemError(id, domain.ErrPersistenceFailed, err)
	}
	return nil
}