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
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchedStrategy processes one chunk at a time: concurrent downloads, then
// extraction in sub-batches, then batched upserts.
type BatchedStrategy struct {
	fetcher   outbound.ImageFetcher
	extractor outbound.FeatureExtractor
	store     outbound.VectorStore
	settings  Settings
	metrics   *Metrics
}

// NewBatchedStrategy creates the serial-chunked strategy.
func NewBatchedStrategy(
	fetcher outbound.ImageFetcher,
	extractor outbound.FeatureExtractor,
	store outbound.VectorStore,
	settings Settings,
	metrics *Metrics,
) *BatchedStrategy {
	return &BatchedStrategy{
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		settings:  settings,
		metrics:   metrics,
	}
}

// WithDownloadWorkers returns a copy that downloads with n concurrent fetches.
func (s *BatchedStrategy) WithDownloadWorkers(n int) *BatchedStrategy {
	c := *s
	c.settings.DownloadWorkers = n
	return &c
}

type downloadedImage struct {
	record entity.ImageRecord
	data   []byte
}

// ProcessChunk runs work through download, extraction and persistence. Every
// record that is dispatched ends with exactly one outcome in agg. Once dispatch
// is done no further downloads start; images already downloaded are finished.
func (s *BatchedStrategy) ProcessChunk(ctx, dispatch context.Context, work []entity.ImageRecord, agg *Aggregator) {
	if len(work) == 0 {
		return
	}

	images := s.download(ctx, dispatch, work, agg)
	if len(images) == 0 {
		return
	}

	records := s.extract(ctx, images, agg)
	if len(records) == 0 {
		return
	}

	s.persist(ctx, records, agg)
}

func (s *BatchedStrategy) download(
	ctx, dispatch context.Context,
	work []entity.ImageRecord,
	agg *Aggregator,
) []downloadedImage {
	start := time.Now()
	defer func() { s.metrics.RecordStage(ctx, StageDownload, time.Since(start)) }()

	slots := make([][]byte, len(work))

	var g errgroup.Group
	g.SetLimit(s.settings.DownloadWorkers)
	for i, record := range work {
		if dispatch.Err() != nil {
			slogger.Warn(ctx, "Deadline reached, no further downloads dispatched", slogger.Fields2(
				"dispatched", i,
				"chunk_size", len(work),
			))
			break
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					agg.Fail(ctx, record.ID, domain.NewItemError(record.ID, domain.ErrDownloadFailed, fmt.Errorf("panic: %v", r)))
				}
			}()

			data, err := s.fetcher.Fetch(ctx, record.URL)
			if err == nil && len(data) == 0 {
				err = errors.New("empty image body")
			}
			if err != nil {
				slogger.Debug(ctx, "Image download failed", slogger.Fields2("image_id", record.ID.String(), "error", err.Error()))
				agg.Fail(ctx, record.ID, domain.NewItemError(record.ID, domain.ErrDownloadFailed, err))
				return nil
			}
			slots[i] = data
			return nil
		})
	}
	_ = g.Wait()

	images := make([]downloadedImage, 0, len(work))
	for i, data := range slots {
		if data != nil {
			images = append(images, downloadedImage{record: work[i], data: data})
		}
	}
	return images
}

func (s *BatchedStrategy) extract(ctx context.Context, images []downloadedImage, agg *Aggregator) []entity.EmbeddingRecord {
	start := time.Now()
	defer func() { s.metrics.RecordStage(ctx, StageExtract, time.Since(start)) }()

	records := make([]entity.EmbeddingRecord, 0, len(images))
	for batchIndex, batch := range Chunks(images, s.settings.ExtractBatchSize) {
		inputs := make([][]byte, len(batch))
		for i, img := range batch {
			inputs[i] = img.data
		}

		vectors, err := extractBatch(ctx, s.extractor, inputs)
		if err == nil && len(vectors) != len(batch) {
			err = fmt.Errorf("extractor returned %d vectors for %d images", len(vectors), len(batch))
		}
		if err != nil {
			slogger.Warn(ctx, "Extraction sub-batch failed", slogger.Fields3(
				"sub_batch", batchIndex+1,
				"size", len(batch),
				"error", err.Error(),
			))
			for _, img := range batch {
				agg.Fail(ctx, img.record.ID, domain.NewItemError(img.record.ID, domain.ErrExtractionFailed, err))
			}
			continue
		}

		for i, img := range batch {
			record, err := newEmbedding(s.extractor, img.record.ID, vectors[i])
			if err != nil {
				agg.Fail(ctx, img.record.ID, err)
				continue
			}
			records = append(records, record)
		}
	}
	return records
}

func (s *BatchedStrategy) persist(ctx context.Context, records []entity.EmbeddingRecord, agg *Aggregator) {
	start := time.Now()
	defer func() { s.metrics.RecordStage(ctx, StagePersist, time.Since(start)) }()

	for batchIndex, batch := range Chunks(records, s.settings.DBBatchSize) {
		result, err := s.store.UpsertBatch(ctx, batch)
		if err != nil {
			slogger.Warn(ctx, "Batch upsert failed, falling back to single-row upserts", slogger.Fields3(
				"sub_batch", batchIndex+1,
				"size", len(batch),
				"error", err.Error(),
			))
			for _, record := range batch {
				if err := s.store.UpsertOne(ctx, record); err != nil {
					agg.Fail(ctx, record.ImageID, domain.NewItemError(record.ImageID, domain.ErrPersistenceFailed, err))
					continue
				}
				agg.Succeed(ctx, record.ImageID)
			}
			continue
		}

		for _, record := range batch {
			if rowErr, failed := result.Failed[record.ImageID]; failed {
				agg.Fail(ctx, record.ImageID, domain.NewItemError(record.ImageID, domain.ErrPersistenceFailed, rowErr))
				continue
			}
			agg.Succeed(ctx, record.ImageID)
		}
	}
}

// extractBatch turns an extractor panic into a sub-batch error.
func extractBatch(ctx context.Context, extractor outbound.FeatureExtractor, inputs [][]byte) (vectors [][]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			vectors, err = nil, fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return extractor.ExtractBatch(ctx, inputs)
}

// newEmbedding validates one extracted vector against the extractor's dimension.
func newEmbedding(
	extractor outbound.FeatureExtractor,
	id valueobject.ImageID,
	vector []float64,
) (entity.EmbeddingRecord, error) {
	if vector == nil {
		return entity.EmbeddingRecord{}, domain.NewItemError(id, domain.ErrExtractionFailed, errors.New("no vector produced"))
	}
	record, err := entity.NewEmbeddingRecord(id, vector, extractor.ModelVersion())
	if err == nil {
		err = record.Validate(extractor.Dimension())
	}
	if err != nil {
		return entity.EmbeddingRecord{}, domain.NewItemError(id, domain.ErrExtractionFailed, err)
	}
	return record, nil
}
