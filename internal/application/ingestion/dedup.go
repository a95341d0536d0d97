package ingestion

import (
	"context"
	"fmt"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/outbound"
)

// DedupResult partitions one chunk.
type DedupResult struct {
	// Work holds records to download, extract and persist, in chunk order.
	Work []entity.ImageRecord
	// Skipped holds ids that already have a vector and were not forced.
	Skipped []valueobject.ImageID
	// MissingSource holds ids without a url. They are never skipped.
	MissingSource []valueobject.ImageID
	// Deleted is the number of stored vectors removed for forced ids.
	Deleted int
}

// DedupFilter decides, per chunk, which images still need a vector.
type DedupFilter struct {
	store outbound.VectorStore
}

// NewDedupFilter creates a filter backed by store.
func NewDedupFilter(store outbound.VectorStore) *DedupFilter {
	return &DedupFilter{store: store}
}

// Apply issues one existence query for the chunk. Without force, existing ids
// are skipped; with force, their vectors are deleted in one statement and they
// stay in the work list. An error means the existence query itself failed; the
// result then carries only MissingSource.
func (f *DedupFilter) Apply(ctx context.Context, chunk []entity.ImageRecord, force bool) (DedupResult, error) {
	var result DedupResult

	candidates := make([]entity.ImageRecord, 0, len(chunk))
	for _, record := range chunk {
		if !record.HasSource() {
			result.MissingSource = append(result.MissingSource, record.ID)
			continue
		}
		candidates = append(candidates, record)
	}
	if len(candidates) == 0 {
		return result, nil
	}

	existing, err := f.store.ExistsBatch(ctx, entity.RecordIDs(candidates))
	if err != nil {
		return DedupResult{MissingSource: result.MissingSource}, fmt.Errorf("existence check for %d images: %w", len(candidates), err)
	}

	if !force {
		result.Work = make([]entity.ImageRecord, 0, len(candidates))
		for _, record := range candidates {
			if _, ok := existing[record.ID]; ok {
				result.Skipped = append(result.Skipped, record.ID)
				continue
			}
			result.Work = append(result.Work, record)
		}
		return result, nil
	}

	result.Work = candidates
	if len(existing) == 0 {
		return result, nil
	}

	toDelete := make([]valueobject.ImageID, 0, len(existing))
	for _, record := range candidates {
		if _, ok := existing[record.ID]; ok {
			toDelete = append(toDelete, record.ID)
		}
	}
	deleted, err := f.store.DeleteBatch(ctx, toDelete)
	if err != nil {
		// The upsert that follows still replaces the old vector.
		slogger.Warn(ctx, "Failed to delete vectors before reprocessing", slogger.Fields2(
			"count", len(toDelete),
			"error", err.Error(),
		))
		return result, nil
	}
	result.Deleted = deleted
	return result, nil
}
