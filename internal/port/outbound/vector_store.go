package outbound

import (
	"context"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
)

// VectorStore persists one feature vector per image, keyed by image id.
// Upserts are single insert-or-update statements and deletes are single
// statements; callers never compose them into read-then-write sequences.
type VectorStore interface {
	// ExistsBatch returns the subset of ids that already have a stored vector,
	// using one query.
	ExistsBatch(ctx context.Context, ids []valueobject.ImageID) (map[valueobject.ImageID]struct{}, error)

	// ExistsOne reports whether id has a stored vector.
	ExistsOne(ctx context.Context, id valueobject.ImageID) (bool, error)

	// UpsertOne inserts or replaces the vector of one image and refreshes its
	// update time.
	UpsertOne(ctx context.Context, record entity.EmbeddingRecord) error

	// UpsertBatch upserts records in one round trip. Rows fail independently:
	// the result reports the rows written and the error of each failed row.
	// A non-nil error means the batch could not be attempted at all.
	UpsertBatch(ctx context.Context, records []entity.EmbeddingRecord) (*UpsertBatchResult, error)

	// DeleteOne removes the vector of one image. Deleting a missing vector is not an error.
	DeleteOne(ctx context.Context, id valueobject.ImageID) error

	// DeleteBatch removes the vectors of ids in one statement and returns the
	// number of rows removed.
	DeleteBatch(ctx context.Context, ids []valueobject.ImageID) (int, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// UpsertBatchResult reports per-row outcomes of a batch upsert.
type UpsertBatchResult struct {
	Written int
	Failed  map[valueobject.ImageID]error
}

// NewUpsertBatchResult returns an empty result.
func NewUpsertBatchResult() *UpsertBatchResult {
	return &UpsertBatchResult{Failed: make(map[valueobject.ImageID]error)}
}
