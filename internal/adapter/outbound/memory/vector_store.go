// Package memory provides in-process implementations of the catalog and the
// vector store for tests and dry runs.
package memory

import (
	"context"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/outbound"
	"sync"
	"time"
)

var _ outbound.VectorStore = (*VectorStore)(nil)

// VectorStore keeps vectors in a map guarded by a mutex. Every method holds
// the lock for its whole body, so each call is atomic like a single SQL statement.
type VectorStore struct {
	mu      sync.Mutex
	vectors map[valueobject.ImageID]entity.EmbeddingRecord
	calls   map[string]int
	now     func() time.Time

	pingErr   error
	upsertErr func(id valueobject.ImageID) error
	batchErr  error
}

// NewVectorStore creates an empty store.
func NewVectorStore() *VectorStore {
	return &VectorStore{
		vectors: make(map[valueobject.ImageID]entity.EmbeddingRecord),
		calls:   make(map[string]int),
		now:     time.Now,
	}
}

// FailPing makes Ping return err. A nil err restores it.
func (s *VectorStore) FailPing(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

// FailUpserts makes single and batched upserts of an id fail with the error
// fn returns for it. A nil fn restores normal writes.
func (s *VectorStore) FailUpserts(fn func(id valueobject.ImageID) error) {
	s.mu.Lock()
	s.upsertErr = fn
	s.mu.Unlock()
}

// FailUpsertBatch makes whole UpsertBatch calls fail with err before any row is written.
func (s *VectorStore) FailUpsertBatch(err error) {
	s.mu.Lock()
	s.batchErr = err
	s.mu.Unlock()
}

// Calls returns how many times method was invoked.
func (s *VectorStore) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Get returns the stored record of id.
func (s *VectorStore) Get(id valueobject.ImageID) (entity.EmbeddingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.vectors[id]
	return r, ok
}

// Len returns the number of stored vectors.
func (s *VectorStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vectors)
}

// Has reports whether id has a vector without counting a call.
func (s *VectorStore) Has(id valueobject.ImageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.vectors[id]
	return ok
}

// Seed stores records directly, keeping their timestamps.
func (s *VectorStore) Seed(records ...entity.EmbeddingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.vectors[r.ImageID] = r
	}
}

func (s *VectorStore) ExistsBatch(_ context.Context, ids []valueobject.ImageID) (map[valueobject.ImageID]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["ExistsBatch"]++

	existing := make(map[valueobject.ImageID]struct{})
	for _, id := range ids {
		if _, ok := s.vectors[id]; ok {
			existing[id] = struct{}{}
		}
	}
	return existing, nil
}

func (s *VectorStore) ExistsOne(_ context.Context, id valueobject.ImageID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["ExistsOne"]++

	_, ok := s.vectors[id]
	return ok, nil
}

func (s *VectorStore) UpsertOne(_ context.Context, record entity.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["UpsertOne"]++

	return s.upsertLocked(record)
}

func (s *VectorStore) UpsertBatch(_ context.Context, records []entity.EmbeddingRecord) (*outbound.UpsertBatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["UpsertBatch"]++

	if s.batchErr != nil {
		return nil, s.batchErr
	}
	result := outbound.NewUpsertBatchResult()
	for _, record := range records {
		if err := s.upsertLocked(record); err != nil {
			result.Failed[record.ImageID] = err
			continue
		}
		result.Written++
	}
	return result, nil
}

// upsertLocked keeps create time on conflict and moves update time strictly forward.
func (s *VectorStore) upsertLocked(record entity.EmbeddingRecord) error {
	if s.upsertErr != nil {
		if err := s.upsertErr(record.ImageID); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	if prev, ok := s.vectors[record.ImageID]; ok {
		record.CreatedAt = prev.CreatedAt
		if !now.After(prev.UpdatedAt) {
			now = prev.UpdatedAt.Add(time.Microsecond)
		}
	} else {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Vector = append([]float64(nil), record.Vector...)
	s.vectors[record.ImageID] = record
	return nil
}

func (s *VectorStore) DeleteOne(_ context.Context, id valueobject.ImageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["DeleteOne"]++

	delete(s.vectors, id)
	return nil
}

func (s *VectorStore) DeleteBatch(_ context.Context, ids []valueobject.ImageID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["DeleteBatch"]++

	deleted := 0
	for _, id := range ids {
		if _, ok := s.vectors[id]; ok {
			delete(s.vectors, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *VectorStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}
