package memory

import (
	"context"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/errors/domain"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/outbound"
	"sync"
)

var _ outbound.ImageCatalog = (*Catalog)(nil)

// Catalog serves a fixed list of images in insertion order. When built with a
// store, skipProcessed hides images that already have a vector there.
type Catalog struct {
	mu      sync.RWMutex
	records []entity.ImageRecord
	store   *VectorStore
	err     error
}

// NewCatalog creates a catalog over records. store may be nil.
func NewCatalog(store *VectorStore, records ...entity.ImageRecord) *Catalog {
	return &Catalog{
		records: append([]entity.ImageRecord(nil), records...),
		store:   store,
	}
}

// Add appends records to the catalog.
func (c *Catalog) Add(records ...entity.ImageRecord) {
	c.mu.Lock()
	c.records = append(c.records, records...)
	c.mu.Unlock()
}

// FailWith makes every call return err. A nil err restores the catalog.
func (c *Catalog) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Catalog) matching(skipProcessed bool) []entity.ImageRecord {
	out := make([]entity.ImageRecord, 0, len(c.records))
	for _, r := range c.records {
		if skipProcessed && c.store != nil && c.store.Has(r.ID) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (c *Catalog) CountImages(_ context.Context, skipProcessed bool) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return 0, c.err
	}
	return len(c.matching(skipProcessed)), nil
}

func (c *Catalog) ListImages(_ context.Context, limit *int, skipProcessed bool) ([]entity.ImageRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return nil, c.err
	}
	records := c.matching(skipProcessed)
	if limit != nil && *limit < len(records) {
		records = records[:*limit]
	}
	return records, nil
}

func (c *Catalog) FindImageURL(_ context.Context, id valueobject.ImageID) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return "", c.err
	}
	for _, r := range c.records {
		if r.ID == id {
			return r.URL, nil
		}
	}
	return "", domain.ErrImageNotFound
}

func (c *Catalog) Ping(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}
