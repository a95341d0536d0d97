package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"imgvec/internal/domain/valueobject"
)

// ImageRecord is a catalog row: an image id and the url its bytes live at.
type ImageRecord struct {
	ID  valueobject.ImageID `json:"id"`
	URL string              `json:"url,omitempty"`
}

// NewImageRecord builds an ImageRecord. An empty url is allowed; such a record
// fails as source-missing when processed.
func NewImageRecord(id valueobject.ImageID, url string) ImageRecord {
	return ImageRecord{ID: id, URL: strings.TrimSpace(url)}
}

// HasSource reports whether the record carries a url to fetch.
func (r ImageRecord) HasSource() bool {
	return r.URL != ""
}

// RecordIDs returns the ids of records in order.
func RecordIDs(records []ImageRecord) []valueobject.ImageID {
	ids := make([]valueobject.ImageID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

// EmbeddingRecord is a stored feature vector for one image.
type EmbeddingRecord struct {
	ImageID      valueobject.ImageID `json:"image_id"`
	Vector       []float64           `json:"feature_vector"`
	Dimension    int                 `json:"vector_dimension"`
	ModelVersion string              `json:"model_version"`
	CreatedAt    time.Time           `json:"create_time"`
	UpdatedAt    time.Time           `json:"update_time"`
}

// NewEmbeddingRecord builds a record for a freshly extracted vector.
func NewEmbeddingRecord(id valueobject.ImageID, vector []float64, modelVersion string) (EmbeddingRecord, error) {
	if id == "" {
		return EmbeddingRecord{}, valueobject.ErrEmptyImageID
	}
	if len(vector) == 0 {
		return EmbeddingRecord{}, errors.New("feature vector cannot be empty")
	}
	if modelVersion == "" {
		return EmbeddingRecord{}, errors.New("model version cannot be empty")
	}
	now := time.Now().UTC()
	return EmbeddingRecord{
		ImageID:      id,
		Vector:       vector,
		Dimension:    len(vector),
		ModelVersion: modelVersion,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Validate checks that the declared dimension matches the vector and, if
// expected is positive, the model dimension.
func (e EmbeddingRecord) Validate(expected int) error {
	if e.Dimension != len(e.Vector) {
		return fmt.Errorf("vector dimension mismatch: declared %d, got %d", e.Dimension, len(e.Vector))
	}
	if expected > 0 && e.Dimension != expected {
		return fmt.Errorf("invalid vector dimensions: expected %d, got %d", expected, e.Dimension)
	}
	return nil
}
