// Package domain provides domain-specific error definitions and utilities.
package domain

import (
	"errors"
	"fmt"

	"imgvec/internal/domain/valueobject"
)

// Per-item failure classes. Each one ends a single image's processing.
var (
	ErrSourceMissing     = errors.New("image has no source url")
	ErrDownloadFailed    = errors.New("image download failed")
	ErrExtractionFailed  = errors.New("feature extraction failed")
	ErrPersistenceFailed = errors.New("vector persistence failed")
	ErrStoreCheckFailed  = errors.New("vector store check failed")
)

// Run-level failures. These abort a run before any work starts.
var (
	ErrCatalogUnavailable = errors.New("image catalog unavailable")
	ErrStoreUnavailable   = errors.New("vector store unavailable")
	ErrInvalidRunRequest  = errors.New("invalid run request")
)

// General domain errors.
var (
	ErrImageNotFound = errors.New("image not found")
	ErrInvalidInput  = errors.New("invalid input")
)

// ItemError ties a per-item failure to the image it belongs to.
type ItemError struct {
	ID    valueobject.ImageID
	Class error
	Err   error
}

// NewItemError wraps err under one of the per-item failure classes.
func NewItemError(id valueobject.ImageID, class, err error) *ItemError {
	return &ItemError{ID: id, Class: class, Err: err}
}

func (e *ItemError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("image %s: %v", e.ID, e.Class)
	}
	return fmt.Sprintf("image %s: %v: %v", e.ID, e.Class, e.Err)
}

// Unwrap exposes both the class sentinel and the cause to errors.Is.
func (e *ItemError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// ReasonOf maps an error to the failure reason recorded in run summaries.
func ReasonOf(err error) valueobject.FailureReason {
	switch {
	case err == nil:
		return valueobject.ReasonNone
	case errors.Is(err, ErrSourceMissing):
		return valueobject.ReasonSourceMissing
	case errors.Is(err, ErrDownloadFailed):
		return valueobject.ReasonDownloadFailed
	case errors.Is(err, ErrExtractionFailed):
		return valueobject.ReasonExtractionFailed
	case errors.Is(err, ErrPersistenceFailed):
		return valueobject.ReasonPersistenceFailed
	case errors.Is(err, ErrStoreCheckFailed):
		return valueobject.ReasonStoreFailed
	default:
		return valueobject.ReasonInternal
	}
}
