// Package inbound defines the inbound ports (use cases) exposed to transports.
package inbound

import (
	"context"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
)

// IngestionService is the bulk vector ingestion use case.
type IngestionService interface {
	// RunSerialChunked processes the catalog chunk by chunk with batched
	// download, extraction and persistence.
	RunSerialChunked(ctx context.Context, req entity.RunRequest) (*entity.RunSummary, error)

	// RunParallel processes every image as an independent unit of work with
	// bounded parallelism.
	RunParallel(ctx context.Context, req entity.RunRequest) (*entity.RunSummary, error)

	// ProcessImage embeds a single image. An empty url is resolved through the catalog.
	ProcessImage(ctx context.Context, id valueobject.ImageID, url string) (*ImageResult, error)

	// ProcessImages embeds a list of catalog images one by one.
	ProcessImages(ctx context.Context, ids []valueobject.ImageID) (*entity.RunSummary, error)

	// Health reports the reachability of the catalog and the store.
	Health(ctx context.Context) HealthStatus
}

// ImageResult is the outcome of processing one image.
type ImageResult struct {
	ID        valueobject.ImageID     `json:"image_id"`
	Outcome   valueobject.OutcomeKind `json:"outcome"`
	Dimension int                     `json:"dimension"`
	Message   string                  `json:"message"`
}

// HealthStatus reports collaborator reachability.
type HealthStatus struct {
	Healthy          bool   `json:"healthy"`
	CatalogReachable bool   `json:"catalog_reachable"`
	StoreReachable   bool   `json:"store_reachable"`
	FeatureDimension int    `json:"feature_dimension"`
	ModelVersion     string `json:"model_version"`
	Error            string `json:"error,omitempty"`
}
