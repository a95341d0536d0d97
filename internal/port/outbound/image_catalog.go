// Package outbound defines the outbound ports (interfaces) for external dependencies.
package outbound

import (
	"context"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
)

// ImageCatalog is the read-only source of images to embed.
type ImageCatalog interface {
	// CountImages returns the number of catalog images. With skipProcessed it
	// counts only images that have no stored vector.
	CountImages(ctx context.Context, skipProcessed bool) (int, error)

	// ListImages returns up to limit images in catalog order. A nil limit
	// returns every matching image. With skipProcessed it returns only images
	// that have no stored vector.
	ListImages(ctx context.Context, limit *int, skipProcessed bool) ([]entity.ImageRecord, error)

	// FindImageURL resolves the source url of one image. It returns
	// domain.ErrImageNotFound when the id is not in the catalog.
	FindImageURL(ctx context.Context, id valueobject.ImageID) (string, error)

	// Ping verifies the catalog is reachable.
	Ping(ctx context.Context) error
}
