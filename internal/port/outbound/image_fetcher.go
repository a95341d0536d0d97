package outbound

import "context"

// ImageFetcher downloads image bytes from a source url.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
