// Package fetcher downloads image bytes for the ingestion pipeline. A Router
// picks the source by url scheme, retries transient failures with backoff, and
// bounds the number of downloads in flight across every caller.
package fetcher

import (
	"context"
	"fmt"
	"imgvec/internal/application/common/retry"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/config"
	"imgvec/internal/port/outbound"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

var _ outbound.ImageFetcher = (*Router)(nil)

// Router implements outbound.ImageFetcher over several sources.
type Router struct {
	sources  map[string]outbound.ImageFetcher
	retry    *retry.RetryConfig
	inFlight *semaphore.Weighted
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithSource registers f for urls starting with scheme + "://".
func WithSource(scheme string, f outbound.ImageFetcher) RouterOption {
	return func(r *Router) {
		r.sources[strings.ToLower(scheme)] = f
	}
}

// WithRetryConfig replaces the retry policy.
func WithRetryConfig(cfg *retry.RetryConfig) RouterOption {
	return func(r *Router) {
		r.retry = cfg
	}
}

// WithMaxInFlight bounds concurrent downloads; n <= 0 removes the bound.
func WithMaxInFlight(n int64) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.inFlight = semaphore.NewWeighted(n)
		} else {
			r.inFlight = nil
		}
	}
}

// NewRouter creates a router with no sources.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		sources: make(map[string]outbound.ImageFetcher),
		retry:   retry.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// New builds the production router: http and https always, file for local
// paths, and s3 when an endpoint is configured.
func New(download config.DownloadConfig, s3 config.S3Config) (*Router, error) {
	httpFetcher := NewHTTPFetcher(download)
	opts := []RouterOption{
		WithSource("http", httpFetcher),
		WithSource("https", httpFetcher),
		WithSource("file", NewFileFetcher(download.MaxBytes)),
		WithRetryConfig(downloadRetryConfig(download)),
		WithMaxInFlight(download.MaxInFlight),
	}
	if s3.Enabled() {
		s3Fetcher, err := NewS3Fetcher(s3, download.MaxBytes)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithSource("s3", s3Fetcher))
	}
	return NewRouter(opts...), nil
}

func downloadRetryConfig(cfg config.DownloadConfig) *retry.RetryConfig {
	rc := retry.DefaultRetryConfig()
	rc.MaxRetries = cfg.MaxRetries
	if cfg.InitialDelay > 0 {
		rc.InitialDelay = cfg.InitialDelay
	}
	if rc.MaxDelay < rc.InitialDelay {
		rc.MaxDelay = rc.InitialDelay * 10
	}
	return rc
}

func scheme(url string) string {
	s, _, ok := strings.Cut(url, "://")
	if !ok {
		return ""
	}
	return strings.ToLower(s)
}

// Fetch downloads url through the source registered for its scheme.
func (r *Router) Fetch(ctx context.Context, url string) ([]byte, error) {
	source, ok := r.sources[scheme(url)]
	if !ok {
		return nil, fmt.Errorf("unsupported image url scheme: %q", url)
	}

	if r.inFlight != nil {
		if err := r.inFlight.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.inFlight.Release(1)
	}

	start := time.Now()
	attempts := 0
	var data []byte
	err := retry.WithRetryConfig(ctx, r.retry, func(ctx context.Context) error {
		attempts++
		var err error
		data, err = source.Fetch(ctx, url)
		return err
	})
	if err != nil {
		return nil, err
	}
	if attempts > 1 {
		slogger.Debug(ctx, "Image downloaded after retry", slogger.Fields3(
			"url", url, "attempts", attempts, "duration_ms", time.Since(start).Milliseconds()))
	}
	return data, nil
}

// FileFetcher reads file:// urls from the local filesystem.
type FileFetcher struct {
	maxBytes int64
}

// NewFileFetcher creates a local file source.
func NewFileFetcher(maxBytes int64) *FileFetcher {
	return &FileFetcher{maxBytes: maxBytes}
}

func (f *FileFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	path := strings.TrimPrefix(url, "file://")
	file, err := os.Open(path)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	defer file.Close()
	return readLimited(file, f.maxBytes)
}
