package fetcher

import (
	"context"
	"errors"
	"fmt"
	"imgvec/internal/application/common/retry"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/config"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrTooLarge is returned when a body exceeds the configured byte cap.
var ErrTooLarge = errors.New("image exceeds size limit")

// StatusError is a non-2xx response from an image host.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.StatusCode, e.Status)
}

// HTTPFetcher downloads images over http and https.
type HTTPFetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// NewHTTPFetcher creates a fetcher with a pooled transport tuned for many
// small downloads from few hosts.
func NewHTTPFetcher(cfg config.DownloadConfig) *HTTPFetcher {
	return &HTTPFetcher{
		client:    createHTTPClient(cfg.Timeout),
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
	}
}

func createHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,

		// Connection pool settings
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,

		// Timeout configurations
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
		MaxConnsPerHost:   64,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Fetch performs one GET. Status codes are classified for the retry layer:
// 408, 429 and 5xx are retryable, every other non-2xx is permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid image url: %w", err))
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, handleNetworkError(ctx, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slogger.Debug(ctx, "Failed to close response body", slogger.Fields{"error": closeErr.Error()})
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, handleHTTPError(url, resp)
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, retry.Permanent(fmt.Errorf("%w: content length %d > %d", ErrTooLarge, resp.ContentLength, f.maxBytes))
	}
	return readLimited(resp.Body, f.maxBytes)
}

func handleHTTPError(url string, resp *http.Response) error {
	statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return retry.Retryable(statusErr)
	default:
		return retry.Permanent(statusErr)
	}
}

// handleNetworkError marks transport failures retryable unless the caller's
// context ended. A client timeout on a live context is retried.
func handleNetworkError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return retry.Retryable(err)
	}
	return err
}

// readLimited reads at most maxBytes; a longer body is an error rather than a
// silently truncated image. maxBytes <= 0 disables the cap.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, retry.Permanent(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes))
	}
	return data, nil
}
