package fetcher

import (
	"context"
	"errors"
	"fmt"
	"imgvec/internal/application/common/retry"
	"imgvec/internal/config"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Fetcher reads s3://bucket/key objects from an S3 compatible store.
type S3Fetcher struct {
	client   *minio.Client
	maxBytes int64
}

// NewS3Fetcher creates a minio client for cfg.Endpoint. The endpoint may be a
// bare host:port or a url; an https url forces TLS.
func NewS3Fetcher(cfg config.S3Config, maxBytes int64) (*S3Fetcher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("s3 endpoint is required")
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = useSSL || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3Fetcher{client: client, maxBytes: maxBytes}, nil
}

// parseS3URL splits s3://bucket/key.
func parseS3URL(raw string) (string, string, error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url needs a bucket and a key: %q", raw)
	}
	return bucket, key, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, raw string) ([]byte, error) {
	bucket, key, err := parseS3URL(raw)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	obj, err := f.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyMinioError(err)
	}
	defer obj.Close()

	data, err := readLimited(obj, f.maxBytes)
	if err != nil {
		return nil, classifyMinioError(err)
	}
	return data, nil
}

// classifyMinioError marks missing objects and auth failures permanent. Other
// errors are left to the default retry rules.
func classifyMinioError(err error) error {
	if errors.Is(err, ErrTooLarge) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket", "NoSuchKey", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return retry.Permanent(err)
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return retry.Retryable(err)
	}
	return err
}
