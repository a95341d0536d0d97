package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"imgvec/internal/application/common/retry"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/config"
	"imgvec/internal/port/outbound"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

var _ outbound.FeatureExtractor = (*Remote)(nil)

// maxResponseBytes caps a prediction response; 32 images of 1280 floats fit easily.
const maxResponseBytes = 64 << 20

// PredictRequest is the body sent to the model service.
type PredictRequest struct {
	Model     string         `json:"model,omitempty"`
	Instances []PredictImage `json:"instances"`
}

// PredictImage carries one base64 encoded image.
type PredictImage struct {
	B64 string `json:"b64"`
}

// PredictResponse holds one vector per instance. A null prediction, or a
// non-empty entry in Errors at the same index, marks a failed instance.
type PredictResponse struct {
	Predictions  [][]float64 `json:"predictions"`
	Errors       []string    `json:"errors,omitempty"`
	ModelVersion string      `json:"model_version,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// RemoteError is a non-2xx response from the model service.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("model service returned HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model service returned HTTP %d", e.StatusCode)
}

// Remote calls a model service over JSON/HTTP. Requests are throttled by a
// token bucket shared by every worker.
type Remote struct {
	url          string
	httpClient   *http.Client
	limiter      *rate.Limiter
	retry        *retry.RetryConfig
	dimension    int
	modelVersion string
}

// NewRemote creates a client for cfg.URL.
func NewRemote(cfg config.ExtractorConfig) (*Remote, error) {
	if cfg.URL == "" {
		return nil, errors.New("extractor url is required")
	}
	if cfg.Dimension < 1 {
		return nil, fmt.Errorf("extractor dimension must be positive, got %d", cfg.Dimension)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)

	rc := retry.DefaultRetryConfig()
	rc.InitialDelay = 500 * time.Millisecond

	return &Remote{
		url:          cfg.URL,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		limiter:      rate.NewLimiter(limit, burst),
		retry:        rc,
		dimension:    cfg.Dimension,
		modelVersion: cfg.ModelVersion,
	}, nil
}

func (r *Remote) Dimension() int { return r.dimension }

func (r *Remote) ModelVersion() string { return r.modelVersion }

func (r *Remote) ExtractOne(ctx context.Context, image []byte) ([]float64, error) {
	resp, err := r.predict(ctx, [][]byte{image})
	if err != nil {
		return nil, err
	}
	if msg := instanceError(resp, 0); msg != "" {
		return nil, fmt.Errorf("model service rejected image: %s", msg)
	}
	return resp.Predictions[0], nil
}

// ExtractBatch sends every image in one request.
func (r *Remote) ExtractBatch(ctx context.Context, images [][]byte) ([][]float64, error) {
	if len(images) == 0 {
		return [][]float64{}, nil
	}
	resp, err := r.predict(ctx, images)
	if err != nil {
		return nil, err
	}

	out := make([][]float64, len(images))
	for i := range images {
		if msg := instanceError(resp, i); msg != "" {
			slogger.Debug(ctx, "Model service rejected image", slogger.Fields2("index", i, "error", msg))
			continue
		}
		out[i] = resp.Predictions[i]
	}
	return out, nil
}

func instanceError(resp *PredictResponse, i int) string {
	if i < len(resp.Errors) && resp.Errors[i] != "" {
		return resp.Errors[i]
	}
	if resp.Predictions[i] == nil {
		return "no prediction"
	}
	return ""
}

func (r *Remote) predict(ctx context.Context, images [][]byte) (*PredictResponse, error) {
	body := PredictRequest{Model: r.modelVersion, Instances: make([]PredictImage, len(images))}
	for i, img := range images {
		body.Instances[i] = PredictImage{B64: base64.StdEncoding.EncodeToString(img)}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	var resp *PredictResponse
	err = retry.WithRetryConfig(ctx, r.retry, func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		var err error
		resp, err = r.doOnce(ctx, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Predictions) != len(images) {
		return nil, fmt.Errorf("model service returned %d predictions for %d images", len(resp.Predictions), len(images))
	}
	return resp, nil
}

func (r *Remote) doOnce(ctx context.Context, payload []byte) (*PredictResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, retry.Retryable(fmt.Errorf("model service request failed: %w", err))
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("failed to read model service response: %w", err))
	}

	var resp PredictResponse
	decodeErr := json.Unmarshal(data, &resp)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		remoteErr := &RemoteError{StatusCode: httpResp.StatusCode, Message: resp.Error}
		slogger.Warn(ctx, "Model service returned an error", slogger.Fields{
			"status_code": httpResp.StatusCode,
			"message":     resp.Error,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
			return nil, retry.Retryable(remoteErr)
		}
		return nil, retry.Permanent(remoteErr)
	}
	if decodeErr != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode model service response: %w", decodeErr))
	}

	slogger.Debug(ctx, "Model service responded", slogger.Fields2(
		"predictions", len(resp.Predictions), "duration_ms", time.Since(start).Milliseconds()))
	return &resp, nil
}
