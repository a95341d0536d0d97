package entity

import (
	"errors"
	"fmt"
	"time"

	"imgvec/internal/domain/valueobject"
)

// RunRequest describes one ingestion run.
type RunRequest struct {
	// Limit caps the number of catalog rows read. Nil means the whole catalog.
	Limit *int `json:"limit,omitempty"`
	// SkipProcessed restricts the catalog read to images without a stored vector.
	SkipProcessed bool `json:"skip_processed"`
	// ForceReprocess recomputes every matched image, replacing stored vectors.
	ForceReprocess bool `json:"force_reprocess"`
	// MaxWorkers bounds per-item concurrency. Nil uses the configured default.
	MaxWorkers *int `json:"max_workers,omitempty"`
	// ChunkSize overrides the configured chunk size in serial-chunked mode.
	ChunkSize *int `json:"chunk_size,omitempty"`
	// Timeout bounds the run; once it passes no new work is dispatched.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// DefaultRunRequest mirrors the defaults of the ingestion endpoints: skip
// processed images, never force.
func DefaultRunRequest() RunRequest {
	return RunRequest{SkipProcessed: true}
}

// Validate checks numeric bounds.
func (r RunRequest) Validate() error {
	if r.Limit != nil && *r.Limit < 0 {
		return errors.New("limit must be >= 0")
	}
	if r.MaxWorkers != nil && *r.MaxWorkers < 1 {
		return errors.New("max_workers must be >= 1")
	}
	if r.ChunkSize != nil && *r.ChunkSize < 1 {
		return errors.New("chunk_size must be >= 1")
	}
	if r.Timeout < 0 {
		return errors.New("timeout cannot be negative")
	}
	return nil
}

// FailedItem records why one image failed.
type FailedItem struct {
	ID     valueobject.ImageID       `json:"id"`
	Reason valueobject.FailureReason `json:"reason"`
	Error  string                    `json:"error,omitempty"`
}

// RunSummary is the aggregated result of a run.
type RunSummary struct {
	RunID     string                `json:"run_id,omitempty"`
	Strategy  valueobject.Strategy  `json:"strategy,omitempty"`
	Total     int                   `json:"total"`
	Processed int                   `json:"processed"`
	Success   int                   `json:"success"`
	Failed    int                   `json:"failed"`
	Skipped   int                   `json:"skipped"`
	FailedIDs []valueobject.ImageID `json:"failed_ids"`
	Failures  []FailedItem          `json:"failures,omitempty"`
	Partial   bool                  `json:"partial,omitempty"`
	Message   string                `json:"message"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
}

// EmptySummary is returned when there is nothing to process.
func EmptySummary(total int, message string) *RunSummary {
	return &RunSummary{
		Total:     total,
		FailedIDs: []valueobject.ImageID{},
		Message:   message,
	}
}

// CheckInvariant verifies success + failed + skipped == processed <= total.
// Total is only an upper bound when the catalog was counted with the same
// filter the work list was read with.
func (s *RunSummary) CheckInvariant() error {
	if s.Success+s.Failed+s.Skipped != s.Processed {
		return fmt.Errorf("summary counters disagree: success %d + failed %d + skipped %d != processed %d",
			s.Success, s.Failed, s.Skipped, s.Processed)
	}
	if s.Processed > s.Total {
		return fmt.Errorf("processed %d exceeds total %d", s.Processed, s.Total)
	}
	if len(s.FailedIDs) != s.Failed {
		return fmt.Errorf("failed ids %d != failed %d", len(s.FailedIDs), s.Failed)
	}
	return nil
}

// CompletionMessage renders the human-readable run message.
func CompletionMessage(s *RunSummary) string {
	prefix := "processing completed"
	if s.Partial {
		prefix = "processing stopped at deadline"
	}
	return fmt.Sprintf("%s: success %d, failed %d, skipped %d", prefix, s.Success, s.Failed, s.Skipped)
}
