package messaging

import (
	"errors"
	"fmt"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"time"
)

const (
	// DefaultRunProcessingTimeout bounds a run triggered over NATS when the
	// request carries no timeout of its own.
	DefaultRunProcessingTimeout = 2 * time.Hour

	// Reply error codes.
	CodeInvalidRequest     = "invalid_request"
	CodeCatalogUnavailable = "catalog_unavailable"
	CodeStoreUnavailable   = "store_unavailable"
	CodeInternal           = "internal_error"
)

// RunRequestMessage is the JSON body of a run request. With ImageIDs set only
// those images are processed and the run options are ignored.
type RunRequestMessage struct {
	Strategy       string   `json:"strategy"`
	Limit          *int     `json:"limit,omitempty"`
	SkipProcessed  *bool    `json:"skip_processed,omitempty"`
	ForceReprocess bool     `json:"force_reprocess"`
	MaxWorkers     *int     `json:"max_workers,omitempty"`
	ChunkSize      *int     `json:"chunk_size,omitempty"`
	Timeout        string   `json:"timeout,omitempty"`
	ImageIDs       []string `json:"image_ids,omitempty"`
}

// ToRunRequest converts the message. skip_processed defaults to true.
func (m RunRequestMessage) ToRunRequest() (entity.RunRequest, error) {
	req := entity.DefaultRunRequest()
	if m.SkipProcessed != nil {
		req.SkipProcessed = *m.SkipProcessed
	}
	req.ForceReprocess = m.ForceReprocess
	req.Limit = m.Limit
	req.MaxWorkers = m.MaxWorkers
	req.ChunkSize = m.ChunkSize
	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil {
			return entity.RunRequest{}, fmt.Errorf("invalid timeout %q: %w", m.Timeout, err)
		}
		req.Timeout = d
	}
	return req, req.Validate()
}

// ParseStrategy parses the requested strategy; empty selects fallback.
func (m RunRequestMessage) ParseStrategy(fallback valueobject.Strategy) (valueobject.Strategy, error) {
	if m.Strategy == "" {
		return fallback, nil
	}
	return valueobject.NewStrategy(m.Strategy)
}

// ImageIDList validates and converts ImageIDs.
func (m RunRequestMessage) ImageIDList() ([]valueobject.ImageID, error) {
	ids := make([]valueobject.ImageID, 0, len(m.ImageIDs))
	for _, raw := range m.ImageIDs {
		id, err := valueobject.NewImageID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("image_ids cannot be empty")
	}
	return ids, nil
}

// RunReply is sent back on the request's reply subject.
type RunReply struct {
	Summary *entity.RunSummary `json:"summary,omitempty"`
	Error   *ReplyError        `json:"error,omitempty"`
}

// ReplyError describes a run that could not be carried out.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConsumerStats counts handled requests.
type ConsumerStats struct {
	MessagesReceived   int64         `json:"messages_received"`
	MessagesProcessed  int64         `json:"messages_processed"`
	MessagesFailed     int64         `json:"messages_failed"`
	LastProcessTime    time.Duration `json:"last_process_time"`
	AverageProcessTime time.Duration `json:"average_process_time"`
	ActiveSince        time.Time     `json:"active_since"`
}

// ConsumerHealthStatus reports the consumer state.
type ConsumerHealthStatus struct {
	IsRunning       bool      `json:"is_running"`
	IsConnected     bool      `json:"is_connected"`
	Subject         string    `json:"subject"`
	QueueGroup      string    `json:"queue_group"`
	LastMessageTime time.Time `json:"last_message_time"`
	ErrorCount      int64     `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
}
