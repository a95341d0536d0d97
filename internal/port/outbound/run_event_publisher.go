package outbound

import (
	"context"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"time"
)

// RunEventType names a run lifecycle event.
type RunEventType string

// Run lifecycle events.
const (
	RunEventStarted   RunEventType = "run.started"
	RunEventCompleted RunEventType = "run.completed"
	RunEventFailed    RunEventType = "run.failed"
)

// RunEvent is published when a run starts and when it ends.
type RunEvent struct {
	Type      RunEventType         `json:"type"`
	RunID     string               `json:"run_id"`
	Strategy  valueobject.Strategy `json:"strategy"`
	Request   entity.RunRequest    `json:"request"`
	Summary   *entity.RunSummary   `json:"summary,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// RunEventPublisher announces run lifecycle events to other services.
type RunEventPublisher interface {
	PublishRunEvent(ctx context.Context, event RunEvent) error
}
