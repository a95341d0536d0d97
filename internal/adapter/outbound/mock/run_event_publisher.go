package mock

import (
	"context"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/port/outbound"
	"sync"
)

// LoggingRunEventPublisher stands in for NATS when no server is configured.
// Events are written to the log and kept for inspection.
type LoggingRunEventPublisher struct {
	mu     sync.Mutex
	events []outbound.RunEvent
}

// NewLoggingRunEventPublisher creates a publisher with no events.
func NewLoggingRunEventPublisher() *LoggingRunEventPublisher {
	return &LoggingRunEventPublisher{events: make([]outbound.RunEvent, 0)}
}

// PublishRunEvent logs the event and records it.
func (m *LoggingRunEventPublisher) PublishRunEvent(ctx context.Context, event outbound.RunEvent) error {
	fields := slogger.Fields{
		"event":    string(event.Type),
		"run_id":   event.RunID,
		"strategy": event.Strategy.String(),
	}
	if event.Summary != nil {
		fields["message"] = event.Summary.Message
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	slogger.Info(ctx, "Run event", fields)

	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of every recorded event.
func (m *LoggingRunEventPublisher) Events() []outbound.RunEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbound.RunEvent(nil), m.events...)
}

// Reset clears all recorded events.
func (m *LoggingRunEventPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = make([]outbound.RunEvent, 0)
}
