package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"imgvec/internal/config"
	"imgvec/internal/port/outbound"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// NATS connection timeout.
	natsConnectionTimeoutSeconds = 5

	// Stream configuration.
	streamName        = "IMGVEC_RUNS"
	streamMaxAgeHours = 24

	// Circuit breaker.
	maxFailures         = 3
	circuitOpenDuration = 30 * time.Second
)

var _ outbound.RunEventPublisher = (*NATSRunEventPublisher)(nil)

// ConnectionHealthStatus represents the health status of NATS connection.
type ConnectionHealthStatus struct {
	Connected        bool   `json:"connected"`
	JetStreamEnabled bool   `json:"jetstream_enabled"`
	LastError        string `json:"last_error,omitempty"`
	Uptime           string `json:"uptime"`
	Reconnects       int    `json:"reconnects"`
	CircuitBreaker   string `json:"circuit_breaker"`
}

// MessageMetrics tracks message publishing metrics.
type MessageMetrics struct {
	PublishedCount    int64         `json:"published_count"`
	FailedCount       int64         `json:"failed_count"`
	AverageLatency    time.Duration `json:"average_latency"`
	LastPublishedTime time.Time     `json:"last_published_time"`
}

// sendFunc delivers one message. It is the JetStream publish when the stream
// is available and a core NATS publish otherwise.
type sendFunc func(ctx context.Context, msg *nats.Msg) error

// NATSRunEventPublisher publishes run lifecycle events to
// <event_subject>.<event type>, e.g. imgvec.runs.events.run.completed.
type NATSRunEventPublisher struct {
	config         config.NATSConfig
	conn           *nats.Conn
	js             nats.JetStreamContext
	send           sendFunc
	messageMetrics MessageMetrics
	mutex          sync.RWMutex
	connectedAt    time.Time
	reconnectCount int
	lastError      error
	// Circuit breaker state
	circuitBreakerOpen bool
	lastFailureTime    time.Time
	failureCount       int
}

// NewNATSRunEventPublisher validates cfg. Call Connect before publishing.
func NewNATSRunEventPublisher(cfg config.NATSConfig) (*NATSRunEventPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL cannot be empty")
	}
	if !strings.HasPrefix(cfg.URL, "nats://") && !strings.HasPrefix(cfg.URL, "tls://") {
		return nil, errors.New("invalid NATS URL scheme")
	}
	if cfg.EventSubject == "" {
		return nil, errors.New("event subject cannot be empty")
	}
	if cfg.MaxReconnects < 0 {
		return nil, errors.New("max reconnects cannot be negative")
	}
	if cfg.ReconnectWait < 0 {
		return nil, errors.New("reconnect wait cannot be negative")
	}
	return &NATSRunEventPublisher{config: cfg}, nil
}

// Subject returns the subject an event of type t is published to.
func (n *NATSRunEventPublisher) Subject(t outbound.RunEventType) string {
	return n.config.EventSubject + "." + string(t)
}

// Connect establishes connection to NATS server.
func (n *NATSRunEventPublisher) Connect() error {
	opts := []nats.Option{
		nats.Name("imgvec-run-events"),
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.Timeout(natsConnectionTimeoutSeconds * time.Second),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			n.mutex.Lock()
			n.reconnectCount++
			n.mutex.Unlock()
			n.updateConnectionHealth(true, nil)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, _ error) {
			n.updateConnectionHealth(false, errors.New("connection lost"))
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		n.updateConnectionHealth(false, err)
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		n.updateConnectionHealth(false, err)
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	n.mutex.Lock()
	n.conn = conn
	n.js = js
	n.send = func(ctx context.Context, msg *nats.Msg) error {
		_, err := js.PublishMsg(msg, nats.Context(ctx))
		return err
	}
	n.mutex.Unlock()
	n.updateConnectionHealth(true, nil)
	return nil
}

// EnsureStream creates the run event stream if it doesn't exist. When the
// server has no JetStream the publisher falls back to core NATS and events are
// delivered to live subscribers only.
func (n *NATSRunEventPublisher) EnsureStream() error {
	n.mutex.RLock()
	js, conn := n.js, n.conn
	n.mutex.RUnlock()
	if js == nil || conn == nil {
		return errors.New("not connected to NATS server")
	}

	streamConfig := &nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{n.config.EventSubject + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    streamMaxAgeHours * time.Hour,
		Replicas:  1,
	}

	_, err := js.AddStream(streamConfig)
	if err == nil || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil
	}
	if errors.Is(err, nats.ErrJetStreamNotEnabled) || errors.Is(err, nats.ErrJetStreamNotEnabledForAccount) {
		n.mutex.Lock()
		n.js = nil
		n.send = func(_ context.Context, msg *nats.Msg) error {
			return conn.PublishMsg(msg)
		}
		n.mutex.Unlock()
		return nil
	}
	if _, streamErr := js.StreamInfo(streamName); streamErr == nil {
		return nil
	}
	return fmt.Errorf("failed to create stream: %w", err)
}

// Disconnect drains and closes the NATS connection.
func (n *NATSRunEventPublisher) Disconnect() error {
	n.mutex.Lock()
	conn := n.conn
	n.conn = nil
	n.js = nil
	n.send = nil
	n.mutex.Unlock()

	var err error
	if conn != nil {
		err = conn.Drain()
	}
	n.updateConnectionHealth(false, nil)
	return err
}

// PublishRunEvent publishes event as JSON. The message id header lets
// JetStream drop duplicates of a retried publish.
func (n *NATSRunEventPublisher) PublishRunEvent(ctx context.Context, event outbound.RunEvent) error {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		n.updateMetrics(false, time.Since(start))
		return err
	}
	if event.Type == "" {
		return errors.New("event type cannot be empty")
	}
	if n.isCircuitBreakerOpen() {
		n.updateMetrics(false, time.Since(start))
		return errors.New("circuit breaker open: too many recent failures")
	}

	n.mutex.RLock()
	send := n.send
	n.mutex.RUnlock()
	if send == nil {
		n.updateMetrics(false, time.Since(start))
		return errors.New("publish failed: not connected to NATS")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		n.updateMetrics(false, time.Since(start))
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := nats.NewMsg(n.Subject(event.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	msg.Header.Set("Imgvec-Run-Id", event.RunID)

	if err := send(ctx, msg); err != nil {
		n.updateMetrics(false, time.Since(start))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	n.updateMetrics(true, time.Since(start))
	return nil
}

// GetConnectionHealth returns the current connection health status.
func (n *NATSRunEventPublisher) GetConnectionHealth() ConnectionHealthStatus {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	status := ConnectionHealthStatus{
		Connected:        n.conn != nil && n.conn.IsConnected(),
		JetStreamEnabled: n.js != nil,
		Reconnects:       n.reconnectCount,
		Uptime:           "0s",
		CircuitBreaker:   "closed",
	}
	if status.Connected && !n.connectedAt.IsZero() {
		status.Uptime = time.Since(n.connectedAt).String()
	}
	if n.lastError != nil {
		status.LastError = n.lastError.Error()
	}
	if n.circuitBreakerOpen {
		status.CircuitBreaker = "open"
	}
	return status
}

// GetMessageMetrics returns current message publishing metrics.
func (n *NATSRunEventPublisher) GetMessageMetrics() MessageMetrics {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	return n.messageMetrics
}

func (n *NATSRunEventPublisher) updateConnectionHealth(connected bool, err error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if err != nil {
		n.lastError = err
	}
	if connected && n.connectedAt.IsZero() {
		n.connectedAt = time.Now()
	}
	if !connected && err == nil {
		n.connectedAt = time.Time{}
	}
}

// updateMetrics updates message publishing metrics.
func (n *NATSRunEventPublisher) updateMetrics(success bool, latency time.Duration) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if success {
		n.messageMetrics.PublishedCount++
		n.messageMetrics.LastPublishedTime = time.Now()

		// EMA with alpha = 0.1
		if n.messageMetrics.AverageLatency == 0 {
			n.messageMetrics.AverageLatency = latency
		} else {
			n.messageMetrics.AverageLatency = time.Duration(
				0.9*float64(n.messageMetrics.AverageLatency) + 0.1*float64(latency),
			)
		}
		n.updateCircuitBreaker(true)
		return
	}
	n.messageMetrics.FailedCount++
	n.updateCircuitBreaker(false)
}

// updateCircuitBreaker must be called with the mutex held.
func (n *NATSRunEventPublisher) updateCircuitBreaker(success bool) {
	if success {
		n.failureCount = 0
		n.circuitBreakerOpen = false
		return
	}
	n.failureCount++
	n.lastFailureTime = time.Now()
	if n.failureCount >= maxFailures {
		n.circuitBreakerOpen = true
	}
}

// isCircuitBreakerOpen reports whether publishing is suspended. An open
// breaker closes again circuitOpenDuration after the last failure.
func (n *NATSRunEventPublisher) isCircuitBreakerOpen() bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.circuitBreakerOpen && time.Since(n.lastFailureTime) > circuitOpenDuration {
		n.circuitBreakerOpen = false
		n.failureCount = 0
	}
	return n.circuitBreakerOpen
}

// ResetCircuitBreaker closes the breaker.
func (n *NATSRunEventPublisher) ResetCircuitBreaker() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.circuitBreakerOpen = false
	n.failureCount = 0
	n.lastFailureTime = time.Time{}
}
