package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"imgvec/internal/config"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/outbound"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNATSConfig() config.NATSConfig {
	return config.NATSConfig{
		URL:           "nats://localhost:4222",
		MaxReconnects: 5,
		ReconnectWait: 2 * time.Second,
		EventSubject:  "imgvec.runs.events",
	}
}

type capturedMessages struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (c *capturedMessages) send(_ context.Context, msg *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func newCapturingPublisher(t *testing.T) (*NATSRunEventPublisher, *capturedMessages) {
	t.Helper()
	p, err := NewNATSRunEventPublisher(testNATSConfig())
	require.NoError(t, err)
	captured := &capturedMessages{}
	p.send = captured.send
	return p, captured
}

func completedEvent() outbound.RunEvent {
	return outbound.RunEvent{
		Type:     outbound.RunEventCompleted,
		RunID:    "run-1",
		Strategy: valueobject.StrategyParallel,
		Request:  entity.DefaultRunRequest(),
		Summary:  &entity.RunSummary{Total: 3, Processed: 3, Success: 3, FailedIDs: []valueobject.ImageID{}},
	}
}

func TestNewNATSRunEventPublisher_InvalidConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*config.NATSConfig)
		expectErr string
	}{
		{name: "empty url", mutate: func(c *config.NATSConfig) { c.URL = "" }, expectErr: "NATS URL cannot be empty"},
		{name: "bad scheme", mutate: func(c *config.NATSConfig) { c.URL = "http://localhost:4222" }, expectErr: "invalid NATS URL scheme"},
		{name: "no subject", mutate: func(c *config.NATSConfig) { c.EventSubject = "" }, expectErr: "event subject cannot be empty"},
		{name: "negative reconnects", mutate: func(c *config.NATSConfig) { c.MaxReconnects = -1 }, expectErr: "max reconnects cannot be negative"},
		{name: "negative wait", mutate: func(c *config.NATSConfig) { c.ReconnectWait = -time.Second }, expectErr: "reconnect wait cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testNATSConfig()
			tt.mutate(&cfg)
			_, err := NewNATSRunEventPublisher(cfg)
			assert.EqualError(t, err, tt.expectErr)
		})
	}
}

func TestNATSRunEventPublisher_PublishRunEvent(t *testing.T) {
	p, captured := newCapturingPublisher(t)

	require.NoError(t, p.PublishRunEvent(context.Background(), completedEvent()))
	require.Len(t, captured.msgs, 1)

	msg := captured.msgs[0]
	assert.Equal(t, "imgvec.runs.events.run.completed", msg.Subject)
	assert.NotEmpty(t, msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "run-1", msg.Header.Get("Imgvec-Run-Id"))

	var decoded outbound.RunEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, outbound.RunEventCompleted, decoded.Type)
	assert.Equal(t, valueobject.StrategyParallel, decoded.Strategy)
	assert.Equal(t, 3, decoded.Summary.Success)
	assert.False(t, decoded.Timestamp.IsZero())

	metrics := p.GetMessageMetrics()
	assert.Equal(t, int64(1), metrics.PublishedCount)
	assert.Zero(t, metrics.FailedCount)
}

func TestNATSRunEventPublisher_MessageIDsAreUnique(t *testing.T) {
	p, captured := newCapturingPublisher(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.PublishRunEvent(context.Background(), completedEvent()))
	}
	ids := map[string]struct{}{}
	for _, msg := range captured.msgs {
		ids[msg.Header.Get(nats.MsgIdHdr)] = struct{}{}
	}
	assert.Len(t, ids, 3)
}

func TestNATSRunEventPublisher_NotConnected(t *testing.T) {
	p, err := NewNATSRunEventPublisher(testNATSConfig())
	require.NoError(t, err)

	err = p.PublishRunEvent(context.Background(), completedEvent())
	assert.EqualError(t, err, "publish failed: not connected to NATS")
	assert.Equal(t, int64(1), p.GetMessageMetrics().FailedCount)
	assert.Error(t, p.EnsureStream())
}

func TestNATSRunEventPublisher_InvalidInput(t *testing.T) {
	p, _ := newCapturingPublisher(t)

	err := p.PublishRunEvent(context.Background(), outbound.RunEvent{RunID: "r"})
	assert.EqualError(t, err, "event type cannot be empty")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.PublishRunEvent(ctx, completedEvent()), context.Canceled)
}

func TestNATSRunEventPublisher_CircuitBreaker(t *testing.T) {
	p, captured := newCapturingPublisher(t)
	captured.err = errors.New("nats: timeout")

	for i := 0; i < maxFailures; i++ {
		err := p.PublishRunEvent(context.Background(), completedEvent())
		assert.ErrorContains(t, err, "failed to publish message")
	}
	assert.Equal(t, "open", p.GetConnectionHealth().CircuitBreaker)

	captured.err = nil
	err := p.PublishRunEvent(context.Background(), completedEvent())
	assert.ErrorContains(t, err, "circuit breaker open")
	assert.Empty(t, captured.msgs)

	p.ResetCircuitBreaker()
	require.NoError(t, p.PublishRunEvent(context.Background(), completedEvent()))
	assert.Len(t, captured.msgs, 1)
	assert.Equal(t, "closed", p.GetConnectionHealth().CircuitBreaker)
}

func TestNATSRunEventPublisher_BreakerClosesAfterCooldown(t *testing.T) {
	p, captured := newCapturingPublisher(t)
	p.circuitBreakerOpen = true
	p.failureCount = maxFailures
	p.lastFailureTime = time.Now().Add(-circuitOpenDuration - time.Second)

	require.NoError(t, p.PublishRunEvent(context.Background(), completedEvent()))
	assert.Len(t, captured.msgs, 1)
}

func TestNATSRunEventPublisher_ConcurrentPublish(t *testing.T) {
	p, captured := newCapturingPublisher(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.PublishRunEvent(context.Background(), completedEvent()))
		}()
	}
	wg.Wait()

	assert.Len(t, captured.msgs, 20)
	assert.Equal(t, int64(20), p.GetMessageMetrics().PublishedCount)
}

// TestNATSRunEventPublisher_Integration needs a NATS server with JetStream at
// IMGVEC_TEST_NATS_URL.
func TestNATSRunEventPublisher_Integration(t *testing.T) {
	url := os.Getenv("IMGVEC_TEST_NATS_URL")
	if testing.Short() || url == "" {
		t.Skip("IMGVEC_TEST_NATS_URL not set")
	}

	cfg := testNATSConfig()
	cfg.URL = url
	cfg.EventSubject = "imgvec.test.events"
	p, err := NewNATSRunEventPublisher(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Connect())
	defer func() { _ = p.Disconnect() }()
	require.NoError(t, p.EnsureStream())
	require.NoError(t, p.EnsureStream(), "EnsureStream should be idempotent")

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()
	received := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("imgvec.test.events.>", received)
	require.NoError(t, err)
	defer func() { _ = s.Unsubscribe() }()
	require.NoError(t, sub.Flush())

	require.NoError(t, p.PublishRunEvent(context.Background(), completedEvent()))

	select {
	case msg := <-received:
		assert.Equal(t, "imgvec.test.events.run.completed", msg.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
	assert.True(t, p.GetConnectionHealth().Connected)
}
