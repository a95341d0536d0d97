package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"imgvec/internal/config"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/errors/domain"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/inbound"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockIngestionService struct {
	mock.Mock
}

func (m *mockIngestionService) RunSerialChunked(ctx context.Context, req entity.RunRequest) (*entity.RunSummary, error) {
	args := m.Called(ctx, req)
	summary, _ := args.Get(0).(*entity.RunSummary)
	return summary, args.Error(1)
}

func (m *mockIngestionService) RunParallel(ctx context.Context, req entity.RunRequest) (*entity.RunSummary, error) {
	args := m.Called(ctx, req)
	summary, _ := args.Get(0).(*entity.RunSummary)
	return summary, args.Error(1)
}

func (m *mockIngestionService) ProcessImage(
	ctx context.Context,
	id valueobject.ImageID,
	url string,
) (*inbound.ImageResult, error) {
	args := m.Called(ctx, id, url)
	result, _ := args.Get(0).(*inbound.ImageResult)
	return result, args.Error(1)
}

func (m *mockIngestionService) ProcessImages(ctx context.Context, ids []valueobject.ImageID) (*entity.RunSummary, error) {
	args := m.Called(ctx, ids)
	summary, _ := args.Get(0).(*entity.RunSummary)
	return summary, args.Error(1)
}

func (m *mockIngestionService) Health(ctx context.Context) inbound.HealthStatus {
	return m.Called(ctx).Get(0).(inbound.HealthStatus)
}

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Subject:           "imgvec.runs.request",
		QueueGroup:        "imgvec-workers",
		ProcessingTimeout: time.Minute,
		DefaultStrategy:   valueobject.StrategySerialChunked,
	}
}

func newTestConsumer(t *testing.T, service inbound.IngestionService) *NATSConsumer {
	t.Helper()
	c, err := NewNATSConsumer(testConsumerConfig(), config.NATSConfig{URL: "nats://localhost:4222"}, service)
	require.NoError(t, err)
	return c
}

func summaryOf(success int) *entity.RunSummary {
	return &entity.RunSummary{
		Total: success, Processed: success, Success: success,
		FailedIDs: []valueobject.ImageID{}, Message: fmt.Sprintf("processing completed: success %d, failed 0, skipped 0", success),
	}
}

func TestNewNATSConsumer_Validation(t *testing.T) {
	service := &mockIngestionService{}
	tests := []struct {
		name      string
		mutate    func(*ConsumerConfig)
		expectErr string
	}{
		{name: "subject", mutate: func(c *ConsumerConfig) { c.Subject = "" }, expectErr: "subject cannot be empty"},
		{name: "queue group", mutate: func(c *ConsumerConfig) { c.QueueGroup = "" }, expectErr: "queue group cannot be empty"},
		{name: "timeout", mutate: func(c *ConsumerConfig) { c.ProcessingTimeout = 0 }, expectErr: "processing timeout must be positive"},
		{name: "strategy", mutate: func(c *ConsumerConfig) { c.DefaultStrategy = "" }, expectErr: "default strategy cannot be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConsumerConfig()
			tt.mutate(&cfg)
			_, err := NewNATSConsumer(cfg, config.NATSConfig{}, service)
			assert.ErrorContains(t, err, tt.expectErr)
		})
	}

	_, err := NewNATSConsumer(testConsumerConfig(), config.NATSConfig{}, nil)
	assert.EqualError(t, err, "ingestion service cannot be nil")
}

func TestConsumerConfigFrom(t *testing.T) {
	cfg, err := ConsumerConfigFrom(
		config.NATSConfig{RequestSubject: "req", QueueGroup: "q"},
		config.PipelineConfig{DefaultStrategy: "parallel", RunTimeout: 10 * time.Minute},
	)
	require.NoError(t, err)
	assert.Equal(t, "req", cfg.Subject)
	assert.Equal(t, "q", cfg.QueueGroup)
	assert.Equal(t, valueobject.StrategyParallel, cfg.DefaultStrategy)
	assert.Equal(t, 11*time.Minute, cfg.ProcessingTimeout)

	cfg, err = ConsumerConfigFrom(config.NATSConfig{}, config.PipelineConfig{DefaultStrategy: "serial_chunked"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRunProcessingTimeout, cfg.ProcessingTimeout)

	_, err = ConsumerConfigFrom(config.NATSConfig{}, config.PipelineConfig{DefaultStrategy: "bogus"})
	assert.Error(t, err)
}

func TestHandleMessage_DispatchesByStrategy(t *testing.T) {
	service := &mockIngestionService{}
	limit := 10
	service.On("RunParallel", mock.Anything, mock.MatchedBy(func(req entity.RunRequest) bool {
		return req.Limit != nil && *req.Limit == limit && req.SkipProcessed && !req.ForceReprocess &&
			req.Timeout == 30*time.Second
	})).Return(summaryOf(7), nil).Once()
	service.On("RunSerialChunked", mock.Anything, mock.MatchedBy(func(req entity.RunRequest) bool {
		return !req.SkipProcessed && req.ForceReprocess
	})).Return(summaryOf(3), nil).Once()

	c := newTestConsumer(t, service)

	reply := c.handleMessage(context.Background(), []byte(`{"strategy":"parallel","limit":10,"timeout":"30s"}`))
	require.Nil(t, reply.Error)
	assert.Equal(t, 7, reply.Summary.Success)

	reply = c.handleMessage(context.Background(), []byte(`{"skip_processed":false,"force_reprocess":true}`))
	require.Nil(t, reply.Error)
	assert.Equal(t, 3, reply.Summary.Success)

	service.AssertExpectations(t)
	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.MessagesReceived)
	assert.Equal(t, int64(2), stats.MessagesProcessed)
}

func TestHandleMessage_ImageIDs(t *testing.T) {
	service := &mockIngestionService{}
	service.On("ProcessImages", mock.Anything, []valueobject.ImageID{"5", "9"}).Return(summaryOf(2), nil).Once()

	reply := newTestConsumer(t, service).handleMessage(context.Background(), []byte(`{"image_ids":["5","9"]}`))
	require.Nil(t, reply.Error)
	assert.Equal(t, 2, reply.Summary.Success)
	service.AssertExpectations(t)
}

func TestHandleMessage_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		setup    func(*mockIngestionService)
		wantCode string
	}{
		{name: "malformed json", body: `{"strategy":`, wantCode: CodeInvalidRequest},
		{name: "unknown strategy", body: `{"strategy":"fastest"}`, wantCode: CodeInvalidRequest},
		{name: "bad timeout", body: `{"timeout":"soon"}`, wantCode: CodeInvalidRequest},
		{name: "negative limit", body: `{"limit":-1}`, wantCode: CodeInvalidRequest},
		{name: "blank image id", body: `{"image_ids":["  "]}`, wantCode: CodeInvalidRequest},
		{
			name: "catalog down",
			body: `{}`,
			setup: func(m *mockIngestionService) {
				m.On("RunSerialChunked", mock.Anything, mock.Anything).
					Return(nil, fmt.Errorf("%w: connection refused", domain.ErrCatalogUnavailable))
			},
			wantCode: CodeCatalogUnavailable,
		},
		{
			name: "store down",
			body: `{"strategy":"parallel"}`,
			setup: func(m *mockIngestionService) {
				m.On("RunParallel", mock.Anything, mock.Anything).Return(nil, domain.ErrStoreUnavailable)
			},
			wantCode: CodeStoreUnavailable,
		},
		{
			name: "unexpected",
			body: `{}`,
			setup: func(m *mockIngestionService) {
				m.On("RunSerialChunked", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("boom"))
			},
			wantCode: CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &mockIngestionService{}
			if tt.setup != nil {
				tt.setup(service)
			}
			c := newTestConsumer(t, service)

			reply := c.handleMessage(context.Background(), []byte(tt.body))
			require.NotNil(t, reply.Error)
			assert.Nil(t, reply.Summary)
			assert.Equal(t, tt.wantCode, reply.Error.Code)
			assert.NotEmpty(t, reply.Error.Message)

			health := c.Health()
			assert.Equal(t, int64(1), health.ErrorCount)
			assert.Equal(t, int64(1), c.GetStats().MessagesFailed)
		})
	}
}

func TestHandleMessage_ProcessingTimeoutBoundsRun(t *testing.T) {
	service := &mockIngestionService{}
	service.On("RunSerialChunked", mock.MatchedBy(func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= time.Minute
	}), mock.Anything).Return(summaryOf(0), nil).Once()

	reply := newTestConsumer(t, service).handleMessage(context.Background(), []byte(`{}`))
	require.Nil(t, reply.Error)
	service.AssertExpectations(t)
}

func TestRunRequestMessage_ToRunRequest(t *testing.T) {
	req, err := RunRequestMessage{}.ToRunRequest()
	require.NoError(t, err)
	assert.Equal(t, entity.DefaultRunRequest(), req)

	workers := 0
	_, err = RunRequestMessage{MaxWorkers: &workers}.ToRunRequest()
	assert.ErrorContains(t, err, "max_workers")
}

func TestStop_WhenNotRunning(t *testing.T) {
	c := newTestConsumer(t, &mockIngestionService{})
	assert.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.Health().IsRunning)
	assert.Equal(t, "imgvec.runs.request", c.Subject())
	assert.Equal(t, "imgvec-workers", c.QueueGroup())
}

// TestNATSConsumer_Integration needs a NATS server at IMGVEC_TEST_NATS_URL.
func TestNATSConsumer_Integration(t *testing.T) {
	url := os.Getenv("IMGVEC_TEST_NATS_URL")
	if testing.Short() || url == "" {
		t.Skip("IMGVEC_TEST_NATS_URL not set")
	}

	service := &mockIngestionService{}
	service.On("RunParallel", mock.Anything, mock.Anything).Return(summaryOf(4), nil)

	cfg := testConsumerConfig()
	cfg.Subject = "imgvec.test.request"
	c, err := NewNATSConsumer(cfg, config.NATSConfig{URL: url, MaxReconnects: 1, ReconnectWait: time.Second}, service)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer func() { assert.NoError(t, c.Stop(context.Background())) }()
	assert.Error(t, c.Start(context.Background()), "second start must fail")

	client, err := nats.Connect(url)
	require.NoError(t, err)
	defer client.Close()

	msg, err := client.Request(cfg.Subject, []byte(`{"strategy":"parallel"}`), 5*time.Second)
	require.NoError(t, err)

	var reply RunReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	require.Nil(t, reply.Error)
	assert.Equal(t, 4, reply.Summary.Success)
	assert.True(t, c.Health().IsRunning)
}
