// Package messaging exposes the ingestion service over NATS request/reply.
// Workers subscribe in a queue group so each request runs on one worker.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/config"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/inbound"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// ConsumerConfig holds configuration for the run request consumer.
type ConsumerConfig struct {
	Subject           string
	QueueGroup        string
	ProcessingTimeout time.Duration
	DefaultStrategy   valueobject.Strategy
}

// ConsumerConfigFrom builds the consumer configuration from application config.
func ConsumerConfigFrom(natsCfg config.NATSConfig, pipeline config.PipelineConfig) (ConsumerConfig, error) {
	strategy, err := valueobject.NewStrategy(pipeline.DefaultStrategy)
	if err != nil {
		return ConsumerConfig{}, err
	}
	timeout := DefaultRunProcessingTimeout
	if pipeline.RunTimeout > 0 {
		timeout = pipeline.RunTimeout + time.Minute
	}
	return ConsumerConfig{
		Subject:           natsCfg.RequestSubject,
		QueueGroup:        natsCfg.QueueGroup,
		ProcessingTimeout: timeout,
		DefaultStrategy:   strategy,
	}, nil
}

// NATSConsumer serves run requests from NATS.
type NATSConsumer struct {
	config     ConsumerConfig
	natsConfig config.NATSConfig
	service    inbound.IngestionService

	mu     sync.RWMutex
	conn   *nats.Conn
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	stats  ConsumerStats
	health ConsumerHealthStatus
}

// NewNATSConsumer creates a consumer. Start connects and subscribes.
func NewNATSConsumer(
	cfg ConsumerConfig,
	natsConfig config.NATSConfig,
	service inbound.IngestionService,
) (*NATSConsumer, error) {
	if err := validateConsumerConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid consumer configuration: %w", err)
	}
	if service == nil {
		return nil, errors.New("ingestion service cannot be nil")
	}

	return &NATSConsumer{
		config:     cfg,
		natsConfig: natsConfig,
		service:    service,
		ctx:        context.Background(),
		stats:      ConsumerStats{ActiveSince: time.Now()},
		health: ConsumerHealthStatus{
			QueueGroup: cfg.QueueGroup,
			Subject:    cfg.Subject,
		},
	}, nil
}

func validateConsumerConfig(cfg ConsumerConfig) error {
	if cfg.Subject == "" {
		return errors.New("subject cannot be empty")
	}
	if cfg.QueueGroup == "" {
		return errors.New("queue group cannot be empty")
	}
	if cfg.ProcessingTimeout <= 0 {
		return errors.New("processing timeout must be positive")
	}
	if cfg.DefaultStrategy == "" {
		return errors.New("default strategy cannot be empty")
	}
	return nil
}

// Start connects to NATS and joins the queue group. Runs started by the
// consumer are cancelled when ctx is done or Stop is called.
func (n *NATSConsumer) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.health.IsRunning {
		return fmt.Errorf("consumer already running for subject %s", n.config.Subject)
	}

	conn, err := nats.Connect(n.natsConfig.URL,
		nats.Name("imgvec-worker"),
		nats.MaxReconnects(n.natsConfig.MaxReconnects),
		nats.ReconnectWait(n.natsConfig.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.setConnected(false)
			if err != nil {
				n.updateHealthOnError(fmt.Sprintf("disconnected: %v", err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) { n.setConnected(true) }),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := conn.QueueSubscribe(n.config.Subject, n.config.QueueGroup, n.processMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", n.config.Subject, err)
	}

	n.ctx, n.cancel = context.WithCancel(ctx)
	n.conn = conn
	n.sub = sub
	n.health.IsRunning = true
	n.health.IsConnected = true
	n.stats.ActiveSince = time.Now()

	slogger.Info(ctx, "Run request consumer started", slogger.Fields2(
		"subject", n.config.Subject, "queue_group", n.config.QueueGroup))
	return nil
}

// Stop drains the subscription, letting an in-flight run finish or observe
// cancellation of the consumer context, and closes the connection.
func (n *NATSConsumer) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.health.IsRunning {
		n.mu.Unlock()
		return nil
	}
	conn, cancel := n.conn, n.cancel
	n.health.IsRunning = false
	n.health.IsConnected = false
	n.conn = nil
	n.sub = nil
	n.mu.Unlock()

	// Cancel the run context once the caller's deadline passes.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	closed := make(chan struct{})
	conn.SetClosedHandler(func(_ *nats.Conn) { close(closed) })
	if err := conn.Drain(); err != nil {
		cancel()
		conn.Close()
		return fmt.Errorf("failed to drain connection: %w", err)
	}

	select {
	case <-closed:
	case <-ctx.Done():
		cancel()
		conn.Close()
	}
	cancel()
	slogger.InfoNoCtx("Run request consumer stopped", slogger.Field("subject", n.config.Subject))
	return nil
}

func (n *NATSConsumer) baseContext() context.Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ctx
}

func (n *NATSConsumer) setConnected(connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health.IsConnected = connected
}

// Health returns the current health status of the consumer.
func (n *NATSConsumer) Health() ConsumerHealthStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.health
}

// GetStats returns consumer statistics.
func (n *NATSConsumer) GetStats() ConsumerStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// QueueGroup returns the consumer's queue group.
func (n *NATSConsumer) QueueGroup() string {
	if n == nil {
		return ""
	}
	return n.config.QueueGroup
}

// Subject returns the consumer's subject.
func (n *NATSConsumer) Subject() string {
	if n == nil {
		return ""
	}
	return n.config.Subject
}
