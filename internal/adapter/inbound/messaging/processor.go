package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"imgvec/internal/application/common/slogger"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/errors/domain"
	"imgvec/internal/domain/valueobject"
	"time"

	"github.com/nats-io/nats.go"
)

// handleMessage decodes one run request, executes it and builds the reply.
// It never returns an error: every failure is reported in the reply.
func (n *NATSConsumer) handleMessage(ctx context.Context, data []byte) *RunReply {
	start := time.Now()

	var msg RunRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return n.fail(CodeInvalidRequest, fmt.Errorf("failed to unmarshal message: %w", err), start)
	}

	summary, err := n.execute(ctx, msg)
	if err != nil {
		return n.fail(replyCode(err), err, start)
	}

	n.updateStats(true, time.Since(start))
	return &RunReply{Summary: summary}
}

func (n *NATSConsumer) execute(ctx context.Context, msg RunRequestMessage) (*entity.RunSummary, error) {
	if len(msg.ImageIDs) > 0 {
		ids, err := msg.ImageIDList()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRunRequest, err)
		}
		runCtx, cancel := context.WithTimeout(ctx, n.config.ProcessingTimeout)
		defer cancel()
		return n.service.ProcessImages(runCtx, ids)
	}

	strategy, err := msg.ParseStrategy(n.config.DefaultStrategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRunRequest, err)
	}
	req, err := msg.ToRunRequest()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRunRequest, err)
	}

	// The run's own deadline stops dispatch and yields a partial summary; the
	// processing timeout is the hard stop behind it.
	runCtx, cancel := context.WithTimeout(ctx, n.config.ProcessingTimeout)
	defer cancel()

	slogger.Info(ctx, "Run requested over NATS", slogger.Fields2("strategy", strategy.String(), "force", req.ForceReprocess))
	switch strategy {
	case valueobject.StrategyParallel:
		return n.service.RunParallel(runCtx, req)
	default:
		return n.service.RunSerialChunked(runCtx, req)
	}
}

func replyCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidRunRequest), errors.Is(err, domain.ErrInvalidInput):
		return CodeInvalidRequest
	case errors.Is(err, domain.ErrCatalogUnavailable):
		return CodeCatalogUnavailable
	case errors.Is(err, domain.ErrStoreUnavailable):
		return CodeStoreUnavailable
	default:
		return CodeInternal
	}
}

func (n *NATSConsumer) fail(code string, err error, start time.Time) *RunReply {
	n.updateStats(false, time.Since(start))
	n.updateHealthOnError(err.Error())
	return &RunReply{Error: &ReplyError{Code: code, Message: err.Error()}}
}

// processMessage is the subscription callback.
func (n *NATSConsumer) processMessage(msg *nats.Msg) {
	ctx := n.baseContext()
	reply := n.handleMessage(ctx, msg.Data)

	if msg.Reply == "" {
		if reply.Error != nil {
			slogger.Warn(ctx, "Run request without reply subject failed", slogger.Fields2(
				"code", reply.Error.Code, "error", reply.Error.Message))
		}
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		slogger.ErrorWithError(ctx, err, "Failed to marshal run reply", nil)
		return
	}
	if err := msg.Respond(data); err != nil {
		slogger.ErrorWithError(ctx, err, "Failed to send run reply", slogger.Field("reply", msg.Reply))
	}
}

// updateHealthOnError updates health status when an error occurs.
func (n *NATSConsumer) updateHealthOnError(errorMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.health.ErrorCount++
	n.health.LastError = errorMsg
}

// updateStats updates consumer statistics in a thread-safe manner.
func (n *NATSConsumer) updateStats(success bool, processTime time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stats.MessagesReceived++
	n.stats.LastProcessTime = processTime
	n.health.LastMessageTime = time.Now()

	if success {
		n.stats.MessagesProcessed++
		// Running mean over processed messages.
		n.stats.AverageProcessTime += (processTime - n.stats.AverageProcessTime) / time.Duration(n.stats.MessagesProcessed)
	} else {
		n.stats.MessagesFailed++
	}
}
