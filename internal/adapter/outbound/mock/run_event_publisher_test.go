package mock

import (
	"context"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/outbound"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingRunEventPublisher(t *testing.T) {
	p := NewLoggingRunEventPublisher()
	ctx := context.Background()

	require.NoError(t, p.PublishRunEvent(ctx, outbound.RunEvent{
		Type:     outbound.RunEventStarted,
		RunID:    "run-1",
		Strategy: valueobject.StrategyParallel,
	}))
	require.NoError(t, p.PublishRunEvent(ctx, outbound.RunEvent{
		Type:    outbound.RunEventCompleted,
		RunID:   "run-1",
		Summary: entity.EmptySummary(0, "no images to process"),
	}))

	events := p.Events()
	require.Len(t, events, 2)
	assert.Equal(t, outbound.RunEventStarted, events[0].Type)
	assert.Equal(t, "no images to process", events[1].Summary.Message)

	events[0].RunID = "changed"
	assert.Equal(t, "run-1", p.Events()[0].RunID, "Events returns a copy")

	p.Reset()
	assert.Empty(t, p.Events())
}

func TestLoggingRunEventPublisher_Concurrent(t *testing.T) {
	p := NewLoggingRunEventPublisher()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.PublishRunEvent(context.Background(), outbound.RunEvent{
				Type:  outbound.RunEventFailed,
				Error: "store unavailable",
			})
		}()
	}
	wg.Wait()

	assert.Len(t, p.Events(), 20)
}
