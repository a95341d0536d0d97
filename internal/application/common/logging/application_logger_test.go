package logging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level string) ApplicationLogger {
	t.Helper()
	logger, err := NewApplicationLogger(Config{Level: level, Format: "json", Output: "buffer"})
	require.NoError(t, err)
	return logger
}

// TestApplicationLogger_CreateStructuredLogger tests creation of structured logger.
func TestApplicationLogger_CreateStructuredLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:   "json to stdout",
			config: Config{Level: "INFO", Format: "json", Output: "stdout"},
		},
		{
			name:   "text to stderr, lower-case level",
			config: Config{Level: "debug", Format: "text", Output: "stderr"},
		},
		{
			name:    "invalid level",
			config:  Config{Level: "INVALID", Format: "json", Output: "stdout"},
			wantErr: "invalid log level: INVALID",
		},
		{
			name:    "invalid format",
			config:  Config{Level: "INFO", Format: "xml", Output: "stdout"},
			wantErr: "invalid log format: xml",
		},
		{
			name:    "invalid output",
			config:  Config{Level: "INFO", Format: "json", Output: "file"},
			wantErr: "invalid log output: file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewApplicationLogger(tt.config)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.Implements(t, (*ApplicationLogger)(nil), logger)
		})
	}
}

func TestApplicationLogger_LevelFiltering(t *testing.T) {
	logger := newBufferLogger(t, "WARN")
	ctx := context.Background()

	logger.Debug(ctx, "debug", nil)
	logger.Info(ctx, "info", nil)
	logger.Warn(ctx, "warn", nil)
	logger.ErrorWithError(ctx, errors.New("boom"), "error", nil)

	entries := BufferedEntries(logger)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, "boom", entries[1].Error)
}

func TestApplicationLogger_CorrelationAndComponent(t *testing.T) {
	logger := newBufferLogger(t, "DEBUG")
	ctx := WithCorrelationID(context.Background(), "run-123")

	logger.WithComponent("ingestion").Info(ctx, "chunk done", Fields{"chunk": 2, "operation": "chunk"})
	logger.Info(context.Background(), "no correlation", nil)

	entries := BufferedEntries(logger)
	require.Len(t, entries, 2, "child loggers share the parent output")

	assert.Equal(t, "run-123", entries[0].CorrelationID)
	assert.Equal(t, "ingestion", entries[0].Component)
	assert.Equal(t, "chunk", entries[0].Operation)
	assert.InDelta(t, 2, entries[0].Metadata["chunk"], 0)

	assert.Equal(t, "default", entries[1].Component)
	assert.NotEmpty(t, entries[1].CorrelationID, "a correlation id is generated when absent")
}

func TestApplicationLogger_LogPerformance(t *testing.T) {
	logger := newBufferLogger(t, "INFO")
	fields := Fields{"images": 10}

	logger.LogPerformance(context.Background(), "extract", 1500*time.Millisecond, fields)

	entries := BufferedEntries(logger)
	require.Len(t, entries, 1)
	assert.Equal(t, "extract", entries[0].Operation)
	assert.Equal(t, "1.5s", entries[0].Duration)
	assert.NotContains(t, fields, "operation", "caller fields are not mutated")
}

func TestApplicationLogger_ConcurrentWrites(t *testing.T) {
	logger := newBufferLogger(t, "INFO")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.WithComponent("worker").Info(context.Background(), "done", Fields{"i": i})
		}(i)
	}
	wg.Wait()

	assert.Len(t, BufferedEntries(logger), 50)
}

func TestFormatText(t *testing.T) {
	line := formatText(LogEntry{
		Timestamp: "t",
		Level:     "INFO",
		Component: "c",
		Message:   "m",
		Error:     "e",
		Metadata:  map[string]interface{}{"b": 2, "a": 1},
	})

	assert.Equal(t, `[t] INFO c: m error="e" a=1 b=2`, line)
}
