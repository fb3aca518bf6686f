package zaplogger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerForwardsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(core))

	logger.Debug("Event fired", "event_key", "k1", "retry_count", 3)
	logger.Info("Connected")
	logger.Warn("Failed to publish event, retrying", "attempt", 2)
	logger.Error("Event delivery failed", "error", "boom")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "Event fired", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "k1", fields["event_key"])
	assert.EqualValues(t, 3, fields["retry_count"])

	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := New(zap.New(core))

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	assert.Equal(t, 1, logs.Len())
}

func TestNewProduction(t *testing.T) {
	logger, base, err := NewProduction("warn")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.False(t, base.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, base.Core().Enabled(zapcore.WarnLevel))

	_, _, err = NewProduction("verbose")
	assert.Error(t, err)
}
