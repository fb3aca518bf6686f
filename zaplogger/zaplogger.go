// Package zaplogger adapts go.uber.org/zap to eventmq.Logger.
package zaplogger

import (
	"fmt"
	"os"
	"strings"

	eventmq "github.com/cloudresty/go-eventmq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger forwards engine logs to a sugared zap logger. Engine fields are
// alternating key/value pairs, which is what zap's *w methods take.
type Logger struct {
	sugar *zap.SugaredLogger
}

var _ eventmq.Logger = (*Logger)(nil)

// New wraps an existing zap logger
func New(logger *zap.Logger) *Logger {
	return &Logger{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// NewProduction builds a JSON logger writing to stderr at the given level
// ("debug", "info", "warn" or "error").
func NewProduction(level string) (*Logger, *zap.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderCfg.EncodeDuration = zapcore.MillisDurationEncoder

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "json",
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields: map[string]any{
			"pid": os.Getpid(),
		},
	}

	base, err := config.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return New(base.Named("eventmq")), base, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

func (l *Logger) Debug(msg string, fields ...any) { l.sugar.Debugw(msg, fields...) }
func (l *Logger) Info(msg string, fields ...any)  { l.sugar.Infow(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...any)  { l.sugar.Warnw(msg, fields...) }
func (l *Logger) Error(msg string, fields ...any) { l.sugar.Errorw(msg, fields...) }

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
