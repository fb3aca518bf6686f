package eventmq

import (
	"context"
	"time"
)

// Logger interface for structured logging
// Users can implement this interface to integrate their preferred logging solution.
// Fields are passed as alternating key/value pairs.
type Logger interface {
	// Debug logs a debug message with optional structured fields
	Debug(msg string, fields ...any)

	// Info logs an informational message with optional structured fields
	Info(msg string, fields ...any)

	// Warn logs a warning message with optional structured fields
	Warn(msg string, fields ...any)

	// Error logs an error message with optional structured fields
	Error(msg string, fields ...any)
}

// NopLogger is a no-operation logger that produces no output.
// This is used as the default logger when no logger is provided.
type NopLogger struct{}

func (n *NopLogger) Debug(msg string, fields ...any) {}
func (n *NopLogger) Info(msg string, fields ...any)  {}
func (n *NopLogger) Warn(msg string, fields ...any)  {}
func (n *NopLogger) Error(msg string, fields ...any) {}

// NewNopLogger creates a new no-operation logger
func NewNopLogger() Logger {
	return &NopLogger{}
}

// DeliveryOutcome is the terminal state of a fired event.
type DeliveryOutcome string

const (
	// DeliveryAcked indicates the broker confirmed the event
	DeliveryAcked DeliveryOutcome = "acked"

	// DeliveryUnconfirmed indicates the publish was accepted by a broker
	// without publisher confirms, so no acknowledgement was awaited
	DeliveryUnconfirmed DeliveryOutcome = "unconfirmed"

	// DeliveryExhausted indicates every retry attempt failed
	DeliveryExhausted DeliveryOutcome = "exhausted"

	// DeliveryAborted indicates the engine failed fatally before the event resolved
	DeliveryAborted DeliveryOutcome = "aborted"
)

// RetryReason explains why an event went back to the publish queue.
type RetryReason string

const (
	RetryPublishError RetryReason = "publish_error"
	RetryNacked       RetryReason = "nacked"
	RetryLost         RetryReason = "lost"
	RetryInterrupted  RetryReason = "interrupted"
)

// MetricsCollector interface for collecting metrics
type MetricsCollector interface {
	// Connection metrics
	RecordConnectionAttempt(success bool, duration time.Duration)
	RecordReconnection(attempt int)

	// Publishing metrics
	RecordPublish(exchange, routingKey string, messageSize int, duration time.Duration)
	RecordPublishConfirmation(ack bool)

	// Delivery metrics
	RecordDeliveryOutcome(outcome DeliveryOutcome, duration time.Duration)
	RecordRetry(reason RetryReason)
	RecordPending(count int)

	// Error metrics
	RecordError(operation string, err error)
}

// NopMetrics is a no-operation metrics collector
type NopMetrics struct{}

func (n *NopMetrics) RecordConnectionAttempt(success bool, duration time.Duration) {}
func (n *NopMetrics) RecordReconnection(attempt int)                               {}
func (n *NopMetrics) RecordPublish(exchange, routingKey string, messageSize int, duration time.Duration) {
}
func (n *NopMetrics) RecordPublishConfirmation(ack bool)                                    {}
func (n *NopMetrics) RecordDeliveryOutcome(outcome DeliveryOutcome, duration time.Duration) {}
func (n *NopMetrics) RecordRetry(reason RetryReason)                                        {}
func (n *NopMetrics) RecordPending(count int)                                               {}
func (n *NopMetrics) RecordError(operation string, err error)                               {}

func NewNopMetrics() MetricsCollector {
	return &NopMetrics{}
}

// Tracer interface for distributed tracing
type Tracer interface {
	StartSpan(ctx context.Context, operation string) (context.Context, Span)
}

// Span interface for tracing spans
type Span interface {
	SetAttribute(key string, value any)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// SpanStatusCode represents the status of a span
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// NopTracer is a no-operation tracer
type NopTracer struct{}

func (n *NopTracer) StartSpan(ctx context.Context, operation string) (context.Context, Span) {
	return ctx, &NopSpan{}
}

// NopSpan is a no-operation span
type NopSpan struct{}

func (n *NopSpan) SetAttribute(key string, value any)                {}
func (n *NopSpan) SetStatus(code SpanStatusCode, description string) {}
func (n *NopSpan) End()                                              {}

func NewNopTracer() Tracer {
	return &NopTracer{}
}
