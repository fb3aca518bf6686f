// Package otel reports engine metrics and publish spans through
// OpenTelemetry, following the messaging semantic conventions.
//
// Usage:
//
//	meter := otel.Meter("event-sender")
//	metrics, err := eventmqotel.NewMetricsCollector(meter)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine, err := eventmq.NewEngine(
//	    eventmq.WithMetrics(metrics),
//	    eventmq.WithTracing(eventmqotel.NewTracer(otel.Tracer("event-sender"))),
//	)
package otel

import (
	"context"
	"fmt"
	"time"

	eventmq "github.com/cloudresty/go-eventmq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attribute keys
// https://opentelemetry.io/docs/specs/semconv/messaging/
const (
	MessagingSystem             = "messaging.system"
	MessagingOperation          = "messaging.operation"
	MessagingRabbitMQRoutingKey = "messaging.rabbitmq.routing_key"
	MessagingDestinationName    = "messaging.destination.name"

	OperationPublish = "publish"
)

// MetricsCollector implements eventmq.MetricsCollector with OpenTelemetry
// instruments.
type MetricsCollector struct {
	connectionAttempts metric.Int64Counter
	connectionDuration metric.Float64Histogram
	reconnections      metric.Int64Counter

	publishCounter     metric.Int64Counter
	publishDuration    metric.Float64Histogram
	publishMessageSize metric.Int64Histogram
	confirmations      metric.Int64Counter

	deliveryOutcomes metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	retries          metric.Int64Counter
	pending          metric.Int64Gauge

	errors metric.Int64Counter
}

// NewMetricsCollector creates the instruments on meter
func NewMetricsCollector(meter metric.Meter) (*MetricsCollector, error) {
	m := &MetricsCollector{}
	var err error

	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	seconds := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}

	m.connectionAttempts = counter("eventmq.connection.attempts", "Number of connection attempts", "{attempt}")
	m.connectionDuration = seconds("eventmq.connection.duration", "Duration of connection attempts")
	m.reconnections = counter("eventmq.reconnections", "Number of successful reconnections", "{reconnection}")
	m.publishCounter = counter("eventmq.publish.count", "Number of publish attempts that reached the broker", "{message}")
	m.publishDuration = seconds("eventmq.publish.duration", "Duration of publish calls")
	m.confirmations = counter("eventmq.publish.confirmations", "Number of broker confirmations", "{confirmation}")
	m.deliveryOutcomes = counter("eventmq.delivery.outcomes", "Number of resolved events by outcome", "{event}")
	m.deliveryDuration = seconds("eventmq.delivery.duration", "Time from fire to resolution")
	m.retries = counter("eventmq.retries", "Number of publish retries by reason", "{retry}")
	m.errors = counter("eventmq.errors", "Number of errors", "{error}")
	if err != nil {
		return nil, err
	}

	m.publishMessageSize, err = meter.Int64Histogram("eventmq.publish.message.size",
		metric.WithDescription("Size of published event bodies"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	m.pending, err = meter.Int64Gauge("eventmq.pending",
		metric.WithDescription("Number of events awaiting resolution"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

var _ eventmq.MetricsCollector = (*MetricsCollector)(nil)

// RecordConnectionAttempt records a dial
func (m *MetricsCollector) RecordConnectionAttempt(success bool, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.connectionAttempts.Add(ctx, 1, attrs)
	m.connectionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordReconnection records a successful reconnection
func (m *MetricsCollector) RecordReconnection(attempt int) {
	m.reconnections.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordPublish records a publish that reached the broker
func (m *MetricsCollector) RecordPublish(exchange, routingKey string, messageSize int, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String(MessagingSystem, "rabbitmq"),
		attribute.String(MessagingOperation, OperationPublish),
		attribute.String(MessagingDestinationName, exchange),
		attribute.String(MessagingRabbitMQRoutingKey, routingKey),
	)
	m.publishCounter.Add(ctx, 1, attrs)
	m.publishDuration.Record(ctx, duration.Seconds(), attrs)
	m.publishMessageSize.Record(ctx, int64(messageSize), attrs)
}

// RecordPublishConfirmation records a broker ack or nack
func (m *MetricsCollector) RecordPublishConfirmation(ack bool) {
	m.confirmations.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("ack", ack)))
}

// RecordDeliveryOutcome records how an event resolved
func (m *MetricsCollector) RecordDeliveryOutcome(outcome eventmq.DeliveryOutcome, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	m.deliveryOutcomes.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetry records a publish being scheduled again
func (m *MetricsCollector) RecordRetry(reason eventmq.RetryReason) {
	m.retries.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", string(reason))))
}

// RecordPending records the number of unresolved events
func (m *MetricsCollector) RecordPending(count int) {
	m.pending.Record(context.Background(), int64(count))
}

// RecordError records an error
func (m *MetricsCollector) RecordError(operation string, err error) {
	errType := "unknown"
	if err != nil {
		errType = fmt.Sprintf("%T", err)
	}
	m.errors.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("error.type", errType),
		))
}

// Tracer implements eventmq.Tracer with an OpenTelemetry tracer
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps a tracer obtained from a TracerProvider
func NewTracer(tracer trace.Tracer) *Tracer {
	return &Tracer{tracer: tracer}
}

var _ eventmq.Tracer = (*Tracer)(nil)

// StartSpan starts a producer span
func (t *Tracer) StartSpan(ctx context.Context, operation string) (context.Context, eventmq.Span) {
	ctx, span := t.tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String(MessagingSystem, "rabbitmq")),
	)
	return ctx, &Span{span: span}
}

// Span adapts trace.Span to eventmq.Span
type Span struct {
	span trace.Span
}

var _ eventmq.Span = (*Span)(nil)

// SetAttribute sets an attribute on the span
func (s *Span) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case uint64:
		s.span.SetAttributes(attribute.Int64(key, int64(v)))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

// SetStatus sets the status of the span
func (s *Span) SetStatus(code eventmq.SpanStatusCode, description string) {
	switch code {
	case eventmq.SpanStatusOK:
		s.span.SetStatus(codes.Ok, description)
	case eventmq.SpanStatusError:
		s.span.SetStatus(codes.Error, description)
	default:
		s.span.SetStatus(codes.Unset, description)
	}
}

// End ends the span
func (s *Span) End() {
	s.span.End()
}
