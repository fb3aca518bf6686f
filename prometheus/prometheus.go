// Package prometheus exposes engine metrics through client_golang.
//
//	registry := prom.NewRegistry()
//	metrics, err := prometheus.NewMetricsCollector(registry, prometheus.WithNamespace("billing"))
//	engine, err := eventmq.NewEngine(eventmq.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
package prometheus

import (
	"fmt"
	"strconv"
	"time"

	eventmq "github.com/cloudresty/go-eventmq"
	prom "github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector implements eventmq.MetricsCollector with Prometheus
// collectors registered on a caller-supplied registerer.
type MetricsCollector struct {
	connectionAttempts *prom.CounterVec
	connectionDuration *prom.HistogramVec
	reconnections      prom.Counter

	publishes         *prom.CounterVec
	publishDuration   *prom.HistogramVec
	publishBytes      *prom.HistogramVec
	confirmations     *prom.CounterVec
	deliveryOutcomes  *prom.CounterVec
	deliveryDurations *prom.HistogramVec
	retries           *prom.CounterVec
	pending           prom.Gauge
	errors            *prom.CounterVec
}

type options struct {
	namespace   string
	constLabels prom.Labels
}

// Option customizes the collector
type Option func(*options)

// WithNamespace prefixes every metric name, e.g. "billing_eventmq_..."
func WithNamespace(namespace string) Option {
	return func(o *options) { o.namespace = namespace }
}

// WithConstLabels attaches fixed labels, such as the service name
func WithConstLabels(labels prom.Labels) Option {
	return func(o *options) { o.constLabels = labels }
}

// NewMetricsCollector creates the collectors and registers them on reg
func NewMetricsCollector(reg prom.Registerer, opts ...Option) (*MetricsCollector, error) {
	if reg == nil {
		return nil, fmt.Errorf("registerer cannot be nil")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.constLabels) > 0 {
		reg = prom.WrapRegistererWith(o.constLabels, reg)
	}

	counterVec := func(name, help string, labels ...string) *prom.CounterVec {
		return prom.NewCounterVec(prom.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "eventmq",
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogramVec := func(name, help string, buckets []float64, labels ...string) *prom.HistogramVec {
		return prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: o.namespace,
			Subsystem: "eventmq",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	m := &MetricsCollector{
		connectionAttempts: counterVec("connection_attempts_total", "Number of connection attempts", "success"),
		connectionDuration: histogramVec("connection_duration_seconds", "Duration of connection attempts", prom.DefBuckets, "success"),
		reconnections: prom.NewCounter(prom.CounterOpts{
			Namespace: o.namespace,
			Subsystem: "eventmq",
			Name:      "reconnections_total",
			Help:      "Number of successful reconnections",
		}),
		publishes:         counterVec("publishes_total", "Number of publishes that reached the broker", "exchange", "routing_key"),
		publishDuration:   histogramVec("publish_duration_seconds", "Duration of publish calls", prom.DefBuckets, "exchange"),
		publishBytes:      histogramVec("publish_message_bytes", "Size of published event bodies", prom.ExponentialBuckets(64, 4, 8), "exchange"),
		confirmations:     counterVec("confirmations_total", "Number of broker confirmations", "ack"),
		deliveryOutcomes:  counterVec("delivery_outcomes_total", "Number of resolved events by outcome", "outcome"),
		deliveryDurations: histogramVec("delivery_duration_seconds", "Time from fire to resolution", prom.ExponentialBuckets(0.005, 4, 10), "outcome"),
		retries:           counterVec("retries_total", "Number of publish retries by reason", "reason"),
		pending: prom.NewGauge(prom.GaugeOpts{
			Namespace: o.namespace,
			Subsystem: "eventmq",
			Name:      "pending_events",
			Help:      "Number of events awaiting resolution",
		}),
		errors: counterVec("errors_total", "Number of errors by operation", "operation"),
	}

	collectors := []prom.Collector{
		m.connectionAttempts, m.connectionDuration, m.reconnections,
		m.publishes, m.publishDuration, m.publishBytes, m.confirmations,
		m.deliveryOutcomes, m.deliveryDurations, m.retries, m.pending, m.errors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

var _ eventmq.MetricsCollector = (*MetricsCollector)(nil)

func (m *MetricsCollector) RecordConnectionAttempt(success bool, duration time.Duration) {
	label := strconv.FormatBool(success)
	m.connectionAttempts.WithLabelValues(label).Inc()
	m.connectionDuration.WithLabelValues(label).Observe(duration.Seconds())
}

func (m *MetricsCollector) RecordReconnection(attempt int) {
	m.reconnections.Inc()
}

func (m *MetricsCollector) RecordPublish(exchange, routingKey string, messageSize int, duration time.Duration) {
	m.publishes.WithLabelValues(exchange, routingKey).Inc()
	m.publishDuration.WithLabelValues(exchange).Observe(duration.Seconds())
	m.publishBytes.WithLabelValues(exchange).Observe(float64(messageSize))
}

func (m *MetricsCollector) RecordPublishConfirmation(ack bool) {
	m.confirmations.WithLabelValues(strconv.FormatBool(ack)).Inc()
}

func (m *MetricsCollector) RecordDeliveryOutcome(outcome eventmq.DeliveryOutcome, duration time.Duration) {
	m.deliveryOutcomes.WithLabelValues(string(outcome)).Inc()
	m.deliveryDurations.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

func (m *MetricsCollector) RecordRetry(reason eventmq.RetryReason) {
	m.retries.WithLabelValues(string(reason)).Inc()
}

func (m *MetricsCollector) RecordPending(count int) {
	m.pending.Set(float64(count))
}

func (m *MetricsCollector) RecordError(operation string, err error) {
	m.errors.WithLabelValues(operation).Inc()
}
