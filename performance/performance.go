// Package performance keeps in-process delivery statistics for an engine.
//
// Monitor implements eventmq.MetricsCollector, so it plugs in where the
// otel and prometheus collectors do, and adds a point-in-time snapshot the
// program itself can read:
//
//	monitor := performance.NewMonitor()
//
//	engine, err := eventmq.NewEngine(
//		eventmq.WithMetrics(monitor),
//	)
//
//	stats := monitor.GetStats()
//	fmt.Printf("Delivered: %d, exhausted: %d\n", stats.Acked+stats.Unconfirmed, stats.Exhausted)
package performance

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	eventmq "github.com/cloudresty/go-eventmq"
)

// latencyWindow is how many recent durations percentiles are computed over
const latencyWindow = 1000

// Monitor collects engine metrics in memory
type Monitor struct {
	connectionAttempts atomic.Uint64
	connectionFailures atomic.Uint64
	reconnections      atomic.Uint64
	connected          atomic.Bool

	publishes     atomic.Uint64
	acks          atomic.Uint64
	nacks         atomic.Uint64
	pending       atomic.Int64
	errors        atomic.Uint64
	publishedSize atomic.Uint64

	mu                   sync.Mutex
	outcomes             map[eventmq.DeliveryOutcome]uint64
	retries              map[eventmq.RetryReason]uint64
	lastConnectionTime   time.Time
	lastReconnectionTime time.Time
	publishLatencies     []time.Duration
	deliveryLatencies    []time.Duration

	publishRate *RateTracker
}

// RateTracker counts events over a sliding window
type RateTracker struct {
	mu     sync.Mutex
	events []time.Time
	window time.Duration
}

// Stats is a snapshot of the monitor
type Stats struct {
	ConnectionAttempts   uint64
	ConnectionFailures   uint64
	Reconnections        uint64
	IsConnected          bool
	LastConnectionTime   time.Time
	LastReconnectionTime time.Time

	Publishes     uint64
	PublishRate   float64 // per second, over the last minute
	Acks          uint64
	Nacks         uint64
	PublishedSize uint64
	Pending       int64
	Errors        uint64

	// Resolved events by outcome
	Acked       uint64
	Unconfirmed uint64
	Exhausted   uint64
	Aborted     uint64

	Retries map[eventmq.RetryReason]uint64

	PublishLatencyP50  time.Duration
	PublishLatencyP95  time.Duration
	PublishLatencyP99  time.Duration
	DeliveryLatencyP50 time.Duration
	DeliveryLatencyP95 time.Duration
	DeliveryLatencyP99 time.Duration
}

// NewRateTracker creates a rate tracker over window
func NewRateTracker(window time.Duration) *RateTracker {
	return &RateTracker{window: window}
}

// Record records one event now
func (r *RateTracker) Record() {
	r.recordAt(time.Now())
}

func (r *RateTracker) recordAt(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, now)
	r.trim(now)
}

func (r *RateTracker) trim(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.events) && !r.events[i].After(cutoff) {
		i++
	}
	r.events = r.events[i:]
}

// Rate returns events per second over the window
func (r *RateTracker) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trim(time.Now())
	return float64(len(r.events)) / r.window.Seconds()
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		outcomes:    make(map[eventmq.DeliveryOutcome]uint64),
		retries:     make(map[eventmq.RetryReason]uint64),
		publishRate: NewRateTracker(time.Minute),
	}
}

var _ eventmq.MetricsCollector = (*Monitor)(nil)

// RecordConnectionAttempt records a dial
func (m *Monitor) RecordConnectionAttempt(success bool, duration time.Duration) {
	m.connectionAttempts.Add(1)
	m.connected.Store(success)
	if !success {
		m.connectionFailures.Add(1)
		return
	}
	m.mu.Lock()
	m.lastConnectionTime = time.Now()
	m.mu.Unlock()
}

// RecordReconnection records a successful reconnection
func (m *Monitor) RecordReconnection(attempt int) {
	m.reconnections.Add(1)
	m.mu.Lock()
	m.lastReconnectionTime = time.Now()
	m.mu.Unlock()
}

// RecordPublish records a publish that reached the broker
func (m *Monitor) RecordPublish(exchange, routingKey string, messageSize int, duration time.Duration) {
	m.publishes.Add(1)
	m.publishedSize.Add(uint64(max(messageSize, 0)))
	m.publishRate.Record()

	m.mu.Lock()
	m.publishLatencies = appendWindow(m.publishLatencies, duration)
	m.mu.Unlock()
}

// RecordPublishConfirmation records a broker ack or nack
func (m *Monitor) RecordPublishConfirmation(ack bool) {
	if ack {
		m.acks.Add(1)
	} else {
		m.nacks.Add(1)
	}
}

// RecordDeliveryOutcome records how an event resolved
func (m *Monitor) RecordDeliveryOutcome(outcome eventmq.DeliveryOutcome, duration time.Duration) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.deliveryLatencies = appendWindow(m.deliveryLatencies, duration)
	m.mu.Unlock()
}

// RecordRetry records a publish being scheduled again
func (m *Monitor) RecordRetry(reason eventmq.RetryReason) {
	m.mu.Lock()
	m.retries[reason]++
	m.mu.Unlock()
}

// RecordPending records the number of unresolved events
func (m *Monitor) RecordPending(count int) {
	m.pending.Store(int64(count))
}

// RecordError records an error
func (m *Monitor) RecordError(operation string, err error) {
	m.errors.Add(1)
}

// GetStats returns a snapshot
func (m *Monitor) GetStats() Stats {
	stats := Stats{
		ConnectionAttempts: m.connectionAttempts.Load(),
		ConnectionFailures: m.connectionFailures.Load(),
		Reconnections:      m.reconnections.Load(),
		IsConnected:        m.connected.Load(),
		Publishes:          m.publishes.Load(),
		PublishRate:        m.publishRate.Rate(),
		Acks:               m.acks.Load(),
		Nacks:              m.nacks.Load(),
		PublishedSize:      m.publishedSize.Load(),
		Pending:            m.pending.Load(),
		Errors:             m.errors.Load(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats.LastConnectionTime = m.lastConnectionTime
	stats.LastReconnectionTime = m.lastReconnectionTime
	stats.Acked = m.outcomes[eventmq.DeliveryAcked]
	stats.Unconfirmed = m.outcomes[eventmq.DeliveryUnconfirmed]
	stats.Exhausted = m.outcomes[eventmq.DeliveryExhausted]
	stats.Aborted = m.outcomes[eventmq.DeliveryAborted]
	stats.Retries = make(map[eventmq.RetryReason]uint64, len(m.retries))
	for reason, n := range m.retries {
		stats.Retries[reason] = n
	}

	stats.PublishLatencyP50, stats.PublishLatencyP95, stats.PublishLatencyP99 = percentiles(m.publishLatencies)
	stats.DeliveryLatencyP50, stats.DeliveryLatencyP95, stats.DeliveryLatencyP99 = percentiles(m.deliveryLatencies)

	return stats
}

// Reset clears every counter
func (m *Monitor) Reset() {
	m.connectionAttempts.Store(0)
	m.connectionFailures.Store(0)
	m.reconnections.Store(0)
	m.publishes.Store(0)
	m.acks.Store(0)
	m.nacks.Store(0)
	m.pending.Store(0)
	m.errors.Store(0)
	m.publishedSize.Store(0)

	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.outcomes)
	clear(m.retries)
	m.publishLatencies = m.publishLatencies[:0]
	m.deliveryLatencies = m.deliveryLatencies[:0]
	m.publishRate = NewRateTracker(time.Minute)
}

// Delivered returns the number of events that reached the broker, confirmed
// or not
func (m *Monitor) Delivered() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[eventmq.DeliveryAcked] + m.outcomes[eventmq.DeliveryUnconfirmed]
}

func appendWindow(window []time.Duration, d time.Duration) []time.Duration {
	window = append(window, d)
	if len(window) > latencyWindow {
		window = window[len(window)-latencyWindow:]
	}
	return window
}

// percentiles uses the nearest-rank method on a sorted copy
func percentiles(latencies []time.Duration) (p50, p95, p99 time.Duration) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	rank := func(p int) time.Duration {
		i := (len(sorted)*p + 99) / 100
		return sorted[max(i-1, 0)]
	}
	return rank(50), rank(95), rank(99)
}
