package performance

import (
	"errors"
	"testing"
	"time"

	eventmq "github.com/cloudresty/go-eventmq"
)

func TestNewMonitor(t *testing.T) {
	monitor := NewMonitor()

	stats := monitor.GetStats()
	if stats.ConnectionAttempts != 0 {
		t.Error("expected initial connection attempts to be 0")
	}
	if stats.IsConnected {
		t.Error("expected initial connection state to be disconnected")
	}
	if stats.PublishLatencyP50 != 0 {
		t.Error("expected no latency without publishes")
	}
}

func TestRecordConnectionAttempt(t *testing.T) {
	monitor := NewMonitor()

	monitor.RecordConnectionAttempt(true, 10*time.Millisecond)
	stats := monitor.GetStats()
	if stats.ConnectionAttempts != 1 || !stats.IsConnected {
		t.Errorf("expected one successful attempt, got %+v", stats)
	}
	if stats.LastConnectionTime.IsZero() {
		t.Error("expected last connection time to be set")
	}

	monitor.RecordConnectionAttempt(false, time.Second)
	monitor.RecordReconnection(1)
	stats = monitor.GetStats()
	if stats.ConnectionFailures != 1 {
		t.Errorf("expected 1 failure, got %d", stats.ConnectionFailures)
	}
	if stats.IsConnected {
		t.Error("expected disconnected after a failed attempt")
	}
	if stats.Reconnections != 1 || stats.LastReconnectionTime.IsZero() {
		t.Error("expected reconnection to be recorded")
	}
}

func TestRecordDelivery(t *testing.T) {
	monitor := NewMonitor()

	monitor.RecordPublish("eventmq.events", "", 100, time.Millisecond)
	monitor.RecordPublish("eventmq.events", "", 50, 3*time.Millisecond)
	monitor.RecordPublishConfirmation(true)
	monitor.RecordPublishConfirmation(false)
	monitor.RecordRetry(eventmq.RetryNacked)
	monitor.RecordDeliveryOutcome(eventmq.DeliveryAcked, 10*time.Millisecond)
	monitor.RecordDeliveryOutcome(eventmq.DeliveryExhausted, time.Second)
	monitor.RecordPending(2)
	monitor.RecordError("publish", errors.New("boom"))

	stats := monitor.GetStats()
	if stats.Publishes != 2 || stats.PublishedSize != 150 {
		t.Errorf("unexpected publish totals: %d messages, %d bytes", stats.Publishes, stats.PublishedSize)
	}
	if stats.Acks != 1 || stats.Nacks != 1 {
		t.Errorf("expected 1 ack and 1 nack, got %d and %d", stats.Acks, stats.Nacks)
	}
	if stats.Retries[eventmq.RetryNacked] != 1 {
		t.Errorf("expected 1 nacked retry, got %d", stats.Retries[eventmq.RetryNacked])
	}
	if stats.Acked != 1 || stats.Exhausted != 1 {
		t.Errorf("unexpected outcomes: %+v", stats)
	}
	if stats.Pending != 2 || stats.Errors != 1 {
		t.Errorf("expected pending 2 and 1 error, got %d and %d", stats.Pending, stats.Errors)
	}
	if stats.PublishRate <= 0 {
		t.Error("expected a positive publish rate")
	}
	if got := monitor.Delivered(); got != 1 {
		t.Errorf("expected 1 delivered event, got %d", got)
	}

	monitor.Reset()
	stats = monitor.GetStats()
	if stats.Publishes != 0 || stats.Acked != 0 || len(stats.Retries) != 0 {
		t.Errorf("expected counters to be cleared, got %+v", stats)
	}
}

func TestPercentiles(t *testing.T) {
	latencies := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		latencies = append(latencies, time.Duration(i)*time.Millisecond)
	}

	p50, p95, p99 := percentiles(latencies)
	if p50 != 50*time.Millisecond {
		t.Errorf("expected p50 50ms, got %v", p50)
	}
	if p95 != 95*time.Millisecond {
		t.Errorf("expected p95 95ms, got %v", p95)
	}
	if p99 != 99*time.Millisecond {
		t.Errorf("expected p99 99ms, got %v", p99)
	}

	if p50, _, _ := percentiles([]time.Duration{7 * time.Millisecond}); p50 != 7*time.Millisecond {
		t.Errorf("expected single sample to be every percentile, got %v", p50)
	}
}

func TestLatencyWindowIsBounded(t *testing.T) {
	monitor := NewMonitor()
	for range latencyWindow + 50 {
		monitor.RecordPublish("x", "", 1, time.Millisecond)
	}

	monitor.mu.Lock()
	n := len(monitor.publishLatencies)
	monitor.mu.Unlock()
	if n != latencyWindow {
		t.Errorf("expected %d retained latencies, got %d", latencyWindow, n)
	}
}

func TestRateTracker(t *testing.T) {
	tracker := NewRateTracker(time.Second)

	old := time.Now().Add(-2 * time.Second)
	tracker.recordAt(old)
	tracker.Record()
	tracker.Record()

	if rate := tracker.Rate(); rate != 2 {
		t.Errorf("expected rate 2/s, got %v", rate)
	}
}
