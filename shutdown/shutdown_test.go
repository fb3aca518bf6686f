package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// Mock component for testing
type mockDrainer struct {
	delay   time.Duration
	err     error
	stopped bool
	mu      sync.Mutex
}

func (m *mockDrainer) Stop(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return m.err
}

func (m *mockDrainer) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}

	if config.Logger == nil {
		t.Error("Expected logger to be set")
	}
}

func TestNewManagerFallsBackToDefaults(t *testing.T) {
	manager := NewManager(Config{})

	if manager.timeout != 30*time.Second {
		t.Errorf("Expected default timeout, got %v", manager.timeout)
	}
	if manager.logger == nil {
		t.Error("Expected nop logger")
	}
}

func TestShutdownDrainsAllComponents(t *testing.T) {
	manager := NewManager(DefaultConfig())

	first := &mockDrainer{delay: 20 * time.Millisecond}
	second := &mockDrainer{}
	manager.Register("first", first)
	manager.Register("second", second)

	if err := manager.Shutdown(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !first.Stopped() || !second.Stopped() {
		t.Error("Expected every component to be stopped")
	}

	select {
	case <-manager.Done():
	default:
		t.Error("Expected Done to be closed")
	}
}

func TestShutdownJoinsErrors(t *testing.T) {
	manager := NewManager(DefaultConfig())

	boom := errors.New("boom")
	manager.Register("failing", &mockDrainer{err: boom})
	manager.Register("healthy", &mockDrainer{})

	err := manager.Shutdown()
	if !errors.Is(err, boom) {
		t.Fatalf("Expected joined error to contain boom, got %v", err)
	}

	// Later calls report the first result without draining again
	if again := manager.Shutdown(); !errors.Is(again, boom) {
		t.Errorf("Expected repeated shutdown to return the same error, got %v", again)
	}
}

func TestShutdownTimeout(t *testing.T) {
	manager := NewManager(Config{Timeout: 50 * time.Millisecond})

	slow := &mockDrainer{delay: time.Second}
	manager.Register("slow", slow)

	start := time.Now()
	err := manager.Shutdown()
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Shutdown took %v, expected it to respect the timeout", elapsed)
	}
}

func TestWaitWithContext(t *testing.T) {
	manager := NewManager(DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := manager.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected wait to time out before shutdown, got %v", err)
	}

	go func() { _ = manager.Shutdown() }()

	if err := manager.Wait(context.Background()); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestListenForSignalsStopsOnContextCancel(t *testing.T) {
	manager := NewManager(DefaultConfig())
	component := &mockDrainer{}
	manager.Register("engine", component)

	ctx, cancel := context.WithCancel(context.Background())
	done := manager.ListenForSignals(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected shutdown after context cancellation")
	}

	if !component.Stopped() {
		t.Error("Expected component to be stopped")
	}
}
