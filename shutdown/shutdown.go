// Package shutdown drains event engines when the process is asked to stop.
// Each registered component gets a Stop call with a shared deadline, so
// pending events are delivered before the process exits.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	eventmq "github.com/cloudresty/go-eventmq"
)

// Drainer is a component that finishes its in-flight work and stops.
// *eventmq.Engine and *eventmq.Sender satisfy it.
type Drainer interface {
	Stop(ctx context.Context) error
}

var (
	_ Drainer = (*eventmq.Engine)(nil)
	_ Drainer = (*eventmq.Sender)(nil)
)

// Config holds configuration for the shutdown manager
type Config struct {
	// Timeout bounds the whole drain
	Timeout time.Duration
	Logger  eventmq.Logger
}

// DefaultConfig returns a 30s drain timeout and no logging
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Logger:  eventmq.NewNopLogger(),
	}
}

// Manager coordinates the graceful stop of registered components
type Manager struct {
	mu         sync.Mutex
	components []named
	timeout    time.Duration
	logger     eventmq.Logger

	once sync.Once
	done chan struct{}
	err  error
}

type named struct {
	name string
	d    Drainer
}

// NewManager creates a shutdown manager
func NewManager(config Config) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = eventmq.NewNopLogger()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}

	return &Manager{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Register adds a component to drain on shutdown
func (m *Manager) Register(name string, d Drainer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, named{name: name, d: d})

	m.logger.Debug("Component registered for graceful shutdown",
		"component", name,
		"total_components", len(m.components))
}

// ListenForSignals drains all components on SIGINT or SIGTERM. The returned
// channel is closed once the drain finished.
func (m *Manager) ListenForSignals(ctx context.Context) <-chan struct{} {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()
		m.logger.Info("Received shutdown signal")
		_ = m.Shutdown()
	}()

	return m.done
}

// Shutdown stops every registered component concurrently within the
// configured timeout. It runs once; later calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.mu.Lock()
		components := append([]named(nil), m.components...)
		m.mu.Unlock()

		m.logger.Info("Starting graceful shutdown",
			"timeout", m.timeout.String(),
			"components", len(components))

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var wg sync.WaitGroup
		errs := make([]error, len(components))
		for i, c := range components {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.d.Stop(ctx); err != nil {
					m.logger.Error("Error draining component",
						"component", c.name,
						"error", err.Error())
					errs[i] = fmt.Errorf("%s: %w", c.name, err)
					return
				}
				m.logger.Debug("Component drained", "component", c.name)
			}()
		}
		wg.Wait()

		m.err = errors.Join(errs...)
		if m.err != nil {
			m.logger.Warn("Some components failed to drain cleanly")
		} else {
			m.logger.Info("Graceful shutdown completed successfully")
		}
		close(m.done)
	})

	<-m.done
	return m.err
}

// Done is closed when shutdown has completed
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until shutdown is complete or ctx is cancelled
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
