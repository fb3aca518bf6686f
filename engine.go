package eventmq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cloudresty/ulid"
)

// Engine publishes events to RabbitMQ reliably: every fired event is retried
// until the broker acknowledges it or its retry budget runs out, across
// connection losses and broker restarts.
//
// An Engine owns one connection and one channel, both created lazily on the
// first Fire. All publishes go through a single dispatcher goroutine.
type Engine struct {
	config   *engineConfig
	hooks    *hookRegistry
	registry *Registry

	// setupMu serializes handle creation; lock order is setupMu then mu
	setupMu sync.Mutex

	mu      sync.Mutex
	changed chan struct{}

	// Resource handles
	conn          Connection
	ch            Channel
	chConn        Connection
	exchange      *Exchange
	queue         *Queue
	everConnected bool

	recoverExchange bool
	recoverQueue    bool

	reconnectTimer   *time.Timer
	reconnectAttempt int

	// Confirmation handshake
	state      HandshakeState
	tag        uint64
	generation uint64

	// Delivery tracking
	seq      uint64
	pending  map[*trackedEvent]struct{}
	inFlight []*trackedEvent
	retrying map[*trackedEvent]*retryEntry
	queued   []*trackedEvent
	wake     chan struct{}

	// Lifecycle
	stopping bool
	halted   bool
	fatalErr error
	onDone   []func()
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewEngine creates an engine with the given options applied over
// DefaultConfig. No connection is opened until the first Fire or Connect.
func NewEngine(opts ...Option) (*Engine, error) {
	config := &engineConfig{
		Config:   DefaultConfig(),
		Logger:   NewNopLogger(),
		Metrics:  NewNopMetrics(),
		Tracer:   NewNopTracer(),
		Registry: DefaultRegistry(),
	}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if config.Connection.ConnectionName == "" {
		id, err := ulid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate connection name: %w", err)
		}
		config.Connection.ConnectionName = "eventmq-" + id
	}

	if config.Dialer == nil {
		config.Dialer = newAMQPDialer(config.Connection)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:   config,
		hooks:    newHookRegistry(),
		registry: config.Registry,
		changed:  make(chan struct{}),
		pending:  make(map[*trackedEvent]struct{}),
		retrying: make(map[*trackedEvent]*retryEntry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.installDefaultHooks()
	go e.run()

	config.Logger.Info("Event engine created",
		"connection_name", config.Connection.ConnectionName,
		"address", config.Connection.Address(),
		"vhost", config.Connection.VHost,
		"exchange", config.Exchange.Name)

	return e, nil
}

// Connect opens the connection and channel eagerly. A failure here is the
// same fatal initial-connection failure a first Fire would hit.
func (e *Engine) Connect(ctx context.Context) error {
	_, err := e.channel(ctx)
	if errors.Is(err, ErrBrokerUnreachable) {
		e.fail(err)
	}
	return err
}

// Fire submits event for reliable publication. It returns immediately; the
// outcome is reported through opts.Completion. sender may be nil. A missing
// key, source or sender name is filled in before the event is tracked.
func (e *Engine) Fire(sender *Sender, event *Event, opts FireOptions) error {
	if event == nil {
		return ErrNilEvent
	}
	if opts.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	if opts.RetryInterval < 0 {
		return fmt.Errorf("retry interval cannot be negative")
	}

	e.mu.Lock()
	switch {
	case e.fatalErr != nil:
		err := e.fatalErr
		e.mu.Unlock()
		return err
	case e.halted:
		e.mu.Unlock()
		return ErrStopped
	case e.stopping:
		e.mu.Unlock()
		return ErrStopping
	}

	event.applyDefaults()
	e.seq++
	rec := &trackedEvent{
		seq:     e.seq,
		sender:  sender,
		event:   event,
		opts:    opts,
		firedAt: time.Now(),
	}
	e.pending[rec] = struct{}{}
	e.registry.acquire(event.Key)
	e.enqueueLocked(rec)
	count := len(e.pending)
	e.mu.Unlock()

	e.config.Metrics.RecordPending(count)
	e.config.Logger.Debug("Event fired",
		"event_key", event.Key,
		"event_type", event.EventTypeName,
		"retry_count", opts.RetryCount)

	return nil
}

// DefaultFireOptions returns the configured sender defaults
func (e *Engine) DefaultFireOptions() FireOptions {
	return fireOptionsFrom(e.config.Sender)
}

// PendingEvents returns the events fired by sender that have not resolved
// yet, in fire order. A nil sender returns every pending event.
func (e *Engine) PendingEvents(sender *Sender) []*Event {
	e.mu.Lock()
	recs := make([]*trackedEvent, 0, len(e.pending))
	for rec := range e.pending {
		if sender == nil || rec.sender == sender {
			recs = append(recs, rec)
		}
	}
	e.mu.Unlock()

	slices.SortFunc(recs, bySeq)
	events := make([]*Event, len(recs))
	for i, rec := range recs {
		events[i] = rec.event
	}
	return events
}

// AddHook registers fn for the lifecycle event h. Callbacks run in
// registration order, without any engine lock held.
func (e *Engine) AddHook(h Hook, fn HookFunc) error {
	return e.hooks.add(h, fn)
}

// HandshakeState returns the confirmation state of the current channel
func (e *Engine) HandshakeState() HandshakeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connected reports whether a broker connection is currently open
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// Done is closed once the engine has stopped
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the fatal error that stopped the engine, if any
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalErr
}

// broadcastLocked wakes every waitFor caller. e.mu must be held.
func (e *Engine) broadcastLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// waitFor blocks until cond holds. cond runs with e.mu held.
func (e *Engine) waitFor(ctx context.Context, cond func() bool) error {
	for {
		e.mu.Lock()
		if cond() {
			e.mu.Unlock()
			return nil
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) dispatch(h Hook, cause error) {
	if err := e.hooks.dispatch(HookInfo{Hook: h, Err: cause}); err != nil {
		e.config.Logger.Error("Lifecycle hook failed",
			"hook", h.String(),
			"error", err.Error())
	}
}

func (e *Engine) installDefaultHooks() {
	logger := e.config.Logger

	_ = e.hooks.add(HookEverything, func(info HookInfo) error {
		if info.Err != nil {
			logger.Debug("Lifecycle event", "hook", info.Hook.String(), "error", info.Err.Error())
		} else {
			logger.Debug("Lifecycle event", "hook", info.Hook.String())
		}
		return nil
	})

	_ = e.hooks.add(HookConnectionOnTCPConnectionLoss, func(info HookInfo) error {
		delay := e.config.Connection.AutoReconnectDelay
		if delay <= 0 {
			logger.Warn("Connection lost and auto reconnect is disabled",
				"connection_name", e.config.Connection.ConnectionName)
			return nil
		}
		e.scheduleReconnect(delay)
		return nil
	})

	_ = e.hooks.add(HookConnectionOnTCPConnectionFailure, func(info HookInfo) error {
		logger.Error("Initial connection to broker failed",
			"connection_name", e.config.Connection.ConnectionName,
			"address", e.config.Connection.Address(),
			"error", errString(info.Err))
		return nil
	})

	_ = e.hooks.add(HookConnectionOnPossibleAuthenticationFailure, func(info HookInfo) error {
		logger.Error("Broker refused credentials",
			"username", e.config.Connection.Username,
			"vhost", e.config.Connection.VHost)
		return nil
	})

	_ = e.hooks.add(HookChannelOnConnectionInterruption, func(HookInfo) error {
		e.freezeInFlight()
		return nil
	})

	_ = e.hooks.add(HookChannelAfterRecovery, func(HookInfo) error {
		err := e.restoreQos()
		e.replayFrozen()
		return err
	})

	invalidate := func(HookInfo) error {
		e.invalidateStaleChannel()
		return nil
	}
	_ = e.hooks.add(HookConnectionOnClosed, invalidate)
	_ = e.hooks.add(HookConnectionAfterRecovery, invalidate)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
