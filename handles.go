package eventmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the declared exchange on the current channel
type Exchange struct {
	Name string
	Type ExchangeType

	ch Channel
}

func (x *Exchange) publish(ctx context.Context, cfg PublishConfig, msg amqp.Publishing) error {
	return x.ch.PublishWithContext(ctx, x.Name, cfg.RoutingKey, cfg.Mandatory, cfg.Immediate, msg)
}

// Queue is the declared queue, bound to the exchange with the publish
// routing key.
type Queue struct {
	Name      string
	Messages  int
	Consumers int

	ch Channel
}

// connection returns the open connection. Before the engine has ever
// connected it dials; afterwards it waits for the reconnect path.
func (e *Engine) connection(ctx context.Context) (Connection, error) {
	for {
		e.mu.Lock()
		conn, ever, halted, changed := e.conn, e.everConnected, e.halted, e.changed
		e.mu.Unlock()

		switch {
		case halted:
			return nil, ErrStopped
		case conn != nil:
			return conn, nil
		case !ever:
			conn, err := e.dialInitial(ctx)
			if conn != nil || err != nil {
				return conn, err
			}
		default:
			select {
			case <-changed:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// dialInitial performs the first connection. It returns nil, nil when
// another caller connected first.
func (e *Engine) dialInitial(ctx context.Context) (Connection, error) {
	e.setupMu.Lock()
	defer e.setupMu.Unlock()

	e.mu.Lock()
	settled := e.conn != nil || e.everConnected || e.halted
	e.mu.Unlock()
	if settled {
		return nil, nil
	}

	e.config.Logger.Info("Connecting to RabbitMQ",
		"connection_name", e.config.Connection.ConnectionName,
		"address", e.config.Connection.Address(),
		"vhost", e.config.Connection.VHost)

	conn, err := e.dialWithTiming(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.config.Metrics.RecordError("connect", err)
		connErr := NewConnectionError("failed to connect to broker", err)
		if errors.Is(err, amqp.ErrCredentials) {
			e.dispatch(HookConnectionOnPossibleAuthenticationFailure, err)
		}
		e.dispatch(HookConnectionOnTCPConnectionFailure, connErr)
		return nil, connErr
	}

	e.installConnection(conn)
	return conn, nil
}

func (e *Engine) installConnection(conn Connection) {
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))

	e.mu.Lock()
	e.conn = conn
	e.everConnected = true
	e.broadcastLocked()
	e.mu.Unlock()

	go e.watchConnection(conn, closes)

	e.config.Logger.Info("Successfully connected to RabbitMQ",
		"connection_name", e.config.Connection.ConnectionName)
}

// watchConnection waits for conn to close. Any close of the current
// connection that the engine did not initiate is a connection loss.
func (e *Engine) watchConnection(conn Connection, closes chan *amqp.Error) {
	amqpErr, ok := <-closes
	var cause error
	if ok && amqpErr != nil {
		cause = amqpErr
	}

	e.mu.Lock()
	lost := e.conn == conn && !e.halted
	if lost {
		e.conn = nil
		e.recoverExchange = e.exchange != nil
		e.recoverQueue = e.queue != nil
		e.broadcastLocked()
	}
	e.mu.Unlock()

	if !lost {
		e.dispatch(HookConnectionOnClosed, cause)
		return
	}

	e.config.Logger.Warn("Connection to RabbitMQ lost",
		"connection_name", e.config.Connection.ConnectionName,
		"error", errString(cause))
	e.config.Metrics.RecordError("connection", cause)

	e.dispatch(HookConnectionOnConnectionInterruption, cause)
	e.dispatch(HookChannelOnConnectionInterruption, cause)
	e.dispatch(HookExchangeOnConnectionInterruption, cause)
	e.dispatch(HookQueueOnConnectionInterruption, cause)
	e.dispatch(HookConnectionOnClosed, cause)
	e.dispatch(HookConnectionOnTCPConnectionLoss, cause)
}

func (e *Engine) scheduleReconnect(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted || e.reconnectTimer != nil {
		return
	}
	e.reconnectAttempt++
	attempt := e.reconnectAttempt
	e.reconnectTimer = time.AfterFunc(delay, func() { e.reconnect(attempt) })
}

func (e *Engine) reconnect(attempt int) {
	e.mu.Lock()
	e.reconnectTimer = nil
	halted := e.halted
	e.mu.Unlock()
	if halted {
		return
	}

	e.config.Logger.Info("Attempting to reconnect to RabbitMQ",
		"connection_name", e.config.Connection.ConnectionName,
		"attempt", attempt)
	e.dispatch(HookConnectionBeforeRecovery, nil)

	e.setupMu.Lock()
	conn, err := e.dialWithTiming(e.ctx)
	if err != nil {
		e.setupMu.Unlock()
		e.config.Logger.Warn("Reconnection attempt failed",
			"connection_name", e.config.Connection.ConnectionName,
			"attempt", attempt,
			"error", err.Error())
		e.config.Metrics.RecordError("reconnect", err)
		e.dispatch(HookConnectionOnTCPConnectionLoss, err)
		return
	}

	e.mu.Lock()
	halted = e.halted
	if !halted {
		e.reconnectAttempt = 0
	}
	e.mu.Unlock()
	if halted {
		e.setupMu.Unlock()
		_ = conn.Close()
		return
	}
	e.installConnection(conn)
	e.setupMu.Unlock()

	e.config.Metrics.RecordReconnection(attempt)
	e.config.Logger.Info("Successfully reconnected to RabbitMQ",
		"connection_name", e.config.Connection.ConnectionName,
		"attempt", attempt)

	e.dispatch(HookConnectionAfterRecovery, nil)
	e.recoverChannel()
}

// channel returns the open channel on the current connection, opening one
// when needed.
func (e *Engine) channel(ctx context.Context) (Channel, error) {
	for {
		conn, err := e.connection(ctx)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		ch := e.ch
		current := ch != nil && e.chConn == conn
		e.mu.Unlock()
		if current {
			return ch, nil
		}

		ch, retry, err := e.openChannel(conn)
		if retry {
			continue
		}
		return ch, err
	}
}

// openChannel opens a channel on conn. retry is true when conn stopped being
// the current connection in the meantime.
func (e *Engine) openChannel(conn Connection) (ch Channel, retry bool, err error) {
	e.setupMu.Lock()
	defer e.setupMu.Unlock()

	e.mu.Lock()
	switch {
	case e.conn != conn:
		e.mu.Unlock()
		return nil, true, nil
	case e.ch != nil && e.chConn == conn:
		ch = e.ch
		e.mu.Unlock()
		return ch, false, nil
	}
	e.mu.Unlock()

	ch, err = conn.Channel()
	if err != nil {
		return nil, false, fmt.Errorf("failed to open channel: %w", err)
	}

	if prefetch := e.config.Channel.Prefetch; prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, false, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))

	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		_ = ch.Close()
		return nil, true, nil
	}
	e.ch = ch
	e.chConn = conn
	e.exchange = nil
	e.queue = nil
	e.state = StateDisconnected
	e.broadcastLocked()
	e.mu.Unlock()

	go e.watchChannel(ch, closes)

	e.config.Logger.Debug("Channel opened",
		"connection_name", e.config.Connection.ConnectionName,
		"prefetch", e.config.Channel.Prefetch)

	return ch, false, nil
}

// watchChannel handles channel-level closes while the connection stays up.
// Closes caused by a connection loss are left to watchConnection.
func (e *Engine) watchChannel(ch Channel, closes chan *amqp.Error) {
	amqpErr, ok := <-closes
	var cause error
	if ok && amqpErr != nil {
		cause = amqpErr
	}

	e.mu.Lock()
	current := e.ch == ch && !e.halted
	connAlive := e.conn != nil && e.conn == e.chConn && !e.conn.IsClosed()
	if current && connAlive {
		e.recoverExchange = e.exchange != nil
		e.recoverQueue = e.queue != nil
	}
	e.mu.Unlock()

	if !current || !connAlive {
		return
	}

	e.config.Logger.Warn("Channel closed by broker",
		"connection_name", e.config.Connection.ConnectionName,
		"error", errString(cause))
	e.config.Metrics.RecordError("channel", cause)

	e.dispatch(HookChannelOnError, cause)
	e.dispatch(HookChannelOnConnectionInterruption, cause)
	e.dispatch(HookExchangeOnConnectionInterruption, cause)
	e.dispatch(HookQueueOnConnectionInterruption, cause)

	e.mu.Lock()
	if e.ch == ch {
		e.resetChannelLocked()
		e.broadcastLocked()
	}
	e.mu.Unlock()

	e.recoverChannel()
}

// recoverChannel reopens the channel and redeclares whatever was declared
// before the interruption.
func (e *Engine) recoverChannel() {
	e.dispatch(HookChannelBeforeRecovery, nil)
	if _, err := e.channel(e.ctx); err != nil {
		if e.ctx.Err() == nil {
			e.config.Logger.Error("Failed to recover channel", "error", err.Error())
		}
		return
	}
	e.dispatch(HookChannelAfterRecovery, nil)

	e.mu.Lock()
	redeclareExchange, redeclareQueue := e.recoverExchange, e.recoverQueue
	e.recoverExchange, e.recoverQueue = false, false
	e.mu.Unlock()

	if redeclareExchange || redeclareQueue {
		e.dispatch(HookExchangeBeforeRecovery, nil)
		if _, err := e.declaredExchange(e.ctx); err != nil {
			e.config.Logger.Error("Failed to recover exchange",
				"exchange", e.config.Exchange.Name,
				"error", err.Error())
			return
		}
		e.dispatch(HookExchangeAfterRecovery, nil)
	}

	if redeclareQueue {
		e.dispatch(HookQueueBeforeRecovery, nil)
		if _, err := e.declaredQueue(e.ctx); err != nil {
			e.config.Logger.Error("Failed to recover queue",
				"queue", e.config.Queue.Name,
				"error", err.Error())
			return
		}
		e.dispatch(HookQueueAfterRecovery, nil)
	}
}

// resetChannelLocked drops the channel and everything declared on it
func (e *Engine) resetChannelLocked() {
	e.ch = nil
	e.chConn = nil
	e.exchange = nil
	e.queue = nil
	e.state = StateDisconnected
}

// invalidateStaleChannel drops a channel whose connection is gone
func (e *Engine) invalidateStaleChannel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ch != nil && e.chConn != e.conn {
		e.resetChannelLocked()
		e.broadcastLocked()
	}
}

func (e *Engine) restoreQos() error {
	prefetch := e.config.Channel.Prefetch
	if prefetch <= 0 {
		return nil
	}

	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	if ch == nil {
		return nil
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to restore QoS: %w", err)
	}
	return nil
}

// declaredExchange returns the exchange handle, declaring it on the current
// channel when needed.
func (e *Engine) declaredExchange(ctx context.Context) (*Exchange, error) {
	ch, err := e.channel(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	x := e.exchange
	e.mu.Unlock()
	if x != nil && x.ch == ch {
		return x, nil
	}

	cfg := e.config.Exchange
	declare := ch.ExchangeDeclare
	if cfg.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	if cfg.Name != "" {
		if err := declare(cfg.Name, string(cfg.Type), cfg.Durable, cfg.AutoDelete, cfg.Internal, cfg.NoWait, cfg.Arguments); err != nil {
			return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Name, err)
		}
	}

	x = &Exchange{Name: cfg.Name, Type: cfg.Type, ch: ch}

	e.mu.Lock()
	if e.ch == ch {
		e.exchange = x
	}
	e.mu.Unlock()

	e.config.Logger.Debug("Exchange declared",
		"exchange", cfg.Name,
		"type", string(cfg.Type),
		"passive", cfg.Passive)

	return x, nil
}

// declaredQueue returns the queue handle, declaring and binding it when
// needed.
func (e *Engine) declaredQueue(ctx context.Context) (*Queue, error) {
	x, err := e.declaredExchange(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	if q != nil && q.ch == x.ch {
		return q, nil
	}

	cfg := e.config.Queue
	declare := x.ch.QueueDeclare
	if cfg.Passive {
		declare = x.ch.QueueDeclarePassive
	}
	declared, err := declare(cfg.Name, cfg.Durable, cfg.AutoDelete, cfg.Exclusive, cfg.NoWait, cfg.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Name, err)
	}

	if x.Name != "" {
		if err := x.ch.QueueBind(declared.Name, e.config.Exchange.Publish.RoutingKey, x.Name, cfg.NoWait, nil); err != nil {
			return nil, fmt.Errorf("failed to bind queue %s to exchange %s: %w", declared.Name, x.Name, err)
		}
	}

	q = &Queue{
		Name:      declared.Name,
		Messages:  declared.Messages,
		Consumers: declared.Consumers,
		ch:        x.ch,
	}

	e.mu.Lock()
	if e.ch == x.ch {
		e.queue = q
	}
	e.mu.Unlock()

	e.config.Logger.Debug("Queue declared",
		"queue", q.Name,
		"exchange", x.Name,
		"routing_key", e.config.Exchange.Publish.RoutingKey)

	return q, nil
}
