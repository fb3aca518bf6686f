package eventmq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmBuffer sizes the NotifyPublish channel. amqp091-go blocks the
// connection reader when it fills up.
const confirmBuffer = 256

var errChannelReplaced = errors.New("channel was replaced during handshake")

// handshake negotiates publisher confirms on ch once per channel and
// returns the resulting state.
func (e *Engine) handshake(ch Channel) (HandshakeState, error) {
	e.mu.Lock()
	if e.ch != ch {
		e.mu.Unlock()
		return StateDisconnected, errChannelReplaced
	}
	if e.state.resolved() {
		state := e.state
		e.mu.Unlock()
		return state, nil
	}
	conn := e.chConn
	e.state = StateHandshaking
	e.broadcastLocked()
	e.mu.Unlock()

	if conn == nil || !supportsPublisherConfirms(conn.Capabilities()) {
		e.mu.Lock()
		if e.ch == ch {
			e.state = StateUnsupported
			e.broadcastLocked()
		}
		e.mu.Unlock()

		e.registry.warnUnconfirmed(e.config.Logger)
		return StateUnsupported, nil
	}

	if err := ch.Confirm(false); err != nil {
		e.mu.Lock()
		if e.ch == ch {
			e.state = StateDisconnected
			e.broadcastLocked()
		}
		e.mu.Unlock()
		return StateDisconnected, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	e.mu.Lock()
	if e.ch != ch {
		e.mu.Unlock()
		return StateDisconnected, errChannelReplaced
	}
	e.generation++
	generation := e.generation
	e.tag = 0
	e.mu.Unlock()

	go e.consumeConfirms(generation, confirms)
	e.replayFrozen()

	e.mu.Lock()
	if e.ch != ch {
		e.mu.Unlock()
		return StateDisconnected, errChannelReplaced
	}
	e.state = StateEstablished
	e.broadcastLocked()
	e.mu.Unlock()

	e.config.Logger.Debug("Publisher confirms established",
		"connection_name", e.config.Connection.ConnectionName)

	return StateEstablished, nil
}

// consumeConfirms feeds broker confirmations of one channel into the
// tracker until the channel closes.
func (e *Engine) consumeConfirms(generation uint64, confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		e.mu.Lock()
		stale := e.generation != generation
		e.mu.Unlock()
		if stale {
			continue
		}

		e.config.Metrics.RecordPublishConfirmation(c.Ack)
		if c.Ack {
			e.consumeAck(c.DeliveryTag, false)
		} else {
			e.consumeNack(c.DeliveryTag, false)
		}
	}
}
