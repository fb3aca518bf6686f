package eventmq

import (
	"context"
	"fmt"

	"github.com/cloudresty/ulid"
)

// EventHandler processes one consumed event. A returned error requeues the
// delivery when acknowledgements are enabled.
type EventHandler func(ctx context.Context, event *Event) error

// Subscribe consumes events from the configured queue, declaring and binding
// it first. Deliveries arrive on a channel of their own, so a consumer-side
// channel error leaves the publishing channel and its in-flight events alone.
// It blocks until ctx ends or the consumer channel closes.
func (e *Engine) Subscribe(ctx context.Context, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	q, err := e.declaredQueue(ctx)
	if err != nil {
		return NewConsumeError("failed to prepare queue", err)
	}

	ch, err := e.consumerChannel(ctx)
	if err != nil {
		return NewConsumeError("failed to open consumer channel", err)
	}
	defer func() { _ = ch.Close() }()

	id, err := ulid.New()
	if err != nil {
		return fmt.Errorf("failed to generate consumer tag: %w", err)
	}
	consumerTag := "eventmq-consumer-" + id

	cfg := e.config.Queue.Subscribe
	deliveries, err := ch.Consume(q.Name, consumerTag, !cfg.Ack, cfg.Exclusive, false, cfg.NoWait, nil)
	if err != nil {
		return NewConsumeError("failed to start consuming", err)
	}

	e.config.Logger.Info("Subscribed to queue",
		"queue", q.Name,
		"consumer_tag", consumerTag,
		"ack", cfg.Ack)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return NewConsumeError("delivery channel closed", nil)
			}

			event, err := ParseEvent(d.Body)
			if err != nil {
				e.config.Logger.Error("Discarding undecodable delivery",
					"queue", q.Name,
					"message_id", d.MessageId,
					"error", err.Error())
				if cfg.Ack {
					_ = d.Nack(false, false)
				}
				continue
			}

			herr := handler(ctx, event)
			if !cfg.Ack {
				continue
			}
			if herr != nil {
				e.config.Logger.Warn("Event handler failed, requeueing",
					"event_key", event.Key,
					"error", herr.Error())
				if err := d.Nack(false, true); err != nil {
					e.config.Logger.Error("Failed to nack delivery", "error", err.Error())
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				e.config.Logger.Error("Failed to ack delivery", "error", err.Error())
			}
		}
	}
}

// consumerChannel opens a channel on the current connection for consuming
func (e *Engine) consumerChannel(ctx context.Context) (Channel, error) {
	conn, err := e.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if prefetch := e.config.Channel.Prefetch; prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}
	return ch, nil
}
