package eventmq

import (
	"encoding/json"
	"errors"
	"time"
)

// run is the dispatcher loop. It publishes queued records one at a time
// until the engine stops.
func (e *Engine) run() {
	for {
		rec, ok := e.next()
		if !ok {
			return
		}
		e.process(rec)
	}
}

func (e *Engine) next() (*trackedEvent, bool) {
	for {
		e.mu.Lock()
		if len(e.queued) > 0 {
			rec := e.queued[0]
			e.queued[0] = nil
			e.queued = e.queued[1:]
			e.mu.Unlock()
			return rec, true
		}
		e.mu.Unlock()

		select {
		case <-e.wake:
		case <-e.ctx.Done():
			return nil, false
		}
	}
}

func (e *Engine) process(rec *trackedEvent) {
	if !e.isPending(rec) {
		return
	}

	x, state, err := e.prepare()
	if err != nil {
		switch {
		case e.ctx.Err() != nil:
		case errors.Is(err, ErrBrokerUnreachable):
			e.fail(err)
		case errors.Is(err, errChannelReplaced):
			e.requeueFront(rec)
		default:
			e.publishFailed(rec, err)
		}
		return
	}

	e.publish(rec, x, state)
}

// prepare makes sure the exchange is declared and confirms are negotiated
func (e *Engine) prepare() (*Exchange, HandshakeState, error) {
	x, err := e.declaredExchange(e.ctx)
	if err != nil {
		return nil, StateDisconnected, err
	}
	state, err := e.handshake(x.ch)
	if err != nil {
		return nil, state, err
	}
	return x, state, nil
}

func (e *Engine) publish(rec *trackedEvent, x *Exchange, state HandshakeState) {
	body, err := json.Marshal(rec.event)
	if err != nil {
		e.giveUp(rec, NewPublishError("failed to encode event", err))
		return
	}

	if state == StateEstablished && !e.reserveTag(rec, x.ch) {
		e.requeueFront(rec)
		return
	}

	cfg := e.config.Exchange.Publish
	ctx, span := e.config.Tracer.StartSpan(e.ctx, "eventmq.publish")
	span.SetAttribute("messaging.system", "rabbitmq")
	span.SetAttribute("messaging.destination.name", x.Name)
	span.SetAttribute("messaging.rabbitmq.routing_key", cfg.RoutingKey)
	span.SetAttribute("messaging.message.id", rec.event.Key)
	span.SetAttribute("eventmq.retries", rec.retries)

	start := time.Now()
	err = x.publish(ctx, cfg, cfg.publishing(rec.event, body))
	if err != nil {
		span.SetStatus(SpanStatusError, err.Error())
		span.End()

		if state == StateEstablished {
			e.releaseTag(rec, x.ch)
		}
		e.config.Metrics.RecordError("publish", err)
		e.publishFailed(rec, NewPublishError("failed to publish event", err))
		return
	}

	span.SetStatus(SpanStatusOK, "")
	span.End()
	e.config.Metrics.RecordPublish(x.Name, cfg.RoutingKey, len(body), time.Since(start))

	if state == StateUnsupported {
		e.mu.Lock()
		resolved := e.resolveLocked(rec)
		e.mu.Unlock()
		if !resolved {
			return
		}
		e.finish(rec, nil, DeliveryUnconfirmed)
		if !rec.opts.KeepConnection {
			e.beginStop(nil)
		}
		return
	}

	e.config.Logger.Debug("Event published, awaiting confirmation",
		"event_key", rec.event.Key,
		"tag", rec.tag)
}

// reserveTag assigns rec the next delivery tag and moves it in flight
// before the publish, so a confirmation can never arrive for an unknown tag.
func (e *Engine) reserveTag(rec *trackedEvent, ch Channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateEstablished || e.ch != ch {
		return false
	}
	if _, ok := e.pending[rec]; !ok {
		return false
	}
	e.tag++
	rec.tag = e.tag
	e.inFlight = append(e.inFlight, rec)
	return true
}

// releaseTag undoes reserveTag after a failed publish. amqp091-go only
// consumes a sequence number when the publish succeeds.
func (e *Engine) releaseTag(rec *trackedEvent, ch Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.inFlight {
		if r == rec {
			e.inFlight = append(e.inFlight[:i], e.inFlight[i+1:]...)
			break
		}
	}
	if e.ch == ch && e.tag == rec.tag && rec.tag > 0 {
		e.tag--
	}
	rec.tag = 0
}
