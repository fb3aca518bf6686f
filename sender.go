package eventmq

import (
	"context"
	"fmt"
	"time"
)

// Sender fires events through an engine with its own fire defaults. Events
// fired by a sender can be listed with PendingEvents.
type Sender struct {
	engine   *Engine
	defaults FireOptions
}

// FireOption overrides a fire default for one event
type FireOption func(*fireRequest)

type fireRequest struct {
	opts      FireOptions
	eventOpts []EventOption
}

// KeepConnection controls whether the engine keeps running once the event
// resolves.
func KeepConnection(keep bool) FireOption {
	return func(r *fireRequest) { r.opts.KeepConnection = keep }
}

// RetryInterval sets the wait between publish attempts
func RetryInterval(interval time.Duration) FireOption {
	return func(r *fireRequest) { r.opts.RetryInterval = interval }
}

// RetryCount sets how many times a failed publish is retried
func RetryCount(count int) FireOption {
	return func(r *fireRequest) { r.opts.RetryCount = count }
}

// OnComplete sets the callback run once the event resolves
func OnComplete(fn CompletionFunc) FireOption {
	return func(r *fireRequest) { r.opts.Completion = fn }
}

// EventAttributes applies event options when Fire builds the event
func EventAttributes(opts ...EventOption) FireOption {
	return func(r *fireRequest) { r.eventOpts = append(r.eventOpts, opts...) }
}

// NewSender creates a sender on engine. opts override the engine's sender
// defaults for every event this sender fires.
func NewSender(engine *Engine, opts ...FireOption) *Sender {
	req := fireRequest{opts: engine.DefaultFireOptions()}
	for _, opt := range opts {
		opt(&req)
	}
	return &Sender{engine: engine, defaults: req.opts}
}

// Engine returns the engine the sender fires through
func (s *Sender) Engine() *Engine {
	return s.engine
}

// Fire builds an event of the given type and fires it
func (s *Sender) Fire(eventTypeName string, opts ...FireOption) (*Event, error) {
	req := s.request(opts)
	event := NewEvent(eventTypeName, req.eventOpts...)
	if err := s.engine.Fire(s, event, req.opts); err != nil {
		return nil, err
	}
	return event, nil
}

// FireEvent fires a prepared event
func (s *Sender) FireEvent(event *Event, opts ...FireOption) error {
	req := s.request(opts)
	if event == nil {
		return ErrNilEvent
	}
	for _, opt := range req.eventOpts {
		opt(event)
	}
	return s.engine.Fire(s, event, req.opts)
}

// FireAndWait fires event and blocks until it resolves or ctx ends. It
// returns the delivery error, if any.
func (s *Sender) FireAndWait(ctx context.Context, event *Event, opts ...FireOption) error {
	result := make(chan error, 1)

	req := s.request(opts)
	next := req.opts.Completion
	wait := OnComplete(func(ev *Event, err error) {
		if next != nil {
			next(ev, err)
		}
		result <- err
	})

	if err := s.FireEvent(event, append(opts[:len(opts):len(opts)], wait)...); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for event %s: %w", event.Key, ctx.Err())
	}
}

// PendingEvents returns the unresolved events fired by this sender
func (s *Sender) PendingEvents() []*Event {
	return s.engine.PendingEvents(s)
}

// Stop stops the underlying engine
func (s *Sender) Stop(ctx context.Context) error {
	return s.engine.Stop(ctx)
}

func (s *Sender) request(opts []FireOption) fireRequest {
	req := fireRequest{opts: s.defaults}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}
