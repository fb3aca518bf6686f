package eventmq

import (
	"context"
)

// Stop begins a graceful stop and waits for it. The engine keeps delivering
// pending events, refuses new ones, and closes the channel and connection
// once nothing is pending. If ctx ends first the stop keeps going in the
// background.
func (e *Engine) Stop(ctx context.Context) error {
	e.beginStop(nil)

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAsync begins a graceful stop without waiting. onDone, if not nil, is
// called once the engine has stopped; immediately when it already has.
func (e *Engine) StopAsync(onDone func()) {
	e.beginStop(onDone)
}

func (e *Engine) beginStop(onDone func()) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		if onDone != nil {
			onDone()
		}
		return
	}
	if onDone != nil {
		e.onDone = append(e.onDone, onDone)
	}
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	pending := len(e.pending)
	e.broadcastLocked()
	e.mu.Unlock()

	e.config.Logger.Info("Stopping event engine",
		"connection_name", e.config.Connection.ConnectionName,
		"pending", pending)

	go e.drain()
}

func (e *Engine) drain() {
	_ = e.waitFor(context.Background(), func() bool {
		return len(e.pending) == 0
	})
	e.teardown()
}

func (e *Engine) teardown() {
	e.mu.Lock()
	e.halted = true
	ch, conn := e.ch, e.conn
	e.resetChannelLocked()
	e.conn = nil
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	callbacks := e.onDone
	e.onDone = nil
	e.broadcastLocked()
	e.mu.Unlock()

	e.cancel()

	if ch != nil {
		if err := ch.Close(); err != nil {
			e.config.Logger.Warn("Failed to close channel", "error", err.Error())
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			e.config.Logger.Warn("Failed to close connection", "error", err.Error())
		}
	}

	close(e.done)
	e.config.Logger.Info("Event engine stopped",
		"connection_name", e.config.Connection.ConnectionName)

	for _, fn := range callbacks {
		fn()
	}
}

// fail aborts every pending event with err and stops the engine. It is used
// when the first connection to the broker cannot be established.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	recs := e.abortAllLocked()
	e.mu.Unlock()

	for _, rec := range recs {
		e.finish(rec, err, DeliveryAborted)
	}
	e.beginStop(nil)
}
