package eventmq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderOptionPrecedence(t *testing.T) {
	e := newTestEngine(t, newFakeBroker(true, true), WithSenderDefaults(false, time.Second, 30))

	s := NewSender(e, RetryCount(2))
	assert.Same(t, e, s.Engine())

	req := s.request([]FireOption{RetryInterval(10 * time.Millisecond), KeepConnection(true)})
	assert.Equal(t, 2, req.opts.RetryCount, "sender defaults apply")
	assert.Equal(t, 10*time.Millisecond, req.opts.RetryInterval, "per-fire options win")
	assert.True(t, req.opts.KeepConnection)

	assert.False(t, s.request(nil).opts.KeepConnection, "per-fire options do not leak into the sender")
}

func TestSenderFireAndWait(t *testing.T) {
	broker := newFakeBroker(true, true)
	e := newTestEngine(t, broker)
	s := NewSender(e, KeepConnection(true))

	var chained atomic.Int32
	event := NewEvent("report.ready")
	err := s.FireAndWait(context.Background(), event, OnComplete(func(ev *Event, err error) {
		assert.Same(t, event, ev)
		chained.Add(1)
	}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), chained.Load(), "the caller's completion still runs")
	assert.Empty(t, s.PendingEvents())
	assert.Equal(t, 1, broker.publishedCount())
}

func TestSenderFireAndWaitHonorsContext(t *testing.T) {
	broker := newFakeBroker(true, false)
	e := newTestEngine(t, broker)
	s := NewSender(e, KeepConnection(true))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	event := NewEvent("never.confirmed")
	err := s.FireAndWait(ctx, event)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []*Event{event}, s.PendingEvents(), "the event stays pending after the wait gives up")
}

func TestSenderFireEventAppliesAttributes(t *testing.T) {
	e := newTestEngine(t, newFakeBroker(true, false))
	s := NewSender(e, KeepConnection(true))

	event := NewEvent("device.offline")
	require.NoError(t, s.FireEvent(event, EventAttributes(WithLevel(LevelFatal), WithSourceName("edge-7"))))
	assert.Equal(t, LevelFatal, event.Level)
	assert.Equal(t, "edge-7", event.SourceName)

	assert.ErrorIs(t, s.FireEvent(nil), ErrNilEvent)
}
