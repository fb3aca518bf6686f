package eventmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

var errFakePublish = errors.New("fake publish failure")

// fakeBroker is an in-memory broker shared by every connection it dials
type fakeBroker struct {
	mu sync.Mutex

	confirms bool
	autoAck  bool
	failNext int
	failAll  bool
	dialErrs []error

	dials     int
	conns     []*fakeConnection
	attempts  []amqp.Publishing
	published []amqp.Publishing
	exchanges []string
	queues    []string
	bindings  []string
}

func newFakeBroker(confirms, autoAck bool) *fakeBroker {
	return &fakeBroker{confirms: confirms, autoAck: autoAck}
}

func (b *fakeBroker) Dial(ctx context.Context) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		return nil, err
	}

	conn := &fakeConnection{broker: b, confirms: b.confirms}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) set(fn func(b *fakeBroker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBroker) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attempts)
}

func (b *fakeBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// attemptKeys returns the event key of every publish attempt, in order
func (b *fakeBroker) attemptKeys(t *testing.T) []string {
	t.Helper()
	b.mu.Lock()
	attempts := append([]amqp.Publishing(nil), b.attempts...)
	b.mu.Unlock()

	keys := make([]string, len(attempts))
	for i, msg := range attempts {
		var body struct {
			Key string `json:"key"`
		}
		require.NoError(t, json.Unmarshal(msg.Body, &body))
		require.Equal(t, msg.MessageId, body.Key)
		keys[i] = body.Key
	}
	return keys
}

func (b *fakeBroker) connection(i int) *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.conns) {
		return nil
	}
	return b.conns[i]
}

func (b *fakeBroker) lastConnection() *fakeConnection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

type fakeConnection struct {
	broker   *fakeBroker
	confirms bool

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) Capabilities() amqp.Table {
	return amqp.Table{"publisher_confirms": c.confirms}
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	return c.shutdown(nil)
}

// drop simulates a broker-side connection loss
func (c *fakeConnection) drop() {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
}

func (c *fakeConnection) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	notify, channels := c.notify, c.channels
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	return nil
}

func (c *fakeConnection) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

type fakeChannel struct {
	conn *fakeConnection

	mu         sync.Mutex
	closed     bool
	confirming bool
	seq        uint64
	qos        []int
	confirms   []chan amqp.Confirmation
	notify     []chan *amqp.Error
	deliveries chan amqp.Delivery
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.qos = append(ch.qos, prefetchCount)
	return nil
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.conn.broker.set(func(b *fakeBroker) { b.exchanges = append(b.exchanges, name+":"+kind) })
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.conn.broker.set(func(b *fakeBroker) { b.queues = append(b.queues, name) })
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.conn.broker.set(func(b *fakeBroker) { b.bindings = append(b.bindings, fmt.Sprintf("%s<-%s:%s", name, exchange, key)) })
	return nil
}

// PublishWithContext mirrors amqp091-go: a failed publish does not consume
// a delivery tag.
func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}

	b := ch.conn.broker
	b.mu.Lock()
	b.attempts = append(b.attempts, msg)
	if b.failAll || b.failNext > 0 {
		if b.failNext > 0 {
			b.failNext--
		}
		b.mu.Unlock()
		return errFakePublish
	}
	b.published = append(b.published, msg)
	autoAck := b.autoAck
	b.mu.Unlock()

	// confirms are sent under ch.mu so shutdown cannot close them mid-send
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.confirming || ch.closed {
		return nil
	}
	ch.seq++
	if autoAck {
		for _, c := range ch.confirms {
			c <- amqp.Confirmation{DeliveryTag: ch.seq, Ack: true}
		}
	}
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	ch.deliveries = make(chan amqp.Delivery, 16)
	return ch.deliveries, nil
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.shutdown(nil)
	return nil
}

// fail simulates a channel-level exception while the connection stays up
func (ch *fakeChannel) fail() {
	ch.shutdown(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED", Server: true})
}

func (ch *fakeChannel) shutdown(cause *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	for _, c := range ch.confirms {
		close(c)
	}
	if ch.deliveries != nil {
		close(ch.deliveries)
	}
	notify := ch.notify
	ch.notify, ch.confirms = nil, nil
	ch.mu.Unlock()

	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

func (ch *fakeChannel) deliver(d amqp.Delivery) {
	ch.mu.Lock()
	deliveries := ch.deliveries
	ch.mu.Unlock()
	deliveries <- d
}

func (ch *fakeChannel) consuming() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.deliveries != nil
}

// fakeAcknowledger records consumer acknowledgements
type fakeAcknowledger struct {
	mu       sync.Mutex
	acks     []uint64
	nacks    []uint64
	requeued []bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	a.requeued = append(a.requeued, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (acks, nacks int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks), len(a.nacks)
}

// recordingLogger keeps every log entry for assertions
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level   string
	message string
}

func (l *recordingLogger) Debug(msg string, fields ...any) { l.add("DEBUG", msg) }
func (l *recordingLogger) Info(msg string, fields ...any)  { l.add("INFO", msg) }
func (l *recordingLogger) Warn(msg string, fields ...any)  { l.add("WARN", msg) }
func (l *recordingLogger) Error(msg string, fields ...any) { l.add("ERROR", msg) }

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, message: msg})
}

func (l *recordingLogger) count(level, substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.message, substr) {
			n++
		}
	}
	return n
}

// completions collects completion callbacks by event key
type completions struct {
	mu      sync.Mutex
	results map[string][]error
	order   []string
}

func newCompletions() *completions {
	return &completions{results: make(map[string][]error)}
}

func (c *completions) fn() CompletionFunc {
	return func(event *Event, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.results[event.Key] = append(c.results[event.Key], err)
		c.order = append(c.order, event.Key)
	}
}

func (c *completions) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *completions) get(key string) ([]error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	errs, ok := c.results[key]
	return append([]error(nil), errs...), ok
}

// newTestEngine builds an engine on broker with a private registry
func newTestEngine(t *testing.T, broker *fakeBroker, opts ...Option) *Engine {
	t.Helper()

	base := []Option{
		WithDialer(broker),
		WithRegistry(NewRegistry()),
		WithConnectionName("eventmq-test"),
		WithAutoReconnectDelay(10 * time.Millisecond),
	}
	e, err := NewEngine(append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		e.mu.Lock()
		recs := e.abortAllLocked()
		e.mu.Unlock()
		for _, rec := range recs {
			e.registry.release(rec.event.Key)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

// fireOpts returns fire options with a short retry interval
func fireOpts(keep bool, retries int, interval time.Duration, done CompletionFunc) FireOptions {
	return FireOptions{
		KeepConnection: keep,
		RetryCount:     retries,
		RetryInterval:  interval,
		Completion:     done,
	}
}

func inFlightTags(e *Engine) []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	tags := make([]uint64, len(e.inFlight))
	for i, rec := range e.inFlight {
		tags[i] = rec.tag
	}
	return tags
}

func eventuallyTrue(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msgAndArgs...)
}
