package eventmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections. The default implementation dials with amqp091-go;
// tests and embedders may supply their own through WithDialer.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// Connection is the subset of *amqp.Connection the engine depends on.
type Connection interface {
	Channel() (Channel, error)

	// Capabilities returns the broker's advertised capability table.
	Capabilities() amqp.Table

	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the engine depends on.
// *amqp.Channel satisfies it as is.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error

	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// amqpDialer dials RabbitMQ with amqp091-go
type amqpDialer struct {
	url    string
	config amqp.Config
}

func newAMQPDialer(cfg ConnectionConfig) *amqpDialer {
	properties := amqp.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		properties.SetClientConnectionName(cfg.ConnectionName)
	}

	return &amqpDialer{
		url: cfg.URL(),
		config: amqp.Config{
			Vhost:           cfg.VHost,
			Heartbeat:       cfg.Heartbeat,
			TLSClientConfig: cfg.TLS,
			Dial:            amqp.DefaultDial(cfg.DialTimeout),
			Properties:      properties,
		},
	}
}

func (d *amqpDialer) Dial(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(d.url, d.config)
	if err != nil {
		return nil, err
	}

	return &amqpConnection{conn: conn}, nil
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) Capabilities() amqp.Table {
	caps, _ := c.conn.Properties["capabilities"].(amqp.Table)
	return caps
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

// supportsPublisherConfirms reports whether the capability table advertises
// publisher confirms.
func supportsPublisherConfirms(caps amqp.Table) bool {
	if caps == nil {
		return false
	}
	v, _ := caps["publisher_confirms"].(bool)
	return v
}

// dialWithTiming dials through the configured Dialer and reports the attempt.
func (e *Engine) dialWithTiming(ctx context.Context) (Connection, error) {
	start := time.Now()
	conn, err := e.config.Dialer.Dial(ctx)
	e.config.Metrics.RecordConnectionAttempt(err == nil, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.config.Connection.Address(), err)
	}
	return conn, nil
}
