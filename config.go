package eventmq

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config is the full engine configuration. Start from DefaultConfig and
// override individual fields; zero values are not treated as "unset".
type Config struct {
	Sender     SenderConfig
	Connection ConnectionConfig
	Channel    ChannelConfig
	Exchange   ExchangeConfig
	Queue      QueueConfig
}

// SenderConfig holds the defaults applied to every fire request that does not
// override them.
type SenderConfig struct {
	// KeepConnection keeps the engine running after an event resolves. When
	// false, the engine drains and stops once nothing is pending.
	KeepConnection bool
	RetryInterval  time.Duration
	RetryCount     int
}

// ConnectionConfig describes how to reach the broker
type ConnectionConfig struct {
	Username string
	Password string
	Host     string
	Port     int
	VHost    string
	TLS      *tls.Config

	ConnectionName string
	Heartbeat      time.Duration
	DialTimeout    time.Duration

	// AutoReconnectDelay is the wait before reconnecting after a connection
	// loss. Zero disables reconnection.
	AutoReconnectDelay time.Duration
}

// Address returns host:port
func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL builds the AMQP URI for the connection
func (c ConnectionConfig) URL() string {
	scheme := "amqp"
	if c.TLS != nil {
		scheme = "amqps"
	}

	vhost := c.VHost
	if vhost == "/" {
		vhost = ""
	}

	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Address(),
		Path:   "/" + vhost,
	}
	return u.String()
}

// ChannelConfig holds per-channel settings
type ChannelConfig struct {
	Prefetch int
}

// ExchangeConfig describes the exchange events are published to
type ExchangeConfig struct {
	Name       string
	Type       ExchangeType
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  amqp.Table

	Publish PublishConfig
}

// PublishConfig holds the per-message publish settings
type PublishConfig struct {
	RoutingKey  string
	Mandatory   bool
	Immediate   bool
	Persistent  bool
	ContentType string
}

// QueueConfig describes the queue bound to the exchange
type QueueConfig struct {
	Name       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Arguments  amqp.Table

	Subscribe SubscribeConfig
}

// SubscribeConfig controls consumer-side acknowledgement
type SubscribeConfig struct {
	// Ack requires explicit acknowledgement of each delivery. When false,
	// deliveries are auto-acked by the broker.
	Ack       bool
	NoWait    bool
	Exclusive bool
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Sender: SenderConfig{
			KeepConnection: false,
			RetryInterval:  time.Second,
			RetryCount:     30,
		},
		Connection: ConnectionConfig{
			Username:           "guest",
			Password:           "guest",
			Host:               "localhost",
			Port:               5672,
			VHost:              "/",
			Heartbeat:          10 * time.Second,
			DialTimeout:        30 * time.Second,
			AutoReconnectDelay: time.Second,
		},
		Channel: ChannelConfig{
			Prefetch: 1,
		},
		Exchange: ExchangeConfig{
			Name:    "eventmq.events",
			Type:    ExchangeTypeDirect,
			Durable: true,
			Publish: PublishConfig{
				Persistent:  true,
				ContentType: ContentTypeJSON,
			},
		},
		Queue: QueueConfig{
			Name:    "eventmq.events",
			Durable: true,
			Subscribe: SubscribeConfig{
				Ack: true,
			},
		},
	}
}

// Validate reports configuration values the engine cannot work with
func (c Config) Validate() error {
	if c.Sender.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	if c.Sender.RetryInterval < 0 {
		return fmt.Errorf("retry interval cannot be negative")
	}
	if c.Connection.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Connection.Port)
	}
	if c.Connection.AutoReconnectDelay < 0 {
		return fmt.Errorf("auto reconnect delay cannot be negative")
	}
	if c.Channel.Prefetch < 0 {
		return fmt.Errorf("prefetch cannot be negative")
	}
	if !c.Exchange.Type.valid() {
		return fmt.Errorf("unknown exchange type %q", c.Exchange.Type)
	}
	return nil
}

// engineConfig is Config plus the collaborators injected through options
type engineConfig struct {
	Config

	Logger   Logger
	Metrics  MetricsCollector
	Tracer   Tracer
	Dialer   Dialer
	Registry *Registry
}

// Option represents a functional option for configuring the Engine
type Option func(*engineConfig) error
