package eventmq

import (
	"crypto/tls"
	"fmt"
	"time"
)

// WithConfig replaces the whole configuration. Later options still apply on top.
func WithConfig(cfg Config) Option {
	return func(config *engineConfig) error {
		config.Config = cfg
		return nil
	}
}

// Sender options

// WithSenderDefaults sets the fire defaults used when a fire request does not
// override them
func WithSenderDefaults(keepConnection bool, retryInterval time.Duration, retryCount int) Option {
	return func(config *engineConfig) error {
		if retryInterval < 0 {
			return fmt.Errorf("retry interval cannot be negative")
		}
		if retryCount < 0 {
			return fmt.Errorf("retry count cannot be negative")
		}
		config.Sender = SenderConfig{
			KeepConnection: keepConnection,
			RetryInterval:  retryInterval,
			RetryCount:     retryCount,
		}
		return nil
	}
}

// WithKeepConnection keeps the engine running after events resolve
func WithKeepConnection(keep bool) Option {
	return func(config *engineConfig) error {
		config.Sender.KeepConnection = keep
		return nil
	}
}

// Connection options

// WithCredentials sets the username and password
func WithCredentials(username, password string) Option {
	return func(config *engineConfig) error {
		config.Connection.Username = username
		config.Connection.Password = password
		return nil
	}
}

// WithHost sets the broker host and port
func WithHost(host string, port int) Option {
	return func(config *engineConfig) error {
		if host == "" {
			return fmt.Errorf("host cannot be empty")
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		config.Connection.Host = host
		config.Connection.Port = port
		return nil
	}
}

// WithVHost sets the virtual host
func WithVHost(vhost string) Option {
	return func(config *engineConfig) error {
		config.Connection.VHost = vhost
		return nil
	}
}

// WithTLS sets the TLS configuration
func WithTLS(tlsConfig *tls.Config) Option {
	return func(config *engineConfig) error {
		config.Connection.TLS = tlsConfig
		return nil
	}
}

// WithConnectionName sets the client-provided connection name shown in the
// management UI
func WithConnectionName(name string) Option {
	return func(config *engineConfig) error {
		config.Connection.ConnectionName = name
		return nil
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(duration time.Duration) Option {
	return func(config *engineConfig) error {
		if duration < 0 {
			return fmt.Errorf("heartbeat duration cannot be negative")
		}
		config.Connection.Heartbeat = duration
		return nil
	}
}

// WithDialTimeout sets the connection dial timeout
func WithDialTimeout(timeout time.Duration) Option {
	return func(config *engineConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("dial timeout must be positive")
		}
		config.Connection.DialTimeout = timeout
		return nil
	}
}

// WithAutoReconnectDelay sets the delay before reconnecting after a lost
// connection. Zero disables reconnection.
func WithAutoReconnectDelay(delay time.Duration) Option {
	return func(config *engineConfig) error {
		if delay < 0 {
			return fmt.Errorf("reconnect delay cannot be negative")
		}
		config.Connection.AutoReconnectDelay = delay
		return nil
	}
}

// Topology options

// WithPrefetch sets the channel prefetch count
func WithPrefetch(count int) Option {
	return func(config *engineConfig) error {
		if count < 0 {
			return fmt.Errorf("prefetch cannot be negative")
		}
		config.Channel.Prefetch = count
		return nil
	}
}

// WithExchange sets the exchange configuration
func WithExchange(exchange ExchangeConfig) Option {
	return func(config *engineConfig) error {
		if !exchange.Type.valid() {
			return fmt.Errorf("unknown exchange type %q", exchange.Type)
		}
		config.Exchange = exchange
		return nil
	}
}

// WithRoutingKey sets the publish routing key, also used to bind the queue
func WithRoutingKey(key string) Option {
	return func(config *engineConfig) error {
		config.Exchange.Publish.RoutingKey = key
		return nil
	}
}

// WithQueue sets the queue configuration
func WithQueue(queue QueueConfig) Option {
	return func(config *engineConfig) error {
		config.Queue = queue
		return nil
	}
}

// Observability options

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(config *engineConfig) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		config.Logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(config *engineConfig) error {
		if metrics == nil {
			return fmt.Errorf("metrics collector cannot be nil")
		}
		config.Metrics = metrics
		return nil
	}
}

// WithTracing sets the tracer
func WithTracing(tracer Tracer) Option {
	return func(config *engineConfig) error {
		if tracer == nil {
			return fmt.Errorf("tracer cannot be nil")
		}
		config.Tracer = tracer
		return nil
	}
}

// Advanced options

// WithDialer replaces the amqp091-go dialer
func WithDialer(dialer Dialer) Option {
	return func(config *engineConfig) error {
		if dialer == nil {
			return fmt.Errorf("dialer cannot be nil")
		}
		config.Dialer = dialer
		return nil
	}
}

// WithRegistry sets the process registry shared with other engines. Engines
// use DefaultRegistry unless told otherwise.
func WithRegistry(registry *Registry) Option {
	return func(config *engineConfig) error {
		if registry == nil {
			return fmt.Errorf("registry cannot be nil")
		}
		config.Registry = registry
		return nil
	}
}
