package eventmq

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cloudresty/go-env"
)

// EnvConfig holds the engine configuration that can be loaded from
// environment variables
type EnvConfig struct {
	// Sender defaults
	KeepConnection bool          `env:"EVENTMQ_KEEP_CONNECTION,default=false"`
	RetryInterval  time.Duration `env:"EVENTMQ_RETRY_INTERVAL,default=1s"`
	RetryCount     int           `env:"EVENTMQ_RETRY_COUNT,default=30"`

	// Connection basics
	Username string `env:"EVENTMQ_USERNAME,default=guest"`
	Password string `env:"EVENTMQ_PASSWORD,default=guest"`
	Host     string `env:"EVENTMQ_HOST,default=localhost"`
	Port     int    `env:"EVENTMQ_PORT,default=5672"`
	VHost    string `env:"EVENTMQ_VHOST,default=/"`

	// Security
	TLSEnabled  bool `env:"EVENTMQ_TLS_ENABLED,default=false"`
	TLSInsecure bool `env:"EVENTMQ_TLS_INSECURE,default=false"` // Skip cert verification

	// Connection behavior
	ConnectionName     string        `env:"EVENTMQ_CONNECTION_NAME"`
	Heartbeat          time.Duration `env:"EVENTMQ_HEARTBEAT,default=10s"`
	DialTimeout        time.Duration `env:"EVENTMQ_DIAL_TIMEOUT,default=30s"`
	AutoReconnectDelay time.Duration `env:"EVENTMQ_AUTO_RECONNECT_DELAY,default=1s"` // 0 disables reconnection

	Prefetch int `env:"EVENTMQ_PREFETCH,default=1"`

	// Topology
	ExchangeName string `env:"EVENTMQ_EXCHANGE_NAME,default=eventmq.events"`
	ExchangeType string `env:"EVENTMQ_EXCHANGE_TYPE,default=direct"`
	RoutingKey   string `env:"EVENTMQ_ROUTING_KEY"`
	QueueName    string `env:"EVENTMQ_QUEUE_NAME,default=eventmq.events"`
	SubscribeAck bool   `env:"EVENTMQ_SUBSCRIBE_ACK,default=true"`
}

// FromEnv creates an option that loads configuration from EVENTMQ_*
// environment variables
func FromEnv() Option {
	return FromEnvWithPrefix("")
}

// FromEnvWithPrefix creates an option that loads configuration from
// environment variables with a custom prefix
func FromEnvWithPrefix(prefix string) Option {
	return func(config *engineConfig) error {
		var envConfig EnvConfig
		var err error

		if prefix != "" {
			err = env.Bind(&envConfig, env.BindingOptions{
				Tag:      "env",
				Prefix:   prefix,
				Required: false,
			})
		} else {
			err = env.Bind(&envConfig, env.DefaultBindingOptions())
		}

		if err != nil {
			return fmt.Errorf("failed to parse environment configuration: %w", err)
		}

		return applyEnvConfig(config, &envConfig)
	}
}

// applyEnvConfig applies environment configuration to the engine config
func applyEnvConfig(config *engineConfig, envConfig *EnvConfig) error {
	if envConfig.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	exchangeType := ExchangeType(envConfig.ExchangeType)
	if !exchangeType.valid() {
		return fmt.Errorf("unknown exchange type %q", envConfig.ExchangeType)
	}

	config.Sender = SenderConfig{
		KeepConnection: envConfig.KeepConnection,
		RetryInterval:  envConfig.RetryInterval,
		RetryCount:     envConfig.RetryCount,
	}

	conn := &config.Connection
	conn.Username = envConfig.Username
	conn.Password = envConfig.Password
	conn.Host = envConfig.Host
	conn.Port = envConfig.Port
	conn.VHost = envConfig.VHost
	conn.Heartbeat = envConfig.Heartbeat
	conn.DialTimeout = envConfig.DialTimeout
	conn.AutoReconnectDelay = envConfig.AutoReconnectDelay
	if envConfig.ConnectionName != "" {
		conn.ConnectionName = envConfig.ConnectionName
	}

	if envConfig.TLSEnabled {
		conn.TLS = &tls.Config{
			InsecureSkipVerify: envConfig.TLSInsecure,
		}
	}

	config.Channel.Prefetch = envConfig.Prefetch

	config.Exchange.Name = envConfig.ExchangeName
	config.Exchange.Type = exchangeType
	config.Exchange.Publish.RoutingKey = envConfig.RoutingKey

	config.Queue.Name = envConfig.QueueName
	config.Queue.Subscribe.Ack = envConfig.SubscribeAck

	return nil
}
