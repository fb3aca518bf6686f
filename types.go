package eventmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentType constants
const (
	ContentTypeJSON = "application/json"
)

// ExchangeType represents different types of exchanges
type ExchangeType string

const (
	ExchangeTypeDirect  ExchangeType = "direct"
	ExchangeTypeFanout  ExchangeType = "fanout"
	ExchangeTypeTopic   ExchangeType = "topic"
	ExchangeTypeHeaders ExchangeType = "headers"
)

func (t ExchangeType) valid() bool {
	switch t {
	case ExchangeTypeDirect, ExchangeTypeFanout, ExchangeTypeTopic, ExchangeTypeHeaders:
		return true
	}
	return false
}

// HandshakeState is the publisher confirmation negotiation state of the
// current channel.
type HandshakeState int

const (
	// StateDisconnected means no channel has negotiated confirms yet
	StateDisconnected HandshakeState = iota
	// StateHandshaking means confirm mode was requested and is awaiting the broker
	StateHandshaking
	// StateEstablished means publishes are acknowledged by the broker
	StateEstablished
	// StateUnsupported means the broker does not offer publisher confirms
	StateUnsupported
)

func (s HandshakeState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// resolved reports whether publishes may proceed
func (s HandshakeState) resolved() bool {
	return s == StateEstablished || s == StateUnsupported
}

// CompletionFunc is invoked exactly once when a fired event reaches a
// terminal state. err is nil on success.
type CompletionFunc func(event *Event, err error)

// FireOptions control delivery of a single event. They are copied when Fire
// accepts the request.
type FireOptions struct {
	KeepConnection bool
	RetryInterval  time.Duration
	RetryCount     int
	Completion     CompletionFunc
}

// fireOptionsFrom returns the sender defaults as fire options
func fireOptionsFrom(cfg SenderConfig) FireOptions {
	return FireOptions{
		KeepConnection: cfg.KeepConnection,
		RetryInterval:  cfg.RetryInterval,
		RetryCount:     cfg.RetryCount,
	}
}

// publishing builds the AMQP message for an event body
func (c PublishConfig) publishing(event *Event, body []byte) amqp.Publishing {
	deliveryMode := amqp.Transient
	if c.Persistent {
		deliveryMode = amqp.Persistent
	}

	contentType := c.ContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}

	return amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: deliveryMode,
		MessageId:    event.Key,
		Type:         event.EventTypeName,
		Timestamp:    event.OccurredAt,
		Body:         body,
	}
}
