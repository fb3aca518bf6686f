package eventmq

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerUnreachable is returned when the very first connection attempt
	// fails. It is never retried automatically.
	ErrBrokerUnreachable = errors.New("broker unreachable")

	// ErrPublishFailed matches every publish error
	ErrPublishFailed = errors.New("publish failed")

	// ErrConsumeFailed matches every subscription error
	ErrConsumeFailed = errors.New("consume failed")

	// ErrRetryExhausted matches every *ExhaustedError
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrStopping is returned by Fire once a stop has begun
	ErrStopping = errors.New("engine is stopping")

	// ErrStopped is returned by Fire after the engine has stopped
	ErrStopped = errors.New("engine is stopped")

	// ErrNilEvent is returned when firing a nil event
	ErrNilEvent = errors.New("event cannot be nil")
)

// Error types for better error handling
type Error struct {
	Type    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for the error's type
func (e *Error) Is(target error) bool {
	switch e.Type {
	case "ConnectionError":
		return target == ErrBrokerUnreachable
	case "PublishError":
		return target == ErrPublishFailed
	case "ConsumeError":
		return target == ErrConsumeFailed
	}
	return false
}

// NewConnectionError creates a new connection error
func NewConnectionError(message string, cause error) *Error {
	return &Error{
		Type:    "ConnectionError",
		Message: message,
		Cause:   cause,
	}
}

// NewPublishError creates a new publish error
func NewPublishError(message string, cause error) *Error {
	return &Error{
		Type:    "PublishError",
		Message: message,
		Cause:   cause,
	}
}

// NewConsumeError creates a new consume error
func NewConsumeError(message string, cause error) *Error {
	return &Error{
		Type:    "ConsumeError",
		Message: message,
		Cause:   cause,
	}
}

// ExhaustedError reports an event that could not be published within its
// retry budget.
type ExhaustedError struct {
	Event    *Event
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	key := ""
	if e.Event != nil {
		key = e.Event.Key
	}
	if e.Cause != nil {
		return fmt.Sprintf("event %s: retry exhausted after %d attempts: %v", key, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("event %s: retry exhausted after %d attempts", key, e.Attempts)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}
