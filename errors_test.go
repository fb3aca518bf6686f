package eventmq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorSentinels(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")

	conn := NewConnectionError("failed to connect to broker", cause)
	assert.ErrorIs(t, conn, ErrBrokerUnreachable)
	assert.ErrorIs(t, conn, cause)
	assert.NotErrorIs(t, conn, ErrPublishFailed)
	assert.Equal(t, "ConnectionError: failed to connect to broker (caused by: dial tcp: connection refused)", conn.Error())

	assert.ErrorIs(t, NewPublishError("failed to publish event", nil), ErrPublishFailed)
	assert.ErrorIs(t, NewConsumeError("delivery channel closed", nil), ErrConsumeFailed)
	assert.Equal(t, "ConsumeError: delivery channel closed", NewConsumeError("delivery channel closed", nil).Error())
}

func TestExhaustedError(t *testing.T) {
	event := NewEvent("x", WithKey("evt-1"))
	cause := NewPublishError("failed to publish event", errors.New("channel closed"))
	err := fmt.Errorf("delivery: %w", &ExhaustedError{Event: event, Attempts: 3, Cause: cause})

	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, ErrPublishFailed)

	var exhausted *ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Contains(t, err.Error(), "event evt-1: retry exhausted after 3 attempts")
}
