package eventmq

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ResourceKind identifies which handle a hook belongs to
type ResourceKind int

const (
	ResourceAny ResourceKind = iota
	ResourceConnection
	ResourceChannel
	ResourceExchange
	ResourceQueue
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceConnection:
		return "connection"
	case ResourceChannel:
		return "channel"
	case ResourceExchange:
		return "exchange"
	case ResourceQueue:
		return "queue"
	default:
		return "any"
	}
}

// Hook is a lifecycle event of one of the engine's resources
type Hook int

const (
	// HookEverything receives every dispatched lifecycle event
	HookEverything Hook = iota

	HookConnectionBeforeRecovery
	HookConnectionAfterRecovery
	HookConnectionOnConnectionInterruption
	HookConnectionOnClosed
	HookConnectionOnPossibleAuthenticationFailure
	HookConnectionOnTCPConnectionFailure
	HookConnectionOnTCPConnectionLoss

	HookChannelBeforeRecovery
	HookChannelAfterRecovery
	HookChannelOnConnectionInterruption
	HookChannelOnError

	HookExchangeBeforeRecovery
	HookExchangeAfterRecovery
	HookExchangeOnConnectionInterruption

	HookQueueBeforeRecovery
	HookQueueAfterRecovery
	HookQueueOnConnectionInterruption

	hookCount
)

var hookNames = [hookCount]string{
	HookEverything: "everything",

	HookConnectionBeforeRecovery:                  "connection.before_recovery",
	HookConnectionAfterRecovery:                   "connection.after_recovery",
	HookConnectionOnConnectionInterruption:        "connection.on_connection_interruption",
	HookConnectionOnClosed:                        "connection.on_closed",
	HookConnectionOnPossibleAuthenticationFailure: "connection.on_possible_authentication_failure",
	HookConnectionOnTCPConnectionFailure:          "connection.on_tcp_connection_failure",
	HookConnectionOnTCPConnectionLoss:             "connection.on_tcp_connection_loss",

	HookChannelBeforeRecovery:           "channel.before_recovery",
	HookChannelAfterRecovery:            "channel.after_recovery",
	HookChannelOnConnectionInterruption: "channel.on_connection_interruption",
	HookChannelOnError:                  "channel.on_error",

	HookExchangeBeforeRecovery:           "exchange.before_recovery",
	HookExchangeAfterRecovery:            "exchange.after_recovery",
	HookExchangeOnConnectionInterruption: "exchange.on_connection_interruption",

	HookQueueBeforeRecovery:           "queue.before_recovery",
	HookQueueAfterRecovery:            "queue.after_recovery",
	HookQueueOnConnectionInterruption: "queue.on_connection_interruption",
}

func (h Hook) String() string {
	if !h.valid() {
		return fmt.Sprintf("hook(%d)", int(h))
	}
	return hookNames[h]
}

func (h Hook) valid() bool {
	return h >= HookEverything && h < hookCount
}

// Resource returns the resource kind the hook belongs to
func (h Hook) Resource() ResourceKind {
	switch {
	case h >= HookConnectionBeforeRecovery && h <= HookConnectionOnTCPConnectionLoss:
		return ResourceConnection
	case h >= HookChannelBeforeRecovery && h <= HookChannelOnError:
		return ResourceChannel
	case h >= HookExchangeBeforeRecovery && h <= HookExchangeOnConnectionInterruption:
		return ResourceExchange
	case h >= HookQueueBeforeRecovery && h <= HookQueueOnConnectionInterruption:
		return ResourceQueue
	default:
		return ResourceAny
	}
}

// HookInfo is passed to every hook callback
type HookInfo struct {
	Hook Hook

	// Err is the cause reported by the broker or the transport, if any
	Err error
}

// HookFunc is a lifecycle callback. Returned errors are collected and logged
// by the engine; they do not stop other callbacks from running.
type HookFunc func(info HookInfo) error

// hookRegistry holds the ordered callbacks per hook
type hookRegistry struct {
	mu    sync.Mutex
	hooks map[Hook][]HookFunc
}

func newHookRegistry() *hookRegistry {
	return &hookRegistry{hooks: make(map[Hook][]HookFunc)}
}

func (r *hookRegistry) add(h Hook, fn HookFunc) error {
	if !h.valid() {
		return fmt.Errorf("unknown hook %d", int(h))
	}
	if fn == nil {
		return fmt.Errorf("hook callback cannot be nil")
	}

	r.mu.Lock()
	r.hooks[h] = append(r.hooks[h], fn)
	r.mu.Unlock()
	return nil
}

func (r *hookRegistry) count(h Hook) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks[h])
}

// dispatch runs the callbacks of info.Hook in registration order, then the
// HookEverything callbacks. No lock is held while callbacks run.
func (r *hookRegistry) dispatch(info HookInfo) error {
	r.mu.Lock()
	callbacks := slices.Clone(r.hooks[info.Hook])
	if info.Hook != HookEverything {
		callbacks = append(callbacks, r.hooks[HookEverything]...)
	}
	r.mu.Unlock()

	var errs []error
	for _, fn := range callbacks {
		if err := invokeHook(fn, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invokeHook(fn HookFunc, info HookInfo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", info.Hook, r)
		}
	}()
	return fn(info)
}
