package domain

import (
	"context"
	"time"
)

// LockManager provides short-lived distributed locks in the coordination
// store, used to serialize broker calls per client order id.
type LockManager interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned function
	// releases the lock and is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter is a sliding-window limiter over the coordination store.
// FailOpen governs behavior when the store is unreachable; production policy
// is deny (fail closed).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// CircuitStore holds the breaker record in the coordination store.
type CircuitStore interface {
	// Read returns the current record. A missing record reads as OPEN.
	Read(ctx context.Context) (CircuitRecord, error)
	// CompareAndSet atomically replaces the record only while the stored state
	// still equals expectState. It returns ErrCASConflict when another writer
	// won.
	CompareAndSet(ctx context.Context, expectState CircuitState, next CircuitRecord) error
	// ResetTripCount zeroes trip_count_today (scheduled at UTC midnight).
	ResetTripCount(ctx context.Context) error
}

// GateStore tracks the per-service reconciled gate. Services must refuse
// write traffic while their gate is unset on boot.
type GateStore interface {
	Set(ctx context.Context, service string) error
	Clear(ctx context.Context, service string) error
	IsSet(ctx context.Context, service string) (bool, error)
}

// StreamMessage is one message read from an event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus is pub/sub plus a bounded durable stream over the coordination
// store. The registry publishes reload notifications on it; the ws hub
// re-broadcasts order/fill/circuit events to console clients.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Event bus channels.
const (
	ChannelOrders  = "ch:order"
	ChannelFills   = "ch:fill"
	ChannelCircuit = "ch:circuit"
	ChannelRuns    = "ch:run"
	ChannelReload  = "ch:model_reload"
)

// StreamEvents is the durable stream carrying every broker event the
// ingestor applies, so consumers that were down can catch up.
const StreamEvents = "stream:events"
