package bus

import (
	"context"
	"errors"
)

// ErrBusUnavailable is returned when the underlying transport or store
// cannot be reached after the configured backoff.
var ErrBusUnavailable = errors.New("bus: unavailable")

// ErrSequenceGap is surfaced to a Subscribe consumer when a reconnect
// skipped one or more envelopes for a task id it was already tracking.
var ErrSequenceGap = errors.New("bus: sequence gap detected")

// Bus is the thin abstraction over a shared store: broadcast publish,
// at-most-once subscribe, and namespaced durable key/value.
//
// Subscribe consumers must be idempotent: a reconnect resumes with
// at-most-once delivery and no replay. A transport that detects a gap
// reports it as ErrSequenceGap from Subscription.Recv; the memorybus and
// mqttbus implementations never do, and an envelope they drop (for
// example on a full subscriber queue) is skipped without notice.
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	KV(namespace string) KV
}

// Subscription is a restartable, at-most-once envelope stream.
type Subscription interface {
	// Recv blocks until an envelope arrives, the context is cancelled, or
	// the subscription is closed. err is ErrSequenceGap if the transport
	// detected it dropped envelopes since the last Recv.
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// KV is a durable, namespaced key/value store used for configuration, task
// records, the endpoint registry, and rate-limit buckets.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// CompareAndSet atomically sets key to newValue only if the current
	// value equals oldValue (oldValue == nil means "key must not exist").
	// Used by Task Store Claim/Transition and confirmation resolution.
	CompareAndSet(ctx context.Context, key string, oldValue, newValue []byte) (bool, error)
	Del(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
