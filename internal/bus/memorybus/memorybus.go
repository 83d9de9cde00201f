// Package memorybus implements bus.Bus for a single process: broadcast
// publish over per-topic subscriber channels plus an in-memory KV. It is
// the default transport; bus/mqttbus provides the cross-process one.
//
// The subscriber fan-out is the same nil-safe, non-blocking,
// drop-when-full broadcast shape as a one-shot observability event bus,
// generalized to per-topic subscriber sets and bounded queues instead of a
// single global subscriber list.
package memorybus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

const defaultSubscriberBuffer = 64

// Bus is an in-process implementation of bus.Bus.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{} // topic -> subscribers

	kvMu sync.Mutex
	kv   map[string]map[string][]byte // namespace -> key -> value
}

// New creates an empty in-process bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[string]map[*subscription]struct{}),
		kv:     make(map[string]map[string][]byte),
	}
}

type subscription struct {
	ch     chan bus.Envelope
	closed chan struct{}
	once   sync.Once
}

func (s *subscription) Recv(ctx context.Context) (bus.Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return bus.Envelope{}, bus.ErrBusUnavailable
		}
		return env, nil
	case <-s.closed:
		return bus.Envelope{}, bus.ErrBusUnavailable
	case <-ctx.Done():
		return bus.Envelope{}, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Publish broadcasts env to every current subscriber of topic. There is no
// acknowledgment and no replay for subscribers that join later. A
// subscriber whose queue is full has the envelope dropped for it (the
// consumer must tolerate at-most-once delivery).
func (b *Bus) Publish(ctx context.Context, topic string, env bus.Envelope) error {
	if n, err := env.Size(); err != nil {
		return err
	} else if n > bus.EnvelopeSizeCap {
		return bus.ErrBusUnavailable
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[topic] {
		select {
		case sub.ch <- env:
		default:
			b.logger.Warn("subscriber queue full, dropping envelope",
				"topic", topic, "task_id", env.TaskID, "kind", env.Kind)
		}
	}
	return nil
}

// Subscribe returns a new subscription to topic. Envelopes published
// before Subscribe is called are never seen (no replay).
func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	sub := &subscription{
		ch:     make(chan bus.Envelope, defaultSubscriberBuffer),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-sub.closed
		b.mu.Lock()
		delete(b.subs[topic], sub)
		b.mu.Unlock()
	}()

	return sub, nil
}

// KV returns the in-memory KV namespace. Values are copied in and out so
// callers can never mutate stored bytes through an aliased slice.
func (b *Bus) KV(namespace string) bus.KV {
	return &memKV{bus: b, namespace: namespace}
}
