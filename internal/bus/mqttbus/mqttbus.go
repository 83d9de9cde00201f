// Package mqttbus implements bus.Bus as a broker-mediated transport for
// deployments that run the orchestrator, gateway, and sandbox dispatcher
// as separate host processes sharing one MQTT broker, instead of one
// in-process memorybus.Bus. Connection setup, the OnConnectionUp/
// OnConnectError wiring, and QoS-1 publish/subscribe are grounded on the
// autopaho.ConnectionManager idiom. MQTT has no native KV primitive, so
// the KV half is delegated to a bus.KV implementation supplied by the
// caller (normally bus/sqlitekv, pointed at a database every process in
// the deployment can reach).
package mqttbus

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// Config configures the MQTT-backed bus.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// TopicPrefix namespaces this deployment's topics on a shared broker,
	// e.g. "assistant/" so bus.TopicIncoming becomes "assistant/assistant:incoming".
	TopicPrefix string
}

// Bus adapts an autopaho connection manager to bus.Bus.
type Bus struct {
	cfg    Config
	kv     bus.KV
	logger *slog.Logger

	cm *autopaho.ConnectionManager

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

// Connect dials the configured broker and returns a ready Bus once the
// initial connection succeeds (or times out, in which case autopaho keeps
// retrying in the background, matching the reference publisher's
// best-effort startup behavior).
func Connect(ctx context.Context, cfg Config, kv bus.KV, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		cfg:    cfg,
		kv:     kv,
		logger: logger.With("component", "mqttbus"),
		subs:   make(map[string]map[*subscription]struct{}),
	}

	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected", "broker", cfg.BrokerURL)
			b.resubscribeAll(context.Background(), cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.onPublishReceived,
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	return b, nil
}

func (b *Bus) wireTopic(topic string) string {
	return b.cfg.TopicPrefix + topic
}

// Publish QoS-1 publishes the envelope JSON to the wired MQTT topic.
func (b *Bus) Publish(ctx context.Context, topic string, env bus.Envelope) error {
	if n, err := env.Size(); err != nil {
		return err
	} else if n > bus.EnvelopeSizeCap {
		return fmt.Errorf("mqttbus: %w: envelope too large", bus.ErrBusUnavailable)
	}
	payload, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.wireTopic(topic),
		QoS:     1,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("%w: %w", bus.ErrBusUnavailable, err)
	}
	return nil
}

// Subscribe issues an MQTT SUBSCRIBE for the wired topic (idempotent: the
// broker coalesces duplicate subscriptions) and returns a local fan-out
// subscription fed by the shared OnPublishReceived handler.
func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	wire := b.wireTopic(topic)

	if _, err := b.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: wire, QoS: 1}},
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", bus.ErrBusUnavailable, err)
	}

	sub := &subscription{ch: make(chan bus.Envelope, 64), closed: make(chan struct{})}
	b.mu.Lock()
	if b.subs[wire] == nil {
		b.subs[wire] = make(map[*subscription]struct{})
	}
	b.subs[wire][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-sub.closed
		b.mu.Lock()
		delete(b.subs[wire], sub)
		b.mu.Unlock()
	}()

	return sub, nil
}

func (b *Bus) resubscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: t, QoS: 1}},
		}); err != nil {
			b.logger.Warn("mqtt resubscribe failed", "topic", t, "error", err)
		}
	}
}

func (b *Bus) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	var env bus.Envelope
	if err := env.UnmarshalJSON(pr.Packet.Payload); err != nil {
		b.logger.Warn("mqtt payload not a valid envelope", "topic", pr.Packet.Topic, "error", err)
		return true, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[pr.Packet.Topic] {
		select {
		case sub.ch <- env:
		default:
			b.logger.Warn("mqtt subscriber queue full, dropping envelope", "topic", pr.Packet.Topic)
		}
	}
	return true, nil
}

// KV delegates to the bus.KV implementation supplied at Connect time.
func (b *Bus) KV(namespace string) bus.KV {
	return namespacedProxy{kv: b.kv, prefix: namespace + "/"}
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

// namespacedProxy prefixes keys on an underlying shared bus.KV so that
// multiple mqttbus.Bus instances (one per process) sharing one KV backend
// (e.g. a networked sqlitekv.Store) don't collide across namespaces.
type namespacedProxy struct {
	kv     bus.KV
	prefix string
}

func (p namespacedProxy) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.kv.Get(ctx, p.prefix+key)
}
func (p namespacedProxy) Set(ctx context.Context, key string, value []byte) error {
	return p.kv.Set(ctx, p.prefix+key, value)
}
func (p namespacedProxy) CompareAndSet(ctx context.Context, key string, oldValue, newValue []byte) (bool, error) {
	return p.kv.CompareAndSet(ctx, p.prefix+key, oldValue, newValue)
}
func (p namespacedProxy) Del(ctx context.Context, key string) error {
	return p.kv.Del(ctx, p.prefix+key)
}
func (p namespacedProxy) List(ctx context.Context, prefix string) ([]string, error) {
	return p.kv.List(ctx, p.prefix+prefix)
}
