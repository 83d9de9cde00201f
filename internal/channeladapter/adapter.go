// Package channeladapter defines the narrow interface a chat surface
// (Telegram, Signal, a web widget) implements to join the bus, plus one
// reference implementation used by tests and local development.
//
// The poll-loop/backoff/rate-limit shape a long-polling adapter would use
// is grounded on cmd/thane/signalbridge.go's SignalBridge (backoff
// schedule, per-sender sliding-window rate limit, conversation-id
// sanitization) generalized from a bridge that calls directly into an
// agent.Runner to one that only ever touches the Bus — the adapter never
// talks to the orchestrator directly (spec §1: channel adapters are
// external, bus-only participants).
package channeladapter

import (
	"context"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// Adapter is the interface a channel implementation satisfies. Run
// publishes IncomingMessage envelopes to the bus and consumes
// OutgoingReply/StreamToken/ConfirmationRequest/FeedbackMessage envelopes
// addressed to it, translating both directions to/from the wire format of
// whatever chat surface it fronts.
type Adapter interface {
	// Run blocks, driving the adapter's read/write loops until ctx is
	// cancelled.
	Run(ctx context.Context) error
	// Channel returns the stable channel name this adapter publishes under
	// (e.g. "telegram", "signal").
	Channel() string
}

// Publisher is the subset of bus.Bus a channel adapter needs to publish
// inbound traffic; kept narrow so adapters can be tested against a fake.
type Publisher interface {
	Publish(ctx context.Context, topic string, env bus.Envelope) error
}

// Subscriber is the subset of bus.Bus a channel adapter needs to receive
// outbound traffic addressed to it.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (bus.Subscription, error)
}
