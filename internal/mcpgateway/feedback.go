package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// FeedbackQueue persists each tenant's free-form feedback queue at
// mcp:feedback:<endpoint_id> (spec §6.4), a JSON array drained atomically
// by the /replies endpoint (spec §4.5: "Drains the tenant's free-form
// feedback queue atomically"). The read-modify-CAS-retry loop mirrors the
// read-modify-write discipline already used by EndpointRegistry.Revoke and
// ConfirmationStore.Resolve.
type FeedbackQueue struct {
	kv bus.KV
}

// NewFeedbackQueue wraps the given KV namespace.
func NewFeedbackQueue(kv bus.KV) *FeedbackQueue {
	return &FeedbackQueue{kv: kv}
}

func feedbackKey(endpointID string) string { return "mcp:feedback:" + endpointID }

// Enqueue appends one feedback message to the tenant's queue (spec §4.5
// Feedback path: a `/dev `-prefixed user message is queued by the channel
// adapter's ingress path for the matching tenant).
func (q *FeedbackQueue) Enqueue(ctx context.Context, endpointID, chatID, text string) error {
	for {
		raw, found, err := q.kv.Get(ctx, feedbackKey(endpointID))
		if err != nil {
			return fmt.Errorf("get feedback queue: %w", err)
		}
		var items []bus.FeedbackMessage
		if found {
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("unmarshal feedback queue: %w", err)
			}
		}
		items = append(items, bus.FeedbackMessage{EndpointID: endpointID, ChatID: chatID, Text: text})
		newRaw, err := json.Marshal(items)
		if err != nil {
			return fmt.Errorf("marshal feedback queue: %w", err)
		}
		var old []byte
		if found {
			old = raw
		}
		ok, err := q.kv.CompareAndSet(ctx, feedbackKey(endpointID), old, newRaw)
		if err != nil {
			return fmt.Errorf("enqueue feedback: %w", err)
		}
		if ok {
			return nil
		}
		// Lost the race with a concurrent enqueue/drain; retry with the
		// now-current value.
	}
}

// Drain atomically empties and returns everything queued for endpointID.
// A concurrent Enqueue loses the CAS and retries against the post-drain
// value, so nothing enqueued after the drain's read is lost.
func (q *FeedbackQueue) Drain(ctx context.Context, endpointID string) ([]bus.FeedbackMessage, error) {
	for {
		raw, found, err := q.kv.Get(ctx, feedbackKey(endpointID))
		if err != nil {
			return nil, fmt.Errorf("get feedback queue: %w", err)
		}
		if !found {
			return nil, nil
		}
		var items []bus.FeedbackMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("unmarshal feedback queue: %w", err)
		}
		if len(items) == 0 {
			return nil, nil
		}
		ok, err := q.kv.CompareAndSet(ctx, feedbackKey(endpointID), raw, []byte("[]"))
		if err != nil {
			return nil, fmt.Errorf("drain feedback: %w", err)
		}
		if ok {
			return items, nil
		}
	}
}
