package channeladapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// pollBackoffInit/pollBackoffMax mirror signalbridge.go's reconnect
// backoff schedule. Nothing in this file uses them: forward makes one
// write attempt per envelope and drops it if the write fails.
const (
	pollBackoffInit = 1 * time.Second
	pollBackoffMax  = 30 * time.Second
)

// WebsocketAdapter is a reference Adapter: one websocket connection per
// chat, each inbound text frame becomes an IncomingMessage, and
// OutgoingReply/StreamToken envelopes addressed to its channel are
// written back out as JSON frames. ConfirmationRequest and
// FeedbackMessage envelopes are not subscribed to or forwarded. It exists
// primarily to exercise the Adapter contract end to end in tests and local
// development, not as a production chat surface.
type WebsocketAdapter struct {
	channel  string
	upgrader websocket.Upgrader
	pub      Publisher
	sub      Subscriber
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn // chat_id -> conn
}

// NewWebsocketAdapter builds a loopback websocket adapter publishing under
// the given channel name.
func NewWebsocketAdapter(channel string, pub Publisher, sub Subscriber, logger *slog.Logger) *WebsocketAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketAdapter{
		channel: channel, pub: pub, sub: sub,
		logger: logger.With("component", "channeladapter", "channel", channel),
		conns:  make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096, WriteBufferSize: 4096,
		},
	}
}

// Channel satisfies Adapter.
func (a *WebsocketAdapter) Channel() string { return a.channel }

// ServeHTTP upgrades one connection per chat, identified by a "chat_id"
// query parameter.
func (a *WebsocketAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "chat_id required", http.StatusBadRequest)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("upgrade failed", "error", err)
		return
	}

	a.mu.Lock()
	a.conns[chatID] = conn
	a.mu.Unlock()

	a.readLoop(r.Context(), chatID, conn)
}

func (a *WebsocketAdapter) readLoop(ctx context.Context, chatID string, conn *websocket.Conn) {
	defer func() {
		a.mu.Lock()
		delete(a.conns, chatID)
		a.mu.Unlock()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		text := strings.TrimSpace(string(raw))
		if text == "" {
			continue
		}

		env, err := bus.NewEnvelope(bus.KindIncomingMessage, "", a.channel, 0, time.Now, bus.IncomingMessage{
			MessageID: uuid.NewString(), UserID: chatID, ChatID: chatID, Channel: a.channel, Text: text,
		})
		if err != nil {
			a.logger.Warn("build incoming envelope failed", "error", err)
			continue
		}
		if err := a.pub.Publish(ctx, bus.TopicIncoming, env); err != nil {
			a.logger.Warn("publish incoming failed", "error", err)
		}
	}
}

// Run subscribes to outgoing replies and stream tokens and fans each one
// out to the chat_id's live connection, if any. A reply for a chat with no
// open connection is dropped (the loopback adapter has no offline queue;
// a production adapter would persist undelivered replies per its own
// channel's semantics).
func (a *WebsocketAdapter) Run(ctx context.Context) error {
	replySub, err := a.sub.Subscribe(ctx, bus.TopicOutgoingReply)
	if err != nil {
		return fmt.Errorf("subscribe outgoing_reply: %w", err)
	}
	defer replySub.Close()

	tokenSub, err := a.sub.Subscribe(ctx, bus.TopicStreamToken)
	if err != nil {
		return fmt.Errorf("subscribe stream_token: %w", err)
	}
	defer tokenSub.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.forward(ctx, replySub) }()
	go func() { defer wg.Done(); a.forward(ctx, tokenSub) }()
	wg.Wait()
	return nil
}

func (a *WebsocketAdapter) forward(ctx context.Context, sub bus.Subscription) {
	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		chatID, payload := a.routeTarget(env)
		if chatID == "" {
			continue
		}

		a.mu.Lock()
		conn := a.conns[chatID]
		a.mu.Unlock()
		if conn == nil {
			continue
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		_ = conn.WriteMessage(websocket.TextMessage, raw)
	}
}

func (a *WebsocketAdapter) routeTarget(env bus.Envelope) (chatID string, payload any) {
	switch env.Kind {
	case bus.KindOutgoingReply:
		var reply bus.OutgoingReply
		if err := env.DecodePayload(&reply); err != nil || reply.Channel != a.channel {
			return "", nil
		}
		return reply.ChatID, reply
	case bus.KindStreamToken:
		var tok bus.StreamToken
		if err := env.DecodePayload(&tok); err != nil || tok.Channel != a.channel {
			return "", nil
		}
		return tok.ChatID, tok
	default:
		return "", nil
	}
}
