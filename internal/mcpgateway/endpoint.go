// Package mcpgateway implements the multi-tenant MCP HTTP+SSE surface:
// notify/question/confirmation, the JSON-RPC face, the confirmation
// correlation protocol and its deadline sweeper, and the administrative
// endpoint-registry and audit-query surfaces.
//
// Route registration, SSE streaming (http.Flusher + http.NewResponseController
// write-deadline resets, keepalive comments), and the checkpoint-style
// admin CRUD handler shapes are grounded on internal/api/server.go — the
// reference's own internal/mcp package is an MCP *client* (stdio/jsonrpc
// transports outward) and contributes only the tools/list, tools/call
// method-name vocabulary for the JSON-RPC face here.
package mcpgateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// Endpoint is a McpEndpoint (spec §3.1): a named tenant routing to a chat.
type Endpoint struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	ChatID      string    `json:"chat_id"`
	Channel     string    `json:"channel"`
	SecretHash  string    `json:"secret_hash"`
	CreatedAt   time.Time `json:"created_at"`
	Revoked     bool      `json:"revoked"`
}

// EndpointRegistry is the administrative, mutate-only-through-CRUD
// registry of MCP tenants, backed by the Bus KV. It holds no lock:
// read-modify-write sequences such as Revoke use KV CompareAndSet and
// fail with an error when a concurrent write wins.
type EndpointRegistry struct {
	kv bus.KV
}

// NewEndpointRegistry wraps the given KV namespace.
func NewEndpointRegistry(kv bus.KV) *EndpointRegistry {
	return &EndpointRegistry{kv: kv}
}

func endpointKey(id string) string { return "mcp:endpoint:" + id }

// GenerateSecret returns a new random bearer secret and its bcrypt hash
// for storage. The caller shows the plaintext secret to the operator
// exactly once.
func GenerateSecret() (plaintext, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash secret: %w", err)
	}
	return plaintext, string(h), nil
}

// Create registers a new endpoint. id is caller-supplied (spec names
// endpoint_id explicitly in the URL path and topic shape) and must not
// already exist.
func (r *EndpointRegistry) Create(ctx context.Context, id, displayName, chatID, channel, secretHash string) (*Endpoint, error) {
	e := &Endpoint{
		ID: id, DisplayName: displayName, ChatID: chatID, Channel: channel,
		SecretHash: secretHash, CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal endpoint: %w", err)
	}
	ok, err := r.kv.CompareAndSet(ctx, endpointKey(id), nil, raw)
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("endpoint %q already exists", id)
	}
	return e, nil
}

// Get looks up an endpoint by id.
func (r *EndpointRegistry) Get(ctx context.Context, id string) (*Endpoint, bool, error) {
	raw, found, err := r.kv.Get(ctx, endpointKey(id))
	if err != nil || !found {
		return nil, false, err
	}
	var e Endpoint
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal endpoint: %w", err)
	}
	return &e, true, nil
}

// List returns every registered endpoint.
func (r *EndpointRegistry) List(ctx context.Context) ([]*Endpoint, error) {
	keys, err := r.kv.List(ctx, "mcp:endpoint:")
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	out := make([]*Endpoint, 0, len(keys))
	for _, k := range keys {
		raw, found, err := r.kv.Get(ctx, k)
		if err != nil || !found {
			continue
		}
		var e Endpoint
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// FindByChatID returns the endpoint routing to chatID, preferring the
// oldest registration when more than one endpoint shares a chat (spec
// §4.5 Feedback path: "tenant is inferred by the user's chat id, or the
// oldest endpoint for that chat").
func (r *EndpointRegistry) FindByChatID(ctx context.Context, chatID string) (*Endpoint, bool, error) {
	endpoints, err := r.List(ctx)
	if err != nil {
		return nil, false, err
	}
	var oldest *Endpoint
	for _, e := range endpoints {
		if e.ChatID != chatID || e.Revoked {
			continue
		}
		if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) {
			oldest = e
		}
	}
	return oldest, oldest != nil, nil
}

// Revoke marks an endpoint revoked in place (read-modify-write under the
// registry's single-writer discipline).
func (r *EndpointRegistry) Revoke(ctx context.Context, id string) error {
	raw, found, err := r.kv.Get(ctx, endpointKey(id))
	if err != nil {
		return fmt.Errorf("get endpoint: %w", err)
	}
	if !found {
		return fmt.Errorf("endpoint %q not found", id)
	}
	var e Endpoint
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("unmarshal endpoint: %w", err)
	}
	e.Revoked = true
	newRaw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}
	ok, err := r.kv.CompareAndSet(ctx, endpointKey(id), raw, newRaw)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	if !ok {
		return fmt.Errorf("revoke %q: concurrent modification, retry", id)
	}
	return nil
}

// CheckSecret reports whether candidate matches the endpoint's stored
// secret. bcrypt.CompareHashAndPassword is already constant-time with
// respect to the candidate; the caller still must not vary response
// latency/shape based on *which* check (existence vs secret) failed.
func (e *Endpoint) CheckSecret(candidate string) bool {
	if e.SecretHash == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(e.SecretHash), []byte(candidate))
	return err == nil
}

// constantTimeEqual is used for comparisons that don't go through bcrypt
// (e.g. the separate admin bearer token), matching spec §4.5's "secret
// comparison is constant-time" requirement directly.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
