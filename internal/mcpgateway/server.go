package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/nugget/thane-ai-agent/internal/auditlog"
	"github.com/nugget/thane-ai-agent/internal/bus"
)

// Server is the multi-tenant MCP HTTP surface (spec §4.5). Route
// registration via Go 1.22+ method-pattern mux.HandleFunc, the
// withLogging-style middleware wrap, and the checkpoint-CRUD handler
// shapes (r.PathValue, 201/204 status codes) are grounded on
// internal/api/server.go's Server/routes().
type Server struct {
	mux          *http.ServeMux
	bus          bus.Bus
	endpoints    *EndpointRegistry
	confirmations *ConfirmationStore
	feedback     *FeedbackQueue
	audit        *auditlog.Store
	adminToken   string
	logger       *slog.Logger
	nowFn        func() time.Time
}

// NewServer wires the gateway's dependencies and registers every route.
func NewServer(b bus.Bus, endpoints *EndpointRegistry, confirmations *ConfirmationStore, feedback *FeedbackQueue, audit *auditlog.Store, adminToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux: http.NewServeMux(), bus: b, endpoints: endpoints,
		confirmations: confirmations, feedback: feedback, audit: audit, adminToken: adminToken,
		logger: logger.With("component", "mcpgateway"), nowFn: time.Now,
	}
	s.routes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler wraps the gateway so it serves HTTP/2 cleartext (h2c) in addition
// to HTTP/1.1, so the long-lived SSE event stream can multiplex over a
// single connection per endpoint for local deployments without TLS.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s, &http2.Server{})
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /mcp/v1/agent/{endpoint_id}/notify", s.withAuth(s.handleNotify))
	s.mux.HandleFunc("POST /mcp/v1/agent/{endpoint_id}/question", s.withAuth(s.handleQuestion))
	s.mux.HandleFunc("POST /mcp/v1/agent/{endpoint_id}/confirmation", s.withAuth(s.handleConfirmation))
	s.mux.HandleFunc("GET /mcp/v1/agent/{endpoint_id}/replies", s.withAuth(s.handleReplies))
	s.mux.HandleFunc("GET /mcp/v1/agent/{endpoint_id}/events", s.withAuth(s.handleEvents))
	s.mux.HandleFunc("POST /mcp/v1/agent/{endpoint_id}/rpc", s.withAuth(s.handleJSONRPC))

	s.mux.HandleFunc("GET /mcp/v1/admin/endpoints", s.withAdmin(s.handleListEndpoints))
	s.mux.HandleFunc("POST /mcp/v1/admin/endpoints", s.withAdmin(s.handleCreateEndpoint))
	s.mux.HandleFunc("GET /mcp/v1/admin/endpoints/{id}", s.withAdmin(s.handleGetEndpoint))
	s.mux.HandleFunc("DELETE /mcp/v1/admin/endpoints/{id}", s.withAdmin(s.handleRevokeEndpoint))
	s.mux.HandleFunc("GET /mcp/v1/admin/audit", s.withAdmin(s.handleAuditQuery))
}

// withLogging-equivalent auth wrapper: resolves the endpoint by path and
// checks the bearer secret with bcrypt, in constant time with respect to
// the candidate (spec §4.5 auth).
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, *Endpoint)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpointID := r.PathValue("endpoint_id")
		endpoint, found, err := s.endpoints.Get(r.Context(), endpointID)
		if err != nil {
			s.logger.Error("lookup endpoint", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		token := bearerToken(r)
		// A nonexistent, revoked or wrong-secret endpoint all get the same
		// 401 body. The bcrypt comparison in CheckSecret runs only for an
		// existing, non-revoked endpoint, so response latency can differ
		// between those cases.
		var candidate Endpoint
		if found {
			candidate = *endpoint
		}
		if !found || candidate.Revoked || !candidate.CheckSecret(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, endpoint)
	}
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !constantTimeEqual(bearerToken(r), s.adminToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// notifyRequest/questionRequest/confirmationRequest are the agent-facing
// request bodies (spec §4.5).
type notifyRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type questionRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type confirmationRequestBody struct {
	ChatID        string `json:"chat_id"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TimeoutSec    int    `json:"timeout_sec,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = ep.ChatID
	}
	env, err := bus.NewEnvelope(bus.KindOutgoingReply, "", "", 0, time.Now, bus.OutgoingReply{
		ChatID: chatID, Channel: ep.Channel, Text: req.Message, Done: true,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.bus.Publish(r.Context(), bus.TopicOutgoingReply, env); err != nil {
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	s.recordAudit(r.Context(), ep.ID, "notify", map[string]any{"chat_id": chatID}, "ok")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = ep.ChatID
	}
	env, err := bus.NewEnvelope(bus.KindIncomingMessage, "", "", 0, time.Now, bus.IncomingMessage{
		MessageID: uuid.NewString(), UserID: ep.ID, ChatID: chatID, Channel: "mcp:" + ep.ID, Text: req.Message,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.bus.Publish(r.Context(), bus.TopicIncoming, env); err != nil {
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	s.recordAudit(r.Context(), ep.ID, "question", map[string]any{"chat_id": chatID}, "ok")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	var req confirmationRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = ep.ChatID
	}

	rec, err := s.confirmations.Create(r.Context(), ep.ID, correlationID, chatID, req.Message, timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	env, err := bus.NewEnvelope(bus.KindConfirmationRequest, "", "", 0, time.Now, bus.ConfirmationRequest{
		EndpointID: ep.ID, CorrelationID: correlationID, ChatID: chatID, Message: req.Message, DeadlineTS: rec.DeadlineAt,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.bus.Publish(r.Context(), bus.McpEventsTopic(ep.ID), env); err != nil {
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	s.recordAudit(r.Context(), ep.ID, "confirmation_requested", map[string]any{"correlation_id": correlationID}, "ok")
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": correlationID, "status": OutcomePending})
}

// handleReplies drains the tenant's free-form feedback queue atomically
// (spec §4.5): every `/dev `-prefixed message queued for this endpoint
// since the last drain, returned in one non-blocking call.
func (s *Server) handleReplies(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	items, err := s.feedback.Drain(r.Context(), ep.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []bus.FeedbackMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items})
}

// handleEvents is the SSE face. It mirrors internal/api/server.go's
// handleStreamingCompletion: text/event-stream headers, a Flusher check,
// an http.ResponseController write-deadline reset after every event,
// and a ": keepalive\n\n" comment line sent on an idle timer so
// intermediary proxies don't close the connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(120 * time.Second))

	sub, err := s.bus.Subscribe(r.Context(), bus.McpEventsTopic(ep.ID))
	if err != nil {
		return
	}
	defer sub.Close()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	recvCh := make(chan bus.Envelope)
	errCh := make(chan error, 1)
	go func() {
		for {
			env, err := sub.Recv(r.Context())
			if err != nil {
				errCh <- err
				return
			}
			recvCh <- env
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-errCh:
			return
		case <-keepalive.C:
			_ = rc.SetWriteDeadline(time.Now().Add(120 * time.Second))
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case env := <-recvCh:
			_ = rc.SetWriteDeadline(time.Now().Add(120 * time.Second))
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Kind, env.Payload)
			flusher.Flush()
		}
	}
}

// rpcRequest/rpcResponse implement the JSON-RPC 2.0 envelope for the
// tools/list and tools/call method vocabulary carried over from the
// reference's internal/mcp client package.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request, ep *Endpoint) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}

	switch req.Method {
	case "tools/list":
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": []any{}}})
	case "tools/call":
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "tools/call is routed through /question, not invoked directly by an agent endpoint"}})
	default:
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
	}
}

// --- Administrative CRUD, shaped like internal/api/server.go's checkpoint
// handlers: r.PathValue("id"), 201 on create, 204 on delete. ---

type createEndpointRequest struct {
	DisplayName string `json:"display_name"`
	ChatID      string `json:"chat_id"`
	Channel     string `json:"channel"`
}

type createEndpointResponse struct {
	Endpoint *Endpoint `json:"endpoint"`
	Secret   string    `json:"secret"`
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	plaintext, hash, err := GenerateSecret()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	id := uuid.NewString()
	ep, err := s.endpoints.Create(r.Context(), id, req.DisplayName, req.ChatID, req.Channel, hash)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, createEndpointResponse{Endpoint: ep, Secret: plaintext})
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.endpoints.List(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ep, found, err := s.endpoints.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleRevokeEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.endpoints.Revoke(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actor := q.Get("actor")
	limit := 100
	if v := q.Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	entries, err := s.audit.Query(r.Context(), actor, since, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) recordAudit(ctx context.Context, actor, action string, args map[string]any, outcome string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, actor, action, args, outcome, 0); err != nil {
		s.logger.Warn("audit record failed", "error", err)
	}
}
