package mcpgateway

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/thane-ai-agent/internal/auditlog"
	"github.com/nugget/thane-ai-agent/internal/bus/memorybus"
)

func newTestServer(t *testing.T) (*Server, *EndpointRegistry) {
	t.Helper()
	b := memorybus.New(nil)
	endpoints := NewEndpointRegistry(b.KV("mcp"))
	confirmations := NewConfirmationStore(b.KV("mcp"), b)
	feedback := NewFeedbackQueue(b.KV("mcp"))

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	audit, err := auditlog.Open(db, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}

	s := NewServer(b, endpoints, confirmations, feedback, audit, "admin-secret", nil)
	return s, endpoints
}

func createTestEndpoint(t *testing.T, s *Server, endpoints *EndpointRegistry) (id, secret string) {
	t.Helper()
	plaintext, hash, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	ep, err := endpoints.Create(context.Background(), "ep-1", "Test Endpoint", "chat-1", "mcp:ep-1", hash)
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	return ep.ID, plaintext
}

func TestNotifyRequiresAuth(t *testing.T) {
	s, endpoints := newTestServer(t)
	createTestEndpoint(t, s, endpoints)

	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mcp/v1/agent/ep-1/notify", "application/json", strings.NewReader(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", resp.StatusCode)
	}
}

func TestNotifyWithValidSecretPublishes(t *testing.T) {
	s, endpoints := newTestServer(t)
	_, secret := createTestEndpoint(t, s, endpoints)

	srv := httptest.NewServer(s)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/mcp/v1/agent/ep-1/notify", strings.NewReader(`{"message":"hello"}`))
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", resp.StatusCode)
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	s, endpoints := newTestServer(t)
	_, secret := createTestEndpoint(t, s, endpoints)

	srv := httptest.NewServer(s)
	defer srv.Close()

	body := `{"chat_id":"chat-1","message":"proceed?","correlation_id":"corr-1","timeout_sec":5}`
	req, _ := http.NewRequest("POST", srv.URL+"/mcp/v1/agent/ep-1/confirmation", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d, want 202", resp.StatusCode)
	}

	ok, err := s.confirmations.Resolve(context.Background(), "ep-1", "corr-1", OutcomeConfirmed, "yes")
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}

	rec, found, err := s.confirmations.Get(context.Background(), "ep-1", "corr-1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.Outcome != OutcomeConfirmed {
		t.Fatalf("got outcome %q, want confirmed", rec.Outcome)
	}
}

// TestConfirmationCallbackResolution exercises the confirm:/reject: inline
// control path (spec §4.5 step 2) end to end through ConfirmationStore,
// without going through the incoming-message bus wiring that lives in
// cmd/assistantd.
func TestConfirmationCallbackResolution(t *testing.T) {
	s, endpoints := newTestServer(t)
	createTestEndpoint(t, s, endpoints)

	_, err := s.confirmations.Create(context.Background(), "ep-1", "corr-2", "chat-1", "proceed?", time.Minute)
	if err != nil {
		t.Fatalf("create confirmation: %v", err)
	}

	handled, err := s.confirmations.HandleText(context.Background(), "chat-1", "confirm:corr-2")
	if err != nil || !handled {
		t.Fatalf("handle text: handled=%v err=%v", handled, err)
	}

	rec, found, err := s.confirmations.Get(context.Background(), "ep-1", "corr-2")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.Outcome != OutcomeConfirmed {
		t.Fatalf("got outcome %q, want confirmed", rec.Outcome)
	}
}

// TestConfirmationGraceWindowReply exercises the plain-text grace-window
// resolution rule: a non-confirm/reject message from the same chat within
// the grace window resolves the outstanding confirmation as replied.
func TestConfirmationGraceWindowReply(t *testing.T) {
	s, endpoints := newTestServer(t)
	createTestEndpoint(t, s, endpoints)

	_, err := s.confirmations.Create(context.Background(), "ep-1", "corr-3", "chat-1", "which option?", time.Minute)
	if err != nil {
		t.Fatalf("create confirmation: %v", err)
	}

	handled, err := s.confirmations.HandleText(context.Background(), "chat-1", "option B")
	if err != nil || !handled {
		t.Fatalf("handle text: handled=%v err=%v", handled, err)
	}

	rec, found, err := s.confirmations.Get(context.Background(), "ep-1", "corr-3")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.Outcome != OutcomeReplied || rec.Reply != "option B" {
		t.Fatalf("got outcome %q reply %q, want replied/option B", rec.Outcome, rec.Reply)
	}
}

// TestRepliesDrainsFeedbackQueue exercises the /replies non-blocking
// atomic drain over the feedback queue (spec §4.5/§6.4).
func TestRepliesDrainsFeedbackQueue(t *testing.T) {
	s, endpoints := newTestServer(t)
	_, secret := createTestEndpoint(t, s, endpoints)

	if err := s.feedback.Enqueue(context.Background(), "ep-1", "chat-1", "status update"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	srv := httptest.NewServer(s)
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/mcp/v1/agent/ep-1/replies", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var body struct {
		Messages []struct {
			Text string `json:"text"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Text != "status update" {
		t.Fatalf("got messages %+v, want one \"status update\"", body.Messages)
	}

	items, err := s.feedback.Drain(context.Background(), "ep-1")
	if err != nil || len(items) != 0 {
		t.Fatalf("expected queue empty after drain, got %+v err=%v", items, err)
	}
}

func TestAdminCreateAndRevokeEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/mcp/v1/admin/endpoints", strings.NewReader(`{"display_name":"New","chat_id":"chat-9"}`))
	req.Header.Set("Authorization", "Bearer admin-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("got status %d, want 201", resp.StatusCode)
	}
	var created createEndpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Secret == "" || created.Endpoint.ID == "" {
		t.Fatal("expected a generated secret and id")
	}

	delReq, _ := http.NewRequest("DELETE", srv.URL+"/mcp/v1/admin/endpoints/"+created.Endpoint.ID, nil)
	delReq.Header.Set("Authorization", "Bearer admin-secret")
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("got status %d, want 204", delResp.StatusCode)
	}
}

func TestAdminRequiresAdminToken(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mcp/v1/admin/endpoints")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", resp.StatusCode)
	}
}

// TestEventsStreamDeliversConfirmationRequest exercises the SSE face end
// to end: a confirmation call publishes to the per-endpoint topic and the
// event shows up framed as "event: ConfirmationRequest\ndata: ...\n\n" on
// the open stream.
func TestEventsStreamDeliversConfirmationRequest(t *testing.T) {
	s, endpoints := newTestServer(t)
	_, secret := createTestEndpoint(t, s, endpoints)

	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/mcp/v1/agent/ep-1/events", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.Contains(line, "connected") {
		t.Fatalf("expected connected comment, got %q err=%v", line, err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		body := `{"chat_id":"chat-1","message":"proceed?","correlation_id":"corr-sse"}`
		confirmReq, _ := http.NewRequest("POST", srv.URL+"/mcp/v1/agent/ep-1/confirmation", strings.NewReader(body))
		confirmReq.Header.Set("Authorization", "Bearer "+secret)
		resp, err := http.DefaultClient.Do(confirmReq)
		if err == nil {
			resp.Body.Close()
		}
	}()

	var buf bytes.Buffer
	for {
		l, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v (buffered so far: %q)", err, buf.String())
		}
		buf.WriteString(l)
		if strings.Contains(buf.String(), "event: ConfirmationRequest") && strings.Contains(l, "data:") {
			break
		}
	}
}
