package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// Confirmation outcome values. Pending is the only non-terminal state;
// spec §8 invariant: "exactly one of {confirmed, rejected, replied,
// timeout} is ever observed as a resolution; once set, no further
// transition occurs."
const (
	OutcomePending   = "pending"
	OutcomeConfirmed = "confirmed"
	OutcomeRejected  = "rejected"
	OutcomeReplied   = "replied"
	OutcomeTimeout   = "timeout"
)

// confirmReplyGraceWindow bounds how long after a confirmation is created
// a plain-text reply from the same chat is still routed to it (spec §4.5
// step 2: "a hidden intent so the next plain text reply from the same
// user for a short grace window is routed to r.reply").
const confirmReplyGraceWindow = 2 * time.Minute

// ConfirmationRecord correlates one outstanding confirmation request with
// its eventual resolution (spec §3.1 ConfirmationRecord).
type ConfirmationRecord struct {
	EndpointID    string    `json:"endpoint_id"`
	CorrelationID string    `json:"correlation_id"`
	ChatID        string    `json:"chat_id"`
	Message       string    `json:"message"`
	Outcome       string    `json:"outcome"`
	Reply         string    `json:"reply,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	DeadlineAt    time.Time `json:"deadline_at"`
}

func confirmationKey(endpointID, correlationID string) string {
	return "mcp:confirm:" + endpointID + ":" + correlationID
}

// ConfirmationStore persists ConfirmationRecords in the Bus KV and runs the
// deadline sweeper: one loop, ticking every second, that resolves each
// pending record past its deadline to the "timeout" outcome. The CAS
// resolution discipline mirrors
// Task Store's Claim/Transition pattern.
type ConfirmationStore struct {
	kv    bus.KV
	bus   bus.Bus
	nowFn func() time.Time

	mu           sync.Mutex
	waiters      map[string][]chan ConfirmationRecord
	byCorrelation map[string]string // correlation_id -> endpoint_id
	byChat       map[string]pendingReply
}

// pendingReply tracks the one outstanding confirmation a chat's next
// plain-text message may resolve via the grace-window rule.
type pendingReply struct {
	endpointID    string
	correlationID string
	expiresAt     time.Time
}

// NewConfirmationStore wraps kv for persistence and b for publishing
// ConfirmationResult envelopes once a record resolves.
func NewConfirmationStore(kv bus.KV, b bus.Bus) *ConfirmationStore {
	return &ConfirmationStore{
		kv: kv, bus: b, nowFn: time.Now,
		waiters:       make(map[string][]chan ConfirmationRecord),
		byCorrelation: make(map[string]string),
		byChat:        make(map[string]pendingReply),
	}
}

// Create starts a new outstanding confirmation with the given deadline.
func (s *ConfirmationStore) Create(ctx context.Context, endpointID, correlationID, chatID, message string, deadline time.Duration) (*ConfirmationRecord, error) {
	now := s.nowFn()
	rec := &ConfirmationRecord{
		EndpointID: endpointID, CorrelationID: correlationID, ChatID: chatID,
		Message: message, Outcome: OutcomePending,
		CreatedAt: now, DeadlineAt: now.Add(deadline),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal confirmation: %w", err)
	}
	ok, err := s.kv.CompareAndSet(ctx, confirmationKey(endpointID, correlationID), nil, raw)
	if err != nil {
		return nil, fmt.Errorf("create confirmation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("confirmation %s/%s already exists", endpointID, correlationID)
	}

	s.mu.Lock()
	s.byCorrelation[correlationID] = endpointID
	s.byChat[chatID] = pendingReply{endpointID: endpointID, correlationID: correlationID, expiresAt: now.Add(confirmReplyGraceWindow)}
	s.mu.Unlock()

	return rec, nil
}

// Get looks up a confirmation record.
func (s *ConfirmationStore) Get(ctx context.Context, endpointID, correlationID string) (*ConfirmationRecord, bool, error) {
	raw, found, err := s.kv.Get(ctx, confirmationKey(endpointID, correlationID))
	if err != nil || !found {
		return nil, false, err
	}
	var rec ConfirmationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal confirmation: %w", err)
	}
	return &rec, true, nil
}

// Resolve CAS-transitions a pending record to a terminal outcome exactly
// once; a second resolution attempt (e.g. a racing sweeper tick) loses the
// CAS and returns ok=false without error, so a confirmation ends in
// exactly one of confirmed/rejected/replied/timeout, ever.
func (s *ConfirmationStore) Resolve(ctx context.Context, endpointID, correlationID, outcome, reply string) (ok bool, err error) {
	key := confirmationKey(endpointID, correlationID)
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get confirmation: %w", err)
	}
	if !found {
		return false, fmt.Errorf("confirmation %s/%s not found", endpointID, correlationID)
	}
	var rec ConfirmationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("unmarshal confirmation: %w", err)
	}
	if rec.Outcome != OutcomePending {
		return false, nil
	}
	rec.Outcome = outcome
	rec.Reply = reply
	newRaw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal confirmation: %w", err)
	}
	swapped, err := s.kv.CompareAndSet(ctx, key, raw, newRaw)
	if err != nil {
		return false, fmt.Errorf("resolve confirmation: %w", err)
	}
	if !swapped {
		return false, nil
	}

	s.notifyWaiters(rec)
	s.clearPending(endpointID, correlationID, rec.ChatID)

	if s.bus != nil {
		env, err := bus.NewEnvelope(bus.KindConfirmationResult, "", "", 0, time.Now, bus.ConfirmationResult{
			EndpointID: endpointID, CorrelationID: correlationID, Outcome: outcome, Reply: reply,
		})
		if err == nil {
			_ = s.bus.Publish(ctx, bus.McpEventsTopic(endpointID), env)
		}
	}
	return true, nil
}

// Await blocks until the confirmation resolves or ctx is done, returning
// the terminal record. If it is already resolved, it returns immediately.
func (s *ConfirmationStore) Await(ctx context.Context, endpointID, correlationID string) (*ConfirmationRecord, error) {
	rec, found, err := s.Get(ctx, endpointID, correlationID)
	if err != nil {
		return nil, err
	}
	if found && rec.Outcome != OutcomePending {
		return rec, nil
	}

	key := confirmationKey(endpointID, correlationID)
	ch := make(chan ConfirmationRecord, 1)
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	select {
	case resolved := <-ch:
		return &resolved, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ConfirmationStore) clearPending(endpointID, correlationID, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byCorrelation, correlationID)
	if p, ok := s.byChat[chatID]; ok && p.correlationID == correlationID {
		delete(s.byChat, chatID)
	}
}

// ResolveCallback resolves the confirmation identified by correlationID in
// response to an inline confirm/reject control (spec §4.5 step 2: callback
// payloads `confirm:r.id` and `reject:r.id`). ok is false if no such
// confirmation is outstanding (already resolved or unknown).
func (s *ConfirmationStore) ResolveCallback(ctx context.Context, correlationID string, confirmed bool) (ok bool, err error) {
	s.mu.Lock()
	endpointID, found := s.byCorrelation[correlationID]
	s.mu.Unlock()
	if !found {
		return false, nil
	}
	outcome := OutcomeRejected
	if confirmed {
		outcome = OutcomeConfirmed
	}
	return s.Resolve(ctx, endpointID, correlationID, outcome, "")
}

// HandleText applies spec §4.5's callback/grace-window resolution rule to
// one inbound chat message: a "confirm:<id>" or "reject:<id>" payload
// resolves that confirmation directly; otherwise, if this chat has an
// outstanding confirmation still within its grace window, the message text
// resolves it with outcome `replied`. Returns handled=true if the message
// was consumed by confirmation resolution and should not reach the
// orchestrator as an ordinary incoming message.
func (s *ConfirmationStore) HandleText(ctx context.Context, chatID, text string) (handled bool, err error) {
	if id, ok := strings.CutPrefix(text, "confirm:"); ok {
		ok, err := s.ResolveCallback(ctx, id, true)
		return ok, err
	}
	if id, ok := strings.CutPrefix(text, "reject:"); ok {
		ok, err := s.ResolveCallback(ctx, id, false)
		return ok, err
	}

	s.mu.Lock()
	pending, found := s.byChat[chatID]
	if found {
		delete(s.byChat, chatID)
	}
	s.mu.Unlock()
	if !found || s.nowFn().After(pending.expiresAt) {
		return false, nil
	}
	ok, err = s.Resolve(ctx, pending.endpointID, pending.correlationID, OutcomeReplied, text)
	return ok, err
}

func (s *ConfirmationStore) notifyWaiters(rec ConfirmationRecord) {
	key := confirmationKey(rec.EndpointID, rec.CorrelationID)
	s.mu.Lock()
	chans := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- rec
	}
}

// SweepExpired resolves every pending confirmation whose deadline has
// passed to timeout. It is meant to be called on a 1s ticker by the
// gateway's single sweeper goroutine (spec §4.5).
func (s *ConfirmationStore) SweepExpired(ctx context.Context) error {
	keys, err := s.kv.List(ctx, "mcp:confirm:")
	if err != nil {
		return fmt.Errorf("list confirmations: %w", err)
	}
	now := s.nowFn()
	for _, key := range keys {
		raw, found, err := s.kv.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var rec ConfirmationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Outcome != OutcomePending || now.Before(rec.DeadlineAt) {
			continue
		}
		_, _ = s.Resolve(ctx, rec.EndpointID, rec.CorrelationID, OutcomeTimeout, "")
	}
	return nil
}

// RunSweeper blocks, ticking SweepExpired every second until ctx is done.
func (s *ConfirmationStore) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.SweepExpired(ctx)
		}
	}
}
