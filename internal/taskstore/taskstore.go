// Package taskstore implements the durable per-task record on top of the
// Bus KV namespace: creation, claim-based single ownership, conditional
// status transitions, and a bounded short-term message window.
//
// The CAS-based Claim/Transition pair and the UUIDv7-id, JSON-then-gzip
// persistence shape are grounded on the checkpoint store's
// migrate/Create/Get pattern, adapted from immutable snapshot records to a
// live mutable record with an owner column.
package taskstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// Status is the task lifecycle state (spec §3.1, §4.3).
type Status string

const (
	StatusPending              Status = "pending"
	StatusRunning              Status = "running"
	StatusAwaitingTool         Status = "awaiting_tool"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

// TerminalTTL is how long a task in a terminal status survives before it
// becomes eligible for deletion.
const TerminalTTL = 2 * time.Hour

// DefaultWindowSize is the default number of short-term window entries
// kept per task (spec §6.3 memory.short_term_window).
const DefaultWindowSize = 20

// schemaVersion guards against reading a record written by an incompatible
// future version; a mismatch is treated as unreadable (spec §4.2).
const schemaVersion = 1

// Message is one role-tagged fragment of the short-term conversation window.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Task is the durable per-task record.
type Task struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Channel       string    `json:"channel"`
	ChatID        string    `json:"chat_id"`
	OriginMsgID   string    `json:"origin_message_id"`
	Status        Status    `json:"status"`
	Iteration     int       `json:"iteration"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Window        []Message `json:"window"`

	ClaimedBy  string    `json:"claimed_by,omitempty"`
	ClaimUntil time.Time `json:"claim_until,omitempty"`
}

var (
	// ErrExists is returned by Create when the id already has a record.
	ErrExists = fmt.Errorf("taskstore: task already exists")
	// ErrNotFound is returned when a task record doesn't exist or is unreadable.
	ErrNotFound = fmt.Errorf("taskstore: task not found")
	// ErrClaimHeld is returned by RenewClaim when another worker holds a
	// live lease; Claim reports that case as ok=false with a nil error.
	ErrClaimHeld = fmt.Errorf("taskstore: claim held by another worker")
	// ErrTransitionConflict is returned by AppendMessage and
	// IncrementIteration when a concurrent write wins the CAS; Transition
	// reports a from_status mismatch as ok=false with a nil error.
	ErrTransitionConflict = fmt.Errorf("taskstore: status transition conflict")
)

// Store is the durable per-task record API (spec §4.2).
type Store struct {
	kv          bus.KV
	windowSize  int
	nowFn       func() time.Time
}

const namespace = "task"

// New returns a Store backed by the given KV. windowSize <= 0 uses
// DefaultWindowSize.
func New(kv bus.KV, windowSize int) *Store {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Store{kv: kv, windowSize: windowSize, nowFn: time.Now}
}

func taskKey(id string) string { return "task:" + id }
func userIndexKey(userID, taskID string) string {
	return "index:user:" + userID + ":" + taskID
}

// Create inserts a new task record, rejecting if id already exists.
func Create(ctx context.Context, s *Store, userID, channel, chatID, originMsgID string) (*Task, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	now := s.nowFn().UTC()
	t := &Task{
		SchemaVersion: schemaVersion,
		ID:            id.String(),
		UserID:        userID,
		Channel:       channel,
		ChatID:        chatID,
		OriginMsgID:   originMsgID,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	encoded, err := encode(t)
	if err != nil {
		return nil, err
	}
	ok, err := s.kv.CompareAndSet(ctx, taskKey(t.ID), nil, encoded)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	if !ok {
		return nil, ErrExists
	}
	if err := s.kv.Set(ctx, userIndexKey(userID, t.ID), []byte(t.ID)); err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	return t, nil
}

// Get returns the task, or ErrNotFound if absent or unreadable.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	raw, found, err := s.kv.Get(ctx, taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	t, err := decode(raw)
	if err != nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// Delete removes the task record.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Del(ctx, taskKey(id))
}

// ByUser lists task ids for a user via the secondary index.
func (s *Store) ByUser(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.kv.List(ctx, "index:user:"+userID+":")
	if err != nil {
		return nil, fmt.Errorf("by_user: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		raw, found, err := s.kv.Get(ctx, k)
		if err != nil || !found {
			continue
		}
		ids = append(ids, string(raw))
	}
	return ids, nil
}

// Claim atomically sets claimed_by=workerID with the given TTL, the
// "SETNX-style compare-and-set" invariant 1 requires. It succeeds if the
// task is unclaimed or the previous claim has expired.
func (s *Store) Claim(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	now := s.nowFn().UTC()
	if t.ClaimedBy != "" && t.ClaimedBy != workerID && now.Before(t.ClaimUntil) {
		return false, nil
	}

	before, err := encode(t)
	if err != nil {
		return false, err
	}
	t.ClaimedBy = workerID
	t.ClaimUntil = now.Add(ttl)
	t.UpdatedAt = now
	after, err := encode(t)
	if err != nil {
		return false, err
	}

	ok, err := s.kv.CompareAndSet(ctx, taskKey(id), before, after)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	return ok, nil
}

// RenewClaim extends an already-held claim. It fails if the claim was lost
// (expired and taken by another worker) since the last renewal.
func (s *Store) RenewClaim(ctx context.Context, id, workerID string, ttl time.Duration) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.ClaimedBy != workerID {
		return ErrClaimHeld
	}
	before, err := encode(t)
	if err != nil {
		return err
	}
	t.ClaimUntil = s.nowFn().UTC().Add(ttl)
	after, err := encode(t)
	if err != nil {
		return err
	}
	ok, err := s.kv.CompareAndSet(ctx, taskKey(id), before, after)
	if err != nil {
		return fmt.Errorf("renew: %w", err)
	}
	if !ok {
		return ErrClaimHeld
	}
	return nil
}

// Transition conditionally moves the task from fromStatus to toStatus,
// applying patch to the in-memory record before the write. Returns false
// if the current status differs from fromStatus.
func (s *Store) Transition(ctx context.Context, id string, fromStatus, toStatus Status, patch func(*Task)) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != fromStatus {
		return false, nil
	}
	before, err := encode(t)
	if err != nil {
		return false, err
	}
	t.Status = toStatus
	t.UpdatedAt = s.nowFn().UTC()
	if patch != nil {
		patch(t)
	}
	after, err := encode(t)
	if err != nil {
		return false, err
	}
	ok, err := s.kv.CompareAndSet(ctx, taskKey(id), before, after)
	if err != nil {
		return false, fmt.Errorf("transition: %w", err)
	}
	return ok, nil
}

// AppendMessage appends a role-tagged message to the window, truncating to
// the configured window size (spec §4.2).
func (s *Store) AppendMessage(ctx context.Context, id, role, text string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	before, err := encode(t)
	if err != nil {
		return err
	}
	t.Window = append(t.Window, Message{Role: role, Text: text, At: s.nowFn().UTC()})
	if len(t.Window) > s.windowSize {
		t.Window = t.Window[len(t.Window)-s.windowSize:]
	}
	t.UpdatedAt = s.nowFn().UTC()
	after, err := encode(t)
	if err != nil {
		return err
	}
	ok, err := s.kv.CompareAndSet(ctx, taskKey(id), before, after)
	if err != nil {
		return fmt.Errorf("append_message: %w", err)
	}
	if !ok {
		return fmt.Errorf("append_message: %w", ErrTransitionConflict)
	}
	return nil
}

// IncrementIteration bumps the iteration counter by one, returning the new
// value. The counter never decreases (invariant 2); callers enforce
// max_iterations by comparing the returned value.
func (s *Store) IncrementIteration(ctx context.Context, id string) (int, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	before, err := encode(t)
	if err != nil {
		return 0, err
	}
	t.Iteration++
	t.UpdatedAt = s.nowFn().UTC()
	after, err := encode(t)
	if err != nil {
		return 0, err
	}
	ok, err := s.kv.CompareAndSet(ctx, taskKey(id), before, after)
	if err != nil {
		return 0, fmt.Errorf("increment_iteration: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("increment_iteration: %w", ErrTransitionConflict)
	}
	return t.Iteration, nil
}

// IsExpired reports whether a terminal task has outlived TerminalTTL,
// relative to now.
func (t *Task) IsExpired(now time.Time) bool {
	if t.Status != StatusCompleted && t.Status != StatusFailed {
		return false
	}
	return now.Sub(t.UpdatedAt) > TerminalTTL
}

func encode(t *Task) ([]byte, error) {
	js, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(js); err != nil {
		return nil, fmt.Errorf("compress task: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (*Task, error) {
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()
	js, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(js, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if t.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("task schema version %d unreadable (want %d)", t.SchemaVersion, schemaVersion)
	}
	return &t, nil
}
