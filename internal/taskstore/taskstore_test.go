package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/thane-ai-agent/internal/bus/memorybus"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	b := memorybus.New(nil)
	return New(b.KV("task"), 0)
}

func TestCreateAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	task, err := Create(ctx, s, "user-1", "telegram", "chat-1", "msg-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("got status %q, want pending", task.Status)
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("got user %q, want user-1", got.UserID)
	}
}

func TestClaimSingleOwner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task, err := Create(ctx, s, "user-1", "telegram", "chat-1", "msg-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	okA, err := s.Claim(ctx, task.ID, "worker-a", time.Minute)
	if err != nil || !okA {
		t.Fatalf("claim A: ok=%v err=%v", okA, err)
	}

	okB, err := s.Claim(ctx, task.ID, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("claim B: err=%v", err)
	}
	if okB {
		t.Fatal("claim B should fail while A's lease is live")
	}
}

func TestClaimReclaimAfterExpiry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task, err := Create(ctx, s, "user-1", "telegram", "chat-1", "msg-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	fixed := time.Now()
	s.nowFn = func() time.Time { return fixed }

	if ok, err := s.Claim(ctx, task.ID, "worker-a", time.Second); err != nil || !ok {
		t.Fatalf("claim A: ok=%v err=%v", ok, err)
	}

	s.nowFn = func() time.Time { return fixed.Add(2 * time.Second) }
	ok, err := s.Claim(ctx, task.ID, "worker-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim B after expiry: ok=%v err=%v", ok, err)
	}
}

func TestTransitionConditional(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task, err := Create(ctx, s, "user-1", "telegram", "chat-1", "msg-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := s.Transition(ctx, task.ID, StatusPending, StatusRunning, nil)
	if err != nil || !ok {
		t.Fatalf("transition pending->running: ok=%v err=%v", ok, err)
	}

	ok, err = s.Transition(ctx, task.ID, StatusPending, StatusFailed, nil)
	if err != nil {
		t.Fatalf("transition from stale status: err=%v", err)
	}
	if ok {
		t.Fatal("transition from stale from_status should fail")
	}
}

func TestAppendMessageWindowTruncation(t *testing.T) {
	s := newStore(t)
	s.windowSize = 3
	ctx := context.Background()
	task, err := Create(ctx, s, "user-1", "telegram", "chat-1", "msg-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(ctx, task.ID, "user", "msg"); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Window) != 3 {
		t.Fatalf("got window len %d, want 3", len(got.Window))
	}
}

func TestIncrementIterationNeverDecreases(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	task, err := Create(ctx, s, "user-1", "telegram", "chat-1", "msg-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	last := 0
	for i := 0; i < 3; i++ {
		n, err := s.IncrementIteration(ctx, task.ID)
		if err != nil {
			t.Fatalf("IncrementIteration: %v", err)
		}
		if n <= last {
			t.Fatalf("iteration did not increase: got %d after %d", n, last)
		}
		last = n
	}
}
