package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/thane-ai-agent/internal/bus/memorybus"
)

func TestAcquireDrainsAndRefills(t *testing.T) {
	b := memorybus.New(nil)
	l := New(b.KV("rl"), Config{Capacity: 2, RefillPerSec: 1})

	fixed := time.Now()
	l.nowFn = func() time.Time { return fixed }

	ok, _, err := l.Acquire(context.Background(), "user-1", 1)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, _, err = l.Acquire(context.Background(), "user-1", 1)
	if err != nil || !ok {
		t.Fatalf("second acquire: ok=%v err=%v", ok, err)
	}

	ok, retryAfter, err := l.Acquire(context.Background(), "user-1", 1)
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if ok {
		t.Fatal("expected drained bucket to reject immediate next request")
	}
	if retryAfter <= 0 {
		t.Fatal("expected positive retry-after duration")
	}

	l.nowFn = func() time.Time { return fixed.Add(1100 * time.Millisecond) }
	ok, _, err = l.Acquire(context.Background(), "user-1", 1)
	if err != nil || !ok {
		t.Fatalf("acquire after refill: ok=%v err=%v", ok, err)
	}
}

func TestAcquireIndependentPerUser(t *testing.T) {
	b := memorybus.New(nil)
	l := New(b.KV("rl"), Config{Capacity: 1, RefillPerSec: 1})

	ok1, _, _ := l.Acquire(context.Background(), "user-1", 1)
	ok2, _, _ := l.Acquire(context.Background(), "user-2", 1)
	if !ok1 || !ok2 {
		t.Fatalf("expected independent buckets, got ok1=%v ok2=%v", ok1, ok2)
	}
}
