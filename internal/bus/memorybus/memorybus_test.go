package memorybus

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

func envelope(t *testing.T, kind, taskID string, seq uint64, payload any) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(kind, taskID, "telegram", seq, time.Now, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New(nil)
	sub, err := b.Subscribe(context.Background(), bus.TopicIncoming)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	want := envelope(t, bus.KindIncomingMessage, "task-1", 1, bus.IncomingMessage{Text: "hi"})
	if err := b.Publish(context.Background(), bus.TopicIncoming, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.TaskID != want.TaskID || got.Kind != want.Kind {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSubscribeNoReplay(t *testing.T) {
	b := New(nil)
	env := envelope(t, bus.KindIncomingMessage, "task-1", 1, bus.IncomingMessage{Text: "before"})
	if err := b.Publish(context.Background(), bus.TopicIncoming, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub, err := b.Subscribe(context.Background(), bus.TopicIncoming)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sub.Recv(ctx); err == nil {
		t.Fatal("expected no replay of pre-subscribe envelope, got one")
	}
}

func TestMultipleSubscribersFanOut(t *testing.T) {
	b := New(nil)
	const n = 3
	subs := make([]bus.Subscription, n)
	for i := range subs {
		sub, err := b.Subscribe(context.Background(), bus.TopicStreamToken)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		subs[i] = sub
		defer sub.Close()
	}

	env := envelope(t, bus.KindStreamToken, "task-1", 1, bus.StreamToken{Token: "he"})
	if err := b.Publish(context.Background(), bus.TopicStreamToken, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i, sub := range subs {
		got, err := sub.Recv(context.Background())
		if err != nil {
			t.Fatalf("subscriber %d Recv: %v", i, err)
		}
		if got.TaskID != "task-1" {
			t.Errorf("subscriber %d: got task %q", i, got.TaskID)
		}
	}
}

func TestKVCompareAndSet(t *testing.T) {
	b := New(nil)
	kv := b.KV("task")

	ok, err := kv.CompareAndSet(context.Background(), "task:1", nil, []byte("worker-a"))
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	ok, err = kv.CompareAndSet(context.Background(), "task:1", nil, []byte("worker-b"))
	if err != nil || ok {
		t.Fatalf("second claim should fail: ok=%v err=%v", ok, err)
	}

	ok, err = kv.CompareAndSet(context.Background(), "task:1", []byte("worker-a"), []byte("worker-b"))
	if err != nil || !ok {
		t.Fatalf("replace with matching old value: ok=%v err=%v", ok, err)
	}

	v, found, err := kv.Get(context.Background(), "task:1")
	if err != nil || !found || string(v) != "worker-b" {
		t.Fatalf("Get after CAS: v=%q found=%v err=%v", v, found, err)
	}
}

func TestKVListPrefix(t *testing.T) {
	b := New(nil)
	kv := b.KV("ns")
	ctx := context.Background()
	_ = kv.Set(ctx, "task:1", []byte("a"))
	_ = kv.Set(ctx, "task:2", []byte("b"))
	_ = kv.Set(ctx, "user:1", []byte("c"))

	keys, err := kv.List(ctx, "task:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
}
