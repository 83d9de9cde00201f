package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/thane-ai-agent/internal/bus"
	"github.com/nugget/thane-ai-agent/internal/bus/memorybus"
	"github.com/nugget/thane-ai-agent/internal/skills"
	"github.com/nugget/thane-ai-agent/internal/taskstore"
)

type scriptedAgent struct {
	responses []AgentResponse
	i         int
}

func (a *scriptedAgent) Generate(ctx context.Context, tc TaskContext, stream StreamFunc) (AgentResponse, error) {
	r := a.responses[a.i]
	if a.i < len(a.responses)-1 {
		a.i++
	}
	return r, nil
}

type fakeTools struct {
	result skills.Result
}

func (f *fakeTools) Invoke(ctx context.Context, actor, name string, params map[string]any) skills.Result {
	return f.result
}

func drainReply(t *testing.T, b bus.Bus, timeout time.Duration) bus.OutgoingReply {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), bus.TopicOutgoingReply)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	env, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var reply bus.OutgoingReply
	if err := env.DecodePayload(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

// TestHappyPathNonStreaming mirrors spec scenario 1: autonomous_mode=false,
// model returns plain text, expect one OutgoingReply and a completed task.
func TestHappyPathNonStreaming(t *testing.T) {
	b := memorybus.New(nil)
	tasks := taskstore.New(b.KV("task"), 0)
	agent := &scriptedAgent{responses: []AgentResponse{{Kind: ResponseKindText, Text: "hi"}}}
	cfg := DefaultConfig()
	cfg.AutonomousMode = false
	o := New(b, tasks, agent, &fakeTools{}, "worker-1", cfg, nil)

	replyCh := make(chan bus.OutgoingReply, 1)
	go func() { replyCh <- drainReply(t, b, time.Second) }()
	time.Sleep(10 * time.Millisecond) // ensure subscriber is registered before publish

	msg := bus.IncomingMessage{MessageID: "m1", UserID: "1", ChatID: "1", Channel: "telegram", Text: "hello"}
	if err := o.HandleIncoming(context.Background(), msg); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	reply := <-replyCh
	if reply.Text != "hi" || !reply.Done {
		t.Fatalf("got reply %+v", reply)
	}
}

// TestToolLoop mirrors spec scenario 3: a tool call followed by a text
// answer, expecting iteration counter 2 and the tool-derived final text.
func TestToolLoop(t *testing.T) {
	b := memorybus.New(nil)
	tasks := taskstore.New(b.KV("task"), 0)
	agent := &scriptedAgent{responses: []AgentResponse{
		{Kind: ResponseKindToolCall, ToolName: "filesystem.read", ToolArgs: map[string]any{"path": "a.txt"}},
		{Kind: ResponseKindText, Text: "file says X"},
	}}
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	tools := &fakeTools{result: skills.Result{OK: true, Result: "X"}}
	o := New(b, tasks, agent, tools, "worker-1", cfg, nil)

	replyCh := make(chan bus.OutgoingReply, 1)
	go func() { replyCh <- drainReply(t, b, time.Second) }()
	time.Sleep(10 * time.Millisecond)

	msg := bus.IncomingMessage{MessageID: "m1", UserID: "1", ChatID: "1", Channel: "telegram", Text: "read a.txt"}
	if err := o.HandleIncoming(context.Background(), msg); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	reply := <-replyCh
	if reply.Text != "file says X" {
		t.Fatalf("got reply text %q, want %q", reply.Text, "file says X")
	}
}

// TestIterationCap mirrors spec scenario 4: a model that keeps requesting
// tools hits max_iterations and the reply names the limit.
func TestIterationCap(t *testing.T) {
	b := memorybus.New(nil)
	tasks := taskstore.New(b.KV("task"), 0)
	agent := &scriptedAgent{responses: []AgentResponse{
		{Kind: ResponseKindToolCall, ToolName: "noop", ToolArgs: map[string]any{}},
	}}
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	tools := &fakeTools{result: skills.Result{OK: true, Result: "ok"}}
	o := New(b, tasks, agent, tools, "worker-1", cfg, nil)

	replyCh := make(chan bus.OutgoingReply, 1)
	go func() { replyCh <- drainReply(t, b, 2*time.Second) }()
	time.Sleep(10 * time.Millisecond)

	msg := bus.IncomingMessage{MessageID: "m1", UserID: "1", ChatID: "1", Channel: "telegram", Text: "loop forever"}
	if err := o.HandleIncoming(context.Background(), msg); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}

	reply := <-replyCh
	if !strings.Contains(reply.Text, "iteration limit reached") {
		t.Fatalf("got reply text %q, want it to name the iteration limit", reply.Text)
	}
}
