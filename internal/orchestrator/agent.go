package orchestrator

import (
	"context"

	"github.com/nugget/thane-ai-agent/internal/skills"
)

// TaskContext is handed to the AssistantAgent on every iteration (spec
// §4.3 step 1, §4.4). The Orchestrator fills UserID, Channel, ChatID and
// the task's short-term Window; it leaves MemorySummary, MemoryVectors
// and SkillNames empty.
type TaskContext struct {
	UserID        string
	Channel       string
	ChatID        string
	Window        []WindowMessage
	MemorySummary string
	MemoryVectors []string
	SkillNames    []string
}

// WindowMessage is a role-tagged fragment of conversation history.
type WindowMessage struct {
	Role string
	Text string
}

// AgentResponseKind distinguishes a plain text answer from a tool call.
type AgentResponseKind string

const (
	ResponseKindText     AgentResponseKind = "text"
	ResponseKindToolCall AgentResponseKind = "tool_call"
)

// AgentResponse is what AssistantAgent.Generate returns for one iteration.
type AgentResponse struct {
	Kind AgentResponseKind

	Text string

	ToolName string
	ToolArgs map[string]any

	// Quality is the model's self-reported confidence in [0,1], compared
	// against quality_threshold for early exit (spec §4.3 step 4).
	Quality float64
}

// StreamFunc is called once per token as the model streams its answer; it
// is the pull-owned publishing hook the Orchestrator wires to bus
// StreamToken envelopes (spec DESIGN NOTES: "the Orchestrator owns the
// publishing loop").
type StreamFunc func(token string, done bool)

// AssistantAgent builds the message array for the model, calls the model
// gateway, and returns either a text answer or a structured tool request.
// The concrete model provider is an external collaborator (spec §1); this
// interface is the only core-side contract.
type AssistantAgent interface {
	Generate(ctx context.Context, tc TaskContext, stream StreamFunc) (AgentResponse, error)
}

// ToolInvoker is the core-side view of the Agent + Skill Registry's
// ToolAgent: looks up a skill by name, validates parameters, runs it, and
// returns a result. skills.ToolAgent.Invoke satisfies this.
type ToolInvoker interface {
	Invoke(ctx context.Context, actor, name string, params map[string]any) skills.Result
}
