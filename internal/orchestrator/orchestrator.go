// Package orchestrator implements the deterministic controller that owns
// a task from ingress to reply: the dispatch algorithm, the bounded
// autonomous tool loop, tie-breaks, and failure semantics of spec §4.3.
//
// The iteration-bounded loop with tool-call handling, mixed text+tool_call
// tie-breaking, and retry/backoff is grounded on internal/agent/loop.go's
// Loop.Run (maxIterations bound, per-iteration stream events, illegal-vs-
// transient tool error distinction, post-loop recovery call), generalized
// from a home-assistant-specific domain to the spec's generic
// task/skill/confirmation domain.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/thane-ai-agent/internal/bus"
	"github.com/nugget/thane-ai-agent/internal/skills"
	"github.com/nugget/thane-ai-agent/internal/taskstore"
)

// Config holds the per-process orchestrator settings (spec §6.3).
type Config struct {
	AutonomousMode       bool
	MaxIterations        int
	QualityThreshold     float64
	CloudFallbackEnabled bool
	ClaimTTL             time.Duration
	TaskDeadline         time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		AutonomousMode:   true,
		MaxIterations:    10,
		QualityThreshold: 0.9,
		ClaimTTL:         60 * time.Second,
		TaskDeadline:     10 * time.Minute,
	}
}

// retryBackoff is the transient-model-error retry schedule (spec §4.3
// Failure semantics): 500ms, 2s, 8s.
var retryBackoff = []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}

// Orchestrator is the deterministic controller described in spec §4.3.
type Orchestrator struct {
	bus       bus.Bus
	tasks     *taskstore.Store
	agent     AssistantAgent
	tools     ToolInvoker
	workerID  string
	cfg       Config
	logger    *slog.Logger
	nowFn     func() time.Time
}

// New builds an Orchestrator. workerID identifies this process for the
// Claim/RenewClaim single-owner scheme (spec invariant 1, §5 scaling
// note).
func New(b bus.Bus, tasks *taskstore.Store, agent AssistantAgent, tools ToolInvoker, workerID string, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		bus: b, tasks: tasks, agent: agent, tools: tools,
		workerID: workerID, cfg: cfg,
		logger: logger.With("component", "orchestrator", "worker_id", workerID),
		nowFn:  time.Now,
	}
}

// HandleIncoming runs the dispatch algorithm for one IncomingMessage
// envelope: create the task, claim it, and drive the tool loop to
// completion. If the claim fails, another worker already owns this task's
// lineage and the envelope is dropped silently (spec §4.3 step 2).
func (o *Orchestrator) HandleIncoming(ctx context.Context, msg bus.IncomingMessage) error {
	task, err := taskstore.Create(ctx, o.tasks, msg.UserID, msg.Channel, msg.ChatID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	logger := o.logger.With("task_id", task.ID)

	ok, err := o.tasks.Claim(ctx, task.ID, o.workerID, o.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if !ok {
		logger.Info("claim lost, dropping envelope")
		return nil
	}

	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskDeadline)
	defer cancel()

	if _, err := o.tasks.Transition(taskCtx, task.ID, taskstore.StatusPending, taskstore.StatusRunning, nil); err != nil {
		return fmt.Errorf("transition to running: %w", err)
	}
	if err := o.tasks.AppendMessage(taskCtx, task.ID, "user", msg.Text); err != nil {
		return fmt.Errorf("append incoming message: %w", err)
	}

	if err := o.runLoop(taskCtx, task.ID, msg); err != nil {
		logger.Error("task failed", "error", err)
		_, _ = o.tasks.Transition(ctx, task.ID, taskstore.StatusRunning, taskstore.StatusFailed, nil)
		return o.publishReply(ctx, task.ID, msg.ChatID, msg.Channel, localizedInternalError, true)
	}
	return nil
}

const (
	localizedInternalError     = "Sorry, something went wrong on my end."
	localizedModelUnavailable  = "The assistant is temporarily unavailable. Please try again shortly."
	localizedIterationCapped   = "I've reached my iteration limit reached working on this; here's my best answer so far."
	localizedConnectionBroken  = " (connection interrupted)"
)

// runLoop implements the dispatch algorithm's steps 3-6: the bounded
// iteration over model calls and tool dispatches.
func (o *Orchestrator) runLoop(ctx context.Context, taskID string, msg bus.IncomingMessage) error {
	var seq uint64
	var lastText string
	var loopErr error

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		if err := o.tasks.RenewClaim(ctx, taskID, o.workerID, o.cfg.ClaimTTL); err != nil {
			return fmt.Errorf("renew claim: %w", err)
		}

		n, err := o.tasks.IncrementIteration(ctx, taskID)
		if err != nil {
			return fmt.Errorf("increment iteration: %w", err)
		}
		if n > o.cfg.MaxIterations {
			return o.finalizeIterationCap(ctx, taskID, msg, lastText)
		}

		task, err := o.tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		tc := buildTaskContext(task)

		var partial string
		resp, err := o.generateWithRetry(ctx, tc, func(token string, done bool) {
			seq++
			if !done {
				partial += token
			}
			_ = o.publishStreamToken(ctx, taskID, msg.ChatID, msg.Channel, seq, token, done)
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// spec §4.3: every token received so far has already been
				// published, so a mid-stream disconnect closes the stream
				// with an empty done=true StreamToken and completes the
				// task with the partial text plus a visible interruption
				// marker, rather than surfacing as a hard failure.
				return o.finalizeConnectionInterrupted(ctx, taskID, msg, partial, seq)
			}
			return o.finalizeModelUnavailable(ctx, taskID, msg)
		}

		// Tie-break: if both a tool request and free-form text appear in
		// the same turn, the tool request wins (spec §4.3 Tie-breaks).
		if resp.Kind == ResponseKindToolCall && o.cfg.AutonomousMode {
			text, done, err := o.runToolIteration(ctx, taskID, msg, resp)
			if err != nil {
				loopErr = err
				continue
			}
			lastText = text
			if done || resp.Quality >= o.cfg.QualityThreshold {
				return o.finalize(ctx, taskID, msg, lastText, seq)
			}
			continue
		}

		if resp.Kind == ResponseKindToolCall && !o.cfg.AutonomousMode {
			// autonomous_mode=false: serialize the tool request into the
			// reply as a diagnostic instead of dispatching it.
			lastText = fmt.Sprintf("[tool requested but autonomous mode is off: %s(%v)]", resp.ToolName, resp.ToolArgs)
			return o.finalize(ctx, taskID, msg, lastText, seq)
		}

		// Text path: a plain answer finalizes the task.
		lastText = resp.Text
		return o.finalize(ctx, taskID, msg, lastText, seq)
	}

	if loopErr != nil {
		return loopErr
	}
	return o.finalizeIterationCap(ctx, taskID, msg, lastText)
}

func (o *Orchestrator) runToolIteration(ctx context.Context, taskID string, msg bus.IncomingMessage, resp AgentResponse) (text string, done bool, err error) {
	if err := o.publishToolRequest(ctx, taskID, resp.ToolName, resp.ToolArgs); err != nil {
		return "", false, err
	}
	if _, err := o.tasks.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusAwaitingTool, nil); err != nil {
		return "", false, err
	}

	result := o.tools.Invoke(ctx, msg.UserID, resp.ToolName, resp.ToolArgs)
	if err := o.publishToolResult(ctx, taskID, resp.ToolName, result); err != nil {
		return "", false, err
	}

	if _, err := o.tasks.Transition(ctx, taskID, taskstore.StatusAwaitingTool, taskstore.StatusRunning, nil); err != nil {
		return "", false, err
	}

	role := "tool"
	text = fmt.Sprintf("%v", result.Result)
	if !result.OK {
		text = "error: " + result.Error
	}
	if err := o.tasks.AppendMessage(ctx, taskID, role, text); err != nil {
		return "", false, err
	}
	return text, false, nil
}

// generateWithRetry calls the AssistantAgent, retrying transient failures
// per the backoff schedule (spec §4.3 Failure semantics). Cloud fallback
// is left to the AssistantAgent implementation: Config.CloudFallbackEnabled
// is not read here and TaskContext carries no field for it.
func (o *Orchestrator) generateWithRetry(ctx context.Context, tc TaskContext, stream StreamFunc) (AgentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		resp, err := o.agent.Generate(ctx, tc, stream)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return AgentResponse{}, err
		}
		if attempt < len(retryBackoff) {
			select {
			case <-time.After(retryBackoff[attempt]):
			case <-ctx.Done():
				return AgentResponse{}, ctx.Err()
			}
		}
	}
	return AgentResponse{}, fmt.Errorf("model call exhausted retries: %w", lastErr)
}

func buildTaskContext(task *taskstore.Task) TaskContext {
	window := make([]WindowMessage, 0, len(task.Window))
	for _, m := range task.Window {
		window = append(window, WindowMessage{Role: m.Role, Text: m.Text})
	}
	return TaskContext{
		UserID:  task.UserID,
		Channel: task.Channel,
		ChatID:  task.ChatID,
		Window:  window,
	}
}

func (o *Orchestrator) finalize(ctx context.Context, taskID string, msg bus.IncomingMessage, text string, seq uint64) error {
	if err := o.tasks.AppendMessage(ctx, taskID, "assistant", text); err != nil {
		return err
	}
	if _, err := o.tasks.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusCompleted, nil); err != nil {
		return err
	}
	return o.publishReply(ctx, taskID, msg.ChatID, msg.Channel, text, true)
}

func (o *Orchestrator) finalizeIterationCap(ctx context.Context, taskID string, msg bus.IncomingMessage, lastText string) error {
	text := lastText
	if text != "" {
		text += "\n\n"
	}
	text += localizedIterationCapped
	if err := o.tasks.AppendMessage(ctx, taskID, "assistant", text); err != nil {
		return err
	}
	if _, err := o.tasks.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusCompleted, nil); err != nil {
		return err
	}
	return o.publishReply(ctx, taskID, msg.ChatID, msg.Channel, text, true)
}

func (o *Orchestrator) finalizeConnectionInterrupted(ctx context.Context, taskID string, msg bus.IncomingMessage, partial string, seq uint64) error {
	seq++
	if err := o.publishStreamToken(ctx, taskID, msg.ChatID, msg.Channel, seq, "", true); err != nil {
		return err
	}
	text := partial + localizedConnectionBroken
	if err := o.tasks.AppendMessage(ctx, taskID, "assistant", text); err != nil {
		return err
	}
	if _, err := o.tasks.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusCompleted, nil); err != nil {
		return err
	}
	return o.publishReply(ctx, taskID, msg.ChatID, msg.Channel, text, true)
}

func (o *Orchestrator) finalizeModelUnavailable(ctx context.Context, taskID string, msg bus.IncomingMessage) error {
	if _, err := o.tasks.Transition(ctx, taskID, taskstore.StatusRunning, taskstore.StatusCompleted, nil); err != nil {
		return err
	}
	return o.publishReply(ctx, taskID, msg.ChatID, msg.Channel, localizedModelUnavailable, true)
}

func (o *Orchestrator) publishStreamToken(ctx context.Context, taskID, chatID, channel string, seq uint64, token string, done bool) error {
	env, err := bus.NewEnvelope(bus.KindStreamToken, taskID, channel, seq, time.Now, bus.StreamToken{
		TaskID: taskID, ChatID: chatID, Channel: channel, Seq: seq, Token: token, Done: done,
	})
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, bus.TopicStreamToken, env)
}

func (o *Orchestrator) publishReply(ctx context.Context, taskID, chatID, channel, text string, done bool) error {
	env, err := bus.NewEnvelope(bus.KindOutgoingReply, taskID, channel, 0, time.Now, bus.OutgoingReply{
		TaskID: taskID, ChatID: chatID, Channel: channel, Text: text, Done: done,
	})
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, bus.TopicOutgoingReply, env)
}

func (o *Orchestrator) publishToolRequest(ctx context.Context, taskID, name string, args map[string]any) error {
	env, err := bus.NewEnvelope(bus.KindToolRequest, taskID, "", 0, time.Now, bus.ToolRequest{
		TaskID: taskID, Name: name, Arguments: args,
	})
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, bus.TopicToolRequest, env)
}

func (o *Orchestrator) publishToolResult(ctx context.Context, taskID, name string, result skills.Result) error {
	env, err := bus.NewEnvelope(bus.KindToolResult, taskID, "", 0, time.Now, bus.ToolResult{
		TaskID: taskID, Name: name, OK: result.OK, Result: result.Result, Error: result.Error,
	})
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, bus.TopicToolResult, env)
}
