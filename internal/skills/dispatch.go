package skills

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/thane-ai-agent/internal/auditlog"
)

// ToolAgent looks up a named skill, validates its arguments, runs it, and
// records the resulting audit entry. Invoke calls the skill's Run
// directly; the Sandbox it holds is not used on that path. It is
// stateless: all state lives in the Registry and Sandbox it wraps.
type ToolAgent struct {
	registry *Registry
	sandbox  *Sandbox
	audit    *auditlog.Store
}

// NewToolAgent builds a ToolAgent over registry, sandbox, and an audit
// store. audit may be nil in tests that don't care about the audit trail.
func NewToolAgent(registry *Registry, sandbox *Sandbox, audit *auditlog.Store) *ToolAgent {
	return &ToolAgent{registry: registry, sandbox: sandbox, audit: audit}
}

// Invoke runs the named skill for actor, returning its Result. Every
// invocation, success or failure, emits one audit entry with redacted
// arguments (spec §4.4 sandbox runner contract).
func (a *ToolAgent) Invoke(ctx context.Context, actor, name string, params map[string]any) Result {
	start := time.Now()

	skill, ok := a.registry.Get(name)
	if !ok {
		res := Result{OK: false, Error: fmt.Sprintf("denied:unknown_skill:%s", name)}
		a.recordAudit(ctx, actor, name, params, res, start)
		return res
	}

	if err := skill.Descriptor().ValidateParams(params); err != nil {
		res := Result{OK: false, Error: fmt.Sprintf("denied:invalid_params:%v", err)}
		a.recordAudit(ctx, actor, name, params, res, start)
		return res
	}

	res := skill.Run(params)
	a.recordAudit(ctx, actor, name, params, res, start)
	return res
}

func (a *ToolAgent) recordAudit(ctx context.Context, actor, name string, params map[string]any, res Result, start time.Time) {
	if a.audit == nil {
		return
	}
	outcome := "ok"
	if !res.OK {
		outcome = "error:" + res.Error
	}
	if err := a.audit.Record(ctx, actor, "skill.invoke:"+name, params, outcome, time.Since(start)); err != nil {
		// Audit failures never block the caller from seeing the skill
		// result; the gap is only visible if the audit query surface is
		// inspected later.
		_ = err
	}
}
