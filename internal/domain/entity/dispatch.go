package entity

import (
	"fmt"
	"time"
)

// AgentStatus is the lifecycle state of a dispatched sub-agent.
type AgentStatus string

const (
	AgentRunning  AgentStatus = "running"
	AgentAwaiting AgentStatus = "awaiting_orchestrator"
	AgentDone     AgentStatus = "completed"
	AgentFailed   AgentStatus = "failed"
	AgentTimeout  AgentStatus = "timeout"
	AgentSkipped  AgentStatus = "skipped"
)

// Terminal reports whether the status is final. awaiting_orchestrator is
// only visible while the agent is paused.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentDone, AgentFailed, AgentTimeout, AgentSkipped:
		return true
	default:
		return false
	}
}

// DefaultMaxToolCalls is the per-agent skill-call budget when the
// orchestrator does not specify one.
const DefaultMaxToolCalls = 5

// DispatchParams describe one requested sub-agent. AgentID doubles as the
// DAG node identifier and must be unique within the turn.
type DispatchParams struct {
	AgentID       string   `json:"agent_id"`
	Mission       string   `json:"mission"`
	Skills        []string `json:"skills"`
	DependsOn     []string `json:"depends_on,omitempty"`
	MaxToolCalls  int      `json:"max_tool_calls,omitempty"`
	ContextFiles  []string `json:"context_files,omitempty"`
	ModelOverride string   `json:"model_override,omitempty"`
	Context       string   `json:"context,omitempty"`
}

// Validate checks the fields that do not require batch-level knowledge.
// Dependency existence and acyclicity are the scheduler's concern.
func (p *DispatchParams) Validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if p.Mission == "" {
		return fmt.Errorf("mission is required")
	}
	if len(p.Skills) == 0 {
		return fmt.Errorf("skills must not be empty")
	}
	if p.MaxToolCalls < 0 {
		return fmt.Errorf("max_tool_calls must not be negative")
	}
	return nil
}

// EffectiveMaxToolCalls returns the configured budget or the default.
func (p *DispatchParams) EffectiveMaxToolCalls() int {
	if p.MaxToolCalls > 0 {
		return p.MaxToolCalls
	}
	return DefaultMaxToolCalls
}

// AgentResult is the terminal (or paused) outcome of one sub-agent.
type AgentResult struct {
	Status        AgentStatus `json:"status"`
	Result        string      `json:"result"`
	ToolCallsUsed int         `json:"tool_calls_used"`
	DurationMS    int64       `json:"duration_ms"`
}

// FailedResult synthesizes a failed outcome, used by the scheduler to
// normalize worker crashes.
func FailedResult(reason string) AgentResult {
	return AgentResult{Status: AgentFailed, Result: reason}
}

// TimeoutResult synthesizes a timed-out outcome.
func TimeoutResult() AgentResult {
	return AgentResult{Status: AgentTimeout, Result: "timed out"}
}

// SkippedResult synthesizes a skipped outcome naming the failed ancestors.
func SkippedResult(failedDeps []string) AgentResult {
	return AgentResult{
		Status: AgentSkipped,
		Result: fmt.Sprintf("skipped because dependency failed: %v", failedDeps),
	}
}

// AgentSnapshot is the diagnostic view returned by status queries. The
// awaiting fields are populated only while the agent is paused.
type AgentSnapshot struct {
	AgentID         string      `json:"agent_id"`
	Status          AgentStatus `json:"status"`
	Result          string      `json:"result,omitempty"`
	ToolCallsUsed   int         `json:"tool_calls_used"`
	StartedAt       time.Time   `json:"started_at"`
	AwaitingReason  string      `json:"awaiting_reason,omitempty"`
	PartialHistory  string      `json:"partial_history,omitempty"`
	PendingHelpID   string      `json:"pending_help_id,omitempty"`
}

// AgentUpdate is the payload of a send_agent_update call routed to a
// paused sub-agent.
type AgentUpdate struct {
	Message      string   `json:"message,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
}
