package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kcontext "github.com/loomlab/loom/kernel/internal/domain/context"
	"github.com/loomlab/loom/kernel/internal/domain/entity"
	"github.com/loomlab/loom/kernel/internal/domain/skill"
	kerrors "github.com/loomlab/loom/kernel/pkg/errors"
)

const (
	// ToolUseSkill and ToolRequestHelp are the only two tools a sub-agent
	// ever sees.
	ToolUseSkill    = "use_skill"
	ToolRequestHelp = "request_help"

	// resumeTimeout bounds a paused agent's wait on the orchestrator.
	resumeTimeout = 5 * time.Minute
)

// SubAgentDeps bundles the collaborators a sub-agent run needs. The engine
// fills this once and shares it across dispatches.
type SubAgentDeps struct {
	LLM       LLMClient
	Models    ModelResolver
	Skills    skill.Registry
	Sentinel  *Sentinel
	Fuses     *skill.FuseBox
	Assembler *kcontext.Assembler
	Nudger    *Nudger
	Logger    *zap.Logger

	// ContextFileBase is the directory context_files paths resolve
	// against. Paths must not escape it.
	ContextFileBase string
}

// SubAgent runs one scoped inner LLM loop. It carries a child conversation
// identity recording the orchestrator's conversation as its parent, and is
// addressable by agent id within that conversation.
type SubAgent struct {
	agentID        string
	conversationID string // child identity
	parentConvID   string
	userID         string
	channel        string
	userRequest    string // orchestrator's user message, for the Sentinel

	params     entity.DispatchParams
	depResults map[string]entity.AgentResult

	deps   SubAgentDeps
	turn   *TurnState
	budget *AgentBudget
	logger *zap.Logger

	mu             sync.Mutex
	status         entity.AgentStatus
	result         string
	startedAt      time.Time
	awaitingReason string
	partialHistory string
	pendingHelpID  string
	resumeCh       chan entity.AgentUpdate // single-slot mailbox

	allowed  map[string]bool // granted skill set; grows on resume
	snapshot *skill.Snapshot // registry snapshot held for the run
}

// NewSubAgent creates a sub-agent for one dispatch.
func NewSubAgent(
	parentConvID, userID, channel, userRequest string,
	params entity.DispatchParams,
	depResults map[string]entity.AgentResult,
	turn *TurnState,
	deps SubAgentDeps,
) *SubAgent {
	allowed := make(map[string]bool, len(params.Skills))
	for _, name := range params.Skills {
		allowed[name] = true
	}
	return &SubAgent{
		agentID:        params.AgentID,
		conversationID: uuid.New().String(),
		parentConvID:   parentConvID,
		userID:         userID,
		channel:        channel,
		userRequest:    userRequest,
		params:         params,
		depResults:     depResults,
		deps:           deps,
		turn:           turn,
		budget:         NewAgentBudget(params.EffectiveMaxToolCalls()),
		allowed:        allowed,
		snapshot:       deps.Skills.Snapshot(),
		status:         entity.AgentRunning,
		resumeCh:       make(chan entity.AgentUpdate, 1),
		logger: deps.Logger.With(
			zap.String("component", "sub-agent"),
			zap.String("agent_id", params.AgentID),
			zap.String("parent_conversation", parentConvID),
		),
	}
}

// Status returns the diagnostic snapshot. Awaiting fields are populated
// only while paused.
func (a *SubAgent) Status() entity.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := entity.AgentSnapshot{
		AgentID:       a.agentID,
		Status:        a.status,
		Result:        a.result,
		ToolCallsUsed: a.budget.Used(),
		StartedAt:     a.startedAt,
	}
	if a.status == entity.AgentAwaiting {
		snap.AwaitingReason = a.awaitingReason
		snap.PartialHistory = a.partialHistory
		snap.PendingHelpID = a.pendingHelpID
	}
	return snap
}

// Resume posts one orchestrator update to a paused agent. Fails with
// not_awaiting when the agent is not paused.
func (a *SubAgent) Resume(update entity.AgentUpdate) error {
	a.mu.Lock()
	if a.status != entity.AgentAwaiting {
		status := a.status
		a.mu.Unlock()
		return kerrors.Newf(kerrors.CodeNotAwaiting,
			"agent %q is %s, not awaiting_orchestrator", a.agentID, status)
	}
	a.mu.Unlock()

	select {
	case a.resumeCh <- update:
		return nil
	default:
		return kerrors.Newf(kerrors.CodeNotAwaiting,
			"agent %q already has a pending update", a.agentID)
	}
}

// Execute runs the inner loop to a terminal status and returns the final
// result. The caller bounds it with a watchdog context; cancellation
// yields a failed result.
func (a *SubAgent) Execute(ctx context.Context) entity.AgentResult {
	a.mu.Lock()
	a.startedAt = time.Now()
	a.mu.Unlock()

	result := a.run(ctx)
	result.DurationMS = time.Since(a.startedAt).Milliseconds()
	result.ToolCallsUsed = a.budget.Used()

	a.mu.Lock()
	a.status = result.Status
	a.result = result.Result
	a.mu.Unlock()

	a.logger.Info("Sub-agent finished",
		zap.String("status", string(result.Status)),
		zap.Int("tool_calls_used", result.ToolCallsUsed),
		zap.Int64("duration_ms", result.DurationMS),
	)
	return result
}

func (a *SubAgent) run(ctx context.Context) entity.AgentResult {
	systemPrompt, err := a.buildSystemPrompt()
	if err != nil {
		return entity.FailedResult(err.Error())
	}

	messages := []entity.Message{
		entity.SystemMessage(entity.ContentPart{Type: "text", Text: systemPrompt}),
		entity.UserMessage(a.mission()),
	}

	model := a.resolveModel()
	toolDefs := a.toolDefinitions()

	for {
		if err := ctx.Err(); err != nil {
			return entity.FailedResult("cancelled: " + err.Error())
		}

		resp, err := a.deps.LLM.Chat(ctx, &ChatRequest{
			Messages:    messages,
			Model:       model,
			Tools:       toolDefs,
			Temperature: 0.7,
		})
		if err != nil {
			return entity.FailedResult("llm error: " + err.Error())
		}

		if !resp.HasToolCalls() {
			// Pure text (or empty) response is the terminal answer.
			return entity.AgentResult{Status: entity.AgentDone, Result: resp.Content}
		}

		messages = append(messages, entity.Message{
			Role:      entity.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			switch call.Name {
			case ToolUseSkill:
				done, output := a.handleUseSkill(ctx, call)
				messages = append(messages, entity.ToolResultMessage(call.ID, output))
				if done {
					return entity.AgentResult{
						Status: entity.AgentDone,
						Result: "tool call limit reached; partial work: " + lastAssistantText(messages),
					}
				}
			case ToolRequestHelp:
				update, err := a.handleRequestHelp(ctx, call, messages)
				if err != nil {
					return entity.FailedResult(err.Error())
				}
				messages = append(messages, entity.ToolResultMessage(call.ID, a.renderUpdate(update)))
				if len(update.Skills) > 0 {
					a.grantSkills(update.Skills)
					toolDefs = a.toolDefinitions()
					if docs := a.snapshot.SortedDocs(update.Skills); len(docs) > 0 {
						messages = append(messages, entity.UserMessage(
							"Documentation for your newly granted skills:\n\n"+strings.Join(docs, "\n\n---\n\n")))
					}
				}
			default:
				messages = append(messages, entity.ToolResultMessage(call.ID,
					fmt.Sprintf("Unknown tool %q. You can only call use_skill and request_help.", call.Name)))
			}
		}
	}
}

// handleUseSkill runs one skill call through the full gate chain: scope,
// policy, budgets, Sentinel, fuse, handler. The bool return means the
// per-agent budget is exhausted and the loop must terminate.
func (a *SubAgent) handleUseSkill(ctx context.Context, call entity.ToolCall) (budgetExhausted bool, output string) {
	name, _ := call.Arguments["skill"].(string)
	flags, _ := call.Arguments["arguments"].(map[string]any)
	if flags == nil {
		flags = map[string]any{}
	}

	// Scope re-check. The enum in the tool schema already restricts the
	// LLM-visible surface; this is the second gate.
	a.mu.Lock()
	inScope := a.allowed[name]
	a.mu.Unlock()
	if !inScope {
		return false, fmt.Sprintf("Skill %q is not in your granted set. Allowed skills: %s",
			name, strings.Join(a.allowedNames(), ", "))
	}

	sk, ok := a.snapshot.Get(name)
	if !ok {
		err := kerrors.Newf(kerrors.CodeSkillNotFound, "skill %q not found", name)
		return false, a.deps.Nudger.FormatError(err.Error(), err.Atom(), kerrors.DetailsOf(err))
	}
	if !sk.Enabled {
		return false, fmt.Sprintf("Skill %q is disabled by policy. Allowed skills: %s",
			name, strings.Join(a.allowedNames(), ", "))
	}

	// Level 2: per-agent budget. Exhaustion ends the run with partial work.
	if err := a.budget.Admit(); err != nil {
		return true, a.deps.Nudger.FormatError(err.Error(), "limit_exceeded", kerrors.DetailsOf(err))
	}
	// Level 3: per-turn skill-call budget, shared with sibling agents.
	if err := a.turn.AdmitSkillCall(); err != nil {
		return false, a.deps.Nudger.FormatError(err.Error(), "limit_exceeded", kerrors.DetailsOf(err))
	}

	// Sentinel gate. Scope enforcement above is the primary boundary;
	// the classifier adds intent-level review.
	verdict := a.deps.Sentinel.Classify(ctx, a.userRequest, a.params.Mission, ProposedAction{
		SkillName: name,
		Arguments: flags,
		AgentID:   a.agentID,
	})
	if !verdict.Approved {
		return false, fmt.Sprintf("Action rejected by security review: %s", verdict.Reason)
	}

	// Level 1: per-skill fuse.
	if a.deps.Fuses.Check(name) == skill.FuseOpen {
		err := kerrors.Newf(kerrors.CodeCircuitOpen, "skill %q is temporarily unavailable", name).
			WithDetails(map[string]any{"skill": name})
		return false, a.deps.Nudger.FormatError(err.Error(), err.Atom(), kerrors.DetailsOf(err))
	}

	result, err := sk.Handler.Execute(ctx, flags, skill.Context{
		ConversationID: a.conversationID,
		UserID:         a.userID,
		Channel:        a.channel,
		AgentID:        a.agentID,
	})
	if err != nil {
		a.deps.Fuses.RecordFailure(name)
		a.logger.Warn("Skill execution failed",
			zap.String("skill", name),
			zap.Error(err),
		)
		return false, fmt.Sprintf("Skill %s failed: %v", name, err)
	}

	a.deps.Fuses.RecordSuccess(name)
	return false, result.Content
}

// handleRequestHelp pauses the agent on its resume mailbox until the
// orchestrator posts an update or the bounded wait expires.
func (a *SubAgent) handleRequestHelp(ctx context.Context, call entity.ToolCall, messages []entity.Message) (entity.AgentUpdate, error) {
	reason, _ := call.Arguments["reason"].(string)
	partial, _ := call.Arguments["partial_results"].(string)

	a.mu.Lock()
	a.status = entity.AgentAwaiting
	a.awaitingReason = reason
	a.partialHistory = renderPartialHistory(messages, partial)
	a.pendingHelpID = call.ID
	a.mu.Unlock()

	a.logger.Info("Sub-agent awaiting orchestrator",
		zap.String("reason", reason),
	)

	select {
	case update := <-a.resumeCh:
		a.mu.Lock()
		a.status = entity.AgentRunning
		a.awaitingReason = ""
		a.partialHistory = ""
		a.pendingHelpID = ""
		a.mu.Unlock()
		return update, nil
	case <-time.After(resumeTimeout):
		return entity.AgentUpdate{}, fmt.Errorf("no orchestrator update within %s while awaiting: %s", resumeTimeout, reason)
	case <-ctx.Done():
		return entity.AgentUpdate{}, fmt.Errorf("cancelled while awaiting orchestrator: %s", reason)
	}
}

// buildSystemPrompt assembles, in cache order: context-file documents,
// role text, dependency summaries, and the granted skill docs sorted
// alphabetically to stabilize the cache key.
func (a *SubAgent) buildSystemPrompt() (string, error) {
	var sb strings.Builder

	if len(a.params.ContextFiles) > 0 {
		docs, err := a.loadContextFiles()
		if err != nil {
			return "", err
		}
		for _, doc := range docs {
			sb.WriteString(doc)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString("You are a focused task agent. Complete the mission below using only the skills you have been granted. ")
	sb.WriteString("Call use_skill to act; call request_help if you are missing information or access only the orchestrator can provide. ")
	sb.WriteString("When the mission is complete, reply with a plain-text summary of the outcome.\n")

	if len(a.depResults) > 0 {
		sb.WriteString("\nResults from agents you depend on:\n")
		depIDs := make([]string, 0, len(a.depResults))
		for id := range a.depResults {
			depIDs = append(depIDs, id)
		}
		sort.Strings(depIDs)
		for _, id := range depIDs {
			r := a.depResults[id]
			fmt.Fprintf(&sb, "- %s (%s): %s\n", id, r.Status, r.Result)
		}
	}

	if docs := a.snapshot.SortedDocs(a.params.Skills); len(docs) > 0 {
		sb.WriteString("\nYour granted skills:\n\n")
		sb.WriteString(strings.Join(docs, "\n\n---\n\n"))
	}

	return sb.String(), nil
}

// loadContextFiles reads the dispatch's context files, enforcing the
// halved window budget. Missing files are skipped with a warning; an
// escape outside the base directory or a budget overflow is a structured
// failure the orchestrator can act on.
func (a *SubAgent) loadContextFiles() ([]string, error) {
	model := a.deps.Models.Resolve(RoleSubAgent, a.params.ModelOverride)
	// Half the window is reserved for the conversation body.
	budget := a.deps.Assembler.Budget(model.MaxContextTokens) / 2

	var (
		docs  []string
		costs []fileCost
		total int
	)

	for _, path := range a.params.ContextFiles {
		resolved, err := a.resolveContextPath(path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			a.logger.Warn("Context file missing, skipping",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		tokens := kcontext.EstimateText(string(data))
		costs = append(costs, fileCost{Path: path, Tokens: tokens})
		total += tokens
		docs = append(docs, string(data))
	}

	if total > budget {
		details := map[string]any{"total_tokens": total, "budget": budget}
		for _, c := range costs {
			details[c.Path] = c.Tokens
		}
		return nil, kerrors.Newf(kerrors.CodeContextBudgetExceeded,
			"context files need %d tokens but the budget is %d (per file: %s)",
			total, budget, renderFileCosts(costs)).
			WithDetails(details)
	}
	return docs, nil
}

// fileCost is one context file's token estimate, reported in the
// context_budget_exceeded breakdown.
type fileCost struct {
	Path   string `json:"path"`
	Tokens int    `json:"tokens"`
}

func renderFileCosts(costs []fileCost) string {
	parts := make([]string, 0, len(costs))
	for _, c := range costs {
		parts = append(parts, fmt.Sprintf("%s=%d", c.Path, c.Tokens))
	}
	return strings.Join(parts, ", ")
}

// resolveContextPath resolves a context file against the base directory
// and rejects paths that escape it.
func (a *SubAgent) resolveContextPath(path string) (string, error) {
	base := a.deps.ContextFileBase
	if base == "" {
		base = "."
	}
	resolved := filepath.Clean(filepath.Join(base, path))
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absResolved, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	if absResolved != absBase && !strings.HasPrefix(absResolved, absBase+string(filepath.Separator)) {
		return "", kerrors.Newf(kerrors.CodeInvalidInput,
			"context file %q escapes the allowed directory", path)
	}
	return absResolved, nil
}

// toolDefinitions builds the scoped two-tool surface. The skill parameter
// is enum-restricted to the granted set — the first of the two gates.
func (a *SubAgent) toolDefinitions() []ToolDefinition {
	names := a.allowedNames()
	return []ToolDefinition{
		{
			Name:        ToolUseSkill,
			Description: "Execute one of your granted skills.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skill": map[string]any{
						"type": "string",
						"enum": names,
					},
					"arguments": map[string]any{
						"type":        "object",
						"description": "Arguments for the skill, per its documentation.",
					},
				},
				"required": []string{"skill"},
			},
		},
		{
			Name:        ToolRequestHelp,
			Description: "Pause and ask the orchestrator for missing information, access, or skills.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "What you need and why you cannot proceed.",
					},
					"partial_results": map[string]any{
						"type":        "string",
						"description": "Work completed so far.",
					},
				},
				"required": []string{"reason"},
			},
		},
	}
}

// allowedNames returns the granted skill names, sorted for stable enums.
func (a *SubAgent) allowedNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.allowed))
	for name := range a.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// grantSkills extends the allowed set with skills from a resume update.
func (a *SubAgent) grantSkills(names []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, name := range names {
		a.allowed[name] = true
	}
}

// mission renders the dispatch mission plus optional extra context as the
// sub-agent's user message.
func (a *SubAgent) mission() string {
	if a.params.Context == "" {
		return a.params.Mission
	}
	return a.params.Mission + "\n\nAdditional context: " + a.params.Context
}

// resolveModel applies the resolution order: explicit override, then the
// sub_agent role default, then the client's own default.
func (a *SubAgent) resolveModel() string {
	return a.deps.Models.Resolve(RoleSubAgent, a.params.ModelOverride).ID
}

// renderUpdate formats the orchestrator's update as the tool result for
// the pending request_help call.
func (a *SubAgent) renderUpdate(update entity.AgentUpdate) string {
	var sb strings.Builder
	sb.WriteString("Orchestrator update")
	if update.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(update.Message)
	}
	if len(update.Skills) > 0 {
		fmt.Fprintf(&sb, "\nNewly granted skills: %s", strings.Join(update.Skills, ", "))
	}
	if len(update.ContextFiles) > 0 {
		fmt.Fprintf(&sb, "\nAdditional context files: %s", strings.Join(update.ContextFiles, ", "))
	}
	return sb.String()
}

// renderPartialHistory summarizes the recent exchange for status queries
// while the agent is paused.
func renderPartialHistory(messages []entity.Message, partial string) string {
	var sb strings.Builder
	if partial != "" {
		sb.WriteString(partial)
		sb.WriteString("\n\n")
	}
	start := len(messages) - 6
	if start < 0 {
		start = 0
	}
	for _, m := range messages[start:] {
		text := m.TextContent()
		if text == "" {
			continue
		}
		if len(text) > 200 {
			text = text[:200] + "…"
		}
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, text)
	}
	return strings.TrimSpace(sb.String())
}

// lastAssistantText returns the most recent non-empty assistant text, used
// as the partial result when the tool budget runs out.
func lastAssistantText(messages []entity.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == entity.RoleAssistant {
			if text := strings.TrimSpace(messages[i].TextContent()); text != "" {
				return text
			}
		}
	}
	return "(none)"
}
