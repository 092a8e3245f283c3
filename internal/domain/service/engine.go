package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/agent"
	kcontext "github.com/loomlab/loom/kernel/internal/domain/context"
	"github.com/loomlab/loom/kernel/internal/domain/entity"
	"github.com/loomlab/loom/kernel/internal/domain/repository"
	"github.com/loomlab/loom/kernel/internal/domain/skill"
	kerrors "github.com/loomlab/loom/kernel/pkg/errors"
)

// Mode selects the orchestrator tool surface.
type Mode string

const (
	// ModeMultiAgent exposes the four orchestration tools.
	ModeMultiAgent Mode = "multi_agent"
	// ModeSingleLoop exposes a flattened surface where the orchestrator
	// executes read-only skills directly. Intended for latency-sensitive
	// channels.
	ModeSingleLoop Mode = "single_loop"
)

const (
	// subAgentWatchdog bounds one sub-agent execution.
	subAgentWatchdog = 120 * time.Second

	stallMessage         = "You're sending messages faster than I can process them. Please wait a moment before sending another message."
	iterationLimitNotice = "I reached my processing limit for this turn. Here is where I got to — send another message to continue."
)

// EngineConfig holds per-engine tunables.
type EngineConfig struct {
	MaxIterations int     // outer-loop LLM round-trips per turn (default 10)
	Temperature   float64 // orchestrator sampling temperature
	Mode          Mode
	Identity      string // system-prompt identity block
	Rules         string // canonical rules block
	Limits        LimitsConfig
}

// DefaultEngineConfig returns production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxIterations: 10,
		Temperature:   0.7,
		Mode:          ModeMultiAgent,
		Identity:      "You are Loom, an assistant that orchestrates scoped agents to get things done.",
		Rules:         "Delegate work to agents via dispatch_agent; give each agent only the skills it needs. Prefer parallel dispatches with depends_on over sequential turns. Answer the user directly once results are in.",
		Limits:        DefaultLimitsConfig(),
	}
}

// EventPublisher is the engine's broadcast surface. Loss on back-pressure
// is acceptable; the engine never blocks on a subscriber.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any)
}

// EngineDeps bundles the engine's collaborators.
type EngineDeps struct {
	LLM       LLMClient
	Models    ModelResolver
	Skills    skill.Registry
	Sentinel  *Sentinel
	Fuses     *skill.FuseBox
	Assembler *kcontext.Assembler
	Nudger    *Nudger
	Scheduler *agent.Scheduler
	Bus       EventPublisher

	Messages   repository.MessageRepository       // optional
	Dispatches repository.DispatchRecordRepository // optional

	ContextFileBase string
	Logger          *zap.Logger
}

// dispatchedAgent pairs a sub-agent with its last observed result.
type dispatchedAgent struct {
	sub      *SubAgent
	result   entity.AgentResult
	terminal bool
}

// Engine owns one conversation's orchestration loop. Operations are
// serialized: a conversation processes one message at a time, the way a
// dedicated worker would.
type Engine struct {
	conversationID string
	userID         string
	channel        string

	cfg  EngineConfig
	deps EngineDeps
	sup  *agent.Supervisor

	mu      sync.Mutex // serializes SendMessage
	history []entity.Message

	dmu        sync.Mutex // guards dispatched; sub-agent workers write through it
	dispatched map[string]*dispatchedAgent

	window *ConversationWindow
	turn   *TurnState

	lastPromptTokens int
	lastMessageCount int
	iterations       int

	logger *zap.Logger
}

// NewEngine creates the engine for one conversation. The supervisor's
// lifetime is bounded by the engine's: Shutdown cascades to every
// sub-agent worker.
func NewEngine(conversationID, userID, channel string, cfg EngineConfig, deps EngineDeps) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeMultiAgent
	}
	logger := deps.Logger.With(
		zap.String("component", "engine"),
		zap.String("conversation_id", conversationID),
	)
	return &Engine{
		conversationID: conversationID,
		userID:         userID,
		channel:        channel,
		cfg:            cfg,
		deps:           deps,
		sup:            agent.NewSupervisor(conversationID, deps.Logger),
		dispatched:     make(map[string]*dispatchedAgent),
		window:         NewConversationWindow(cfg.Limits, logger),
		logger:         logger,
	}
}

// Seed installs history loaded from the message store. Called once before
// the first SendMessage after a restart.
func (e *Engine) Seed(history []entity.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append([]entity.Message(nil), history...)
	e.lastMessageCount = 0
	e.lastPromptTokens = 0
}

// EngineState is the read-only diagnostic snapshot.
type EngineState struct {
	ConversationID   string                          `json:"conversation_id"`
	Mode             Mode                            `json:"mode"`
	Iterations       int                             `json:"iterations"`
	Messages         int                             `json:"messages"`
	LastPromptTokens int                             `json:"last_prompt_tokens"`
	AgentsUsed       int                             `json:"agents_used"`
	SkillCallsUsed   int                             `json:"skill_calls_used"`
	WindowInUse      int                             `json:"window_in_use"`
	Agents           map[string]entity.AgentSnapshot `json:"agents"`
}

// GetState returns the diagnostic view.
func (e *Engine) GetState() EngineState {
	state := EngineState{
		ConversationID:   e.conversationID,
		Mode:             e.cfg.Mode,
		Iterations:       e.iterations,
		LastPromptTokens: e.lastPromptTokens,
		WindowInUse:      e.window.InWindow(),
		Agents:           make(map[string]entity.AgentSnapshot),
	}
	if e.turn != nil {
		state.AgentsUsed, state.SkillCallsUsed = e.turn.Snapshot()
	}
	e.dmu.Lock()
	state.Messages = len(e.history)
	for id := range e.dispatched {
		if snap, ok := e.statusOfLocked(id); ok {
			state.Agents[id] = snap
		}
	}
	e.dmu.Unlock()
	return state
}

// Shutdown terminates the engine and cascades to every sub-agent worker.
func (e *Engine) Shutdown() {
	e.sup.Shutdown()
}

// waitSignal is the deferred handling of a get_agent_results wait mode.
type waitSignal struct {
	callIdx int
	ids     []string
	mode    agent.WaitMode
	timeout time.Duration
}

// SendMessage runs the outer loop for one user message and returns the
// final assistant text. An LLM transport failure fails the turn but not
// the engine; the next message starts fresh.
func (e *Engine) SendMessage(ctx context.Context, text string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	turnStart := time.Now()

	// Reset per-turn state. Agent ids are unique within a turn only.
	e.turn = NewTurnState(e.cfg.Limits)
	e.iterations = 0
	e.sup.Reset()
	e.dmu.Lock()
	e.dispatched = make(map[string]*dispatchedAgent)
	e.dmu.Unlock()

	e.appendMessage(ctx, entity.UserMessage(text))

	for iter := 1; iter <= e.cfg.MaxIterations; iter++ {
		e.iterations = iter

		// Level 4: per-conversation sliding window. A full window stalls
		// politely; the conversation is not failed.
		if err := e.window.Admit(); err != nil {
			e.logger.Info("Conversation window stall", zap.Int("iteration", iter))
			return stallMessage, nil
		}

		model := e.deps.Models.Resolve(RoleOrchestrator, "")
		baselineCount := len(e.history)
		payload := e.deps.Assembler.Build(kcontext.BuildInput{
			Identity:             e.cfg.Identity,
			Rules:                e.cfg.Rules,
			Domains:              e.deps.Skills.Domains(),
			Now:                  time.Now(),
			History:              e.history,
			MaxContextTokens:     model.MaxContextTokens,
			BaselinePromptTokens: e.lastPromptTokens,
			BaselineMessageCount: e.lastMessageCount,
		})

		resp, err := e.deps.LLM.Chat(ctx, &ChatRequest{
			Messages:    payload,
			Model:       model.ID,
			Tools:       e.toolSurface(),
			Temperature: e.cfg.Temperature,
		})
		if err != nil {
			e.logger.Error("LLM call failed, ending turn",
				zap.Int("iteration", iter),
				zap.Error(err),
			)
			return "", fmt.Errorf("llm call failed: %w", err)
		}

		e.recordUsage(ctx, resp, baselineCount)

		if !resp.HasToolCalls() {
			e.appendMessage(ctx, entity.AssistantMessage(resp.Content))
			e.broadcastTurn(ctx, resp.Content, turnStart)
			return resp.Content, nil
		}

		e.appendMessage(ctx, entity.Message{
			Role:      entity.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		outputs := make([]string, len(resp.ToolCalls))
		var (
			pending     = make(map[string]entity.DispatchParams)
			pendingIdx  = make(map[string]int) // agent_id → call index
			wait        *waitSignal
			userRequest = text
		)

		for i, call := range resp.ToolCalls {
			switch call.Name {
			case ToolGetSkill:
				outputs[i] = e.handleGetSkill(call)
			case ToolDispatchAgent:
				if e.cfg.Mode != ModeMultiAgent {
					outputs[i] = "dispatch_agent is not available in this mode."
					continue
				}
				params, err := decodeDispatchParams(call.Arguments)
				if err != nil {
					outputs[i] = err.Error()
					continue
				}
				if _, dup := pending[params.AgentID]; dup {
					outputs[i] = fmt.Sprintf("agent_id %q is already used in this batch; ids must be unique within a turn", params.AgentID)
					continue
				}
				pending[params.AgentID] = params
				pendingIdx[params.AgentID] = i
			case ToolGetAgentResults:
				ids := stringSliceArg(call.Arguments, "agent_ids")
				mode := stringArg(call.Arguments, "mode")
				switch mode {
				case "", "immediate":
					outputs[i] = e.renderAgentStatuses(ids)
				case string(agent.WaitAny), string(agent.WaitAll):
					timeout := time.Duration(0)
					if ms, ok := intArg(call.Arguments, "timeout_ms"); ok {
						timeout = time.Duration(ms) * time.Millisecond
					}
					wait = &waitSignal{callIdx: i, ids: ids, mode: agent.WaitMode(mode), timeout: timeout}
				default:
					outputs[i] = fmt.Sprintf("unknown mode %q; use immediate, wait_any, or wait_all", mode)
				}
			case ToolSendAgentUpdate:
				outputs[i] = e.handleSendUpdate(call)
			case ToolUseSkill:
				if e.cfg.Mode != ModeSingleLoop {
					outputs[i] = "use_skill is not available in multi_agent mode; dispatch an agent instead."
					continue
				}
				outputs[i] = e.handleDirectSkill(ctx, call)
			default:
				outputs[i] = fmt.Sprintf("Unknown tool %q. Available tools: %s.", call.Name, e.toolNames())
			}
		}

		// Run the collected dispatch batch under the per-turn agent limit.
		if len(pending) > 0 {
			e.executeDispatches(ctx, userRequest, pending, pendingIdx, outputs)
		}

		// A wait signal blocks on the named agents before the next LLM call.
		if wait != nil {
			merged := e.deps.Scheduler.WaitForAgents(ctx, e.sup, wait.ids, wait.mode, wait.timeout)
			e.mergeResults(merged)
			outputs[wait.callIdx] = e.renderAgentStatuses(wait.ids)
		}

		// Tool results are appended in the same order the assistant
		// emitted the calls.
		for i, call := range resp.ToolCalls {
			e.appendMessage(ctx, entity.ToolResultMessage(call.ID, outputs[i]))
		}
	}

	e.appendMessage(ctx, entity.AssistantMessage(iterationLimitNotice))
	e.broadcastTurn(ctx, iterationLimitNotice, turnStart)
	return iterationLimitNotice, nil
}

// executeDispatches admits the batch against the turn agent limit and runs
// it through the scheduler, filling each dispatch call's tool result.
func (e *Engine) executeDispatches(
	ctx context.Context,
	userRequest string,
	pending map[string]entity.DispatchParams,
	pendingIdx map[string]int,
	outputs []string,
) {
	if err := e.turn.AdmitAgents(len(pending)); err != nil {
		msg := e.nudged(err)
		for _, idx := range pendingIdx {
			outputs[idx] = msg
		}
		return
	}

	results, err := e.deps.Scheduler.Execute(ctx, pending, e.sup, e.runSubAgent(userRequest), e.observeAgent)
	if err != nil {
		// unknown_dependency / cycle_detected: nothing was dispatched.
		msg := e.nudged(err)
		for _, idx := range pendingIdx {
			outputs[idx] = msg
		}
		return
	}

	e.mergeResults(results)
	for id, idx := range pendingIdx {
		outputs[idx] = e.renderAgentStatuses([]string{id})
	}
}

// runSubAgent builds the scheduler's RunFunc: create the sub-agent,
// register it for status/resume routing, execute under the watchdog, and
// persist the terminal record.
func (e *Engine) runSubAgent(userRequest string) agent.RunFunc {
	return func(ctx context.Context, params entity.DispatchParams, depResults map[string]entity.AgentResult) entity.AgentResult {
		sub := NewSubAgent(e.conversationID, e.userID, e.channel, userRequest, params, depResults, e.turn, SubAgentDeps{
			LLM:             e.deps.LLM,
			Models:          e.deps.Models,
			Skills:          e.deps.Skills,
			Sentinel:        e.deps.Sentinel,
			Fuses:           e.deps.Fuses,
			Assembler:       e.deps.Assembler,
			Nudger:          e.deps.Nudger,
			Logger:          e.deps.Logger,
			ContextFileBase: e.deps.ContextFileBase,
		})

		e.dmu.Lock()
		e.dispatched[params.AgentID] = &dispatchedAgent{sub: sub}
		e.dmu.Unlock()

		runCtx, cancel := context.WithTimeout(ctx, subAgentWatchdog)
		defer cancel()
		result := sub.Execute(runCtx)
		if runCtx.Err() == context.DeadlineExceeded && !result.Status.Terminal() {
			result = entity.TimeoutResult()
		}

		e.dmu.Lock()
		if da := e.dispatched[params.AgentID]; da != nil {
			da.result = result
			da.terminal = result.Status.Terminal()
		}
		e.dmu.Unlock()

		e.recordDispatch(params, result)
		return result
	}
}

// observeAgent feeds the scheduler's pause detection.
func (e *Engine) observeAgent(agentID string) (entity.AgentSnapshot, bool) {
	e.dmu.Lock()
	defer e.dmu.Unlock()
	da, ok := e.dispatched[agentID]
	if !ok || da.sub == nil {
		return entity.AgentSnapshot{}, false
	}
	return da.sub.Status(), true
}

// mergeResults folds scheduler results into the turn accumulator.
func (e *Engine) mergeResults(results map[string]entity.AgentResult) {
	e.dmu.Lock()
	defer e.dmu.Unlock()
	for id, r := range results {
		da, ok := e.dispatched[id]
		if !ok {
			// Skipped agents never spawned a worker; synthesize a holder
			// so status queries can see them.
			da = &dispatchedAgent{sub: nil}
			e.dispatched[id] = da
		}
		if !da.terminal {
			da.result = r
			da.terminal = r.Status.Terminal()
		}
	}
}

// statusOf returns the freshest view of one agent: the live sub-agent
// snapshot while running or paused, the recorded result once terminal.
func (e *Engine) statusOf(id string) (entity.AgentSnapshot, bool) {
	e.dmu.Lock()
	defer e.dmu.Unlock()
	return e.statusOfLocked(id)
}

// statusOfLocked requires dmu to be held.
func (e *Engine) statusOfLocked(id string) (entity.AgentSnapshot, bool) {
	da, ok := e.dispatched[id]
	if !ok {
		return entity.AgentSnapshot{}, false
	}
	if da.terminal || da.sub == nil {
		return entity.AgentSnapshot{
			AgentID:       id,
			Status:        da.result.Status,
			Result:        da.result.Result,
			ToolCallsUsed: da.result.ToolCallsUsed,
		}, true
	}
	return da.sub.Status(), true
}

// renderAgentStatuses renders the named agents' statuses as the JSON body
// of a tool result.
func (e *Engine) renderAgentStatuses(ids []string) string {
	statuses := make(map[string]entity.AgentSnapshot, len(ids))
	var missing []string
	for _, id := range ids {
		if snap, ok := e.statusOf(id); ok {
			statuses[id] = snap
		} else {
			missing = append(missing, id)
		}
	}

	body, err := json.Marshal(statuses)
	if err != nil {
		return fmt.Sprintf("failed to render agent statuses: %v", err)
	}
	out := string(body)
	if len(missing) > 0 {
		notFound := kerrors.Newf(kerrors.CodeNotFound, "no agent named %s in this turn", strings.Join(missing, ", "))
		out += "\n" + e.nudged(notFound)
	}
	return out
}

// handleGetSkill serves the registry lookup tool: no argument lists every
// domain, "domain" returns its index, "domain.action" one skill,
// "domain.all" the whole domain.
func (e *Engine) handleGetSkill(call entity.ToolCall) string {
	snapshot := e.deps.Skills.Snapshot()
	name := stringArg(call.Arguments, "name")

	switch {
	case name == "":
		return snapshot.DomainBrief()
	case strings.HasSuffix(name, ".all"):
		body, err := snapshot.DomainAll(strings.TrimSuffix(name, ".all"))
		if err != nil {
			return e.nudged(err)
		}
		return body
	case strings.Contains(name, "."):
		body, err := snapshot.Doc(name)
		if err != nil {
			return e.nudged(err)
		}
		return body
	default:
		body, err := snapshot.DomainIndex(name)
		if err != nil {
			return e.nudged(err)
		}
		return body
	}
}

// handleSendUpdate routes send_agent_update to a paused sub-agent.
func (e *Engine) handleSendUpdate(call entity.ToolCall) string {
	agentID, update := decodeAgentUpdate(call.Arguments)

	e.dmu.Lock()
	da, ok := e.dispatched[agentID]
	e.dmu.Unlock()
	if !ok || da.sub == nil {
		return e.nudged(kerrors.Newf(kerrors.CodeNotFound, "no agent named %q in this turn", agentID))
	}
	if err := da.sub.Resume(update); err != nil {
		return e.nudged(err)
	}
	return fmt.Sprintf("Update delivered to agent %q; it is resuming.", agentID)
}

// handleDirectSkill executes a read-only skill inline (single_loop mode).
func (e *Engine) handleDirectSkill(ctx context.Context, call entity.ToolCall) string {
	name := stringArg(call.Arguments, "skill")
	flags, _ := call.Arguments["arguments"].(map[string]any)
	if flags == nil {
		flags = map[string]any{}
	}

	sk, ok := e.deps.Skills.Get(name)
	if !ok {
		return e.nudged(kerrors.Newf(kerrors.CodeSkillNotFound, "skill %q not found", name))
	}
	if sk.Kind != skill.KindRead {
		return fmt.Sprintf("Skill %q is not read-only; dispatch an agent to run it.", name)
	}
	if !sk.Enabled {
		return fmt.Sprintf("Skill %q is disabled by policy.", name)
	}
	if err := e.turn.AdmitSkillCall(); err != nil {
		return e.nudged(err)
	}
	if e.deps.Fuses.Check(name) == skill.FuseOpen {
		return e.nudged(kerrors.Newf(kerrors.CodeCircuitOpen, "skill %q is temporarily unavailable", name))
	}

	result, err := sk.Handler.Execute(ctx, flags, skill.Context{
		ConversationID: e.conversationID,
		UserID:         e.userID,
		Channel:        e.channel,
	})
	if err != nil {
		e.deps.Fuses.RecordFailure(name)
		return fmt.Sprintf("Skill %s failed: %v", name, err)
	}
	e.deps.Fuses.RecordSuccess(name)
	return result.Content
}

// toolSurface returns the mode's compiled tool definitions.
func (e *Engine) toolSurface() []ToolDefinition {
	if e.cfg.Mode == ModeSingleLoop {
		return singleLoopTools
	}
	return orchestratorTools
}

func (e *Engine) toolNames() string {
	tools := e.toolSurface()
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return strings.Join(names, ", ")
}

// nudged renders an error as tool-result text with its recovery hint.
func (e *Engine) nudged(err error) string {
	var appErr *kerrors.AppError
	if errors.As(err, &appErr) {
		return e.deps.Nudger.FormatError(appErr.Error(), appErr.Atom(), appErr.Details)
	}
	return err.Error()
}

// appendMessage appends to in-memory history and persists when a store is
// configured. Persistence failures are logged, never fatal.
func (e *Engine) appendMessage(ctx context.Context, msg entity.Message) {
	e.history = append(e.history, msg)
	if e.deps.Messages != nil {
		if err := e.deps.Messages.Append(ctx, e.conversationID, msg); err != nil {
			e.logger.Warn("Message persistence failed",
				zap.String("role", msg.Role),
				zap.Error(err),
			)
		}
	}
}

// recordUsage accumulates token usage, updates the trimming baseline, and
// broadcasts the usage event.
func (e *Engine) recordUsage(ctx context.Context, resp *ChatResponse, baselineCount int) {
	e.lastPromptTokens = resp.Usage.PromptTokens
	e.lastMessageCount = baselineCount

	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ctx, entity.EventTokenUsage, entity.TokenUsageEvent{
			ConversationID:   e.conversationID,
			UserID:           e.userID,
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			Cost:             resp.Usage.Cost,
			At:               time.Now(),
		})
	}
}

// broadcastTurn publishes the turn-completed event.
func (e *Engine) broadcastTurn(ctx context.Context, reply string, start time.Time) {
	agentsUsed, skillCalls := 0, 0
	if e.turn != nil {
		agentsUsed, skillCalls = e.turn.Snapshot()
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ctx, entity.EventTurnCompleted, entity.TurnCompletedEvent{
			ConversationID: e.conversationID,
			UserID:         e.userID,
			Channel:        e.channel,
			Reply:          reply,
			Iterations:     e.iterations,
			AgentsUsed:     agentsUsed,
			SkillCallsUsed: skillCalls,
			Duration:       time.Since(start),
			At:             time.Now(),
		})
	}
}

// recordDispatch persists the dispatched-agent trace.
func (e *Engine) recordDispatch(params entity.DispatchParams, result entity.AgentResult) {
	if e.deps.Dispatches == nil {
		return
	}
	rec := repository.DispatchRecord{
		ConversationID: e.conversationID,
		AgentID:        params.AgentID,
		Mission:        params.Mission,
		Skills:         params.Skills,
		Status:         result.Status,
		Result:         result.Result,
		ToolCallsUsed:  result.ToolCallsUsed,
		DurationMS:     result.DurationMS,
		CreatedAt:      time.Now(),
	}
	if err := e.deps.Dispatches.Record(context.Background(), rec); err != nil {
		e.logger.Warn("Dispatch record persistence failed",
			zap.String("agent_id", params.AgentID),
			zap.Error(err),
		)
	}
}
