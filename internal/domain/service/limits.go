package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	kerrors "github.com/loomlab/loom/kernel/pkg/errors"
)

// LimitsConfig holds levels 2–4 of the limit hierarchy. Level 1 (the
// per-skill fuse) is configured on the FuseBox.
type LimitsConfig struct {
	MaxAgentsPerTurn      int           // level 3: dispatches per turn
	MaxSkillCallsPerTurn  int           // level 3: skill calls per turn
	MaxSkillCallsPerAgent int           // level 2 default when dispatch omits it
	WindowMaxCalls        int           // level 4: iterations per window
	WindowDuration        time.Duration // level 4: rolling window
}

// DefaultLimitsConfig returns production defaults.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		MaxAgentsPerTurn:      10,
		MaxSkillCallsPerTurn:  30,
		MaxSkillCallsPerAgent: 5,
		WindowMaxCalls:        50,
		WindowDuration:        5 * time.Minute,
	}
}

// TurnState is the level-3 counter pair, reset at the start of every turn.
// The engine checks the agent count before dispatching; sub-agents
// increment skill calls through it.
type TurnState struct {
	mu             sync.Mutex
	AgentsUsed     int
	SkillCallsUsed int
	MaxAgents      int
	MaxSkillCalls  int
}

// NewTurnState creates turn counters from config.
func NewTurnState(cfg LimitsConfig) *TurnState {
	return &TurnState{
		MaxAgents:     cfg.MaxAgentsPerTurn,
		MaxSkillCalls: cfg.MaxSkillCallsPerTurn,
	}
}

// AdmitAgents admits n new dispatches or returns limit_exceeded with the
// used/max detail the Nudger interpolates.
func (t *TurnState) AdmitAgents(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.AgentsUsed+n > t.MaxAgents {
		return kerrors.Newf(kerrors.CodeLimitExceeded,
			"turn agent limit reached (%d/%d)", t.AgentsUsed, t.MaxAgents).
			WithDetails(map[string]any{"used": t.AgentsUsed, "max": t.MaxAgents, "level": "turn_agents"})
	}
	t.AgentsUsed += n
	return nil
}

// AdmitSkillCall admits one skill call against the turn budget.
func (t *TurnState) AdmitSkillCall() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SkillCallsUsed+1 > t.MaxSkillCalls {
		return kerrors.Newf(kerrors.CodeLimitExceeded,
			"turn skill-call limit reached (%d/%d)", t.SkillCallsUsed, t.MaxSkillCalls).
			WithDetails(map[string]any{"used": t.SkillCallsUsed, "max": t.MaxSkillCalls, "level": "turn_skill_calls"})
	}
	t.SkillCallsUsed++
	return nil
}

// Snapshot returns the current counters without admitting anything.
func (t *TurnState) Snapshot() (agentsUsed, skillCallsUsed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.AgentsUsed, t.SkillCallsUsed
}

// AgentBudget is the level-2 per-agent skill-call counter.
type AgentBudget struct {
	mu            sync.Mutex
	SkillCalls    int
	MaxSkillCalls int
}

// NewAgentBudget creates a per-agent budget.
func NewAgentBudget(max int) *AgentBudget {
	return &AgentBudget{MaxSkillCalls: max}
}

// Admit admits one skill call or returns limit_exceeded.
func (b *AgentBudget) Admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SkillCalls+1 > b.MaxSkillCalls {
		return kerrors.Newf(kerrors.CodeLimitExceeded,
			"tool call limit reached (%d/%d)", b.SkillCalls, b.MaxSkillCalls).
			WithDetails(map[string]any{"used": b.SkillCalls, "max": b.MaxSkillCalls, "level": "agent_skill_calls"})
	}
	b.SkillCalls++
	return nil
}

// Used returns the admitted call count.
func (b *AgentBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.SkillCalls
}

// ConversationWindow is the level-4 sliding window over LLM iterations.
// Timestamps older than the window are purged on every check.
type ConversationWindow struct {
	mu         sync.Mutex
	timestamps []time.Time
	maxCalls   int
	window     time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewConversationWindow creates a sliding-window counter.
func NewConversationWindow(cfg LimitsConfig, logger *zap.Logger) *ConversationWindow {
	maxCalls := cfg.WindowMaxCalls
	if maxCalls <= 0 {
		maxCalls = 50
	}
	window := cfg.WindowDuration
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ConversationWindow{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		logger:   logger,
	}
}

// Admit records one iteration or returns limit_exceeded when the window
// is full. The engine turns this into a polite stall, not a failure.
func (w *ConversationWindow) Admit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.timestamps[:0]
	for _, t := range w.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.timestamps = kept

	if len(w.timestamps)+1 > w.maxCalls {
		w.logger.Warn("Conversation window full",
			zap.Int("calls_in_window", len(w.timestamps)),
			zap.Int("max", w.maxCalls),
			zap.Duration("window", w.window),
		)
		return kerrors.Newf(kerrors.CodeLimitExceeded,
			"conversation rate limit reached (%d/%d in %s)", len(w.timestamps), w.maxCalls, w.window).
			WithDetails(map[string]any{"used": len(w.timestamps), "max": w.maxCalls, "level": "conversation_window"})
	}
	w.timestamps = append(w.timestamps, now)
	return nil
}

// InWindow returns the current number of admitted timestamps inside the
// window, for diagnostics.
func (w *ConversationWindow) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.window)
	n := 0
	for _, t := range w.timestamps {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
