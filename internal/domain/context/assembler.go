// Package context builds the LLM request payload. The layout is optimized
// for prompt-cache hits: a long-TTL system block, a short-TTL context
// block, then the uncached trimmed history suffix.
package context

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
)

const (
	// BytesPerToken is the flat estimation ratio used when no usage
	// baseline exists.
	BytesPerToken = 4
	// MessageFraming is the per-message token overhead added on top of
	// content bytes.
	MessageFraming = 4
	// MinBudget is the lower bound of the available window.
	MinBudget = 1000

	systemCacheTTL  = "1h"
	contextCacheTTL = "5m"
)

// Config holds the window-budget knobs from the limits config section.
type Config struct {
	UtilizationTarget float64 // fraction of the model window to use
	ResponseReserve   int     // tokens reserved for the model's reply
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{UtilizationTarget: 0.85, ResponseReserve: 4096}
}

// Assembler builds cache-positioned request payloads.
type Assembler struct {
	cfg    Config
	logger *zap.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(cfg Config, logger *zap.Logger) *Assembler {
	if cfg.UtilizationTarget <= 0 || cfg.UtilizationTarget > 1 {
		cfg.UtilizationTarget = 0.85
	}
	if cfg.ResponseReserve <= 0 {
		cfg.ResponseReserve = 4096
	}
	return &Assembler{cfg: cfg, logger: logger.With(zap.String("component", "context-assembler"))}
}

// Budget computes the available window for a model:
// floor(maxContextTokens × utilization) − responseReserve, never below
// MinBudget.
func (a *Assembler) Budget(maxContextTokens int) int {
	budget := int(float64(maxContextTokens)*a.cfg.UtilizationTarget) - a.cfg.ResponseReserve
	if budget < MinBudget {
		budget = MinBudget
	}
	return budget
}

// BuildInput carries everything one payload build needs. Baseline fields
// come from the engine's last observed usage; zero values select pure
// estimation.
type BuildInput struct {
	Identity string   // who the assistant is
	Rules    string   // the canonical rules block
	Domains  []string // skill-domain names; sorted before rendering
	Now      time.Time

	MemorySnippets []string
	TaskSummary    string

	History          []entity.Message
	MaxContextTokens int

	BaselinePromptTokens int // prompt_tokens of the last observed call
	BaselineMessageCount int // history length at that time
}

// Build assembles the payload: system message (cached, long TTL),
// optional context block (cached, short TTL) with a stub assistant
// acknowledgement, then the trimmed history.
func (a *Assembler) Build(in BuildInput) []entity.Message {
	out := make([]entity.Message, 0, len(in.History)+3)

	system := a.systemMessage(in)
	out = append(out, system)

	contextBlock, hasContext := a.contextBlock(in)
	if hasContext {
		out = append(out, contextBlock,
			entity.AssistantMessage("Understood. I have the context."))
	}

	budget := a.Budget(in.MaxContextTokens)
	budget -= EstimateMessage(system)
	if hasContext {
		budget -= EstimateMessage(contextBlock) + MessageFraming
	}
	if budget < MinBudget {
		budget = MinBudget
	}

	trimmed := a.trimHistory(in.History, budget, in.BaselinePromptTokens, in.BaselineMessageCount)
	return append(out, trimmed...)
}

// systemMessage renders the long-TTL cacheable system block: identity,
// canonical rules, sorted domain list, current date.
func (a *Assembler) systemMessage(in BuildInput) entity.Message {
	domains := make([]string, len(in.Domains))
	copy(domains, in.Domains)
	sort.Strings(domains)

	var sb strings.Builder
	sb.WriteString(in.Identity)
	sb.WriteString("\n\n")
	sb.WriteString(in.Rules)
	sb.WriteString("\n\nAvailable skill domains: ")
	sb.WriteString(strings.Join(domains, ", "))
	fmt.Fprintf(&sb, "\nCurrent date: %s\n", in.Now.Format("2006-01-02"))

	return entity.SystemMessage(entity.ContentPart{
		Type:         "text",
		Text:         sb.String(),
		CacheControl: &entity.CacheControl{Type: "ephemeral", TTL: systemCacheTTL},
	})
}

// contextBlock renders the short-TTL cached user message holding memory
// snippets and the task summary. Omitted when both are empty.
func (a *Assembler) contextBlock(in BuildInput) (entity.Message, bool) {
	if len(in.MemorySnippets) == 0 && in.TaskSummary == "" {
		return entity.Message{}, false
	}

	var sb strings.Builder
	if len(in.MemorySnippets) > 0 {
		sb.WriteString("Relevant memories:\n")
		for _, snippet := range in.MemorySnippets {
			sb.WriteString("- ")
			sb.WriteString(snippet)
			sb.WriteString("\n")
		}
	}
	if in.TaskSummary != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Task so far: ")
		sb.WriteString(in.TaskSummary)
		sb.WriteString("\n")
	}

	msg := entity.Message{
		Role: entity.RoleUser,
		Parts: []entity.ContentPart{{
			Type:         "text",
			Text:         sb.String(),
			CacheControl: &entity.CacheControl{Type: "ephemeral", TTL: contextCacheTTL},
		}},
	}
	return msg, true
}

// trimHistory selects the history suffix that fits the budget. With a
// valid baseline the leading known messages are costed at exactly the
// prior call's prompt_tokens and only known messages are dropped — the
// new suffix holds tool-call/tool-result pairs that must stay contiguous.
func (a *Assembler) trimHistory(history []entity.Message, budget, baseline, knownCount int) []entity.Message {
	if len(history) == 0 {
		return history
	}

	if baseline > 0 && knownCount > 0 && knownCount <= len(history) {
		return a.trimByUsage(history, budget, baseline, knownCount)
	}
	return a.trimByEstimate(history, budget)
}

// trimByUsage drops the oldest known messages until baseline plus the
// estimated new suffix fits the budget.
func (a *Assembler) trimByUsage(history []entity.Message, budget, baseline, knownCount int) []entity.Message {
	newTokens := 0
	for _, m := range history[knownCount:] {
		newTokens += EstimateMessage(m)
	}

	if baseline+newTokens <= budget {
		return history
	}

	deficit := baseline + newTokens - budget
	dropped := 0
	recovered := 0
	for dropped < knownCount && recovered < deficit {
		recovered += EstimateMessage(history[dropped])
		dropped++
	}

	a.logger.Debug("History trimmed by usage baseline",
		zap.Int("baseline", baseline),
		zap.Int("new_tokens", newTokens),
		zap.Int("budget", budget),
		zap.Int("dropped", dropped),
	)
	return history[dropped:]
}

// trimByEstimate walks the history newest-first, accumulating estimates
// until the next message would exceed the budget.
func (a *Assembler) trimByEstimate(history []entity.Message, budget int) []entity.Message {
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateMessage(history[i])
		if total+cost > budget {
			break
		}
		total += cost
		start = i
	}

	if start > 0 {
		a.logger.Debug("History trimmed by estimation",
			zap.Int("budget", budget),
			zap.Int("kept", len(history)-start),
			zap.Int("dropped", start),
		)
	}
	return history[start:]
}

// EstimateText estimates tokens for a text at the flat byte ratio.
func EstimateText(text string) int {
	return len(text) / BytesPerToken
}

// EstimateMessage estimates one message: content bytes plus framing, with
// tool-call arguments counted through their canonical JSON length.
func EstimateMessage(m entity.Message) int {
	tokens := EstimateText(m.TextContent()) + MessageFraming
	for _, tc := range m.ToolCalls {
		tokens += EstimateText(tc.Name) + MessageFraming
		for k, v := range tc.Arguments {
			tokens += EstimateText(k) + EstimateText(fmt.Sprintf("%v", v))
		}
	}
	return tokens
}

// EstimateMessages sums the estimates of a message slice.
func EstimateMessages(messages []entity.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}
