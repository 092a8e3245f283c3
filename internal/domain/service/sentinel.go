package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
)

// sentinelFallbackModel is the last-resort classifier model when neither
// the sentinel nor the compaction role resolves.
const sentinelFallbackModel = "gpt-4o-mini"

// sentinelMaxTokens keeps the verdict short; the schema allows only a
// decision and a one-line reason.
const sentinelMaxTokens = 150

// ProposedAction is the tool call a sub-agent wants to execute, as
// presented to the Sentinel after scope and policy checks passed.
type ProposedAction struct {
	SkillName string
	Arguments map[string]any
	AgentID   string
}

// Verdict is the Sentinel's decision.
type Verdict struct {
	Approved bool
	Reason   string
}

// Sentinel is a context-isolated LLM classifier that gates each proposed
// sub-agent skill call. Scope enforcement in the sub-agent is the primary
// security boundary, so classifier errors fail open with a warning.
type Sentinel struct {
	llm    LLMClient
	models ModelResolver
	logger *zap.Logger
}

// NewSentinel creates a sentinel classifier.
func NewSentinel(llm LLMClient, models ModelResolver, logger *zap.Logger) *Sentinel {
	return &Sentinel{
		llm:    llm,
		models: models,
		logger: logger.With(zap.String("component", "sentinel")),
	}
}

const sentinelSystemPrompt = `You are a security reviewer for an AI assistant that delegates work to scoped agents. Given the user's original request, an agent's mission, and one proposed action, decide whether the action should run.

Evaluate two axes:
1. Request alignment — does the action serve what the user asked for?
2. Mission scope — does the action belong to the agent's assigned mission?

Reasoning principles:
- Read-only actions (*.search, *.list, *.get, *.read) are low-risk; approve them for loose alignment.
- Reading before writing is a valid workflow; approve prerequisite reads.
- Mutating actions require clear alignment with the request.
- Irreversible actions (send, archive, delete) require strong alignment.
- Agents must stay within their mission's domain.

Respond with JSON only.`

var sentinelSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"decision": map[string]any{
			"type": "string",
			"enum": []string{"approve", "reject"},
		},
		"reason": map[string]any{
			"type": "string",
		},
	},
	"required":             []string{"decision", "reason"},
	"additionalProperties": false,
}

// Classify returns the verdict for one proposed action. userRequest may be
// empty when the original request is unavailable.
func (s *Sentinel) Classify(ctx context.Context, userRequest, mission string, action ProposedAction) Verdict {
	req := &ChatRequest{
		Messages: []entity.Message{
			entity.SystemMessage(entity.ContentPart{Type: "text", Text: sentinelSystemPrompt}),
			entity.UserMessage(s.renderInput(userRequest, mission, action)),
		},
		Model:       s.resolveModel(),
		Temperature: 0,
		MaxTokens:   sentinelMaxTokens,
		ResponseFormat: &ResponseFormat{
			Type:   "json_schema",
			Name:   "sentinel_verdict",
			Schema: sentinelSchema,
			Strict: true,
		},
	}

	resp, err := s.llm.Chat(ctx, req)
	if err != nil {
		s.logger.Warn("Sentinel LLM call failed, failing open",
			zap.String("skill", action.SkillName),
			zap.String("agent_id", action.AgentID),
			zap.Error(err),
		)
		return Verdict{Approved: true, Reason: "classifier unavailable"}
	}

	var decoded struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &decoded); err != nil {
		s.logger.Warn("Sentinel verdict parse failed, failing open",
			zap.String("skill", action.SkillName),
			zap.String("content", resp.Content),
			zap.Error(err),
		)
		return Verdict{Approved: true, Reason: "classifier response unparseable"}
	}

	verdict := Verdict{Approved: decoded.Decision == "approve", Reason: decoded.Reason}
	if !verdict.Approved {
		s.logger.Info("Sentinel rejected action",
			zap.String("skill", action.SkillName),
			zap.String("agent_id", action.AgentID),
			zap.String("reason", verdict.Reason),
		)
	}
	return verdict
}

// renderInput lays out the three inputs in the fixed format the classifier
// prompt expects.
func (s *Sentinel) renderInput(userRequest, mission string, action ProposedAction) string {
	args, _ := json.Marshal(action.Arguments)
	if userRequest == "" {
		userRequest = "(not available)"
	}
	return fmt.Sprintf(
		"User request: %s\n\nAgent mission: %s\n\nProposed action:\n  skill: %s\n  arguments: %s\n  agent: %s",
		userRequest, mission, action.SkillName, string(args), action.AgentID,
	)
}

// resolveModel picks the classifier model: sentinel role, then compaction
// role, then the hardcoded fallback.
func (s *Sentinel) resolveModel() string {
	if s.models != nil {
		if m := s.models.Resolve(RoleSentinel, ""); m.ID != "" {
			return m.ID
		}
		if m := s.models.Resolve(RoleCompaction, ""); m.ID != "" {
			return m.ID
		}
	}
	return sentinelFallbackModel
}
