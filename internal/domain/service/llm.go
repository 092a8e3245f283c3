package service

import (
	"context"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
)

// LLMClient is the single operation the kernel needs from a language
// model. It decouples the loops from provider implementations; the wire
// protocol is the provider's concern.
type LLMClient interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ToolDefinition is a tool surface entry passed to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ResponseFormat constrains the model output. The Sentinel uses a strict
// JSON schema so its verdict always parses.
type ResponseFormat struct {
	Type   string         `json:"type"` // "json_schema"
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

// ChatRequest is one chat-completion request.
type ChatRequest struct {
	Messages       []entity.Message `json:"messages"`
	Model          string           `json:"model,omitempty"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	Temperature    float64          `json:"temperature"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat  `json:"response_format,omitempty"`
	UserAPIKey     string           `json:"-"` // optional per-user key, never serialized
}

// Usage is the provider's token accounting for one call. PromptTokens is
// the trimming baseline the Context Assembler feeds back into the next
// request.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
}

// ChatResponse is the provider's reply: text, tool calls, or both.
type ChatResponse struct {
	Content   string            `json:"content,omitempty"`
	ToolCalls []entity.ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage             `json:"usage"`
	Model     string            `json:"model"`
}

// HasToolCalls reports whether the response requests tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Model roles resolved through configuration. Each role maps to a model
// tier in the `defaults` config section.
const (
	RoleOrchestrator = "orchestrator"
	RoleSubAgent     = "sub_agent"
	RoleSentinel     = "sentinel"
	RoleCompaction   = "compaction"
)

// ModelInfo is the resolved model for a role.
type ModelInfo struct {
	ID               string
	Tier             string
	SupportsTools    bool
	MaxContextTokens int
	CostTier         string
}

// ModelResolver resolves a role (plus an optional explicit override) to a
// concrete model. Override beats the role default; the role default beats
// none, in which case the client uses its own default.
type ModelResolver interface {
	Resolve(role, override string) ModelInfo
}
