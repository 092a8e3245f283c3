package entity

import (
	"encoding/json"
	"strings"
)

// Message roles. Insertion order within a conversation is semantically
// significant; tool messages must follow the assistant message that carries
// their tool_call_id.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// CacheControl marks a content part as a prompt-cache breakpoint.
type CacheControl struct {
	Type string `json:"type"`          // "ephemeral"
	TTL  string `json:"ttl,omitempty"` // "5m" or "1h"
}

// ContentPart is a fragment of message content. Parts exist so cache
// breakpoints can be attached to a stable prefix while the suffix varies.
type ContentPart struct {
	Type         string        `json:"type"` // "text"
	Text         string        `json:"text,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// Message is a single conversation message in the kernel's canonical shape.
// Content and Parts are mutually exclusive; Parts take precedence when set.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

// TextContent returns all text content, joining text parts or falling back
// to Content.
func (m *Message) TextContent() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	if len(texts) == 0 {
		return m.Content
	}
	return strings.Join(texts, "\n")
}

// SystemMessage builds a system message from cache-annotated parts.
func SystemMessage(parts ...ContentPart) Message {
	return Message{Role: RoleSystem, Parts: parts}
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds a plain-text assistant message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResultMessage builds the tool message answering the given call id.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Content: content}
}

// ToolCall is a decoded tool invocation emitted by the LLM. ID is echoed
// back in the matching tool message so the model can correlate.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// wireToolCall is the OpenAI-style function-call shape used on the wire:
// arguments travel as a JSON string, not a decoded object.
type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// MarshalJSON emits the canonical string-keyed wire shape.
func (tc ToolCall) MarshalJSON() ([]byte, error) {
	var w wireToolCall
	w.ID = tc.ID
	w.Type = "function"
	w.Function.Name = tc.Name
	args := tc.Arguments
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	w.Function.Arguments = string(raw)
	return json.Marshal(w)
}

// UnmarshalJSON accepts both the nested function-call wire shape and the
// flat {id, name, arguments} shape. Different clients return different
// forms; the kernel converts at the boundary and never looks back.
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var w wireToolCall
	if err := json.Unmarshal(data, &w); err == nil && w.Function.Name != "" {
		tc.ID = w.ID
		tc.Name = w.Function.Name
		tc.Arguments = decodeArguments(w.Function.Arguments)
		return nil
	}

	var flat struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	tc.ID = flat.ID
	tc.Name = flat.Name
	tc.Arguments = decodeRawArguments(flat.Arguments)
	return nil
}

// decodeArguments parses a JSON-string argument payload. Malformed
// arguments decode to an empty map; the handler surfaces the miss as a
// validation tool result rather than failing the turn.
func decodeArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// decodeRawArguments handles arguments that arrive either as an object or
// as a doubly-encoded JSON string.
func decodeRawArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return decodeArguments(s)
	}
	return map[string]any{}
}
