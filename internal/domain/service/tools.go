package service

import (
	"fmt"
	"sort"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
)

// Orchestrator tool names. Multi-agent mode exposes exactly these four.
const (
	ToolGetSkill        = "get_skill"
	ToolDispatchAgent   = "dispatch_agent"
	ToolGetAgentResults = "get_agent_results"
	ToolSendAgentUpdate = "send_agent_update"
)

// Tool definitions are compiled once at process start, sorted
// alphabetically by name, and reused across every request so the provider
// sees a byte-stable tool block.
var (
	orchestratorTools = sortTools([]ToolDefinition{
		{
			Name:        ToolGetSkill,
			Description: "Look up skill documentation. No argument lists every domain; 'domain' returns that domain's index; 'domain.action' returns one skill; 'domain.all' returns every skill in the domain.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Empty, 'domain', 'domain.action', or 'domain.all'.",
					},
				},
			},
		},
		{
			Name:        ToolDispatchAgent,
			Description: "Dispatch a scoped agent to execute part of the task. Agents dispatched in the same turn may depend on each other and run in parallel waves.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id": map[string]any{
						"type":        "string",
						"description": "Unique id for this agent within the turn.",
					},
					"mission": map[string]any{
						"type":        "string",
						"description": "What the agent should accomplish.",
					},
					"skills": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Skill names the agent may invoke.",
					},
					"depends_on": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "agent_ids in this batch that must complete first.",
					},
					"max_tool_calls": map[string]any{
						"type":        "integer",
						"description": "Per-agent skill-call budget (default 5).",
					},
					"context_files": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "File paths to prepend to the agent's system prompt.",
					},
					"model_override": map[string]any{
						"type":        "string",
						"description": "Model id overriding the sub-agent default.",
					},
					"context": map[string]any{
						"type":        "string",
						"description": "Additional free-text context for the agent.",
					},
				},
				"required": []string{"agent_id", "mission", "skills"},
			},
		},
		{
			Name:        ToolGetAgentResults,
			Description: "Fetch the status of dispatched agents. Mode 'immediate' returns what is known now; 'wait_any'/'wait_all' block until agents finish.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_ids": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"mode": map[string]any{
						"type": "string",
						"enum": []string{"immediate", "wait_any", "wait_all"},
					},
					"timeout_ms": map[string]any{
						"type": "integer",
					},
				},
				"required": []string{"agent_ids"},
			},
		},
		{
			Name:        ToolSendAgentUpdate,
			Description: "Send information, new skills, or context files to an agent that paused with request_help.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id": map[string]any{"type": "string"},
					"message":  map[string]any{"type": "string"},
					"skills": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"context_files": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"agent_id"},
			},
		},
	})

	// singleLoopTools is the flattened surface for latency-sensitive
	// channels: skill lookup plus direct execution of read-only skills.
	singleLoopTools = sortTools([]ToolDefinition{
		orchestratorToolByName(ToolGetSkill),
		{
			Name:        ToolUseSkill,
			Description: "Execute a read-only skill directly (*.search, *.list, *.get, *.read).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"skill":     map[string]any{"type": "string"},
					"arguments": map[string]any{"type": "object"},
				},
				"required": []string{"skill"},
			},
		},
	})
)

func sortTools(tools []ToolDefinition) []ToolDefinition {
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func orchestratorToolByName(name string) ToolDefinition {
	for _, t := range orchestratorTools {
		if t.Name == name {
			return t
		}
	}
	return ToolDefinition{}
}

// decodeDispatchParams converts a dispatch_agent argument map into
// validated params. Tolerates []any and []string slices — providers
// differ in how they decode JSON arrays.
func decodeDispatchParams(args map[string]any) (entity.DispatchParams, error) {
	params := entity.DispatchParams{
		AgentID:       stringArg(args, "agent_id"),
		Mission:       stringArg(args, "mission"),
		Skills:        stringSliceArg(args, "skills"),
		DependsOn:     stringSliceArg(args, "depends_on"),
		ContextFiles:  stringSliceArg(args, "context_files"),
		ModelOverride: stringArg(args, "model_override"),
		Context:       stringArg(args, "context"),
	}
	if n, ok := intArg(args, "max_tool_calls"); ok {
		params.MaxToolCalls = n
	}
	if err := params.Validate(); err != nil {
		return entity.DispatchParams{}, fmt.Errorf("invalid dispatch: %w", err)
	}
	return params, nil
}

// decodeAgentUpdate converts send_agent_update arguments.
func decodeAgentUpdate(args map[string]any) (agentID string, update entity.AgentUpdate) {
	return stringArg(args, "agent_id"), entity.AgentUpdate{
		Message:      stringArg(args, "message"),
		Skills:       stringSliceArg(args, "skills"),
		ContextFiles: stringSliceArg(args, "context_files"),
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
