package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	kcontext "github.com/loomlab/loom/kernel/internal/domain/context"
	"github.com/loomlab/loom/kernel/internal/domain/agent"
	"github.com/loomlab/loom/kernel/internal/domain/entity"
	"github.com/loomlab/loom/kernel/internal/domain/skill"
)

// fakeLLM serves the three caller kinds a turn can produce: the Sentinel
// (recognized by its response_format), sub-agent loops (recognized by the
// request_help tool), and the orchestrator (a scripted response queue).
type fakeLLM struct {
	mu sync.Mutex

	orchestrator []*ChatResponse
	orchCalls    int
	orchErr      error

	subAgent      func(call int, req *ChatRequest) (*ChatResponse, error)
	subAgentCalls int

	sentinelDecision string // "approve" (default) or "reject"
	sentinelCalls    int

	requests []*ChatRequest
}

func (f *fakeLLM) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	if req.ResponseFormat != nil {
		f.sentinelCalls++
		decision := f.sentinelDecision
		if decision == "" {
			decision = "approve"
		}
		return &ChatResponse{
			Content: fmt.Sprintf(`{"decision":%q,"reason":"test verdict"}`, decision),
			Model:   req.Model,
			Usage:   Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
		}, nil
	}

	if hasTool(req.Tools, ToolRequestHelp) {
		f.subAgentCalls++
		if f.subAgent == nil {
			return &ChatResponse{Content: "sub-agent done", Model: req.Model}, nil
		}
		return f.subAgent(f.subAgentCalls, req)
	}

	if f.orchErr != nil {
		return nil, f.orchErr
	}
	if f.orchCalls >= len(f.orchestrator) {
		return &ChatResponse{Content: "fallback answer", Model: req.Model}, nil
	}
	resp := f.orchestrator[f.orchCalls]
	f.orchCalls++
	if resp.Usage.PromptTokens == 0 {
		resp.Usage = Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}
	}
	return resp, nil
}

func hasTool(tools []ToolDefinition, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func textResponse(text string) *ChatResponse {
	return &ChatResponse{Content: text, Model: "test-model"}
}

func toolCallResponse(calls ...entity.ToolCall) *ChatResponse {
	return &ChatResponse{ToolCalls: calls, Model: "test-model"}
}

// staticResolver returns the same model for every role.
type staticResolver struct{}

func (staticResolver) Resolve(role, override string) ModelInfo {
	id := "test-model"
	if override != "" {
		id = override
	}
	return ModelInfo{ID: id, MaxContextTokens: 32000, SupportsTools: true}
}

// recordingHandler counts executions and returns canned content.
type recordingHandler struct {
	mu      sync.Mutex
	calls   int
	content string
	err     error
}

func (h *recordingHandler) Execute(_ context.Context, _ map[string]any, _ skill.Context) (*skill.Result, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return &skill.Result{Status: "ok", Content: h.content}, nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type testEnv struct {
	llm      *fakeLLM
	registry *skill.AtomicRegistry
	calendar *recordingHandler
	email    *recordingHandler
	fuses    *skill.FuseBox
	nudger   *Nudger
	deps     SubAgentDeps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	llm := &fakeLLM{}
	calendar := &recordingHandler{content: "2 events: standup 10:00, lunch 12:30"}
	email := &recordingHandler{content: "email sent"}

	registry := skill.NewAtomicRegistry([]*skill.Skill{
		{Name: "calendar.list", Markdown: "# List calendar events", Enabled: true, Handler: calendar},
		{Name: "email.send", Markdown: "# Send an email", Enabled: true, Handler: email},
		{Name: "drive.search", Markdown: "# Search the shared drive", Enabled: true, Handler: &recordingHandler{content: "3 files found"}},
		{Name: "email.archive", Markdown: "# Archive mail", Enabled: false, Handler: &recordingHandler{content: "archived"}},
	})

	nudger := NewNudger(testLogger())
	if err := nudger.Load([]byte(DefaultNudges)); err != nil {
		t.Fatalf("load nudges: %v", err)
	}

	fuses := skill.NewFuseBox(skill.DefaultFuseConfig())
	resolver := staticResolver{}
	assembler := kcontext.NewAssembler(kcontext.DefaultConfig(), testLogger())

	env := &testEnv{
		llm:      llm,
		registry: registry,
		calendar: calendar,
		email:    email,
		fuses:    fuses,
		nudger:   nudger,
		deps: SubAgentDeps{
			LLM:       llm,
			Models:    resolver,
			Skills:    registry,
			Sentinel:  NewSentinel(llm, resolver, testLogger()),
			Fuses:     fuses,
			Assembler: assembler,
			Nudger:    nudger,
			Logger:    testLogger(),
		},
	}
	return env
}

func (env *testEnv) newSubAgent(params entity.DispatchParams) (*SubAgent, *TurnState) {
	turn := NewTurnState(DefaultLimitsConfig())
	sub := NewSubAgent("conv-1", "user-1", "test", "original user request", params, nil, turn, env.deps)
	return sub, turn
}

func (env *testEnv) newEngine(t *testing.T, cfg EngineConfig, messages *captureMessages) *Engine {
	t.Helper()
	deps := EngineDeps{
		LLM:       env.llm,
		Models:    staticResolver{},
		Skills:    env.registry,
		Sentinel:  env.deps.Sentinel,
		Fuses:     env.fuses,
		Assembler: env.deps.Assembler,
		Nudger:    env.nudger,
		Scheduler: agent.NewScheduler(agent.DefaultSchedulerConfig(), testLogger()),
		Logger:    testLogger(),
	}
	if messages != nil {
		deps.Messages = messages
	}
	return NewEngine("conv-1", "user-1", "test", cfg, deps)
}

// captureMessages records appended messages for history assertions.
type captureMessages struct {
	mu       sync.Mutex
	appended []entity.Message
}

func (c *captureMessages) Append(_ context.Context, _ string, msg entity.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appended = append(c.appended, msg)
	return nil
}

func (c *captureMessages) History(_ context.Context, _ string, _ int) ([]entity.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entity.Message(nil), c.appended...), nil
}

func (c *captureMessages) all() []entity.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entity.Message(nil), c.appended...)
}
