package service

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type scriptedLLM struct {
	resp *ChatResponse
	err  error
	last *ChatRequest
}

func (s *scriptedLLM) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.last = req
	return s.resp, s.err
}

func action() ProposedAction {
	return ProposedAction{
		SkillName: "email.send",
		Arguments: map[string]any{"to": "alice@example.com"},
		AgentID:   "mailer",
	}
}

// === Verdicts ===

func TestSentinel_Approve(t *testing.T) {
	llm := &scriptedLLM{resp: &ChatResponse{Content: `{"decision":"approve","reason":"aligned"}`}}
	s := NewSentinel(llm, staticResolver{}, testLogger())

	v := s.Classify(context.Background(), "send the report to alice", "email the report", action())
	if !v.Approved {
		t.Errorf("expected approval, got %+v", v)
	}
}

func TestSentinel_Reject(t *testing.T) {
	llm := &scriptedLLM{resp: &ChatResponse{Content: `{"decision":"reject","reason":"outside mission"}`}}
	s := NewSentinel(llm, staticResolver{}, testLogger())

	v := s.Classify(context.Background(), "list my calendar", "check calendar", action())
	if v.Approved {
		t.Error("expected rejection")
	}
	if v.Reason != "outside mission" {
		t.Errorf("reason should pass through, got %q", v.Reason)
	}
}

// === Fail-open behavior ===

func TestSentinel_LLMErrorFailsOpen(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("provider down")}
	s := NewSentinel(llm, staticResolver{}, testLogger())

	if v := s.Classify(context.Background(), "", "mission", action()); !v.Approved {
		t.Error("classifier errors must fail open")
	}
}

func TestSentinel_ParseFailureFailsOpen(t *testing.T) {
	llm := &scriptedLLM{resp: &ChatResponse{Content: "I think this is fine"}}
	s := NewSentinel(llm, staticResolver{}, testLogger())

	if v := s.Classify(context.Background(), "", "mission", action()); !v.Approved {
		t.Error("unparseable verdicts must fail open")
	}
}

// === Request shape ===

func TestSentinel_RequestShape(t *testing.T) {
	llm := &scriptedLLM{resp: &ChatResponse{Content: `{"decision":"approve","reason":"ok"}`}}
	s := NewSentinel(llm, staticResolver{}, testLogger())
	s.Classify(context.Background(), "user ask", "agent mission", action())

	req := llm.last
	if req.Temperature != 0 {
		t.Errorf("sentinel must run at temperature zero, got %v", req.Temperature)
	}
	if req.MaxTokens != sentinelMaxTokens {
		t.Errorf("max_tokens should be the small constant, got %d", req.MaxTokens)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_schema" || !req.ResponseFormat.Strict {
		t.Errorf("verdict must be schema-constrained, got %+v", req.ResponseFormat)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system+user, got %d messages", len(req.Messages))
	}
	userText := req.Messages[1].TextContent()
	for _, want := range []string{"user ask", "agent mission", "email.send", "mailer"} {
		if !strings.Contains(userText, want) {
			t.Errorf("classifier input missing %q:\n%s", want, userText)
		}
	}
}

func TestSentinel_AbsentUserRequest(t *testing.T) {
	llm := &scriptedLLM{resp: &ChatResponse{Content: `{"decision":"approve","reason":"ok"}`}}
	s := NewSentinel(llm, staticResolver{}, testLogger())
	s.Classify(context.Background(), "", "mission", action())

	if !strings.Contains(llm.last.Messages[1].TextContent(), "(not available)") {
		t.Error("absent user request should be marked, not blank")
	}
}

// === Model resolution ===

type roleResolver map[string]string

func (r roleResolver) Resolve(role, _ string) ModelInfo {
	return ModelInfo{ID: r[role], MaxContextTokens: 32000}
}

func TestSentinel_ModelFallbackChain(t *testing.T) {
	tests := []struct {
		name     string
		resolver ModelResolver
		want     string
	}{
		{"sentinel role wins", roleResolver{RoleSentinel: "fast-1", RoleCompaction: "fast-2"}, "fast-1"},
		{"compaction fallback", roleResolver{RoleCompaction: "fast-2"}, "fast-2"},
		{"hardcoded fallback", roleResolver{}, sentinelFallbackModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &scriptedLLM{resp: &ChatResponse{Content: `{"decision":"approve","reason":"ok"}`}}
			s := NewSentinel(llm, tt.resolver, testLogger())
			s.Classify(context.Background(), "", "m", action())
			if llm.last.Model != tt.want {
				t.Errorf("expected model %q, got %q", tt.want, llm.last.Model)
			}
		})
	}
}
