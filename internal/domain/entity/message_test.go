package entity

import (
	"encoding/json"
	"strings"
	"testing"
)

// === Tool-call wire shapes ===

func TestToolCall_MarshalEmitsFunctionShape(t *testing.T) {
	tc := ToolCall{ID: "call_1", Name: "get_skill", Arguments: map[string]any{"name": "email"}}
	raw, err := json.Marshal(tc)
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	for _, want := range []string{`"type":"function"`, `"name":"get_skill"`, `\"name\":\"email\"`} {
		if !strings.Contains(s, want) {
			t.Errorf("wire shape missing %s:\n%s", want, s)
		}
	}
}

func TestToolCall_UnmarshalFunctionShape(t *testing.T) {
	raw := `{"id":"call_1","type":"function","function":{"name":"use_skill","arguments":"{\"skill\":\"email.send\"}"}}`
	var tc ToolCall
	if err := json.Unmarshal([]byte(raw), &tc); err != nil {
		t.Fatal(err)
	}
	if tc.ID != "call_1" || tc.Name != "use_skill" {
		t.Errorf("decoded %+v", tc)
	}
	if tc.Arguments["skill"] != "email.send" {
		t.Errorf("arguments not decoded: %v", tc.Arguments)
	}
}

func TestToolCall_UnmarshalFlatShape(t *testing.T) {
	raw := `{"id":"c2","name":"dispatch_agent","arguments":{"agent_id":"a"}}`
	var tc ToolCall
	if err := json.Unmarshal([]byte(raw), &tc); err != nil {
		t.Fatal(err)
	}
	if tc.Name != "dispatch_agent" || tc.Arguments["agent_id"] != "a" {
		t.Errorf("flat shape not accepted: %+v", tc)
	}
}

func TestToolCall_MalformedArgumentsDecodeEmpty(t *testing.T) {
	raw := `{"id":"c3","type":"function","function":{"name":"use_skill","arguments":"{not json"}}`
	var tc ToolCall
	if err := json.Unmarshal([]byte(raw), &tc); err != nil {
		t.Fatal(err)
	}
	if tc.Arguments == nil || len(tc.Arguments) != 0 {
		t.Errorf("malformed arguments should decode to an empty map, got %v", tc.Arguments)
	}
}

// === Message content ===

func TestMessage_TextContentJoinsParts(t *testing.T) {
	m := Message{Role: RoleSystem, Parts: []ContentPart{
		{Type: "text", Text: "first"},
		{Type: "text", Text: "second"},
	}}
	if m.TextContent() != "first\nsecond" {
		t.Errorf("got %q", m.TextContent())
	}
}

func TestMessage_TextContentFallsBack(t *testing.T) {
	m := Message{Role: RoleUser, Content: "plain"}
	if m.TextContent() != "plain" {
		t.Errorf("got %q", m.TextContent())
	}
}

// === Dispatch params ===

func TestDispatchParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  DispatchParams
		wantErr bool
	}{
		{"valid", DispatchParams{AgentID: "a", Mission: "m", Skills: []string{"x.y"}}, false},
		{"missing id", DispatchParams{Mission: "m", Skills: []string{"x.y"}}, true},
		{"missing mission", DispatchParams{AgentID: "a", Skills: []string{"x.y"}}, true},
		{"no skills", DispatchParams{AgentID: "a", Mission: "m"}, true},
		{"negative budget", DispatchParams{AgentID: "a", Mission: "m", Skills: []string{"x"}, MaxToolCalls: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.params.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDispatchParams_DefaultBudget(t *testing.T) {
	p := DispatchParams{AgentID: "a", Mission: "m", Skills: []string{"x"}}
	if p.EffectiveMaxToolCalls() != DefaultMaxToolCalls {
		t.Errorf("expected default %d, got %d", DefaultMaxToolCalls, p.EffectiveMaxToolCalls())
	}
	p.MaxToolCalls = 3
	if p.EffectiveMaxToolCalls() != 3 {
		t.Error("explicit budget should win")
	}
}
