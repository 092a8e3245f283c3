package service

import (
	"strings"
	"testing"
)

const testNudges = `nudges:
  limit_exceeded: "You used {{.used}} of {{.max}} calls."
  cycle_detected: "Remove the circular reference."
`

// === FormatError ===

func TestNudger_RendersHintWithDetails(t *testing.T) {
	n := NewNudger(testLogger())
	if err := n.Load([]byte(testNudges)); err != nil {
		t.Fatalf("load: %v", err)
	}

	out := n.FormatError("limit reached", "limit_exceeded", map[string]any{"used": 5, "max": 5})
	if !strings.HasPrefix(out, "limit reached") {
		t.Errorf("base message must lead: %q", out)
	}
	if !strings.Contains(out, "Hint: You used 5 of 5 calls.") {
		t.Errorf("hint not rendered: %q", out)
	}
}

func TestNudger_UnknownAtomPassesThrough(t *testing.T) {
	n := NewNudger(testLogger())
	if err := n.Load([]byte(testNudges)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out := n.FormatError("plain error", "no_such_atom", nil); out != "plain error" {
		t.Errorf("unknown atoms must pass the base through unchanged, got %q", out)
	}
}

func TestNudger_HintWithoutDetails(t *testing.T) {
	n := NewNudger(testLogger())
	if err := n.Load([]byte(testNudges)); err != nil {
		t.Fatalf("load: %v", err)
	}
	out := n.FormatError("bad graph", "cycle_detected", nil)
	if !strings.Contains(out, "Remove the circular reference.") {
		t.Errorf("static hints need no details: %q", out)
	}
}

func TestNudger_DefaultTableCoversErrorAtoms(t *testing.T) {
	n := NewNudger(testLogger())
	if err := n.Load([]byte(DefaultNudges)); err != nil {
		t.Fatalf("default nudges must parse: %v", err)
	}
	for _, atom := range []string{
		"limit_exceeded", "circuit_breaker_open", "context_budget_exceeded",
		"skill_not_found", "unknown_dependency", "cycle_detected",
		"not_awaiting", "not_found",
	} {
		out := n.FormatError("x", atom, map[string]any{"used": 1, "max": 2})
		if out == "x" {
			t.Errorf("default table missing hint for %s", atom)
		}
	}
}

func TestNudger_MalformedTemplateSkipped(t *testing.T) {
	n := NewNudger(testLogger())
	err := n.Load([]byte("nudges:\n  broken: \"{{.unclosed\"\n  fine: \"ok hint\"\n"))
	if err != nil {
		t.Fatalf("one bad template must not fail the load: %v", err)
	}
	if out := n.FormatError("base", "broken", nil); out != "base" {
		t.Errorf("broken template should be skipped, got %q", out)
	}
	if out := n.FormatError("base", "fine", nil); !strings.Contains(out, "ok hint") {
		t.Errorf("valid templates should still load, got %q", out)
	}
}
