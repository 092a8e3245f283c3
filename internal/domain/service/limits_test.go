package service

import (
	"testing"
	"time"

	"go.uber.org/zap"

	kerrors "github.com/loomlab/loom/kernel/pkg/errors"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// === Level 3: per-turn counters ===

func TestTurnState_AgentLimit(t *testing.T) {
	ts := NewTurnState(LimitsConfig{MaxAgentsPerTurn: 3, MaxSkillCallsPerTurn: 10})

	if err := ts.AdmitAgents(2); err != nil {
		t.Fatalf("2 of 3 should be admitted: %v", err)
	}
	if err := ts.AdmitAgents(2); !kerrors.IsLimitExceeded(err) {
		t.Errorf("2 more over a 3 limit should fail, got %v", err)
	}
	if err := ts.AdmitAgents(1); err != nil {
		t.Errorf("the third agent still fits: %v", err)
	}
}

func TestTurnState_SkillCallLimit(t *testing.T) {
	ts := NewTurnState(LimitsConfig{MaxAgentsPerTurn: 3, MaxSkillCallsPerTurn: 2})
	if err := ts.AdmitSkillCall(); err != nil {
		t.Fatal(err)
	}
	if err := ts.AdmitSkillCall(); err != nil {
		t.Fatal(err)
	}
	err := ts.AdmitSkillCall()
	if !kerrors.IsLimitExceeded(err) {
		t.Fatalf("expected limit_exceeded, got %v", err)
	}
	details := kerrors.DetailsOf(err)
	if details["used"] != 2 || details["max"] != 2 {
		t.Errorf("details should carry used/max for the nudge, got %v", details)
	}
}

// === Level 2: per-agent budget ===

func TestAgentBudget_Exhaustion(t *testing.T) {
	b := NewAgentBudget(2)
	if err := b.Admit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Admit(); err != nil {
		t.Fatal(err)
	}
	if err := b.Admit(); !kerrors.IsLimitExceeded(err) {
		t.Errorf("third call over a 2 budget should fail, got %v", err)
	}
	if b.Used() != 2 {
		t.Errorf("rejected calls must not count, used=%d", b.Used())
	}
}

// === Level 4: conversation window ===

func TestConversationWindow_AdmitsUpToMax(t *testing.T) {
	w := NewConversationWindow(LimitsConfig{WindowMaxCalls: 3, WindowDuration: time.Minute}, testLogger())
	for i := 0; i < 3; i++ {
		if err := w.Admit(); err != nil {
			t.Fatalf("call %d should be admitted: %v", i+1, err)
		}
	}
	if err := w.Admit(); !kerrors.IsLimitExceeded(err) {
		t.Errorf("4th call in the window should be rejected, got %v", err)
	}
}

func TestConversationWindow_PurgesOldTimestamps(t *testing.T) {
	w := NewConversationWindow(LimitsConfig{WindowMaxCalls: 2, WindowDuration: time.Minute}, testLogger())
	now := time.Now()
	w.now = func() time.Time { return now }

	if err := w.Admit(); err != nil {
		t.Fatal(err)
	}
	if err := w.Admit(); err != nil {
		t.Fatal(err)
	}

	// The window slides: two minutes later both timestamps have aged out.
	now = now.Add(2 * time.Minute)
	if err := w.Admit(); err != nil {
		t.Errorf("old timestamps must be purged: %v", err)
	}
	if w.InWindow() != 1 {
		t.Errorf("expected 1 call in window, got %d", w.InWindow())
	}
}
