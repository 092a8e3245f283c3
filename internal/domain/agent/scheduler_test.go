package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
	kerrors "github.com/loomlab/loom/kernel/pkg/errors"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func dispatch(id string, deps ...string) entity.DispatchParams {
	return entity.DispatchParams{
		AgentID: id,
		Mission: "mission for " + id,
		Skills:  []string{"calendar.list"},
		DependsOn: deps,
	}
}

func batch(params ...entity.DispatchParams) map[string]entity.DispatchParams {
	out := make(map[string]entity.DispatchParams, len(params))
	for _, p := range params {
		out[p.AgentID] = p
	}
	return out
}

// === PlanWaves ===

func TestPlanWaves_Empty(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	waves, err := s.PlanWaves(map[string]entity.DispatchParams{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waves) != 0 {
		t.Errorf("expected no waves, got %d", len(waves))
	}
}

func TestPlanWaves_Singleton(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	waves, err := s.PlanWaves(batch(dispatch("a")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waves) != 1 || len(waves[0]) != 1 || waves[0][0] != "a" {
		t.Errorf("expected [[a]], got %v", waves)
	}
}

func TestPlanWaves_Diamond(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	waves, err := s.PlanWaves(batch(
		dispatch("a"),
		dispatch("b", "a"),
		dispatch("c", "a"),
		dispatch("d", "b", "c"),
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if len(waves) != len(want) {
		t.Fatalf("expected %d waves, got %v", len(want), waves)
	}
	for i := range want {
		if strings.Join(waves[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("wave %d: expected %v, got %v", i, want[i], waves[i])
		}
	}
}

func TestPlanWaves_Deterministic(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	b := batch(dispatch("z"), dispatch("m"), dispatch("a"), dispatch("k", "z", "a"))
	first, err := s.PlanWaves(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := s.PlanWaves(b)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for w := range first {
			if strings.Join(first[w], ",") != strings.Join(again[w], ",") {
				t.Fatalf("planning not deterministic: %v vs %v", first, again)
			}
		}
	}
}

func TestPlanWaves_TopologicalOrder(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	b := batch(
		dispatch("a"),
		dispatch("b", "a"),
		dispatch("c", "b"),
		dispatch("d", "a", "c"),
	)
	waves, err := s.PlanWaves(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waveOf := make(map[string]int)
	for i, wave := range waves {
		for _, id := range wave {
			waveOf[id] = i
		}
	}
	for id, params := range b {
		for _, dep := range params.DependsOn {
			if waveOf[id] <= waveOf[dep] {
				t.Errorf("%s (wave %d) must come after %s (wave %d)", id, waveOf[id], dep, waveOf[dep])
			}
		}
	}
}

func TestPlanWaves_Cycle(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	_, err := s.PlanWaves(batch(dispatch("a", "b"), dispatch("b", "a")))
	if !kerrors.Is(err, kerrors.CodeCycleDetected) {
		t.Errorf("expected cycle_detected, got %v", err)
	}
}

func TestPlanWaves_UnknownDependency(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	_, err := s.PlanWaves(batch(dispatch("a", "ghost")))
	if !kerrors.Is(err, kerrors.CodeUnknownDependency) {
		t.Errorf("expected unknown_dependency, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error should name the missing dependency: %v", err)
	}
}

// === Execute ===

func okRun(results map[string]string) RunFunc {
	return func(_ context.Context, params entity.DispatchParams, _ map[string]entity.AgentResult) entity.AgentResult {
		return entity.AgentResult{Status: entity.AgentDone, Result: results[params.AgentID]}
	}
}

func TestExecute_SingleAgent(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	results, err := s.Execute(context.Background(), batch(dispatch("a")), sup,
		okRun(map[string]string{"a": "done-a"}), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results["a"].Status != entity.AgentDone || results["a"].Result != "done-a" {
		t.Errorf("unexpected result: %+v", results["a"])
	}
}

func TestExecute_DependencyResultsFlow(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	var mu sync.Mutex
	seen := make(map[string]map[string]entity.AgentResult)

	run := func(_ context.Context, params entity.DispatchParams, deps map[string]entity.AgentResult) entity.AgentResult {
		mu.Lock()
		seen[params.AgentID] = deps
		mu.Unlock()
		return entity.AgentResult{Status: entity.AgentDone, Result: "ok-" + params.AgentID}
	}

	_, err := s.Execute(context.Background(), batch(dispatch("a"), dispatch("b", "a")), sup, run, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen["a"]) != 0 {
		t.Errorf("a should receive no dep results, got %v", seen["a"])
	}
	if got := seen["b"]["a"]; got.Result != "ok-a" {
		t.Errorf("b should see a's result, got %+v", seen["b"])
	}
}

func TestExecute_CascadingSkip(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	run := func(_ context.Context, params entity.DispatchParams, _ map[string]entity.AgentResult) entity.AgentResult {
		if params.AgentID == "a" {
			return entity.FailedResult("boom")
		}
		return entity.AgentResult{Status: entity.AgentDone, Result: "ok"}
	}

	results, err := s.Execute(context.Background(),
		batch(dispatch("a"), dispatch("b", "a"), dispatch("c", "b")), sup, run, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results["a"].Status != entity.AgentFailed {
		t.Errorf("a should be failed, got %s", results["a"].Status)
	}
	for _, id := range []string{"b", "c"} {
		if results[id].Status != entity.AgentSkipped {
			t.Errorf("%s should be skipped, got %s", id, results[id].Status)
		}
	}
	if !strings.Contains(results["b"].Result, "a") {
		t.Errorf("b's skip reason should name a: %q", results["b"].Result)
	}
}

func TestExecute_DiamondPartialFailure(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	run := func(_ context.Context, params entity.DispatchParams, _ map[string]entity.AgentResult) entity.AgentResult {
		if params.AgentID == "b" {
			return entity.FailedResult("b broke")
		}
		return entity.AgentResult{Status: entity.AgentDone, Result: "ok"}
	}

	results, err := s.Execute(context.Background(),
		batch(dispatch("a"), dispatch("b", "a"), dispatch("c", "a"), dispatch("d", "b", "c")),
		sup, run, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results["c"].Status != entity.AgentDone {
		t.Errorf("c is independent of b and should complete, got %s", results["c"].Status)
	}
	if results["d"].Status != entity.AgentSkipped {
		t.Errorf("d should be skipped after b failed, got %s", results["d"].Status)
	}
}

func TestExecute_CrashNormalized(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	run := func(_ context.Context, params entity.DispatchParams, _ map[string]entity.AgentResult) entity.AgentResult {
		panic("worker exploded")
	}

	results, err := s.Execute(context.Background(), batch(dispatch("a")), sup, run, nil)
	if err != nil {
		t.Fatalf("crash must not propagate: %v", err)
	}
	if results["a"].Status != entity.AgentFailed {
		t.Errorf("crash should normalize to failed, got %s", results["a"].Status)
	}
	if !strings.Contains(results["a"].Result, "agent crashed") {
		t.Errorf("result should mention the crash: %q", results["a"].Result)
	}
}

func TestExecute_WaveTimeout(t *testing.T) {
	s := NewScheduler(SchedulerConfig{WaveTimeout: 100 * time.Millisecond}, testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	run := func(ctx context.Context, params entity.DispatchParams, _ map[string]entity.AgentResult) entity.AgentResult {
		<-ctx.Done()
		return entity.AgentResult{Status: entity.AgentDone, Result: "too late"}
	}

	results, err := s.Execute(context.Background(), batch(dispatch("a")), sup, run, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results["a"].Status != entity.AgentTimeout {
		t.Errorf("expected timeout, got %s", results["a"].Status)
	}
}

func TestExecute_ParallelWithinWave(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	// b and c share a wave; each waits for the other to start. If they
	// ran sequentially the first would hang on its barrier.
	var barrier sync.WaitGroup
	barrier.Add(2)

	run := func(_ context.Context, params entity.DispatchParams, _ map[string]entity.AgentResult) entity.AgentResult {
		if params.AgentID == "a" {
			return entity.AgentResult{Status: entity.AgentDone, Result: "ok"}
		}
		barrier.Done()
		waited := make(chan struct{})
		go func() { barrier.Wait(); close(waited) }()
		select {
		case <-waited:
		case <-time.After(5 * time.Second):
			return entity.FailedResult("peer never started")
		}
		return entity.AgentResult{Status: entity.AgentDone, Result: "ok"}
	}

	results, err := s.Execute(context.Background(),
		batch(dispatch("a"), dispatch("b", "a"), dispatch("c", "a")), sup, run, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range []string{"b", "c"} {
		if results[id].Status != entity.AgentDone {
			t.Errorf("%s should complete concurrently, got %+v", id, results[id])
		}
	}
}

// === WaitForAgents ===

func TestWaitForAgents_WaitAll(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	for _, id := range []string{"x", "y"} {
		id := id
		_, err := sup.Spawn(id, func(_ context.Context) entity.AgentResult {
			time.Sleep(50 * time.Millisecond)
			return entity.AgentResult{Status: entity.AgentDone, Result: id}
		})
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
	}

	results := s.WaitForAgents(context.Background(), sup, []string{"x", "y"}, WaitAll, 2*time.Second)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	for _, id := range []string{"x", "y"} {
		if results[id].Status != entity.AgentDone {
			t.Errorf("%s should be completed, got %s", id, results[id].Status)
		}
	}
}

func TestWaitForAgents_WaitAnyReturnsEarly(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	slow := make(chan struct{})
	defer close(slow)

	sup.Spawn("fast", func(_ context.Context) entity.AgentResult { //nolint:errcheck
		return entity.AgentResult{Status: entity.AgentDone, Result: "fast"}
	})
	sup.Spawn("slow", func(_ context.Context) entity.AgentResult { //nolint:errcheck
		<-slow
		return entity.AgentResult{Status: entity.AgentDone, Result: "slow"}
	})

	results := s.WaitForAgents(context.Background(), sup, []string{"fast", "slow"}, WaitAny, 2*time.Second)
	if _, ok := results["fast"]; !ok {
		t.Fatal("wait_any should return the fast agent")
	}
	if _, ok := results["slow"]; ok {
		t.Error("slow agent is not terminal and must be absent")
	}
}

func TestWaitForAgents_WaitAllTimeoutSynthesizes(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), testLogger())
	sup := NewSupervisor("conv-1", testLogger())
	defer sup.Shutdown()

	hang := make(chan struct{})
	defer close(hang)
	sup.Spawn("stuck", func(_ context.Context) entity.AgentResult { //nolint:errcheck
		<-hang
		return entity.AgentResult{Status: entity.AgentDone}
	})

	results := s.WaitForAgents(context.Background(), sup, []string{"stuck"}, WaitAll, 50*time.Millisecond)
	if results["stuck"].Status != entity.AgentTimeout {
		t.Errorf("expected synthesized timeout, got %+v", results["stuck"])
	}
}
