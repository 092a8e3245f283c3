package agent

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
	kerrors "github.com/loomlab/loom/kernel/pkg/errors"
)

// WaitMode selects how WaitForAgents blocks.
type WaitMode string

const (
	WaitAny WaitMode = "wait_any"
	WaitAll WaitMode = "wait_all"
)

// RunFunc executes one sub-agent. Injected by the engine to decouple the
// scheduler from the sub-agent loop internals.
type RunFunc func(ctx context.Context, params entity.DispatchParams, depResults map[string]entity.AgentResult) entity.AgentResult

// StatusObserver reports the live snapshot of a running agent, so the wave
// wait can release agents that paused on request_help. May be nil.
type StatusObserver func(agentID string) (entity.AgentSnapshot, bool)

// SchedulerConfig configures wave execution.
type SchedulerConfig struct {
	WaveTimeout time.Duration // bound on one wave of concurrent workers
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{WaveTimeout: 120 * time.Second}
}

// Scheduler turns a batch of dispatch parameters into execution waves and
// runs them under the conversation's supervisor.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.WaveTimeout <= 0 {
		cfg.WaveTimeout = 120 * time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "agent-scheduler")),
	}
}

// PlanWaves validates the dispatch DAG and returns the ordered waves.
// Wave 0 holds agents with no dependencies; wave i+1 holds agents whose
// dependencies all live in waves 0..i. The planning is a pure function of
// the batch: ids within a wave are sorted so identical input yields
// identical output.
func (s *Scheduler) PlanWaves(dispatches map[string]entity.DispatchParams) ([][]string, error) {
	if len(dispatches) == 0 {
		return [][]string{}, nil
	}

	// Every depends_on reference must name a member of the batch.
	for id, params := range dispatches {
		for _, dep := range params.DependsOn {
			if _, ok := dispatches[dep]; !ok {
				return nil, kerrors.Newf(kerrors.CodeUnknownDependency,
					"agent %q depends on unknown agent %q", id, dep).
					WithDetails(map[string]any{"agent_id": id, "dependency": dep})
			}
		}
	}

	// Kahn's algorithm: the topological sort must visit every node,
	// otherwise the graph has a cycle.
	inDegree := make(map[string]int, len(dispatches))
	dependents := make(map[string][]string)
	for id, params := range dispatches {
		inDegree[id] = len(params.DependsOn)
		for _, dep := range params.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(dispatches))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for i := 0; i < len(queue); i++ {
		visited++
		for _, next := range dependents[queue[i]] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(dispatches) {
		return nil, kerrors.Newf(kerrors.CodeCycleDetected,
			"dependency graph contains a cycle (resolved %d of %d agents)", visited, len(dispatches)).
			WithDetails(map[string]any{"resolved": visited, "total": len(dispatches)})
	}

	// Level = 1 + max(level of dependencies). Agents with the same level
	// (identical dependency closure depth) share a wave.
	level := make(map[string]int, len(dispatches))
	var levelOf func(id string) int
	levelOf = func(id string) int {
		if l, ok := level[id]; ok {
			return l
		}
		max := -1
		for _, dep := range dispatches[id].DependsOn {
			if l := levelOf(dep); l > max {
				max = l
			}
		}
		level[id] = max + 1
		return max + 1
	}

	maxLevel := 0
	for id := range dispatches {
		if l := levelOf(id); l > maxLevel {
			maxLevel = l
		}
	}

	waves := make([][]string, maxLevel+1)
	for id, l := range level {
		waves[l] = append(waves[l], id)
	}
	for _, wave := range waves {
		sort.Strings(wave)
	}
	return waves, nil
}

// Execute plans and runs the batch. Workers of one wave run concurrently
// under sup; crashes and timeouts are normalized to failed/timeout
// results; agents whose transitive dependencies failed are skipped without
// ever starting.
func (s *Scheduler) Execute(
	ctx context.Context,
	dispatches map[string]entity.DispatchParams,
	sup *Supervisor,
	run RunFunc,
	observe StatusObserver,
) (map[string]entity.AgentResult, error) {
	waves, err := s.PlanWaves(dispatches)
	if err != nil {
		return nil, err
	}

	results := make(map[string]entity.AgentResult, len(dispatches))
	skipped := make(map[string]bool)

	s.logger.Info("Executing dispatch batch",
		zap.Int("agents", len(dispatches)),
		zap.Int("waves", len(waves)),
	)

	for waveIdx, wave := range waves {
		members := make([]string, 0, len(wave))
		for _, id := range wave {
			if !skipped[id] {
				members = append(members, id)
			}
		}
		if len(members) == 0 {
			continue
		}

		workers := make(map[string]*Worker, len(members))
		for _, id := range members {
			params := dispatches[id]
			deps := filterDeps(results, params.DependsOn)
			w, spawnErr := sup.Spawn(id, func(workerCtx context.Context) entity.AgentResult {
				return run(workerCtx, params, deps)
			})
			if spawnErr != nil {
				results[id] = entity.FailedResult("agent crashed: " + spawnErr.Error())
				continue
			}
			workers[id] = w
		}

		// Wait for the entire wave, bounded by the wave timeout.
		doneCh := make(chan string, len(workers))
		for id, w := range workers {
			go func(id string, w *Worker) {
				<-w.Done()
				doneCh <- id
			}(id, w)
		}

		waveDeadline := time.NewTimer(s.cfg.WaveTimeout)
		pausePoll := time.NewTicker(100 * time.Millisecond)
		released := make(map[string]bool)
		remaining := len(workers)
		for remaining > 0 {
			select {
			case id := <-doneCh:
				if result, ok := workers[id].Result(); ok {
					results[id] = result
				} else {
					results[id] = entity.FailedResult("agent crashed: no result reported")
				}
				if released[id] {
					delete(released, id)
				} else {
					remaining--
				}
			case <-pausePoll.C:
				if observe == nil {
					continue
				}
				// An agent paused on request_help releases its wave slot:
				// the worker keeps running, the wave records the paused
				// status, and the engine resumes it in a later iteration.
				for id := range workers {
					if _, done := results[id]; done || released[id] {
						continue
					}
					if snap, ok := observe(id); ok && snap.Status == entity.AgentAwaiting {
						results[id] = entity.AgentResult{
							Status: entity.AgentAwaiting,
							Result: snap.AwaitingReason,
						}
						released[id] = true
						remaining--
						s.logger.Info("Agent paused, releasing wave slot",
							zap.String("agent_id", id),
						)
					}
				}
			case <-waveDeadline.C:
				s.logger.Warn("Wave timeout",
					zap.Int("wave", waveIdx),
					zap.Duration("timeout", s.cfg.WaveTimeout),
				)
				for id, w := range workers {
					if _, ok := results[id]; !ok {
						w.cancel()
						results[id] = entity.TimeoutResult()
					}
				}
				remaining = 0
			case <-ctx.Done():
				for id, w := range workers {
					if _, ok := results[id]; !ok {
						w.cancel()
						results[id] = entity.TimeoutResult()
					}
				}
				remaining = 0
			}
		}
		waveDeadline.Stop()
		pausePoll.Stop()

		// Cascading skip: any not-yet-executed agent whose transitive
		// dependency closure hits a failed or timed-out agent is skipped.
		s.cascadeSkips(dispatches, results, skipped)
	}

	return results, nil
}

// cascadeSkips marks every unexecuted agent transitively downstream of a
// failed or timed-out agent. Fixed-point iteration: keep adding agents
// whose depends_on intersects the failed set or the current skipped set
// until no new additions occur.
func (s *Scheduler) cascadeSkips(
	dispatches map[string]entity.DispatchParams,
	results map[string]entity.AgentResult,
	skipped map[string]bool,
) {
	failed := make(map[string]bool)
	for id, r := range results {
		if r.Status == entity.AgentFailed || r.Status == entity.AgentTimeout {
			failed[id] = true
		}
	}
	if len(failed) == 0 {
		return
	}

	for changed := true; changed; {
		changed = false
		for id, params := range dispatches {
			if _, done := results[id]; done {
				continue
			}
			if skipped[id] {
				continue
			}
			var failedDeps []string
			for _, dep := range params.DependsOn {
				if failed[dep] || skipped[dep] {
					failedDeps = append(failedDeps, dep)
				}
			}
			if len(failedDeps) > 0 {
				sort.Strings(failedDeps)
				skipped[id] = true
				results[id] = entity.SkippedResult(failedDeps)
				changed = true
				s.logger.Info("Agent skipped",
					zap.String("agent_id", id),
					zap.String("failed_deps", strings.Join(failedDeps, ",")),
				)
			}
		}
	}
}

// WaitForAgents observes in-flight workers of the supervisor.
//
//   - WaitAny returns as soon as any named worker is terminal, or when the
//     timeout expires; agents not yet terminal are absent from the result.
//   - WaitAll returns when all named workers have terminated, synthesizing
//     timeout results for any that did not.
//
// Unknown agent ids are silently absent — the engine reports their status
// from its own accumulator.
func (s *Scheduler) WaitForAgents(
	ctx context.Context,
	sup *Supervisor,
	agentIDs []string,
	mode WaitMode,
	timeout time.Duration,
) map[string]entity.AgentResult {
	if timeout <= 0 {
		timeout = s.cfg.WaveTimeout
	}
	workers := sup.Workers(agentIDs)
	results := make(map[string]entity.AgentResult)

	collect := func() (terminal int) {
		for id, w := range workers {
			if r, ok := w.Result(); ok {
				results[id] = r
				terminal++
			}
		}
		return terminal
	}

	if collect() > 0 && mode == WaitAny {
		return results
	}
	if len(results) == len(workers) {
		return results
	}

	// Fan worker completions into one channel.
	doneCh := make(chan string, len(workers))
	for id, w := range workers {
		if _, ok := results[id]; ok {
			continue
		}
		go func(id string, w *Worker) {
			<-w.Done()
			doneCh <- id
		}(id, w)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for len(results) < len(workers) {
		select {
		case id := <-doneCh:
			if r, ok := workers[id].Result(); ok {
				results[id] = r
			}
			if mode == WaitAny {
				// Sweep any other workers that finished in the meantime.
				collect()
				return results
			}
		case <-deadline.C:
			if mode == WaitAll {
				for id := range workers {
					if _, ok := results[id]; !ok {
						results[id] = entity.TimeoutResult()
					}
				}
			}
			return results
		case <-ctx.Done():
			if mode == WaitAll {
				for id := range workers {
					if _, ok := results[id]; !ok {
						results[id] = entity.TimeoutResult()
					}
				}
			}
			return results
		}
	}
	return results
}

// filterDeps copies the results of the named dependencies.
func filterDeps(results map[string]entity.AgentResult, deps []string) map[string]entity.AgentResult {
	out := make(map[string]entity.AgentResult, len(deps))
	for _, dep := range deps {
		if r, ok := results[dep]; ok {
			out[dep] = r
		}
	}
	return out
}
