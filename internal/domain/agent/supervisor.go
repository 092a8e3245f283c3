package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/entity"
	"github.com/loomlab/loom/kernel/pkg/safego"
)

// Worker is one in-flight sub-agent execution tracked by the supervisor.
// Its result is readable only after Done() is closed.
type Worker struct {
	AgentID string

	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	result entity.AgentResult
	ended  bool
}

// Done is closed when the worker has terminated (normally or by crash).
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Result returns the worker's outcome and whether it has terminated.
func (w *Worker) Result() (entity.AgentResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result, w.ended
}

// finish records the result exactly once and closes Done.
func (w *Worker) finish(result entity.AgentResult) {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return
	}
	w.result = result
	w.ended = true
	w.mu.Unlock()
	close(w.done)
}

// Supervisor owns the sub-agent workers of one conversation. Its lifetime
// is bounded by the engine's: shutting the engine down cancels every
// worker it spawned. Worker crashes never propagate — they are converted
// to failed results for the scheduler to observe.
type Supervisor struct {
	conversationID string
	logger         *zap.Logger

	mu      sync.Mutex
	workers map[string]*Worker
	root    context.Context
	stop    context.CancelFunc
	closed  bool
}

// NewSupervisor creates a supervisor scoped to one conversation.
func NewSupervisor(conversationID string, logger *zap.Logger) *Supervisor {
	root, stop := context.WithCancel(context.Background())
	return &Supervisor{
		conversationID: conversationID,
		logger: logger.With(
			zap.String("component", "agent-supervisor"),
			zap.String("conversation_id", conversationID),
		),
		workers: make(map[string]*Worker),
		root:    root,
		stop:    stop,
	}
}

// Spawn starts one worker running fn. The worker's context descends from
// the supervisor root, so Shutdown cancels it. A panic in fn is logged and
// synthesized into a failed result.
func (s *Supervisor) Spawn(agentID string, fn func(ctx context.Context) entity.AgentResult) (*Worker, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor for conversation %s is shut down", s.conversationID)
	}
	if _, exists := s.workers[agentID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("agent %s already spawned in this turn", agentID)
	}

	ctx, cancel := context.WithCancel(s.root)
	w := &Worker{
		AgentID: agentID,
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	s.workers[agentID] = w
	s.mu.Unlock()

	safego.GoRecover(s.logger, "subagent-"+agentID,
		func() {
			defer cancel()
			w.finish(fn(ctx))
		},
		func(r any) {
			w.finish(entity.FailedResult(fmt.Sprintf("agent crashed: %v", r)))
		},
	)

	s.logger.Debug("Worker spawned", zap.String("agent_id", agentID))
	return w, nil
}

// Get returns the worker for an agent id within the current turn.
func (s *Supervisor) Get(agentID string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[agentID]
	return w, ok
}

// Workers returns the workers for the named agents, skipping unknown ids.
func (s *Supervisor) Workers(agentIDs []string) map[string]*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Worker, len(agentIDs))
	for _, id := range agentIDs {
		if w, ok := s.workers[id]; ok {
			out[id] = w
		}
	}
	return out
}

// Reset clears the worker table at a turn boundary. Agent ids are only
// unique within a turn, so stale entries must not shadow new dispatches.
// In-flight workers keep running until they observe cancellation or finish.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = make(map[string]*Worker)
}

// Shutdown cancels every worker and rejects further spawns. Called when
// the engine terminates.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	n := len(s.workers)
	s.mu.Unlock()

	s.stop()
	s.logger.Info("Supervisor shut down", zap.Int("workers", n))
}
