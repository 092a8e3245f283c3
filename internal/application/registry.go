package application

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/service"
)

// EngineFactory builds an engine for a conversation. Injected so the
// registry stays independent of wiring details.
type EngineFactory func(conversationID, userID, channel string) *service.Engine

// EngineRegistry is the keyed lookup from conversation id to its live
// engine. Engines are created on first message and evicted after idling;
// eviction shuts the engine down, cascading to its sub-agent workers.
type EngineRegistry struct {
	mu      sync.Mutex
	engines map[string]*engineEntry
	factory EngineFactory
	logger  *zap.Logger
}

type engineEntry struct {
	engine     *service.Engine
	lastActive time.Time
}

// NewEngineRegistry creates the registry.
func NewEngineRegistry(factory EngineFactory, logger *zap.Logger) *EngineRegistry {
	return &EngineRegistry{
		engines: make(map[string]*engineEntry),
		factory: factory,
		logger:  logger.With(zap.String("component", "engine-registry")),
	}
}

// GetOrCreate returns the conversation's engine, creating it on first use.
func (r *EngineRegistry) GetOrCreate(conversationID, userID, channel string) *service.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.engines[conversationID]; ok {
		entry.lastActive = time.Now()
		return entry.engine
	}

	engine := r.factory(conversationID, userID, channel)
	r.engines[conversationID] = &engineEntry{engine: engine, lastActive: time.Now()}
	r.logger.Info("Engine created",
		zap.String("conversation_id", conversationID),
		zap.String("channel", channel),
	)
	return engine
}

// Get returns an existing engine.
func (r *EngineRegistry) Get(conversationID string) (*service.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.engines[conversationID]
	if !ok {
		return nil, false
	}
	return entry.engine, true
}

// EvictIdle shuts down and removes engines idle longer than maxIdle.
// Returns the number evicted.
func (r *EngineRegistry) EvictIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	cutoff := time.Now().Add(-maxIdle)
	for id, entry := range r.engines {
		if entry.lastActive.Before(cutoff) {
			entry.engine.Shutdown()
			delete(r.engines, id)
			evicted++
			r.logger.Info("Engine evicted", zap.String("conversation_id", id))
		}
	}
	return evicted
}

// Len returns the number of live engines.
func (r *EngineRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// ShutdownAll terminates every engine. Called on process shutdown.
func (r *EngineRegistry) ShutdownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.engines {
		entry.engine.Shutdown()
		delete(r.engines, id)
	}
}
