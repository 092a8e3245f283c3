package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/service"
)

// Router implements service.LLMClient by routing each request to the
// first available provider that supports the requested model, with
// per-provider circuit breaking and latency tracking.
type Router struct {
	providers []Provider
	stats     map[string]*providerStats
	breakers  map[string]*CircuitBreaker
	mu        sync.RWMutex
	logger    *zap.Logger
}

// providerStats tracks per-provider performance metrics.
type providerStats struct {
	TotalCalls   int64
	FailureCount int64
	LastLatency  time.Duration
}

// NewRouter creates a new LLM router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		stats:    make(map[string]*providerStats),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

// Compile-time interface check: Router implements service.LLMClient
var _ service.LLMClient = (*Router)(nil)

// AddProvider adds a provider to the router. Providers are tried in
// insertion order.
func (r *Router) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	r.stats[p.Name()] = &providerStats{}
	r.breakers[p.Name()] = NewCircuitBreaker(5, 30*time.Second)
	r.logger.Info("LLM provider added",
		zap.String("name", p.Name()),
		zap.Strings("models", p.Models()),
	)
}

// FromConfigs builds a router from provider configs sorted by priority.
func FromConfigs(configs []ProviderConfig, logger *zap.Logger) (*Router, error) {
	sorted := make([]ProviderConfig, len(configs))
	copy(sorted, configs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	router := NewRouter(logger)
	for _, cfg := range sorted {
		p, err := CreateProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
		router.AddProvider(p)
	}
	return router, nil
}

// Chat implements service.LLMClient.
func (r *Router) Chat(ctx context.Context, req *service.ChatRequest) (*service.ChatResponse, error) {
	r.mu.RLock()
	providers := make([]Provider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	var lastErr error

	for _, p := range providers {
		if req.Model != "" && !p.SupportsModel(req.Model) {
			continue
		}
		if !p.IsAvailable(ctx) {
			r.logger.Debug("Provider unavailable, skipping",
				zap.String("provider", p.Name()),
			)
			continue
		}

		cb := r.breakerFor(p.Name())
		if !cb.Allow() {
			r.logger.Debug("Provider circuit open, skipping",
				zap.String("provider", p.Name()),
			)
			continue
		}

		start := time.Now()
		resp, err := p.Chat(ctx, req)
		latency := time.Since(start)
		r.recordCall(p.Name(), latency, err)

		if err != nil {
			cb.RecordFailure()
			lastErr = err
			r.logger.Warn("Provider call failed, trying next",
				zap.String("provider", p.Name()),
				zap.String("model", req.Model),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			continue
		}

		cb.RecordSuccess()
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed for model %q: %w", req.Model, lastErr)
	}
	return nil, fmt.Errorf("no provider available for model %q", req.Model)
}

func (r *Router) breakerFor(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

func (r *Router) recordCall(name string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats[name]
	if s == nil {
		return
	}
	s.TotalCalls++
	s.LastLatency = latency
	if err != nil {
		s.FailureCount++
	}
}
