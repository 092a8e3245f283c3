package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	kcontext "github.com/loomlab/loom/kernel/internal/domain/context"
	"github.com/loomlab/loom/kernel/internal/domain/agent"
	"github.com/loomlab/loom/kernel/internal/domain/repository"
	"github.com/loomlab/loom/kernel/internal/domain/service"
	"github.com/loomlab/loom/kernel/internal/domain/skill"
	"github.com/loomlab/loom/kernel/internal/infrastructure/config"
	"github.com/loomlab/loom/kernel/internal/infrastructure/eventbus"
	"github.com/loomlab/loom/kernel/internal/infrastructure/llm"
	_ "github.com/loomlab/loom/kernel/internal/infrastructure/llm/openai" // register provider factory
	"github.com/loomlab/loom/kernel/internal/infrastructure/persistence"
	"github.com/loomlab/loom/kernel/pkg/safego"
)

// App wires the kernel together: configuration, logging, stores, the LLM
// router, the skill registry, and the per-conversation engine registry.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    *zap.Logger

	Bus      *eventbus.Bus
	Skills   *skill.AtomicRegistry
	Fuses    *skill.FuseBox
	Nudger   *service.Nudger
	Router   *llm.Router
	Registry *EngineRegistry

	Messages   repository.MessageRepository
	Dispatches repository.DispatchRecordRepository

	watcher *config.Watcher
}

// Options carries optional overrides for tests and embedding.
type Options struct {
	ConfigDir string
	Skills    []*skill.Skill // initial catalog; hot reload replaces it
}

// New builds the application. The process logger must already exist.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*App, error) {
	app := &App{
		Config:    cfg,
		ConfigDir: opts.ConfigDir,
		Logger:    logger,
		Bus:       eventbus.New(logger, 256),
		Skills:    skill.NewAtomicRegistry(opts.Skills),
		Fuses: skill.NewFuseBox(skill.FuseConfig{
			Threshold: cfg.Limits.FuseThreshold,
			Window:    time.Duration(cfg.Limits.FuseWindowMS) * time.Millisecond,
		}),
		Nudger: service.NewNudger(logger),
	}

	// Nudge table: seed defaults, then prefer the file on disk.
	if err := app.Nudger.Load([]byte(service.DefaultNudges)); err != nil {
		return nil, err
	}
	if path := config.NudgesPath(opts.ConfigDir); path != "" {
		if err := app.Nudger.LoadFile(path); err != nil {
			logger.Warn("Using built-in nudges", zap.Error(err))
		}
	}

	// LLM router from provider configs.
	providerCfgs := make([]llm.ProviderConfig, 0, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		providerCfgs = append(providerCfgs, llm.ProviderConfig{
			Name:     p.Name,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		})
	}
	router, err := llm.FromConfigs(providerCfgs, logger)
	if err != nil {
		return nil, err
	}
	app.Router = router

	// Persistent stores.
	db, err := persistence.Open(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	app.Messages = persistence.NewGormMessageRepository(db, logger)
	app.Dispatches = persistence.NewGormDispatchRepository(db)

	app.Registry = NewEngineRegistry(app.engineFactory(), logger)
	return app, nil
}

// engineFactory builds one engine per conversation, sharing the scheduler,
// sentinel, assembler, and stores across all of them.
func (a *App) engineFactory() EngineFactory {
	resolver := a.Config.Resolver()
	assembler := kcontext.NewAssembler(kcontext.Config{
		UtilizationTarget: a.Config.Limits.ContextUtilizationTarget,
		ResponseReserve:   a.Config.Limits.ResponseReserveTokens,
	}, a.Logger)
	sentinel := service.NewSentinel(a.Router, resolver, a.Logger)
	scheduler := agent.NewScheduler(agent.SchedulerConfig{
		WaveTimeout: time.Duration(a.Config.Limits.WaveTimeoutMS) * time.Millisecond,
	}, a.Logger)

	engineCfg := service.DefaultEngineConfig()
	engineCfg.MaxIterations = a.Config.Engine.MaxIterations
	engineCfg.Temperature = a.Config.Engine.Temperature
	if a.Config.Engine.Mode != "" {
		engineCfg.Mode = service.Mode(a.Config.Engine.Mode)
	}
	engineCfg.Limits = a.Config.ServiceLimits()

	deps := service.EngineDeps{
		LLM:             a.Router,
		Models:          resolver,
		Skills:          a.Skills,
		Sentinel:        sentinel,
		Fuses:           a.Fuses,
		Assembler:       assembler,
		Nudger:          a.Nudger,
		Scheduler:       scheduler,
		Bus:             a.Bus,
		Messages:        a.Messages,
		Dispatches:      a.Dispatches,
		ContextFileBase: a.Config.Engine.ContextFileBase,
		Logger:          a.Logger,
	}

	return func(conversationID, userID, channel string) *service.Engine {
		engine := service.NewEngine(conversationID, userID, channel, engineCfg, deps)
		// Engines reload from the message store on restart; the hot path
		// never reads through the repository again.
		if a.Messages != nil {
			if history, err := a.Messages.History(context.Background(), conversationID, 200); err == nil && len(history) > 0 {
				engine.Seed(history)
			}
		}
		return engine
	}
}

// Start launches background facilities: config hot reload and idle engine
// eviction.
func (a *App) Start() error {
	watcher, err := config.NewWatcher(a.ConfigDir, a.Logger)
	if err != nil {
		a.Logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		a.watcher = watcher
		watcher.OnReload(func(cfg *config.Config) {
			// Hot-reloadable pieces: the nudge table. The new config is
			// stored on the App, but the engine factory keeps the engine,
			// limit and model settings read in New, so engines created
			// after the reload still use those.
			if err := a.Nudger.LoadFile(config.NudgesPath(a.ConfigDir)); err != nil {
				a.Logger.Warn("Nudges reload failed", zap.Error(err))
			}
			a.Config = cfg
		})
		safego.Go(a.Logger, "config-watcher", watcher.Start)
	}

	safego.Go(a.Logger, "engine-evictor", func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			a.Registry.EvictIdle(time.Hour)
		}
	})

	return nil
}

// Stop shuts the application down in dependency order.
func (a *App) Stop() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.Registry.ShutdownAll()
	a.Bus.Close()
	a.Logger.Info("Application stopped")
}
