package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loomlab/loom/kernel/internal/domain/service"
)

// Config is the application configuration, loaded from config.yaml.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	LLM      LLMConfig      `mapstructure:"llm"`

	// Defaults maps a role (orchestrator, sub_agent, sentinel,
	// compaction) to a model tier.
	Defaults map[string]string `mapstructure:"defaults"`
	Models   []ModelConfig     `mapstructure:"models"`
	Limits   LimitsConfig      `mapstructure:"limits"`
	Engine   EngineConfig      `mapstructure:"engine"`
}

// ServerConfig configures the HTTP interface.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	BotToken string  `mapstructure:"bot_token"`
	AllowIDs []int64 `mapstructure:"allow_ids"`
}

// DatabaseConfig configures the persistent stores.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// LLMConfig configures the provider router.
type LLMConfig struct {
	Providers []ProviderConfig `mapstructure:"providers"`
}

// ProviderConfig configures one OpenAI-compatible provider endpoint.
type ProviderConfig struct {
	Name     string   `mapstructure:"name"`
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
	TimeoutS int      `mapstructure:"timeout"` // seconds
}

// ModelConfig describes one usable model.
type ModelConfig struct {
	ID               string   `mapstructure:"id"`
	Tier             string   `mapstructure:"tier"` // fast, balanced, deep
	UseCases         []string `mapstructure:"use_cases"`
	SupportsTools    bool     `mapstructure:"supports_tools"`
	MaxContextTokens int      `mapstructure:"max_context_tokens"`
	CostTier         string   `mapstructure:"cost_tier"`
}

// LimitsConfig holds the window budget and the four-level thresholds.
type LimitsConfig struct {
	ContextUtilizationTarget float64 `mapstructure:"context_utilization_target"`
	ResponseReserveTokens    int     `mapstructure:"response_reserve_tokens"`

	FuseThreshold int `mapstructure:"fuse_threshold"`
	FuseWindowMS  int `mapstructure:"fuse_window_ms"`

	MaxSkillCallsPerAgent int `mapstructure:"max_skill_calls_per_agent"`
	MaxAgentsPerTurn      int `mapstructure:"max_agents_per_turn"`
	MaxSkillCallsPerTurn  int `mapstructure:"max_skill_calls_per_turn"`

	WindowMaxCalls int `mapstructure:"window_max_calls"`
	WindowMS       int `mapstructure:"window_ms"`

	WaveTimeoutMS int `mapstructure:"wave_timeout_ms"`
}

// EngineConfig holds per-engine tunables.
type EngineConfig struct {
	MaxIterations   int     `mapstructure:"max_iterations"`
	Temperature     float64 `mapstructure:"temperature"`
	Mode            string  `mapstructure:"mode"` // multi_agent, single_loop
	ContextFileBase string  `mapstructure:"context_file_base"`
}

// Load reads config.yaml from the given directory (or ~/.loom when empty).
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = HomeDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8700)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "loom.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("defaults.orchestrator", "balanced")
	v.SetDefault("defaults.sub_agent", "balanced")
	v.SetDefault("defaults.sentinel", "fast")
	v.SetDefault("defaults.compaction", "fast")

	v.SetDefault("limits.context_utilization_target", 0.85)
	v.SetDefault("limits.response_reserve_tokens", 4096)
	v.SetDefault("limits.fuse_threshold", 5)
	v.SetDefault("limits.fuse_window_ms", 60000)
	v.SetDefault("limits.max_skill_calls_per_agent", 5)
	v.SetDefault("limits.max_agents_per_turn", 10)
	v.SetDefault("limits.max_skill_calls_per_turn", 30)
	v.SetDefault("limits.window_max_calls", 50)
	v.SetDefault("limits.window_ms", 300000)
	v.SetDefault("limits.wave_timeout_ms", 120000)

	v.SetDefault("engine.max_iterations", 10)
	v.SetDefault("engine.temperature", 0.7)
	v.SetDefault("engine.mode", "multi_agent")
}

// ServiceLimits converts the config into the domain limits shape.
func (c *Config) ServiceLimits() service.LimitsConfig {
	return service.LimitsConfig{
		MaxAgentsPerTurn:      c.Limits.MaxAgentsPerTurn,
		MaxSkillCallsPerTurn:  c.Limits.MaxSkillCallsPerTurn,
		MaxSkillCallsPerAgent: c.Limits.MaxSkillCallsPerAgent,
		WindowMaxCalls:        c.Limits.WindowMaxCalls,
		WindowDuration:        time.Duration(c.Limits.WindowMS) * time.Millisecond,
	}
}

// Resolver builds a ModelResolver over the configured models and role
// defaults.
func (c *Config) Resolver() *Resolver {
	byID := make(map[string]ModelConfig, len(c.Models))
	byTier := make(map[string]ModelConfig)
	for _, m := range c.Models {
		byID[m.ID] = m
		if _, taken := byTier[m.Tier]; !taken {
			byTier[m.Tier] = m
		}
	}
	return &Resolver{defaults: c.Defaults, byID: byID, byTier: byTier}
}

// Resolver implements service.ModelResolver: an explicit override beats
// the role's tier default; an unknown override still resolves with a
// conservative context window so dispatches do not fail on model naming.
type Resolver struct {
	defaults map[string]string
	byID     map[string]ModelConfig
	byTier   map[string]ModelConfig
}

const fallbackContextTokens = 128000

var _ service.ModelResolver = (*Resolver)(nil)

// Resolve implements service.ModelResolver.
func (r *Resolver) Resolve(role, override string) service.ModelInfo {
	if override != "" {
		if m, ok := r.byID[override]; ok {
			return toModelInfo(m)
		}
		return service.ModelInfo{ID: override, MaxContextTokens: fallbackContextTokens, SupportsTools: true}
	}
	tier, ok := r.defaults[role]
	if !ok {
		return service.ModelInfo{}
	}
	if m, ok := r.byTier[tier]; ok {
		return toModelInfo(m)
	}
	return service.ModelInfo{}
}

func toModelInfo(m ModelConfig) service.ModelInfo {
	info := service.ModelInfo{
		ID:               m.ID,
		Tier:             m.Tier,
		SupportsTools:    m.SupportsTools,
		MaxContextTokens: m.MaxContextTokens,
		CostTier:         m.CostTier,
	}
	if info.MaxContextTokens <= 0 {
		info.MaxContextTokens = fallbackContextTokens
	}
	return info
}
