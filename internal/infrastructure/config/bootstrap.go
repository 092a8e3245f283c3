package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/loomlab/loom/kernel/internal/domain/service"
)

// AppName is the canonical application name.
const AppName = "loom"

// HomeDir returns the user's configuration home: ~/.loom
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// NudgesPath returns the hint-table file inside the config dir.
func NudgesPath(dir string) string {
	if dir == "" {
		dir = HomeDir()
	}
	return filepath.Join(dir, "nudges.yaml")
}

// Bootstrap ensures the config directory exists with all default content.
// Safe to call multiple times — only creates missing items, never
// overwrites user edits.
func Bootstrap(dir string, logger *zap.Logger) error {
	if dir == "" {
		dir = HomeDir()
	}

	dirs := []string{
		dir,
		filepath.Join(dir, "context"),
		filepath.Join(dir, "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", d, err)
		}
	}

	defaults := map[string]string{
		filepath.Join(dir, "config.yaml"): defaultConfig,
		filepath.Join(dir, "nudges.yaml"): service.DefaultNudges,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write default %s: %w", path, err)
		}
		created++
	}

	if created > 0 {
		logger.Info("Config bootstrap complete",
			zap.String("dir", dir),
			zap.Int("created", created),
		)
	}
	return nil
}

const defaultConfig = `# Loom kernel configuration
server:
  host: 127.0.0.1
  port: 8700
  mode: release

log:
  level: info
  format: json
  output_path: stdout

database:
  type: sqlite
  dsn: loom.db

telegram:
  enabled: false
  bot_token: ""
  allow_ids: []

llm:
  providers:
    - name: openai
      base_url: https://api.openai.com/v1
      api_key: ${OPENAI_API_KEY}
      models: ["gpt-4o", "gpt-4o-mini"]
      priority: 1

# Role -> model tier
defaults:
  orchestrator: balanced
  sub_agent: balanced
  sentinel: fast
  compaction: fast

models:
  - id: gpt-4o
    tier: balanced
    use_cases: [orchestration, agents]
    supports_tools: true
    max_context_tokens: 128000
    cost_tier: medium
  - id: gpt-4o-mini
    tier: fast
    use_cases: [classification, compaction]
    supports_tools: true
    max_context_tokens: 128000
    cost_tier: low

limits:
  context_utilization_target: 0.85
  response_reserve_tokens: 4096
  fuse_threshold: 5
  fuse_window_ms: 60000
  max_skill_calls_per_agent: 5
  max_agents_per_turn: 10
  max_skill_calls_per_turn: 30
  window_max_calls: 50
  window_ms: 300000
  wave_timeout_ms: 120000

engine:
  max_iterations: 10
  temperature: 0.7
  mode: multi_agent
  context_file_base: context
`
