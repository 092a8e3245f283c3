package service

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"text/template"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Nudger maps error atoms to short recovery hints appended to
// error-producing tool results, steering the LLM toward a different
// approach. The hint table is loaded from nudges.yaml; adding or changing
// a hint requires no code change. Unknown atoms pass the base message
// through untouched.
type Nudger struct {
	templates atomic.Pointer[map[string]*template.Template]
	logger    *zap.Logger
}

// nudgeFile is the YAML shape of nudges.yaml.
type nudgeFile struct {
	Nudges map[string]string `yaml:"nudges"`
}

// NewNudger creates a Nudger with an empty table.
func NewNudger(logger *zap.Logger) *Nudger {
	n := &Nudger{logger: logger.With(zap.String("component", "nudger"))}
	empty := map[string]*template.Template{}
	n.templates.Store(&empty)
	return n
}

// LoadFile loads (or hot-reloads) the hint table from a YAML file. The
// table is swapped atomically; a parse failure keeps the previous table.
func (n *Nudger) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read nudges file: %w", err)
	}
	return n.Load(data)
}

// Load parses YAML hint definitions and swaps the table.
func (n *Nudger) Load(data []byte) error {
	var file nudgeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse nudges yaml: %w", err)
	}

	compiled := make(map[string]*template.Template, len(file.Nudges))
	for atom, text := range file.Nudges {
		tmpl, err := template.New(atom).Option("missingkey=zero").Parse(text)
		if err != nil {
			n.logger.Warn("Skipping malformed nudge template",
				zap.String("atom", atom),
				zap.Error(err),
			)
			continue
		}
		compiled[atom] = tmpl
	}

	n.templates.Store(&compiled)
	n.logger.Info("Nudge table loaded", zap.Int("hints", len(compiled)))
	return nil
}

// FormatError appends the rendered hint for the atom, if one exists:
// "<base>\n\nHint: <rendered>". Details are the template variables.
func (n *Nudger) FormatError(base, atom string, details map[string]any) string {
	tmpl, ok := (*n.templates.Load())[atom]
	if !ok {
		return base
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, details); err != nil {
		n.logger.Warn("Nudge template render failed",
			zap.String("atom", atom),
			zap.Error(err),
		)
		return base
	}
	return base + "\n\nHint: " + sb.String()
}

// DefaultNudges is the seed content written by config bootstrap when no
// nudges.yaml exists yet.
const DefaultNudges = `# Recovery hints appended to error tool-results, keyed by error atom.
# Templates render with the error's detail fields ({{.used}}, {{.max}}, ...).
nudges:
  limit_exceeded: "You have used {{.used}} of {{.max}} allowed calls. Finish with what you have, or continue in the next turn."
  circuit_breaker_open: "This skill is failing repeatedly and has been paused. Try a different skill or report the partial result."
  context_budget_exceeded: "The context files are too large for the agent's window. Drop the largest file and dispatch again."
  skill_not_found: "That skill does not exist. Call get_skill to list the available domains and pick an exact name."
  unknown_dependency: "depends_on must reference agent_ids dispatched in the same batch. Fix the ids and dispatch again."
  cycle_detected: "The dependency graph has a cycle. Remove the circular depends_on reference and dispatch again."
  not_awaiting: "That agent is not waiting for input. Check get_agent_results before sending updates."
  not_found: "No agent with that id exists in this turn. Check the agent_id against your dispatches."
`
