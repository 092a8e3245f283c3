package skill

import (
	"context"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Kind classifies what a skill does to the outside world. The Sentinel's
// reasoning principles key off this: read-only skills may be approved on
// loose alignment, irreversible ones require strong alignment.
type Kind string

const (
	KindRead         Kind = "read"         // *.search, *.list, *.get, *.read
	KindMutate       Kind = "mutate"       // create, update, move
	KindIrreversible Kind = "irreversible" // send, archive, delete
)

// ReadOnlyActions are the action suffixes treated as low-risk.
var ReadOnlyActions = map[string]bool{
	"search": true,
	"list":   true,
	"get":    true,
	"read":   true,
}

// KindForName infers a Kind from a skill name when the descriptor does not
// declare one.
func KindForName(name string) Kind {
	_, action := SplitName(name)
	if ReadOnlyActions[action] {
		return KindRead
	}
	switch action {
	case "send", "archive", "delete":
		return KindIrreversible
	default:
		return KindMutate
	}
}

// SplitName splits "domain.action" into its parts. A bare name is treated
// as a domain with an empty action.
func SplitName(name string) (domain, action string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// Context bundles the identities and credentials a handler needs. The
// kernel fills it from loop state; handlers never see engine internals.
type Context struct {
	ConversationID string
	UserID         string
	Channel        string
	AgentID        string
	Integrations   map[string]string // integration name → account id
	Credentials    map[string]string // per-user credential references
}

// Result is the outcome of one handler execution.
type Result struct {
	Status        string         `json:"status"`
	Content       string         `json:"content"`
	SideEffects   []string       `json:"side_effects,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	FilesProduced []string       `json:"files_produced,omitempty"`
}

// Handler executes the side-effectful part of a skill. Implementations
// live outside the kernel; idempotence is not required.
type Handler interface {
	Execute(ctx context.Context, flags map[string]any, sc Context) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, flags map[string]any, sc Context) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, flags map[string]any, sc Context) (*Result, error) {
	return f(ctx, flags, sc)
}

// Skill is one named, documented, policy-gated tool.
type Skill struct {
	Name     string // "email.send"
	Domain   string // "email"
	Kind     Kind
	Markdown string // full documentation body shown to sub-agents
	Enabled  bool
	Handler  Handler
}

// Brief returns a one-line summary of the skill extracted from its
// markdown body: the first heading if present, else the first paragraph
// line, else the name.
func (s *Skill) Brief() string {
	if b := extractBrief(s.Markdown); b != "" {
		return b
	}
	return s.Name
}

// extractBrief walks the markdown AST and returns the first heading text,
// falling back to the first paragraph's first line.
func extractBrief(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}
	source := []byte(markdown)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var firstParagraph string
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		switch n := node.(type) {
		case *ast.Heading:
			if t := strings.TrimSpace(nodeText(n, source)); t != "" {
				return t
			}
		case *ast.Paragraph:
			if firstParagraph == "" {
				line := nodeText(n, source)
				if i := strings.IndexByte(line, '\n'); i >= 0 {
					line = line[:i]
				}
				firstParagraph = strings.TrimSpace(line)
			}
		}
	}
	return firstParagraph
}

func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
			continue
		}
		sb.WriteString(nodeText(c, source))
	}
	return sb.String()
}
