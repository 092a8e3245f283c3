package skill

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	kerrors "github.com/loomlab/loom/kernel/pkg/errors"
)

// Registry is the read surface the engine and sub-agents consume. A
// snapshot is immutable; hot reload swaps the whole snapshot atomically and
// readers hold one snapshot for the duration of a single operation.
type Registry interface {
	// Get returns the skill by full name ("domain.action").
	Get(name string) (*Skill, bool)
	// Domains returns all domain names, sorted.
	Domains() []string
	// DomainSkills returns the skills of one domain, sorted by name.
	DomainSkills(domain string) []*Skill
	// Snapshot returns the current immutable snapshot.
	Snapshot() *Snapshot
}

// Snapshot is one immutable view of the skill catalog.
type Snapshot struct {
	skills   map[string]*Skill
	byDomain map[string][]*Skill
	domains  []string
}

// NewSnapshot indexes the given skills. Later duplicates replace earlier
// ones so a reload can shadow built-ins.
func NewSnapshot(skills []*Skill) *Snapshot {
	s := &Snapshot{
		skills:   make(map[string]*Skill, len(skills)),
		byDomain: make(map[string][]*Skill),
	}
	for _, sk := range skills {
		if sk.Domain == "" {
			sk.Domain, _ = SplitName(sk.Name)
		}
		if sk.Kind == "" {
			sk.Kind = KindForName(sk.Name)
		}
		if _, dup := s.skills[sk.Name]; !dup {
			s.byDomain[sk.Domain] = append(s.byDomain[sk.Domain], sk)
		} else {
			// Replace in the domain slice as well
			for i, existing := range s.byDomain[sk.Domain] {
				if existing.Name == sk.Name {
					s.byDomain[sk.Domain][i] = sk
				}
			}
		}
		s.skills[sk.Name] = sk
	}
	for domain := range s.byDomain {
		sort.Slice(s.byDomain[domain], func(i, j int) bool {
			return s.byDomain[domain][i].Name < s.byDomain[domain][j].Name
		})
		s.domains = append(s.domains, domain)
	}
	sort.Strings(s.domains)
	return s
}

func (s *Snapshot) Get(name string) (*Skill, bool) {
	sk, ok := s.skills[name]
	return sk, ok
}

func (s *Snapshot) Domains() []string {
	return s.domains
}

func (s *Snapshot) DomainSkills(domain string) []*Skill {
	return s.byDomain[domain]
}

// Len returns the number of skills in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.skills)
}

// DomainBrief renders the one-line brief of every domain, used by
// get_skill with no argument.
func (s *Snapshot) DomainBrief() string {
	var sb strings.Builder
	for _, domain := range s.domains {
		skills := s.byDomain[domain]
		names := make([]string, 0, len(skills))
		for _, sk := range skills {
			names = append(names, sk.Name)
		}
		fmt.Fprintf(&sb, "%s (%d skills): %s\n", domain, len(skills), strings.Join(names, ", "))
	}
	if sb.Len() == 0 {
		return "no skills registered"
	}
	return sb.String()
}

// DomainIndex renders the per-skill briefs of one domain, used by
// get_skill("domain").
func (s *Snapshot) DomainIndex(domain string) (string, error) {
	skills, ok := s.byDomain[domain]
	if !ok {
		return "", kerrors.Newf(kerrors.CodeSkillNotFound, "unknown domain %q (known: %s)", domain, strings.Join(s.domains, ", "))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", domain)
	for _, sk := range skills {
		fmt.Fprintf(&sb, "- %s — %s\n", sk.Name, sk.Brief())
	}
	return sb.String(), nil
}

// Doc returns the full markdown body of one skill, used by
// get_skill("domain.action").
func (s *Snapshot) Doc(name string) (string, error) {
	sk, ok := s.skills[name]
	if !ok {
		return "", kerrors.Newf(kerrors.CodeSkillNotFound, "unknown skill %q", name)
	}
	return sk.Markdown, nil
}

// DomainAll concatenates every skill body of a domain, used by
// get_skill("domain.all").
func (s *Snapshot) DomainAll(domain string) (string, error) {
	skills, ok := s.byDomain[domain]
	if !ok {
		return "", kerrors.Newf(kerrors.CodeSkillNotFound, "unknown domain %q", domain)
	}
	parts := make([]string, 0, len(skills))
	for _, sk := range skills {
		parts = append(parts, sk.Markdown)
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

// SortedDocs returns the markdown bodies of the named skills sorted
// alphabetically by name. Sub-agents embed these in their system prompt;
// the sort stabilizes the prompt-cache key across dispatches.
func (s *Snapshot) SortedDocs(names []string) []string {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	docs := make([]string, 0, len(sorted))
	for _, name := range sorted {
		if sk, ok := s.skills[name]; ok {
			docs = append(docs, sk.Markdown)
		}
	}
	return docs
}

// AtomicRegistry is the default Registry: an atomically swappable snapshot.
// Writers call Replace with a full new catalog; readers are lock-free.
type AtomicRegistry struct {
	snapshot atomic.Pointer[Snapshot]
}

// NewAtomicRegistry creates a registry holding the given initial skills.
func NewAtomicRegistry(skills []*Skill) *AtomicRegistry {
	r := &AtomicRegistry{}
	r.snapshot.Store(NewSnapshot(skills))
	return r
}

// Replace swaps in a new catalog. In-flight operations keep the snapshot
// they already hold.
func (r *AtomicRegistry) Replace(skills []*Skill) {
	r.snapshot.Store(NewSnapshot(skills))
}

func (r *AtomicRegistry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

func (r *AtomicRegistry) Get(name string) (*Skill, bool) {
	return r.Snapshot().Get(name)
}

func (r *AtomicRegistry) Domains() []string {
	return r.Snapshot().Domains()
}

func (r *AtomicRegistry) DomainSkills(domain string) []*Skill {
	return r.Snapshot().DomainSkills(domain)
}
