package skill

import (
	"context"
	"strings"
	"testing"
)

func noopHandler() Handler {
	return HandlerFunc(func(_ context.Context, _ map[string]any, _ Context) (*Result, error) {
		return &Result{Status: "ok", Content: "done"}, nil
	})
}

func catalog() []*Skill {
	return []*Skill{
		{Name: "email.send", Markdown: "# Send an email\n\nSends a message via the connected account.", Enabled: true, Handler: noopHandler()},
		{Name: "email.search", Markdown: "# Search the mailbox\n\nFull-text search over messages.", Enabled: true, Handler: noopHandler()},
		{Name: "calendar.list", Markdown: "# List calendar events\n\nReturns events in a date range.", Enabled: true, Handler: noopHandler()},
	}
}

// === Snapshot indexing ===

func TestSnapshot_DomainsSorted(t *testing.T) {
	s := NewSnapshot(catalog())
	domains := s.Domains()
	if len(domains) != 2 || domains[0] != "calendar" || domains[1] != "email" {
		t.Errorf("expected sorted [calendar email], got %v", domains)
	}
}

func TestSnapshot_KindInference(t *testing.T) {
	s := NewSnapshot(catalog())
	tests := []struct {
		name string
		want Kind
	}{
		{"email.search", KindRead},
		{"calendar.list", KindRead},
		{"email.send", KindIrreversible},
	}
	for _, tt := range tests {
		sk, ok := s.Get(tt.name)
		if !ok {
			t.Fatalf("missing skill %s", tt.name)
		}
		if sk.Kind != tt.want {
			t.Errorf("%s: expected kind %s, got %s", tt.name, tt.want, sk.Kind)
		}
	}
}

func TestSnapshot_BriefFromMarkdownHeading(t *testing.T) {
	s := NewSnapshot(catalog())
	sk, _ := s.Get("email.send")
	if sk.Brief() != "Send an email" {
		t.Errorf("brief should come from the first heading, got %q", sk.Brief())
	}
}

func TestSnapshot_DomainBriefListsEverything(t *testing.T) {
	s := NewSnapshot(catalog())
	brief := s.DomainBrief()
	for _, want := range []string{"calendar", "email", "email.send", "email.search"} {
		if !strings.Contains(brief, want) {
			t.Errorf("domain brief missing %q:\n%s", want, brief)
		}
	}
}

func TestSnapshot_DomainIndexUnknown(t *testing.T) {
	s := NewSnapshot(catalog())
	if _, err := s.DomainIndex("drive"); err == nil {
		t.Error("unknown domain should error")
	}
}

func TestSnapshot_DomainAllConcatenates(t *testing.T) {
	s := NewSnapshot(catalog())
	all, err := s.DomainAll("email")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(all, "Send an email") || !strings.Contains(all, "Search the mailbox") {
		t.Errorf("domain.all should include every skill body:\n%s", all)
	}
}

func TestSnapshot_SortedDocsStableOrder(t *testing.T) {
	s := NewSnapshot(catalog())
	docs := s.SortedDocs([]string{"email.send", "calendar.list", "email.search"})
	if len(docs) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(docs))
	}
	// calendar.list < email.search < email.send
	if !strings.Contains(docs[0], "calendar") {
		t.Errorf("docs must be sorted by skill name, first was:\n%s", docs[0])
	}
	if !strings.Contains(docs[2], "Send an email") {
		t.Errorf("email.send should sort last, got:\n%s", docs[2])
	}
}

// === Atomic replacement ===

func TestAtomicRegistry_ReplaceSwapsSnapshot(t *testing.T) {
	r := NewAtomicRegistry(catalog())
	held := r.Snapshot()

	r.Replace([]*Skill{
		{Name: "drive.search", Markdown: "# Search drive", Enabled: true, Handler: noopHandler()},
	})

	if _, ok := r.Get("email.send"); ok {
		t.Error("replaced catalog should not contain old skills")
	}
	if _, ok := r.Get("drive.search"); !ok {
		t.Error("new catalog missing drive.search")
	}
	// A reader holding the old snapshot keeps a consistent view.
	if _, ok := held.Get("email.send"); !ok {
		t.Error("held snapshot must stay intact after Replace")
	}
}
