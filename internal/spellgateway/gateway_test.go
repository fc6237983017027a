package spellgateway

import (
	"context"
	"testing"

	"github.com/grimoirehq/grimoire/internal/resolver"
	"github.com/grimoirehq/grimoire/internal/spawn"
	"github.com/grimoirehq/grimoire/internal/spellconfig"
)

type fakeResolver struct {
	topMatches []resolver.Match
	configs    map[string]*spellconfig.SpellConfig
	resolveErr error
}

func (f *fakeResolver) ResolveTopN(query string, n int, minConfidence float32) ([]resolver.Match, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	if n > len(f.topMatches) {
		n = len(f.topMatches)
	}
	return f.topMatches[:n], nil
}

func (f *fakeResolver) Get(name string) (*spellconfig.SpellConfig, bool) {
	cfg, ok := f.configs[name]
	return cfg, ok
}

func (f *fakeResolver) All() []*spellconfig.SpellConfig {
	out := make([]*spellconfig.SpellConfig, 0, len(f.configs))
	for _, cfg := range f.configs {
		out = append(out, cfg)
	}
	return out
}

type fakeLifecycle struct {
	tools       []spawn.ToolDescriptor
	spawnErr    error
	turns       int
	usedSpells  []string
	spawnCalled []string
}

func (f *fakeLifecycle) Spawn(ctx context.Context, cfg *spellconfig.SpellConfig) ([]spawn.ToolDescriptor, error) {
	f.spawnCalled = append(f.spawnCalled, cfg.Name)
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return f.tools, nil
}

func (f *fakeLifecycle) IncrementTurn()       { f.turns++ }
func (f *fakeLifecycle) MarkUsed(name string) { f.usedSpells = append(f.usedSpells, name) }

type fakeRegistrar struct {
	registered map[string][]spawn.ToolDescriptor
}

func (f *fakeRegistrar) RegisterTools(spell string, tools []spawn.ToolDescriptor) {
	if f.registered == nil {
		f.registered = make(map[string][]spawn.ToolDescriptor)
	}
	f.registered[spell] = tools
}

func postgresConfig() *spellconfig.SpellConfig {
	return &spellconfig.SpellConfig{
		Name:        "postgres",
		Description: "Query and manage a Postgres SQL database",
		Steering:    "Always use parameterized queries.",
	}
}

func TestResolveIntentTier1Activates(t *testing.T) {
	res := &fakeResolver{
		topMatches: []resolver.Match{{Name: "postgres", Description: "Query a database", Confidence: 0.92}},
		configs:    map[string]*spellconfig.SpellConfig{"postgres": postgresConfig()},
	}
	lc := &fakeLifecycle{tools: []spawn.ToolDescriptor{{Name: "query", Description: "Run a SQL query"}}}
	rt := &fakeRegistrar{}
	g := New(res, lc, rt, nil)

	resp, err := g.ResolveIntent(context.Background(), "query my postgres database")
	if err != nil {
		t.Fatalf("ResolveIntent: %v", err)
	}
	if resp.Status != StatusActivated {
		t.Fatalf("expected activated, got %s", resp.Status)
	}
	if resp.Spell == nil || resp.Spell.Name != "postgres" {
		t.Fatalf("expected spell postgres, got %+v", resp.Spell)
	}
	if len(resp.Tools) != 1 || resp.Tools[0].Description == "Run a SQL query" {
		t.Fatalf("expected steering injected into tool description, got %+v", resp.Tools)
	}
	if lc.turns != 1 {
		t.Fatalf("expected IncrementTurn called once, got %d", lc.turns)
	}
	if len(lc.usedSpells) != 1 || lc.usedSpells[0] != "postgres" {
		t.Fatalf("expected MarkUsed(postgres), got %+v", lc.usedSpells)
	}
	if _, ok := rt.registered["postgres"]; !ok {
		t.Fatal("expected tools registered with router")
	}
}

func TestResolveIntentTier2MultipleMatches(t *testing.T) {
	res := &fakeResolver{
		topMatches: []resolver.Match{
			{Name: "postgres", Confidence: 0.7},
			{Name: "mysql", Confidence: 0.6},
		},
		configs: map[string]*spellconfig.SpellConfig{},
	}
	g := New(res, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	resp, err := g.ResolveIntent(context.Background(), "database thing")
	if err != nil {
		t.Fatalf("ResolveIntent: %v", err)
	}
	if resp.Status != StatusMultipleMatches {
		t.Fatalf("expected multiple_matches, got %s", resp.Status)
	}
	if len(resp.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(resp.Matches))
	}
}

func TestResolveIntentTier3WeakMatches(t *testing.T) {
	res := &fakeResolver{
		topMatches: []resolver.Match{{Name: "postgres", Confidence: 0.35}},
		configs:    map[string]*spellconfig.SpellConfig{},
	}
	g := New(res, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	resp, err := g.ResolveIntent(context.Background(), "something vague")
	if err != nil {
		t.Fatalf("ResolveIntent: %v", err)
	}
	if resp.Status != StatusWeakMatches {
		t.Fatalf("expected weak_matches, got %s", resp.Status)
	}
}

func TestResolveIntentNotFoundListsAvailableSpells(t *testing.T) {
	res := &fakeResolver{
		topMatches: nil,
		configs:    map[string]*spellconfig.SpellConfig{"postgres": postgresConfig()},
	}
	g := New(res, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	resp, err := g.ResolveIntent(context.Background(), "completely unrelated request")
	if err != nil {
		t.Fatalf("ResolveIntent: %v", err)
	}
	if resp.Status != StatusNotFound {
		t.Fatalf("expected not_found, got %s", resp.Status)
	}
	if len(resp.AvailableSpells) != 1 || resp.AvailableSpells[0].Name != "postgres" {
		t.Fatalf("expected postgres listed as available, got %+v", resp.AvailableSpells)
	}
}

func TestResolveIntentEmptyQueryIsNotFound(t *testing.T) {
	res := &fakeResolver{configs: map[string]*spellconfig.SpellConfig{"postgres": postgresConfig()}}
	g := New(res, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	resp, err := g.ResolveIntent(context.Background(), "   ")
	if err != nil {
		t.Fatalf("ResolveIntent: %v", err)
	}
	if resp.Status != StatusNotFound {
		t.Fatalf("expected not_found for empty query, got %s", resp.Status)
	}
	if resp.Message == "" {
		t.Fatalf("expected a diagnostic message for empty query")
	}
	if len(resp.AvailableSpells) != 1 || resp.AvailableSpells[0].Name != "postgres" {
		t.Fatalf("expected postgres listed as available, got %+v", resp.AvailableSpells)
	}
}

func TestResolveIntentNotFoundEchoesQuery(t *testing.T) {
	res := &fakeResolver{topMatches: nil}
	g := New(res, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	resp, err := g.ResolveIntent(context.Background(), "launch rocket to Mars")
	if err != nil {
		t.Fatalf("ResolveIntent: %v", err)
	}
	if resp.Query != "launch rocket to Mars" {
		t.Fatalf("expected query echoed back, got %q", resp.Query)
	}
}

func TestActivateSpellUnknownReturnsSpellNotFound(t *testing.T) {
	g := New(&fakeResolver{configs: map[string]*spellconfig.SpellConfig{}}, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	_, err := g.ActivateSpell(context.Background(), "unknown")
	if err == nil {
		t.Fatal("expected error for unknown spell")
	}
}

func TestActivateSpellEmptyNameErrors(t *testing.T) {
	g := New(&fakeResolver{}, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	if _, err := g.ActivateSpell(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestInjectSteeringLeavesOriginalUntouched(t *testing.T) {
	original := []spawn.ToolDescriptor{{Name: "query", Description: "Run a SQL query"}}
	derived := injectSteering("Use parameterized queries.", original)

	if original[0].Description != "Run a SQL query" {
		t.Fatalf("original tool mutated: %+v", original[0])
	}
	want := "Run a SQL query\n--- EXPERT GUIDANCE ---\nUse parameterized queries."
	if derived[0].Description != want {
		t.Fatalf("expected %q, got %q", want, derived[0].Description)
	}
}

func TestInjectSteeringBlankLeavesDescriptionsUnchanged(t *testing.T) {
	original := []spawn.ToolDescriptor{{Name: "query", Description: "Run a SQL query"}}
	derived := injectSteering("   ", original)

	if len(derived) != 1 || derived[0].Description != "Run a SQL query" {
		t.Fatalf("expected descriptions unchanged, got %+v", derived)
	}
}

func TestToolDefinitionsOmitsActivateSpellWhenNoSpellsKnown(t *testing.T) {
	g := New(&fakeResolver{configs: map[string]*spellconfig.SpellConfig{}}, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	defs := g.ToolDefinitions()
	if len(defs) != 1 || defs[0].Name != "resolve_intent" {
		t.Fatalf("expected only resolve_intent with no spells known, got %+v", defs)
	}
}

func TestToolDefinitionsIncludesActivateSpellWhenSpellsKnown(t *testing.T) {
	g := New(&fakeResolver{configs: map[string]*spellconfig.SpellConfig{"postgres": postgresConfig()}}, &fakeLifecycle{}, &fakeRegistrar{}, nil)

	defs := g.ToolDefinitions()
	found := false
	for _, d := range defs {
		if d.Name == "activate_spell" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected activate_spell tool when at least one spell is known, got %+v", defs)
	}
}
