package resolver

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/grimoirehq/grimoire/internal/embedstore"
	"github.com/grimoirehq/grimoire/internal/spellconfig"
)

// stubEmbedder gives fixed, hand-crafted vectors for a small, known
// vocabulary so semantic-path tests are deterministic without depending
// on internal/embedding's hashing scheme. Texts outside that vocabulary
// embed to no vector and so take no part in semantic scoring.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return nil, nil
}

func newTestResolver(t *testing.T, emb Embedder) *Resolver {
	t.Helper()
	store := embedstore.New(filepath.Join(t.TempDir(), "store.msgpack"), "test-model", slog.Default())
	if err := store.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return New(store, emb)
}

func mustIndex(t *testing.T, r *Resolver, cfg *spellconfig.SpellConfig) {
	t.Helper()
	if err := r.Index(cfg); err != nil {
		t.Fatalf("index %s: %v", cfg.Name, err)
	}
}

func spellCfg(name, desc string, keywords []string) *spellconfig.SpellConfig {
	return &spellconfig.SpellConfig{
		Name:        name,
		Version:     "1.0.0",
		Description: desc,
		Keywords:    keywords,
		Server:      spellconfig.ServerConfig{Kind: spellconfig.ServerStdio, Command: "true"},
	}
}

func TestExactKeywordActivatesPostgres(t *testing.T) {
	r := newTestResolver(t, &stubEmbedder{})
	mustIndex(t, r, spellCfg("postgres", "Query and manage a Postgres SQL database", []string{"database", "sql", "postgres", "query", "tables"}))
	mustIndex(t, r, spellCfg("stripe", "Process payments via Stripe billing", []string{"payment", "stripe", "billing"}))

	matches, err := r.ResolveTopN("query postgres database", 5, 0.3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(matches) == 0 || matches[0].Name != "postgres" {
		t.Fatalf("expected postgres top match, got %+v", matches)
	}
	if matches[0].Confidence < 0.85 {
		t.Fatalf("expected confidence >= 0.85, got %v", matches[0].Confidence)
	}
	if matches[0].MatchType != MatchKeyword && matches[0].MatchType != MatchHybrid {
		t.Fatalf("expected keyword or hybrid match, got %v", matches[0].MatchType)
	}
}

func TestAmbiguousDatabaseQueryExcludesStripe(t *testing.T) {
	r := newTestResolver(t, &stubEmbedder{})
	mustIndex(t, r, spellCfg("postgres", "Query and manage a Postgres SQL database", []string{"database", "sql", "postgres", "query", "tables"}))
	mustIndex(t, r, spellCfg("mysql", "Query and manage a MySQL database", []string{"database", "sql", "mysql", "query", "tables"}))
	mustIndex(t, r, spellCfg("mongodb", "Query and manage a MongoDB database", []string{"database", "nosql", "mongodb", "query", "documents"}))
	mustIndex(t, r, spellCfg("stripe", "Process payments via Stripe billing", []string{"payment", "stripe", "billing"}))

	matches, err := r.ResolveTopN("access my data store", 5, 0.3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, m := range matches {
		if m.Name == "stripe" {
			t.Fatalf("stripe should not match 'access my data store': %+v", matches)
		}
	}
}

func TestWeakMatchConfidenceBand(t *testing.T) {
	r := newTestResolver(t, &stubEmbedder{vectors: map[string][]float32{
		"analyze my business performance": {0, 1, 0, 0},
	}})
	mustIndex(t, r, spellCfg("postgres", "Query and manage a Postgres SQL database", []string{"database", "sql", "postgres", "query", "tables"}))

	matches, err := r.ResolveTopN("analyze my business performance", 5, 0.3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, m := range matches {
		if m.Confidence < 0.3 || m.Confidence >= 0.85 {
			t.Fatalf("expected weak-band confidence, got %v", m.Confidence)
		}
	}
}

func TestNoMatchReturnsEmpty(t *testing.T) {
	r := newTestResolver(t, &stubEmbedder{})
	mustIndex(t, r, spellCfg("postgres", "Query and manage a Postgres SQL database", []string{"database", "sql", "postgres", "query", "tables"}))

	matches, err := r.ResolveTopN("launch rocket to Mars", 5, 0.3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %+v", matches)
	}
}

func TestResolveTopNSortedAndBounded(t *testing.T) {
	r := newTestResolver(t, &stubEmbedder{})
	mustIndex(t, r, spellCfg("postgres", "Query and manage a Postgres SQL database", []string{"database", "sql", "postgres", "query", "tables"}))
	mustIndex(t, r, spellCfg("mysql", "Query and manage a MySQL database", []string{"database", "sql", "mysql", "query", "tables"}))

	matches, err := r.ResolveTopN("query postgres mysql database", 1, 0.3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(matches) > 1 {
		t.Fatalf("expected at most 1 match, got %d", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Confidence > matches[i-1].Confidence {
			t.Fatalf("matches not sorted descending: %+v", matches)
		}
	}
}

func TestEmptyQueryFails(t *testing.T) {
	r := newTestResolver(t, &stubEmbedder{})
	if _, err := r.ResolveTopN("   ", 5, 0.3); err != ErrEmptyQuery {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestIndexIsIdempotentWithoutReembed(t *testing.T) {
	calls := 0
	countingEmbedder := embedderFunc(func(text string) ([]float32, error) {
		calls++
		return []float32{1, 0, 0, 0}, nil
	})
	r := newTestResolver(t, countingEmbedder)
	cfg := spellCfg("postgres", "Query and manage a Postgres SQL database", []string{"database", "sql", "postgres", "query", "tables"})

	mustIndex(t, r, cfg)
	firstCalls := calls
	mustIndex(t, r, cfg)
	if calls != firstCalls {
		t.Fatalf("expected no re-embed on unchanged config, calls went from %d to %d", firstCalls, calls)
	}
}

type embedderFunc func(string) ([]float32, error)

func (f embedderFunc) Embed(text string) ([]float32, error) { return f(text) }

// TestTieBreakIsStableInsertionOrder indexes several spells whose keyword
// overlap produces identical confidence scores, and asserts the tie is
// always broken by the order spells were indexed in, not by Go's
// randomized map iteration (§4.4.5).
func TestTieBreakIsStableInsertionOrder(t *testing.T) {
	r := newTestResolver(t, &stubEmbedder{})
	names := []string{"mysql", "mongodb", "postgres", "mariadb", "cassandra"}
	for _, name := range names {
		mustIndex(t, r, spellCfg(name, "A database server", []string{"database", "storage", "data"}))
	}

	for i := 0; i < 20; i++ {
		matches, err := r.ResolveTopN("access my database storage", 5, 0.3)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(matches) != len(names) {
			t.Fatalf("expected %d tied matches, got %d", len(names), len(matches))
		}
		for j, name := range names {
			if matches[j].Name != name {
				t.Fatalf("run %d: expected insertion order %v, got %v at position %d (%s)", i, names, matches, j, matches[j].Name)
			}
		}
	}
}
