// Package resolver implements the hybrid keyword + semantic intent
// resolver (§4.4): it maps a free-form query to a ranked list of
// candidate spells, each carrying a tiered confidence verdict derived
// from keyword overlap and dense-vector cosine similarity.
package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/grimoirehq/grimoire/internal/embedstore"
	"github.com/grimoirehq/grimoire/internal/spellconfig"
	"github.com/grimoirehq/grimoire/internal/vecmath"
)

// ErrEmptyQuery is returned when Resolve/ResolveTopN is given a
// whitespace-only or empty query.
var ErrEmptyQuery = errors.New("resolver: empty query")

// ResolutionError wraps an unexpected failure during resolution; the
// gateway façade translates it to a not_found response.
type ResolutionError struct {
	Cause error
}

func (e *ResolutionError) Error() string { return fmt.Sprintf("resolver: resolution failed: %v", e.Cause) }
func (e *ResolutionError) Unwrap() error { return e.Cause }

// MatchType classifies how a candidate's confidence was derived.
type MatchType string

const (
	MatchKeyword  MatchType = "keyword"
	MatchHybrid   MatchType = "hybrid"
	MatchSemantic MatchType = "semantic"
)

// Embedder is the subset of the embedding service the resolver needs.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// Match is a single ranked candidate returned by ResolveTopN.
type Match struct {
	Name        string
	Description string
	Confidence  float32
	MatchType   MatchType
	MatchCount  int
}

type indexedSpell struct {
	config   *spellconfig.SpellConfig
	keywords map[string]struct{}
	order    int
}

// Resolver holds the in-memory keyword index plus read handles to the
// embedding store and embedder; C2 and C3 remain the sources of truth.
type Resolver struct {
	store    *embedstore.Store
	embedder Embedder

	indexed   map[string]*indexedSpell
	nextOrder int
}

// New builds a Resolver backed by store for persisted vectors and
// embedder for query/description vectorization.
func New(store *embedstore.Store, embedder Embedder) *Resolver {
	return &Resolver{
		store:    store,
		embedder: embedder,
		indexed:  make(map[string]*indexedSpell),
	}
}

// Index adds or refreshes cfg in the resolver (§4.4.1). A re-embed only
// happens when the stored hash no longer matches; the in-memory keyword
// set is always refreshed regardless. The insertion order recorded for
// §4.4.5's tie-break is assigned once, the first time a name is indexed;
// re-indexing an already-known name keeps its original order rather than
// moving it to the back.
func (r *Resolver) Index(cfg *spellconfig.SpellConfig) error {
	hash := cfg.Hash()
	if r.store.NeedsUpdate(cfg.Name, hash) {
		vec, err := r.embedder.Embed(cfg.EmbeddingText())
		if err != nil {
			return fmt.Errorf("resolver: embed %q: %w", cfg.Name, err)
		}
		r.store.Set(cfg.Name, vec, hash)
		if err := r.store.Save(); err != nil {
			return fmt.Errorf("resolver: persist %q: %w", cfg.Name, err)
		}
	}

	order := r.nextOrder
	if existing, ok := r.indexed[cfg.Name]; ok {
		order = existing.order
	} else {
		r.nextOrder++
	}

	r.indexed[cfg.Name] = &indexedSpell{
		config:   cfg,
		keywords: cfg.NormalizedKeywords(),
		order:    order,
	}
	return nil
}

// Remove deletes name from both the in-memory index and the store.
func (r *Resolver) Remove(name string) error {
	delete(r.indexed, name)
	r.store.Delete(name)
	return r.store.Save()
}

// Get returns the indexed config for name, for the gateway's
// activate_spell lookup.
func (r *Resolver) Get(name string) (*spellconfig.SpellConfig, bool) {
	e, ok := r.indexed[name]
	if !ok {
		return nil, false
	}
	return e.config, true
}

// All returns every currently indexed spell config, for the gateway's
// not_found / weak_matches "availableSpells" listing.
func (r *Resolver) All() []*spellconfig.SpellConfig {
	out := make([]*spellconfig.SpellConfig, 0, len(r.indexed))
	for _, e := range r.indexed {
		out = append(out, e.config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "of": {}, "with": {}, "by": {}, "from": {}, "as": {}, "is": {}, "was": {},
	"are": {}, "be": {}, "have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "should": {}, "could": {}, "may": {}, "might": {}, "can": {},
	"my": {}, "i": {}, "you": {}, "we": {}, "they": {}, "it": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "about": {},
}

// meaningfulWords implements §4.4.2's query normalization: lowercase,
// collapse whitespace, split, drop tokens of length <= 2 and stop words.
func meaningfulWords(query string) []string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	out := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// scoreKeywords implements §4.4.3 for a single spell's keyword set.
func scoreKeywords(meaningful []string, keywords map[string]struct{}) (score float32, matchCount, exactCount int) {
	for _, word := range meaningful {
		matched := false
		// 1. exact equality
		if _, ok := keywords[word]; ok {
			exactCount++
			matched = true
		}
		if !matched && len(word) >= 3 {
			for kw := range keywords {
				if len(kw) <= 2 {
					continue
				}
				// 2. keyword contains query word
				if strings.Contains(kw, word) {
					matched = true
					break
				}
			}
		}
		if !matched {
			for kw := range keywords {
				if len(kw) <= 2 {
					continue
				}
				// 3. query word contains keyword
				if len(kw) >= 3 && strings.Contains(word, kw) {
					matched = true
					break
				}
			}
		}
		if matched {
			matchCount++
		}
	}

	if matchCount == 0 {
		return 0, 0, 0
	}

	ratio := float32(matchCount) / float32(maxInt(len(meaningful), 1))
	var exactBoost float32
	if exactCount > 0 {
		exactBoost = 0.05
	}
	var weakPenalty float32
	if matchCount == 1 && len(meaningful) > 3 {
		weakPenalty = 0.10
	}
	score = 0.9 + 0.1*ratio + exactBoost - weakPenalty
	if score > 1.0 {
		score = 1.0
	}
	return score, matchCount, exactCount
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ResolveTopN implements §4.4.5-6: classify every candidate, filter by
// minConfidence, sort descending (ties broken by insertion/index order),
// and return at most n.
func (r *Resolver) ResolveTopN(query string, n int, minConfidence float32) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	meaningful := meaningfulWords(query)

	type candidate struct {
		name       string
		order      int
		k          float32
		matchCount int
		s          float32
	}

	candidates := make(map[string]*candidate)

	// The tie-break order comes from each spell's stable insertion index
	// (assigned once, in Index) rather than from ranging over r.indexed,
	// whose iteration order Go randomizes (§4.4.5: "tie-break by
	// insertion order").
	for name, e := range r.indexed {
		k, matchCount, _ := scoreKeywords(meaningful, e.keywords)
		if matchCount > 0 {
			candidates[name] = &candidate{name: name, order: e.order, k: k, matchCount: matchCount}
		}
	}

	queryVec, embedErr := r.embedder.Embed(query)
	// §4.4.4: semantic scoring runs over the union of keyword-indexed
	// names and store names; every indexed spell also has a store record
	// by construction (Index always calls store.Set before returning),
	// so ranging over the in-memory index already covers that union.
	for name, e := range r.indexed {
		if _, ok := candidates[name]; !ok {
			candidates[name] = &candidate{name: name, order: e.order}
		}
	}

	if embedErr != nil {
		// Semantic scores degrade to 0; the query is not failed (§4.4.4).
		queryVec = nil
	}
	if queryVec != nil {
		for name, c := range candidates {
			rec, ok := r.store.Get(name)
			if !ok || len(rec.Vector) == 0 {
				continue
			}
			sim, err := vecmath.Cosine(queryVec, rec.Vector)
			if err != nil {
				continue
			}
			c.s = sim
		}
	}

	var matches []Match
	for _, c := range candidates {
		m, mt, ok := classify(c.k, c.matchCount, c.s)
		if !ok {
			continue
		}
		if m < minConfidence {
			continue
		}
		desc := ""
		if e, ok := r.indexed[c.name]; ok {
			desc = e.config.Description
		}
		matches = append(matches, Match{
			Name:        c.name,
			Description: desc,
			Confidence:  m,
			MatchType:   mt,
			MatchCount:  c.matchCount,
		})
	}

	// Stable sort keyed by the candidate's insertion order first, then
	// sort by confidence descending; SliceStable preserves insertion
	// order for ties.
	byOrder := make(map[string]int, len(candidates))
	for _, c := range candidates {
		byOrder[c.name] = c.order
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return byOrder[matches[i].Name] < byOrder[matches[j].Name]
	})
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})

	if n > 0 && len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// classify implements the §4.4.5 tiered combination table.
func classify(k float32, m int, s float32) (confidence float32, matchType MatchType, ok bool) {
	switch {
	case m >= 2 && k > 0.5:
		return k, MatchKeyword, true
	case m == 1 && k > 0.5 && s > 0.35:
		c := k
		if 0.7 > c {
			c = 0.7
		}
		c += 0.2 * s
		if c > 1.0 {
			c = 1.0
		}
		return c, MatchHybrid, true
	case k > 0.5:
		return k, MatchKeyword, true
	case s > 0.3:
		return s, MatchSemantic, true
	default:
		return 0, "", false
	}
}
