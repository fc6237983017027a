// Package spellgateway implements the gateway façade (§4.7): the only
// two tools the outside world ever sees, resolve_intent and
// activate_spell, sitting on top of the resolver, the process lifecycle
// manager, and the tool router.
package spellgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grimoirehq/grimoire/internal/resolver"
	"github.com/grimoirehq/grimoire/internal/spawn"
	"github.com/grimoirehq/grimoire/internal/spellconfig"
)

// ErrSpellNotFound is returned by ActivateSpell when name does not match
// any indexed spell.
var ErrSpellNotFound = errors.New("spellgateway: spell not found")

// Status is the discriminant of a Response, per §4.7's four shapes.
type Status string

const (
	StatusActivated       Status = "activated"
	StatusMultipleMatches Status = "multiple_matches"
	StatusWeakMatches     Status = "weak_matches"
	StatusNotFound        Status = "not_found"
)

// SpellRef identifies the spell a Response activated.
type SpellRef struct {
	Name string `json:"name"`
}

// MatchSummary is the projection of a resolver.Match (or an indexed
// spell, for the not_found listing) exposed to the caller.
type MatchSummary struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float32 `json:"confidence,omitempty"`
}

// Response is the uniform result of ResolveIntent and ActivateSpell.
type Response struct {
	Status          Status                 `json:"status"`
	Spell           *SpellRef              `json:"spell,omitempty"`
	Tools           []spawn.ToolDescriptor `json:"tools,omitempty"`
	Matches         []MatchSummary         `json:"matches,omitempty"`
	AvailableSpells []MatchSummary         `json:"availableSpells,omitempty"`
	Query           string                 `json:"query,omitempty"`
	Message         string                 `json:"message,omitempty"`
}

// ToolDefinition is the projection of a façade tool for the host to
// surface over the transport layer.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

const resolveIntentSchema = `{"type":"object","properties":{"query":{"type":"string","description":"free-form description of what you need"}},"required":["query"]}`

// IntentResolver is the subset of *resolver.Resolver the gateway needs.
type IntentResolver interface {
	ResolveTopN(query string, n int, minConfidence float32) ([]resolver.Match, error)
	Get(name string) (*spellconfig.SpellConfig, bool)
	All() []*spellconfig.SpellConfig
}

// Lifecycle is the subset of *spawn.Manager the gateway needs.
type Lifecycle interface {
	Spawn(ctx context.Context, cfg *spellconfig.SpellConfig) ([]spawn.ToolDescriptor, error)
	IncrementTurn()
	MarkUsed(name string)
}

// ToolRegistrar is the subset of *router.Router the gateway needs.
type ToolRegistrar interface {
	RegisterTools(spell string, tools []spawn.ToolDescriptor)
}

// Gateway implements §4.7's policy over an existing resolver, lifecycle
// manager, and tool router.
type Gateway struct {
	resolver IntentResolver
	manager  Lifecycle
	router   ToolRegistrar
	logger   *slog.Logger
}

// New builds a Gateway over the given resolver, lifecycle manager, and
// tool router.
func New(res IntentResolver, mgr Lifecycle, rtr ToolRegistrar, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		resolver: res,
		manager:  mgr,
		router:   rtr,
		logger:   logger.With("component", "spellgateway"),
	}
}

// ResolveIntent implements resolve_intent (§4.7). It never returns an
// error for a malformed or unmatched query; those degrade to a
// not_found Response so the caller always gets a usable result.
func (g *Gateway) ResolveIntent(ctx context.Context, query string) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		resp := g.notFoundResponse(query)
		resp.Message = "query must be a non-empty string"
		return resp, nil
	}

	matches, err := g.resolver.ResolveTopN(query, 5, 0.3)
	if err != nil {
		g.logger.Warn("resolution failed, degrading to not_found", "error", err)
		return g.notFoundResponse(query), nil
	}
	if len(matches) == 0 {
		return g.notFoundResponse(query), nil
	}

	top := matches[0]
	switch {
	case top.Confidence >= 0.85:
		resp, err := g.activate(ctx, top.Name)
		if err != nil {
			g.logger.Warn("tier1 activation failed, degrading to weak_matches", "spell", top.Name, "error", err)
			return &Response{Status: StatusWeakMatches, Matches: toMatchSummaries(matches, 5)}, nil
		}
		return resp, nil
	case top.Confidence >= 0.5:
		return &Response{
			Status:  StatusMultipleMatches,
			Matches: toMatchSummaries(matches, 3),
			Message: "multiple spells could match; call activate_spell with the exact name",
		}, nil
	default:
		return &Response{Status: StatusWeakMatches, Matches: toMatchSummaries(matches, 5)}, nil
	}
}

// ActivateSpell implements activate_spell (§4.7). name must be
// non-empty and must match an indexed spell's exact name.
func (g *Gateway) ActivateSpell(ctx context.Context, name string) (*Response, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("spellgateway: spell name must not be empty")
	}
	return g.activate(ctx, name)
}

func (g *Gateway) activate(ctx context.Context, name string) (*Response, error) {
	cfg, ok := g.resolver.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSpellNotFound, name)
	}

	tools, err := g.manager.Spawn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("spellgateway: activate %q: %w", name, err)
	}
	g.router.RegisterTools(name, tools)
	g.manager.IncrementTurn()
	g.manager.MarkUsed(name)

	return &Response{
		Status: StatusActivated,
		Spell:  &SpellRef{Name: name},
		Tools:  injectSteering(cfg.Steering, tools),
	}, nil
}

func (g *Gateway) notFoundResponse(query string) *Response {
	all := g.resolver.All()
	avail := make([]MatchSummary, 0, len(all))
	for _, cfg := range all {
		avail = append(avail, MatchSummary{Name: cfg.Name, Description: cfg.Description})
	}
	return &Response{Status: StatusNotFound, Query: query, AvailableSpells: avail}
}

// injectSteering returns a derived tool list whose descriptions carry
// steering guidance appended; the original tools slice and its
// descriptors are never mutated. A nil/empty/whitespace-only steering
// string leaves descriptions unchanged (§4.7).
func injectSteering(steering string, tools []spawn.ToolDescriptor) []spawn.ToolDescriptor {
	if strings.TrimSpace(steering) == "" {
		return tools
	}
	out := make([]spawn.ToolDescriptor, len(tools))
	for i, t := range tools {
		t.Description = t.Description + "\n--- EXPERT GUIDANCE ---\n" + steering
		out[i] = t
	}
	return out
}

func toMatchSummaries(matches []resolver.Match, n int) []MatchSummary {
	if n > len(matches) {
		n = len(matches)
	}
	out := make([]MatchSummary, n)
	for i := 0; i < n; i++ {
		out[i] = MatchSummary{Name: matches[i].Name, Description: matches[i].Description, Confidence: matches[i].Confidence}
	}
	return out
}

// ToolDefinitions returns the façade's own tool surface: resolve_intent
// always, activate_spell only once at least one spell is indexed
// (§4.7 — an empty enum would otherwise make its schema invalid).
func (g *Gateway) ToolDefinitions() []ToolDefinition {
	defs := []ToolDefinition{{
		Name:        "resolve_intent",
		Description: "Resolve a free-form request to the best-matching spell, activating it when confidence is high enough.",
		InputSchema: json.RawMessage(resolveIntentSchema),
	}}

	all := g.resolver.All()
	if len(all) == 0 {
		return defs
	}
	names := make([]string, len(all))
	for i, cfg := range all {
		names[i] = cfg.Name
	}
	schema, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "enum": names},
		},
		"required": []string{"name"},
	})
	if err != nil {
		g.logger.Error("failed to build activate_spell schema", "error", err)
		return defs
	}
	return append(defs, ToolDefinition{
		Name:        "activate_spell",
		Description: "Activate a spell by its exact name.",
		InputSchema: schema,
	})
}
