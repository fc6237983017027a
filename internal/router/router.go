// Package router maintains the reverse index from downstream tool name
// to owning spell (§4.6), and a hot-reload watcher that keeps the
// resolver and router in sync with the spell directory on disk.
package router

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/grimoirehq/grimoire/internal/spawn"
)

// Router maintains toolToSpell and spellToTools (§4.6). Last writer
// wins on a tool-name collision across spells; a warning is logged but
// the resolution rule is unchanged (documented quirk, §9).
type Router struct {
	mu           sync.RWMutex
	toolToSpell  map[string]string
	spellToTools map[string][]spawn.ToolDescriptor
	logger       *slog.Logger
}

// New builds an empty Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		toolToSpell:  make(map[string]string),
		spellToTools: make(map[string][]spawn.ToolDescriptor),
		logger:       logger.With("component", "router"),
	}
}

// RegisterTools inserts or overwrites spell's tool set. Conflicting tool
// names across spells resolve last-writer-wins; the collision is logged.
// Before registering, each tool's advertised inputSchema is validated as
// well-formed JSON Schema; a malformed schema is logged and the tool is
// still registered (a downstream server's own schema quirks should not
// make the gateway unable to route to it).
func (r *Router) RegisterTools(spell string, tools []spawn.ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if err := validateInputSchema(t.InputSchema); err != nil {
			r.logger.Warn("tool advertises malformed inputSchema", "spell", spell, "tool", t.Name, "error", err)
		}
	}

	r.spellToTools[spell] = tools
	for _, t := range tools {
		if owner, ok := r.toolToSpell[t.Name]; ok && owner != spell {
			r.logger.Warn("tool name collision, last writer wins", "tool", t.Name, "previous_owner", owner, "new_owner", spell)
		}
		r.toolToSpell[t.Name] = spell
	}
}

// schemaCache memoizes compiled schemas by their raw text, matching the
// teacher's pluginsdk.compileSchema memoization.
var schemaCache sync.Map

// validateInputSchema compiles raw as a JSON Schema document, rejecting
// anything that doesn't parse as one. An empty schema is treated as
// "no constraints" and always valid.
func validateInputSchema(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	key := string(raw)
	if _, ok := schemaCache.Load(key); ok {
		return nil
	}
	compiled, err := jsonschema.CompileString("inputSchema.json", key)
	if err != nil {
		return err
	}
	schemaCache.Store(key, compiled)
	return nil
}

// UnregisterTools removes spell's entries and every reverse entry
// pointing to it.
func (r *Router) UnregisterTools(spell string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, owner := range r.toolToSpell {
		if owner == spell {
			delete(r.toolToSpell, name)
		}
	}
	delete(r.spellToTools, spell)
}

// FindSpellForTool returns the owning spell for a tool name, or "" if
// none claims it.
func (r *Router) FindSpellForTool(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spell, ok := r.toolToSpell[toolName]
	return spell, ok
}

// HasTool reports whether any registered spell exposes toolName.
func (r *Router) HasTool(toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.toolToSpell[toolName]
	return ok
}

// GetToolsForSpell returns the tool set currently registered for spell.
func (r *Router) GetToolsForSpell(spell string) []spawn.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spellToTools[spell]
}

// GetActiveSpellNames returns every spell with at least one registered
// tool, sorted for deterministic iteration.
func (r *Router) GetActiveSpellNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.spellToTools))
	for name := range r.spellToTools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
