// Package spawn implements the process lifecycle manager (§4.5): it
// activates spells on demand as MCP client connections (stdio child
// processes, or SSE/streamable-HTTP sessions), tracks their usage by
// turn, debounces lifecycle persistence, and recovers orphaned child
// processes across restarts.
package spawn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/grimoirehq/grimoire/internal/debounce"
	"github.com/grimoirehq/grimoire/internal/embedstore"
	"github.com/grimoirehq/grimoire/internal/mcp"
	"github.com/grimoirehq/grimoire/internal/singleflight"
	"github.com/grimoirehq/grimoire/internal/spellconfig"
)

// ToolDescriptor is the projection of a downstream MCP tool exposed
// through an ActiveSpell (§3).
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ActiveSpell is the in-memory-only record of a currently connected
// spell; it is exclusively owned by Manager for [spawn, kill] (§3).
type ActiveSpell struct {
	Name         string
	Tools        []ToolDescriptor
	LastUsedTurn uint64

	client   *mcp.Client
	provider TokenProvider
}

// Manager implements C5's activeSpells/connections/usageTracking state
// and the spawn/kill/turn-tracking/persistence operations over it.
type Manager struct {
	mu     sync.Mutex
	active map[string]*ActiveSpell
	usage  map[string]uint64

	currentTurn uint64

	store      *embedstore.Store
	logger     *slog.Logger
	debouncer  *debounce.Debouncer[struct{}]
	spawnGroup singleflight.Group[string, []ToolDescriptor]
}

// New builds a Manager backed by store for debounced lifecycle
// persistence. Call LoadFromStorage once before serving traffic to
// recover turn/usage state and reap orphaned processes (§4.5.5).
func New(store *embedstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "spawn")

	m := &Manager{
		active: make(map[string]*ActiveSpell),
		usage:  make(map[string]uint64),
		store:  store,
		logger: logger,
	}
	m.debouncer = debounce.NewDebouncer(
		debounce.WithDebounceDuration[struct{}](5*time.Second),
		debounce.WithBuildKey(func(*struct{}) string { return "lifecycle" }),
		debounce.WithOnFlush(func([]*struct{}) error { return m.saveToStorage() }),
		debounce.WithOnError(func(err error, _ []*struct{}) {
			m.logger.Error("lifecycle persistence failed", "error", err)
		}),
	)
	return m
}

// Spawn activates name per cfg (§4.5.1). If already active, the cached
// tool list is returned with no new connection. On failure the spell
// remains Inactive; no partial state is retained.
//
// Concurrent Spawn calls for the same name are serialized through
// spawnGroup so exactly one connect/listTools happens and every caller
// observes the same resulting tool list (§5: "exactly one spawn and one
// shared tool list").
func (m *Manager) Spawn(ctx context.Context, cfg *spellconfig.SpellConfig) ([]ToolDescriptor, error) {
	if tools, ok := m.cachedTools(cfg.Name); ok {
		return tools, nil
	}

	return m.spawnGroup.Do(cfg.Name, func() ([]ToolDescriptor, error) {
		if tools, ok := m.cachedTools(cfg.Name); ok {
			return tools, nil
		}
		return m.doSpawn(ctx, cfg)
	})
}

func (m *Manager) cachedTools(name string) ([]ToolDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.active[name]
	if !ok {
		return nil, false
	}
	return as.Tools, true
}

func (m *Manager) doSpawn(ctx context.Context, cfg *spellconfig.SpellConfig) ([]ToolDescriptor, error) {
	remote := cfg.Server.Kind != spellconfig.ServerStdio

	serverCfg := &mcp.ServerConfig{
		ID:      cfg.Name,
		Name:    cfg.Name,
		Command: cfg.Server.Command,
		Args:    cfg.Server.Args,
		Env:     cfg.Server.Env,
		URL:     cfg.Server.URL,
	}
	var provider TokenProvider
	switch cfg.Server.Kind {
	case spellconfig.ServerStdio:
		serverCfg.Transport = mcp.TransportStdio
	case spellconfig.ServerSSE:
		serverCfg.Transport = mcp.TransportSSE
	case spellconfig.ServerHTTP:
		serverCfg.Transport = mcp.TransportHTTP
	}

	if remote {
		headers, p, err := buildHeaders(ctx, &cfg.Server, m.logger)
		if err != nil {
			return nil, newActivationError(cfg.Name, err, true)
		}
		serverCfg.Headers = headers
		provider = p
	}

	client := mcp.NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, newActivationError(cfg.Name, err, remote)
	}

	if err := client.RefreshCapabilities(ctx); err != nil {
		client.Close()
		return nil, newActivationError(cfg.Name, err, remote)
	}

	tools := projectTools(client.Tools())

	m.mu.Lock()
	m.active[cfg.Name] = &ActiveSpell{
		Name:         cfg.Name,
		Tools:        tools,
		LastUsedTurn: m.currentTurn,
		client:       client,
		provider:     provider,
	}
	m.mu.Unlock()

	m.triggerSave()
	m.logger.Info("spell activated", "spell", cfg.Name, "tools", len(tools))
	return tools, nil
}

func projectTools(tools []*mcp.MCPTool) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

// IsActive reports whether name currently has a live connection.
func (m *Manager) IsActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[name]
	return ok
}

// ActiveNames returns the names of every currently active spell.
func (m *Manager) ActiveNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for name := range m.active {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CallTool dispatches a tool call to the active spell's connection.
func (m *Manager) CallTool(ctx context.Context, spell, tool string, args map[string]any) (*mcp.ToolCallResult, error) {
	m.mu.Lock()
	as, ok := m.active[spell]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("spawn: spell %q is not active", spell)
	}
	return as.client.CallTool(ctx, tool, args)
}

// Kill transitions name through Active->Killing->Inactive, closing its
// connection. Errors are logged and discarded (§4.5.6: this transition
// always completes).
func (m *Manager) Kill(name string) {
	m.mu.Lock()
	as, ok := m.active[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, name)
	delete(m.usage, name)
	m.mu.Unlock()

	if err := as.client.Close(); err != nil {
		m.logger.Warn("error closing spell connection", "spell", name, "error", err)
	}
	m.triggerSave()
}

// KillAll kills every active spell concurrently, swallowing individual
// errors so teardown always completes (§4.5.3).
func (m *Manager) KillAll() {
	names := m.ActiveNames()
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			m.Kill(n)
		}(name)
	}
	wg.Wait()
}

// IncrementTurn advances the monotone turn counter (I4) and schedules a
// debounced save.
func (m *Manager) IncrementTurn() {
	m.mu.Lock()
	m.currentTurn++
	m.mu.Unlock()
	m.triggerSave()
}

// MarkUsed records name as used in the current turn. A name not
// currently active is logged and ignored, never raised as an error.
func (m *Manager) MarkUsed(name string) {
	m.mu.Lock()
	as, ok := m.active[name]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("markUsed on inactive spell, ignoring", "spell", name)
		return
	}
	m.usage[name] = m.currentTurn
	as.LastUsedTurn = m.currentTurn
	m.mu.Unlock()

	m.triggerSave()
}

// GetInactiveSpells returns active spells whose usage entry is at least
// threshold turns stale. Spells with no usage entry are never considered
// inactive by this check (§4.5.3).
func (m *Manager) GetInactiveSpells(threshold uint64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name := range m.active {
		last, ok := m.usage[name]
		if !ok {
			continue
		}
		if m.currentTurn-last >= threshold {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CleanupInactive kills every spell inactive for at least threshold
// turns and returns the names killed, in deterministic (sorted) order.
func (m *Manager) CleanupInactive(threshold uint64) []string {
	if threshold == 0 {
		threshold = 5
	}
	names := m.GetInactiveSpells(threshold)
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			m.Kill(n)
		}(name)
	}
	wg.Wait()
	return names
}

func (m *Manager) triggerSave() {
	m.debouncer.Enqueue(&struct{}{})
}

// saveToStorage snapshots current lifecycle state and persists it
// through the embedding store. Failures are logged, never surfaced
// (§4.5.4).
func (m *Manager) saveToStorage() error {
	m.mu.Lock()
	usage := make(map[string]embedstore.Usage, len(m.usage))
	for name, turn := range m.usage {
		usage[name] = embedstore.Usage{LastUsedTurn: turn}
	}
	pids := make(map[string]int)
	for name, as := range m.active {
		if pid := as.client.Pid(); pid > 0 {
			pids[name] = pid
		}
	}
	snapshot := embedstore.Lifecycle{
		CurrentTurn:   m.currentTurn,
		UsageTracking: usage,
		ActivePIDs:    pids,
		LastSaved:     time.Now().UnixMilli(),
	}
	m.mu.Unlock()

	m.store.SetLifecycleMetadata(&snapshot)
	if err := m.store.Save(); err != nil {
		m.logger.Error("failed to persist lifecycle state", "error", err)
		return err
	}
	return nil
}

// LoadFromStorage restores currentTurn/usageTracking and reaps any
// orphaned child processes left over from a crash (§4.5.5). Active
// connections are never resurrected; spells are re-spawned lazily on
// next activation.
func (m *Manager) LoadFromStorage() error {
	meta := m.store.GetLifecycleMetadata()
	if meta == nil {
		return nil
	}

	m.mu.Lock()
	m.currentTurn = meta.CurrentTurn
	m.usage = make(map[string]uint64, len(meta.UsageTracking))
	for name, u := range meta.UsageTracking {
		m.usage[name] = u.LastUsedTurn
	}
	m.mu.Unlock()

	found, killed := 0, 0
	for name, pid := range meta.ActivePIDs {
		if pid <= 0 {
			continue
		}
		found++
		if isProcessAlive(pid) {
			killed++
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				m.logger.Warn("failed to terminate orphaned spell process", "spell", name, "pid", pid, "error", err)
			}
		}
	}
	m.logger.Info("crash recovery complete", "orphans_found", found, "orphans_killed", killed)
	return nil
}

func isProcessAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// Close stops the debouncer's background timer, dropping any pending
// debounced save, and then writes one final lifecycle snapshot
// synchronously, so state left by an earlier KillAll is persisted.
// A failed final save is logged by saveToStorage.
func (m *Manager) Close() {
	m.debouncer.Stop()
	_ = m.saveToStorage()
}
