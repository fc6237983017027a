// Package embedstore persists the single on-disk artifact holding every
// spell's embedding vector plus the process lifecycle manager's own
// metadata. The file is MessagePack-encoded, versioned, and written with
// an atomic temp-file-rename so readers never observe a truncated write.
package embedstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// CurrentVersion is the on-disk format version written by Save.
	CurrentVersion = "2.0.0"
	// LegacyVersion is the pre-lifecycle format that must be upgraded in
	// memory on load.
	LegacyVersion = "1.0.0"
	// Dimension is the fixed embedding vector length.
	Dimension = 384

	filePerm = 0o600
	dirPerm  = 0o700
)

// Record is a single spell's persisted embedding.
type Record struct {
	Vector    []float32 `msgpack:"vector"`
	Hash      string    `msgpack:"hash"`
	Timestamp int64     `msgpack:"timestamp"`
}

// Usage tracks when a spell was last used, in turns.
type Usage struct {
	LastUsedTurn uint64 `msgpack:"lastUsedTurn"`
}

// Lifecycle is the process lifecycle manager's own persisted metadata.
type Lifecycle struct {
	CurrentTurn   uint64           `msgpack:"currentTurn"`
	UsageTracking map[string]Usage `msgpack:"usageTracking"`
	ActivePIDs    map[string]int   `msgpack:"activePIDs"`
	LastSaved     int64            `msgpack:"lastSaved"`
}

// diskFormat is the exact on-disk MessagePack shape.
type diskFormat struct {
	Version   string             `msgpack:"version"`
	ModelName string             `msgpack:"modelName"`
	Dimension int                `msgpack:"dimension"`
	Spells    map[string]Record  `msgpack:"spells"`
	Lifecycle *Lifecycle         `msgpack:"lifecycle"`
}

// Store is the embedding + lifecycle persistence layer for one configured
// model/spell-directory pair. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	path string

	modelName string
	spells    map[string]Record
	lifecycle *Lifecycle

	logger *slog.Logger
}

// New creates a Store bound to path. Call Load to populate it from disk;
// an unloaded Store behaves as an empty one.
func New(path, modelName string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:      path,
		modelName: modelName,
		spells:    make(map[string]Record),
		logger:    logger.With("component", "embedstore"),
	}
}

func emptyLifecycle() *Lifecycle {
	return &Lifecycle{
		UsageTracking: make(map[string]Usage),
		ActivePIDs:    make(map[string]int),
		LastSaved:     time.Now().UnixMilli(),
	}
}

// Load reads the store from disk. It is idempotent and never fails
// startup: any parse failure degrades to an empty, in-memory v2 store.
// A missing file is not an error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.spells = make(map[string]Record)
		s.lifecycle = nil
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read embedding store, starting empty", "error", err)
		s.spells = make(map[string]Record)
		s.lifecycle = nil
		return nil
	}

	var disk diskFormat
	if err := msgpack.Unmarshal(data, &disk); err != nil {
		s.logger.Warn("corrupt embedding store, resetting to empty", "error", err)
		s.spells = make(map[string]Record)
		s.lifecycle = nil
		return nil
	}
	if disk.Spells == nil {
		s.logger.Warn("embedding store has no spells section, resetting to empty")
		s.spells = make(map[string]Record)
		s.lifecycle = nil
		return nil
	}

	s.spells = disk.Spells
	if disk.Version == LegacyVersion || disk.Lifecycle == nil {
		s.logger.Info("upgrading embedding store to versioned lifecycle block", "from_version", disk.Version)
		s.lifecycle = emptyLifecycle()
	} else {
		s.lifecycle = disk.Lifecycle
		if s.lifecycle.UsageTracking == nil {
			s.lifecycle.UsageTracking = make(map[string]Usage)
		}
		if s.lifecycle.ActivePIDs == nil {
			s.lifecycle.ActivePIDs = make(map[string]int)
		}
	}
	return nil
}

// Get returns the record for name, if present.
func (s *Store) Get(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.spells[name]
	return r, ok
}

// Has reports whether name is indexed.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spells[name]
	return ok
}

// Set stores or overwrites the record for name.
func (s *Store) Set(name string, vector []float32, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spells[name] = Record{
		Vector:    vector,
		Hash:      hash,
		Timestamp: time.Now().Unix(),
	}
}

// Delete removes name from the store.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spells, name)
}

// GetAll returns a copy of every indexed record.
func (s *Store) GetAll() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.spells))
	for k, v := range s.spells {
		out[k] = v
	}
	return out
}

// NeedsUpdate reports whether name is unknown or its stored hash differs
// from hash.
func (s *Store) NeedsUpdate(name, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.spells[name]
	return !ok || r.Hash != hash
}

// GetMetadata returns the record for name without the cost of copying the
// whole store, or false if absent.
func (s *Store) GetMetadata(name string) (Record, bool) {
	return s.Get(name)
}

// GetLifecycleMetadata returns a copy of the lifecycle block, or nil if
// none has ever been set.
func (s *Store) GetLifecycleMetadata() *Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lifecycle == nil {
		return nil
	}
	cp := *s.lifecycle
	cp.UsageTracking = make(map[string]Usage, len(s.lifecycle.UsageTracking))
	for k, v := range s.lifecycle.UsageTracking {
		cp.UsageTracking[k] = v
	}
	cp.ActivePIDs = make(map[string]int, len(s.lifecycle.ActivePIDs))
	for k, v := range s.lifecycle.ActivePIDs {
		cp.ActivePIDs[k] = v
	}
	return &cp
}

// SetLifecycleMetadata replaces the lifecycle block outright.
func (s *Store) SetLifecycleMetadata(m *Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = m
}

// UpdateLifecycleMetadata merges partial fields over the current
// lifecycle block (or fresh defaults if none exists yet). CurrentTurn is
// only taken when it is greater than the stored turn, so the turn never
// moves backwards; nil maps in partial are ignored; LastSaved is always
// stamped to now.
func (s *Store) UpdateLifecycleMetadata(partial Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == nil {
		s.lifecycle = emptyLifecycle()
	}
	if partial.CurrentTurn > s.lifecycle.CurrentTurn {
		s.lifecycle.CurrentTurn = partial.CurrentTurn
	}
	if partial.UsageTracking != nil {
		s.lifecycle.UsageTracking = partial.UsageTracking
	}
	if partial.ActivePIDs != nil {
		s.lifecycle.ActivePIDs = partial.ActivePIDs
	}
	s.lifecycle.LastSaved = time.Now().UnixMilli()
}

// Save atomically persists the store: marshal to a temp file in the same
// directory, fsync, rename over the target, then chmod 0600. A failed
// save leaves the previous on-disk file untouched and returns the error
// to the caller; only a failed chmod after the rename is logged instead.
func (s *Store) Save() error {
	s.mu.RLock()
	disk := diskFormat{
		Version:   CurrentVersion,
		ModelName: s.modelName,
		Dimension: Dimension,
		Spells:    s.spells,
		Lifecycle: s.lifecycle,
	}
	s.mu.RUnlock()

	data, err := msgpack.Marshal(disk)
	if err != nil {
		return fmt.Errorf("marshal embedding store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create embedding store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("open temp embedding store: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp embedding store: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp embedding store: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp embedding store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename embedding store: %w", err)
	}
	if err := os.Chmod(s.path, filePerm); err != nil {
		s.logger.Warn("failed to chmod embedding store", "error", err)
	}
	return nil
}
