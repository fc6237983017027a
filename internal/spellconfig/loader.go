package spellconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const spellFileSuffix = ".spell.yaml"

// LoadDirectory reads every *.spell.yaml file in dir and returns the
// decoded, validated configs keyed by name. Non-matching filenames are
// ignored. A duplicate name across files is resolved first-seen-wins
// (by lexical filename order, for determinism); subsequent duplicates
// are logged and skipped, per §6.
func LoadDirectory(dir string, logger *slog.Logger) (map[string]*SpellConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "spellconfig.loader")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*SpellConfig{}, nil
		}
		return nil, fmt.Errorf("spellconfig: read spell directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), spellFileSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make(map[string]*SpellConfig)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read spell file", "path", path, "error", err)
			continue
		}
		cfg, err := Parse(data)
		if err != nil {
			logger.Warn("failed to parse spell file", "path", path, "error", err)
			continue
		}
		if _, dup := out[cfg.Name]; dup {
			logger.Warn("duplicate spell name, keeping first-seen", "name", cfg.Name, "path", path)
			continue
		}
		out[cfg.Name] = cfg
	}
	return out, nil
}

// LoadFile parses a single spell file on disk, used by the hot-reload
// watcher when reacting to a single changed file rather than rescanning
// the whole directory.
func LoadFile(path string) (*SpellConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spellconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// SpellFileName derives the *.spell.yaml filename for a given spell name,
// used by callers constructing paths for newly discovered files.
func SpellFileName(name string) string {
	return name + spellFileSuffix
}

// IsSpellFile reports whether name has the *.spell.yaml extension.
func IsSpellFile(name string) bool {
	return strings.HasSuffix(name, spellFileSuffix)
}
