// Package gatewayconfig decodes the gateway's own top-level
// configuration file: where spells live on disk, where lifecycle and
// embedding state is persisted, and how aggressively idle spells are
// reaped. Per-spell *.spell.yaml documents are handled separately by
// spellconfig.
package gatewayconfig

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's top-level configuration, loaded once at
// startup from a YAML file (with $include resolution, via the same
// machinery the chat-gateway config uses).
type Config struct {
	// SpellDir is the directory holding *.spell.yaml files, watched for
	// hot reload.
	SpellDir string `yaml:"spell_dir"`

	// StateDir holds the embedding store and lifecycle snapshot files.
	StateDir string `yaml:"state_dir"`

	// ReapThresholdTurns is the number of turns a spell may go unused
	// before CleanupInactive kills it (§4.5.3).
	ReapThresholdTurns uint64 `yaml:"reap_threshold_turns"`

	// ReapInterval is how often the reaper sweeps for inactive spells.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// EmbeddingModel identifies the embedding model whose vectors the
	// store holds; it is written into the persisted store (C2) as its
	// model name. Loading does not compare it with the stored name, so
	// changing it does not invalidate existing vectors.
	EmbeddingModel string `yaml:"embedding_model"`

	// Transport names how the gateway itself is exposed upstream:
	// "stdio" or "http". Validate accepts both; the serve command in
	// cmd/grimoire always speaks stdio and does not read this field.
	Transport string `yaml:"transport"`

	// HTTPAddr is the listen address when Transport is "http". It is
	// only checked by Validate; no HTTP listener is started from it.
	HTTPAddr string `yaml:"http_addr"`
}

// Default returns the zero-config baseline: a "spells" directory for
// spells, a ".grimoire" state directory, a 10-turn reap threshold
// checked every 30s, stdio transport.
func Default() *Config {
	return &Config{
		SpellDir:           "spells",
		StateDir:           ".grimoire",
		ReapThresholdTurns: 10,
		ReapInterval:       30 * time.Second,
		EmbeddingModel:     "local-v1",
		Transport:          "stdio",
	}
}

// Validate checks the structural invariants a Config must satisfy
// before the gateway wires its components around it.
func (c *Config) Validate() error {
	if c.SpellDir == "" {
		return fmt.Errorf("gatewayconfig: spell_dir is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("gatewayconfig: state_dir is required")
	}
	if c.ReapThresholdTurns == 0 {
		return fmt.Errorf("gatewayconfig: reap_threshold_turns must be > 0")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("gatewayconfig: reap_interval must be > 0")
	}
	switch c.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("gatewayconfig: unknown transport %q", c.Transport)
	}
	if c.Transport == "http" && c.HTTPAddr == "" {
		return fmt.Errorf("gatewayconfig: http_addr is required when transport is http")
	}
	return nil
}

// Load reads path, resolving $include directives, then strictly decodes
// the result over Default()'s baseline.
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("gatewayconfig: load %s: %w", path, err)
	}

	cfg := Default()
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("gatewayconfig: re-marshal merged config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("gatewayconfig: decode %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("gatewayconfig: %s: expected a single document", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
