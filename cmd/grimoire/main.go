// Package main provides the CLI entry point for Grimoire, a meta-gateway
// that surfaces a handful of MCP spells to a host as two tools,
// resolve_intent and activate_spell, spawning the matching downstream
// server on demand instead of keeping every spell connected up front.
//
// # Basic Usage
//
// Start the gateway, speaking MCP over stdio to the host:
//
//	grimoire serve --config grimoire.yaml
//
// # Environment Variables
//
//   - GRIMOIRE_CONFIG: Path to configuration file (default: grimoire.yaml)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grimoirehq/grimoire/internal/embedding"
	"github.com/grimoirehq/grimoire/internal/embedstore"
	"github.com/grimoirehq/grimoire/internal/gatewayconfig"
	"github.com/grimoirehq/grimoire/internal/mcp"
	"github.com/grimoirehq/grimoire/internal/resolver"
	"github.com/grimoirehq/grimoire/internal/router"
	"github.com/grimoirehq/grimoire/internal/spawn"
	"github.com/grimoirehq/grimoire/internal/spellconfig"
	"github.com/grimoirehq/grimoire/internal/spellgateway"
	"github.com/grimoirehq/grimoire/internal/spellserver"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "grimoire",
		Short:   "Grimoire - meta-gateway for model-context tool servers",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Long: `Grimoire sits between an MCP host and a directory of spells: instead of
connecting every configured MCP server up front, it exposes exactly two
tools, resolve_intent and activate_spell, and spawns the matching
downstream server only once a request actually needs it.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func defaultConfigPath() string {
	if p := os.Getenv("GRIMOIRE_CONFIG"); p != "" {
		return p
	}
	return "grimoire.yaml"
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway, speaking MCP over stdio to the host",
		Long: `Start the gateway server.

The server will:
1. Load the top-level configuration (spell directory, state directory, reap policy)
2. Load and index every *.spell.yaml found in the spell directory
3. Recover any process lifecycle state left by a previous run
4. Start the hot-reload watcher over that directory
5. Serve resolve_intent and activate_spell as an MCP server over stdio

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = defaultConfigPath()
			}
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	slog.Info("starting grimoire", "version", version, "commit", commit, "config", configPath)

	cfg, err := gatewayconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := embedstore.New(filepath.Join(cfg.StateDir, "embeddings.msgpack"), cfg.EmbeddingModel, slog.Default())
	if err := store.Load(); err != nil {
		return fmt.Errorf("failed to load embedding store: %w", err)
	}

	res := resolver.New(store, embedding.Instance())

	spells, err := spellconfig.LoadDirectory(cfg.SpellDir, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load spell directory: %w", err)
	}
	for _, spell := range spells {
		if err := res.Index(spell); err != nil {
			slog.Warn("failed to index spell at startup", "spell", spell.Name, "error", err)
		}
	}
	slog.Info("spells indexed", "count", len(spells), "dir", cfg.SpellDir)

	spawnMgr := spawn.New(store, slog.Default())
	if err := spawnMgr.LoadFromStorage(); err != nil {
		slog.Warn("failed to recover lifecycle state", "error", err)
	}
	defer spawnMgr.Close()

	rtr := router.New(slog.Default())
	gw := spellgateway.New(res, spawnMgr, rtr, slog.Default())

	watcher := router.NewWatcher(cfg.SpellDir, rtr, res, spawnMgr, nil, slog.Default())
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start spell watcher: %w", err)
	}
	defer watcher.Close()

	go runReaper(ctx, spawnMgr, cfg)

	srv := spellserver.New(gw, mcp.ServerInfo{Name: "grimoire", Version: version}, slog.Default())

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, os.Stdin, os.Stdout) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
		spawnMgr.KillAll()
		return nil
	case err := <-serveErr:
		spawnMgr.KillAll()
		return err
	}
}

func runReaper(ctx context.Context, mgr *spawn.Manager, cfg *gatewayconfig.Config) {
	ticker := time.NewTicker(cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			killed := mgr.CleanupInactive(cfg.ReapThresholdTurns)
			if len(killed) > 0 {
				slog.Info("reaped inactive spells", "spells", killed)
			}
		}
	}
}
