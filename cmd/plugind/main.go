// ABOUTME: Entry point for the plugind plugin execution engine.
// ABOUTME: Wires store, registry, environments, and supervisor behind CLI commands.

package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/opsforge/plugind/internal/api"
	"github.com/opsforge/plugind/internal/config"
	"github.com/opsforge/plugind/internal/envs"
	"github.com/opsforge/plugind/internal/paths"
	"github.com/opsforge/plugind/internal/registry"
	"github.com/opsforge/plugind/internal/store"
	"github.com/opsforge/plugind/internal/supervisor"
	"github.com/opsforge/plugind/internal/tracker"
	"github.com/opsforge/plugind/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	// A local .env is a development convenience; absence is not an error.
	godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "plugind",
		Short: "plugind - plugin execution engine",
		Long: `plugind installs, manages, and executes sandboxed plugins.

Plugins are distributed as zip packages carrying a plugin.json manifest.
Python plugins get an isolated dependency environment built with uv;
command plugins run their entry point directly.

Quick Start:
  plugind serve         # Start the engine API
  plugind version       # Print the engine version
  plugind reset         # Wipe all engine state

Environment Variables:
  PLUGIND_HOST                       Listen host (default: 127.0.0.1)
  PLUGIND_PORT                       Listen port (default: 6701)
  PLUGIND_DATA_ROOT                  State directory (default: ~/.local/share/plugind)
  PLUGIND_UV_BIN                     uv executable (default: uv)
  PLUGIND_PYTHON_BIN                 python interpreter for environments (default: python3)
  PLUGIND_MAX_OUTPUT_BYTES           Retained output per stream (default: 1048576)
  PLUGIND_STOP_GRACE_PERIOD          SIGTERM-to-SIGKILL grace (default: 5s)
  PLUGIND_MAX_CONCURRENT_PER_PLUGIN  Per-plugin execution cap (default: unlimited)
  PLUGIND_APPLY_DEFAULTS             Fill omitted params from declared defaults (default: false)`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine HTTP API",
		Long: `Start the plugind HTTP API.

The server provides:
  • Plugin registry endpoints under /api/plugins
  • Execution endpoints under /api/executions
  • Live output streaming at /api/executions/{id}/stream
  • Health check at /healthz

Executions left unfinished by a previous engine instance are marked
failed on startup before the first request is served.`,
		RunE: runServe,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe all engine state",
		Long: `Delete the engine's entire data root: the database, every installed
plugin, every dependency environment, and all execution scratch space.

Warning: this permanently deletes all plugins and execution history!`,
		RunE: runReset,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}

	rootCmd.AddCommand(serveCmd, resetCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	handler, sup, err := newEngine(cfg)
	if err != nil {
		return err
	}
	if err := sup.ReconcileOnStartup(); err != nil {
		return fmt.Errorf("failed to reconcile interrupted executions: %w", err)
	}

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	log.Printf("plugind %s listening on %s", version.Version, addr)
	log.Printf("Data root: %s", cfg.DataRoot)
	return http.ListenAndServe(addr, handler)
}

func newEngine(cfg config.Config) (http.Handler, *supervisor.Supervisor, error) {
	layout, err := paths.NewLayout(cfg.DataRoot)
	if err != nil {
		return nil, nil, err
	}
	if err := layout.Ensure(); err != nil {
		return nil, nil, fmt.Errorf("failed to prepare data root: %w", err)
	}

	st, err := store.New(layout.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	prov := envs.New(st, layout, cfg.UVBinary, cfg.PythonBinary)
	reg := registry.New(st, layout, prov)
	tr := tracker.New(st, cfg.MaxOutputBytes)
	sup := supervisor.New(st, tr, prov, layout, supervisor.Config{
		StopGracePeriod:        cfg.StopGracePeriod,
		MaxConcurrentPerPlugin: cfg.MaxConcurrentPerPlugin,
		ApplyDefaults:          cfg.ApplyDefaults,
	})

	return api.NewServer(reg, tr, sup, prov).Router(), sup, nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	layout, err := paths.NewLayout(cfg.DataRoot)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(layout.Root); err != nil {
		return fmt.Errorf("failed to remove data root: %w", err)
	}
	if err := layout.Ensure(); err != nil {
		return fmt.Errorf("failed to recreate data root: %w", err)
	}
	log.Printf("Reset complete: %s", layout.Root)
	return nil
}
