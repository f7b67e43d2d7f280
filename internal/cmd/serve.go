package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atelier-notes/atelier/internal/api"
	"github.com/atelier-notes/atelier/internal/config"
	"github.com/atelier-notes/atelier/internal/engine"
	"github.com/atelier-notes/atelier/internal/logging"
	"github.com/atelier-notes/atelier/internal/metrics"
	"github.com/atelier-notes/atelier/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the durability engine with the debug API",
	Long: `Run the durability engine as a long-lived process.

Opens the document store, keeps the shared workspace resident, replays any
pending saves, and serves the debug/metrics HTTP API until interrupted.
The API must be enabled in config (api.enabled: true) or with --addr.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "debug API listen address (overrides api.addr and enables the API)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = addr
	}

	dataDir := cfg.Paths.ResolveDataDir()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(dataDir, cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
	}

	// Live log-level changes: viper watches the config file so a running
	// process can be switched to debug without a restart.
	viper.OnConfigChange(func(fsnotify.Event) {
		logger.SetLevel(viper.GetString("logging.level"))
	})
	viper.WatchConfig()

	docs, err := store.Open(cfg.ResolveStorePath())
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer docs.Close()

	registry := prometheus.NewRegistry()
	e := engine.New(engine.Config{
		Cap:               cfg.Engine.ResidencyCap,
		DegradedThreshold: cfg.Engine.DegradedThreshold,
		SharedWorkspaceID: cfg.Engine.SharedWorkspaceID,
	}, docs, metrics.New(registry), logger)

	e.Residency().UpdatePinnedWorkspaceIDs(cfg.Engine.PinnedWorkspaces)

	ctx := context.Background()

	// The shared workspace is resident for the life of the process.
	if _, err := e.OpenWorkspace(ctx, cfg.Engine.SharedWorkspaceID, engine.OpenOptions{}); err != nil {
		return fmt.Errorf("open shared workspace: %w", err)
	}

	if n, err := e.ReplayPending(ctx); err != nil {
		logger.Warn("startup replay incomplete",
			"replayed", n,
			"error", err.Error())
	}

	var srv *api.Server
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		srv = api.NewServer(cfg.API.Addr, api.NewHandler(e, registry, logger), logger)
		go func() { errCh <- srv.Start() }()
		fmt.Printf("Debug API listening on %s\n", cfg.API.Addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("debug api: %w", err)
		}
	}

	// Flush every resident workspace before exit; failures land in the
	// replay queue and are retried on next start.
	for _, id := range e.Residency().IDs() {
		if err := e.FlushWorkspace(ctx, id); err != nil {
			logger.Warn("shutdown flush failed",
				"workspace_id", id,
				"error", err.Error())
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown debug api: %w", err)
		}
	}

	return nil
}
