// Package main provides the CLI entry point for the Anvil agent runtime.
//
// Anvil serves an HTTP API that drives tool-using model turns against a
// workspace: streaming chat, out-of-band permission approval, interactive
// terminals, and snapshot-based rollback.
//
// Basic usage:
//
//	anvil serve --config anvil.yaml
//
// Configuration can also come from environment variables:
//
//   - APP_CONFIG_PATH: path to the configuration file (default: anvil.yaml)
//   - DATA_DIR, DB_PATH, SNAPSHOT_DIR: storage locations
//   - TAVILY_API_KEY: enables the web_search tool
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/history"
	"github.com/haasonsaas/anvil/internal/model"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/permission"
	"github.com/haasonsaas/anvil/internal/runtime"
	"github.com/haasonsaas/anvil/internal/server"
	"github.com/haasonsaas/anvil/internal/snapshot"
	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/internal/term"
	"github.com/haasonsaas/anvil/internal/tools"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "anvil",
		Short:        "Anvil - agent orchestration runtime",
		Long:         "Anvil runs tool-using model turns against a workspace over an HTTP API.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd(), buildVersionCmd())
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("anvil %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file (or set APP_CONFIG_PATH)")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	cfgStore := config.NewStore(cfg, resolveConfigPath(configPath))
	metrics := observability.NewMetrics(nil)
	broker := permission.NewBroker(st, logger)

	manager := term.NewManager(cfg.Term.BufferSize,
		time.Duration(cfg.Term.IdleTimeoutMS)*time.Millisecond, logger)
	defer manager.Shutdown()

	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewReadFileTool(cfgStore),
		tools.NewWriteFileTool(),
		tools.NewListDirTool(),
		tools.NewRunShellTool(cfgStore),
		tools.NewTerminalOpenTool(cfgStore, manager),
		tools.NewTerminalSendTool(manager),
		tools.NewTerminalReadTool(cfgStore, manager),
		tools.NewTerminalCloseTool(manager),
		tools.NewWebSearchTool(os.Getenv(config.EnvTavilyKey)),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	dispatcher := tools.NewDispatcher(registry, broker, cfgStore, logger)

	builder := history.NewBuilder(st, cfgStore, nil, logger)
	compressor, err := buildCompressor(st, cfgStore, builder, logger)
	if err != nil {
		return err
	}

	snapshots := snapshot.NewStore(snapshot.NewArchiver(cfg.Storage.SnapshotDir), st, logger)
	rt := runtime.NewRuntime(st, cfgStore, snapshots, builder, compressor,
		dispatcher, agent.NewStopRegistry(), metrics, logger)

	srv := server.New(rt, broker, st, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.Server.Addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildCompressor wires context compression over the default model
// profile. With no profiles configured, compression is disabled.
func buildCompressor(st *store.Store, cfgStore *config.Store,
	builder *history.Builder, logger *slog.Logger) (*history.Compressor, error) {

	cfg := cfgStore.Get()
	if len(cfg.Models) == 0 || !cfg.Context.CompressionEnabled {
		return nil, nil
	}
	profile := cfg.Models[0]
	for _, p := range cfg.Models {
		if p.Default {
			profile = p
			break
		}
	}
	client, err := model.New(profile, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("compressor model client: %w", err)
	}
	return history.NewCompressor(st, cfgStore, builder,
		history.NewModelSummarizer(client), logger), nil
}

func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		return env
	}
	return "anvil.yaml"
}
