package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sentra/pkg/sentra/channels/websocket"
	"github.com/jholhewres/sentra/pkg/sentra/copilot"
	"github.com/jholhewres/sentra/pkg/sentra/engine"
	"github.com/jholhewres/sentra/pkg/sentra/gateway"
	"github.com/jholhewres/sentra/pkg/sentra/history"
	"github.com/jholhewres/sentra/pkg/sentra/scheduler"
)

// newServeCmd creates the `sentra serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the chat bridge and start answering",
		Long: `Start Sentra as a daemon: connect to the WebSocket bridge, the MCP
tool servers and the LLM provider, then process incoming messages until
SIGINT or SIGTERM.

Examples:
  sentra serve
  sentra serve --config ./config.yaml -v`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg.Logging, os.Stdout)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	// ── Resolve secrets ──
	copilot.ResolveAPIKey(cfg, logger)
	client, err := copilot.NewChatClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating chat client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Open storage ──
	var (
		db        *sql.DB
		pairStore *history.SQLitePairStore
		persist   history.PairStore
		cache     *history.MessageCache
	)
	if cfg.History.Path != "" {
		db, err = history.OpenDatabase(cfg.History.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		pairStore = history.NewSQLitePairStore(db, logger)
		persist = pairStore
		cache = history.NewMessageCache(db)
		logger.Info("history database opened", "path", cfg.History.Path)
	}
	store := history.NewStore(cfg.History, persist, logger)

	// ── Connect tool servers ──
	toolbox := engine.NewMCPToolbox(cfg.Engine.MCPServers, version, logger)
	if err := toolbox.Connect(ctx); err != nil {
		logger.Warn("continuing without tools", "error", err)
	}
	defer toolbox.Close()
	planner := engine.NewPlanner(client.Complete, toolbox, cfg.Engine, logger)

	// ── Create assistant ──
	deps := copilot.AssistantDeps{
		Transport: websocket.New(cfg.WebSocket, logger),
		History:   store,
		Engine:    planner,
		Model:     client,
	}
	if cache != nil {
		deps.Cache = cache
	}
	assistant := copilot.New(cfg, deps, logger)
	if err := assistant.Start(ctx); err != nil {
		return err
	}

	// ── Start maintenance jobs ──
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled && db != nil {
		sched = scheduler.New(logger)
		registerMaintenanceJobs(sched, cfg, cache, pairStore, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			sched = nil
		}
	}

	// ── Start gateway if enabled ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		var jobs gateway.JobLister
		if sched != nil {
			jobs = sched
		}
		gw = gateway.New(assistant, store, jobs, cfg.Gateway, logger)
		gw.SetVersion(version)
		gw.SetTokenModel(cfg.Response.TokenCountModel)
		if err := gw.Start(ctx); err != nil {
			logger.Error("failed to start gateway", "error", err)
			gw = nil
		}
	}

	// ── Start config watcher for hot-reload ──
	if configPath != "" {
		watcher := copilot.NewConfigWatcher(configPath, 0, assistant.ApplyConfigUpdate, logger)
		go watcher.Start(ctx)
		logger.Info("config watcher started", "path", configPath)
	}

	// ── Wait for shutdown ──
	logger.Info("Sentra running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Model,
		"provider", client.Provider(),
		"bridge", cfg.WebSocket.URL,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		if gw != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancelShutdown()
		}
		if sched != nil {
			sched.Stop()
		}
		assistant.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
