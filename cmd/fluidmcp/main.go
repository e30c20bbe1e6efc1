// FluidMCP gateway server: manages MCP server subprocesses, proxies their
// tools over HTTP, and dispatches LLM inference with tool calling.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fluidmcp/fluidmcp/pkg/api"
	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/github"
	"github.com/fluidmcp/fluidmcp/pkg/llm"
	"github.com/fluidmcp/fluidmcp/pkg/manager"
	"github.com/fluidmcp/fluidmcp/pkg/metrics"
	"github.com/fluidmcp/fluidmcp/pkg/repository"
	"github.com/fluidmcp/fluidmcp/pkg/restart"
	"github.com/fluidmcp/fluidmcp/pkg/tools"
	"github.com/fluidmcp/fluidmcp/pkg/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("FMCP_CONFIG"), "Path to YAML configuration file")
	envPath := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting FluidMCP",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"secure_mode", cfg.SecureMode)

	ctx := context.Background()

	// 1. Storage: PostgreSQL when a DSN is configured, in-memory otherwise.
	var repo repository.Repository
	if cfg.DatabaseURL != "" {
		pg, err := repository.NewPostgres(ctx, cfg.DatabaseURL, cfg.MaxMemoryLogs)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		repo = pg
		slog.Info("Connected to PostgreSQL database")
	} else {
		repo = repository.NewMemory(cfg.MaxMemoryLogs)
		slog.Warn("DATABASE_URL not set, using in-memory storage")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			slog.Error("Error closing repository", "error", err)
		}
	}()

	// 2. Metrics and the asynchronous child log writer.
	prom := metrics.NewPrometheus()
	logs := repository.NewLogWriter(repo, prom, 256)

	// 3. Process manager with the restart engine.
	engine := restart.NewEngine(restart.Backoff{
		InitialDelay: cfg.RestartInitialDelay,
		MaxDelay:     cfg.RestartMaxDelay,
		Multiplier:   cfg.RestartMultiplier,
	})
	mgr := manager.New(cfg, repo, logs, engine, prom)

	// 4. LLM dispatcher. Registered tools and MCP child tools share one
	// resolver so function calling can reach both.
	resolver := tools.ChainResolvers(tools.Default(), llm.NewMCPResolver(mgr))
	dispatcher := llm.NewDispatcher(repo, cfg, resolver, prom)

	// 5. HTTP server.
	httpServer := api.NewServer(cfg, mgr, dispatcher, github.NewClient(), repo, prom, prom.Handler())

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Run(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: drain HTTP first so no new starts arrive, then stop
	// children, then flush buffered logs.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	mgrCtx, mgrCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer mgrCancel()
	if err := mgr.Shutdown(mgrCtx); err != nil {
		slog.Error("Manager shutdown error", "error", err)
	}

	logs.Close()
	slog.Info("Shutdown complete")
}
