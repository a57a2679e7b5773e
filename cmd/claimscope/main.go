// Claimscope - Insurance risk scoring and portfolio analytics.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/claimscope/internal/analysis"
	"github.com/opensource-finance/claimscope/internal/api"
	"github.com/opensource-finance/claimscope/internal/bus"
	"github.com/opensource-finance/claimscope/internal/cache"
	"github.com/opensource-finance/claimscope/internal/domain"
	"github.com/opensource-finance/claimscope/internal/metrics"
	"github.com/opensource-finance/claimscope/internal/repository"
	"github.com/opensource-finance/claimscope/internal/rules"
	"github.com/opensource-finance/claimscope/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg := domain.ConfigFromEnv()

	// Initialize structured logger
	logger, closeLog := newLogger(cfg.Logging)
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("starting claimscope",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"warm_on_load", cfg.Scoring.WarmOnLoad,
		"bus_reports", cfg.EventBus.ServeReports,
	)

	// Spans are only recorded when a tracer provider is registered.
	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	rec := metrics.New()

	// Initialize Rule Engine with the default flag rules, then apply stored overrides
	engine, err := rules.NewDefaultEngine(cfg.Scoring.MaxWorkers)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	svc := analysis.NewService(repo, cacheImpl, busImpl, engine, rec, analysis.Config{
		Scoring:   cfg.Scoring,
		ReportTTL: cfg.Cache.ReportTTL,
	})

	stored, err := svc.ReloadRules(ctx)
	if err != nil {
		slog.Error("failed to load stored flag rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"stored_overrides", stored,
		"rule_set", svc.RuleSetID(),
	)

	// Precompute reports whenever a snapshot is stored
	var warmer *worker.Worker
	if cfg.Scoring.WarmOnLoad {
		warmer = worker.NewWorker(busImpl, svc)

		workerCfg := worker.Config{
			PortfolioIDs: splitList(os.Getenv("CLAIMSCOPE_WARM_PORTFOLIOS")),
		}
		if err := warmer.Start(workerCfg); err != nil {
			slog.Error("failed to start report warmer", "error", err)
			warmer = nil
		}
	}

	// Answer report requests from other services on the event bus
	var reportServer *worker.ReportServer
	if cfg.EventBus.ServeReports {
		reportServer = worker.NewReportServer(busImpl, svc, time.Minute)
		if err := reportServer.Start(); err != nil {
			slog.Error("failed to start bus report server", "error", err)
			reportServer = nil
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, svc, repo, cacheImpl, busImpl, rec, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("claimscope is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the bus consumers first so no report build outlives the repository
	if warmer != nil {
		if err := warmer.Stop(); err != nil {
			slog.Error("failed to stop report warmer", "error", err)
		}
	}
	if reportServer != nil {
		if err := reportServer.Stop(); err != nil {
			slog.Error("failed to stop bus report server", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("claimscope shutdown complete")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                CLAIMSCOPE                 |")
	fmt.Println("  |   Insurance risk scoring and analytics    |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /portfolios/{id}/snapshot          - Load a portfolio snapshot")
	fmt.Println("    GET  /portfolios                        - List portfolios")
	fmt.Println("    GET  /portfolios/{id}/scores            - Risk score table")
	fmt.Println("    GET  /portfolios/{id}/faults            - Missing joins and rule errors")
	fmt.Println("    GET  /portfolios/{id}/reports/{report}  - Aggregate report")
	fmt.Println("    GET  /portfolios/{id}/segment           - Filtered segment (json, csv, xlsx)")
	fmt.Println("    GET  /reports                           - List report names")
	fmt.Println("    GET  /rules                             - List flag rules")
	fmt.Println("    POST /rules                             - Replace a flag rule")
	fmt.Println("    POST /rules/reload                      - Reload stored flag rules")
	fmt.Println("    GET  /metrics                           - Prometheus metrics")
	fmt.Println("    GET  /health                            - Health check")
	fmt.Println()
}
