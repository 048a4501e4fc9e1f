// Kasan - Addition-point billing engine for home-visit nursing stations.
// Copyright (c) 2025 opencare.jp
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

	"github.com/opencare-jp/kasan/internal/api"
	"github.com/opencare-jp/kasan/internal/bus"
	"github.com/opencare-jp/kasan/internal/cache"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/engine"
	"github.com/opencare-jp/kasan/internal/repository"
	"github.com/opencare-jp/kasan/internal/visits"
	"github.com/opencare-jp/kasan/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KASAN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kasan",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KASAN_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

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

	// Initialize Visit Ordinal Service
	visitSvc := visits.NewService(repo, cacheImpl)
	slog.Info("visit service initialized")

	// Initialize Rule Engine with ordinal getter
	eng := engine.NewEngine(visitSvc.OrdinalGetter(), 100)

	// Load catalog from database (no hardcoded defaults - configure via API)
	if err := loadCatalogFromDatabase(ctx, repo, eng); err != nil {
		slog.Error("failed to load catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "catalog_size", eng.CatalogSize())

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KASAN_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, eng, visitSvc)

		// Get tenant IDs to process (from environment or default)
		tenantIDs := []string{}
		if envTenants := os.Getenv("KASAN_TENANTS"); envTenants != "" {
			for _, t := range strings.Split(envTenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tenantIDs = append(tenantIDs, t)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: 5,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, visitSvc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kasan is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kasan shutdown complete")
}

// GlobalTenantID is used for catalog rules that apply to all tenants.
const GlobalTenantID = "*"

// loadCatalogFromDatabase loads the bonus rule catalog into the engine.
// All rules must be configured via POST /rules API - no hardcoded defaults.
func loadCatalogFromDatabase(ctx context.Context, repo domain.Repository, eng *engine.Engine) error {
	dbRules, err := repo.ListBonusRules(ctx, GlobalTenantID, "")
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with an empty catalog - rules can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading catalog from database", "count", len(dbRules))
		return eng.LoadCatalog(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔════════════════════════════════════════════╗")
	fmt.Println("  ║                 ⛩  KASAN                    ║")
	fmt.Println("  ║    Home-Visit Nursing Addition Engine       ║")
	fmt.Println("  ║       Every point, accounted for.           ║")
	fmt.Println("  ╚════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate          - Evaluate a visit")
	fmt.Println("    POST /preview           - Dry-run against supplied facts")
	fmt.Println("    GET  /evaluations/{id}  - Get evaluation by ID")
	fmt.Println("    GET  /visits/{id}       - Get visit by ID")
	fmt.Println("    GET  /rules             - List catalog rules")
	fmt.Println("    POST /rules             - Create a rule version")
	fmt.Println("    POST /rules/reload      - Hot-reload catalog from database")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
