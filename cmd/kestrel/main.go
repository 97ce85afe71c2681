// Kestrel - Real-time transaction risk scoring and pattern detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sink"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", envOr("KESTREL_CONFIG", "kestrel.yaml"), "Path to YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := config.NewLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"sinks", cfg.Sinks.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Rule engine; refusing to start unscored.
	engine, err := rules.NewEngine(rules.OptionsFromConfig(cfg.Engine))
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	reloader := rules.NewReloader(engine, repo, cfg.Engine.ReloadInterval)
	set, err := reloader.LoadInitial(ctx)
	if err != nil {
		return fmt.Errorf("no rule set could be loaded: %w", err)
	}
	slog.Info("rule engine initialized", "version", set.Version, "rules_count", len(set.Rules))

	// Sinks and pipeline
	sinks, err := sink.New(cfg.Sinks, busImpl)
	if err != nil {
		return fmt.Errorf("initialize sinks: %w", err)
	}
	dispatcher := sink.NewDispatcher(cfg.Sinks, sinks)

	pl, err := pipeline.New(cfg, engine, repo, cacheImpl, dispatcher)
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}

	pipelineDone := make(chan error, 1)
	// The pipeline outlives the signal context; it is closed below once the
	// server and the bus worker stopped submitting.
	go func() { pipelineDone <- pl.Run(context.WithoutCancel(ctx)) }()
	go func() {
		if err := reloader.Run(ctx); err != nil {
			slog.Error("rule reloader stopped", "error", err)
		}
	}()

	// SIGHUP reloads rules without waiting for the poll interval.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				slog.Info("received SIGHUP, reloading rules")
				reloader.Trigger()
			}
		}
	}()

	// Bus ingest
	busWorker := worker.NewWorker(busImpl, pl)
	if err := busWorker.Start(worker.Config{}); err != nil {
		return fmt.Errorf("start bus worker: %w", err)
	}

	// HTTP ingest goes straight to the pipeline on a single instance and
	// through the bus when a shared transport is configured.
	var submitter api.Submitter = pl
	if cfg.EventBus.Type == "nats" {
		submitter = worker.NewPublisher(busImpl)
	}
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, reloader, submitter, Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case runErr = <-serverErr:
		slog.Error("server failed", "error", runErr)
	}
	slog.Info("shutting down...")

	// Stop intake, then close and drain the pipeline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := busWorker.Stop(); err != nil {
		slog.Error("failed to stop bus worker", "error", err)
	}

	pl.Close()
	select {
	case err := <-pipelineDone:
		if err != nil {
			slog.Error("pipeline stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Error("pipeline drain timed out")
	}

	slog.Info("kestrel shutdown complete")
	return runErr
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║   Real-time transaction risk pipeline     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions                     - Submit a transaction")
	fmt.Println("    GET  /assessments/{id}                 - Get assessment by ID")
	fmt.Println("    GET  /assessments                      - Query assessments")
	fmt.Println("    GET  /entities/{id}/assessments/latest - Latest assessment")
	fmt.Println("    GET  /entities/{id}/detections         - Pattern detections")
	fmt.Println("    GET  /rules                            - Active rule set")
	fmt.Println("    POST /rules                            - Save a rule")
	fmt.Println("    POST /rules/reload                     - Hot-reload rules")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
