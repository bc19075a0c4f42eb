// ChainGuard - Explainable risk scoring for blockchain transactions.
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

	"github.com/opensource-finance/chainguard/internal/api"
	"github.com/opensource-finance/chainguard/internal/bus"
	"github.com/opensource-finance/chainguard/internal/cache"
	"github.com/opensource-finance/chainguard/internal/config"
	"github.com/opensource-finance/chainguard/internal/logging"
	"github.com/opensource-finance/chainguard/internal/metrics"
	"github.com/opensource-finance/chainguard/internal/pipeline"
	"github.com/opensource-finance/chainguard/internal/repository"
	"github.com/opensource-finance/chainguard/internal/rules"
	"github.com/opensource-finance/chainguard/internal/tracing"
	"github.com/opensource-finance/chainguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	showEnv := flag.Bool("env", false, "Print the supported environment variables and exit")
	flag.Parse()

	if *showEnv {
		fmt.Println(config.Usage())
		return
	}

	if err := run(); err != nil {
		slog.Error("chainguard stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("starting chainguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	logger.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	logger.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.TwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	logger.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}

	extra, err := config.LoadRulesFile(cfg.Scoring.RulesFile)
	if err != nil {
		return err
	}
	baseRules := rules.Merge(rules.BuiltinRules(), extra)

	scoringCfg, err := config.ScoringRules(cfg.Scoring)
	if err != nil {
		return err
	}

	var (
		observer       pipeline.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		collector := metrics.New(cfg.Metrics.Namespace)
		observer = collector
		metricsHandler = collector.Handler()
	}

	svc, err := pipeline.New(pipeline.Options{
		Engine:          engine,
		BaseRules:       baseRules,
		Scoring:         scoringCfg,
		Workers:         cfg.Scoring.Workers,
		RuleWorkers:     cfg.Scoring.RuleWorkers,
		DefaultCurrency: cfg.Scoring.DefaultCurrency,
		MaxRows:         cfg.Server.MaxBatchRows,
		Repository:      repo,
		Results:         cache.NewResultCache(cacheImpl, cfg.Cache.ResultTTL),
		Bus:             busImpl,
		Metrics:         observer,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	logger.Info("rule registry initialized",
		"base_rules", len(baseRules),
		"rules_file", cfg.Scoring.RulesFile,
		"bands", cfg.Scoring.Bands,
	)

	var asyncWorker *worker.Worker
	if len(cfg.Worker.Tenants) > 0 {
		asyncWorker = worker.New(busImpl, svc, logger)
		if err := asyncWorker.Start(worker.Config{
			TenantIDs:   cfg.Worker.Tenants,
			Concurrency: cfg.Worker.Concurrency,
		}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		logger.Info("async worker started", "tenant_count", len(cfg.Worker.Tenants))
	}

	srv := api.NewServer(cfg.Server, svc, metricsHandler, Version, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("chainguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Worker first, then the server
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			logger.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("chainguard shutdown complete")
	return nil
}
