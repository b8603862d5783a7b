// Harrier - Layering detection over a live transfer stream.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/alerting"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/chain"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/feed"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/sweep"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/velocity"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("harrier exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	repo, err := repository.New(ctx, cfg.Repository)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repo.Close()
	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)
	logger.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer cacheImpl.Close()

	busImpl, err := bus.New(cfg.EventBus, logger)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer busImpl.Close()

	engine, err := rules.NewEngine(cfg.Detection.RuleWorkers, logger)
	if err != nil {
		return fmt.Errorf("init rule engine: %w", err)
	}
	faults, err := rules.Bootstrap(ctx, repo, engine, cfg.Detection.RulesFile, logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	logger.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"faults", len(faults),
	)

	observers := []alerting.Observer{alerting.NewBusObserver(busImpl)}
	if len(cfg.Feed.KafkaBrokers) > 0 {
		sink, err := feed.NewKafkaSink(cfg.Feed.KafkaBrokers, cfg.Feed.KafkaTopic, nil)
		if err != nil {
			return fmt.Errorf("init kafka feed: %w", err)
		}
		defer sink.Close()
		observers = append(observers, sink)
		logger.Info("kafka alert feed enabled", "topic", cfg.Feed.KafkaTopic)
	}
	emitter := alerting.NewEmitter(repo, logger, observers...)

	detector := chain.New(repo, cfg.Detection.Chain, logger)
	extractor := features.NewExtractor(repo, repo, detector, cfg.Detection.MaxHopTime, logger)
	sweeper := sweep.New(repo, extractor, engine, emitter, sweep.Config{
		Window:       cfg.Detection.SweepWindow,
		Workers:      cfg.Detection.SweepWorkers,
		ChainRuleIDs: cfg.Detection.ChainRuleIDs,
	}, logger)
	pipe := pipeline.New(repo, extractor, engine, emitter, sweeper,
		pipeline.NewSession(cfg.Detection.CleanBatchSize), logger)

	asyncWorker := worker.NewWorker(busImpl, pipe, logger)
	if err := asyncWorker.Start(); err != nil {
		return fmt.Errorf("start async worker: %w", err)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Pipeline:    pipe,
		Engine:      engine,
		Velocity:    velocity.NewService(repo),
		Detector:    detector,
		Sweeper:     sweeper,
		Cache:       cacheImpl,
		Idempotency: cache.NewIdempotency(cacheImpl, cfg.Cache.IdempotencyTTL),
		Bus:         busImpl,
		Worker:      asyncWorker,
		Version:     Version,
		Logger:      logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}

	if err := asyncWorker.Stop(); err != nil {
		logger.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("harrier shutdown complete")
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HARRIER - layering detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /api/v1/transfers              - Ingest a transfer (?async=true to queue)")
	fmt.Println("    GET    /api/v1/transfers/{id}         - Get transfer by ID")
	fmt.Println("    GET    /api/v1/transfers/{id}/features - Recompute features")
	fmt.Println("    GET    /api/v1/alerts                 - Alert feed")
	fmt.Println("    GET    /api/v1/aggregates             - Windowed party aggregates")
	fmt.Println("    GET    /api/v1/chains                 - Scan a window for chains")
	fmt.Println("    GET    /api/v1/rules                  - List rules")
	fmt.Println("    POST   /api/v1/rules                  - Create or replace a rule")
	fmt.Println("    DELETE /api/v1/rules/{id}             - Delete a rule")
	fmt.Println("    POST   /api/v1/rules/reload           - Hot-reload rules")
	fmt.Println("    POST   /api/v1/sweep                  - Run a catch-up sweep")
	fmt.Println("    GET    /health /ready /metrics")
	fmt.Println()
}
