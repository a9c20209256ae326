package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/internal/adapters/duckdb"
	"github.com/quarrylabs/quarry/internal/adapters/etcdstore"
	"github.com/quarrylabs/quarry/internal/adapters/memstore"
	"github.com/quarrylabs/quarry/internal/adapters/webhook"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
	"github.com/quarrylabs/quarry/internal/core/services"
	"github.com/quarrylabs/quarry/pkg/broker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting quarry broker")

	if err := run(logger); err != nil {
		logger.Error("broker startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfgPath := os.Getenv("QUARRY_CONFIG")
	if cfgPath == "" {
		cfgPath = "quarry.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Shared state store.
	var store ports.Store
	switch cfg.Store.Backend {
	case "etcd":
		etcdStore, err := etcdstore.New(logger, cfg.Store.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer etcdStore.Close()
		store = etcdStore
	default:
		store = memstore.New()
	}
	logger.Info("state store ready", "backend", cfg.Store.Backend)

	// Durable event log. Without a DB path the log lives in memory and
	// does not survive restarts.
	var repo ports.EventRepository
	if cfg.Events.DBPath != "" {
		dbRepo, err := duckdb.NewRepository(cfg.Events.DBPath)
		if err != nil {
			return fmt.Errorf("failed to init event repository: %w", err)
		}
		defer dbRepo.Close()
		repo = dbRepo
	} else {
		repo = memstore.NewEventRepository()
	}

	bus := services.NewEventBus(logger)
	events := services.NewEventLog(logger, repo, bus, services.EventLogConfig{
		Destination: cfg.Events.Destination,
		MaxRetries:  cfg.Events.MaxRetries,
	})

	saga := services.NewSagaCoordinator(logger, store, events)
	orch := services.NewWorkflowOrchestrator(logger, store, events, saga, services.OrchestratorConfig{
		DefaultPolicy: domain.FailurePolicy(cfg.Broker.FailurePolicy),
	})
	jobs := services.NewJobService(logger, store, events, orch.Signals(), services.LifecycleConfig{
		DefaultTimeoutSec: cfg.Broker.DefaultTimeoutSec,
		DefaultMaxRetries: cfg.Broker.DefaultMaxRetries,
	})
	orch.SetJobService(jobs)
	saga.SetJobService(jobs)

	engine := services.NewMatchingEngine(logger, store, events, services.EngineConfig{ScanLimit: cfg.Broker.ScanLimit})
	sweeper := services.NewUnworkableSweeper(logger, store, events, services.SweeperConfig{
		Interval:      cfg.Broker.SweepInterval,
		MinPendingAge: cfg.Broker.SweepMinAge,
	})
	registry := services.NewWorkerRegistry(logger, store, jobs, sweeper, services.RegistryConfig{TTL: cfg.Broker.WorkerTTL})
	watchdog := services.NewTimeoutWatchdog(logger, store, jobs, services.WatchdogConfig{Interval: cfg.Broker.WatchdogInterval})

	apiServer := broker.NewServer(logger, jobs, engine, orch, registry, bus, repo)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	httpServer := &http.Server{
		Addr:    cfg.Broker.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return orch.Run(gCtx) })
	g.Go(func() error { return registry.Run(gCtx) })
	g.Go(func() error { return watchdog.Run(gCtx) })
	g.Go(func() error { return sweeper.Run(gCtx) })

	// Outbox delivery only runs with a configured destination.
	if cfg.Events.Destination != "" {
		breakers := services.NewBreakerSet(logger, repo, services.BreakerConfig{
			FailureThreshold: cfg.Events.BreakerThreshold,
			OpenFor:          cfg.Events.BreakerOpenFor,
		})
		if err := breakers.Restore(ctx); err != nil {
			logger.Warn("failed to restore breaker states", "error", err)
		}
		deliverer := webhook.NewDeliverer(10*time.Second, cfg.Events.AuthToken)
		publisher := services.NewOutboxPublisher(logger, repo, deliverer, breakers, services.OutboxConfig{
			PollInterval: cfg.Events.PollInterval,
			BackoffBase:  cfg.Events.BackoffBase,
			BackoffCap:   cfg.Events.BackoffCap,
		})
		g.Go(func() error { return publisher.Run(gCtx) })
	}

	g.Go(func() error {
		logger.Info("starting broker api server", "addr", cfg.Broker.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
