package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quarrylabs/quarry/internal/adapters/docker"
	"github.com/quarrylabs/quarry/internal/adapters/simulation"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/core/domain"
	"github.com/quarrylabs/quarry/internal/core/ports"
	"github.com/quarrylabs/quarry/internal/worker"
	"github.com/quarrylabs/quarry/pkg/broker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting quarry worker")

	if err := run(logger); err != nil {
		logger.Error("worker startup failed", "error", err)
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

	caps, err := loadCapabilities(cfg.Worker.CapabilitiesFile)
	if err != nil {
		return err
	}

	var connector ports.Connector
	switch cfg.Worker.Connector {
	case "docker":
		dockerConn, err := docker.NewConnector(logger)
		if err != nil {
			return fmt.Errorf("failed to init docker connector: %w", err)
		}
		connector = dockerConn
	default:
		connector = simulation.New()
	}
	logger.Info("connector ready", "kind", cfg.Worker.Connector)

	client := broker.NewClient(cfg.Worker.BrokerURL, 30*time.Second)
	agent := worker.NewAgent(logger, client, connector, worker.Config{
		WorkerID:          cfg.Worker.WorkerID,
		MachineID:         machineID(cfg.Worker.MachineID),
		Capabilities:      caps,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	})

	return agent.Run(ctx)
}

func loadCapabilities(path string) (domain.Capabilities, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capabilities file %s: %w", path, err)
	}
	caps, err := domain.ParseCapabilities(data)
	if err != nil {
		return nil, fmt.Errorf("invalid capabilities file %s: %w", path, err)
	}
	return caps, nil
}

func machineID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
