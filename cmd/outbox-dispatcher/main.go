package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/crewplan/outbox-dispatcher/pkg/broker"
	"github.com/crewplan/outbox-dispatcher/pkg/bus"
	"github.com/crewplan/outbox-dispatcher/pkg/config"
	"github.com/crewplan/outbox-dispatcher/pkg/dispatcher"
	"github.com/crewplan/outbox-dispatcher/pkg/flags"
	"github.com/crewplan/outbox-dispatcher/pkg/health"
	"github.com/crewplan/outbox-dispatcher/pkg/store"
	"github.com/crewplan/outbox-dispatcher/pkg/telemetry"
	"github.com/crewplan/outbox-dispatcher/pkg/topics"
)

func main() {
	configPath := flag.String("config", "./cmd/outbox-dispatcher", "directory containing dispatcher.yaml")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "outbox-dispatcher").Logger()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.Observability.LogLevel); err == nil && cfg.Observability.LogLevel != "" {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry()

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize repository")
	}

	publisher, err := broker.NewBroker(ctx, &cfg.Broker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize broker")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("broker close failed")
		}
	}()

	eventBus := bus.NewRedisBus(cfg.Bus)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Warn().Err(err).Msg("bus close failed")
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	d := dispatcher.NewDispatcher(
		repo,
		publisher,
		eventBus,
		topics.NewStaticTopicMapper(cfg.Topics),
		flags.NewStaticSource(cfg.Flags),
		metrics,
		logger,
		cfg,
	)

	admin := health.NewServer(cfg.Observability.AdminAddr, registry, logger)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return admin.Run(ctx)
	})
	group.Go(func() error {
		admin.SetReady(true)
		logger.Info().Dur("poll_interval", cfg.PollInterval).Int("batch_size", cfg.BatchSize).Msg("dispatcher started")
		return d.Run(ctx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("dispatcher stopped")
	}
	logger.Info().Msg("dispatcher shut down")
}
