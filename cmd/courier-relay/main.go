// Command courier-relay publishes pending outbox records to RabbitMQ or Kafka
// on a schedule, sweeps expired outbox and inbox rows, and serves the
// inspection API. Configuration comes from the environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/circuitbreaker"
	inboxpg "github.com/LerianStudio/lib-courier/courier/inbox/postgres"
	"github.com/LerianStudio/lib-courier/courier/inspect"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	outboxpg "github.com/LerianStudio/lib-courier/courier/outbox/postgres"
	libPostgres "github.com/LerianStudio/lib-courier/courier/postgres"
	"github.com/LerianStudio/lib-courier/courier/retention"
	libZap "github.com/LerianStudio/lib-courier/courier/zap"
	"github.com/LerianStudio/lib-courier/migrations"
)

const libraryName = "github.com/LerianStudio/lib-courier"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx)

	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "courier-relay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := loadConfig()
	if err := cfg.validate(); err != nil {
		return err
	}

	logger, err := libZap.New(libZap.Config{
		Environment:     libZap.Environment(cfg.EnvName),
		Level:           cfg.LogLevel,
		OTelLibraryName: libraryName,
	})
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync(context.Background()) }()

	telemetry, err := libOpentelemetry.InitializeTelemetry(ctx, &libOpentelemetry.TelemetryConfig{
		LibraryName:               libraryName,
		ServiceName:               cfg.ServiceName,
		ServiceVersion:            cfg.ServiceVersion,
		DeploymentEnv:             cfg.EnvName,
		CollectorExporterEndpoint: cfg.OTelEndpoint,
		EnableTelemetry:           cfg.EnableTelemetry,
		Logger:                    logger,
	})
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Log(shutdownCtx, libLog.LevelWarn, "telemetry shutdown", libLog.Err(err))
		}
	}()

	tracer := telemetry.Tracer()
	ctx = courier.ContextWithTracer(courier.ContextWithLogger(ctx, logger), tracer)

	pg, err := libPostgres.New(libPostgres.Config{
		PrimaryDSN:         cfg.PostgresPrimaryDSN,
		ReplicaDSN:         cfg.PostgresReplicaDSN,
		DatabaseName:       cfg.PostgresDBName,
		Migrations:         migrations.FS,
		MaxOpenConnections: cfg.PostgresMaxOpen,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	if err := pg.Connect(ctx); err != nil {
		return err
	}

	defer func() { _ = pg.Close() }()

	outboxStore, err := outboxpg.NewStore(pg, outboxpg.WithLogger(logger))
	if err != nil {
		return err
	}

	inboxStore, err := inboxpg.NewStore(pg, inboxpg.WithLogger(logger))
	if err != nil {
		return err
	}

	registry := outbox.NewTypeRegistry()
	for _, messageType := range cfg.MessageTypes {
		if err := registry.RegisterRaw(messageType); err != nil {
			return err
		}
	}

	bus, closeBus, err := newBus(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer func() { _ = closeBus() }()

	guarded, err := circuitbreaker.NewBus(bus, cfg.Bus, circuitbreaker.DefaultConfig(), circuitbreaker.WithLogger(logger))
	if err != nil {
		return err
	}

	engineOpts := []outbox.EngineOption{
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithMaxAttempts(cfg.MaxAttempts),
		outbox.WithPublishRetries(cfg.PublishRetries, backoff.Policy{Base: 200 * time.Millisecond, Max: 5 * time.Second}),
		outbox.WithPublishTimeout(cfg.PublishTimeout),
		outbox.WithMeterProvider(telemetry.MeterProvider),
	}

	if cfg.DeadLetterBusErrors {
		engineOpts = append(engineOpts, outbox.WithPermanentBusErrors())
	}

	engine, err := outbox.NewEngine(outboxStore, registry, guarded, logger, tracer, engineOpts...)
	if err != nil {
		return err
	}

	sweeper, err := retention.NewSweeper(outboxStore, inboxStore, logger,
		retention.WithOutboxRetention(time.Duration(cfg.OutboxRetentionDays)*24*time.Hour),
		retention.WithInboxRetention(time.Duration(cfg.InboxRetentionDays)*24*time.Hour),
		retention.WithMeterProvider(telemetry.MeterProvider),
		retention.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}

	defer func() { _ = closeLocker() }()

	sched, err := newScheduler(cfg, locker, logger, tracer, engine, sweeper)
	if err != nil {
		return err
	}

	handler, err := inspect.NewHandler(outboxStore, inboxStore)
	if err != nil {
		return err
	}

	server, err := inspect.NewServer(handler, cfg.InspectAddress, inspect.WithLogger(logger), inspect.WithTracer(tracer))
	if err != nil {
		return err
	}

	launcher := courier.NewLauncher(
		courier.WithLogger(logger),
		courier.WithContext(ctx),
		courier.RunApp("scheduler", sched),
		courier.RunApp("inspect", server),
	)

	return launcher.RunWithError()
}
