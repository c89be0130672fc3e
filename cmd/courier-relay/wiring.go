package main

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/cron"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libRedis "github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/LerianStudio/lib-courier/courier/scheduler"
	"go.opentelemetry.io/otel/trace"
)

// newLocker connects the Redis lock manager. Without REDIS_ADDRESSES jobs are
// single-flight within this process only, which is safe for one replica.
func newLocker(ctx context.Context, cfg config, logger libLog.Logger) (scheduler.Locker, func() error, error) {
	if len(cfg.RedisAddresses) == 0 {
		logger.Log(ctx, libLog.LevelWarn, "REDIS_ADDRESSES not set; scheduled jobs are not coordinated across replicas")

		return nil, func() error { return nil }, nil
	}

	client, err := libRedis.New(ctx, redisConfig(cfg, logger))
	if err != nil {
		return nil, nil, err
	}

	locks, err := libRedis.NewRedisLockManager(client, libRedis.WithKeyPrefix(cfg.RedisLockPrefix))
	if err != nil {
		_ = client.Close()

		return nil, nil, err
	}

	return locks, client.Close, nil
}

func newScheduler(
	cfg config,
	locker scheduler.Locker,
	logger libLog.Logger,
	tracer trace.Tracer,
	publisher scheduler.Publisher,
	sweeper scheduler.Sweeper,
) (*scheduler.Scheduler, error) {
	publishEvery, err := cron.Parse(cfg.PublishSchedule)
	if err != nil {
		return nil, fmt.Errorf("publish schedule: %w", err)
	}

	outboxCleanup, err := cron.Parse(cfg.OutboxCleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("outbox cleanup schedule: %w", err)
	}

	inboxCleanup, err := cron.Parse(cfg.InboxCleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("inbox cleanup schedule: %w", err)
	}

	sched := scheduler.New(locker, logger, scheduler.WithTracer(tracer))

	for _, job := range []scheduler.Job{
		scheduler.OutboxPublishJob(publishEvery, publisher, cfg.BatchSize),
		scheduler.OutboxCleanupJob(outboxCleanup, sweeper, cfg.OutboxRetentionDays),
		scheduler.InboxCleanupJob(inboxCleanup, sweeper, cfg.InboxRetentionDays),
	} {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}

	return sched, nil
}

// redisConfig picks the topology: a sentinel master name wins, then cluster
// mode, then the first address as a standalone server.
func redisConfig(cfg config, logger libLog.Logger) libRedis.Config {
	redisCfg := libRedis.Config{
		Auth:   libRedis.Auth{Username: cfg.RedisUser, Password: cfg.RedisPassword},
		Logger: logger,
	}

	switch {
	case cfg.RedisMasterName != "":
		redisCfg.Topology.Sentinel = &libRedis.SentinelTopology{Addresses: cfg.RedisAddresses, MasterName: cfg.RedisMasterName}
	case cfg.RedisCluster:
		redisCfg.Topology.Cluster = &libRedis.ClusterTopology{Addresses: cfg.RedisAddresses}
	case len(cfg.RedisAddresses) > 0:
		redisCfg.Topology.Standalone = &libRedis.StandaloneTopology{Address: cfg.RedisAddresses[0]}
	}

	if cfg.RedisCACert != "" {
		redisCfg.TLS = &libRedis.TLSConfig{CACertBase64: cfg.RedisCACert}
	}

	return redisCfg
}
