package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/cron"
	"github.com/LerianStudio/lib-courier/courier/rabbitmq"
	libRedis "github.com/LerianStudio/lib-courier/courier/redis"
)

const (
	busRabbitMQ = "rabbitmq"
	busKafka    = "kafka"
)

var errInvalidConfig = errors.New("invalid relay configuration")

type config struct {
	EnvName         string
	LogLevel        string
	ServiceName     string
	ServiceVersion  string
	EnableTelemetry bool
	OTelEndpoint    string

	PostgresPrimaryDSN string
	PostgresReplicaDSN string
	PostgresDBName     string
	PostgresMaxOpen    int

	RedisAddresses  []string
	RedisMasterName string
	RedisCluster    bool
	RedisUser       string
	RedisPassword   string
	RedisCACert     string
	RedisLockPrefix string

	Bus              string
	RabbitMQURL      string
	RabbitMQExchange string
	KafkaBrokers     string
	KafkaTopic       string
	KafkaAcks        string

	MessageTypes   []string
	BatchSize      int
	MaxAttempts    int
	PublishRetries int
	PublishTimeout time.Duration
	// DeadLetterBusErrors dead-letters records the bus rejects as permanent.
	DeadLetterBusErrors bool

	PublishSchedule       string
	OutboxCleanupSchedule string
	InboxCleanupSchedule  string
	OutboxRetentionDays   int
	InboxRetentionDays    int

	InspectAddress string
}

func loadConfig() config {
	return config{
		EnvName:         courier.GetenvOrDefault("ENV_NAME", "development"),
		LogLevel:        courier.GetenvOrDefault("LOG_LEVEL", "info"),
		ServiceName:     courier.GetenvOrDefault("OTEL_SERVICE_NAME", "courier-relay"),
		ServiceVersion:  courier.GetenvOrDefault("VERSION", "0.0.0"),
		EnableTelemetry: courier.GetenvBoolOrDefault("ENABLE_TELEMETRY", false),
		OTelEndpoint:    courier.GetenvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		PostgresPrimaryDSN: courier.GetenvOrDefault("POSTGRES_PRIMARY_DSN", ""),
		PostgresReplicaDSN: courier.GetenvOrDefault("POSTGRES_REPLICA_DSN", ""),
		PostgresDBName:     courier.GetenvOrDefault("POSTGRES_DB_NAME", "courier"),
		PostgresMaxOpen:    courier.GetenvIntOrDefault("POSTGRES_MAX_OPEN_CONNS", 0),

		RedisAddresses:  splitList(courier.GetenvOrDefault("REDIS_ADDRESSES", "")),
		RedisMasterName: courier.GetenvOrDefault("REDIS_SENTINEL_MASTER", ""),
		RedisCluster:    courier.GetenvBoolOrDefault("REDIS_CLUSTER", false),
		RedisUser:       courier.GetenvOrDefault("REDIS_USER", ""),
		RedisPassword:   courier.GetenvOrDefault("REDIS_PASSWORD", ""),
		RedisCACert:     courier.GetenvOrDefault("REDIS_TLS_CA_CERT_BASE64", ""),
		RedisLockPrefix: courier.GetenvOrDefault("REDIS_LOCK_PREFIX", libRedis.DefaultKeyPrefix),

		Bus:              strings.ToLower(courier.GetenvOrDefault("COURIER_BUS", busRabbitMQ)),
		RabbitMQURL:      courier.GetenvOrDefault("RABBITMQ_URL", ""),
		RabbitMQExchange: courier.GetenvOrDefault("RABBITMQ_EXCHANGE", rabbitmq.DefaultExchange),
		KafkaBrokers:     courier.GetenvOrDefault("KAFKA_BROKERS", ""),
		KafkaTopic:       courier.GetenvOrDefault("KAFKA_TOPIC", "courier.events"),
		KafkaAcks:        courier.GetenvOrDefault("KAFKA_ACKS", "all"),

		MessageTypes:   splitList(courier.GetenvOrDefault("COURIER_MESSAGE_TYPES", "")),
		BatchSize:      courier.GetenvIntOrDefault("COURIER_BATCH_SIZE", 100),
		MaxAttempts:    courier.GetenvIntOrDefault("COURIER_MAX_ATTEMPTS", 0),
		PublishRetries: courier.GetenvIntOrDefault("COURIER_PUBLISH_RETRIES", 0),
		PublishTimeout: courier.GetenvDurationOrDefault("COURIER_PUBLISH_TIMEOUT", 10*time.Second),

		DeadLetterBusErrors: courier.GetenvBoolOrDefault("COURIER_DEAD_LETTER_BUS_ERRORS", false),

		PublishSchedule:       courier.GetenvOrDefault("COURIER_PUBLISH_SCHEDULE", "@every 5s"),
		OutboxCleanupSchedule: courier.GetenvOrDefault("COURIER_OUTBOX_CLEANUP_SCHEDULE", "@daily"),
		InboxCleanupSchedule:  courier.GetenvOrDefault("COURIER_INBOX_CLEANUP_SCHEDULE", "30 0 * * *"),
		OutboxRetentionDays:   courier.GetenvIntOrDefault("COURIER_OUTBOX_RETENTION_DAYS", 7),
		InboxRetentionDays:    courier.GetenvIntOrDefault("COURIER_INBOX_RETENTION_DAYS", 30),

		InspectAddress: courier.GetenvOrDefault("COURIER_INSPECT_ADDRESS", ":8080"),
	}
}

func (cfg config) validate() error {
	var errs []error

	if cfg.PostgresPrimaryDSN == "" {
		errs = append(errs, errors.New("POSTGRES_PRIMARY_DSN is required"))
	}

	switch cfg.Bus {
	case busRabbitMQ:
		if cfg.RabbitMQURL == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required for the rabbitmq bus"))
		}
	case busKafka:
		if cfg.KafkaBrokers == "" {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("COURIER_BUS must be %q or %q, got %q", busRabbitMQ, busKafka, cfg.Bus))
	}

	if len(cfg.RedisAddresses) > 1 && cfg.RedisMasterName == "" && !cfg.RedisCluster {
		errs = append(errs, errors.New("several REDIS_ADDRESSES need REDIS_SENTINEL_MASTER or REDIS_CLUSTER=true"))
	}

	if len(cfg.MessageTypes) == 0 {
		errs = append(errs, errors.New("COURIER_MESSAGE_TYPES must list at least one message type"))
	}

	for name, expr := range map[string]string{
		"COURIER_PUBLISH_SCHEDULE":        cfg.PublishSchedule,
		"COURIER_OUTBOX_CLEANUP_SCHEDULE": cfg.OutboxCleanupSchedule,
		"COURIER_INBOX_CLEANUP_SCHEDULE":  cfg.InboxCleanupSchedule,
	} {
		if _, err := cron.Parse(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{errInvalidConfig}, errs...)...)
	}

	return nil
}

func splitList(raw string) []string {
	var items []string

	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}
