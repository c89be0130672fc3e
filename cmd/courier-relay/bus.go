package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/kafka"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/LerianStudio/lib-courier/courier/rabbitmq"
)

// newBus opens the broker selected by COURIER_BUS. The returned func releases
// the broker connection.
func newBus(ctx context.Context, cfg config, logger libLog.Logger) (outbox.Bus, func() error, error) {
	switch cfg.Bus {
	case busKafka:
		client, err := kafka.NewClient(kafka.Config{
			Brokers:  cfg.KafkaBrokers,
			ClientID: cfg.ServiceName,
			Acks:     cfg.KafkaAcks,
		})
		if err != nil {
			return nil, nil, err
		}

		bus, err := kafka.NewBus(client, cfg.KafkaTopic, kafka.WithLogger(logger))
		if err != nil {
			client.Close()

			return nil, nil, err
		}

		return bus, func() error { client.Close(); return nil }, nil

	case busRabbitMQ:
		conn, err := rabbitmq.NewConnection(cfg.RabbitMQURL, rabbitmq.WithConnectionLogger(logger))
		if err != nil {
			return nil, nil, err
		}

		if err := conn.Connect(ctx); err != nil {
			return nil, nil, err
		}

		topologyCh, err := conn.Channel(ctx)
		if err != nil {
			_ = conn.Close()

			return nil, nil, err
		}

		err = rabbitmq.DeclareExchange(topologyCh, cfg.RabbitMQExchange)
		_ = topologyCh.Close()

		if err != nil {
			_ = conn.Close()

			return nil, nil, fmt.Errorf("declare exchange %s: %w", cfg.RabbitMQExchange, err)
		}

		bus, err := rabbitmq.NewBus(conn.ConfirmChannel, cfg.RabbitMQExchange, rabbitmq.WithBusLogger(logger))
		if err != nil {
			_ = conn.Close()

			return nil, nil, err
		}

		return bus, func() error { return errors.Join(bus.Close(), conn.Close()) }, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown bus %q", errInvalidConfig, cfg.Bus)
	}
}
