package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/next-trace/scg-channel-binder/adapters/inmemory"
	"github.com/next-trace/scg-channel-binder/adapters/kafka"
	"github.com/next-trace/scg-channel-binder/adapters/nats"
	"github.com/next-trace/scg-channel-binder/adapters/rabbitmq"
	"github.com/next-trace/scg-channel-binder/config"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// connect dials the configured broker and returns the connection with its cleanup.
func connect(ctx context.Context, b config.Broker, logger *slog.Logger) (cbus.Connection, func(), error) {
	var (
		conn    cbus.Connection
		cleanup func()
		err     error
	)

	switch b.Kind {
	case config.KindMemory:
		br := inmemory.New(inmemory.WithLogger(logger))
		conn, cleanup = br, func() { _ = br.Close() }
	case config.KindNATS:
		var ad *nats.Adapter
		ad, cleanup, err = nats.Dial(nats.Config{
			URL:           b.NATS.URL,
			Name:          b.NATS.Name,
			ConnTimeout:   b.NATS.ConnTimeout,
			MaxReconnects: b.NATS.MaxReconnects,
		}, logger)
		conn = ad
	case config.KindRabbitMQ:
		var ad *rabbitmq.Adapter
		ad, cleanup, err = rabbitmq.Dial(rabbitmq.Config{
			URL:         b.RabbitMQ.URL,
			ConnTimeout: b.RabbitMQ.ConnTimeout,
			Exchange:    b.RabbitMQ.Exchange,
		}, logger)
		conn = ad
	case config.KindKafka:
		var ad *kafka.Adapter
		ad, cleanup, err = kafka.Dial(ctx, kafka.Config{
			Brokers:     b.Kafka.Brokers,
			ClientID:    b.Kafka.ClientID,
			DialTimeout: b.Kafka.DialTimeout,
		}, logger)
		conn = ad
	default:
		err = berr.BrokerUnavailable(fmt.Sprintf("unknown broker kind %q", b.Kind))
	}

	if err != nil {
		return nil, nil, err
	}

	logger.InfoContext(ctx, "broker connected", "kind", b.Kind)

	return conn, cleanup, nil
}
