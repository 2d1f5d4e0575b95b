package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// Concrete franz-go based constructor.

const defaultDialTimeout = 10 * time.Second

type Config struct {
	Brokers                []string
	ClientID               string
	TLS                    *tls.Config
	DialTimeout            time.Duration
	AllowAutoTopicCreation bool
}

func (cfg Config) baseOpts() []kgo.Opt {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...), kgo.DialTimeout(timeout)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	if cfg.AllowAutoTopicCreation {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	return opts
}

func (cfg Config) consumerFactory() ConsumerFactory {
	return func(topic, group string, fromStart bool) (Consumer, error) {
		reset := kgo.NewOffset().AtEnd()
		if fromStart {
			reset = kgo.NewOffset().AtStart()
		}

		opts := append(cfg.baseOpts(),
			kgo.ConsumerGroup(group),
			kgo.ConsumeTopics(topic),
			kgo.ConsumeResetOffset(reset),
			kgo.DisableAutoCommit(),
		)

		cl, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, err
		}

		return cl, nil
	}
}

// Dial builds a franz-go producer, checks that a seed broker answers, and returns the Adapter
// with its cleanup. Listener consumers are created per binding from the same Config.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Adapter, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, berr.BrokerUnavailable("kafka brokers required")
	}

	cl, err := kgo.NewClient(cfg.baseOpts()...)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client init: %w", errors.Join(berr.ErrBrokerUnavailable, err))
	}

	if err := cl.Ping(ctx); err != nil {
		cl.Close()

		return nil, nil, fmt.Errorf("kafka ping: %w", errors.Join(berr.ErrBrokerUnavailable, err))
	}

	ad := New(cl, cfg.consumerFactory())
	if logger != nil {
		ad.Logger = logger
	}

	return ad, cl.Close, nil
}
