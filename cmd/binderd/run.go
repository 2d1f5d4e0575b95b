package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-channel-binder/binder"
	"github.com/next-trace/scg-channel-binder/channel"
	"github.com/next-trace/scg-channel-binder/config"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
)

const shutdownTimeout = 10 * time.Second

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Bind every configured consumer and producer until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, cleanup, err := connect(ctx, a.cfg.Broker, a.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			rt, err := bindAll(ctx, binder.New(conn, a.logger), a.cfg, a.logger)
			if err != nil {
				return err
			}

			a.logger.InfoContext(ctx, "binder running", "bindings", len(rt.bindings))
			<-ctx.Done()
			a.logger.Info("shutting down")

			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			rt.close(sctx)

			return nil
		},
	}
}

// runtime holds the named channels and the bindings created from the config.
type runtime struct {
	channels map[string]*channel.PublishSubscribe
	bindings []*binder.Binding
	logger   *slog.Logger
}

func (rt *runtime) channel(name string) *channel.PublishSubscribe {
	ch, ok := rt.channels[name]
	if !ok {
		ch = channel.New(name, rt.logger)
		rt.channels[name] = ch
	}

	return ch
}

// close unbinds in reverse creation order, then closes the channels.
func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.bindings) - 1; i >= 0; i-- {
		rt.bindings[i].Unbind(ctx)
	}

	for _, ch := range rt.channels {
		_ = ch.Close()
	}
}

// bindAll creates every binding in the config. On the first failure the bindings
// made so far are unbound and the error is returned.
func bindAll(ctx context.Context, b *binder.Binder, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{channels: map[string]*channel.PublishSubscribe{}, logger: logger}

	for _, c := range cfg.Consumers {
		ch := rt.channel(c.ChannelName())
		if _, err := ch.Subscribe(logInbound(logger, c.Destination)); err != nil {
			rt.close(ctx)
			return nil, err
		}

		bd, err := b.BindConsumer(ctx, c.Destination, c.Group, ch, cbus.ConsumerOptions{
			Mode:        c.Mode,
			Concurrency: c.Concurrency,
		})
		if err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("bind consumer %s: %w", c.Destination, err)
		}

		rt.bindings = append(rt.bindings, bd)
	}

	for _, p := range cfg.Producers {
		bd, err := b.BindProducer(ctx, p.Destination, rt.channel(p.ChannelName()), cbus.ProducerOptions{
			Mode:    p.Mode,
			Headers: p.Headers,
		})
		if err != nil {
			rt.close(ctx)
			return nil, fmt.Errorf("bind producer %s: %w", p.Destination, err)
		}

		rt.bindings = append(rt.bindings, bd)
	}

	return rt, nil
}

func logInbound(logger *slog.Logger, dest string) cbus.Handler {
	return func(ctx context.Context, m cbus.Message) error {
		logger.InfoContext(ctx, "inbound message", "destination", dest, "id", m.ID, "bytes", len(m.Payload))
		return nil
	}
}
