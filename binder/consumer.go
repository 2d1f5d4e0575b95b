package binder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// BindingBuilder wires a listener to a channel and starts it.
type BindingBuilder struct {
	logger *slog.Logger
}

// NewBindingBuilder returns a builder logging through logger.
func NewBindingBuilder(logger *slog.Logger) *BindingBuilder {
	return &BindingBuilder{logger: orDiscard(logger)}
}

// Build forwards every message the listener receives onto ch, then starts the
// listener. On failure the listener is released and no Binding is returned.
func (bb *BindingBuilder) Build(
	ctx context.Context,
	destination, group string,
	ch cbus.Channel,
	l cbus.Listener,
) (*Binding, error) {
	if l == nil {
		return nil, fmt.Errorf("bind consumer %q: %w", destination, berr.BindingFailed("listener is nil"))
	}

	if ch == nil {
		bb.release(ctx, l)
		return nil, fmt.Errorf("bind consumer %q: %w", destination, berr.BindingFailed("channel is nil"))
	}

	l.SetHandler(func(ctx context.Context, msg cbus.Message) error {
		if err := ch.Publish(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			return fmt.Errorf("deliver %s from %q: %w", msg.ID, destination, errors.Join(berr.ErrDeliveryFailed, err))
		}

		return nil
	})

	// start last so nothing arrives before the handler is in place
	if err := l.Start(ctx); err != nil {
		bb.release(ctx, l)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("bind consumer %q: %w", destination, joinBindingFailed(err))
	}

	b := newBinding(inboundPrefix+destination, destination, group, ch, l, bb.logger)
	bb.logger.DebugContext(ctx, "consumer bound", "binding", b.name, "destination", destination, "group", group)

	return b, nil
}

func (bb *BindingBuilder) release(ctx context.Context, l cbus.Listener) {
	if err := l.Stop(ctx); err != nil {
		bb.logger.WarnContext(ctx, "release listener", "destination", l.Destination(), "err", err)
	}
}

func joinBindingFailed(err error) error {
	if errors.Is(err, berr.ErrBindingFailed) {
		return err
	}

	return errors.Join(berr.ErrBindingFailed, err)
}
