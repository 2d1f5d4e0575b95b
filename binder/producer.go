package binder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// ProducerBuilder builds producer bindings: a send-adapter subscribed to a
// channel that forwards every message to a destination.
type ProducerBuilder struct {
	conn       cbus.Connection
	propagator cbus.HeaderPropagator
	logger     *slog.Logger
}

// NewProducerBuilder returns a builder over conn. A nil propagator disables header injection.
func NewProducerBuilder(conn cbus.Connection, hp cbus.HeaderPropagator, logger *slog.Logger) *ProducerBuilder {
	if hp == nil {
		hp = cbus.NopHeaderPropagator{}
	}

	return &ProducerBuilder{conn: conn, propagator: hp, logger: orDiscard(logger)}
}

// Build opens a sender for destination and subscribes it to ch before returning,
// so every message published after Build returns reaches the destination.
func (pb *ProducerBuilder) Build(
	ctx context.Context,
	destination string,
	ch cbus.SubscribableChannel,
	opts cbus.ProducerOptions,
) (*Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if destination == "" {
		return nil, fmt.Errorf("bind producer: %w", berr.BindingFailed("destination name required"))
	}

	if ch == nil {
		return nil, fmt.Errorf("bind producer %q: %w", destination, berr.BindingFailed("channel is not subscribable"))
	}

	if pb.conn == nil {
		return nil, fmt.Errorf("bind producer %q: %w", destination, berr.BrokerUnavailable("no connection"))
	}

	s, err := pb.conn.OpenSender(ctx, destination, opts.Mode.Resolve(cbus.Broadcast))
	if err != nil {
		return nil, classifyOpen("bind producer", destination, err)
	}

	sa := &sendAdapter{
		destination: destination,
		sender:      s,
		channel:     ch,
		headers:     opts.Headers,
		propagator:  pb.propagator,
	}

	sub, err := ch.Subscribe(sa.handle)
	if err != nil {
		if cerr := s.Close(); cerr != nil {
			pb.logger.WarnContext(ctx, "release sender", "destination", destination, "err", cerr)
		}

		return nil, fmt.Errorf("bind producer %q: %w", destination, joinBindingFailed(err))
	}

	sa.sub = sub

	b := newBinding(outboundPrefix+destination, destination, "", ch, sa, pb.logger)
	pb.logger.DebugContext(ctx, "producer bound", "binding", b.name, "destination", destination, "mode", opts.Mode)

	return b, nil
}

// sendAdapter runs on the publisher's goroutine; it is never scheduled on its own.
type sendAdapter struct {
	destination string
	sender      cbus.Sender
	channel     cbus.SubscribableChannel
	sub         cbus.Subscription
	headers     map[string]string
	propagator  cbus.HeaderPropagator

	// held for reading by every send so Stop can wait for in-flight sends
	mu      sync.RWMutex
	stopped bool
}

func (sa *sendAdapter) handle(ctx context.Context, msg cbus.Message) error {
	sa.mu.RLock()
	defer sa.mu.RUnlock()

	if sa.stopped {
		return nil
	}

	hdrs := msg.CloneHeaders(len(sa.headers) + 1)
	for k, v := range sa.headers {
		if _, ok := hdrs[k]; !ok {
			hdrs[k] = v
		}
	}

	sa.propagator.Inject(ctx, hdrs)

	out := cbus.Message{ID: msg.ID, Payload: msg.Payload, Headers: hdrs}
	if err := sa.sender.Send(ctx, out); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if errors.Is(err, berr.ErrSendFailed) {
			return fmt.Errorf("send %s to %q: %w", msg.ID, sa.destination, err)
		}

		return fmt.Errorf("send %s to %q: %w", msg.ID, sa.destination, errors.Join(berr.ErrSendFailed, err))
	}

	return nil
}

// Stop unsubscribes from the channel, waits for in-flight sends and closes the sender.
func (sa *sendAdapter) Stop(_ context.Context) error {
	var errs []error

	if err := sa.channel.Unsubscribe(sa.sub); err != nil {
		errs = append(errs, err)
	}

	sa.mu.Lock()
	sa.stopped = true
	sa.mu.Unlock()

	if err := sa.sender.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{berr.ErrUnbindFailed}, errs...)...)
	}

	return nil
}
