package binder

import (
	"context"
	"log/slog"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
)

// Binder is the façade over the listener factory, the consumer binding builder
// and the producer builder. It keeps no record of the bindings it creates;
// callers own them and unbind them.
//
// Binder is concurrency-safe and contains no global state.
type Binder struct {
	listeners *ListenerFactory
	consumers *BindingBuilder
	producers *ProducerBuilder

	conn        cbus.Connection
	propagator  cbus.HeaderPropagator
	defaultMode cbus.Mode
	concurrency int
	logger      *slog.Logger
}

// Option configures a Binder instance.
type Option func(*Binder)

// WithHeaderPropagator injects tracing headers into every outbound message.
func WithHeaderPropagator(hp cbus.HeaderPropagator) Option {
	return func(b *Binder) { b.propagator = hp }
}

// WithDefaultMode sets the mode used when options leave Mode unset.
// Broadcast is the default; PointToPoint switches both directions to queue semantics.
// An explicit Mode in the options always wins.
func WithDefaultMode(m cbus.Mode) Option {
	return func(b *Binder) { b.defaultMode = m }
}

// WithConcurrency sets the default number of workers per consumer binding.
func WithConcurrency(n int) Option {
	return func(b *Binder) { b.concurrency = n }
}

// New constructs a Binder over conn. A nil logger discards output.
func New(conn cbus.Connection, logger *slog.Logger, opts ...Option) *Binder {
	b := &Binder{
		conn:        conn,
		defaultMode: cbus.Broadcast,
		concurrency: 1,
		logger:      orDiscard(logger),
	}
	for _, o := range opts {
		o(b)
	}

	b.listeners = NewListenerFactory(conn)
	b.consumers = NewBindingBuilder(b.logger)
	b.producers = NewProducerBuilder(conn, b.propagator, b.logger)

	return b
}

// BindConsumer attaches a new listener to the destination name and forwards its
// messages onto ch. An empty group means no group. Each call creates an
// independent binding, even for identical arguments.
func (b *Binder) BindConsumer(
	ctx context.Context,
	name, group string,
	ch cbus.Channel,
	opts cbus.ConsumerOptions,
) (*Binding, error) {
	lo := cbus.ListenerOptions{
		Mode:        b.mode(opts.Mode),
		Group:       group,
		Concurrency: opts.Concurrency,
	}
	if lo.Concurrency < 1 {
		lo.Concurrency = b.concurrency
	}

	l, err := b.listeners.Build(ctx, name, lo)
	if err != nil {
		b.logger.WarnContext(ctx, "bind consumer failed", "destination", name, "group", group, "err", err)
		return nil, err
	}

	binding, err := b.consumers.Build(ctx, name, group, ch, l)
	if err != nil {
		b.logger.WarnContext(ctx, "bind consumer failed", "destination", name, "group", group, "err", err)
		return nil, err
	}

	b.logger.InfoContext(ctx, "consumer binding running",
		"binding", binding.Name(), "group", group, "mode", lo.Mode, "concurrency", lo.Concurrency)

	return binding, nil
}

// BindProducer forwards every message published on ch to the destination name.
func (b *Binder) BindProducer(
	ctx context.Context,
	name string,
	ch cbus.SubscribableChannel,
	opts cbus.ProducerOptions,
) (*Binding, error) {
	opts.Mode = b.mode(opts.Mode)

	binding, err := b.producers.Build(ctx, name, ch, opts)
	if err != nil {
		b.logger.WarnContext(ctx, "bind producer failed", "destination", name, "err", err)
		return nil, err
	}

	b.logger.InfoContext(ctx, "producer binding running", "binding", binding.Name(), "mode", opts.Mode)

	return binding, nil
}

func (b *Binder) mode(m cbus.Mode) cbus.Mode { return m.Resolve(b.defaultMode) }

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}

	return l
}
