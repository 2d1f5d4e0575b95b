package binder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
)

const (
	inboundPrefix  = "inbound."
	outboundPrefix = "outbound."
)

// lifecycle is the stoppable resource behind a Binding: a listener for
// consumer bindings, a send-adapter for producer bindings.
type lifecycle interface {
	Stop(ctx context.Context) error
}

// Binding is the live association between a channel and a destination.
// It is returned running and stays running until Unbind.
type Binding struct {
	name        string
	destination string
	group       string
	channel     cbus.Channel
	lc          lifecycle
	logger      *slog.Logger

	state  atomic.Int32
	unbind sync.Once
}

func newBinding(name, destination, group string, ch cbus.Channel, lc lifecycle, logger *slog.Logger) *Binding {
	b := &Binding{
		name:        name,
		destination: destination,
		group:       group,
		channel:     ch,
		lc:          lc,
		logger:      logger,
	}
	b.state.Store(int32(cbus.Running))

	return b
}

// Name is "inbound.<destination>" or "outbound.<destination>".
func (b *Binding) Name() string { return b.name }

// Destination is the broker-side name the binding is attached to.
func (b *Binding) Destination() string { return b.destination }

// Group is the consumer group, empty for producers and ungrouped consumers.
func (b *Binding) Group() string { return b.group }

// Channel is the in-process channel on the local side of the binding.
func (b *Binding) Channel() cbus.Channel { return b.channel }

// State reports whether the binding is running or stopped.
func (b *Binding) State() cbus.State { return cbus.State(b.state.Load()) }

// Unbind stops the binding and releases its resources. It is idempotent:
// later calls return immediately, concurrent calls wait for the first.
// Release failures are logged, not returned.
func (b *Binding) Unbind(ctx context.Context) {
	b.unbind.Do(func() {
		if err := b.lc.Stop(ctx); err != nil {
			b.logger.WarnContext(ctx, "unbind failed",
				"binding", b.name, "destination", b.destination, "group", b.group, "err", err)
		}

		b.state.Store(int32(cbus.Stopped))
		b.logger.DebugContext(ctx, "unbound", "binding", b.name, "destination", b.destination)
	})
}
