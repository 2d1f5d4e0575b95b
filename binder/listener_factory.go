package binder

import (
	"context"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// ListenerFactory builds listener resources for destinations on a shared connection.
type ListenerFactory struct {
	conn cbus.Connection
}

// NewListenerFactory returns a factory bound to conn.
func NewListenerFactory(conn cbus.Connection) *ListenerFactory {
	return &ListenerFactory{conn: conn}
}

// Build opens a listener on destination. The listener is not started.
// Failures to reach the broker are reported as ErrBrokerUnavailable; the factory never retries.
func (f *ListenerFactory) Build(ctx context.Context, destination string, opts cbus.ListenerOptions) (cbus.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if destination == "" {
		return nil, fmt.Errorf("build listener: %w", berr.BindingFailed("destination name required"))
	}

	if f.conn == nil {
		return nil, fmt.Errorf("build listener %q: %w", destination, berr.BrokerUnavailable("no connection"))
	}

	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	opts.Mode = opts.Mode.Resolve(cbus.Broadcast)

	l, err := f.conn.OpenListener(ctx, destination, opts)
	if err != nil {
		return nil, classifyOpen("build listener", destination, err)
	}

	return l, nil
}

// classifyOpen keeps context and BindingFailed errors as they are and reports
// everything else as the broker being unavailable.
func classifyOpen(label, destination string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, berr.ErrBindingFailed), errors.Is(err, berr.ErrBrokerUnavailable):
		return fmt.Errorf("%s %q: %w", label, destination, err)
	default:
		return fmt.Errorf("%s %q: %w", label, destination, errors.Join(berr.ErrBrokerUnavailable, err))
	}
}
