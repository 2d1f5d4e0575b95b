package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/next-trace/scg-channel-binder/adapters/pool"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// Listener is the in-memory listener resource. Messages are queued per listener
// and handled by a pool of Concurrency workers.
type Listener struct {
	broker *Broker
	dest   string
	opts   cbus.ListenerOptions

	mu       sync.Mutex
	handler  cbus.Handler
	pool     *pool.Pool[cbus.Message]
	cancel   context.CancelFunc
	started  bool
	released bool
}

var _ cbus.Listener = (*Listener)(nil)

func newListener(b *Broker, dest string, opts cbus.ListenerOptions) *Listener {
	return &Listener{broker: b, dest: dest, opts: opts}
}

func (l *Listener) Destination() string { return l.dest }

func (l *Listener) SetHandler(h cbus.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.released:
		return fmt.Errorf("inmemory start %q: %w", l.dest, berr.BindingFailed("listener released"))
	case l.started:
		return fmt.Errorf("inmemory start %q: %w", l.dest, berr.BindingFailed("listener already started"))
	case l.handler == nil:
		return fmt.Errorf("inmemory start %q: %w", l.dest, berr.BindingFailed("no handler set"))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := l.handler

	l.cancel = cancel
	l.pool = pool.New(l.opts.Concurrency, l.broker.buffer, func(m cbus.Message) {
		if err := h(runCtx, m); err != nil {
			// no redelivery in memory; the message is dropped
			l.broker.logger.WarnContext(runCtx, "inmemory delivery failed",
				"destination", l.dest, "group", l.opts.Group, "id", m.ID, "err", err)
		}
	})
	l.pool.Start()
	l.started = true
	l.broker.attach(l)

	return nil
}

func (l *Listener) Stop(_ context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}

	l.released = true
	p, cancel := l.pool, l.cancel
	l.mu.Unlock()

	l.broker.release(l)

	if p != nil {
		if left := p.Stop(); len(left) > 0 {
			l.broker.logger.Debug("inmemory listener abandoned queued messages",
				"destination", l.dest, "count", len(left))
		}
	}

	if cancel != nil {
		cancel()
	}

	return nil
}

func (l *Listener) deliver(ctx context.Context, m cbus.Message) {
	l.mu.Lock()
	p := l.pool
	l.mu.Unlock()

	if p != nil {
		p.Submit(ctx, m)
	}
}

func (l *Listener) shareKey() string {
	if l.opts.Mode == cbus.PointToPoint {
		return "queue"
	}

	if l.opts.Group != "" {
		return "group:" + l.opts.Group
	}

	return fmt.Sprintf("listener:%p", l)
}
