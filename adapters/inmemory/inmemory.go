// Package inmemory provides an in-process broker that implements bus.Connection.
// Destinations behave like topics for broadcast senders and like queues for
// point-to-point senders; listeners sharing a group split broadcast traffic.
// Every send is recorded so tests and examples can inspect what left the binder.
package inmemory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

const defaultBuffer = 256

// Sent records one message handed to the broker by a sender.
type Sent struct {
	Destination string
	Mode        cbus.Mode
	Message     cbus.Message
}

// Broker is a thread-safe in-memory implementation of cbus.Connection.
type Broker struct {
	mu     sync.Mutex
	dests  map[string]*destination
	sent   []Sent
	open   int
	down   bool
	buffer int
	logger *slog.Logger
}

type destination struct {
	listeners []*Listener
	cursor    map[string]int
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger used for delivery failures. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBuffer sets the per-listener queue depth.
func WithBuffer(n int) Option { return func(b *Broker) { b.buffer = n } }

// Ensure Broker implements the connection contract.
var _ cbus.Connection = (*Broker)(nil)

// New creates a new in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		dests:  make(map[string]*destination),
		buffer: defaultBuffer,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(b)
	}

	return b
}

// SetAvailable simulates the broker going away or coming back. While unavailable,
// opening listeners or senders fails with ErrBrokerUnavailable; running resources keep working.
func (b *Broker) SetAvailable(ok bool) {
	b.mu.Lock()
	b.down = !ok
	b.mu.Unlock()
}

// OpenResources reports listeners and senders opened and not yet released.
func (b *Broker) OpenResources() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.open
}

// Sent returns a copy of everything sent to destination, in send order.
func (b *Broker) Sent(destination string) []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Sent

	for _, s := range b.sent {
		if s.Destination == destination {
			out = append(out, s)
		}
	}

	return out
}

func (b *Broker) OpenListener(ctx context.Context, dest string, opts cbus.ListenerOptions) (cbus.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, fmt.Errorf("inmemory open listener %q: %w", dest, berr.ErrBrokerUnavailable)
	}

	b.open++

	return newListener(b, dest, opts), nil
}

func (b *Broker) OpenSender(ctx context.Context, dest string, mode cbus.Mode) (cbus.Sender, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, fmt.Errorf("inmemory open sender %q: %w", dest, berr.ErrBrokerUnavailable)
	}

	b.open++

	return &Sender{broker: b, dest: dest, mode: mode}, nil
}

// Publish routes msg to the listeners of dest and records it. Tests use it to
// inject inbound traffic without a producer binding.
func (b *Broker) Publish(ctx context.Context, dest string, mode cbus.Mode, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.sent = append(b.sent, Sent{Destination: dest, Mode: mode, Message: msg})
	targets := b.route(dest, mode)
	b.mu.Unlock()

	for _, l := range targets {
		l.deliver(ctx, msg)
	}

	return nil
}

// Close stops every attached listener and refuses new resources.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.down = true

	var all []*Listener
	for _, d := range b.dests {
		all = append(all, d.listeners...)
	}
	b.mu.Unlock()

	for _, l := range all {
		_ = l.Stop(context.Background())
	}

	return nil
}

// route picks receivers under b.mu. Point-to-point picks one listener overall;
// broadcast picks one listener per share key, so ungrouped listeners each get a copy.
func (b *Broker) route(dest string, mode cbus.Mode) []*Listener {
	d, ok := b.dests[dest]
	if !ok || len(d.listeners) == 0 {
		return nil
	}

	if mode == cbus.PointToPoint {
		return []*Listener{d.pick("", d.listeners)}
	}

	shares := make(map[string][]*Listener)
	order := make([]string, 0, len(d.listeners))

	for _, l := range d.listeners {
		k := l.shareKey()
		if _, seen := shares[k]; !seen {
			order = append(order, k)
		}

		shares[k] = append(shares[k], l)
	}

	out := make([]*Listener, 0, len(order))
	for _, k := range order {
		out = append(out, d.pick(k, shares[k]))
	}

	return out
}

func (d *destination) pick(key string, ls []*Listener) *Listener {
	i := d.cursor[key] % len(ls)
	d.cursor[key] = i + 1

	return ls[i]
}

func (b *Broker) attach(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.dests[l.dest]
	if !ok {
		d = &destination{cursor: make(map[string]int)}
		b.dests[l.dest] = d
	}

	d.listeners = append(d.listeners, l)
}

func (b *Broker) release(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.open--

	d, ok := b.dests[l.dest]
	if !ok {
		return
	}

	for i, x := range d.listeners {
		if x == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			break
		}
	}
}

func (b *Broker) releaseSender() {
	b.mu.Lock()
	b.open--
	b.mu.Unlock()
}
