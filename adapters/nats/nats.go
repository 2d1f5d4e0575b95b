package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/next-trace/scg-channel-binder/adapters/pool"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

const defaultBuffer = 256

// Inbound is a message as received from a subject.
type Inbound struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Subscription is the handle returned by Client.Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Subscribe delivers messages on subject to cb. A non-empty queue joins a queue group,
	// so each message goes to one member of the group.
	Subscribe(subject, queue string, cb func(Inbound)) (Subscription, error)
}

// Adapter implements cbus.Connection using an injected NATS-like Client.
//
// Subjects are broadcast by nature. Load sharing and point-to-point delivery are
// obtained with queue groups: the consumer group when one is given, otherwise the
// destination itself for point-to-point listeners.
type Adapter struct {
	Client Client
	Buffer int
	Logger *slog.Logger
}

// Ensure Adapter implements the connection contract.
var _ cbus.Connection = (*Adapter)(nil)

// New creates a new NATS adapter instance with the provided client.
func New(c Client) *Adapter {
	return &Adapter{Client: c, Buffer: defaultBuffer, Logger: slog.New(slog.DiscardHandler)}
}

func (a *Adapter) OpenListener(ctx context.Context, dest string, opts cbus.ListenerOptions) (cbus.Listener, error) {
	if err := a.ready(ctx, "open listener"); err != nil {
		return nil, err
	}

	if err := validSubject(dest, true); err != nil {
		return nil, fmt.Errorf("nats open listener: %w", err)
	}

	return &listener{adapter: a, dest: dest, queue: queueGroup(dest, opts), opts: opts}, nil
}

func (a *Adapter) OpenSender(ctx context.Context, dest string, _ cbus.Mode) (cbus.Sender, error) {
	if err := a.ready(ctx, "open sender"); err != nil {
		return nil, err
	}

	if err := validSubject(dest, false); err != nil {
		return nil, fmt.Errorf("nats open sender: %w", err)
	}

	return &sender{client: a.Client, dest: dest}, nil
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("nats %s: %w", label, berr.ErrBrokerUnavailable)
	}

	return nil
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}

	return a.Logger
}

type listener struct {
	adapter *Adapter
	dest    string
	queue   string
	opts    cbus.ListenerOptions

	mu       sync.Mutex
	handler  cbus.Handler
	pool     *pool.Pool[cbus.Message]
	sub      Subscription
	cancel   context.CancelFunc
	released bool
}

func (l *listener) Destination() string { return l.dest }

func (l *listener) SetHandler(h cbus.Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.released:
		return fmt.Errorf("nats start %q: %w", l.dest, berr.BindingFailed("listener released"))
	case l.sub != nil:
		return fmt.Errorf("nats start %q: %w", l.dest, berr.BindingFailed("listener already started"))
	case l.handler == nil:
		return fmt.Errorf("nats start %q: %w", l.dest, berr.BindingFailed("no handler set"))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h, log := l.handler, l.adapter.logger()

	p := pool.New(l.opts.Concurrency, l.adapter.Buffer, func(m cbus.Message) {
		// core NATS is at-most-once: a failed message is not redelivered
		if err := h(runCtx, m); err != nil {
			log.WarnContext(runCtx, "nats delivery failed", "subject", l.dest, "queue", l.queue, "id", m.ID, "err", err)
		}
	})
	p.Start()

	sub, err := l.adapter.Client.Subscribe(l.dest, l.queue, func(in Inbound) {
		p.Submit(runCtx, fromInbound(in))
	})
	if err != nil {
		p.Stop()
		cancel()

		return fmt.Errorf("nats subscribe %q: %w", l.dest, errors.Join(berr.ErrBindingFailed, err))
	}

	l.pool, l.sub, l.cancel = p, sub, cancel

	return nil
}

func (l *listener) Stop(_ context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}

	l.released = true
	p, sub, cancel := l.pool, l.sub, l.cancel
	l.mu.Unlock()

	var err error
	if sub != nil {
		if uerr := sub.Unsubscribe(); uerr != nil {
			err = fmt.Errorf("nats unsubscribe %q: %w", l.dest, errors.Join(berr.ErrUnbindFailed, uerr))
		}
	}

	if p != nil {
		p.Stop()
	}

	if cancel != nil {
		cancel()
	}

	return err
}

type sender struct {
	client Client
	dest   string

	mu     sync.RWMutex
	closed bool
}

func (s *sender) Send(ctx context.Context, m cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("nats send %q: sender closed: %w", s.dest, berr.ErrSendFailed)
	}

	headers := m.CloneHeaders(1)
	if m.ID != "" {
		headers[cbus.HeaderMessageID] = m.ID
	}

	if err := s.client.Publish(s.dest, m.Payload, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats send %q: %w", s.dest, errors.Join(berr.ErrSendFailed, err))
	}

	return nil
}

// Close marks the sender closed; the shared connection is owned by whoever dialed it.
func (s *sender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

// helpers

func queueGroup(dest string, o cbus.ListenerOptions) string {
	if o.Group != "" {
		return o.Group
	}

	if o.Mode == cbus.PointToPoint {
		return dest
	}

	return ""
}

func validSubject(s string, allowWildcards bool) error {
	if s == "" {
		return berr.BindingFailed("empty subject")
	}

	if strings.ContainsAny(s, " \t\r\n") {
		return berr.BindingFailed(fmt.Sprintf("subject %q contains whitespace", s))
	}

	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return berr.BindingFailed(fmt.Sprintf("subject %q has an empty token", s))
	}

	if !allowWildcards && strings.ContainsAny(s, "*>") {
		return berr.BindingFailed(fmt.Sprintf("cannot publish to wildcard subject %q", s))
	}

	return nil
}

func fromInbound(in Inbound) cbus.Message {
	id := in.Headers[cbus.HeaderMessageID]
	if id == "" {
		id = uuid.NewString()
	}

	return cbus.Message{ID: id, Payload: in.Data, Headers: in.Headers}
}
