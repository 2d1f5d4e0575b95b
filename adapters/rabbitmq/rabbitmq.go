package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

const (
	defaultExchange   = "integration"
	exchangeKind      = "topic"
	defaultBuffer     = 64
	defaultRetryDelay = time.Second
	maxRoutingKeyLen  = 255
	contentTypeHeader = "content-type"
	defaultMediaType  = "application/octet-stream"
)

// Channel is the subset of *amqp.Channel used by the adapter.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelOpener opens a fresh AMQP channel, waiting for the connection if it is being re-established.
type ChannelOpener interface {
	Channel(ctx context.Context) (Channel, error)
}

// Adapter implements cbus.Connection over a ChannelOpener.
// Each listener and each sender owns one AMQP channel.
type Adapter struct {
	Opener     ChannelOpener
	Exchange   string
	Buffer     int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

var _ cbus.Connection = (*Adapter)(nil)

func New(o ChannelOpener) *Adapter {
	return &Adapter{
		Opener:     o,
		Exchange:   defaultExchange,
		Buffer:     defaultBuffer,
		RetryDelay: defaultRetryDelay,
		Logger:     slog.New(slog.DiscardHandler),
	}
}

func (a *Adapter) OpenListener(ctx context.Context, dest string, opts cbus.ListenerOptions) (cbus.Listener, error) {
	if err := a.ready(ctx, "open listener"); err != nil {
		return nil, err
	}

	if err := validRoutingKey(dest); err != nil {
		return nil, fmt.Errorf("rabbitmq open listener: %w", err)
	}

	ch, err := a.openChannel(ctx)
	if err != nil {
		return nil, err
	}

	return newListener(a, dest, opts, ch), nil
}

func (a *Adapter) OpenSender(ctx context.Context, dest string, mode cbus.Mode) (cbus.Sender, error) {
	if err := a.ready(ctx, "open sender"); err != nil {
		return nil, err
	}

	if err := validRoutingKey(dest); err != nil {
		return nil, fmt.Errorf("rabbitmq open sender: %w", err)
	}

	s := &sender{adapter: a, dest: dest, mode: mode}
	if err := s.open(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Opener == nil {
		return fmt.Errorf("rabbitmq %s: %w", label, berr.ErrBrokerUnavailable)
	}

	return nil
}

// openChannel reports a failure to get a channel as the broker being unavailable.
func (a *Adapter) openChannel(ctx context.Context) (Channel, error) {
	ch, err := a.Opener.Channel(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("rabbitmq open channel: %w", errors.Join(berr.ErrBrokerUnavailable, err))
	}

	return ch, nil
}

func (a *Adapter) exchange() string {
	if a.Exchange == "" {
		return defaultExchange
	}

	return a.Exchange
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}

	return a.Logger
}

type sender struct {
	adapter *Adapter
	dest    string
	mode    cbus.Mode

	mu     sync.Mutex
	ch     Channel
	closed bool
}

// open acquires a channel and declares the destination. Callers hold s.mu or own s exclusively.
func (s *sender) open(ctx context.Context) error {
	ch, err := s.adapter.openChannel(ctx)
	if err != nil {
		return err
	}

	if s.mode == cbus.PointToPoint {
		_, err = ch.QueueDeclare(s.dest, true, false, false, false, nil)
	} else {
		err = ch.ExchangeDeclare(s.adapter.exchange(), exchangeKind, true, false, false, false, nil)
	}

	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("rabbitmq declare %q: %w", s.dest, errors.Join(berr.ErrBindingFailed, err))
	}

	s.ch = ch

	return nil
}

func (s *sender) Send(ctx context.Context, m cbus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("rabbitmq send %q: sender closed: %w", s.dest, berr.ErrSendFailed)
	}

	exchange := s.adapter.exchange()
	if s.mode == cbus.PointToPoint {
		exchange = ""
	}

	pub := toPublishing(m)

	err := s.ch.PublishWithContext(ctx, exchange, s.dest, false, false, pub)
	if errors.Is(err, amqp.ErrClosed) {
		// channel died with the connection; reopen once on the new one
		_ = s.ch.Close()
		if oerr := s.open(ctx); oerr != nil {
			return fmt.Errorf("rabbitmq send %q: %w", s.dest, errors.Join(berr.ErrSendFailed, oerr))
		}

		err = s.ch.PublishWithContext(ctx, exchange, s.dest, false, false, pub)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq send %q: %w", s.dest, errors.Join(berr.ErrSendFailed, err))
	}

	return nil
}

func (s *sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}

	return nil
}

// helpers

func validRoutingKey(k string) error {
	if k == "" {
		return berr.BindingFailed("empty destination")
	}

	if len(k) > maxRoutingKeyLen {
		return berr.BindingFailed(fmt.Sprintf("destination longer than %d bytes", maxRoutingKeyLen))
	}

	return nil
}

func toPublishing(m cbus.Message) amqp.Publishing {
	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	ct := m.Header(contentTypeHeader)
	if ct == "" {
		ct = defaultMediaType
	}

	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Headers:      h,
		ContentType:  ct,
		MessageId:    m.ID,
		Timestamp:    time.Now(),
		Body:         m.Payload,
	}
}

func fromDelivery(d amqp.Delivery) cbus.Message {
	var h map[string]string
	if len(d.Headers) > 0 {
		h = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			h[k] = fmt.Sprint(v)
		}
	}

	return cbus.Message{ID: d.MessageId, Payload: d.Body, Headers: h}
}
