package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-channel-binder/adapters/pool"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

type listener struct {
	adapter *Adapter
	dest    string
	opts    cbus.ListenerOptions
	tag     string

	mu       sync.Mutex
	handler  cbus.Handler
	ch       Channel
	pool     *pool.Pool[amqp.Delivery]
	cancel   context.CancelFunc
	stopping chan struct{}
	runDone  chan struct{}
	started  bool
	released bool
}

func newListener(a *Adapter, dest string, opts cbus.ListenerOptions, ch Channel) *listener {
	return &listener{
		adapter:  a,
		dest:     dest,
		opts:     opts,
		ch:       ch,
		tag:      "binder-" + uuid.NewString(),
		stopping: make(chan struct{}),
		runDone:  make(chan struct{}),
	}
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
		return fmt.Errorf("rabbitmq start %q: %w", l.dest, berr.BindingFailed("listener released"))
	case l.started:
		return fmt.Errorf("rabbitmq start %q: %w", l.dest, berr.BindingFailed("listener already started"))
	case l.handler == nil:
		return fmt.Errorf("rabbitmq start %q: %w", l.dest, berr.BindingFailed("no handler set"))
	}

	var (
		ch         = l.ch
		deliveries <-chan amqp.Delivery
		err        error
	)

	if ch == nil {
		ch, deliveries, err = l.consume(ctx)
	} else if deliveries, err = l.declare(ch); err != nil {
		_ = ch.Close()
		err = fmt.Errorf("rabbitmq consume %q: %w", l.dest, errors.Join(berr.ErrBindingFailed, err))
	}

	if err != nil {
		l.ch = nil
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h, log := l.handler, l.adapter.logger()

	p := pool.New(l.opts.Concurrency, l.opts.Concurrency, func(d amqp.Delivery) {
		m := fromDelivery(d)
		if herr := h(runCtx, m); herr != nil {
			log.WarnContext(runCtx, "rabbitmq delivery failed, requeueing", "destination", l.dest, "id", m.ID, "err", herr)

			if nerr := d.Nack(false, true); nerr != nil {
				log.WarnContext(runCtx, "rabbitmq nack failed", "destination", l.dest, "id", m.ID, "err", nerr)
			}

			return
		}

		if aerr := d.Ack(false); aerr != nil {
			log.WarnContext(runCtx, "rabbitmq ack failed", "destination", l.dest, "id", m.ID, "err", aerr)
		}
	})
	p.Start()

	l.ch, l.pool, l.cancel, l.started = ch, p, cancel, true

	go l.run(runCtx, deliveries)

	return nil
}

// consume opens a fresh channel, declares the topology for this listener and starts consuming.
func (l *listener) consume(ctx context.Context) (Channel, <-chan amqp.Delivery, error) {
	ch, err := l.adapter.Opener.Channel(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}

		return nil, nil, fmt.Errorf("rabbitmq open channel %q: %w", l.dest, errors.Join(berr.ErrBindingFailed, err))
	}

	deliveries, err := l.declare(ch)
	if err != nil {
		_ = ch.Close()

		return nil, nil, fmt.Errorf("rabbitmq consume %q: %w", l.dest, errors.Join(berr.ErrBindingFailed, err))
	}

	return ch, deliveries, nil
}

func (l *listener) declare(ch Channel) (<-chan amqp.Delivery, error) {
	prefetch := l.opts.Concurrency
	if prefetch < 1 {
		prefetch = 1
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}

	queue := l.dest
	exclusive := false

	if l.opts.Mode == cbus.PointToPoint {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return nil, err
		}
	} else {
		exchange := l.adapter.exchange()
		if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
			return nil, err
		}

		var (
			q   amqp.Queue
			err error
		)

		if l.opts.Group != "" {
			q, err = ch.QueueDeclare(l.dest+"."+l.opts.Group, true, false, false, false, nil)
		} else {
			// server-named queue that lives as long as this consumer
			exclusive = true
			q, err = ch.QueueDeclare("", false, true, true, false, nil)
		}

		if err != nil {
			return nil, err
		}

		if err := ch.QueueBind(q.Name, l.dest, exchange, false, nil); err != nil {
			return nil, err
		}

		queue = q.Name
	}

	return ch.Consume(queue, l.tag, false, exclusive, false, false, nil)
}

// run feeds deliveries into the pool and re-establishes the channel when the broker closes it.
func (l *listener) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(l.runDone)

	log := l.adapter.logger()
	delay := l.adapter.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	for {
		for d := range deliveries {
			// unsubmitted deliveries stay unacked and return to the queue when the channel closes
			l.pool.Submit(ctx, d)
		}

		select {
		case <-l.stopping:
			return
		default:
		}

		log.WarnContext(ctx, "rabbitmq consumer channel closed, re-establishing", "destination", l.dest)

		for {
			t := time.NewTimer(delay)
			select {
			case <-l.stopping:
				t.Stop()
				return
			case <-t.C:
			}

			ch, next, err := l.consume(ctx)
			if err != nil {
				log.WarnContext(ctx, "rabbitmq re-establish failed", "destination", l.dest, "err", err)
				continue
			}

			l.mu.Lock()
			if l.released {
				l.mu.Unlock()
				_ = ch.Close()

				return
			}

			old := l.ch
			l.ch = ch
			l.mu.Unlock()

			_ = old.Close()
			deliveries = next

			break
		}
	}
}

func (l *listener) Stop(_ context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}

	l.released = true
	close(l.stopping)

	if !l.started {
		ch := l.ch
		l.ch = nil
		l.mu.Unlock()

		if ch != nil {
			_ = ch.Close()
		}

		return nil
	}

	ch, p, cancel := l.ch, l.pool, l.cancel
	l.mu.Unlock()

	var err error
	if cerr := ch.Cancel(l.tag, false); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
		err = fmt.Errorf("rabbitmq cancel %q: %w", l.dest, errors.Join(berr.ErrUnbindFailed, cerr))
	}

	// in-flight handlers finish and ack before the channel goes away
	p.Stop()

	if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
		err = errors.Join(err, fmt.Errorf("rabbitmq close channel %q: %w", l.dest, errors.Join(berr.ErrUnbindFailed, cerr)))
	}

	// no handler is running any more, so the run context can go; it also unblocks a pending re-establish
	cancel()
	<-l.runDone

	return err
}
