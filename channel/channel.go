/*
Package channel provides an in-process publish/subscribe channel. It is the
application-side conduit that bindings connect to broker destinations.
*/
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// PublishSubscribe fans every published message out to all current subscribers,
// synchronously, on the publishing goroutine, in subscription order.
//
// It is concurrency-safe. Subscribers added or removed during a Publish take
// effect from the next Publish.
type PublishSubscribe struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []subscriber
	closed bool
}

type subscriber struct {
	id cbus.Subscription
	h  cbus.Handler
}

var _ cbus.SubscribableChannel = (*PublishSubscribe)(nil)

// New creates a named channel. A nil logger discards output.
func New(name string, logger *slog.Logger) *PublishSubscribe {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &PublishSubscribe{name: name, logger: logger}
}

// Name returns the channel name.
func (c *PublishSubscribe) Name() string { return c.name }

// Publish delivers msg to every subscriber. A message without an ID gets one.
// Subscriber errors and panics are aggregated with errors.Join; a failing
// subscriber does not prevent delivery to the others.
func (c *PublishSubscribe) Publish(ctx context.Context, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("publish on %q: %w", c.name, berr.ErrChannelClosed)
	}

	subs := append([]subscriber(nil), c.subs...)
	c.mu.RUnlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	var errs []error

	for _, s := range subs {
		if err := c.call(ctx, s, msg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *PublishSubscribe) call(ctx context.Context, s subscriber, msg cbus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "channel subscriber panic", "channel", c.name, "subscription", s.id, "panic", r)
			err = fmt.Errorf("subscriber %s panicked: %v", s.id, r)
		}
	}()

	return s.h(ctx, msg)
}

// Subscribe registers h and returns its handle.
func (c *PublishSubscribe) Subscribe(h cbus.Handler) (cbus.Subscription, error) {
	if h == nil {
		return "", fmt.Errorf("subscribe to %q: nil handler", c.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", fmt.Errorf("subscribe to %q: %w", c.name, berr.ErrChannelClosed)
	}

	id := cbus.Subscription(uuid.NewString())
	c.subs = append(c.subs, subscriber{id: id, h: h})

	return id, nil
}

// Unsubscribe removes the subscriber registered under s.
func (c *PublishSubscribe) Unsubscribe(s cbus.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, sub := range c.subs {
		if sub.id == s {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("unsubscribe %s from %q: %w", s, c.name, berr.ErrSubscriptionNotFound)
}

// Subscribers reports the current subscriber count.
func (c *PublishSubscribe) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.subs)
}

// Close rejects further publishes and subscriptions. Existing subscriptions
// may still be removed.
func (c *PublishSubscribe) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return nil
}
