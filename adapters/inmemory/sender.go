package inmemory

import (
	"context"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// Sender routes messages into the owning Broker.
type Sender struct {
	broker *Broker
	dest   string
	mode   cbus.Mode

	mu     sync.Mutex
	closed bool
}

var _ cbus.Sender = (*Sender)(nil)

func (s *Sender) Send(ctx context.Context, m cbus.Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("inmemory send %q: %w", s.dest, berr.ErrSendFailed)
	}

	return s.broker.Publish(ctx, s.dest, s.mode, m)
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.broker.releaseSender()

	return nil
}
