package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// Concrete AMQP connection with auto-reconnect. Channels are opened per listener and sender.

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Config struct {
	URL         string
	ConnTimeout time.Duration
	Exchange    string
}

// amqpConn is the subset of *amqp.Connection the session drives.
type amqpConn interface {
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
}

// liveConn adapts *amqp.Connection to amqpConn.
type liveConn struct{ *amqp.Connection }

func (c liveConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

type dialFunc func(cfg Config) (amqpConn, error)

func dialAMQP(cfg Config) (amqpConn, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-channel-binder"},
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	})
	if err != nil {
		return nil, err
	}

	return liveConn{conn}, nil
}

// session keeps one AMQP connection alive and hands out channels on it.
type session struct {
	cfg    Config
	dial   dialFunc
	logger *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu     sync.RWMutex
	conn   amqpConn
	ready  chan struct{} // closed while conn is usable
	closed chan struct{}
}

func newSession(cfg Config, dial dialFunc, logger *slog.Logger) *session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &session{
		cfg:            cfg,
		dial:           dial,
		logger:         logger,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		ready:          make(chan struct{}),
		closed:         make(chan struct{}),
	}
}

// Channel opens a channel on the current connection, waiting while a reconnect is in progress.
func (s *session) Channel(ctx context.Context) (Channel, error) {
	for {
		s.mu.RLock()
		conn, ready := s.conn, s.ready
		s.mu.RUnlock()

		if conn != nil {
			if !conn.IsClosed() {
				ch, err := conn.Channel()
				if err == nil {
					return ch, nil
				}

				if !errors.Is(err, amqp.ErrClosed) {
					return nil, err
				}
			}

			// The connection died before run noticed; wait for the redial.
			ready = s.markDown(conn)
		}

		select {
		case <-s.closed:
			return nil, fmt.Errorf("rabbitmq session closed: %w", berr.ErrBrokerUnavailable)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// setConn publishes conn to waiting callers. It refuses once the session is closed.
func (s *session) setConn(conn amqpConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}

	s.conn = conn
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}

	return true
}

// markDown forgets conn if it is still current and returns the channel that
// closes when the next connection is ready.
func (s *session) markDown(conn amqpConn) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == conn {
		s.conn = nil
		select {
		case <-s.ready:
			s.ready = make(chan struct{})
		default:
		}
	}

	return s.ready
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// run watches conn and redials with jittered exponential backoff when it drops.
func (s *session) run(conn amqpConn) {
	backoff := s.initialBackoff
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-s.closed:
			_ = conn.Close()
			return
		case aerr := <-notify:
			if s.isClosed() {
				return
			}

			s.markDown(conn)
			_ = conn.Close()
			s.logger.Warn("rabbitmq connection lost", "err", aerr)
		}

		for {
			next, err := s.dial(s.cfg)
			if err == nil {
				if !s.setConn(next) {
					_ = next.Close()
					return
				}

				conn = next
				backoff = s.initialBackoff
				s.logger.Info("rabbitmq reconnected")

				break
			}

			s.logger.Warn("rabbitmq reconnect failed", "err", err, "retry_in", backoff)

			sleep := backoff
			if half := int64(backoff / 2); half > 0 {
				sleep = min(backoff+time.Duration(rng.Int63n(half))/2, s.maxBackoff)
			}

			t := time.NewTimer(sleep)
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, s.maxBackoff)
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Dial connects to RabbitMQ and returns an Adapter with a reconnecting session plus its cleanup.
// An unreachable broker at dial time is reported as ErrBrokerUnavailable.
func Dial(cfg Config, logger *slog.Logger) (*Adapter, func(), error) {
	return dialWith(cfg, dialAMQP, logger)
}

func dialWith(cfg Config, dial dialFunc, logger *slog.Logger) (*Adapter, func(), error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if cfg.URL == "" {
		return nil, nil, berr.BrokerUnavailable("rabbitmq url required")
	}

	conn, err := dial(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", errors.Join(berr.ErrBrokerUnavailable, err))
	}

	s := newSession(cfg, dial, logger)
	s.setConn(conn)

	go s.run(conn)

	ad := New(s)
	ad.Logger = logger
	if cfg.Exchange != "" {
		ad.Exchange = cfg.Exchange
	}

	return ad, s.close, nil
}
