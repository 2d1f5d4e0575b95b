package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data}

	var h nats.Header
	if len(headers) > 0 {
		h = nats.Header{}
		for k, v := range headers {
			h.Add(k, v)
		}
	}

	msg.Header = h

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c natsClient) Subscribe(subject, queue string, cb func(Inbound)) (Subscription, error) {
	h := func(m *nats.Msg) { cb(fromNATS(m)) }

	var (
		sub *nats.Subscription
		err error
	)

	if queue != "" {
		sub, err = c.nc.QueueSubscribe(subject, queue, h)
	} else {
		sub, err = c.nc.Subscribe(subject, h)
	}

	if err != nil {
		return nil, err
	}

	// make sure the server registered interest before the binding reports running
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	return sub, nil
}

func fromNATS(m *nats.Msg) Inbound {
	var h map[string]string
	if len(m.Header) > 0 {
		h = make(map[string]string, len(m.Header))
		for k := range m.Header {
			h[k] = m.Header.Get(k)
		}
	}

	return Inbound{Subject: m.Subject, Data: m.Data, Headers: h}
}

// Dial creates a real NATS connection and returns an Adapter and a cleanup.
// Reconnection is left to the NATS client; disconnects are only logged.
func Dial(cfg Config, logger *slog.Logger) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrBrokerUnavailable)
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	opts := []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrBrokerUnavailable, err)
	}

	ad := New(natsClient{nc: nc})
	ad.Logger = logger
	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	return ad, cleanup, nil
}
