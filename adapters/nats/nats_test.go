package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-channel-binder/adapters/nats"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

type fakeSub struct {
	client  *fakeClient
	subject string
	queue   string
	cb      func(nats.Inbound)
	err     error
	removed bool
}

func (s *fakeSub) Unsubscribe() error {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	s.removed = true

	return s.err
}

type fakeClient struct {
	mu    sync.Mutex
	calls []struct {
		subject string
		data    []byte
		headers map[string]string
	}
	subs   []*fakeSub
	err    error
	subErr error
	unsErr error
}

func (f *fakeClient) Publish(subject string, data []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, struct {
		subject string
		data    []byte
		headers map[string]string
	}{subject, data, headers})

	return f.err
}

func (f *fakeClient) Subscribe(subject, queue string, cb func(nats.Inbound)) (nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subErr != nil {
		return nil, f.subErr
	}

	s := &fakeSub{client: f, subject: subject, queue: queue, cb: cb, err: f.unsErr}
	f.subs = append(f.subs, s)

	return s, nil
}

// emit delivers to every live subscription on subject.
func (f *fakeClient) emit(subject string, in nats.Inbound) {
	f.mu.Lock()
	var live []*fakeSub
	for _, s := range f.subs {
		if s.subject == subject && !s.removed {
			live = append(live, s)
		}
	}
	f.mu.Unlock()

	for _, s := range live {
		s.cb(in)
	}
}

func TestNATS_SenderPublishesWithHeaders(t *testing.T) {
	fc := &fakeClient{}
	ad := nats.New(fc)

	s, err := ad.OpenSender(t.Context(), "orders", cbus.Broadcast)
	if err != nil {
		t.Fatalf("open sender: %v", err)
	}

	msg := cbus.Message{ID: "m1", Payload: []byte(`{"id":1}`), Headers: map[string]string{"h1": "v1"}}
	if err := s.Send(t.Context(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(fc.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fc.calls))
	}

	c := fc.calls[0]
	if c.subject != "orders" || string(c.data) != `{"id":1}` {
		t.Fatalf("call mismatch: %s %s", c.subject, c.data)
	}

	if c.headers["h1"] != "v1" || c.headers[cbus.HeaderMessageID] != "m1" {
		t.Fatalf("headers missing or wrong: %+v", c.headers)
	}

	if msg.Headers[cbus.HeaderMessageID] != "" {
		t.Fatalf("caller headers mutated")
	}

	_ = s.Close()

	if err := s.Send(t.Context(), msg); !errors.Is(err, berr.ErrSendFailed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestNATS_NilClientIsUnavailable(t *testing.T) {
	ad := nats.New(nil)

	if _, err := ad.OpenListener(t.Context(), "x", cbus.ListenerOptions{}); !errors.Is(err, berr.ErrBrokerUnavailable) {
		t.Fatalf("listener: %v", err)
	}

	if _, err := ad.OpenSender(t.Context(), "x", cbus.Broadcast); !errors.Is(err, berr.ErrBrokerUnavailable) {
		t.Fatalf("sender: %v", err)
	}
}

func TestNATS_InvalidSubjects(t *testing.T) {
	ad := nats.New(&fakeClient{})

	for _, subj := range []string{"", "has space", ".lead", "trail.", "a..b"} {
		if _, err := ad.OpenListener(t.Context(), subj, cbus.ListenerOptions{}); !errors.Is(err, berr.ErrBindingFailed) {
			t.Fatalf("listener %q: %v", subj, err)
		}
	}

	if _, err := ad.OpenSender(t.Context(), "orders.*", cbus.Broadcast); !errors.Is(err, berr.ErrBindingFailed) {
		t.Fatalf("wildcard sender must fail")
	}

	if _, err := ad.OpenListener(t.Context(), "orders.>", cbus.ListenerOptions{}); err != nil {
		t.Fatalf("wildcard listener allowed: %v", err)
	}
}

func TestNATS_Publish_ErrorWrapping_And_ContextCancel(t *testing.T) {
	fc := &fakeClient{err: errors.New("boom")}
	s, _ := nats.New(fc).OpenSender(t.Context(), "x", cbus.Broadcast)

	if err := s.Send(t.Context(), cbus.Message{}); !errors.Is(err, berr.ErrSendFailed) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	fc2 := &fakeClient{err: context.Canceled}
	s2, _ := nats.New(fc2).OpenSender(t.Context(), "x", cbus.Broadcast)

	if err := s2.Send(t.Context(), cbus.Message{}); !errors.Is(err, context.Canceled) || errors.Is(err, berr.ErrSendFailed) {
		t.Fatalf("want bare context.Canceled, got %v", err)
	}
}

func TestNATS_QueueGroups(t *testing.T) {
	tests := []struct {
		opts  cbus.ListenerOptions
		queue string
	}{
		{cbus.ListenerOptions{}, ""},
		{cbus.ListenerOptions{Group: "billing"}, "billing"},
		{cbus.ListenerOptions{Mode: cbus.PointToPoint}, "orders"},
		{cbus.ListenerOptions{Mode: cbus.PointToPoint, Group: "g"}, "g"},
	}

	for _, tc := range tests {
		fc := &fakeClient{}

		l, err := nats.New(fc).OpenListener(t.Context(), "orders", tc.opts)
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		l.SetHandler(func(context.Context, cbus.Message) error { return nil })

		if err := l.Start(t.Context()); err != nil {
			t.Fatalf("start: %v", err)
		}

		if fc.subs[0].queue != tc.queue {
			t.Fatalf("opts %+v: queue=%q want %q", tc.opts, fc.subs[0].queue, tc.queue)
		}

		_ = l.Stop(t.Context())
	}
}

func TestNATS_ListenerDeliversInOrderAndStops(t *testing.T) {
	fc := &fakeClient{}

	l, _ := nats.New(fc).OpenListener(t.Context(), "orders", cbus.ListenerOptions{Concurrency: 1})

	var (
		mu  sync.Mutex
		ids []string
	)

	done := make(chan struct{}, 16)

	l.SetHandler(func(_ context.Context, m cbus.Message) error {
		mu.Lock()
		ids = append(ids, m.ID)
		mu.Unlock()
		done <- struct{}{}

		return nil
	})

	if err := l.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		fc.emit("orders", nats.Inbound{Subject: "orders", Headers: map[string]string{cbus.HeaderMessageID: id}})
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout")
		}
	}

	mu.Lock()
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("ids=%v", ids)
	}
	mu.Unlock()

	if err := l.Stop(t.Context()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if !fc.subs[0].removed {
		t.Fatalf("subscription not removed")
	}

	if err := l.Stop(t.Context()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestNATS_StartFailures(t *testing.T) {
	fc := &fakeClient{subErr: errors.New("permissions violation")}
	l, _ := nats.New(fc).OpenListener(t.Context(), "orders", cbus.ListenerOptions{})

	if err := l.Start(t.Context()); !errors.Is(err, berr.ErrBindingFailed) {
		t.Fatalf("no handler: %v", err)
	}

	l.SetHandler(func(context.Context, cbus.Message) error { return nil })

	if err := l.Start(t.Context()); !errors.Is(err, berr.ErrBindingFailed) {
		t.Fatalf("subscribe rejected: %v", err)
	}
}

func TestNATS_UnsubscribeFailureReported(t *testing.T) {
	fc := &fakeClient{unsErr: errors.New("connection closed")}
	l, _ := nats.New(fc).OpenListener(t.Context(), "orders", cbus.ListenerOptions{})
	l.SetHandler(func(context.Context, cbus.Message) error { return nil })
	_ = l.Start(t.Context())

	if err := l.Stop(t.Context()); !errors.Is(err, berr.ErrUnbindFailed) {
		t.Fatalf("want ErrUnbindFailed, got %v", err)
	}
}
