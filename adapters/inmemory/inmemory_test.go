package inmemory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-channel-binder/adapters/inmemory"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
	ch  chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 1024)} }

func (r *recorder) handle(_ context.Context, m cbus.Message) error {
	r.mu.Lock()
	r.ids = append(r.ids, m.ID)
	r.mu.Unlock()
	r.ch <- struct{}{}

	return nil
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", i, n)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.ids)
}

func startListener(t *testing.T, b *inmemory.Broker, dest string, o cbus.ListenerOptions, r *recorder) cbus.Listener {
	t.Helper()

	l, err := b.OpenListener(t.Context(), dest, o)
	if err != nil {
		t.Fatalf("open listener: %v", err)
	}

	l.SetHandler(r.handle)

	if err := l.Start(t.Context()); err != nil {
		t.Fatalf("start: %v", err)
	}

	return l
}

func TestInmemory_BroadcastCopiesToEveryUngroupedListener(t *testing.T) {
	b := inmemory.New()
	r1, r2 := newRecorder(), newRecorder()

	startListener(t, b, "orders", cbus.ListenerOptions{}, r1)
	startListener(t, b, "orders", cbus.ListenerOptions{}, r2)

	if err := b.Publish(t.Context(), "orders", cbus.Broadcast, cbus.Message{ID: "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	r1.wait(t, 1)
	r2.wait(t, 1)
}

func TestInmemory_GroupSharesLoad(t *testing.T) {
	b := inmemory.New()
	r1, r2, r3 := newRecorder(), newRecorder(), newRecorder()

	startListener(t, b, "orders", cbus.ListenerOptions{Group: "billing"}, r1)
	startListener(t, b, "orders", cbus.ListenerOptions{Group: "billing"}, r2)
	startListener(t, b, "orders", cbus.ListenerOptions{Group: "audit"}, r3)

	for i := 0; i < 10; i++ {
		_ = b.Publish(t.Context(), "orders", cbus.Broadcast, cbus.NewMessage(nil, nil))
	}

	r3.wait(t, 10)

	deadline := time.After(2 * time.Second)
	for r1.count()+r2.count() < 10 {
		select {
		case <-deadline:
			t.Fatalf("billing group got %d+%d", r1.count(), r2.count())
		case <-time.After(time.Millisecond):
		}
	}

	if r1.count() != 5 || r2.count() != 5 {
		t.Fatalf("expected round robin 5/5, got %d/%d", r1.count(), r2.count())
	}
}

func TestInmemory_PointToPointDeliversOnce(t *testing.T) {
	b := inmemory.New()
	r1, r2 := newRecorder(), newRecorder()

	startListener(t, b, "jobs", cbus.ListenerOptions{Mode: cbus.PointToPoint}, r1)
	startListener(t, b, "jobs", cbus.ListenerOptions{Mode: cbus.PointToPoint}, r2)

	_ = b.Publish(t.Context(), "jobs", cbus.PointToPoint, cbus.Message{ID: "a"})
	_ = b.Publish(t.Context(), "jobs", cbus.PointToPoint, cbus.Message{ID: "b"})

	deadline := time.After(2 * time.Second)
	for r1.count()+r2.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timeout")
		case <-time.After(time.Millisecond):
		}
	}

	if r1.count() != 1 || r2.count() != 1 {
		t.Fatalf("want 1/1 got %d/%d", r1.count(), r2.count())
	}
}

func TestInmemory_UnavailableAndResourceAccounting(t *testing.T) {
	b := inmemory.New()
	b.SetAvailable(false)

	if _, err := b.OpenListener(t.Context(), "d", cbus.ListenerOptions{}); !errors.Is(err, berr.ErrBrokerUnavailable) {
		t.Fatalf("want ErrBrokerUnavailable, got %v", err)
	}

	if _, err := b.OpenSender(t.Context(), "d", cbus.Broadcast); !errors.Is(err, berr.ErrBrokerUnavailable) {
		t.Fatalf("want ErrBrokerUnavailable, got %v", err)
	}

	b.SetAvailable(true)

	l := startListener(t, b, "d", cbus.ListenerOptions{}, newRecorder())

	s, err := b.OpenSender(t.Context(), "d", cbus.Broadcast)
	if err != nil {
		t.Fatalf("open sender: %v", err)
	}

	if n := b.OpenResources(); n != 2 {
		t.Fatalf("open=%d", n)
	}

	_ = l.Stop(t.Context())
	_ = l.Stop(t.Context())
	_ = s.Close()
	_ = s.Close()

	if n := b.OpenResources(); n != 0 {
		t.Fatalf("open after release=%d", n)
	}

	if err := s.Send(t.Context(), cbus.Message{}); !errors.Is(err, berr.ErrSendFailed) {
		t.Fatalf("send on closed sender: %v", err)
	}
}

func TestInmemory_StartRequiresHandler(t *testing.T) {
	b := inmemory.New()

	l, _ := b.OpenListener(t.Context(), "d", cbus.ListenerOptions{})
	if err := l.Start(t.Context()); !errors.Is(err, berr.ErrBindingFailed) {
		t.Fatalf("want ErrBindingFailed, got %v", err)
	}
}

func TestInmemory_SenderRecordsSends(t *testing.T) {
	b := inmemory.New()

	s, _ := b.OpenSender(t.Context(), "orders", cbus.Broadcast)
	_ = s.Send(t.Context(), cbus.Message{ID: "x"})

	sent := b.Sent("orders")
	if len(sent) != 1 || sent[0].Message.ID != "x" || sent[0].Mode != cbus.Broadcast {
		t.Fatalf("sent=%+v", sent)
	}

	if len(b.Sent("other")) != 0 {
		t.Fatalf("destinations must be isolated")
	}
}

func TestInmemory_ConcurrentSafety(t *testing.T) {
	b := inmemory.New()
	r := newRecorder()

	startListener(t, b, "t", cbus.ListenerOptions{Concurrency: 4}, r)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = b.Publish(t.Context(), "t", cbus.Broadcast, cbus.NewMessage(nil, nil))
		}()
	}

	wg.Wait()
	r.wait(t, 50)

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if n := b.OpenResources(); n != 0 {
		t.Fatalf("open after close=%d", n)
	}
}
