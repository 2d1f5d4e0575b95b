package channel_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/next-trace/scg-channel-binder/channel"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

func TestPublishSubscribe_FanOutInOrder(t *testing.T) {
	c := channel.New("orders", nil)

	var a, b []string

	if _, err := c.Subscribe(func(_ context.Context, m cbus.Message) error {
		a = append(a, string(m.Payload))
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	_, _ = c.Subscribe(func(_ context.Context, m cbus.Message) error {
		b = append(b, string(m.Payload))
		return nil
	})

	for _, p := range []string{"1", "2", "3"} {
		if err := c.Publish(t.Context(), cbus.Message{Payload: []byte(p)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if len(a) != 3 || a[0] != "1" || a[2] != "3" || len(b) != 3 {
		t.Fatalf("a=%v b=%v", a, b)
	}
}

func TestPublishSubscribe_AssignsID(t *testing.T) {
	c := channel.New("x", nil)

	var got string

	_, _ = c.Subscribe(func(_ context.Context, m cbus.Message) error {
		got = m.ID
		return nil
	})

	_ = c.Publish(t.Context(), cbus.Message{})

	if got == "" {
		t.Fatalf("expected id to be assigned")
	}
}

func TestPublishSubscribe_AggregatesErrorsAndPanics(t *testing.T) {
	c := channel.New("x", nil)
	boom := errors.New("boom")
	reached := false

	_, _ = c.Subscribe(func(context.Context, cbus.Message) error { return boom })
	_, _ = c.Subscribe(func(context.Context, cbus.Message) error { panic("bad") })
	_, _ = c.Subscribe(func(context.Context, cbus.Message) error {
		reached = true
		return nil
	})

	err := c.Publish(t.Context(), cbus.Message{ID: "1"})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom in %v", err)
	}

	if !reached {
		t.Fatalf("later subscribers must still run")
	}
}

func TestPublishSubscribe_Unsubscribe(t *testing.T) {
	c := channel.New("x", nil)
	calls := 0

	s, _ := c.Subscribe(func(context.Context, cbus.Message) error {
		calls++
		return nil
	})

	if err := c.Unsubscribe(s); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if err := c.Unsubscribe(s); !errors.Is(err, berr.ErrSubscriptionNotFound) {
		t.Fatalf("want ErrSubscriptionNotFound, got %v", err)
	}

	_ = c.Publish(t.Context(), cbus.Message{})

	if calls != 0 || c.Subscribers() != 0 {
		t.Fatalf("calls=%d subs=%d", calls, c.Subscribers())
	}
}

func TestPublishSubscribe_Closed(t *testing.T) {
	c := channel.New("x", nil)
	_ = c.Close()

	if _, err := c.Subscribe(func(context.Context, cbus.Message) error { return nil }); !errors.Is(err, berr.ErrChannelClosed) {
		t.Fatalf("want ErrChannelClosed, got %v", err)
	}

	if err := c.Publish(t.Context(), cbus.Message{}); !errors.Is(err, berr.ErrChannelClosed) {
		t.Fatalf("want ErrChannelClosed, got %v", err)
	}
}

func TestPublishSubscribe_ConcurrentSafety(t *testing.T) {
	c := channel.New("x", nil)

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)

	_, _ = c.Subscribe(func(context.Context, cbus.Message) error {
		mu.Lock()
		total++
		mu.Unlock()

		return nil
	})

	for i := 0; i < 50; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			_ = c.Publish(t.Context(), cbus.Message{})
		}()

		go func() {
			defer wg.Done()

			s, _ := c.Subscribe(func(context.Context, cbus.Message) error { return nil })
			_ = c.Unsubscribe(s)
		}()
	}

	wg.Wait()

	if total != 50 {
		t.Fatalf("total=%d", total)
	}
}
