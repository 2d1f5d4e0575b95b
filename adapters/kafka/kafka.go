package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

const (
	defaultBuffer = 256
	maxTopicLen   = 249
)

// Producer writes records synchronously. *kgo.Client satisfies it.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Consumer is a group member with manual commits. *kgo.Client satisfies it.
type Consumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// ConsumerFactory creates a consumer of topic joined to group.
// fromStart selects where a group without committed offsets begins.
type ConsumerFactory func(topic, group string, fromStart bool) (Consumer, error)

// Adapter implements cbus.Connection on a shared Producer and one Consumer per listener.
//
// Topics are broadcast to every consumer group. A listener without a group in
// broadcast mode joins a group of its own; listeners sharing a group, and
// point-to-point listeners, split the partitions of the topic between them.
type Adapter struct {
	Producer    Producer
	NewConsumer ConsumerFactory
	Buffer      int
	Logger      *slog.Logger
}

var _ cbus.Connection = (*Adapter)(nil)

// New creates a Kafka adapter from a producer and a consumer factory.
func New(p Producer, f ConsumerFactory) *Adapter {
	return &Adapter{Producer: p, NewConsumer: f, Buffer: defaultBuffer, Logger: slog.New(slog.DiscardHandler)}
}

func (a *Adapter) OpenListener(ctx context.Context, dest string, opts cbus.ListenerOptions) (cbus.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.NewConsumer == nil {
		return nil, fmt.Errorf("kafka open listener: %w", berr.ErrBrokerUnavailable)
	}

	if err := validTopic(dest); err != nil {
		return nil, fmt.Errorf("kafka open listener: %w", err)
	}

	group, shared := groupFor(dest, opts)

	return &listener{adapter: a, dest: dest, group: group, shared: shared, opts: opts}, nil
}

// OpenSender returns a sender on the shared producer. Mode only matters on the consuming side.
func (a *Adapter) OpenSender(ctx context.Context, dest string, _ cbus.Mode) (cbus.Sender, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.Producer == nil {
		return nil, fmt.Errorf("kafka open sender: %w", berr.ErrBrokerUnavailable)
	}

	if err := validTopic(dest); err != nil {
		return nil, fmt.Errorf("kafka open sender: %w", err)
	}

	return &sender{producer: a.Producer, dest: dest}, nil
}

func (a *Adapter) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}

	return a.Logger
}

type sender struct {
	producer Producer
	dest     string

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
		return fmt.Errorf("kafka send %q: sender closed: %w", s.dest, berr.ErrSendFailed)
	}

	if err := s.producer.ProduceSync(ctx, toRecord(s.dest, m)).FirstErr(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka send %q: %w", s.dest, errors.Join(berr.ErrSendFailed, err))
	}

	return nil
}

// Close marks the sender closed; the producer client belongs to whoever dialed it.
func (s *sender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

// helpers

// groupFor picks the consumer group for a listener and reports whether it is shared.
func groupFor(dest string, o cbus.ListenerOptions) (string, bool) {
	switch {
	case o.Group != "":
		return o.Group, true
	case o.Mode == cbus.PointToPoint:
		return dest, true
	default:
		return "binder-" + dest + "-" + uuid.NewString(), false
	}
}

func validTopic(t string) error {
	switch {
	case t == "":
		return berr.BindingFailed("empty topic")
	case t == "." || t == "..":
		return berr.BindingFailed(fmt.Sprintf("invalid topic %q", t))
	case len(t) > maxTopicLen:
		return berr.BindingFailed(fmt.Sprintf("topic longer than %d characters", maxTopicLen))
	}

	for _, r := range t {
		if !(r == '.' || r == '_' || r == '-' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')) {
			return berr.BindingFailed(fmt.Sprintf("topic %q contains %q", t, r))
		}
	}

	return nil
}

func toRecord(topic string, m cbus.Message) *kgo.Record {
	rec := &kgo.Record{Topic: topic, Value: m.Payload}

	if k := m.Header(cbus.HeaderKey); k != "" {
		rec.Key = []byte(k)
	}

	rec.Headers = make([]kgo.RecordHeader, 0, len(m.Headers)+1)
	for k, v := range m.Headers {
		if strings.EqualFold(k, cbus.HeaderMessageID) {
			continue
		}

		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if m.ID != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: cbus.HeaderMessageID, Value: []byte(m.ID)})
	}

	return rec
}

func fromRecord(r *kgo.Record) cbus.Message {
	h := make(map[string]string, len(r.Headers)+1)
	for _, rh := range r.Headers {
		h[rh.Key] = string(rh.Value)
	}

	if len(r.Key) > 0 {
		if _, ok := h[cbus.HeaderKey]; !ok {
			h[cbus.HeaderKey] = string(r.Key)
		}
	}

	id := h[cbus.HeaderMessageID]
	if id == "" {
		id = uuid.NewString()
	}

	return cbus.Message{ID: id, Payload: r.Value, Headers: h}
}
