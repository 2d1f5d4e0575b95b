package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-channel-binder/adapters/pool"
	cbus "github.com/next-trace/scg-channel-binder/contract/bus"
	berr "github.com/next-trace/scg-channel-binder/contract/errors"
)

type listener struct {
	adapter *Adapter
	dest    string
	group   string
	shared  bool
	opts    cbus.ListenerOptions

	mu         sync.Mutex
	handler    cbus.Handler
	consumer   Consumer
	pool       *pool.Pool[job]
	cancelPoll context.CancelFunc
	cancelRun  context.CancelFunc
	runDone    chan struct{}
	released   bool
}

// job is one record of a polled batch.
type job struct {
	rec   *kgo.Record
	batch *batch
}

// batch tracks the records of one poll until every one is handled or abandoned.
type batch struct {
	wg        sync.WaitGroup
	mu        sync.Mutex
	abandoned bool
}

func (b *batch) abandon() {
	b.mu.Lock()
	b.abandoned = true
	b.mu.Unlock()
	b.wg.Done()
}

func (b *batch) complete() bool {
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	return !b.abandoned
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
		return fmt.Errorf("kafka start %q: %w", l.dest, berr.BindingFailed("listener released"))
	case l.consumer != nil:
		return fmt.Errorf("kafka start %q: %w", l.dest, berr.BindingFailed("listener already started"))
	case l.handler == nil:
		return fmt.Errorf("kafka start %q: %w", l.dest, berr.BindingFailed("no handler set"))
	}

	// a private broadcast group starts at the end: it only sees what is produced after it joined
	c, err := l.adapter.NewConsumer(l.dest, l.group, l.shared)
	if err != nil {
		return fmt.Errorf("kafka consumer %q group %q: %w", l.dest, l.group, errors.Join(berr.ErrBindingFailed, err))
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	pollCtx, cancelPoll := context.WithCancel(runCtx)
	h, log := l.handler, l.adapter.logger()

	p := pool.New(l.opts.Concurrency, l.adapter.Buffer, func(j job) {
		defer j.batch.wg.Done()

		m := fromRecord(j.rec)
		// offsets are committed per batch, so a failed record is not redelivered
		if herr := h(runCtx, m); herr != nil {
			log.WarnContext(runCtx, "kafka delivery failed", "topic", l.dest, "group", l.group,
				"partition", j.rec.Partition, "offset", j.rec.Offset, "id", m.ID, "err", herr)
		}
	})
	p.Start()

	l.consumer, l.pool = c, p
	l.cancelPoll, l.cancelRun = cancelPoll, cancelRun
	l.runDone = make(chan struct{})

	go l.run(runCtx, pollCtx)

	return nil
}

// run polls batches, hands every record to the pool and commits once the whole batch is handled.
func (l *listener) run(runCtx, pollCtx context.Context) {
	defer close(l.runDone)

	log := l.adapter.logger()

	for {
		fetches := l.consumer.PollFetches(pollCtx)
		if fetches.IsClientClosed() || pollCtx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			log.WarnContext(runCtx, "kafka fetch error", "topic", topic, "partition", partition, "err", err)
		})

		recs := fetches.Records()
		if len(recs) == 0 {
			continue
		}

		b := &batch{}
		b.wg.Add(len(recs))

		for _, r := range recs {
			if !l.pool.Submit(pollCtx, job{rec: r, batch: b}) {
				b.abandon()
			}
		}

		if !b.complete() {
			// stopping mid-batch: leave the offsets for the group to redeliver
			return
		}

		if err := l.consumer.CommitRecords(runCtx, recs...); err != nil {
			log.WarnContext(runCtx, "kafka commit failed", "topic", l.dest, "group", l.group, "err", err)
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
	c, p := l.consumer, l.pool
	l.mu.Unlock()

	if c == nil {
		return nil
	}

	l.cancelPoll()

	for _, j := range p.Stop() {
		j.batch.abandon()
	}

	<-l.runDone
	l.cancelRun()
	c.Close()

	return nil
}
