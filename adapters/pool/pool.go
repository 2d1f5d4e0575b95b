// Package pool provides the bounded worker pool that every listener resource
// uses to run its handler.
package pool

import (
	"context"
	"sync"
)

// Pool runs work on a fixed number of goroutines fed from a bounded queue.
// With a size of one, items are processed strictly in submission order.
type Pool[T any] struct {
	size  int
	work  func(T)
	items chan T

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	submits sync.WaitGroup
}

// New creates a pool of size workers. Sizes below one are raised to one.
// buffer bounds the number of queued items; Submit blocks when it is full.
func New[T any](size, buffer int, work func(T)) *Pool[T] {
	if size < 1 {
		size = 1
	}

	if buffer < 0 {
		buffer = 0
	}

	return &Pool[T]{
		size:  size,
		work:  work,
		items: make(chan T, buffer),
		done:  make(chan struct{}),
	}
}

// Size reports the number of workers.
func (p *Pool[T]) Size() int { return p.size }

// Start launches the workers. Calling it again has no effect.
func (p *Pool[T]) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)

			go p.loop()
		}
	})
}

func (p *Pool[T]) loop() {
	defer p.wg.Done()

	for {
		// stop wins over queued work
		select {
		case <-p.done:
			return
		default:
		}

		select {
		case <-p.done:
			return
		case it := <-p.items:
			p.work(it)
		}
	}
}

// Submit queues an item. It returns false when the pool is stopped or ctx ends
// before the item could be queued.
func (p *Pool[T]) Submit(ctx context.Context, it T) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}

	p.submits.Add(1)
	p.mu.Unlock()

	defer p.submits.Done()

	select {
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	case p.items <- it:
		return true
	}
}

// Done is closed once Stop has been called.
func (p *Pool[T]) Done() <-chan struct{} { return p.done }

// Stop closes intake and waits for running work to finish. Items still queued
// are abandoned and returned so the caller can release them.
func (p *Pool[T]) Stop() []T {
	var left []T

	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.done)
		p.mu.Unlock()

		// a racing Submit may still land an item; drain only after it returns
		p.submits.Wait()
		p.wg.Wait()

		for {
			select {
			case it := <-p.items:
				left = append(left, it)
			default:
				return
			}
		}
	})

	return left
}
