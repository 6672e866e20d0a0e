package async

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	ErrSaturated = errors.New("worker pool saturated")
	ErrClosed    = errors.New("worker pool closed")
)

// Pool bounds how many tasks run at once and how many may wait for a slot.
type Pool struct {
	workers *semaphore.Weighted
	slots   *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool runs at most workers tasks concurrently with up to queue more waiting.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Pool{
		workers: semaphore.NewWeighted(int64(workers)),
		slots:   semaphore.NewWeighted(int64(workers + queue)),
	}
}

// Submit schedules fn and returns its future. fn runs detached from the
// cancellation of ctx but keeps its values (trace context, loggers).
func Submit[T any](p *Pool, ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return Failed[T](ErrClosed)
	}
	if !p.slots.TryAcquire(1) {
		return Failed[T](ErrSaturated)
	}

	f := newFuture[T]()
	p.wg.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		defer p.slots.Release(1)
		_ = p.workers.Acquire(ctx, 1) // ctx is never cancelled
		defer p.workers.Release(1)

		var (
			v   T
			err error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("task panicked: %v", r)
				}
			}()
			v, err = fn(ctx)
		}()
		f.resolve(v, err)
	}()
	return f
}

// Close stops accepting tasks and waits for running ones until ctx ends.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
