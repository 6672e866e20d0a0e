package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-saga/internal/metrics"
)

// DefaultTimeout bounds every guarded call unless configured otherwise.
const DefaultTimeout = 4 * time.Second

// Guard runs calls to one dependency through its breaker with a deadline.
type Guard struct {
	b       *Breaker
	timeout time.Duration
}

func NewGuard(b *Breaker, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{b: b, timeout: timeout}
}

func (g *Guard) Breaker() *Breaker      { return g.b }
func (g *Guard) Timeout() time.Duration { return g.timeout }

type result[T any] struct {
	v   T
	err error
}

// Call invokes fn unless the breaker is open. fn receives a context that
// expires after the guard timeout; Call returns when it does even if fn keeps
// running.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	done, err := g.b.Allow()
	if err != nil {
		metrics.BreakerRejected.WithLabelValues(g.b.Name()).Inc()
		return zero, err
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result[T]{err: fmt.Errorf("%s: panic: %v", g.b.Name(), r)}
			}
		}()
		v, err := fn(cctx)
		ch <- result[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.err = g.timeoutErr(r.err)
		}
		done(r.err)
		return r.v, r.err
	case <-cctx.Done():
		err := cctx.Err()
		if ctx.Err() == nil {
			err = g.timeoutErr(err)
		}
		done(err)
		return zero, err
	}
}

func (g *Guard) timeoutErr(cause error) error {
	return fmt.Errorf("%s: %w after %s: %w", g.b.Name(), ErrTimeout, g.timeout, cause)
}

// Registry hands out one Guard per dependency name.
type Registry struct {
	settings func(name string) Settings
	timeout  time.Duration

	mu     sync.Mutex
	guards map[string]*Guard
}

// NewRegistry builds guards with settings(name), or DefaultSettings when settings is nil.
func NewRegistry(timeout time.Duration, settings func(name string) Settings) *Registry {
	if settings == nil {
		settings = DefaultSettings
	}
	return &Registry{settings: settings, timeout: timeout, guards: map[string]*Guard{}}
}

func (r *Registry) Get(name string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[name]; ok {
		return g
	}
	s := r.settings(name)
	s.Name = name
	user := s.OnStateChange
	s.OnStateChange = func(name string, from, to State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		if user != nil {
			user(name, from, to)
		}
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	g := NewGuard(New(s), r.timeout)
	r.guards[name] = g
	return g
}

// States reports the current state of every guard created so far.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.guards))
	for name, g := range r.guards {
		out[name] = g.b.State()
	}
	return out
}
