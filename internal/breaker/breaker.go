// Package breaker implements a count based sliding window circuit breaker and
// a Guard that combines it with a per call timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrOpen    = errors.New("circuit breaker is open")
	ErrTimeout = errors.New("call timed out")
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Settings struct {
	Name string
	// WindowSize is the number of most recent calls the failure rate is computed over.
	WindowSize int
	// MinCalls is the number of recorded calls needed before the rate is evaluated.
	MinCalls int
	// FailureRate in percent at or above which the breaker opens.
	FailureRate float64
	// OpenTimeout is how long the breaker rejects calls before allowing trials.
	OpenTimeout time.Duration
	// HalfOpenCalls is the number of trial calls permitted in HALF_OPEN.
	HalfOpenCalls int
	// IsFailure decides which errors count against the dependency. nil means DefaultIsFailure.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

// DefaultSettings returns the thresholds used for every remote dependency.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:          name,
		WindowSize:    10,
		MinCalls:      5,
		FailureRate:   50,
		OpenTimeout:   time.Second,
		HalfOpenCalls: 3,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings(s.Name)
	if s.WindowSize <= 0 {
		s.WindowSize = d.WindowSize
	}
	if s.MinCalls <= 0 {
		s.MinCalls = d.MinCalls
	}
	if s.MinCalls > s.WindowSize {
		s.MinCalls = s.WindowSize
	}
	if s.FailureRate <= 0 {
		s.FailureRate = d.FailureRate
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = d.OpenTimeout
	}
	if s.HalfOpenCalls <= 0 {
		s.HalfOpenCalls = d.HalfOpenCalls
	}
	if s.IsFailure == nil {
		s.IsFailure = DefaultIsFailure
	}
	return s
}

// DefaultIsFailure counts every error except the caller's own cancellation.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Ignoring returns a failure predicate that also treats errs as successful calls.
// Use it for answers that prove the dependency is healthy, such as a 404.
func Ignoring(errs ...error) func(error) bool {
	return func(err error) bool {
		for _, e := range errs {
			if errors.Is(err, e) {
				return false
			}
		}
		return DefaultIsFailure(err)
	}
}

type Counts struct {
	Calls    int
	Failures int
}

// Breaker is safe for concurrent use. Outcomes reported for a call admitted in
// an earlier state generation are ignored.
type Breaker struct {
	s   Settings
	now func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	openedAt   time.Time

	// closed state ring buffer, true = failure
	window   []bool
	next     int
	filled   int
	failures int

	// half-open accounting
	admitted  int
	succeeded int
}

func New(s Settings) *Breaker {
	s = s.withDefaults()
	return &Breaker{
		s:      s,
		now:    time.Now,
		window: make([]bool, s.WindowSize),
	}
}

func (b *Breaker) Name() string { return b.s.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.now())
	return b.state
}

// Counts returns the closed state window contents.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{Calls: b.filled, Failures: b.failures}
}

// Allow admits a call or rejects it with ErrOpen. The returned done func must
// be called exactly once with the call's outcome.
func (b *Breaker) Allow() (done func(err error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.now())

	switch b.state {
	case StateOpen:
		return nil, fmt.Errorf("%s: %w", b.s.Name, ErrOpen)
	case StateHalfOpen:
		if b.admitted >= b.s.HalfOpenCalls {
			return nil, fmt.Errorf("%s: %w (half-open trials in flight)", b.s.Name, ErrOpen)
		}
		b.admitted++
	}

	gen := b.generation
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(gen, err) })
	}, nil
}

func (b *Breaker) record(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.refresh(now)
	if gen != b.generation {
		return
	}
	failed := b.s.IsFailure(err)

	switch b.state {
	case StateClosed:
		if b.filled == len(b.window) && b.window[b.next] {
			b.failures--
		}
		b.window[b.next] = failed
		b.next = (b.next + 1) % len(b.window)
		if b.filled < len(b.window) {
			b.filled++
		}
		if failed {
			b.failures++
		}
		if b.filled >= b.s.MinCalls && float64(b.failures)*100/float64(b.filled) >= b.s.FailureRate {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if failed {
			b.setState(StateOpen, now)
			return
		}
		b.succeeded++
		if b.succeeded >= b.s.HalfOpenCalls {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.s.OpenTimeout)) {
		b.setState(StateHalfOpen, now)
	}
}

func (b *Breaker) setState(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.admitted, b.succeeded = 0, 0
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		for i := range b.window {
			b.window[i] = false
		}
		b.next, b.filled, b.failures = 0, 0, 0
	}
	if b.s.OnStateChange != nil {
		b.s.OnStateChange(b.s.Name, from, to)
	}
}
