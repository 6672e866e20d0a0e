package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(s Settings) (*Breaker, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(s)
	b.now = c.now
	return b, c
}

func call(t *testing.T, b *Breaker, err error) {
	t.Helper()
	done, aerr := b.Allow()
	require.NoError(t, aerr)
	done(err)
}

func TestBreaker_StaysClosedBelowMinCalls(t *testing.T) {
	b, _ := newTestBreaker(DefaultSettings("dep"))
	for i := 0; i < 4; i++ {
		call(t, b, errBoom)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{Calls: 4, Failures: 4}, b.Counts())
}

func TestBreaker_OpensAtFailureRate(t *testing.T) {
	var changes []string
	s := DefaultSettings("dep")
	s.OnStateChange = func(name string, from, to State) {
		changes = append(changes, fmt.Sprintf("%s:%s->%s", name, from, to))
	}
	b, _ := newTestBreaker(s)

	call(t, b, nil)
	call(t, b, nil)
	call(t, b, nil)
	call(t, b, errBoom)
	assert.Equal(t, StateClosed, b.State())
	// 2 of 5 = 40%
	call(t, b, errBoom)
	assert.Equal(t, StateClosed, b.State())
	// 3 of 6 = 50%
	call(t, b, errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []string{"dep:CLOSED->OPEN"}, changes)

	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_WindowSlides(t *testing.T) {
	b, _ := newTestBreaker(DefaultSettings("dep"))
	for i := 0; i < 4; i++ {
		call(t, b, errBoom)
	}
	for i := 0; i < 6; i++ {
		call(t, b, nil)
	}
	// 4 of 10 failed
	assert.Equal(t, StateClosed, b.State())
	for i := 0; i < 4; i++ {
		call(t, b, nil)
	}
	// oldest failures slid out
	assert.Equal(t, Counts{Calls: 10, Failures: 0}, b.Counts())
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b, c := newTestBreaker(DefaultSettings("dep"))
	for i := 0; i < 5; i++ {
		call(t, b, errBoom)
	}
	require.Equal(t, StateOpen, b.State())

	c.advance(999 * time.Millisecond)
	assert.Equal(t, StateOpen, b.State())
	c.advance(time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	var dones []func(error)
	for i := 0; i < 3; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		dones = append(dones, done)
	}
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen, "only three trials at a time")

	for _, d := range dones {
		d(nil)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker(DefaultSettings("dep"))
	for i := 0; i < 5; i++ {
		call(t, b, errBoom)
	}
	c.advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	call(t, b, nil)
	call(t, b, errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_IgnoresStaleOutcomes(t *testing.T) {
	b, c := newTestBreaker(DefaultSettings("dep"))
	slow, err := b.Allow()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		call(t, b, errBoom)
	}
	require.Equal(t, StateOpen, b.State())
	c.advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// admitted while CLOSED, reported during HALF_OPEN
	slow(errBoom)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_DoneIsIdempotent(t *testing.T) {
	b, _ := newTestBreaker(DefaultSettings("dep"))
	done, err := b.Allow()
	require.NoError(t, err)
	done(errBoom)
	done(errBoom)
	assert.Equal(t, Counts{Calls: 1, Failures: 1}, b.Counts())
}

func TestIgnoring(t *testing.T) {
	errNotFound := errors.New("not found")
	isFailure := Ignoring(errNotFound)

	assert.False(t, isFailure(nil))
	assert.False(t, isFailure(fmt.Errorf("wrapped: %w", errNotFound)))
	assert.False(t, isFailure(context.Canceled))
	assert.True(t, isFailure(errBoom))
	assert.True(t, isFailure(context.DeadlineExceeded))
}

func TestBreaker_BusinessErrorsDoNotOpen(t *testing.T) {
	errNotFound := errors.New("not found")
	s := DefaultSettings("dep")
	s.IsFailure = Ignoring(errNotFound)
	b, _ := newTestBreaker(s)
	for i := 0; i < 10; i++ {
		call(t, b, errNotFound)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Counts().Failures)
}
