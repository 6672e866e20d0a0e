package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCall_PassesResult(t *testing.T) {
	g := NewGuard(New(DefaultSettings("dep")), time.Second)
	v, err := Call(context.Background(), g, func(ctx context.Context) (int, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "fn must see the guard deadline")
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, Counts{Calls: 1}, g.Breaker().Counts())
}

func TestCall_TimesOut(t *testing.T) {
	g := NewGuard(New(DefaultSettings("dep")), 20*time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := Call(context.Background(), g, func(ctx context.Context) (string, error) {
		<-release
		return "late", nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Counts{Calls: 1, Failures: 1}, g.Breaker().Counts())
}

func TestCall_CallerCancelIsNotAFailure(t *testing.T) {
	g := NewGuard(New(DefaultSettings("dep")), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, g, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, g.Breaker().Counts().Failures)
}

func TestCall_RecoversPanic(t *testing.T) {
	g := NewGuard(New(DefaultSettings("dep")), time.Second)
	_, err := Call(context.Background(), g, func(ctx context.Context) (int, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestCall_RejectsWhenOpen(t *testing.T) {
	g := NewGuard(New(DefaultSettings("dep")), time.Second)
	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), g, func(ctx context.Context) (int, error) { return 0, errBoom })
	}
	require.Equal(t, StateOpen, g.Breaker().State())

	called := false
	_, err := Call(context.Background(), g, func(ctx context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestRegistry_OneGuardPerName(t *testing.T) {
	r := NewRegistry(0, nil)
	a := r.Get("payment")
	assert.Same(t, a, r.Get("payment"))
	assert.NotSame(t, a, r.Get("inventory"))
	assert.Equal(t, DefaultTimeout, a.Timeout())
	assert.Equal(t, map[string]State{"payment": StateClosed, "inventory": StateClosed}, r.States())
}
