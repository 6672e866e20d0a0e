package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_ResolvedAndFailed(t *testing.T) {
	v, err := Resolved(7).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := errors.New("boom")
	_, err = Failed[int](boom).Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFuture_AwaitTimeout(t *testing.T) {
	f := newFuture[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the task may still finish after the caller gave up
	f.resolve("late", nil)
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestFuture_Then(t *testing.T) {
	got := make(chan int, 1)
	Resolved(3).Then(func(v int, err error) {
		assert.NoError(t, err)
		got <- v
	})
	select {
	case v := <-got:
		assert.Equal(t, 3, v)
	case <-time.After(time.Second):
		t.Fatal("Then callback not run")
	}
}

func TestPool_RunsAndDetachesFromCaller(t *testing.T) {
	p := NewPool(2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	f := Submit(p, ctx, func(ctx context.Context) (int, error) {
		time.Sleep(20 * time.Millisecond)
		return 1, ctx.Err()
	})
	cancel()

	v, err := f.Await(context.Background())
	require.NoError(t, err, "task context must not inherit caller cancellation")
	assert.Equal(t, 1, v)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2, 10)
	var running, peak int32
	var fs []*Future[struct{}]
	for i := 0; i < 8; i++ {
		fs = append(fs, Submit(p, context.Background(), func(ctx context.Context) (struct{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return struct{}{}, nil
		}))
	}
	for _, f := range fs {
		_, err := f.Await(context.Background())
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPool_Saturated(t *testing.T) {
	p := NewPool(1, 1)
	release := make(chan struct{})
	block := func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	}
	a := Submit(p, context.Background(), block)
	b := Submit(p, context.Background(), block)

	_, err := Submit(p, context.Background(), block).Await(context.Background())
	assert.ErrorIs(t, err, ErrSaturated)

	close(release)
	_, err = a.Await(context.Background())
	require.NoError(t, err)
	_, err = b.Await(context.Background())
	require.NoError(t, err)
}

func TestPool_PanicBecomesError(t *testing.T) {
	p := NewPool(1, 0)
	_, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
		panic("bad")
	}).Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestPool_Close(t *testing.T) {
	p := NewPool(1, 0)
	f := Submit(p, context.Background(), func(ctx context.Context) (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 5, nil
	})
	require.NoError(t, p.Close(context.Background()))
	select {
	case <-f.Done():
	default:
		t.Fatal("Close returned before running task finished")
	}

	_, err := Submit(p, context.Background(), func(ctx context.Context) (int, error) { return 0, nil }).
		Await(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
