package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q := New(zerolog.Nop(), opts...)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueue_BasicEnqueue(t *testing.T) {
	q := newTestQueue(t)

	executed := false
	err := q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)
	assert.Empty(t, q.Stats())
}

func TestQueue_TaskError(t *testing.T) {
	q := newTestQueue(t)

	expected := errors.New("task failed")
	err := q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error {
		return expected
	})
	assert.ErrorIs(t, err, expected)
}

func TestQueue_TaskPanic(t *testing.T) {
	q := newTestQueue(t)

	err := q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error {
		panic("boom")
	})
	assert.ErrorContains(t, err, "boom")

	assert.NoError(t, q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error { return nil }))
}

func TestQueue_SerialFIFO(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error {
				n := running.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}(i)
		require.Eventually(t, func() bool {
			return q.Stats()["session-a"].Queued == i+1
		}, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestQueue_ConcurrentLanes(t *testing.T) {
	q := newTestQueue(t)

	barrier := make(chan struct{})
	var arrived atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := q.Enqueue(context.Background(), fmt.Sprintf("session-%d", i), func(ctx context.Context) error {
				if arrived.Add(1) == 3 {
					close(barrier)
				}
				select {
				case <-barrier:
					return nil
				case <-time.After(2 * time.Second):
					return errors.New("lanes did not run concurrently")
				}
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
}

func TestQueue_CancelWhileQueued(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(ctx, "session-a", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return q.Stats()["session-a"].Queued == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, q.Stats()["session-a"].Queued)

	close(release)
	assert.True(t, q.WaitForActive(time.Second))
	assert.False(t, ran.Load())
}

func TestQueue_CancelWhileRunning(t *testing.T) {
	q := newTestQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var finished atomic.Bool

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Enqueue(ctx, "session-a", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		})
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.True(t, finished.Load())
}

func TestQueue_Close(t *testing.T) {
	q := New(zerolog.Nop())

	started := make(chan struct{})
	running := make(chan error, 1)
	go func() {
		running <- q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	queued := make(chan error, 1)
	go func() {
		queued <- q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool { return q.Stats()["session-a"].Queued == 1 }, time.Second, time.Millisecond)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, <-queued, ErrClosed)
	assert.ErrorIs(t, <-running, context.Canceled)

	assert.ErrorIs(t, q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error { return nil }), ErrClosed)
	assert.NoError(t, q.Close())
}

func TestQueue_WarnAfter(t *testing.T) {
	q := newTestQueue(t, WithWarnAfter(10*time.Millisecond))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), "session-a", func(ctx context.Context) error { return nil })
	}()

	time.Sleep(30 * time.Millisecond)
	close(release)
	assert.NoError(t, <-done)
}
