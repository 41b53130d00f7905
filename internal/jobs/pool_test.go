package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolRunsJobs(t *testing.T) {
	pool := New(Config{Workers: 2, QueueSize: 4}, nil)
	var ran atomic.Int32
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit("count", func(context.Context) error {
			ran.Add(1)
			done <- struct{}{}
			return nil
		}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not run")
		}
	}
	assert.Equal(t, int32(3), ran.Load())
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestSubmitReturnsQueueFull(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1}, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit("block", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, pool.Submit("queued", func(context.Context) error { return nil }))

	err := pool.Submit("overflow", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1}, nil)
	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, pool.Submit("wait", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	assert.True(t, cancelled.Load())

	err := pool.Submit("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestJobTimeout(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1, Timeout: 10 * time.Millisecond}, nil)
	result := make(chan error, 1)
	require.NoError(t, pool.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	}))
	select {
	case err := <-result:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(2 * time.Second):
		t.Fatal("job was not timed out")
	}
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 2}, nil)
	done := make(chan struct{})
	require.NoError(t, pool.Submit("panic", func(context.Context) error { panic("boom") }))
	require.NoError(t, pool.Submit("after", func(context.Context) error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, pool.Shutdown(context.Background()))
}
