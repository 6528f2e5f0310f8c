package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("store unavailable")

	s.Go("queue.send", func(ctx context.Context) error { return boom })
	s.Go0("queue.email", func(ctx context.Context) { <-ctx.Done() })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor context was not canceled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "queue.send")
}

func TestGoPanicRecorded(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.EqualValues(t, 1, snap.Goroutines[0].Panics)
	assert.Equal(t, "oops", snap.Goroutines[0].LastPanic)
	// Without cancel-on-error, the context stays alive.
	assert.NoError(t, s.Context().Err())
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("watcher", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.EqualValues(t, 3, runs.Load())
}

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var exited atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, exited.Load())
	assert.EqualValues(t, 0, s.Counters().Active)
}

func TestForgetDropsStatsAfterExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("queue:send", func(ctx context.Context) { <-release })
	s.Go0("queue:email", func(ctx context.Context) { <-ctx.Done() })

	require.Eventually(t, func() bool { return len(s.Snapshot().Goroutines) == 2 }, 2*time.Second, 5*time.Millisecond)
	s.Forget("queue:send")
	assert.Len(t, s.Snapshot().Goroutines, 2, "running goroutine stays listed")

	close(release)
	require.Eventually(t, func() bool { return len(s.Snapshot().Goroutines) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "queue:email", s.Snapshot().Goroutines[0].Name)

	s.Forget("missing")
	require.NoError(t, s.Stop(context.Background()))
}
