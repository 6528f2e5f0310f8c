package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/eventbus"
	"taskqueue/internal/job"
	"taskqueue/internal/storage"
	logx "taskqueue/pkg/logx"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

func newRegistry(t *testing.T, cfg Config, store storage.Store) *Registry {
	t.Helper()
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = 5 * time.Millisecond
	}
	r := New(context.Background(), cfg, logx.Nop(), eventbus.New(), store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func noop(context.Context, job.Params) (any, error) { return nil, nil }

func TestAddTaskValidation(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, nil)

	require.ErrorIs(t, r.AddTask("  ", noop), ErrInvalidName)
	require.ErrorIs(t, r.AddTask("send", nil), ErrInvalidHandler)
	require.NoError(t, r.AddTask("send", noop))
	require.ErrorIs(t, r.AddTask("send", noop), ErrDuplicateTask)
	assert.Equal(t, []string{"send"}, r.Tasks())
}

func TestEnqueueUnknownTaskCreatesNoQueue(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, nil)
	require.NoError(t, r.AddTask("send", noop))

	err := r.EnqueueJob(context.Background(), &job.Job{TaskName: "missing"})
	require.ErrorIs(t, err, ErrUnknownTask)
	assert.Equal(t, []string{"send"}, r.Tasks())
	_, ok := r.Queue("missing")
	assert.False(t, ok)
}

func TestEnqueueValidatesOptionsAndCallbacks(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, nil)
	require.NoError(t, r.AddTask("send", noop))
	ctx := context.Background()

	cases := []struct {
		name string
		job  *job.Job
		want error
	}{
		{"nil job", nil, ErrInvalidOptions},
		{"negative attempts", &job.Job{TaskName: "send", Options: &job.Options{Attempts: -1}}, ErrInvalidOptions},
		{"negative ttl", &job.Job{TaskName: "send", Options: &job.Options{TTL: -time.Second}}, ErrInvalidOptions},
		{"negative spacing", &job.Job{TaskName: "send", Options: &job.Options{TimeoutBetweenAttempts: -time.Second}}, ErrInvalidOptions},
		{"result flag without callback", &job.Job{TaskName: "send", RunSuccessCallbackWithHandlerResult: true}, ErrInvalidCallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, r.EnqueueJob(ctx, tc.job), tc.want)
		})
	}
	h, _ := r.Queue("send")
	assert.Zero(t, h.Len())
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{DefaultAttempts: 4}, nil)
	require.NoError(t, r.AddTask("send", noop))

	in := &job.Job{TaskName: "send", Params: job.Params{"x"}}
	before := time.Now()
	require.NoError(t, r.EnqueueJob(context.Background(), in))

	h, _ := r.Queue("send")
	jobs := h.Jobs()
	require.Len(t, jobs, 1)
	got := jobs[0]
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, 4, got.Options.Attempts)
	assert.Zero(t, got.Options.TTL)
	assert.False(t, got.Options.EnqueuedAt.Before(before))

	// The caller's job is untouched.
	assert.Empty(t, in.ID)
	assert.Nil(t, in.Options)
}

func TestEnqueueKeepsExistingEnqueuedAt(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, nil)
	require.NoError(t, r.AddTask("send", noop))

	stamp := time.Now().Add(-time.Hour)
	require.NoError(t, r.EnqueueJob(context.Background(), &job.Job{
		ID: "fixed", TaskName: "send", Options: &job.Options{Attempts: 2, EnqueuedAt: stamp},
	}))
	h, _ := r.Queue("send")
	got := h.Jobs()[0]
	assert.Equal(t, "fixed", got.ID)
	assert.True(t, got.Options.EnqueuedAt.Equal(stamp))
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	r := newRegistry(t, Config{}, nil)
	require.NoError(t, r.AddTask("send", func(context.Context, job.Params) (any, error) {
		calls.Add(1)
		return nil, nil
	}))

	r.Stop()
	r.Stop()
	r.Start()
	assert.True(t, r.Started())

	require.NoError(t, r.EnqueueJob(context.Background(), &job.Job{TaskName: "send"}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	r.Stop()
	require.NoError(t, r.EnqueueJob(context.Background(), &job.Job{TaskName: "send"}))
	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	h, _ := r.Queue("send")
	assert.Equal(t, 1, h.Len())

	r.Start()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, waitFor, tick)
}

func TestTaskAddedWhileStartedRunsImmediately(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, nil)
	r.Start()

	done := make(chan struct{})
	require.NoError(t, r.AddTask("late", func(context.Context, job.Params) (any, error) {
		close(done)
		return nil, nil
	}))
	require.NoError(t, r.EnqueueJob(context.Background(), &job.Job{TaskName: "late"}))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("job on late task never ran")
	}
}

func TestSendScenarioThroughRegistry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	r := newRegistry(t, Config{}, nil)
	require.NoError(t, r.AddTask("send", func(context.Context, job.Params) (any, error) {
		calls.Add(1)
		return nil, errors.New("smtp down")
	}))
	r.Start()

	got := make(chan []any, 2)
	require.NoError(t, r.EnqueueJob(context.Background(), &job.Job{
		TaskName: "send",
		Params:   job.Params{"alice", 42},
		Options:  &job.Options{Attempts: 3, TTL: 10 * time.Second},
		ErrorCallback: func(_ context.Context, args ...any) error {
			got <- args
			return nil
		},
	}))

	select {
	case args := <-got:
		assert.Equal(t, []any{"alice", 42}, args)
	case <-time.After(waitFor):
		t.Fatal("error callback not called")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, got, 0)
	assert.EqualValues(t, 3, calls.Load())
	h, _ := r.Queue("send")
	assert.Zero(t, h.Len())
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	r := newRegistry(t, Config{PurgeOnDelete: true}, st)
	ctx := context.Background()

	require.ErrorIs(t, r.DeleteTask(ctx, "nope"), ErrUnknownTask)

	require.NoError(t, r.AddTask("send", noop))
	require.NoError(t, r.EnqueueJob(ctx, &job.Job{TaskName: "send"}))
	require.Eventually(t, func() bool {
		_, ok, _ := st.Get(ctx, "send")
		return ok
	}, waitFor, tick)

	require.NoError(t, r.DeleteTask(ctx, "send"))
	assert.Empty(t, r.Tasks())
	_, ok, err := st.Get(ctx, "send")
	require.NoError(t, err)
	assert.False(t, ok)
	require.ErrorIs(t, r.EnqueueJob(ctx, &job.Job{TaskName: "send"}), ErrUnknownTask)

	require.Eventually(t, func() bool {
		return len(r.Snapshot().Supervisor.Goroutines) == 0
	}, waitFor, tick, "deleted queue loop still listed")

	// The name can be reused.
	require.NoError(t, r.AddTask("send", noop))
}

func TestRestoreAcrossRegistries(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()

	r1 := New(ctx, Config{IdleInterval: 5 * time.Millisecond}, logx.Nop(), nil, st)
	require.NoError(t, r1.AddTask("send", noop))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r1.EnqueueJob(ctx, &job.Job{ID: id, TaskName: "send", Options: &job.Options{Attempts: 1}}))
	}
	require.NoError(t, r1.Close(ctx))

	r2 := newRegistry(t, Config{}, st)
	require.NoError(t, r2.AddTask("send", noop))
	h, _ := r2.Queue("send")
	jobs := h.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "b", jobs[1].ID)
	assert.Equal(t, "c", jobs[2].ID)
}

type failingStore struct{ storage.Store }

func (failingStore) Get(context.Context, string) ([]*job.Job, bool, error) { return nil, false, nil }
func (failingStore) Set(context.Context, string, []*job.Job) error        { return errors.New("read-only fs") }
func (failingStore) Delete(context.Context, string) error                 { return nil }

func TestPersistFailureSurfacesThroughDone(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, failingStore{})
	require.NoError(t, r.AddTask("send", noop))
	require.NoError(t, r.EnqueueJob(context.Background(), &job.Job{TaskName: "send"}))

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("registry did not stop after persist failure")
	}
	require.Error(t, r.Err())
	assert.Contains(t, r.Err().Error(), "read-only fs")

	// A dead registry refuses work instead of queueing it on stopped loops.
	err := r.EnqueueJob(context.Background(), &job.Job{TaskName: "send"})
	require.ErrorIs(t, err, ErrClosed)
	assert.Contains(t, err.Error(), "read-only fs")
	require.ErrorIs(t, r.AddTask("other", noop), ErrClosed)
	h, _ := r.Queue("send")
	assert.Equal(t, 1, h.Len())
}

func TestUnencodableParamsRejectedAtAdmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRegistry(t, Config{}, storage.NewMemory())
	require.NoError(t, r.AddTask("a", noop))
	require.NoError(t, r.AddTask("b", noop))

	err := r.EnqueueJob(ctx, &job.Job{TaskName: "a", Params: job.Params{make(chan int)}})
	require.ErrorIs(t, err, ErrInvalidParams)
	h, _ := r.Queue("a")
	assert.Zero(t, h.Len())

	var done atomic.Int32
	require.NoError(t, r.AddTask("c", func(context.Context, job.Params) (any, error) {
		done.Add(1)
		return nil, nil
	}))
	r.Start()
	require.NoError(t, r.EnqueueJob(ctx, &job.Job{TaskName: "c"}))
	require.Eventually(t, func() bool { return done.Load() == 1 }, waitFor, tick)
	require.NoError(t, r.Err())

	// Without a store nothing is encoded, so any value is accepted.
	mem := newRegistry(t, Config{}, nil)
	require.NoError(t, mem.AddTask("a", noop))
	require.NoError(t, mem.EnqueueJob(ctx, &job.Job{TaskName: "a", Params: job.Params{make(chan int)}}))
}

type slowRestoreStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
}

func (s *slowRestoreStore) Get(ctx context.Context, name string) ([]*job.Job, bool, error) {
	if name == "slow" {
		close(s.entered)
		<-s.release
	}
	return s.Store.Get(ctx, name)
}

func TestRestoreDoesNotBlockOtherTasks(t *testing.T) {
	t.Parallel()
	st := &slowRestoreStore{Store: storage.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	r := newRegistry(t, Config{}, st)
	require.NoError(t, r.AddTask("fast", noop))

	added := make(chan error, 1)
	go func() { added <- r.AddTask("slow", noop) }()
	<-st.entered

	enqueued := make(chan error, 1)
	go func() { enqueued <- r.EnqueueJob(context.Background(), &job.Job{TaskName: "fast"}) }()
	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(waitFor):
		close(st.release)
		t.Fatal("enqueue blocked behind a restore")
	}
	assert.Len(t, r.Snapshot().Tasks, 1)

	close(st.release)
	require.NoError(t, <-added)
	assert.Equal(t, []string{"fast", "slow"}, r.Tasks())
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, nil)
	require.NoError(t, r.AddTask("b", noop))
	require.NoError(t, r.AddTask("a", noop, WithSilent(true)))

	snap := r.Snapshot()
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, "a", snap.Tasks[0].Name)
	assert.True(t, snap.Tasks[0].Silent)
	assert.Equal(t, "b", snap.Tasks[1].Name)
	assert.False(t, snap.Started)
}

func TestClosedRegistryRejectsTasks(t *testing.T) {
	t.Parallel()
	r := New(context.Background(), Config{}, logx.Nop(), nil, nil)
	require.NoError(t, r.Close(context.Background()))
	require.ErrorIs(t, r.AddTask("x", noop), ErrClosed)
	require.NoError(t, r.Close(context.Background()))
}
