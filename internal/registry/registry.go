// Package registry binds task names to running queue handlers.
//
// A Registry is constructed explicitly and owned by the host process. It
// validates job admission, routes jobs to the matching queue, and broadcasts
// start/stop to every queue.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskqueue/internal/eventbus"
	"taskqueue/internal/job"
	"taskqueue/internal/queue"
	rtsup "taskqueue/internal/runtime/supervisor"
	"taskqueue/internal/storage"
	logx "taskqueue/pkg/logx"
)

// Config holds the defaults applied to every task added to the registry.
type Config struct {
	// DefaultAttempts is used when a job arrives without an attempts budget.
	// Values below 1 become 1.
	DefaultAttempts int

	IdleInterval time.Duration
	RatePerSec   float64
	HistorySize  int
	Silent       bool

	// PurgeOnDelete clears a task's persisted queue when it is deleted.
	PurgeOnDelete bool
}

// TaskOption overrides registry defaults for a single task.
type TaskOption func(*queue.Config)

func WithSilent(silent bool) TaskOption {
	return func(c *queue.Config) { c.Silent = silent }
}

func WithRatePerSec(r float64) TaskOption {
	return func(c *queue.Config) { c.RatePerSec = r }
}

func WithIdleInterval(d time.Duration) TaskOption {
	return func(c *queue.Config) { c.IdleInterval = d }
}

type Registry struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sup   *rtsup.Supervisor

	started atomic.Bool
	closed  atomic.Bool

	mu    sync.RWMutex
	tasks map[string]*queue.Handler
}

// Snapshot is a diagnostic view of the registry and its queues.
type Snapshot struct {
	Started    bool             `json:"started"`
	Tasks      []queue.Snapshot `json:"tasks"`
	Supervisor rtsup.Snapshot   `json:"supervisor"`
}

// New creates a stopped registry. Loops run under a supervisor derived from
// ctx; the first queue loop failure (a persistence error) cancels all of them
// and is reported by Err.
func New(ctx context.Context, cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Registry {
	if cfg.DefaultAttempts < 1 {
		cfg.DefaultAttempts = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		store: store,
		sup:   rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(true)),
		tasks: make(map[string]*queue.Handler),
	}
}

// AddTask registers fn under name and launches its queue loop. Any queue
// persisted for name is restored first. If the registry is started the new
// queue starts immediately.
func (r *Registry) AddTask(name string, fn queue.HandlerFunc, opts ...TaskOption) error {
	if err := r.alive(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if fn == nil {
		return fmt.Errorf("%w: %q has nil handler", ErrInvalidHandler, name)
	}
	if _, ok := r.Queue(name); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, name)
	}

	qcfg := queue.Config{
		Name:         name,
		Handler:      fn,
		Silent:       r.cfg.Silent,
		IdleInterval: r.cfg.IdleInterval,
		RatePerSec:   r.cfg.RatePerSec,
		HistorySize:  r.cfg.HistorySize,
	}
	for _, o := range opts {
		if o != nil {
			o(&qcfg)
		}
	}

	// Restoring reads the store, so it happens before the lock is taken.
	h, err := queue.New(r.sup.Context(), qcfg, queue.Deps{
		Log:     r.log,
		Bus:     r.bus,
		Store:   r.store,
		Started: r.started.Load,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	err = r.alive()
	if err == nil {
		if _, ok := r.tasks[name]; ok {
			err = fmt.Errorf("%w: %q", ErrDuplicateTask, name)
		}
	}
	if err != nil {
		r.mu.Unlock()
		// Nothing changed since restore, so closing writes nothing back.
		_ = h.Close(context.Background(), false)
		return err
	}
	r.tasks[name] = h
	r.sup.Go(loopName(name), h.Run)
	if r.started.Load() {
		h.Start()
	}
	r.mu.Unlock()

	r.log.Info("task added", logx.String("task", name), logx.Int("restored", h.Len()))
	r.publish(eventbus.TaskAdded, name)
	return nil
}

// DeleteTask stops and removes the queue for name. An in-flight attempt is
// allowed to finish (bounded by ctx).
func (r *Registry) DeleteTask(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	h, ok := r.tasks[name]
	if ok {
		delete(r.tasks, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}

	if err := h.Close(ctx, r.cfg.PurgeOnDelete); err != nil {
		return fmt.Errorf("delete task %q: %w", name, err)
	}
	r.sup.Forget(loopName(name))
	r.log.Info("task deleted", logx.String("task", name), logx.Bool("purged", r.cfg.PurgeOnDelete))
	r.publish(eventbus.TaskDeleted, name)
	return nil
}

// EnqueueJob validates j and hands a private copy of it to the queue for
// j.TaskName. The caller's value is never mutated, so callers that need to
// track a job set its ID themselves.
func (r *Registry) EnqueueJob(ctx context.Context, j *job.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.alive(); err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidOptions)
	}
	name := strings.TrimSpace(j.TaskName)
	r.mu.RLock()
	h, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, j.TaskName)
	}

	if err := validateOptions(j.Options); err != nil {
		return err
	}
	if j.RunSuccessCallbackWithHandlerResult && j.SuccessCallback == nil {
		return fmt.Errorf("%w: handler result requested without a success callback", ErrInvalidCallback)
	}

	cp := j.Clone()
	cp.TaskName = name
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Options == nil {
		cp.Options = &job.Options{}
	}
	if cp.Options.Attempts == 0 {
		cp.Options.Attempts = r.cfg.DefaultAttempts
	}
	cp.MarkEnqueued(time.Now())
	if r.store != nil {
		if err := storage.CheckEncodable(cp); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
	}

	if err := h.Enqueue(cp); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return fmt.Errorf("%w: %q", ErrUnknownTask, name)
		}
		return err
	}
	return nil
}

func validateOptions(o *job.Options) error {
	if o == nil {
		return nil
	}
	switch {
	case o.Attempts < 0:
		return fmt.Errorf("%w: attempts must be positive, got %d", ErrInvalidOptions, o.Attempts)
	case o.TTL < 0:
		return fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidOptions, o.TTL)
	case o.TimeoutBetweenAttempts < 0:
		return fmt.Errorf("%w: timeout between attempts must be positive, got %s", ErrInvalidOptions, o.TimeoutBetweenAttempts)
	}
	return nil
}

// Start opens the global gate and activates every queue. It is idempotent.
func (r *Registry) Start() {
	if r.closed.Load() {
		return
	}
	r.started.Store(true)
	for _, h := range r.handlers() {
		h.Start()
	}
	r.log.Debug("registry started")
}

// Stop pauses every queue. Jobs stay queued and in-flight attempts finish.
// It is idempotent.
func (r *Registry) Stop() {
	r.started.Store(false)
	for _, h := range r.handlers() {
		h.Stop()
	}
	r.log.Debug("registry stopped")
}

// alive returns ErrClosed once the registry is closed or its loops were
// cancelled, wrapping the fatal loop error when there is one.
func (r *Registry) alive() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.sup.Context().Err() == nil {
		return nil
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}

func (r *Registry) Started() bool { return r.started.Load() }

// Tasks returns registered task names, sorted.
func (r *Registry) Tasks() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Queue returns the handler for name.
func (r *Registry) Queue(name string) (*queue.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[name]
	return h, ok
}

func (r *Registry) Snapshot() Snapshot {
	hs := r.handlers()
	out := Snapshot{
		Started:    r.started.Load(),
		Tasks:      make([]queue.Snapshot, 0, len(hs)),
		Supervisor: r.sup.Snapshot(),
	}
	for _, h := range hs {
		out.Tasks = append(out.Tasks, h.Snapshot())
	}
	sort.Slice(out.Tasks, func(i, j int) bool { return out.Tasks[i].Name < out.Tasks[j].Name })
	return out
}

// Done is closed when the registry's loops have been cancelled, either by
// Close, by the parent context or by a fatal queue error.
func (r *Registry) Done() <-chan struct{} { return r.sup.Context().Done() }

// Err returns the first fatal queue error, if any.
func (r *Registry) Err() error { return r.sup.Err() }

// Close stops all queues, lets each persist its final state, and waits for
// the loops to exit or ctx to expire. Persisted queues are kept.
func (r *Registry) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.Stop()

	var errs []error
	for _, h := range r.handlers() {
		if err := h.Close(ctx, false); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", h.Name(), err))
		}
	}
	if err := r.sup.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) handlers() []*queue.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*queue.Handler, 0, len(r.tasks))
	for _, h := range r.tasks {
		out = append(out, h)
	}
	return out
}

func loopName(task string) string { return "queue:" + task }

func (r *Registry) publish(typ, name string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: name})
}
