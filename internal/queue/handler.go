package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskqueue/internal/eventbus"
	"taskqueue/internal/job"
	"taskqueue/internal/storage"
	logx "taskqueue/pkg/logx"
)

// Handler owns one named FIFO queue and the loop that drains it.
//
// Only the loop started by Run executes jobs; Enqueue may be called from any
// goroutine.
type Handler struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	started func() bool
	limiter *rate.Limiter

	mu        sync.Mutex
	queue     []*job.Job
	version   uint64 // bumped on every queue mutation
	persisted uint64 // version last written to the store

	active    atomic.Bool
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	done      chan struct{}

	stats counters

	hmu     sync.Mutex
	history []HistoryItem
}

type counters struct {
	attempts         atomic.Uint64
	succeeded        atomic.Uint64
	failed           atomic.Uint64
	retried          atomic.Uint64
	deferred         atomic.Uint64
	ttlExceeded      atomic.Uint64
	attemptsExceeded atomic.Uint64
	callbackFailures atomic.Uint64
}

// New builds a handler and restores any persisted queue for cfg.Name.
// The handler is inactive until Start is called, and idle until Run is called.
func New(ctx context.Context, cfg Config, deps Deps) (*Handler, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("queue: name is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("queue: handler is required")
	}
	cfg = cfg.withDefaults()

	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		cfg:     cfg,
		log:     log.With(logx.String("task", cfg.Name)),
		bus:     deps.Bus,
		store:   deps.Store,
		started: deps.Started,
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.RatePerSec > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}

	if err := h.restore(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handler) Name() string { return h.cfg.Name }

// Start activates the loop. It is idempotent.
func (h *Handler) Start() {
	h.active.Store(true)
	h.notify()
}

// Stop pauses the loop after the in-flight attempt (if any). Queued jobs stay.
func (h *Handler) Stop() { h.active.Store(false) }

func (h *Handler) Active() bool { return h.active.Load() }

// Len returns the number of queued jobs.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Jobs returns copies of the queued jobs in order.
func (h *Handler) Jobs() []*job.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*job.Job, len(h.queue))
	for i, j := range h.queue {
		out[i] = j.Clone()
	}
	return out
}

// Enqueue appends j to the tail of the queue.
//
// The same path serves admission and retries; EnqueuedAt is never rewritten here.
func (h *Handler) Enqueue(j *job.Job) error {
	if j == nil {
		return errors.New("queue: nil job")
	}
	if h.isClosed() {
		return ErrClosed
	}
	h.enqueue(j)
	return nil
}

// enqueue is Enqueue without the closed check, so a retry that races Close
// is kept and picked up by the final persist.
func (h *Handler) enqueue(j *job.Job) {
	h.push(j)
	if !h.cfg.Silent {
		h.log.Info(msgEnqueued, logx.String("id", j.ID), logx.Any("job", j))
	}
	h.publish(eventbus.JobEnqueued, j, 0, nil)
}

func (h *Handler) push(j *job.Job) {
	h.requeue(j)
	h.notify()
}

// requeue appends j without waking the loop. The loop itself uses it for
// deferred jobs so its own backoff sleep is not cut short.
func (h *Handler) requeue(j *job.Job) {
	h.mu.Lock()
	h.queue = append(h.queue, j)
	h.version++
	h.mu.Unlock()
}

func (h *Handler) pop() *job.Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return nil
	}
	j := h.queue[0]
	h.queue[0] = nil
	h.queue = h.queue[1:]
	h.version++
	return j
}

func (h *Handler) notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handler) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// Close terminates the loop and, when purge is set, clears the persisted queue.
// It waits for an in-flight attempt to finish or ctx to expire.
func (h *Handler) Close(ctx context.Context, purge bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.Stop()
	h.closeOnce.Do(func() { close(h.closed) })

	if h.running.CompareAndSwap(false, true) {
		// Run never started; it will return immediately if called later.
		close(h.done)
		if !purge {
			h.finalPersist(ctx)
		}
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if purge && h.store != nil {
		if err := h.store.Delete(ctx, h.cfg.Name); err != nil {
			return fmt.Errorf("purge queue %q: %w", h.cfg.Name, err)
		}
	}
	return nil
}

// ---- persistence ----

func (h *Handler) restore(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	jobs, ok, err := h.store.Get(ctx, h.cfg.Name)
	if err != nil {
		return fmt.Errorf("restore queue %q: %w", h.cfg.Name, err)
	}
	if !ok {
		return nil
	}
	for _, j := range jobs {
		if j.TaskName == "" {
			j.TaskName = h.cfg.Name
		}
		if err := h.Enqueue(j); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.persisted = h.version
	h.mu.Unlock()
	if len(jobs) > 0 && !h.cfg.Silent {
		h.log.Info(msgRestored, logx.Int("jobs", len(jobs)))
	}
	return nil
}

// persist writes the queue when it changed since the last successful write.
func (h *Handler) persist(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	h.mu.Lock()
	if h.version == h.persisted {
		h.mu.Unlock()
		return nil
	}
	ver := h.version
	jobs := make([]*job.Job, len(h.queue))
	for i, j := range h.queue {
		jobs[i] = j.Clone()
	}
	h.mu.Unlock()

	if err := h.store.Set(ctx, h.cfg.Name, jobs); err != nil {
		return fmt.Errorf("persist queue %q: %w", h.cfg.Name, err)
	}
	h.mu.Lock()
	if ver > h.persisted {
		h.persisted = ver
	}
	h.mu.Unlock()
	return nil
}

// ---- events / history ----

func (h *Handler) publish(typ string, j *job.Job, dur time.Duration, err error) {
	if h.bus == nil {
		return
	}
	ev := JobEvent{ID: j.ID, Task: h.cfg.Name, Duration: dur}
	if j.Options != nil {
		ev.AttemptsLeft = j.Options.Attempts
	}
	if err != nil {
		ev.Error = err.Error()
	}
	h.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (h *Handler) record(item HistoryItem) {
	h.hmu.Lock()
	h.history = append(h.history, item)
	if len(h.history) > h.cfg.HistorySize {
		h.history = h.history[len(h.history)-h.cfg.HistorySize:]
	}
	h.hmu.Unlock()
}

func (h *Handler) Snapshot() Snapshot {
	h.hmu.Lock()
	hist := make([]HistoryItem, len(h.history))
	copy(hist, h.history)
	h.hmu.Unlock()

	return Snapshot{
		Name:             h.cfg.Name,
		Active:           h.Active(),
		Running:          h.running.Load() && !h.isClosed(),
		Silent:           h.cfg.Silent,
		Len:              h.Len(),
		Attempts:         h.stats.attempts.Load(),
		Succeeded:        h.stats.succeeded.Load(),
		Failed:           h.stats.failed.Load(),
		Retried:          h.stats.retried.Load(),
		Deferred:         h.stats.deferred.Load(),
		TTLExceeded:      h.stats.ttlExceeded.Load(),
		AttemptsExceeded: h.stats.attemptsExceeded.Load(),
		CallbackFailures: h.stats.callbackFailures.Load(),
		History:          hist,
	}
}
