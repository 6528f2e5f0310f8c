package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskqueue/internal/eventbus"
	"taskqueue/internal/job"
	logx "taskqueue/pkg/logx"
)

type step int

const (
	stepIdle step = iota
	stepAttempted
	stepDeferred
)

const finalPersistTimeout = 5 * time.Second

// Run drives the queue until ctx is cancelled or the handler is closed.
//
// It returns nil after Close, ctx.Err() on cancellation, and a wrapped store
// error when persisting fails. Run must be called at most once.
func (h *Handler) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		if h.isClosed() {
			return nil
		}
		return errors.New("queue: Run called twice")
	}
	defer close(h.done)

	var (
		streak  int           // consecutive deferrals
		nearest time.Duration // shortest spacing wait seen during the streak
	)
	for {
		if err := ctx.Err(); err != nil {
			h.finalPersist(ctx)
			return err
		}
		if h.isClosed() {
			h.finalPersist(ctx)
			return nil
		}

		res, wait := stepIdle, time.Duration(0)
		if h.isStarted() && h.active.Load() {
			res, wait = h.tick(ctx)
		}

		if err := h.persist(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Error("persist failed", logx.Err(err))
			return err
		}

		switch res {
		case stepAttempted:
			streak, nearest = 0, 0
			h.pace(ctx)
		case stepDeferred:
			streak++
			if nearest == 0 || wait < nearest {
				nearest = wait
			}
			if streak >= h.Len() {
				d := h.cfg.IdleInterval
				if nearest > 0 && nearest < d {
					d = nearest
				}
				streak, nearest = 0, 0
				h.sleep(ctx, d)
			}
		default:
			streak, nearest = 0, 0
			h.sleep(ctx, h.cfg.IdleInterval)
		}
	}
}

func (h *Handler) isStarted() bool {
	return h.started == nil || h.started()
}

// tick processes at most one job.
func (h *Handler) tick(ctx context.Context) (step, time.Duration) {
	j := h.pop()
	if j == nil {
		return stepIdle, 0
	}
	now := time.Now()
	if !j.Eligible(now) {
		return stepDeferred, h.deferJob(j, now)
	}
	h.attempt(ctx, j, now)
	return stepAttempted, 0
}

// deferJob moves a job that is still inside its spacing window to the tail.
// It returns how long until the job becomes eligible.
func (h *Handler) deferJob(j *job.Job, now time.Time) time.Duration {
	j.MarkDeferred(now)
	h.requeue(j)
	h.stats.deferred.Add(1)
	if !h.cfg.Silent {
		h.log.Debug(msgDeferred, logx.String("id", j.ID))
	}
	h.publish(eventbus.JobDeferred, j, 0, nil)

	o := j.Options
	return o.LastProcessedAt.Add(o.TimeoutBetweenAttempts).Sub(now)
}

func (h *Handler) attempt(ctx context.Context, j *job.Job, start time.Time) {
	j.MarkProcessed(start)
	h.stats.attempts.Add(1)

	res, err := h.call(ctx, j)
	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Started: start, Duration: dur}

	if err == nil {
		h.stats.succeeded.Add(1)
		item.Outcome = OutcomeSucceeded
		item.AttemptsLeft = attemptsLeft(j)
		h.record(item)
		if !h.cfg.Silent {
			h.log.Info(msgSucceeded, logx.String("id", j.ID), logx.Duration("dur", dur), logx.Any("job", j))
		}
		h.publish(eventbus.JobSucceeded, j, dur, nil)

		args := []any(j.Params)
		if j.RunSuccessCallbackWithHandlerResult {
			args = []any{res}
		}
		h.runCallback(ctx, j, j.SuccessCallback, args, msgSuccessCallbackFailed)
		return
	}

	h.stats.failed.Add(1)
	if IsNoRetry(err) {
		j.ExhaustAttempts()
	} else {
		j.DecrementAttempts()
	}
	item.Error = err.Error()
	item.AttemptsLeft = attemptsLeft(j)
	if !h.cfg.Silent {
		h.log.Warn(msgFailed, logx.String("id", j.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts_left", item.AttemptsLeft))
	}
	h.publish(eventbus.JobFailed, j, dur, err)

	now := time.Now()
	if j.HasAttempts() && j.WithinTTL(now) {
		item.Outcome = OutcomeRetried
		h.record(item)
		h.stats.retried.Add(1)
		h.publish(eventbus.JobRetried, j, dur, err)
		h.enqueue(j)
		return
	}

	// Attempts left over means the TTL is what stopped the job.
	if j.HasAttempts() {
		item.Outcome = OutcomeTTLExceeded
		h.stats.ttlExceeded.Add(1)
		if !h.cfg.Silent {
			h.log.Warn(msgTTLExceeded, logx.String("id", j.ID), logx.Any("job", j))
		}
		h.publish(eventbus.JobTTLExceeded, j, dur, err)
	} else {
		item.Outcome = OutcomeAttemptsExceeded
		h.stats.attemptsExceeded.Add(1)
		if !h.cfg.Silent {
			h.log.Warn(msgAttemptsExceeded, logx.String("id", j.ID), logx.Any("job", j))
		}
		h.publish(eventbus.JobAttemptsExceeded, j, dur, err)
	}
	h.record(item)
	h.runCallback(ctx, j, j.ErrorCallback, []any(j.Params), msgErrorCallbackFailed)
}

// call runs the task function, turning a panic into an error.
func (h *Handler) call(ctx context.Context, j *job.Job) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			if !h.cfg.Silent {
				h.log.Error(msgHandlerPanic, logx.String("id", j.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}
	}()
	return h.cfg.Handler(ctx, j.Params)
}

// runCallback never lets a callback failure reach the loop.
func (h *Handler) runCallback(ctx context.Context, j *job.Job, cb job.Callback, args []any, msg string) {
	if cb == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return cb(ctx, args...)
	}()
	if err == nil {
		return
	}
	h.stats.callbackFailures.Add(1)
	if !h.cfg.Silent {
		h.log.Error(msg, logx.String("id", j.ID), logx.Err(err))
	}
	h.publish(eventbus.JobCallbackFailed, j, 0, err)
}

// pace blocks until the rate limiter admits the next attempt.
func (h *Handler) pace(ctx context.Context) {
	if h.limiter == nil {
		return
	}
	r := h.limiter.Reserve()
	d := r.Delay()
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
	case <-h.closed:
		r.Cancel()
	case <-t.C:
	}
}

// sleep waits for d, a wake signal, Close or ctx, whichever comes first.
func (h *Handler) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-h.closed:
	case <-h.wake:
	case <-t.C:
	}
}

func (h *Handler) finalPersist(ctx context.Context) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalPersistTimeout)
	defer cancel()
	if err := h.persist(pctx); err != nil {
		h.log.Error("final persist failed", logx.Err(err))
	}
}

func attemptsLeft(j *job.Job) int {
	if j.Options == nil {
		return 0
	}
	return j.Options.Attempts
}
