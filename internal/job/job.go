package job

import (
	"context"
	"encoding/json"
	"time"
)

// Params are the positional arguments forwarded to the task handler and callbacks.
// The queue never inspects them.
//
// Persisted params come back the way encoding/json decodes them: numbers as
// float64, objects as map[string]any and arrays as []any. Handlers that may
// run restored jobs should accept those shapes.
type Params []any

// Callback receives either the original params or the handler result.
type Callback func(ctx context.Context, args ...any) error

// Options carries the retry/expiry policy and bookkeeping of a job.
//
// Zero durations mean "not configured": no TTL, no spacing.
type Options struct {
	// Attempts is the remaining retry budget. It only decreases.
	Attempts int

	// TTL bounds the job's age measured from EnqueuedAt.
	TTL time.Duration

	// EnqueuedAt is stamped once, at first admission.
	EnqueuedAt time.Time

	// LastProcessedAt is the time of the most recent attempt (or deferral stamp).
	LastProcessedAt time.Time

	// TimeoutBetweenAttempts is the minimum spacing between two attempts.
	TimeoutBetweenAttempts time.Duration
}

// Job is one submitted unit of work.
type Job struct {
	ID       string
	TaskName string
	Params   Params
	Options  *Options

	SuccessCallback Callback
	ErrorCallback   Callback

	// RunSuccessCallbackWithHandlerResult makes SuccessCallback receive the
	// handler's result instead of the original params.
	RunSuccessCallbackWithHandlerResult bool
}

// Clone returns a copy that shares no mutable state with j (callbacks are shared).
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Params != nil {
		cp.Params = append(Params(nil), j.Params...)
	}
	if j.Options != nil {
		o := *j.Options
		cp.Options = &o
	}
	return &cp
}

func (j *Job) opts() *Options {
	if j.Options == nil {
		j.Options = &Options{}
	}
	return j.Options
}

// HasAttempts reports whether any budget remains.
func (j *Job) HasAttempts() bool {
	return j.Options != nil && j.Options.Attempts > 0
}

// DecrementAttempts consumes one attempt, never going below zero.
func (j *Job) DecrementAttempts() {
	o := j.opts()
	if o.Attempts > 0 {
		o.Attempts--
	}
}

// ExhaustAttempts drops the remaining budget to zero.
func (j *Job) ExhaustAttempts() { j.opts().Attempts = 0 }

// WithinTTL reports whether the job may still be retried at now.
// Jobs without a TTL never expire on time.
func (j *Job) WithinTTL(now time.Time) bool {
	if j.Options == nil || j.Options.TTL <= 0 {
		return true
	}
	return j.Options.EnqueuedAt.Add(j.Options.TTL).After(now)
}

// Eligible reports whether the spacing constraint allows an attempt at now.
func (j *Job) Eligible(now time.Time) bool {
	if j.Options == nil || j.Options.TimeoutBetweenAttempts <= 0 {
		return true
	}
	return !now.Before(j.Options.LastProcessedAt.Add(j.Options.TimeoutBetweenAttempts))
}

// MarkEnqueued stamps EnqueuedAt unless it is already set.
func (j *Job) MarkEnqueued(now time.Time) {
	o := j.opts()
	if o.EnqueuedAt.IsZero() {
		o.EnqueuedAt = now
	}
}

// MarkDeferred stamps LastProcessedAt if the job has never been attempted.
func (j *Job) MarkDeferred(now time.Time) {
	o := j.opts()
	if o.LastProcessedAt.IsZero() {
		o.LastProcessedAt = now
	}
}

// MarkProcessed records an attempt start.
func (j *Job) MarkProcessed(now time.Time) { j.opts().LastProcessedAt = now }

// ---- JSON ----

// Persisted form. Durations and timestamps are integer milliseconds.
type wireOptions struct {
	Attempts                 int   `json:"attempts"`
	TTLMs                    int64 `json:"ttl_ms,omitempty"`
	EnqueuedAtMs             int64 `json:"enqueued_at_ms,omitempty"`
	LastProcessedAtMs        int64 `json:"last_processed_at_ms,omitempty"`
	TimeoutBetweenAttemptsMs int64 `json:"timeout_between_attempts_ms,omitempty"`
}

type wireJob struct {
	ID                string       `json:"id,omitempty"`
	TaskName          string       `json:"task_name"`
	Params            Params       `json:"params"`
	Options           *wireOptions `json:"options,omitempty"`
	RunWithHandlerRes bool         `json:"run_success_callback_with_handler_result,omitempty"`
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// MarshalJSON encodes the job without its callbacks.
func (j Job) MarshalJSON() ([]byte, error) {
	w := wireJob{
		ID:                j.ID,
		TaskName:          j.TaskName,
		Params:            j.Params,
		RunWithHandlerRes: j.RunSuccessCallbackWithHandlerResult,
	}
	if w.Params == nil {
		w.Params = Params{}
	}
	if o := j.Options; o != nil {
		w.Options = &wireOptions{
			Attempts:                 o.Attempts,
			TTLMs:                    o.TTL.Milliseconds(),
			EnqueuedAtMs:             unixMs(o.EnqueuedAt),
			LastProcessedAtMs:        unixMs(o.LastProcessedAt),
			TimeoutBetweenAttemptsMs: o.TimeoutBetweenAttempts.Milliseconds(),
		}
	}
	return json.Marshal(w)
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var w wireJob
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*j = Job{
		ID:                                  w.ID,
		TaskName:                            w.TaskName,
		Params:                              w.Params,
		RunSuccessCallbackWithHandlerResult: w.RunWithHandlerRes,
	}
	if o := w.Options; o != nil {
		j.Options = &Options{
			Attempts:               o.Attempts,
			TTL:                    time.Duration(o.TTLMs) * time.Millisecond,
			EnqueuedAt:             fromUnixMs(o.EnqueuedAtMs),
			LastProcessedAt:        fromUnixMs(o.LastProcessedAtMs),
			TimeoutBetweenAttempts: time.Duration(o.TimeoutBetweenAttemptsMs) * time.Millisecond,
		}
	}
	return nil
}
