package queue

import (
	"context"
	"time"

	"taskqueue/internal/eventbus"
	"taskqueue/internal/job"
	"taskqueue/internal/storage"
	logx "taskqueue/pkg/logx"
)

// HandlerFunc does the work of a task. It receives the job's params in order.
// A returned error (or a panic) counts as a failed attempt. With a store
// configured, jobs restored after a restart carry JSON-decoded params (see
// job.Params).
type HandlerFunc func(ctx context.Context, params job.Params) (any, error)

// Config controls one queue handler.
type Config struct {
	Name    string
	Handler HandlerFunc

	// Silent suppresses all job lifecycle logging (events are still published).
	Silent bool

	// IdleInterval is how long the loop sleeps when there is nothing to do.
	// Enqueue and Start wake it early. Default 50ms.
	IdleInterval time.Duration

	// RatePerSec caps attempts per second for this queue. 0 disables pacing.
	RatePerSec float64

	// HistorySize bounds the attempt history ring. Default 200.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.IdleInterval <= 0 {
		c.IdleInterval = 50 * time.Millisecond
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Deps are the collaborators of a handler. All are optional.
type Deps struct {
	Log   logx.Logger
	Bus   eventbus.Bus
	Store storage.Store

	// Started reports the process-wide start flag. nil means always started.
	Started func() bool
}

// Outcome classifies one attempt (or deferral) for history and events.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeRetried          Outcome = "retried"
	OutcomeTTLExceeded      Outcome = "ttl_exceeded"
	OutcomeAttemptsExceeded Outcome = "attempts_exceeded"
)

// JobEvent is the Data of every job.* event on the bus.
type JobEvent struct {
	ID           string        `json:"id"`
	Task         string        `json:"task"`
	AttemptsLeft int           `json:"attempts_left"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type HistoryItem struct {
	ID           string        `json:"id"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	Outcome      Outcome       `json:"outcome"`
	AttemptsLeft int           `json:"attempts_left"`
	Error        string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	Running bool   `json:"running"`
	Silent  bool   `json:"silent"`
	Len     int    `json:"len"`

	Attempts         uint64 `json:"attempts"`
	Succeeded        uint64 `json:"succeeded"`
	Failed           uint64 `json:"failed"`
	Retried          uint64 `json:"retried"`
	Deferred         uint64 `json:"deferred"`
	TTLExceeded      uint64 `json:"ttl_exceeded"`
	AttemptsExceeded uint64 `json:"attempts_exceeded"`
	CallbackFailures uint64 `json:"callback_failures"`

	History []HistoryItem `json:"history"`
}
