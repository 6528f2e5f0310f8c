package storage

import (
	"context"
	"errors"
	"time"

	"taskqueue/internal/job"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Store persists whole queues keyed by task name.
//
// Set replaces the record for name; Get returns ok=false when nothing was
// stored. Implementations must be safe for concurrent use across names.
type Store interface {
	Get(ctx context.Context, name string) (jobs []*job.Job, ok bool, err error)
	Set(ctx context.Context, name string, jobs []*job.Job) error
	Delete(ctx context.Context, name string) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (tests, ephemeral runs)
//   - "file": one JSON document per task under Path (a directory)
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis at URL, keys prefixed with Prefix
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string
	Path   string

	URL            string
	Prefix         string
	ConnectTimeout time.Duration
	RetryAttempts  int
	RetryInterval  time.Duration

	BusyTimeout time.Duration // sqlite only; 0 means default
}
