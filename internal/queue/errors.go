package queue

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("queue handler closed")

// NoRetry marks a handler error as permanent.
//
// The job's remaining attempts are dropped and it is classified as
// attempts-exceeded right away.
//
// Example:
//
//	return nil, queue.NoRetry(fmt.Errorf("bad recipient: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
