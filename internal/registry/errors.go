package registry

import "errors"

// Admission errors. Callers match them with errors.Is; the returned error
// wraps the sentinel with the offending name or value.
var (
	ErrUnknownTask     = errors.New("unknown task")
	ErrDuplicateTask   = errors.New("task already registered")
	ErrInvalidName     = errors.New("invalid task name")
	ErrInvalidHandler  = errors.New("invalid task handler")
	ErrInvalidOptions  = errors.New("invalid job options")
	ErrInvalidCallback = errors.New("invalid job callback")
	ErrInvalidParams   = errors.New("invalid job params")
	ErrClosed          = errors.New("registry closed")
)
