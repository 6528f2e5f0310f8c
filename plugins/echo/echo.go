// Package echo provides demo tasks: echo returns its params, fail never succeeds.
package echo

import (
	"context"
	"fmt"
	"strings"

	"taskqueue/internal/job"
	logx "taskqueue/pkg/logx"
)

type Task struct {
	log    logx.Logger
	prefix string
}

func New(log logx.Logger, prefix string) *Task {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Task{log: log.With(logx.String("task", "echo")), prefix: prefix}
}

func (t *Task) Name() string { return "echo" }

// Handle joins params into one line. Empty params produce "(empty)".
func (t *Task) Handle(_ context.Context, params job.Params) (any, error) {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, fmt.Sprint(p))
	}
	txt := strings.Join(parts, " ")
	if txt == "" {
		txt = "(empty)"
	}
	txt = t.prefix + txt
	t.log.Info("echo", logx.String("text", txt))
	return txt, nil
}
