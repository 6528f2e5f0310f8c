package echo

import (
	"context"
	"fmt"

	"taskqueue/internal/job"
	"taskqueue/internal/queue"
	logx "taskqueue/pkg/logx"
)

// Fail always returns an error. A first param of "permanent" makes the
// error skip the remaining attempts.
type Fail struct {
	log logx.Logger
}

func NewFail(log logx.Logger) *Fail {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fail{log: log.With(logx.String("task", "fail"))}
}

func (f *Fail) Name() string { return "fail" }

func (f *Fail) Handle(_ context.Context, params job.Params) (any, error) {
	err := fmt.Errorf("fail: %v", []any(params))
	f.log.Debug("failing on purpose", logx.Any("params", params))
	if len(params) > 0 && params[0] == "permanent" {
		return nil, queue.NoRetry(err)
	}
	return nil, err
}
