package app

import (
	"context"
	"fmt"
	"time"

	logx "taskqueue/pkg/logx"
)

const slowStep = 500 * time.Millisecond

// shutdown runs stop steps in order, each bounded so one stuck component
// cannot hold up the rest.
type shutdown struct {
	ctx context.Context
	log logx.Logger
}

// step runs fn with at most limit of the caller's remaining time. A step that
// overruns is abandoned and reported if it finishes later.
func (s shutdown) step(name string, limit time.Duration, fn func(context.Context) error) {
	if dl, ok := s.ctx.Deadline(); ok {
		limit = min(limit, max(time.Until(dl), 0))
	}
	ctx, cancel := context.WithTimeout(s.ctx, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		switch {
		case err != nil:
			s.log.Warn("stop step failed", logx.String("step", name), logx.Duration("took", took), logx.Err(err))
		case took >= slowStep:
			s.log.Info("stop step slow", logx.String("step", name), logx.Duration("took", took))
		default:
			s.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", took))
		}
	case <-ctx.Done():
		s.log.Warn("stop step abandoned", logx.String("step", name), logx.Duration("limit", limit))
		go func() {
			if err := <-done; err != nil {
				s.log.Warn("abandoned stop step finished", logx.String("step", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}
		}()
	}
}
