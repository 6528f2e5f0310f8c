// Package system provides a task that samples process runtime stats.
package system

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"taskqueue/internal/job"
	logx "taskqueue/pkg/logx"
)

type Task struct {
	log logx.Logger
}

func New(log logx.Logger) *Task {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Task{log: log.With(logx.String("task", "sysinfo"))}
}

func (t *Task) Name() string { return "sysinfo" }

type Info struct {
	Go         string `json:"go"`
	Module     string `json:"module"`
	Goroutines int    `json:"goroutines"`
	MemAlloc   string `json:"mem_alloc"`
	MemSys     string `json:"mem_sys"`
}

// Handle ignores params and returns an Info.
func (t *Task) Handle(context.Context, job.Params) (any, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mod := ""
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		mod = bi.Main.Path + " " + bi.Main.Version
	}
	info := Info{
		Go:         runtime.Version(),
		Module:     mod,
		Goroutines: runtime.NumGoroutine(),
		MemAlloc:   fmtBytes(m.Alloc),
		MemSys:     fmtBytes(m.Sys),
	}
	t.log.Info("sysinfo",
		logx.Int("goroutines", info.Goroutines),
		logx.String("mem_alloc", info.MemAlloc),
		logx.String("mem_sys", info.MemSys),
	)
	return info, nil
}

func fmtBytes(n uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case n >= GB:
		return fmt.Sprintf("%.1fGB", float64(n)/GB)
	case n >= MB:
		return fmt.Sprintf("%.1fMB", float64(n)/MB)
	case n >= KB:
		return fmt.Sprintf("%.1fKB", float64(n)/KB)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
