package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Counters are process-lifetime totals.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every run under one name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastStopAt  time.Time `json:"last_stop_at,omitzero"`
	LastErr     string    `json:"last_err,omitempty"`
	LastPanic   string    `json:"last_panic,omitempty"`

	forgotten bool
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type statTable struct {
	mu sync.Mutex
	m  map[string]*GoroutineStats
}

func (t *statTable) update(name string, fn func(*GoroutineStats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = map[string]*GoroutineStats{}
	}
	st, ok := t.m[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		t.m[name] = st
	}
	fn(st)
}

func (t *statTable) begin(name string, restart bool) {
	t.update(name, func(st *GoroutineStats) {
		st.Started++
		st.Active++
		st.forgotten = false
		if restart {
			st.Restarts++
		}
		st.LastStartAt = time.Now()
	})
}

func (t *statTable) end(name string, err error) {
	t.update(name, func(st *GoroutineStats) {
		st.Active = max(st.Active-1, 0)
		st.LastStopAt = time.Now()
		if err != nil {
			st.LastErr = err.Error()
		}
	})
	t.mu.Lock()
	if st := t.m[name]; st != nil && st.forgotten && st.Active == 0 {
		delete(t.m, name)
	}
	t.mu.Unlock()
}

func (t *statTable) panicked(name string, p any) {
	t.update(name, func(st *GoroutineStats) {
		st.Panics++
		st.LastPanic = fmt.Sprint(p)
	})
}

// forget drops name now, or when its last goroutine exits.
func (t *statTable) forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.m[name]
	switch {
	case !ok:
	case st.Active > 0:
		st.forgotten = true
	default:
		delete(t.m, name)
	}
}

func (t *statTable) list() []GoroutineStats {
	t.mu.Lock()
	out := make([]GoroutineStats, 0, len(t.m))
	for _, st := range t.m {
		out = append(out, *st)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Forget removes the stats kept for name once its goroutines have exited, so
// snapshots stop listing deleted queues.
func (s *Supervisor) Forget(name string) { s.stats.forget(name) }

// Snapshot is for diagnostics, not synchronization.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters(), Goroutines: s.stats.list()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	return snap
}
