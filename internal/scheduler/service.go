package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskqueue/internal/job"
	logx "taskqueue/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// Enqueuer is the part of the registry the scheduler needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, j *job.Job) error
}

type Config struct {
	Timezone string // IANA name, empty means local time
}

// Def describes one trigger. Zero Attempts/TTL/Spacing leave the
// registry defaults in place.
type Def struct {
	Name     string
	Task     string
	Schedule string
	Params   job.Params
	Attempts int
	TTL      time.Duration
	Spacing  time.Duration
}

type entry struct {
	def     Def
	trigger Trigger
	id      cron.EntryID
	spread  time.Duration

	fires    atomic.Uint64
	failures atomic.Uint64
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	enq    Enqueuer
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	ctx    context.Context
	defs   map[string]*entry

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, enq Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		enq: enq,
		// Both 5-field and 6-field (with seconds) expressions are accepted.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ctx:      context.Background(),
		defs:     map[string]*entry{},
		lastWarn: map[string]time.Time{},
	}
}

// Validate parses every def without touching the running set.
func (s *Service) Validate(defs []Def) error {
	_, err := s.compile(defs)
	return err
}

func (s *Service) compile(defs []Def) (map[string]*entry, error) {
	out := make(map[string]*entry, len(defs))
	var errs []error
	for i, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		d.Task = strings.TrimSpace(d.Task)
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: name required", i))
			continue
		}
		if d.Task == "" {
			errs = append(errs, fmt.Errorf("schedule %q: task required", d.Name))
			continue
		}
		if _, dup := out[d.Name]; dup {
			errs = append(errs, fmt.Errorf("schedule %q: duplicate name", d.Name))
			continue
		}
		if d.Attempts < 0 || d.TTL < 0 || d.Spacing < 0 {
			errs = append(errs, fmt.Errorf("schedule %q: attempts, ttl and spacing must not be negative", d.Name))
			continue
		}
		t, err := ParseSchedule(d.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
			continue
		}
		if t.Kind == KindCron {
			if _, err := s.parser.Parse(t.Cron); err != nil {
				errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
				continue
			}
		}
		out[d.Name] = &entry{def: d, trigger: t}
	}
	return out, errors.Join(errs...)
}

// Apply replaces the trigger set. Nothing changes when any def is invalid.
func (s *Service) Apply(defs []Def) error {
	next, err := s.compile(defs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, e := range s.defs {
			if e.id != 0 {
				s.c.Remove(e.id)
			}
		}
	}
	s.defs = next
	if s.c != nil {
		for _, e := range s.defs {
			s.registerLocked(e)
		}
	}
	s.log.Info("schedules applied", logx.Int("count", len(next)))
	return nil
}

// SetTimezone changes the location used for cron expressions. A running
// scheduler is restarted so existing triggers pick it up.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(tz) == strings.TrimSpace(s.cfg.Timezone) {
		return
	}
	s.cfg.Timezone = tz
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
}

// Start begins firing triggers. ctx is passed to every EnqueueJob call.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if ctx != nil {
		s.ctx = ctx
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.defs {
		s.registerLocked(e)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops firing and waits for a running trigger to return, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.defs {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) registerLocked(e *entry) {
	run := cron.FuncJob(func() { s.fire(e) })
	if e.trigger.Kind == KindInterval {
		sched, jitter := intervalSchedule(e.trigger.Every, time.Now().In(s.loc), e.def.Name)
		e.spread = jitter
		e.id = s.c.Schedule(sched, run)
	} else {
		id, err := s.c.AddJob(e.trigger.Cron, run)
		if err != nil {
			// compile already parsed it; only a parser mismatch gets here.
			s.log.Error("schedule register failed", logx.String("schedule", e.def.Name), logx.Err(err))
			return
		}
		e.id = id
	}
	s.log.Debug("schedule registered",
		logx.String("schedule", e.def.Name),
		logx.String("task", e.def.Task),
		logx.String("spec", e.trigger.Spec()),
		logx.Duration("spread", e.spread),
	)
}

// RunNow fires the named trigger immediately, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown schedule %q", name)
	}
	return s.fire(e)
}

func (s *Service) fire(e *entry) error {
	e.fires.Add(1)
	d := e.def
	j := &job.Job{
		TaskName: d.Task,
		Params:   append(job.Params(nil), d.Params...),
		Options: &job.Options{
			Attempts:               d.Attempts,
			TTL:                    d.TTL,
			TimeoutBetweenAttempts: d.Spacing,
		},
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if s.enq == nil {
		return errors.New("scheduler has no enqueuer")
	}
	if err := s.enq.EnqueueJob(ctx, j); err != nil {
		e.failures.Add(1)
		s.reportEnqueueError(d.Name, err)
		return err
	}
	s.log.Debug("schedule fired", logx.String("schedule", d.Name), logx.String("task", d.Task))
	return nil
}

// reportEnqueueError logs at most once per schedule every few seconds.
func (s *Service) reportEnqueueError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("schedule failed to enqueue job", logx.String("schedule", name), logx.Err(err))
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

type ScheduleInfo struct {
	Name     string    `json:"name"`
	Task     string    `json:"task"`
	Spec     string    `json:"spec"`
	Kind     string    `json:"kind"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Fires    uint64    `json:"fires"`
	Failures uint64    `json:"failures"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := s.cfg.Timezone
	if s.loc != nil {
		tz = s.loc.String()
	}
	out := Snapshot{Running: s.c != nil, Timezone: tz, Schedules: make([]ScheduleInfo, 0, len(s.defs))}
	for _, e := range s.defs {
		it := ScheduleInfo{
			Name:     e.def.Name,
			Task:     e.def.Task,
			Spec:     e.trigger.Spec(),
			Kind:     e.trigger.Kind.String(),
			Fires:    e.fires.Load(),
			Failures: e.failures.Load(),
		}
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	sort.Slice(out.Schedules, func(i, j int) bool { return out.Schedules[i].Name < out.Schedules[j].Name })
	return out
}
