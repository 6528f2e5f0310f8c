// Package app wires configuration, storage, the task registry, the
// scheduler and diagnostics into one process.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/eventbus"
	"taskqueue/internal/job"
	"taskqueue/internal/observability/debug"
	"taskqueue/internal/queue"
	"taskqueue/internal/registry"
	rtsup "taskqueue/internal/runtime/supervisor"
	"taskqueue/internal/scheduler"
	"taskqueue/internal/storage"
	logx "taskqueue/pkg/logx"
)

// Task is a named handler registered at startup.
type Task interface {
	Name() string
	Handle(ctx context.Context, params job.Params) (any, error)
}

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg   *registry.Registry
	sched *scheduler.Service
	debug *debug.Server

	schedEnabled bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.Component("app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.Component("storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	rcfg, err := mapRegistryConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New(context.Background(), rcfg, log.With(logx.Component("registry")), bus, store)
	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, reg, log.With(logx.Component("scheduler")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		root:    log,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		sched:   sched,
		debug:   debug.New(dcfg, log),
	}, nil
}

// Register adds tasks to the registry, applying any per-task overrides from
// the config. Persisted queues for the tasks are restored.
func (a *App) Register(tasks ...Task) error {
	cfg := a.cfgm.Get()
	for _, t := range tasks {
		if t == nil {
			continue
		}
		var fn queue.HandlerFunc = t.Handle
		if err := a.reg.AddTask(t.Name(), fn, taskOptions(cfg, t.Name())...); err != nil {
			return fmt.Errorf("register task %q: %w", t.Name(), err)
		}
	}
	return nil
}

func (a *App) Registry() *registry.Registry { return a.reg }

// Logger is the root logger; tasks derive theirs from it.
func (a *App) Logger() logx.Logger { return a.root }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(a.validate)

	defs, err := mapScheduleDefs(cfg)
	if err != nil {
		return err
	}
	if err := a.sched.Apply(defs); err != nil {
		return err
	}
	a.warnUnknownTasks(defs)

	a.reg.Start()

	// A persistence failure stops every queue; surface it as an app failure.
	a.sup.Go("registry.watch", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-a.reg.Done():
			if err := a.reg.Err(); err != nil {
				return err
			}
			return nil
		}
	})

	if cfg.Scheduler.Enabled {
		a.sched.Start(a.sup.Context())
		a.schedEnabled = true
	}

	a.debug.Handle("/queues", func() any { return a.reg.Snapshot() })
	a.debug.Handle("/schedules", func() any { return a.sched.Snapshot() })
	a.debug.Handle("/eventbus", func() any { return map[string]uint64{"dropped": eventbus.Dropped(a.bus)} })
	a.debug.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Debug level; queues already log the interesting transitions.
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifyReady(a.log)
	if interval := watchdogInterval(); interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) { runWatchdog(c, interval, a.log) })
	}

	a.log.Info("app started", logx.Int("tasks", len(a.reg.Tasks())), logx.Int("schedules", len(defs)))
	return nil
}

// validate runs before a reloaded config is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapRegistryConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	defs, err := mapScheduleDefs(cfg)
	if err != nil {
		return err
	}
	return a.sched.Validate(defs)
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
	}

	a.logs.Apply(mapLogConfig(newCfg))

	for _, s := range []string{"queue", "storage"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if defs, err := mapScheduleDefs(newCfg); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(defs); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	} else {
		a.warnUnknownTasks(defs)
	}
	a.sched.SetTimezone(newCfg.Scheduler.Timezone)

	switch {
	case a.schedEnabled && !newCfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		a.schedEnabled = false
	case !a.schedEnabled && newCfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
		a.schedEnabled = true
	}

	if dcfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
	}

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

func (a *App) warnUnknownTasks(defs []scheduler.Def) {
	known := a.reg.Tasks()
	for _, d := range defs {
		if !slices.Contains(known, strings.TrimSpace(d.Task)) {
			a.log.Warn("schedule targets an unregistered task", logx.String("schedule", d.Name), logx.String("task", d.Task))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	a.sup.Cancel()

	sd := shutdown{ctx: ctx, log: a.log}
	sd.step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	sd.step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// Queues persist their final state here, so storage closes after.
	sd.step("registry", 5*time.Second, func(c context.Context) error { return a.reg.Close(c) })
	sd.step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	sd.step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
