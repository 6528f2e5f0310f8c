package app

import (
	"fmt"
	"strings"
	"time"

	"taskqueue/internal/config"
	"taskqueue/internal/job"
	"taskqueue/internal/observability/debug"
	"taskqueue/internal/registry"
	"taskqueue/internal/scheduler"
	"taskqueue/internal/storage"
	logx "taskqueue/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	connect, err := config.ParseDurationOrDefault("storage.connect_timeout", sc.ConnectTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:         driver,
		Path:           strings.TrimSpace(sc.Path),
		URL:            strings.TrimSpace(sc.URL),
		Prefix:         sc.Prefix,
		BusyTimeout:    busy,
		ConnectTimeout: connect,
	}, true, nil
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	q := cfg.Queue
	idle, err := config.ParseDurationField("queue.idle_interval", q.IdleInterval)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{
		DefaultAttempts: q.DefaultAttempts,
		IdleInterval:    idle,
		RatePerSec:      q.RatePerSec,
		HistorySize:     q.HistorySize,
		Silent:          q.Silent,
		PurgeOnDelete:   q.PurgeOnDelete,
	}, nil
}

// taskOptions turns the per-task overrides for name into registry options.
func taskOptions(cfg *config.Config, name string) []registry.TaskOption {
	o, ok := cfg.Queue.Tasks[name]
	if !ok {
		return nil
	}
	var out []registry.TaskOption
	if o.Silent != nil {
		out = append(out, registry.WithSilent(*o.Silent))
	}
	if o.RatePerSec != nil {
		out = append(out, registry.WithRatePerSec(*o.RatePerSec))
	}
	return out
}

func mapScheduleDefs(cfg *config.Config) ([]scheduler.Def, error) {
	defs := make([]scheduler.Def, 0, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		key := fmt.Sprintf("schedules[%d]", i)
		ttl, err := config.ParseDurationField(key+".ttl", s.TTL)
		if err != nil {
			return nil, err
		}
		spacing, err := config.ParseDurationField(key+".spacing", s.Spacing)
		if err != nil {
			return nil, err
		}
		defs = append(defs, scheduler.Def{
			Name:     s.Name,
			Task:     s.Task,
			Schedule: s.Schedule,
			Params:   job.Params(s.Params),
			Attempts: s.Attempts,
			TTL:      ttl,
			Spacing:  spacing,
		})
	}
	return defs, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	write, err := config.ParseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, 60*time.Second)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
