package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var knownDrivers = map[string]bool{
	"": true, "none": true, "memory": true, "mem": true,
	"file": true, "sqlite": true, "sqlite3": true, "redis": true,
}

var knownLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// Validate checks values that can be checked without building anything.
// Schedule expressions are checked by the scheduler itself.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !knownLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	q := cfg.Queue
	if q.DefaultAttempts < 0 {
		add(errors.New("queue.default_attempts: must be >= 0"))
	}
	if q.RatePerSec < 0 {
		add(errors.New("queue.rate_per_sec: must be >= 0"))
	}
	if q.HistorySize < 0 {
		add(errors.New("queue.history_size: must be >= 0"))
	}
	_, err := ParseDurationField("queue.idle_interval", q.IdleInterval)
	add(err)
	for name, o := range q.Tasks {
		if o.RatePerSec != nil && *o.RatePerSec < 0 {
			add(fmt.Errorf("queue.tasks.%s.rate_per_sec: must be >= 0", name))
		}
	}

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		if !knownDrivers[driver] {
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		switch driver {
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path: required for driver %q", driver))
			}
		case "redis":
			if strings.TrimSpace(s.URL) == "" {
				add(errors.New("storage.url: required for driver \"redis\""))
			}
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
		_, err = ParseDurationField("storage.connect_timeout", s.ConnectTimeout)
		add(err)
	}

	for i, sc := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if strings.TrimSpace(sc.Name) == "" {
			add(fmt.Errorf("%s.name: required", path))
		}
		if strings.TrimSpace(sc.Task) == "" {
			add(fmt.Errorf("%s.task: required", path))
		}
		if sc.Attempts < 0 {
			add(fmt.Errorf("%s.attempts: must be >= 0", path))
		}
		_, err := ParseDurationField(path+".ttl", sc.TTL)
		add(err)
		_, err = ParseDurationField(path+".spacing", sc.Spacing)
		add(err)
	}

	d := cfg.Debug
	if d.Enabled {
		if !IsLoopbackAddr(d.Addr) && strings.TrimSpace(d.Token) == "" && !d.AllowInsecure {
			add(fmt.Errorf("debug.addr: %q is not loopback; set debug.token or debug.allow_insecure", d.Addr))
		}
		for _, f := range []struct{ path, raw string }{
			{"debug.read_timeout", d.ReadTimeout},
			{"debug.write_timeout", d.WriteTimeout},
			{"debug.idle_timeout", d.IdleTimeout},
		} {
			_, err := ParseDurationField(f.path, f.raw)
			add(err)
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a listen address only accepts local
// connections. An empty address means the default loopback one.
func IsLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
