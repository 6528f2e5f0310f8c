package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("50ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Queue     QueueConfig      `json:"queue"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	Debug     DebugConfig      `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"` // console as JSON lines
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig holds the defaults every task queue starts with.
//
// Defaults (when omitted/zero):
//   - default_attempts: 1
//   - idle_interval: "50ms"
//   - rate_per_sec: 0 (unpaced)
//   - history_size: 200
type QueueConfig struct {
	DefaultAttempts int     `json:"default_attempts,omitempty"`
	IdleInterval    string  `json:"idle_interval,omitempty"`
	RatePerSec      float64 `json:"rate_per_sec,omitempty"`
	HistorySize     int     `json:"history_size,omitempty"`
	Silent          bool    `json:"silent,omitempty"`
	PurgeOnDelete   bool    `json:"purge_on_delete,omitempty"`

	// Tasks overrides queue settings per task name.
	Tasks map[string]TaskOverride `json:"tasks,omitempty"`
}

type TaskOverride struct {
	Silent     *bool    `json:"silent,omitempty"`
	RatePerSec *float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects where queues are persisted. Omit the section (or use
// driver "none") to keep queues in memory only.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/queues.db" }
//	"storage": { "driver": "redis", "url": "redis://localhost:6379/0", "prefix": "taskqueue:" }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path,omitempty"`
	URL            string `json:"url,omitempty"` // may carry a password; never logged
	Prefix         string `json:"prefix,omitempty"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

// ScheduleConfig is one trigger that submits a job to Task.
type ScheduleConfig struct {
	Name     string `json:"name"`
	Task     string `json:"task"`
	Schedule string `json:"schedule"`
	Params   []any  `json:"params,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	Spacing  string `json:"spacing,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server (pprof and queue snapshots).
//
// Bind to loopback. A non-loopback address needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
