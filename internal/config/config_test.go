package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
queue:
  default_attempts: 3
  idle_interval: 20ms
  rate_per_sec: 5
  tasks:
    echo:
      silent: true
storage:
  driver: sqlite
  path: ./data/queues.db
  busy_timeout: 2s
scheduler:
  enabled: true
  timezone: UTC
schedules:
  - name: ping
    task: echo
    schedule: "@every 1m"
    params: ["hello", 1]
    attempts: 2
    ttl: 30s
debug:
  enabled: true
  addr: 127.0.0.1:6060
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Queue.DefaultAttempts)
	assert.Equal(t, 5.0, cfg.Queue.RatePerSec)
	require.NotNil(t, cfg.Queue.Tasks["echo"].Silent)
	assert.True(t, *cfg.Queue.Tasks["echo"].Silent)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, []any{"hello", float64(1)}, cfg.Schedules[0].Params)
	assert.Same(t, cfg, m.Get())
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"logging":{"level":"info"},"telegram":{}}`))
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestLoadRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{} {}`))
	_, err := m.Load()
	require.Error(t, err)
}

func TestLoadRejectsSecondYAMLDocument(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yml", "logging:\n  level: info\n---\nlogging:\n  level: debug\n"))
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one yaml document")
}

func TestFormatSniffing(t *testing.T) {
	t.Parallel()
	cfg, err := decode("config", []byte(`{"queue":{"default_attempts":2}}`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Queue.DefaultAttempts)

	cfg, err = decode("config", []byte("queue:\n  default_attempts: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Queue.DefaultAttempts)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty is fine", cfg: Config{}},
		{name: "bad level", cfg: Config{Logging: LoggingConfig{Level: "loud"}}, wantErr: "logging.level"},
		{name: "negative attempts", cfg: Config{Queue: QueueConfig{DefaultAttempts: -1}}, wantErr: "queue.default_attempts"},
		{name: "bad idle", cfg: Config{Queue: QueueConfig{IdleInterval: "soon"}}, wantErr: "queue.idle_interval"},
		{name: "unknown driver", cfg: Config{Storage: &StorageConfig{Driver: "etcd"}}, wantErr: "storage.driver"},
		{name: "file without path", cfg: Config{Storage: &StorageConfig{Driver: "file"}}, wantErr: "storage.path"},
		{name: "redis without url", cfg: Config{Storage: &StorageConfig{Driver: "redis"}}, wantErr: "storage.url"},
		{name: "schedule without task", cfg: Config{Schedules: []ScheduleConfig{{Name: "x", Schedule: "1m"}}}, wantErr: "schedules[0].task"},
		{name: "negative ttl", cfg: Config{Schedules: []ScheduleConfig{{Name: "x", Task: "t", TTL: "-1s"}}}, wantErr: "schedules[0].ttl"},
		{name: "public debug without token", cfg: Config{Debug: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"}}, wantErr: "debug.addr"},
		{name: "public debug with token", cfg: Config{Debug: DebugConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: "s3cret"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLoopbackAddr(""))
	assert.True(t, IsLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, IsLoopbackAddr("localhost:6060"))
	assert.True(t, IsLoopbackAddr("[::1]:6060"))
	assert.False(t, IsLoopbackAddr(":6060"))
	assert.False(t, IsLoopbackAddr("10.0.0.5:6060"))
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationOrDefault("x", "", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, d)

	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Debug: DebugConfig{Enabled: true, Token: "a"}}
	newCfg := &Config{
		Debug:     DebugConfig{Enabled: true, Token: "b"},
		Schedules: []ScheduleConfig{{Name: "x", Task: "echo", Schedule: "1m"}},
		Storage:   &StorageConfig{Driver: "redis", URL: "redis://:pw@host:6379"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	// A token rotation alone does not count as a debug change.
	assert.Equal(t, []string{"schedules", "storage"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	rejected := make(chan struct{}, 1)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Queue.DefaultAttempts == 99 {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return assert.AnError
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))
	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"queue":{"default_attempts":99}}`), 0o600))
	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatal("validator not consulted")
	}
	assert.Equal(t, "debug", m.Get().Logging.Level)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return")
	}
}
