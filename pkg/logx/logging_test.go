package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	// Must not panic.
	l.Info("hello", String("k", "v"))
	assert.False(t, l.With(String("a", "b")).IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))

	l.Warn("job failed", Int("attempts", 2), Err(errors.New("boom")), Duration("took", time.Second))

	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "job failed", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 2, m["attempts"])
	errVal := m["err"]
	if errVal == nil {
		errVal = m["error"]
	}
	assert.Equal(t, "boom", errVal)
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logging_test.go:"))
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.raw, LevelInfo), "raw=%q", tt.raw)
	}
}

func TestServiceApplySwapsLevel(t *testing.T) {
	var buf bytes.Buffer
	svc := &Service{stdout: &buf}
	svc.Apply(Config{Level: "warn", Console: true, JSON: true})
	log := svc.Logger().With(Component("queue"))

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	svc.Apply(Config{Level: "debug", Console: true, JSON: true})
	log.Debug("visible", Duration("dur", 1500*time.Millisecond))

	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	assert.Equal(t, "visible", m["message"])
	assert.Equal(t, "queue", m["comp"])
	assert.Equal(t, "1.5s", m["dur"])
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("to file", String("k", "v"))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"k":"v"`)
	assert.Contains(t, string(b), `"message":"to file"`)
}
