package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level string

	// Console writes to stdout. JSON switches it from the human-readable
	// format to one JSON object per line (for journald and log shippers).
	Console bool
	JSON    bool

	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "./taskqueue.log"

// Service owns the log sinks and swaps them on Apply. Loggers derived from it
// pick up the change on their next call.
type Service struct {
	mu   sync.Mutex
	file *os.File
	root atomic.Pointer[zerolog.Logger]

	stdout io.Writer
}

// New builds a Service from cfg and returns it with a root Logger.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{stdout: os.Stdout}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return nop
}

// Apply rebuilds the sinks. With neither console nor file enabled, output
// still goes to the console so nothing is silently lost.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := openLogFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Console || len(sinks) == 0 {
		sinks = append(sinks, s.consoleSink(cfg.JSON))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// The old file is closed only after the new root is visible.
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

func (s *Service) consoleSink(asJSON bool) io.Writer {
	if asJSON {
		return s.stdout
	}
	return zerolog.ConsoleWriter{
		Out:          s.stdout,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { c, _ := i.(string); return c },
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// Close releases the log file, if any. Later writes go to the remaining sinks.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
