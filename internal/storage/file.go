package storage

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"taskqueue/internal/job"
	logx "taskqueue/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout under cfg.Path (a directory):
//   - <escaped task name>.queue.json (one snapshot per task)
//
// Writes go to a temp file first and are renamed into place, so a crash
// leaves either the previous or the new snapshot.
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex
}

const fileSuffix = ".queue.json"

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) path(name string) string {
	return filepath.Join(s.dir, url.PathEscape(name)+fileSuffix)
}

func (s *fileStore) Get(ctx context.Context, name string) ([]*job.Job, bool, error) {
	_ = ctx
	if err := validName(name); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	b, err := os.ReadFile(s.path(name))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	jobs, err := decodeQueue(name, b)
	if err != nil {
		return nil, false, err
	}
	return jobs, true, nil
}

func (s *fileStore) Set(ctx context.Context, name string, jobs []*job.Job) error {
	_ = ctx
	if err := validName(name); err != nil {
		return err
	}
	b, err := encodeQueue(name, jobs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.path(name)
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func (s *fileStore) Delete(ctx context.Context, name string) error {
	_ = ctx
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		s.log.Debug("queue snapshot removed", logx.String("task", name))
	}
	return err
}

func (s *fileStore) Close() error { return nil }
