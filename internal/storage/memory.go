package storage

import (
	"context"
	"sync"

	"taskqueue/internal/job"
)

// memoryStore keeps encoded records so callers never share job pointers with it.
type memoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{data: map[string][]byte{}}
}

func (s *memoryStore) Get(ctx context.Context, name string) ([]*job.Job, bool, error) {
	_ = ctx
	if err := validName(name); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	b, ok := s.data[name]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	jobs, err := decodeQueue(name, b)
	if err != nil {
		return nil, false, err
	}
	return jobs, true, nil
}

func (s *memoryStore) Set(ctx context.Context, name string, jobs []*job.Job) error {
	_ = ctx
	if err := validName(name); err != nil {
		return err
	}
	b, err := encodeQueue(name, jobs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[name] = b
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) error {
	_ = ctx
	s.mu.Lock()
	delete(s.data, name)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }
