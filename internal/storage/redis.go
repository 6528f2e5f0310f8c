package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"taskqueue/internal/job"
	logx "taskqueue/pkg/logx"
)

const defaultRedisPrefix = "taskqueue:"

type redisStore struct {
	client *goredis.Client
	prefix string
	log    logx.Logger
}

// NewRedis wraps an existing client. prefix defaults to "taskqueue:".
func NewRedis(client *goredis.Client, prefix string, log logx.Logger) Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	client, err := connectRedis(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return NewRedis(client, cfg.Prefix, log), nil
}

// connectRedis parses the URL and pings until the server answers or the
// attempts are used up.
func connectRedis(ctx context.Context, cfg Config) (*goredis.Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opt, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	var lastErr error
	for range attempts {
		client := goredis.NewClient(opt)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: not ready: %w", errors.Join(lastErr, ctx.Err()))
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("redis: not ready: %w", lastErr)
}

func (s *redisStore) key(name string) string { return s.prefix + "queue:" + name }

func (s *redisStore) Get(ctx context.Context, name string) ([]*job.Job, bool, error) {
	if err := validName(name); err != nil {
		return nil, false, err
	}
	b, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get %q: %w", name, err)
	}
	jobs, err := decodeQueue(name, b)
	if err != nil {
		return nil, false, err
	}
	return jobs, true, nil
}

func (s *redisStore) Set(ctx context.Context, name string, jobs []*job.Job) error {
	if err := validName(name); err != nil {
		return err
	}
	b, err := encodeQueue(name, jobs)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(name), b, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %q: %w", name, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("redis: del %q: %w", name, err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.client.Close() }
