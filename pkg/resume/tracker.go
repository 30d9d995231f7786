// Package resume records which file paths finished a full pipeline run so a
// restarted run can skip them.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis set holding processed file paths.
const DefaultKey = "sortbook:processed_files"

// Tracker is the processed-set contract used by the orchestrator.
type Tracker interface {
	IsProcessed(ctx context.Context, path string) (bool, error)
	MarkProcessed(ctx context.Context, path string) error
	Clear(ctx context.Context) error
	// Enabled reports whether membership is backed by a real store.
	Enabled() bool
	Close() error
}

// Config configures the Redis-backed tracker.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Key         string
	DialTimeout time.Duration
}

// RedisTracker keeps processed paths in a Redis set.
type RedisTracker struct {
	client *redis.Client
	key    string
}

// NewRedisTracker builds a tracker and verifies the server answers PING.
func NewRedisTracker(ctx context.Context, cfg Config) (*RedisTracker, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = DefaultKey
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisTracker{client: client, key: key}, nil
}

func (r *RedisTracker) IsProcessed(ctx context.Context, path string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, path).Result()
	if err != nil {
		return false, fmt.Errorf("check processed set: %w", err)
	}
	return ok, nil
}

func (r *RedisTracker) MarkProcessed(ctx context.Context, path string) error {
	if err := r.client.SAdd(ctx, r.key, path).Err(); err != nil {
		return fmt.Errorf("add to processed set: %w", err)
	}
	return nil
}

func (r *RedisTracker) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clear processed set: %w", err)
	}
	return nil
}

// Count returns the size of the processed set.
func (r *RedisTracker) Count(ctx context.Context) (int64, error) {
	return r.client.SCard(ctx, r.key).Result()
}

func (r *RedisTracker) Enabled() bool { return true }

func (r *RedisTracker) Close() error { return r.client.Close() }

// NopTracker never reports a path as processed. It stands in when Redis is
// unreachable so resume mode degrades to always reprocess.
type NopTracker struct{}

func (NopTracker) IsProcessed(context.Context, string) (bool, error) { return false, nil }
func (NopTracker) MarkProcessed(context.Context, string) error       { return nil }
func (NopTracker) Clear(context.Context) error                       { return nil }
func (NopTracker) Enabled() bool                                     { return false }
func (NopTracker) Close() error                                      { return nil }

// Connect returns a RedisTracker, or a NopTracker with a warning when the
// server cannot be reached. It never fails.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		logger.Info("resume tracking disabled: no redis address")
		return NopTracker{}
	}
	tracker, err := NewRedisTracker(ctx, cfg)
	if err != nil {
		logger.Warn("redis unavailable, resume tracking disabled", "addr", cfg.Addr, "err", err)
		return NopTracker{}
	}
	return tracker
}
