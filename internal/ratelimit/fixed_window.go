// Package ratelimit caps how often hosts sharing one Redis may call the
// enrichment service.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// DefaultPrefix namespaces the window counters.
const DefaultPrefix = "sortbook:quota"

// Config configures a Redis fixed-window quota.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Limit    int
	Window   time.Duration
}

// FixedWindowLimiter allows Limit calls per Window across every process
// using the same Redis and prefix.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	redisClient *redis.Client
	redisPrefix string
	now         func() time.Time
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(cfg Config) (*FixedWindowLimiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &FixedWindowLimiter{
		limit:  cfg.Limit,
		window: cfg.Window,
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		redisPrefix: prefix,
		now:         time.Now,
	}, nil
}

// Allow takes one slot in the current window for key. When the window is
// full it returns false and how long until the next window opens.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "default"
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true, 0, nil
	}
	nowMs := l.now().UTC().UnixMilli()
	windowSlot := nowMs / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, key, windowSlot)
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(callCtx, l.redisClient, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("quota counter: %w", err)
	}
	if res <= int64(l.limit) {
		return true, 0, nil
	}
	next := (windowSlot + 1) * windowMs
	return false, time.Duration(next-nowMs) * time.Millisecond, nil
}

// Wait blocks until key gets a slot or ctx ends. Redis errors are returned
// as is so callers can decide to proceed without a quota.
func (l *FixedWindowLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, retryIn, err := l.Allow(ctx, key)
		if err != nil || ok {
			return err
		}
		timer := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close releases the Redis client.
func (l *FixedWindowLimiter) Close() error {
	return l.redisClient.Close()
}
