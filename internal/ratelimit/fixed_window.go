package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

// FixedWindowLimiter counts requests per key in Redis-backed fixed windows so
// every replica shares the same budget.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
	now    func() time.Time
}

type Config struct {
	Addr     string
	Password string
	Prefix   string
	Limit    int
	Window   time.Duration
}

func NewFixedWindowLimiter(cfg Config) (*FixedWindowLimiter, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "invoicedesk:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  cfg.Limit,
		window: cfg.Window,
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// Allow reports whether key is still within its quota for the current window.
// Redis failures deny the request.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		slog.Warn("rate limiter unavailable", "key", key, "err", err)
		return false
	}
	return count <= int64(l.limit)
}

// Window returns the configured window, used for Retry-After.
func (l *FixedWindowLimiter) Window() time.Duration {
	return l.window
}

func (l *FixedWindowLimiter) Close() error {
	return l.client.Close()
}
