// Package redis provides a Redis-backed LimitStore for keygate.
//
// Window state is stored in Redis hashes with atomic Lua scripts for
// check-and-increment. This makes ceilings safe across multiple gateway
// instances sharing one credential pool.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relayforge/keygate"
	"github.com/relayforge/keygate/limit"
)

// Store is a Redis-backed LimitStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	loc       *time.Location
	now       func() time.Time
}

var _ keygate.LimitStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "keygate:limit:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithLocation sets the timezone for day-window boundaries (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Redis-backed limit store. The client must be a connected
// *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "keygate:limit:",
		loc:       time.UTC,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) windowKey(key string, metric keygate.Metric) string {
	return s.keyPrefix + key + ":" + string(metric)
}

// consumeScript atomically checks and increments one window.
// KEYS[1] = window hash key
// ARGV[1] = amount
// ARGV[2] = ceiling (<= 0 means unlimited)
// ARGV[3] = now (unix seconds)
// ARGV[4] = window_end (unix seconds)
//
// Returns {1, used_after} on admission, {0, used} on rejection.
var consumeScript = goredis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window_end = tonumber(ARGV[4])

-- Lazy window reset
local reset_at = tonumber(redis.call("HGET", key, "reset_at") or "0")
if now >= reset_at then
    redis.call("HSET", key, "used", "0", "reset_at", tostring(window_end))
end

local used = tonumber(redis.call("HGET", key, "used") or "0")
if ceiling > 0 and used + amount > ceiling then
    return {0, tostring(used)}
end

local after = redis.call("HINCRBYFLOAT", key, "used", amount)
redis.call("EXPIREAT", key, window_end + 86400)
return {1, after}
`)

// recordScript adds post-hoc usage with no ceiling check.
// KEYS[1] = window hash key
// ARGV[1] = amount
// ARGV[2] = now (unix seconds)
// ARGV[3] = window_end (unix seconds)
var recordScript = goredis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local window_end = tonumber(ARGV[3])

local reset_at = tonumber(redis.call("HGET", key, "reset_at") or "0")
if now >= reset_at then
    redis.call("HSET", key, "used", "0", "reset_at", tostring(window_end))
end

redis.call("HINCRBYFLOAT", key, "used", amount)
redis.call("EXPIREAT", key, window_end + 86400)
return 1
`)

// TryConsume atomically checks and increments the window for (key, metric).
func (s *Store) TryConsume(ctx context.Context, key string, metric keygate.Metric, amount, ceiling float64) (keygate.Decision, error) {
	now := s.now()
	windowEnd := limit.WindowEnd(now, metric, s.loc)

	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.windowKey(key, metric)},
		amount, ceiling, now.Unix(), windowEnd.Unix(),
	).Slice()
	if err != nil {
		return keygate.Decision{}, fmt.Errorf("keygate/redis: try consume: %w", err)
	}
	if len(res) != 2 {
		return keygate.Decision{}, fmt.Errorf("keygate/redis: unexpected script result: %v", res)
	}

	allowed, _ := res[0].(int64)
	used := parseScriptFloat(res[1])

	if allowed != 1 {
		remaining := ceiling - used
		if remaining < 0 {
			remaining = 0
		}
		return keygate.Decision{Allowed: false, Remaining: remaining, RetryAfter: windowEnd}, nil
	}

	remaining := -1.0
	if ceiling > 0 {
		remaining = ceiling - used
	}
	return keygate.Decision{Allowed: true, Remaining: remaining}, nil
}

// RecordUsage adds post-hoc consumption with no ceiling check.
func (s *Store) RecordUsage(ctx context.Context, key string, metric keygate.Metric, amount float64) error {
	now := s.now()
	windowEnd := limit.WindowEnd(now, metric, s.loc)

	if err := recordScript.Run(ctx, s.client,
		[]string{s.windowKey(key, metric)},
		amount, now.Unix(), windowEnd.Unix(),
	).Err(); err != nil {
		return fmt.Errorf("keygate/redis: record usage: %w", err)
	}
	return nil
}

// Used returns the consumption in the current window.
func (s *Store) Used(ctx context.Context, key string, metric keygate.Metric) (float64, error) {
	vals, err := s.client.HMGet(ctx, s.windowKey(key, metric), "used", "reset_at").Result()
	if err != nil {
		return 0, fmt.Errorf("keygate/redis: used: %w", err)
	}

	if vals[0] == nil {
		return 0, nil
	}

	used, _ := strconv.ParseFloat(vals[0].(string), 64)
	resetAt := int64(0)
	if vals[1] != nil {
		resetAt, _ = strconv.ParseInt(vals[1].(string), 10, 64)
	}

	// Lazy reset check (read-only, don't write).
	if s.now().Unix() >= resetAt {
		return 0, nil
	}
	return used, nil
}

func parseScriptFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case int64:
		return float64(t)
	default:
		return 0
	}
}
