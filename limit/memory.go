// Package limit provides LimitStore backends for keygate.
//
// MemoryStore is the single-process default. Redis and PostgreSQL backends
// for multi-instance deployments live in the redis and postgres
// subpackages.
package limit

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/keygate"
)

// MemoryStore is an in-memory LimitStore. Each (key, metric) window is an
// independently locked cell, so admission on one credential never contends
// with another.
type MemoryStore struct {
	mu    sync.RWMutex
	cells map[string]*cell

	loc *time.Location
	now func() time.Time
}

type cell struct {
	mu      sync.Mutex
	used    float64
	resetAt time.Time
}

var _ keygate.LimitStore = (*MemoryStore)(nil)

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithLocation sets the timezone for day-window boundaries (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(s *MemoryStore) { s.loc = loc }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a new in-memory limit store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		cells: make(map[string]*cell),
		loc:   time.UTC,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryConsume atomically checks and increments the window for (key, metric).
func (s *MemoryStore) TryConsume(_ context.Context, key string, metric keygate.Metric, amount, ceiling float64) (keygate.Decision, error) {
	c := s.cell(key, metric)
	now := s.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s.maybeReset(c, metric, now)

	if ceiling > 0 && c.used+amount > ceiling {
		remaining := ceiling - c.used
		if remaining < 0 {
			remaining = 0
		}
		return keygate.Decision{Allowed: false, Remaining: remaining, RetryAfter: c.resetAt}, nil
	}

	c.used += amount

	remaining := -1.0
	if ceiling > 0 {
		remaining = ceiling - c.used
	}
	return keygate.Decision{Allowed: true, Remaining: remaining}, nil
}

// RecordUsage adds post-hoc consumption with no ceiling check.
func (s *MemoryStore) RecordUsage(_ context.Context, key string, metric keygate.Metric, amount float64) error {
	c := s.cell(key, metric)
	now := s.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s.maybeReset(c, metric, now)
	c.used += amount
	return nil
}

// Used returns the consumption in the current window.
func (s *MemoryStore) Used(_ context.Context, key string, metric keygate.Metric) (float64, error) {
	c := s.cell(key, metric)
	now := s.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s.maybeReset(c, metric, now)
	return c.used, nil
}

func (s *MemoryStore) cell(key string, metric keygate.Metric) *cell {
	k := key + "|" + string(metric)

	s.mu.RLock()
	c, ok := s.cells[k]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.cells[k]; ok {
		return c
	}
	c = &cell{}
	s.cells[k] = c
	return c
}

// maybeReset lazily starts a fresh window. Must be called with c.mu held.
func (s *MemoryStore) maybeReset(c *cell, metric keygate.Metric, now time.Time) {
	if c.resetAt.IsZero() || !now.Before(c.resetAt) {
		c.used = 0
		c.resetAt = WindowEnd(now, metric, s.loc)
	}
}

// WindowEnd returns when the window containing now resets for the given
// metric: the next minute boundary, or the next midnight in loc.
func WindowEnd(now time.Time, metric keygate.Metric, loc *time.Location) time.Time {
	if metric.Window() == keygate.WindowMinute {
		return now.Truncate(time.Minute).Add(time.Minute)
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
