// Package postgres provides a PostgreSQL-backed LimitStore for keygate.
//
// Window state is stored in one table with transactional check-and-increment,
// making ceilings safe across multiple gateway instances and durable across
// restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayforge/keygate"
	"github.com/relayforge/keygate/limit"
)

// Store is a PostgreSQL-backed LimitStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	loc         *time.Location
	now         func() time.Time
}

var _ keygate.LimitStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "keygate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithLocation sets the timezone for day-window boundaries (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a PostgreSQL-backed limit store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "keygate_",
		loc:         time.UTC,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) windowsTable() string { return s.tablePrefix + "limit_windows" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			counter_key TEXT NOT NULL,
			metric TEXT NOT NULL,
			used DOUBLE PRECISION NOT NULL DEFAULT 0,
			reset_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (counter_key, metric)
		);
	`, s.windowsTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("keygate/postgres: ensure schema: %w", err)
	}
	return nil
}

// TryConsume atomically checks and increments the window for (key, metric).
func (s *Store) TryConsume(ctx context.Context, key string, metric keygate.Metric, amount, ceiling float64) (keygate.Decision, error) {
	now := s.now()
	windowEnd := limit.WindowEnd(now, metric, s.loc)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return keygate.Decision{}, fmt.Errorf("keygate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.upsertWindow(ctx, tx, key, metric, now, windowEnd); err != nil {
		return keygate.Decision{}, err
	}

	// Atomic admission: increment only when there is headroom.
	var usedAfter float64
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET used = used + $1
			WHERE counter_key = $2 AND metric = $3 AND ($4 <= 0 OR used + $1 <= $4)
			RETURNING used`, s.windowsTable()),
		amount, key, string(metric), ceiling,
	).Scan(&usedAfter)

	if errors.Is(err, pgx.ErrNoRows) {
		var used float64
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT used FROM %s WHERE counter_key = $1 AND metric = $2`, s.windowsTable()),
			key, string(metric),
		).Scan(&used)
		if err != nil {
			return keygate.Decision{}, fmt.Errorf("keygate/postgres: read used: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return keygate.Decision{}, fmt.Errorf("keygate/postgres: commit: %w", err)
		}

		remaining := ceiling - used
		if remaining < 0 {
			remaining = 0
		}
		return keygate.Decision{Allowed: false, Remaining: remaining, RetryAfter: windowEnd}, nil
	}
	if err != nil {
		return keygate.Decision{}, fmt.Errorf("keygate/postgres: try consume: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return keygate.Decision{}, fmt.Errorf("keygate/postgres: commit: %w", err)
	}

	remaining := -1.0
	if ceiling > 0 {
		remaining = ceiling - usedAfter
	}
	return keygate.Decision{Allowed: true, Remaining: remaining}, nil
}

// RecordUsage adds post-hoc consumption with no ceiling check.
func (s *Store) RecordUsage(ctx context.Context, key string, metric keygate.Metric, amount float64) error {
	now := s.now()
	windowEnd := limit.WindowEnd(now, metric, s.loc)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("keygate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.upsertWindow(ctx, tx, key, metric, now, windowEnd); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used = used + $1 WHERE counter_key = $2 AND metric = $3`, s.windowsTable()),
		amount, key, string(metric),
	)
	if err != nil {
		return fmt.Errorf("keygate/postgres: record usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("keygate/postgres: commit: %w", err)
	}
	return nil
}

// Used returns the consumption in the current window.
func (s *Store) Used(ctx context.Context, key string, metric keygate.Metric) (float64, error) {
	var used float64
	var resetAt time.Time

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT used, reset_at FROM %s WHERE counter_key = $1 AND metric = $2`, s.windowsTable()),
		key, string(metric),
	).Scan(&used, &resetAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keygate/postgres: used: %w", err)
	}

	// Lazy reset check (read-only).
	if !s.now().Before(resetAt) {
		return 0, nil
	}
	return used, nil
}

// upsertWindow creates the window row if missing and applies the lazy reset.
func (s *Store) upsertWindow(ctx context.Context, tx pgx.Tx, key string, metric keygate.Metric, now, windowEnd time.Time) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (counter_key, metric, used, reset_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (counter_key, metric) DO NOTHING`, s.windowsTable()),
		key, string(metric), windowEnd,
	)
	if err != nil {
		return fmt.Errorf("keygate/postgres: upsert window: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET used = 0, reset_at = $1
			WHERE counter_key = $2 AND metric = $3 AND reset_at <= $4`, s.windowsTable()),
		windowEnd, key, string(metric), now,
	)
	if err != nil {
		return fmt.Errorf("keygate/postgres: window reset: %w", err)
	}
	return nil
}
