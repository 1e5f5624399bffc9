// Package pgstore keeps the failure ledger in PostgreSQL.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/alkem-io/login-guard/internal/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	selectQuery = `
		SELECT ip, first_seen, last_seen, hits
		FROM login_guard_failures
		WHERE ip = $1
	`

	// The row lock taken by ON CONFLICT serializes concurrent increments for one IP.
	upsertQuery = `
		INSERT INTO login_guard_failures (ip, first_seen, last_seen, hits)
		VALUES ($1, $2, $2, 1)
		ON CONFLICT (ip) DO UPDATE
		SET hits = login_guard_failures.hits + 1,
		    last_seen = GREATEST(login_guard_failures.last_seen, EXCLUDED.last_seen)
		RETURNING ip, first_seen, last_seen, hits
	`

	deleteQuery = `DELETE FROM login_guard_failures WHERE ip = $1`

	deleteIfExpiredQuery = `DELETE FROM login_guard_failures WHERE ip = $1 AND last_seen < $2`

	deleteExpiredQuery = `DELETE FROM login_guard_failures WHERE last_seen < $1`
)

// Store is a ledger.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL, verifies the connection and applies migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// NewWithPool wraps an already migrated pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Get returns the record for ip.
func (s *Store) Get(ctx context.Context, ip string) (*ledger.FailureRecord, error) {
	rows, err := s.pool.Query(ctx, selectQuery, ip)
	if err != nil {
		return nil, ledger.Unavailable("postgres get", err)
	}
	rec, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[ledger.FailureRecord])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unavailable("postgres get", err)
	}
	return normalize(rec), nil
}

// UpsertFailure inserts or increments the record in a single statement.
func (s *Store) UpsertFailure(ctx context.Context, ip string, now time.Time) (*ledger.FailureRecord, error) {
	rows, err := s.pool.Query(ctx, upsertQuery, ip, now.UTC())
	if err != nil {
		return nil, ledger.Unavailable("postgres upsert", err)
	}
	rec, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[ledger.FailureRecord])
	if err != nil {
		return nil, ledger.Unavailable("postgres upsert", err)
	}
	return normalize(rec), nil
}

// Delete removes the record for ip.
func (s *Store) Delete(ctx context.Context, ip string) error {
	if _, err := s.pool.Exec(ctx, deleteQuery, ip); err != nil {
		return ledger.Unavailable("postgres delete", err)
	}
	return nil
}

// DeleteIfExpired removes the record for ip if its last_seen is before now-expire.
func (s *Store) DeleteIfExpired(ctx context.Context, ip string, now time.Time, expire time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, deleteIfExpiredQuery, ip, now.Add(-expire).UTC())
	if err != nil {
		return false, ledger.Unavailable("postgres delete stale", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpired removes every record whose last_seen is before now-expire.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, expire time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, deleteExpiredQuery, now.Add(-expire).UTC())
	if err != nil {
		return 0, ledger.Unavailable("postgres sweep", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func normalize(rec ledger.FailureRecord) *ledger.FailureRecord {
	rec.FirstSeen = rec.FirstSeen.UTC()
	rec.LastSeen = rec.LastSeen.UTC()
	return &rec
}
