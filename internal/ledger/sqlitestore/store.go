// Package sqlitestore keeps the failure ledger in a SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/alkem-io/login-guard/internal/ledger"
)

// Timestamps are unix milliseconds; SQLite has no native timestamp type.
const schema = `
CREATE TABLE IF NOT EXISTS login_guard_failures (
	ip         TEXT    PRIMARY KEY,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	hits       INTEGER NOT NULL CHECK (hits >= 1)
);
CREATE INDEX IF NOT EXISTS idx_login_guard_failures_last_seen ON login_guard_failures (last_seen);
`

const (
	selectQuery = `SELECT ip, first_seen, last_seen, hits FROM login_guard_failures WHERE ip = ?`

	upsertQuery = `
		INSERT INTO login_guard_failures (ip, first_seen, last_seen, hits)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (ip) DO UPDATE
		SET hits = hits + 1,
		    last_seen = MAX(last_seen, excluded.last_seen)
		RETURNING ip, first_seen, last_seen, hits
	`

	deleteQuery = `DELETE FROM login_guard_failures WHERE ip = ?`

	deleteIfExpiredQuery = `DELETE FROM login_guard_failures WHERE ip = ? AND last_seen < ?`

	deleteExpiredQuery = `DELETE FROM login_guard_failures WHERE last_seen < ?`
)

type row struct {
	IP        string `db:"ip"`
	FirstSeen int64  `db:"first_seen"`
	LastSeen  int64  `db:"last_seen"`
	Hits      int    `db:"hits"`
}

func (r row) record() *ledger.FailureRecord {
	return &ledger.FailureRecord{
		IP:        r.IP,
		FirstSeen: time.UnixMilli(r.FirstSeen).UTC(),
		LastSeen:  time.UnixMilli(r.LastSeen).UTC(),
		Hits:      r.Hits,
	}
}

// Store is a ledger.Store backed by SQLite.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	// SQLite has a single writer; one connection turns lock contention into queueing.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Get returns the record for ip.
func (s *Store) Get(ctx context.Context, ip string) (*ledger.FailureRecord, error) {
	var r row
	err := s.db.GetContext(ctx, &r, selectQuery, ip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Unavailable("sqlite get", err)
	}
	return r.record(), nil
}

// UpsertFailure inserts or increments the record in a single statement.
func (s *Store) UpsertFailure(ctx context.Context, ip string, now time.Time) (*ledger.FailureRecord, error) {
	ms := now.UnixMilli()
	var r row
	if err := s.db.GetContext(ctx, &r, upsertQuery, ip, ms, ms); err != nil {
		return nil, ledger.Unavailable("sqlite upsert", err)
	}
	return r.record(), nil
}

// Delete removes the record for ip.
func (s *Store) Delete(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, deleteQuery, ip); err != nil {
		return ledger.Unavailable("sqlite delete", err)
	}
	return nil
}

// DeleteIfExpired removes the record for ip if its last_seen is before now-expire.
func (s *Store) DeleteIfExpired(ctx context.Context, ip string, now time.Time, expire time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, deleteIfExpiredQuery, ip, now.Add(-expire).UnixMilli())
	if err != nil {
		return false, ledger.Unavailable("sqlite delete stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ledger.Unavailable("sqlite delete stale", err)
	}
	return n == 1, nil
}

// DeleteExpired removes every record whose last_seen is before now-expire.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, expire time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteExpiredQuery, now.Add(-expire).UnixMilli())
	if err != nil {
		return 0, ledger.Unavailable("sqlite sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ledger.Unavailable("sqlite sweep", err)
	}
	return n, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
