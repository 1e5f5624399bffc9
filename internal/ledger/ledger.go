// Package ledger tracks failed login attempts per client IP address.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable wraps every failure to reach or use the backing store.
var ErrUnavailable = errors.New("ledger store unavailable")

// FailureRecord is the failure counter for one client IP.
type FailureRecord struct {
	IP        string    `db:"ip" json:"ip"`
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
	LastSeen  time.Time `db:"last_seen" json:"last_seen"`
	Hits      int       `db:"hits" json:"hits"`
}

// Expired reports whether the record fell out of the tracking window.
// A record whose window ends exactly at now is still live.
func (r *FailureRecord) Expired(now time.Time, expire time.Duration) bool {
	return r.LastSeen.Add(expire).Before(now)
}

// Store is the persistence contract for failure records.
//
// UpsertFailure must be atomic per IP: concurrent calls for the same IP never
// lose an increment. Calls for different IPs must not serialize on each other.
type Store interface {
	// Get returns the record for ip, or nil when none exists.
	Get(ctx context.Context, ip string) (*FailureRecord, error)
	// UpsertFailure creates the record with hits=1 or increments it, returning the new state.
	UpsertFailure(ctx context.Context, ip string, now time.Time) (*FailureRecord, error)
	// Delete removes the record for ip. Deleting a missing record is not an error.
	Delete(ctx context.Context, ip string) error
	// DeleteIfExpired removes the record for ip only if it is still expired at
	// now, checked atomically with the removal. It reports whether a record was removed.
	DeleteIfExpired(ctx context.Context, ip string, now time.Time, expire time.Duration) (bool, error)
	// DeleteExpired removes every record whose last failure is older than expire.
	DeleteExpired(ctx context.Context, now time.Time, expire time.Duration) (int64, error)
	// Ping checks connectivity to the backing store.
	Ping(ctx context.Context) error
	// Close releases the store's resources.
	Close() error
}

// Unavailable tags a backend error as ErrUnavailable while keeping its cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
