// Package memory is an in-process ledger store for single-instance deployments and tests.
package memory

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"github.com/alkem-io/login-guard/internal/ledger"
)

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[string]ledger.FailureRecord
}

// Store keeps failure records in sharded maps so that unrelated IPs rarely contend.
type Store struct {
	seed   maphash.Seed
	shards [shardCount]*shard
}

// New creates an empty memory store.
func New() *Store {
	s := &Store{seed: maphash.MakeSeed()}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]ledger.FailureRecord)}
	}
	return s
}

func (s *Store) shardFor(ip string) *shard {
	return s.shards[maphash.String(s.seed, ip)%shardCount]
}

// Get returns a copy of the record for ip.
func (s *Store) Get(_ context.Context, ip string) (*ledger.FailureRecord, error) {
	sh := s.shardFor(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[ip]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// UpsertFailure creates or increments the record for ip.
func (s *Store) UpsertFailure(_ context.Context, ip string, now time.Time) (*ledger.FailureRecord, error) {
	sh := s.shardFor(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[ip]
	if !ok {
		rec = ledger.FailureRecord{IP: ip, FirstSeen: now, LastSeen: now, Hits: 1}
	} else {
		rec.Hits++
		if now.After(rec.LastSeen) {
			rec.LastSeen = now
		}
	}
	sh.records[ip] = rec
	return &rec, nil
}

// Delete removes the record for ip.
func (s *Store) Delete(_ context.Context, ip string) error {
	sh := s.shardFor(ip)
	sh.mu.Lock()
	delete(sh.records, ip)
	sh.mu.Unlock()
	return nil
}

// DeleteIfExpired removes the record for ip if it is expired under the shard lock.
func (s *Store) DeleteIfExpired(_ context.Context, ip string, now time.Time, expire time.Duration) (bool, error) {
	sh := s.shardFor(ip)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[ip]
	if !ok || !rec.Expired(now, expire) {
		return false, nil
	}
	delete(sh.records, ip)
	return true, nil
}

// DeleteExpired sweeps every shard, one lock at a time.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, expire time.Duration) (int64, error) {
	var deleted int64
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		sh.mu.Lock()
		for ip, rec := range sh.records {
			if rec.Expired(now, expire) {
				delete(sh.records, ip)
				deleted++
			}
		}
		sh.mu.Unlock()
	}
	return deleted, nil
}

// Len returns the number of tracked IPs.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
