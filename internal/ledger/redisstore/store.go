// Package redisstore keeps the failure ledger in Redis.
//
// Each IP is a hash {first_seen, last_seen, hits} with millisecond timestamps.
// A sorted set scored by last_seen indexes the hashes for the expiry sweep.
// Both keys share a hash tag so scripts stay valid on a cluster.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alkem-io/login-guard/internal/ledger"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "login_guard"

const sweepBatch = 500

// upsertScript creates or increments the record and refreshes the index entry.
// KEYS[1]=record KEYS[2]=index ARGV[1]=now_ms ARGV[2]=retention_ms ARGV[3]=ip
var upsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'first_seen', ARGV[1], 'last_seen', ARGV[1], 'hits', 1)
else
  redis.call('HINCRBY', KEYS[1], 'hits', 1)
  local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0')
  if tonumber(ARGV[1]) > last then
    redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
  end
end
redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[1], 'last_seen'), ARGV[3])
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return redis.call('HMGET', KEYS[1], 'first_seen', 'last_seen', 'hits')
`)

// deleteStaleScript removes the record only if it is still older than the cutoff.
// KEYS[1]=record KEYS[2]=index ARGV[1]=cutoff_ms ARGV[2]=ip
var deleteStaleScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_seen')
if not last then
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 0
end
if tonumber(last) < tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithRetention sets a Redis TTL on every record as a hard bound on storage.
// It should comfortably exceed the policy's expiry window.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// Store is a ledger.Store backed by Redis.
type Store struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// New creates a store from a redis:// connection URL.
func New(url string, opts ...Option) (*Store, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewWithClient(redis.NewClient(redisOpts), opts...), nil
}

// NewWithClient wraps an existing client. The store takes ownership of it.
func NewWithClient(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(ip string) string {
	return fmt.Sprintf("{%s}:ip:%s", s.prefix, ip)
}

func (s *Store) indexKey() string {
	return fmt.Sprintf("{%s}:last_seen", s.prefix)
}

// Get returns the record for ip.
func (s *Store) Get(ctx context.Context, ip string) (*ledger.FailureRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(ip)).Result()
	if err != nil {
		return nil, ledger.Unavailable("redis get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseRecord(ip, fields["first_seen"], fields["last_seen"], fields["hits"])
}

// UpsertFailure runs the upsert script atomically on the server.
func (s *Store) UpsertFailure(ctx context.Context, ip string, now time.Time) (*ledger.FailureRecord, error) {
	res, err := upsertScript.Run(ctx, s.client,
		[]string{s.recordKey(ip), s.indexKey()},
		now.UnixMilli(), s.retention.Milliseconds(), ip,
	).Slice()
	if err != nil {
		return nil, ledger.Unavailable("redis upsert", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redis upsert: unexpected reply length %d", len(res))
	}
	return parseRecord(ip, toString(res[0]), toString(res[1]), toString(res[2]))
}

// Delete removes the record and its index entry in one transaction.
func (s *Store) Delete(ctx context.Context, ip string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(ip))
		pipe.ZRem(ctx, s.indexKey(), ip)
		return nil
	})
	if err != nil {
		return ledger.Unavailable("redis delete", err)
	}
	return nil
}

// DeleteIfExpired removes the record for ip only if last_seen is still older
// than the cutoff when the script runs.
func (s *Store) DeleteIfExpired(ctx context.Context, ip string, now time.Time, expire time.Duration) (bool, error) {
	n, err := deleteStaleScript.Run(ctx, s.client,
		[]string{s.recordKey(ip), s.indexKey()},
		now.Add(-expire).UnixMilli(), ip,
	).Int64()
	if err != nil {
		return false, ledger.Unavailable("redis delete stale", err)
	}
	return n == 1, nil
}

// DeleteExpired walks the index in batches and removes stale records.
// Each removal re-checks last_seen on the server so a concurrent failure wins.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, expire time.Duration) (int64, error) {
	cutoff := now.Add(-expire).UnixMilli()
	var deleted int64

	for {
		ips, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(cutoff, 10),
			Count: sweepBatch,
		}).Result()
		if err != nil {
			return deleted, ledger.Unavailable("redis sweep", err)
		}
		if len(ips) == 0 {
			return deleted, nil
		}

		for _, ip := range ips {
			n, err := deleteStaleScript.Run(ctx, s.client,
				[]string{s.recordKey(ip), s.indexKey()},
				cutoff, ip,
			).Int64()
			if err != nil {
				return deleted, ledger.Unavailable("redis sweep", err)
			}
			deleted += n
		}

		if len(ips) < sweepBatch {
			return deleted, nil
		}
	}
}

// Ping checks connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func parseRecord(ip, firstSeen, lastSeen, hits string) (*ledger.FailureRecord, error) {
	first, err1 := strconv.ParseInt(firstSeen, 10, 64)
	last, err2 := strconv.ParseInt(lastSeen, 10, 64)
	n, err3 := strconv.Atoi(hits)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("corrupt ledger record for %s: %w", ip, err)
	}
	return &ledger.FailureRecord{
		IP:        ip,
		FirstSeen: time.UnixMilli(first).UTC(),
		LastSeen:  time.UnixMilli(last).UTC(),
		Hits:      n,
	}, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
