// Package ledgertest holds the behavioural checks every ledger.Store backend must pass.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alkem-io/login-guard/internal/ledger"
)

// Base is the reference wall-clock used by the suite. Whole seconds keep it
// representable in every backend.
var Base = time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)

// Factory returns an empty store. The factory owns cleanup via t.Cleanup.
type Factory func(t *testing.T) ledger.Store

// Run executes the full conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissingReturnsNil", func(t *testing.T) {
		store := newStore(t)
		rec, err := store.Get(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("FirstFailureCreatesRecord", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		rec, err := store.UpsertFailure(ctx, "10.0.0.1", Base)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 1, rec.Hits)
		assert.WithinDuration(t, Base, rec.FirstSeen, 0)
		assert.WithinDuration(t, Base, rec.LastSeen, 0)

		got, err := store.Get(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "10.0.0.1", got.IP)
		assert.Equal(t, 1, got.Hits)
	})

	t.Run("SequentialFailuresAccumulate", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const n = 7
		for i := 0; i < n; i++ {
			_, err := store.UpsertFailure(ctx, "10.0.0.2", Base.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
		}

		got, err := store.Get(ctx, "10.0.0.2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, n, got.Hits)
		assert.WithinDuration(t, Base, got.FirstSeen, 0)
		assert.WithinDuration(t, Base.Add((n-1)*time.Second), got.LastSeen, 0)
	})

	t.Run("IPsAreIndependent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.UpsertFailure(ctx, "10.0.0.3", Base)
		require.NoError(t, err)
		_, err = store.UpsertFailure(ctx, "10.0.0.3", Base)
		require.NoError(t, err)
		_, err = store.UpsertFailure(ctx, "2001:db8::1", Base)
		require.NoError(t, err)

		a, err := store.Get(ctx, "10.0.0.3")
		require.NoError(t, err)
		b, err := store.Get(ctx, "2001:db8::1")
		require.NoError(t, err)
		assert.Equal(t, 2, a.Hits)
		assert.Equal(t, 1, b.Hits)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.UpsertFailure(ctx, "10.0.0.4", Base)
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, "10.0.0.4"))
		require.NoError(t, store.Delete(ctx, "10.0.0.4"))

		got, err := store.Get(ctx, "10.0.0.4")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("FailureAfterDeleteStartsOver", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.UpsertFailure(ctx, "10.0.0.5", Base)
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "10.0.0.5"))

		later := Base.Add(time.Hour)
		rec, err := store.UpsertFailure(ctx, "10.0.0.5", later)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.Hits)
		assert.WithinDuration(t, later, rec.FirstSeen, 0)
	})

	t.Run("DeleteExpiredHonoursBoundary", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		expire := 30 * time.Minute
		now := Base.Add(time.Hour)

		// last_seen + expire < now
		_, err := store.UpsertFailure(ctx, "10.0.1.1", now.Add(-expire-time.Minute))
		require.NoError(t, err)
		// last_seen + expire == now stays
		_, err = store.UpsertFailure(ctx, "10.0.1.2", now.Add(-expire))
		require.NoError(t, err)
		_, err = store.UpsertFailure(ctx, "10.0.1.3", now.Add(-time.Minute))
		require.NoError(t, err)

		deleted, err := store.DeleteExpired(ctx, now, expire)
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted)

		gone, err := store.Get(ctx, "10.0.1.1")
		require.NoError(t, err)
		assert.Nil(t, gone)

		for _, ip := range []string{"10.0.1.2", "10.0.1.3"} {
			rec, err := store.Get(ctx, ip)
			require.NoError(t, err)
			assert.NotNil(t, rec, "record %s should survive the sweep", ip)
		}
	})

	t.Run("DeleteIfExpiredKeepsLiveRecords", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		expire := 30 * time.Minute
		now := Base.Add(time.Hour)

		_, err := store.UpsertFailure(ctx, "10.0.2.1", now.Add(-expire-time.Minute))
		require.NoError(t, err)
		_, err = store.UpsertFailure(ctx, "10.0.2.2", now.Add(-expire))
		require.NoError(t, err)

		deleted, err := store.DeleteIfExpired(ctx, "10.0.2.1", now, expire)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.DeleteIfExpired(ctx, "10.0.2.2", now, expire)
		require.NoError(t, err)
		assert.False(t, deleted, "boundary record is not expired")

		deleted, err = store.DeleteIfExpired(ctx, "10.0.2.9", now, expire)
		require.NoError(t, err)
		assert.False(t, deleted, "missing record")

		gone, err := store.Get(ctx, "10.0.2.1")
		require.NoError(t, err)
		assert.Nil(t, gone)
		kept, err := store.Get(ctx, "10.0.2.2")
		require.NoError(t, err)
		assert.NotNil(t, kept)
	})

	t.Run("DeleteIfExpiredLosesToFreshFailure", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		expire := 30 * time.Minute
		now := Base.Add(time.Hour)

		_, err := store.UpsertFailure(ctx, "10.0.3.1", now.Add(-time.Hour))
		require.NoError(t, err)
		// A failure lands after the caller read the stale record.
		_, err = store.UpsertFailure(ctx, "10.0.3.1", now)
		require.NoError(t, err)

		deleted, err := store.DeleteIfExpired(ctx, "10.0.3.1", now, expire)
		require.NoError(t, err)
		assert.False(t, deleted)

		rec, err := store.Get(ctx, "10.0.3.1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, 2, rec.Hits)
	})

	t.Run("ConcurrentFailuresForSameIPAreNotLost", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const workers = 50
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.UpsertFailure(ctx, "10.9.9.9", Base); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		got, err := store.Get(ctx, "10.9.9.9")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, workers, got.Hits)
	})

	t.Run("ConcurrentFailuresForManyIPs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const ips = 10
		const perIP = 5
		var wg sync.WaitGroup
		for i := 0; i < ips; i++ {
			for j := 0; j < perIP; j++ {
				wg.Add(1)
				go func(ip string) {
					defer wg.Done()
					_, _ = store.UpsertFailure(ctx, ip, Base)
				}(fmt.Sprintf("192.0.2.%d", i))
			}
		}
		wg.Wait()

		for i := 0; i < ips; i++ {
			got, err := store.Get(ctx, fmt.Sprintf("192.0.2.%d", i))
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, perIP, got.Hits)
		}
	})
}
