package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically removes expired records.
// Lazy expiry already keeps decisions correct; the sweeper only bounds storage
// for IPs that never come back.
type Sweeper struct {
	store    Store
	expire   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a sweeper. Start must be called to run it.
func NewSweeper(store Store, expire, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		expire:   expire,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.stopCh:
			s.logger.Info("ledger sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("ledger sweeper context cancelled")
			return
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deleted, err := s.store.DeleteExpired(sweepCtx, s.now(), s.expire)
	if err != nil {
		s.logger.Warn("ledger sweep failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		s.logger.Info("ledger sweep completed", zap.Int64("records_deleted", deleted))
	}
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
