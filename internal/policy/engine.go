// Package policy decides, per client IP, whether a login attempt must pass a challenge.
package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alkem-io/login-guard/internal/ledger"
)

const defaultSweepTimeout = 30 * time.Second

// Config parameterizes the engine. Values are fixed for the engine's lifetime.
type Config struct {
	// FailedAttemptsThreshold is the inclusive hit count at which a challenge is required.
	FailedAttemptsThreshold int
	// Expire is how long a record stays relevant after its last failure.
	Expire time.Duration
	// FailOpen lets authentication proceed unchallenged when the ledger cannot be read.
	FailOpen bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.FailedAttemptsThreshold <= 0 {
		errs = append(errs, errors.New("failed attempts threshold must be greater than 0"))
	}
	if c.Expire <= 0 {
		errs = append(errs, errors.New("expire time must be greater than 0"))
	}
	return errors.Join(errs...)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSweepTimeout bounds each background expiry sweep.
func WithSweepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.sweepTimeout = d }
}

// Engine applies the challenge policy on top of a ledger store.
type Engine struct {
	store        ledger.Store
	cfg          Config
	logger       *zap.Logger
	now          func() time.Time
	sweepTimeout time.Duration

	sweeping atomic.Bool
	sweeps   sync.WaitGroup
}

// New creates an engine.
func New(store ledger.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:        store,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		sweepTimeout: defaultSweepTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Now returns the engine's notion of the current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// RequiresChallengeForRender is the login-form hint. Store errors omit the challenge.
func (e *Engine) RequiresChallengeForRender(ctx context.Context, ip string) bool {
	required, err := e.evaluate(ctx, ip)
	if err != nil {
		e.logger.Warn("ledger lookup failed while rendering login form, omitting challenge",
			zap.Error(err),
			zap.String("client_ip", ip),
		)
		return false
	}
	return required
}

// RequiresChallengeForAuth is the authoritative check made on every credential
// submission. It always re-reads the ledger.
//
// On a store error the returned decision follows Config.FailOpen (closed by
// default, meaning a challenge is required) and the error is returned alongside it.
func (e *Engine) RequiresChallengeForAuth(ctx context.Context, ip string) (bool, error) {
	required, err := e.evaluate(ctx, ip)
	if err != nil {
		return !e.cfg.FailOpen, err
	}
	return required, nil
}

func (e *Engine) evaluate(ctx context.Context, ip string) (bool, error) {
	rec, err := e.store.Get(ctx, ip)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	if rec.Expired(e.now(), e.cfg.Expire) {
		// Lazy expiry: the record no longer counts whether or not the delete lands.
		// The conditional delete keeps a failure recorded since the read.
		if _, err := e.store.DeleteIfExpired(ctx, ip, e.now(), e.cfg.Expire); err != nil {
			e.logger.Warn("failed to delete expired ledger record",
				zap.Error(err),
				zap.String("client_ip", ip),
			)
		}
		return false, nil
	}

	return rec.Hits >= e.cfg.FailedAttemptsThreshold, nil
}

// RecordFailure counts a failed login for ip.
func (e *Engine) RecordFailure(ctx context.Context, ip string, now time.Time) (*ledger.FailureRecord, error) {
	return e.store.UpsertFailure(ctx, ip, now)
}

// ClearTrust forgets every failure recorded for ip and kicks off a background
// sweep of expired records. Only the delete's error is reported.
func (e *Engine) ClearTrust(ctx context.Context, ip string) error {
	err := e.store.Delete(ctx, ip)
	e.sweepAsync(ctx)
	return err
}

// sweepAsync starts one expiry sweep unless another is still running.
func (e *Engine) sweepAsync(ctx context.Context) {
	if !e.sweeping.CompareAndSwap(false, true) {
		return
	}

	e.sweeps.Add(1)
	go func() {
		defer e.sweeps.Done()
		defer e.sweeping.Store(false)

		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sweepTimeout)
		defer cancel()

		deleted, err := e.store.DeleteExpired(sweepCtx, e.now(), e.cfg.Expire)
		if err != nil {
			e.logger.Warn("opportunistic ledger sweep failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			e.logger.Debug("opportunistic ledger sweep completed", zap.Int64("records_deleted", deleted))
		}
	}()
}

// Wait blocks until background sweeps have finished.
func (e *Engine) Wait() {
	e.sweeps.Wait()
}
