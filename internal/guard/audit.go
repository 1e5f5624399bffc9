package guard

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Audit event types.
const (
	EventChallengeMissing = "challenge_missing"
	EventChallengePassed  = "challenge_passed"
	EventChallengeFailed  = "challenge_failed"
	EventTrustedBypass    = "trusted_session_bypass"
	EventLoginSucceeded   = "login_succeeded"
	EventLoginFailed      = "login_failed"
)

const (
	publishTimeout = 2 * time.Second

	// DefaultAuditQueueSize bounds the events waiting for the publisher.
	DefaultAuditQueueSize = 256
)

// AuditEvent is one security-relevant decision taken by the controller.
type AuditEvent struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	ClientIP      string   `json:"client_ip"`
	UserHash      string   `json:"user_hash,omitempty"`
	State         State    `json:"state,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	ErrorCodes    []string `json:"error_codes,omitempty"`
	Hits          int      `json:"hits,omitempty"`
	Detail        string   `json:"detail,omitempty"`
	Timestamp     string   `json:"timestamp"`
}

// AuditPublisher ships audit events to an external sink.
type AuditPublisher interface {
	Publish(ctx context.Context, event any) error
}

// Auditor writes audit events to the log and, when configured, hands them to
// a background worker that ships them to a publisher. Login handling never
// waits on the publisher.
type Auditor struct {
	logger    *zap.Logger
	publisher AuditPublisher

	mu      sync.RWMutex
	closed  bool
	pending chan pendingEvent
	wg      sync.WaitGroup
}

type pendingEvent struct {
	ctx context.Context
	ev  AuditEvent
}

// AuditorOption configures an Auditor.
type AuditorOption func(*Auditor)

// WithQueueSize sets how many events may wait for the publisher before new
// ones are dropped.
func WithQueueSize(n int) AuditorOption {
	return func(a *Auditor) {
		if n > 0 {
			a.pending = make(chan pendingEvent, n)
		}
	}
}

// NewAuditor creates an auditor. publisher may be nil, in which case events
// are only logged. Call Close to flush queued events.
func NewAuditor(logger *zap.Logger, publisher AuditPublisher, opts ...AuditorOption) *Auditor {
	a := &Auditor{logger: logger, publisher: publisher}
	if publisher == nil {
		return a
	}

	a.pending = make(chan pendingEvent, DefaultAuditQueueSize)
	for _, opt := range opts {
		opt(a)
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Record logs ev and queues it for publishing. A full queue drops the event
// from the publisher; the log line is always written.
func (a *Auditor) Record(ctx context.Context, ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	level := zapcore.InfoLevel
	switch ev.Type {
	case EventChallengeMissing, EventChallengeFailed:
		level = zapcore.WarnLevel
	}

	a.logger.Log(level, "audit",
		zap.String("audit_id", ev.ID),
		zap.String("event", ev.Type),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("client_ip", ev.ClientIP),
		zap.String("user_hash", ev.UserHash),
		zap.String("state", string(ev.State)),
		zap.String("reason", ev.Reason),
		zap.Strings("error_codes", ev.ErrorCodes),
		zap.Int("hits", ev.Hits),
		zap.String("detail", ev.Detail),
	)

	if a.publisher == nil {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.pending <- pendingEvent{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		a.logger.Warn("audit queue full, event not published",
			zap.String("audit_id", ev.ID),
			zap.String("event", ev.Type),
			zap.String("correlation_id", ev.CorrelationID),
		)
	}
}

// Close stops accepting events and waits until the queued ones are published.
func (a *Auditor) Close() {
	if a.publisher == nil {
		return
	}

	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.pending)
	}
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *Auditor) run() {
	defer a.wg.Done()
	for p := range a.pending {
		a.publish(p.ctx, p.ev)
	}
}

func (a *Auditor) publish(ctx context.Context, ev AuditEvent) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := a.publisher.Publish(pubCtx, ev); err != nil {
		a.logger.Warn("failed to publish audit event",
			zap.Error(err),
			zap.String("audit_id", ev.ID),
			zap.String("correlation_id", ev.CorrelationID),
		)
	}
}

// hashIdentifier returns the first 8 characters of the SHA-256 hex digest for log anonymization.
func hashIdentifier(identifier string) string {
	if identifier == "" {
		return ""
	}
	h := sha256.Sum256([]byte(identifier))
	return fmt.Sprintf("%x", h[:4])
}
