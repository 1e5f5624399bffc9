package guard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alkem-io/login-guard/internal/captcha"
	"github.com/alkem-io/login-guard/internal/guard"
	"github.com/alkem-io/login-guard/internal/ledger/memory"
	"github.com/alkem-io/login-guard/internal/policy"
)

// stalledPublisher blocks every Publish until release is closed, like a broker
// that accepted the TCP connection and never answered.
type stalledPublisher struct {
	release  chan struct{}
	received chan struct{}

	mu     sync.Mutex
	events []guard.AuditEvent
}

func newStalledPublisher() *stalledPublisher {
	return &stalledPublisher{release: make(chan struct{}), received: make(chan struct{}, 64)}
}

func (p *stalledPublisher) Publish(_ context.Context, event any) error {
	p.received <- struct{}{}
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := event.(guard.AuditEvent); ok {
		p.events = append(p.events, ev)
	}
	return nil
}

func (p *stalledPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func TestAuthenticate_DoesNotWaitForStalledAuditPublisher(t *testing.T) {
	engine, err := policy.New(memory.New(), policy.Config{FailedAttemptsThreshold: 3, Expire: 30 * time.Minute}, zap.NewNop())
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	t.Cleanup(engine.Wait)

	publisher := newStalledPublisher()
	auditor := guard.NewAuditor(zap.NewNop(), publisher)
	controller, err := guard.NewController(engine, &fakeVerifier{result: captcha.Result{Success: true}}, auditor, guard.Settings{
		Provider:                captcha.ProviderTurnstile,
		SiteKey:                 "site-key",
		FailedAttemptsThreshold: 3,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	start := time.Now()
	for i := 0; i < 3; i++ {
		controller.LoginFailed(context.Background(), args("10.0.0.1", ""), "test-corr-id")
	}
	out := controller.Authenticate(context.Background(), args("10.0.0.1", "good-token"), "test-corr-id")
	elapsed := time.Since(start)

	if !out.Proceeding() {
		t.Fatalf("expected proceed, got %+v", out)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("login handling took %s while the audit publisher was stalled", elapsed)
	}

	close(publisher.release)
	auditor.Close()
	if got := publisher.published(); got != 4 {
		t.Errorf("expected 4 published events after Close, got %d", got)
	}
}

func TestAuditor_DropsEventsWhenQueueIsFull(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	publisher := newStalledPublisher()
	auditor := guard.NewAuditor(zap.New(core), publisher, guard.WithQueueSize(1))

	auditor.Record(context.Background(), guard.AuditEvent{Type: guard.EventLoginFailed, ClientIP: "10.0.0.1"})
	select {
	case <-publisher.received:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first event")
	}

	auditor.Record(context.Background(), guard.AuditEvent{Type: guard.EventLoginFailed, ClientIP: "10.0.0.2"})
	auditor.Record(context.Background(), guard.AuditEvent{Type: guard.EventLoginFailed, ClientIP: "10.0.0.3"})

	if n := logs.FilterMessage("audit queue full, event not published").Len(); n != 1 {
		t.Errorf("expected one dropped event, got %d", n)
	}
	if n := logs.FilterMessage("audit").Len(); n != 3 {
		t.Errorf("expected every event logged, got %d", n)
	}

	close(publisher.release)
	auditor.Close()
	if got := publisher.published(); got != 2 {
		t.Errorf("expected 2 published events, got %d", got)
	}
}

func TestAuditor_RecordAfterCloseIsLoggedOnly(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	publisher := &recordingPublisher{}
	auditor := guard.NewAuditor(zap.New(core), publisher)

	auditor.Close()
	auditor.Close()
	auditor.Record(context.Background(), guard.AuditEvent{Type: guard.EventLoginSucceeded, ClientIP: "10.0.0.1"})

	if logs.FilterMessage("audit").Len() != 1 {
		t.Error("expected the event to be logged")
	}
	if len(publisher.ofType(guard.EventLoginSucceeded)) != 0 {
		t.Error("expected no publish after Close")
	}
}

func TestAuditor_WithoutPublisherOnlyLogs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	auditor := guard.NewAuditor(zap.New(core), nil)

	auditor.Record(context.Background(), guard.AuditEvent{Type: guard.EventChallengeMissing, ClientIP: "10.0.0.1"})
	auditor.Close()

	entries := logs.FilterMessage("audit").All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit log entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Errorf("expected warn level for challenge_missing, got %s", entries[0].Level)
	}
}
