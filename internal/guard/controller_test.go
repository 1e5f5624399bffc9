package guard_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alkem-io/login-guard/internal/captcha"
	"github.com/alkem-io/login-guard/internal/guard"
	"github.com/alkem-io/login-guard/internal/ledger"
	"github.com/alkem-io/login-guard/internal/ledger/memory"
	"github.com/alkem-io/login-guard/internal/policy"
)

const responseField = captcha.TurnstileResponseField

// fakeVerifier implements captcha.Verifier for testing.
type fakeVerifier struct {
	mu        sync.Mutex
	result    captcha.Result
	err       error
	calls     int
	lastToken string
	lastIP    string
}

func (f *fakeVerifier) Verify(_ context.Context, token, clientIP string) (captcha.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastToken = token
	f.lastIP = clientIP
	return f.result, f.err
}

// recordingPublisher implements guard.AuditPublisher for testing.
type recordingPublisher struct {
	mu     sync.Mutex
	events []guard.AuditEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := event.(guard.AuditEvent); ok {
		p.events = append(p.events, ev)
	}
	return p.err
}

func (p *recordingPublisher) ofType(eventType string) []guard.AuditEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []guard.AuditEvent
	for _, ev := range p.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// brokenStore fails every lookup.
type brokenStore struct {
	ledger.Store
}

func (brokenStore) Get(context.Context, string) (*ledger.FailureRecord, error) {
	return nil, ledger.Unavailable("get", errors.New("connection refused"))
}

type fixture struct {
	store      *memory.Store
	engine     *policy.Engine
	verifier   *fakeVerifier
	publisher  *recordingPublisher
	auditor    *guard.Auditor
	logs       *observer.ObservedLogs
	controller *guard.Controller
}

type fixtureOptions struct {
	threshold int
	store     ledger.Store
	verifier  captcha.Verifier
	bypass    bool
	failOpen  bool
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	if opts.threshold == 0 {
		opts.threshold = 3
	}

	mem := memory.New()
	var store ledger.Store = mem
	if opts.store != nil {
		store = opts.store
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	engine, err := policy.New(store, policy.Config{
		FailedAttemptsThreshold: opts.threshold,
		Expire:                  30 * time.Minute,
		FailOpen:                opts.failOpen,
	}, logger)
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	t.Cleanup(engine.Wait)

	fv := &fakeVerifier{result: captcha.Result{Success: true}}
	var verifier captcha.Verifier = fv
	if opts.verifier != nil {
		verifier = opts.verifier
	}

	publisher := &recordingPublisher{}
	auditor := guard.NewAuditor(logger, publisher)
	t.Cleanup(auditor.Close)
	controller, err := guard.NewController(engine, verifier, auditor, guard.Settings{
		Provider:                captcha.ProviderTurnstile,
		SiteKey:                 "site-key",
		FailedAttemptsThreshold: opts.threshold,
		TrustedSessionBypass:    opts.bypass,
	}, logger)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	return &fixture{
		store:      mem,
		engine:     engine,
		verifier:   fv,
		publisher:  publisher,
		auditor:    auditor,
		logs:       logs,
		controller: controller,
	}
}

// flushAudit waits for queued audit events to reach the publisher.
func (f *fixture) flushAudit() {
	f.auditor.Close()
}

func args(ip string, token string) guard.LoginArgs {
	fields := map[string]string{"username": "alice@example.com"}
	if token != "" {
		fields[responseField] = token
	}
	return guard.LoginArgs{User: "alice@example.com", ClientIP: ip, Fields: fields}
}

func (f *fixture) failLogins(t *testing.T, ip string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res := f.controller.LoginFailed(context.Background(), args(ip, ""), "test-corr-id")
		if res.Err != nil {
			t.Fatalf("LoginFailed: %v", res.Err)
		}
	}
}

func TestNewController_RequiresVerifierAndSiteKey(t *testing.T) {
	engine, _ := policy.New(memory.New(), policy.Config{FailedAttemptsThreshold: 3, Expire: time.Minute}, zap.NewNop())

	if _, err := guard.NewController(engine, nil, nil, guard.Settings{SiteKey: "k"}, zap.NewNop()); err == nil {
		t.Error("expected error without verifier")
	}
	if _, err := guard.NewController(engine, &fakeVerifier{}, nil, guard.Settings{}, zap.NewNop()); err == nil {
		t.Error("expected error without site key")
	}
}

func TestAuthenticate_UnchallengedBelowThreshold(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.failLogins(t, "10.0.0.1", 2)

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", ""), "test-corr-id")

	if !out.Proceeding() {
		t.Fatalf("expected proceed, got %+v", out)
	}
	if out.State != guard.StateUnchallenged {
		t.Errorf("expected UNCHALLENGED, got %s", out.State)
	}
	if f.verifier.calls != 0 {
		t.Errorf("expected no gateway call, got %d", f.verifier.calls)
	}
}

func TestRenderForm_ShowsWidgetAtThreshold(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	res := f.controller.RenderForm(context.Background(), args("10.0.0.1", ""), "test-corr-id")
	if res.ShowChallenge {
		t.Error("expected no challenge for clean IP")
	}
	if res.SiteKey != "" {
		t.Error("expected no widget details when no challenge is shown")
	}

	f.failLogins(t, "10.0.0.1", 3)

	res = f.controller.RenderForm(context.Background(), args("10.0.0.1", ""), "test-corr-id")
	if !res.ShowChallenge {
		t.Fatal("expected challenge after threshold failures")
	}
	if res.SiteKey != "site-key" || res.Provider != captcha.ProviderTurnstile || res.ResponseField != responseField {
		t.Errorf("unexpected widget details %+v", res)
	}
}

// Threshold reached, no token submitted.
func TestAuthenticate_MissingTokenIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.failLogins(t, "10.0.0.1", 3)

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", ""), "test-corr-id")

	if out.Proceeding() {
		t.Fatal("expected rejection")
	}
	if out.Reason != guard.ReasonMissingChallengeInput {
		t.Errorf("expected reason %s, got %s", guard.ReasonMissingChallengeInput, out.Reason)
	}
	if out.State != guard.StateChallengeFailed {
		t.Errorf("expected CHALLENGE_FAILED_OR_MISSING, got %s", out.State)
	}
	if out.UserMessage != guard.MessageChallengeRequired {
		t.Errorf("unexpected user message %q", out.UserMessage)
	}
	if f.verifier.calls != 0 {
		t.Error("gateway must not be called without a token")
	}

	entries := f.logs.FilterMessage("audit").FilterField(zap.String("event", guard.EventChallengeMissing)).All()
	if len(entries) != 1 {
		t.Fatalf("expected one challenge_missing audit entry, got %d", len(entries))
	}
	if detail := entries[0].ContextMap()["detail"]; detail != "empty input" {
		t.Errorf("expected detail 'empty input', got %v", detail)
	}
}

// Valid token, then a successful login clears the ledger.
func TestAuthenticate_ValidTokenProceedsAndSuccessClears(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.failLogins(t, "10.0.0.1", 3)

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", "good-token"), "test-corr-id")

	if !out.Proceeding() {
		t.Fatalf("expected proceed, got %+v", out)
	}
	if out.State != guard.StateChallengePassed {
		t.Errorf("expected CHALLENGE_PASSED, got %s", out.State)
	}
	if f.verifier.lastToken != "good-token" || f.verifier.lastIP != "10.0.0.1" {
		t.Errorf("gateway called with %q/%q", f.verifier.lastToken, f.verifier.lastIP)
	}

	res := f.controller.LoginSucceeded(context.Background(), args("10.0.0.1", ""), "test-corr-id")
	if !res.Updated || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	f.engine.Wait()

	if rec, _ := f.store.Get(context.Background(), "10.0.0.1"); rec != nil {
		t.Errorf("expected record to be deleted, got %+v", rec)
	}
}

func TestAuthenticate_PassedChallengeDoesNotClearLedger(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.failLogins(t, "10.0.0.1", 3)

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", "good-token"), "test-corr-id")
	if !out.Proceeding() {
		t.Fatal("expected proceed")
	}

	res := f.controller.LoginFailed(context.Background(), args("10.0.0.1", ""), "test-corr-id")
	if res.Hits != 4 {
		t.Errorf("expected hits=4 after wrong password, got %d", res.Hits)
	}
	if !res.ChallengeRequired {
		t.Error("expected next attempt to still require a challenge")
	}
}

func TestAuthenticate_GatewayRejectionKeepsCodes(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.verifier.result = captcha.Result{Success: false, ErrorCodes: []string{"invalid-input-response"}}
	f.failLogins(t, "10.0.0.1", 3)

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", "bad-token"), "test-corr-id")

	if out.Proceeding() {
		t.Fatal("expected rejection")
	}
	if out.Reason != guard.ReasonChallengeFailed {
		t.Errorf("expected reason %s, got %s", guard.ReasonChallengeFailed, out.Reason)
	}
	f.flushAudit()
	failed := f.publisher.ofType(guard.EventChallengeFailed)
	if len(failed) != 1 {
		t.Fatalf("expected one challenge_failed audit event, got %d", len(failed))
	}
	ev := failed[0]
	if len(ev.ErrorCodes) != 1 || ev.ErrorCodes[0] != "invalid-input-response" {
		t.Errorf("unexpected audit event %+v", ev)
	}
	if ev.UserHash == "" || ev.UserHash == "alice@example.com" {
		t.Errorf("expected hashed user, got %q", ev.UserHash)
	}
}

func TestAuthenticate_GatewayTransportErrorIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.verifier.result = captcha.Result{ErrorCodes: []string{captcha.CodeConnectionFailed}}
	f.verifier.err = errors.New("dial tcp: connection refused")
	f.failLogins(t, "10.0.0.1", 3)

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", "token"), "test-corr-id")

	if out.Proceeding() {
		t.Fatal("expected rejection on transport error")
	}
	if out.UserMessage != guard.MessageChallengeFailed {
		t.Errorf("unexpected message %q", out.UserMessage)
	}
	f.flushAudit()
	if failed := f.publisher.ofType(guard.EventChallengeFailed); len(failed) != 1 || failed[0].Detail == "" {
		t.Error("expected transport error detail in audit event")
	}
}

// The gateway times out.
func TestAuthenticate_GatewayTimeoutIsRejected(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := captcha.NewClient(captcha.Config{
		Provider:  captcha.ProviderTurnstile,
		SecretKey: "secret",
		VerifyURL: server.URL,
		Timeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("captcha.NewClient: %v", err)
	}

	f := newFixture(t, fixtureOptions{verifier: client})
	f.failLogins(t, "10.0.0.1", 3)

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", "token"), "test-corr-id")

	if out.Proceeding() {
		t.Fatal("expected rejection on timeout")
	}
	found := false
	for _, code := range out.ErrorCodes {
		if code == captcha.CodeRequestTimeout {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in error codes, got %v", captcha.CodeRequestTimeout, out.ErrorCodes)
	}
}

// A stale record no longer triggers a challenge.
func TestAuthenticate_ExpiredRecordIsIgnoredAndRemoved(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	for i := 0; i < 5; i++ {
		if _, err := f.store.UpsertFailure(context.Background(), "10.0.0.1", time.Now().Add(-31*time.Minute)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", ""), "test-corr-id")

	if !out.Proceeding() || out.State != guard.StateUnchallenged {
		t.Fatalf("expected unchallenged proceed, got %+v", out)
	}
	if rec, _ := f.store.Get(context.Background(), "10.0.0.1"); rec != nil {
		t.Error("expected expired record to be removed")
	}
}

func TestAuthenticate_TrustedSessionBypass(t *testing.T) {
	f := newFixture(t, fixtureOptions{bypass: true})
	f.failLogins(t, "10.0.0.1", 3)

	a := args("10.0.0.1", "")
	a.TrustedSession = true
	out := f.controller.Authenticate(context.Background(), a, "test-corr-id")

	if !out.Proceeding() {
		t.Fatal("expected trusted session to bypass the challenge")
	}
	if f.verifier.calls != 0 {
		t.Error("expected no gateway call for trusted session")
	}
	f.flushAudit()
	if len(f.publisher.ofType(guard.EventTrustedBypass)) != 1 {
		t.Errorf("expected bypass audit event, got %+v", f.publisher.events)
	}
}

func TestAuthenticate_TrustedSessionIgnoredWhenBypassDisabled(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.failLogins(t, "10.0.0.1", 3)

	a := args("10.0.0.1", "")
	a.TrustedSession = true
	out := f.controller.Authenticate(context.Background(), a, "test-corr-id")

	if out.Proceeding() {
		t.Fatal("expected rejection when bypass is disabled")
	}
}

func TestAuthenticate_StoreErrorFailsClosed(t *testing.T) {
	f := newFixture(t, fixtureOptions{store: brokenStore{Store: memory.New()}})

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", ""), "test-corr-id")
	if out.Proceeding() {
		t.Fatal("expected rejection when ledger is unavailable and no token is present")
	}

	out = f.controller.Authenticate(context.Background(), args("10.0.0.1", "good-token"), "test-corr-id")
	if !out.Proceeding() || out.State != guard.StateChallengePassed {
		t.Errorf("expected a verified challenge to proceed, got %+v", out)
	}
}

func TestAuthenticate_StoreErrorFailsOpenWhenConfigured(t *testing.T) {
	f := newFixture(t, fixtureOptions{store: brokenStore{Store: memory.New()}, failOpen: true})

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", ""), "test-corr-id")
	if !out.Proceeding() || out.State != guard.StateUnchallenged {
		t.Errorf("expected unchallenged proceed, got %+v", out)
	}
}

func TestAuditPublishFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.publisher.err = errors.New("broker down")
	f.failLogins(t, "10.0.0.1", 3)

	out := f.controller.Authenticate(context.Background(), args("10.0.0.1", "good-token"), "test-corr-id")
	if !out.Proceeding() {
		t.Fatal("expected proceed despite audit publish failure")
	}
	f.flushAudit()
	if f.logs.FilterMessage("failed to publish audit event").Len() == 0 {
		t.Error("expected publish failure to be logged")
	}
}

func TestLoginFailed_ReportsThreshold(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	for i := 1; i <= 3; i++ {
		res := f.controller.LoginFailed(context.Background(), args("10.0.0.1", ""), "test-corr-id")
		if res.Hits != i {
			t.Errorf("expected hits=%d, got %d", i, res.Hits)
		}
		if res.ChallengeRequired != (i >= 3) {
			t.Errorf("hits=%d: unexpected challenge flag %v", i, res.ChallengeRequired)
		}
	}
}

func TestLoginSucceeded_IsIdempotent(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	for i := 0; i < 2; i++ {
		res := f.controller.LoginSucceeded(context.Background(), args("10.0.0.9", ""), "test-corr-id")
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
	}
}
