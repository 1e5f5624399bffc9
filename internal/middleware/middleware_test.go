package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alkem-io/login-guard/internal/middleware"
)

func TestCorrelationID_PropagatesIncomingHeader(t *testing.T) {
	var seen string
	h := middleware.CorrelationID("X-Request-ID")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hooks/login/render", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "abc-123" {
		t.Errorf("expected abc-123 in context, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("expected response header abc-123, got %q", got)
	}
}

func TestCorrelationID_ReplacesInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("a", 200)},
		{"whitespace", "abc 123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := middleware.CorrelationID("X-Request-ID")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = middleware.GetCorrelationID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.value != "" {
				req.Header.Set("X-Request-ID", tt.value)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if seen == "" || seen == tt.value {
				t.Errorf("expected a generated correlation ID, got %q", seen)
			}
		})
	}
}

func TestMaintenance_BlocksHooksButNotHealth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := middleware.Maintenance(true, "back soon", zap.NewNop())(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/hooks/login/authenticate", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "back soon") {
		t.Errorf("expected maintenance message, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected health to pass through, got %d", rec.Code)
	}
}

func TestMaintenance_DisabledPassesThrough(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := middleware.Maintenance(false, "", zap.NewNop())(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/hooks/login/render", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestLogging_RecordsStatusAndCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	})
	h := middleware.CorrelationID("X-Request-ID")(middleware.Logging(zap.New(core))(inner))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hooks/login/authenticate", nil)
	req.Header.Set("X-Request-ID", "corr-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusForbidden) {
		t.Errorf("expected status 403, got %v", fields["status"])
	}
	if fields["bytes"] != int64(4) {
		t.Errorf("expected 4 bytes, got %v", fields["bytes"])
	}
	if fields["correlation_id"] != "corr-1" {
		t.Errorf("expected correlation_id corr-1, got %v", fields["correlation_id"])
	}
}
