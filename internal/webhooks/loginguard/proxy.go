package loginguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/alkem-io/login-guard/internal/guard"
	"github.com/alkem-io/login-guard/internal/middleware"
)

const (
	maxLoginBodyBytes = 1 << 20

	// DefaultOutcomeHeader is the upstream response header carrying the login verdict.
	DefaultOutcomeHeader = "X-Login-Outcome"

	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// userFields are the form fields tried, in order, for the login name.
var userFields = []string{"user", "username", "email", "identifier", "login"}

// ProxyConfig configures the login reverse proxy.
type ProxyConfig struct {
	Upstream      string
	Path          string
	OutcomeHeader string
	// RateLimit is the per-IP request budget per minute; zero disables it.
	RateLimit int
	// TrustedProxies lists the CIDRs whose forwarding headers are believed.
	// Empty means the direct peer is always the client.
	TrustedProxies []string
	// SuccessStatuses are upstream statuses that count as a successful login
	// when the outcome header is absent.
	SuccessStatuses []int
}

type argsKey struct{}

// NewLoginProxy creates an http.Handler that runs the guard around credential
// submissions to Path and forwards everything to the upstream login service.
func NewLoginProxy(cfg ProxyConfig, controller LoginController, logger *zap.Logger) (http.Handler, error) {
	target, err := url.Parse(cfg.Upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid login proxy upstream %q", cfg.Upstream)
	}
	if cfg.Path == "" {
		cfg.Path = "/login"
	}
	if cfg.OutcomeHeader == "" {
		cfg.OutcomeHeader = DefaultOutcomeHeader
	}
	resolver, err := newClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	successStatuses := make(map[int]bool, len(cfg.SuccessStatuses))
	for _, status := range cfg.SuccessStatuses {
		successStatuses[status] = true
	}

	proxy := httputil.NewSingleHostReverseProxy(target) //nolint:gosec // target is from trusted config
	proxy.ModifyResponse = func(resp *http.Response) error {
		args, ok := resp.Request.Context().Value(argsKey{}).(guard.LoginArgs)
		if !ok {
			return nil
		}
		verdict := upstreamVerdict(resp, cfg.OutcomeHeader, successStatuses)
		resp.Header.Del(cfg.OutcomeHeader)

		ctx := resp.Request.Context()
		correlationID := middleware.GetCorrelationID(ctx)
		switch verdict {
		case outcomeSuccess:
			controller.LoginSucceeded(ctx, args, correlationID)
		case outcomeFailure:
			controller.LoginFailed(ctx, args, correlationID)
		}
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("login upstream unreachable",
			zap.Error(err),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		)
		w.WriteHeader(http.StatusBadGateway)
	}

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != cfg.Path {
			proxy.ServeHTTP(w, r) //nolint:gosec // proxy target is from trusted config
			return
		}

		correlationID := middleware.GetCorrelationID(r.Context())

		clientIP, ok := resolver.resolve(r)
		if !ok {
			logger.Warn("login request without a usable client address, rejecting",
				zap.String("correlation_id", correlationID),
				zap.String("remote_addr", r.RemoteAddr),
			)
			http.Error(w, "invalid client address", http.StatusBadRequest)
			return
		}

		bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxLoginBodyBytes))
		_ = r.Body.Close()
		if err != nil {
			logger.Warn("failed to read login request body, rejecting",
				zap.Error(err),
				zap.String("correlation_id", correlationID),
			)
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		fields := extractFields(bodyBytes, r.Header.Get("Content-Type"))
		args := guard.LoginArgs{
			User:     firstField(fields, userFields),
			ClientIP: clientIP,
			Fields:   fields,
		}

		outcome := controller.Authenticate(r.Context(), args, correlationID)
		if !outcome.Proceeding() {
			logger.Warn("login proxy rejected request",
				zap.String("correlation_id", correlationID),
				zap.String("client_ip", args.ClientIP),
				zap.String("reason", outcome.Reason),
			)

			if isBrowserRequest(r) {
				http.Redirect(w, r, cfg.Path+"?challenge=required", http.StatusSeeOther)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(newAuthenticateResponse(outcome))
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), argsKey{}, args))
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		r.ContentLength = int64(len(bodyBytes))
		proxy.ServeHTTP(w, r) //nolint:gosec // proxy target is from trusted config
	})

	if cfg.RateLimit > 0 {
		handler = httprate.Limit(
			cfg.RateLimit,
			time.Minute,
			httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
				ip, _ := resolver.resolve(r)
				return ip, nil
			}),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			}),
		)(handler)
	}

	return handler, nil
}

// upstreamVerdict reads the login result from the upstream response. An
// explicit outcome header wins; otherwise 401/403 is a failure and only the
// configured success statuses count as a success. Anything else leaves the
// ledger alone.
func upstreamVerdict(resp *http.Response, header string, successStatuses map[int]bool) string {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get(header))) {
	case outcomeSuccess:
		return outcomeSuccess
	case outcomeFailure:
		return outcomeFailure
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return outcomeFailure
	case successStatuses[resp.StatusCode]:
		return outcomeSuccess
	}
	return ""
}

// extractFields flattens a form-encoded or JSON login body into string fields.
func extractFields(body []byte, contentType string) map[string]string {
	fields := make(map[string]string)

	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		if values, err := url.ParseQuery(string(body)); err == nil {
			for k := range values {
				fields[k] = values.Get(k)
			}
		}
		return fields
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fields
	}
	for k, v := range parsed {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return fields
}

func firstField(fields map[string]string, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(fields[name]); v != "" {
			return v
		}
	}
	return ""
}

// isBrowserRequest returns true if the request is from a browser (native form POST)
// rather than an API client.
func isBrowserRequest(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
