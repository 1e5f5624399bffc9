// Package captcha verifies challenge-response tokens against a siteverify endpoint.
package captcha

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Providers and their defaults.
const (
	ProviderTurnstile = "turnstile"
	ProviderRecaptcha = "recaptcha"

	TurnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	RecaptchaVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

	TurnstileResponseField = "cf-turnstile-response"
	RecaptchaResponseField = "g-recaptcha-response"
)

// Error codes produced locally. Provider codes are passed through untouched.
const (
	CodeInvalidResponse  = "invalid-response"
	CodeRequestTimeout   = "request-timeout"
	CodeConnectionFailed = "connection-failed"
	CodeMissingInput     = "missing-input-response"
)

const maxResponseBytes = 64 << 10

// ErrInvalidResponse is returned when the verifier's reply cannot be understood.
var ErrInvalidResponse = errors.New("invalid verification response")

// Result is the outcome of a verification call.
type Result struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes"`
	Hostname    string   `json:"hostname,omitempty"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
}

// Verifier checks a token submitted by a client.
//
// A nil error with Success=false is an explicit rejection by the provider.
// A non-nil error is a transport or protocol failure; the Result still carries
// a reason code and Success is always false.
type Verifier interface {
	Verify(ctx context.Context, token, clientIP string) (Result, error)
}

// Config configures a Client.
type Config struct {
	Provider  string
	SecretKey string
	// VerifyURL overrides the provider's endpoint.
	VerifyURL string
	Timeout   time.Duration
}

// Client is the HTTP Verifier. It never retries.
type Client struct {
	httpClient *http.Client
	verifyURL  string
	secret     string
	timeout    time.Duration
}

// NewClient creates a verifier for the configured provider.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("captcha secret key is required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("captcha timeout must be positive")
	}

	verifyURL := cfg.VerifyURL
	if verifyURL == "" {
		var err error
		if verifyURL, err = DefaultVerifyURL(cfg.Provider); err != nil {
			return nil, err
		}
	}
	if _, err := url.ParseRequestURI(verifyURL); err != nil {
		return nil, fmt.Errorf("invalid captcha verify URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		verifyURL:  verifyURL,
		secret:     cfg.SecretKey,
		timeout:    cfg.Timeout,
	}, nil
}

// WithHTTPClient returns a copy of c using hc. The timeout is still enforced per call.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.httpClient = hc
	return &cp
}

// DefaultVerifyURL returns the siteverify endpoint for provider.
func DefaultVerifyURL(provider string) (string, error) {
	switch provider {
	case ProviderTurnstile, "":
		return TurnstileVerifyURL, nil
	case ProviderRecaptcha:
		return RecaptchaVerifyURL, nil
	default:
		return "", fmt.Errorf("unknown captcha provider %q", provider)
	}
}

// ResponseField returns the form field the provider's widget submits the token in.
func ResponseField(provider string) string {
	if provider == ProviderRecaptcha {
		return RecaptchaResponseField
	}
	return TurnstileResponseField
}

// Verify posts the token to the provider.
func (c *Client) Verify(ctx context.Context, token, clientIP string) (Result, error) {
	if strings.TrimSpace(token) == "" {
		return Result{ErrorCodes: []string{CodeMissingInput}}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if clientIP != "" {
		form.Set("remoteip", clientIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return failure(CodeConnectionFailed), fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return failure(CodeRequestTimeout), fmt.Errorf("verification request timed out: %w", err)
		}
		return failure(CodeConnectionFailed), fmt.Errorf("verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(CodeInvalidResponse), fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return failure(CodeRequestTimeout), fmt.Errorf("reading verification response timed out: %w", err)
		}
		return failure(CodeInvalidResponse), fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return parseResult(body)
}

func parseResult(body []byte) (Result, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return failure(CodeInvalidResponse), fmt.Errorf("%w: empty body", ErrInvalidResponse)
	}

	var raw struct {
		Success     *bool    `json:"success"`
		ErrorCodes  []string `json:"error-codes"`
		Hostname    string   `json:"hostname"`
		ChallengeTS string   `json:"challenge_ts"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return failure(CodeInvalidResponse), fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if raw.Success == nil {
		return failure(CodeInvalidResponse), fmt.Errorf("%w: missing success field", ErrInvalidResponse)
	}

	res := Result{
		Success:     *raw.Success,
		ErrorCodes:  raw.ErrorCodes,
		Hostname:    raw.Hostname,
		ChallengeTS: raw.ChallengeTS,
	}
	if !res.Success && len(res.ErrorCodes) == 0 {
		res.ErrorCodes = []string{CodeInvalidResponse}
	}
	return res, nil
}

func failure(code string) Result {
	return Result{Success: false, ErrorCodes: []string{code}}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
