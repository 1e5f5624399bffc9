// Package config provides typed configuration loading from environment variables.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// CAPTCHA providers.
const (
	ProviderTurnstile = "turnstile"
	ProviderRecaptcha = "recaptcha"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Port      int
	LogLevel  string
	LogFormat string

	// Maintenance mode
	MaintenanceMode    bool
	MaintenanceMessage string

	// Correlation ID header name
	CorrelationIDHeader string

	// Challenge policy
	FailedAttemptsThreshold int
	ExpireTimeMinutes       int
	LedgerFailOpen          bool
	TrustedSessionBypass    bool

	// Ledger storage
	LedgerBackend       string
	RedisURL            string
	DatabaseURL         string
	SQLitePath          string
	LedgerSweepInterval time.Duration

	// Verification gateway
	CaptchaProvider  string
	CaptchaSiteKey   string
	CaptchaSecretKey string
	CaptchaVerifyURL string
	CaptchaTimeout   time.Duration

	// Audit publishing (optional)
	AuditRabbitMQURL string

	// Reverse proxy mode (optional)
	LoginProxyUpstream      string
	LoginProxyPath          string
	LoginProxyOutcomeHeader string
	LoginProxyRateLimit     int
	// Forwarding headers are believed only from these CIDRs.
	LoginProxyTrustedProxies []string
	// Upstream statuses that mean success when the outcome header is absent.
	LoginProxySuccessStatus []string
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors for production)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnvInt("PORT", 8080),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogFormat:                getEnv("LOG_FORMAT", "json"),
		MaintenanceMode:          getEnvBool("MAINTENANCE_MODE", false),
		MaintenanceMessage:       getEnv("MAINTENANCE_MESSAGE", "Service under maintenance"),
		CorrelationIDHeader:      getEnv("CORRELATION_ID_HEADER", "X-Request-ID"),
		FailedAttemptsThreshold:  getEnvInt("FAILED_ATTEMPTS_THRESHOLD", 3),
		ExpireTimeMinutes:        getEnvInt("EXPIRE_TIME_MINUTES", 30),
		LedgerFailOpen:           getEnvBool("LEDGER_FAIL_OPEN", false),
		TrustedSessionBypass:     getEnvBool("TRUSTED_SESSION_BYPASS", false),
		LedgerBackend:            strings.ToLower(getEnv("LEDGER_BACKEND", BackendMemory)),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		SQLitePath:               getEnv("SQLITE_PATH", "login-guard.db"),
		LedgerSweepInterval:      getEnvDuration("LEDGER_SWEEP_INTERVAL", 0),
		CaptchaProvider:          strings.ToLower(getEnv("CAPTCHA_PROVIDER", ProviderTurnstile)),
		CaptchaSiteKey:           getEnv("CAPTCHA_SITE_KEY", ""),
		CaptchaSecretKey:         getEnv("CAPTCHA_SECRET_KEY", ""),
		CaptchaVerifyURL:         getEnv("CAPTCHA_VERIFY_URL", ""),
		CaptchaTimeout:           getEnvDuration("CAPTCHA_TIMEOUT", 5*time.Second),
		AuditRabbitMQURL:         getEnv("AUDIT_RABBITMQ_URL", ""),
		LoginProxyUpstream:       getEnv("LOGIN_PROXY_UPSTREAM", ""),
		LoginProxyPath:           getEnv("LOGIN_PROXY_PATH", "/login"),
		LoginProxyOutcomeHeader:  getEnv("LOGIN_PROXY_OUTCOME_HEADER", "X-Login-Outcome"),
		LoginProxyRateLimit:      getEnvInt("LOGIN_PROXY_RATE_LIMIT", 60),
		LoginProxyTrustedProxies: getEnvList("LOGIN_PROXY_TRUSTED_PROXIES"),
		LoginProxySuccessStatus:  getEnvList("LOGIN_PROXY_SUCCESS_STATUS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ExpireTime returns the ledger expiry window.
func (c *Config) ExpireTime() time.Duration {
	return time.Duration(c.ExpireTimeMinutes) * time.Minute
}

// SuccessStatuses returns LOGIN_PROXY_SUCCESS_STATUS as status codes. Entries
// that Validate would reject are skipped.
func (c *Config) SuccessStatuses() []int {
	var statuses []int
	for _, raw := range c.LoginProxySuccessStatus {
		if status, ok := parseStatus(raw); ok {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

// ConfigurationError lists every setting that prevents the guard from activating.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the settings the guard cannot run without.
func (c *Config) Validate() error {
	var problems []string

	if c.FailedAttemptsThreshold <= 0 {
		problems = append(problems, "FAILED_ATTEMPTS_THRESHOLD must be greater than 0")
	}
	if c.ExpireTimeMinutes <= 0 {
		problems = append(problems, "EXPIRE_TIME_MINUTES must be greater than 0")
	}
	if strings.TrimSpace(c.CaptchaSecretKey) == "" {
		problems = append(problems, "CAPTCHA_SECRET_KEY is required")
	}
	if strings.TrimSpace(c.CaptchaSiteKey) == "" {
		problems = append(problems, "CAPTCHA_SITE_KEY is required")
	}
	if c.CaptchaTimeout <= 0 {
		problems = append(problems, "CAPTCHA_TIMEOUT must be positive")
	}

	switch c.CaptchaProvider {
	case ProviderTurnstile, ProviderRecaptcha:
	default:
		problems = append(problems, fmt.Sprintf("unknown CAPTCHA_PROVIDER %q", c.CaptchaProvider))
	}

	switch c.LedgerBackend {
	case BackendMemory, BackendRedis, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres ledger")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	for _, raw := range c.LoginProxyTrustedProxies {
		if _, err := netip.ParsePrefix(raw); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(raw); err != nil {
			problems = append(problems, fmt.Sprintf("LOGIN_PROXY_TRUSTED_PROXIES entry %q is not a CIDR or IP", raw))
		}
	}
	for _, raw := range c.LoginProxySuccessStatus {
		if _, ok := parseStatus(raw); !ok {
			problems = append(problems, fmt.Sprintf("LOGIN_PROXY_SUCCESS_STATUS entry %q is not an HTTP status", raw))
		}
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseStatus(raw string) (int, bool) {
	status, err := strconv.Atoi(raw)
	if err != nil || status < 100 || status > 599 {
		return 0, false
	}
	return status, true
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
