// Package main is the entrypoint for the login guard server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alkem-io/login-guard/internal/captcha"
	"github.com/alkem-io/login-guard/internal/clients"
	"github.com/alkem-io/login-guard/internal/config"
	"github.com/alkem-io/login-guard/internal/guard"
	"github.com/alkem-io/login-guard/internal/health"
	"github.com/alkem-io/login-guard/internal/ledger"
	"github.com/alkem-io/login-guard/internal/middleware"
	"github.com/alkem-io/login-guard/internal/policy"
	"github.com/alkem-io/login-guard/internal/webhooks/loginguard"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := config.MustNewLogger(cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting login guard",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("ledger_backend", cfg.LedgerBackend),
		zap.String("captcha_provider", cfg.CaptchaProvider),
		zap.Int("failed_attempts_threshold", cfg.FailedAttemptsThreshold),
		zap.Int("expire_time_minutes", cfg.ExpireTimeMinutes),
	)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Failure ledger
	store, err := openLedger(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err), zap.String("backend", cfg.LedgerBackend))
	}
	defer func() { _ = store.Close() }()

	var sweeper *ledger.Sweeper
	if cfg.LedgerSweepInterval > 0 {
		sweeper = ledger.NewSweeper(store, cfg.ExpireTime(), cfg.LedgerSweepInterval, logger)
		go sweeper.Start(rootCtx)
	}

	// Verification gateway
	verifier, err := captcha.NewClient(captcha.Config{
		Provider:  cfg.CaptchaProvider,
		SecretKey: cfg.CaptchaSecretKey,
		VerifyURL: cfg.CaptchaVerifyURL,
		Timeout:   cfg.CaptchaTimeout,
	})
	if err != nil {
		logger.Fatal("failed to create captcha client", zap.Error(err))
	}

	// Audit publisher (optional)
	var publisher *clients.AuditPublisher
	var auditPublisher guard.AuditPublisher
	var auditPinger health.Pinger
	if cfg.AuditRabbitMQURL != "" {
		publisher, err = clients.NewAuditPublisher(cfg.AuditRabbitMQURL, clients.DefaultAuditQueue)
		if err != nil {
			logger.Fatal("failed to create rabbitmq audit publisher", zap.Error(err))
		}
		defer func() { _ = publisher.Close() }()
		auditPublisher = publisher
		auditPinger = publisher
	}

	// Policy and lifecycle controller
	engine, err := policy.New(store, policy.Config{
		FailedAttemptsThreshold: cfg.FailedAttemptsThreshold,
		Expire:                  cfg.ExpireTime(),
		FailOpen:                cfg.LedgerFailOpen,
	}, logger)
	if err != nil {
		logger.Fatal("invalid policy configuration", zap.Error(err))
	}

	auditor := guard.NewAuditor(logger, auditPublisher)

	controller, err := guard.NewController(engine, verifier, auditor, guard.Settings{
		Provider:                cfg.CaptchaProvider,
		SiteKey:                 cfg.CaptchaSiteKey,
		FailedAttemptsThreshold: cfg.FailedAttemptsThreshold,
		TrustedSessionBypass:    cfg.TrustedSessionBypass,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create login controller", zap.Error(err))
	}

	// Create router
	mux := http.NewServeMux()

	// Health endpoints
	healthHandlers := health.NewHandlers(store, cfg.LedgerBackend, auditPinger)
	mux.HandleFunc("GET /health/live", healthHandlers.LiveHandler)
	mux.HandleFunc("GET /health/ready", healthHandlers.ReadyHandler)

	// Lifecycle hooks
	loginguard.NewHandler(controller, logger).Register(mux)

	// Reverse proxy mode (optional)
	if cfg.LoginProxyUpstream != "" {
		proxy, err := loginguard.NewLoginProxy(loginguard.ProxyConfig{
			Upstream:        cfg.LoginProxyUpstream,
			Path:            cfg.LoginProxyPath,
			OutcomeHeader:   cfg.LoginProxyOutcomeHeader,
			RateLimit:       cfg.LoginProxyRateLimit,
			TrustedProxies:  cfg.LoginProxyTrustedProxies,
			SuccessStatuses: cfg.SuccessStatuses(),
		}, controller, logger)
		if err != nil {
			logger.Fatal("failed to create login proxy", zap.Error(err))
		}
		mux.Handle("/", proxy)
		logger.Info("login proxy enabled",
			zap.String("upstream", cfg.LoginProxyUpstream),
			zap.String("path", cfg.LoginProxyPath),
		)
	}

	// Apply middleware chain
	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Maintenance(cfg.MaintenanceMode, cfg.MaintenanceMessage, logger)(handler)
	handler = middleware.CorrelationID(cfg.CorrelationIDHeader)(handler)

	// Create server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	stop()
	if sweeper != nil {
		sweeper.Stop()
	}
	engine.Wait()
	auditor.Close()

	logger.Info("server stopped")
}
