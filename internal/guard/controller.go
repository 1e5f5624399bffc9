package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alkem-io/login-guard/internal/captcha"
	"github.com/alkem-io/login-guard/internal/ledger"
)

// Policy is the challenge policy the controller consults.
type Policy interface {
	RequiresChallengeForRender(ctx context.Context, ip string) bool
	RequiresChallengeForAuth(ctx context.Context, ip string) (bool, error)
	RecordFailure(ctx context.Context, ip string, now time.Time) (*ledger.FailureRecord, error)
	ClearTrust(ctx context.Context, ip string) error
	Now() time.Time
}

// Settings holds the controller's static configuration.
type Settings struct {
	Provider                string
	SiteKey                 string
	ResponseField           string
	FailedAttemptsThreshold int
	TrustedSessionBypass    bool
}

// Controller implements the four login lifecycle hooks.
type Controller struct {
	policy   Policy
	verifier captcha.Verifier
	auditor  *Auditor
	settings Settings
	logger   *zap.Logger
}

// NewController wires the controller. It refuses to build without a verifier
// or site key, since that would silently admit every login unchallenged.
func NewController(policy Policy, verifier captcha.Verifier, auditor *Auditor, settings Settings, logger *zap.Logger) (*Controller, error) {
	var errs []error
	if policy == nil {
		errs = append(errs, errors.New("policy is required"))
	}
	if verifier == nil {
		errs = append(errs, errors.New("verification gateway is required"))
	}
	if strings.TrimSpace(settings.SiteKey) == "" {
		errs = append(errs, errors.New("captcha site key is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if settings.ResponseField == "" {
		settings.ResponseField = captcha.ResponseField(settings.Provider)
	}
	if auditor == nil {
		auditor = NewAuditor(logger, nil)
	}

	return &Controller{
		policy:   policy,
		verifier: verifier,
		auditor:  auditor,
		settings: settings,
		logger:   logger,
	}, nil
}

// RenderForm decides whether the login form should carry a challenge widget.
// It is only a hint; Authenticate re-evaluates on submission.
func (c *Controller) RenderForm(ctx context.Context, args LoginArgs, correlationID string) RenderResult {
	ip := strings.TrimSpace(args.ClientIP)
	show := c.policy.RequiresChallengeForRender(ctx, ip)

	c.logger.Debug("login form rendered",
		zap.String("correlation_id", correlationID),
		zap.String("client_ip", ip),
		zap.Bool("challenge", show),
	)

	res := RenderResult{ShowChallenge: show}
	if show {
		res.Provider = c.settings.Provider
		res.SiteKey = c.settings.SiteKey
		res.ResponseField = c.settings.ResponseField
	}
	return res
}

// Authenticate gates the credential check. A Reject outcome means the host must
// stop processing the request and show Outcome.UserMessage.
func (c *Controller) Authenticate(ctx context.Context, args LoginArgs, correlationID string) Outcome {
	ip := strings.TrimSpace(args.ClientIP)
	userHash := hashIdentifier(strings.ToLower(strings.TrimSpace(args.User)))

	required, err := c.policy.RequiresChallengeForAuth(ctx, ip)
	if err != nil {
		c.logger.Warn("ledger lookup failed during authentication",
			zap.Error(err),
			zap.String("correlation_id", correlationID),
			zap.String("client_ip", ip),
			zap.Bool("challenge_required", required),
		)
	}

	if !required {
		return Outcome{Action: ActionProceed, State: StateUnchallenged, Args: args}
	}

	if c.settings.TrustedSessionBypass && args.TrustedSession {
		c.auditor.Record(ctx, AuditEvent{
			Type:          EventTrustedBypass,
			CorrelationID: correlationID,
			ClientIP:      ip,
			UserHash:      userHash,
			State:         StateUnchallenged,
		})
		return Outcome{Action: ActionProceed, State: StateUnchallenged, Args: args}
	}

	token := strings.TrimSpace(args.Fields[c.settings.ResponseField])
	if token == "" {
		c.auditor.Record(ctx, AuditEvent{
			Type:          EventChallengeMissing,
			CorrelationID: correlationID,
			ClientIP:      ip,
			UserHash:      userHash,
			State:         StateChallengeFailed,
			Reason:        ReasonMissingChallengeInput,
			Detail:        "empty input",
		})
		return Outcome{
			Action:      ActionReject,
			State:       StateChallengeFailed,
			Reason:      ReasonMissingChallengeInput,
			UserMessage: MessageChallengeRequired,
			ErrorCodes:  []string{captcha.CodeMissingInput},
			Args:        args,
		}
	}

	result, verr := c.verifier.Verify(ctx, token, ip)
	if verr != nil || !result.Success {
		codes := result.ErrorCodes
		if len(codes) == 0 {
			codes = []string{captcha.CodeInvalidResponse}
		}
		ev := AuditEvent{
			Type:          EventChallengeFailed,
			CorrelationID: correlationID,
			ClientIP:      ip,
			UserHash:      userHash,
			State:         StateChallengeFailed,
			Reason:        ReasonChallengeFailed,
			ErrorCodes:    codes,
		}
		if verr != nil {
			ev.Detail = verr.Error()
		}
		c.auditor.Record(ctx, ev)
		return Outcome{
			Action:      ActionReject,
			State:       StateChallengeFailed,
			Reason:      ReasonChallengeFailed,
			UserMessage: MessageChallengeFailed,
			ErrorCodes:  codes,
			Args:        args,
		}
	}

	c.auditor.Record(ctx, AuditEvent{
		Type:          EventChallengePassed,
		CorrelationID: correlationID,
		ClientIP:      ip,
		UserHash:      userHash,
		State:         StateChallengePassed,
	})
	return Outcome{Action: ActionProceed, State: StateChallengePassed, Args: args}
}

// LoginSucceeded clears the ledger for the client IP.
func (c *Controller) LoginSucceeded(ctx context.Context, args LoginArgs, correlationID string) LedgerResult {
	ip := strings.TrimSpace(args.ClientIP)

	if err := c.policy.ClearTrust(ctx, ip); err != nil {
		c.logger.Warn("failed to clear ledger after successful login",
			zap.Error(err),
			zap.String("correlation_id", correlationID),
			zap.String("client_ip", ip),
		)
		return LedgerResult{Err: err}
	}

	c.auditor.Record(ctx, AuditEvent{
		Type:          EventLoginSucceeded,
		CorrelationID: correlationID,
		ClientIP:      ip,
		UserHash:      hashIdentifier(strings.ToLower(strings.TrimSpace(args.User))),
	})
	return LedgerResult{Updated: true}
}

// LoginFailed counts a failed login for the client IP, whether or not a
// challenge was passed on the way.
func (c *Controller) LoginFailed(ctx context.Context, args LoginArgs, correlationID string) LedgerResult {
	ip := strings.TrimSpace(args.ClientIP)

	rec, err := c.policy.RecordFailure(ctx, ip, c.policy.Now())
	if err != nil {
		c.logger.Warn("failed to record login failure",
			zap.Error(err),
			zap.String("correlation_id", correlationID),
			zap.String("client_ip", ip),
		)
		return LedgerResult{Err: err}
	}

	challenge := rec.Hits >= c.settings.FailedAttemptsThreshold
	c.auditor.Record(ctx, AuditEvent{
		Type:          EventLoginFailed,
		CorrelationID: correlationID,
		ClientIP:      ip,
		UserHash:      hashIdentifier(strings.ToLower(strings.TrimSpace(args.User))),
		Hits:          rec.Hits,
	})
	return LedgerResult{Updated: true, Hits: rec.Hits, ChallengeRequired: challenge}
}
