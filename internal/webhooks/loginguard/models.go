// Package loginguard exposes the login guard to host applications, either as
// JSON lifecycle hooks or as a reverse proxy in front of the login endpoint.
package loginguard

import (
	"strings"

	"github.com/alkem-io/login-guard/internal/guard"
)

// HookRequest is the payload shared by every lifecycle hook.
type HookRequest struct {
	User           string            `json:"user" validate:"max=512"`
	ClientIP       string            `json:"client_ip" validate:"required,ip"`
	RequestFields  map[string]string `json:"request_fields"`
	TrustedSession bool              `json:"trusted_session"`
}

// Args converts the payload into controller arguments.
func (r HookRequest) Args() guard.LoginArgs {
	return guard.LoginArgs{
		User:           r.User,
		ClientIP:       strings.TrimSpace(r.ClientIP),
		Fields:         r.RequestFields,
		TrustedSession: r.TrustedSession,
	}
}

// RenderResponse tells the host whether to show the challenge widget.
type RenderResponse struct {
	Challenge     bool   `json:"challenge"`
	Provider      string `json:"provider,omitempty"`
	SiteKey       string `json:"site_key,omitempty"`
	ResponseField string `json:"response_field,omitempty"`
}

// AuthenticateResponse carries the authenticate verdict. It is sent with 200
// for proceed and 403 for reject.
type AuthenticateResponse struct {
	Action     string   `json:"action"`
	State      string   `json:"state"`
	Reason     string   `json:"reason,omitempty"`
	Message    string   `json:"message,omitempty"`
	ErrorCodes []string `json:"error_codes,omitempty"`
}

// LedgerResponse is returned by the success and failure hooks.
type LedgerResponse struct {
	Status            string `json:"status"`
	Hits              int    `json:"hits,omitempty"`
	ChallengeRequired bool   `json:"challenge_required,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Response status constants.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Reason reported when the authenticate payload cannot be used.
const ReasonInvalidRequest = "invalid_request"

func newAuthenticateResponse(o guard.Outcome) AuthenticateResponse {
	return AuthenticateResponse{
		Action:     string(o.Action),
		State:      string(o.State),
		Reason:     o.Reason,
		Message:    o.UserMessage,
		ErrorCodes: o.ErrorCodes,
	}
}
