package loginguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/alkem-io/login-guard/internal/guard"
	"github.com/alkem-io/login-guard/internal/middleware"
)

const maxHookBodyBytes = 64 << 10

var validate = validator.New()

// LoginController is the lifecycle surface the hooks drive.
type LoginController interface {
	RenderForm(ctx context.Context, args guard.LoginArgs, correlationID string) guard.RenderResult
	Authenticate(ctx context.Context, args guard.LoginArgs, correlationID string) guard.Outcome
	LoginSucceeded(ctx context.Context, args guard.LoginArgs, correlationID string) guard.LedgerResult
	LoginFailed(ctx context.Context, args guard.LoginArgs, correlationID string) guard.LedgerResult
}

// Handler handles the login lifecycle hooks.
type Handler struct {
	controller LoginController
	logger     *zap.Logger
}

// NewHandler creates a new hook handler.
func NewHandler(controller LoginController, logger *zap.Logger) *Handler {
	return &Handler{
		controller: controller,
		logger:     logger,
	}
}

// Register mounts the hook endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/hooks/login/render", h.HandleRender)
	mux.HandleFunc("POST /api/v1/hooks/login/authenticate", h.HandleAuthenticate)
	mux.HandleFunc("POST /api/v1/hooks/login/success", h.HandleSuccess)
	mux.HandleFunc("POST /api/v1/hooks/login/failure", h.HandleFailure)
}

// HandleRender handles POST /api/v1/hooks/login/render. An unusable payload
// renders the form without a challenge; authenticate still enforces it.
func (h *Handler) HandleRender(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	req, err := h.decode(w, r)
	if err != nil {
		h.logger.Warn("invalid render hook payload, rendering without challenge",
			zap.Error(err),
			zap.String("correlation_id", correlationID),
		)
		h.respondJSON(w, http.StatusOK, RenderResponse{})
		return
	}

	res := h.controller.RenderForm(r.Context(), req.Args(), correlationID)
	h.respondJSON(w, http.StatusOK, RenderResponse{
		Challenge:     res.ShowChallenge,
		Provider:      res.Provider,
		SiteKey:       res.SiteKey,
		ResponseField: res.ResponseField,
	})
}

// HandleAuthenticate handles POST /api/v1/hooks/login/authenticate.
// Without a usable client IP the guard cannot decide, so the request is rejected.
func (h *Handler) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	req, err := h.decode(w, r)
	if err != nil {
		h.logger.Warn("invalid authenticate hook payload, rejecting",
			zap.Error(err),
			zap.String("correlation_id", correlationID),
		)
		h.respondJSON(w, http.StatusBadRequest, AuthenticateResponse{
			Action:  string(guard.ActionReject),
			State:   string(guard.StateChallengeFailed),
			Reason:  ReasonInvalidRequest,
			Message: err.Error(),
		})
		return
	}

	outcome := h.controller.Authenticate(r.Context(), req.Args(), correlationID)

	status := http.StatusOK
	if !outcome.Proceeding() {
		status = http.StatusForbidden
	}
	h.respondJSON(w, status, newAuthenticateResponse(outcome))
}

// HandleSuccess handles POST /api/v1/hooks/login/success.
func (h *Handler) HandleSuccess(w http.ResponseWriter, r *http.Request) {
	h.handleLedger(w, r, "success", h.controller.LoginSucceeded)
}

// HandleFailure handles POST /api/v1/hooks/login/failure.
func (h *Handler) HandleFailure(w http.ResponseWriter, r *http.Request) {
	h.handleLedger(w, r, "failure", h.controller.LoginFailed)
}

type ledgerHook func(ctx context.Context, args guard.LoginArgs, correlationID string) guard.LedgerResult

// handleLedger runs a bookkeeping hook. The host's login has already been
// decided, so every response is 200 and errors are reported in the body.
func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request, name string, hook ledgerHook) {
	correlationID := middleware.GetCorrelationID(r.Context())

	req, err := h.decode(w, r)
	if err != nil {
		h.logger.Warn("invalid login hook payload, ledger update skipped",
			zap.Error(err),
			zap.String("hook", name),
			zap.String("correlation_id", correlationID),
		)
		h.respondJSON(w, http.StatusOK, LedgerResponse{
			Status:  StatusSkipped,
			Message: "invalid payload; ledger not updated",
		})
		return
	}

	res := hook(r.Context(), req.Args(), correlationID)
	if res.Err != nil {
		h.respondJSON(w, http.StatusOK, LedgerResponse{
			Status:  StatusError,
			Message: "ledger unavailable; update not recorded",
		})
		return
	}

	h.respondJSON(w, http.StatusOK, LedgerResponse{
		Status:            StatusSuccess,
		Hits:              res.Hits,
		ChallengeRequired: res.ChallengeRequired,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (HookRequest, error) {
	var req HookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHookBodyBytes)).Decode(&req); err != nil {
		return req, fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return req, fmt.Errorf("validation failed: %s: %s", ve[0].Field(), ve[0].Tag())
		}
		return req, fmt.Errorf("validation failed: %w", err)
	}
	return req, nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
