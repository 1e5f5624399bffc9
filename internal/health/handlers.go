// Package health provides health check endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const readyTimeout = 5 * time.Second

// Pinger is a dependency that can report its connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Response is the response for liveness check.
type Response struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the response for readiness check.
type ReadinessResponse struct {
	Status    string `json:"status"`
	Ledger    string `json:"ledger"`
	Backend   string `json:"backend"`
	Audit     string `json:"audit"`
	Timestamp string `json:"timestamp"`
}

// Handlers holds dependencies for health check handlers.
type Handlers struct {
	ledger  Pinger
	backend string
	audit   Pinger
}

// NewHandlers creates health handlers. audit may be nil when audit events
// only go to the log.
func NewHandlers(ledger Pinger, backend string, audit Pinger) *Handlers {
	return &Handlers{
		ledger:  ledger,
		backend: backend,
		audit:   audit,
	}
}

// LiveHandler handles GET /health/live.
func (h *Handlers) LiveHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler handles GET /health/ready. Only the ledger gates readiness;
// a disconnected audit publisher is reported but does not fail readiness.
func (h *Handlers) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := ReadinessResponse{
		Status:    "ok",
		Ledger:    "connected",
		Backend:   h.backend,
		Audit:     "disabled",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.ledger.Ping(ctx); err != nil {
		resp.Ledger = "disconnected"
		resp.Status = "unhealthy"
	}

	if h.audit != nil {
		resp.Audit = "connected"
		if err := h.audit.Ping(ctx); err != nil {
			resp.Audit = "disconnected"
		}
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
