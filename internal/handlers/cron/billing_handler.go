package cron

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/sweeper"
	"github.com/kevin07696/tenant-billing/pkg/encoding"
)

// Sweeper runs the lifecycle jobs on demand
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*sweeper.Report, error)
	Reconcile(ctx context.Context, now time.Time) (*sweeper.ReconcileReport, error)
}

// BillingHandler handles cron job endpoints for the subscription lifecycle
type BillingHandler struct {
	sweeper    Sweeper
	clock      ports.Clock
	logger     *zap.Logger
	cronSecret string // Secret token for authenticating cron requests
}

// NewBillingHandler creates a new billing cron handler
func NewBillingHandler(sw Sweeper, clock ports.Clock, logger *zap.Logger, cronSecret string) *BillingHandler {
	return &BillingHandler{
		sweeper:    sw,
		clock:      clock,
		logger:     logger,
		cronSecret: cronSecret,
	}
}

// RunRequest represents the optional request body for a manual run
type RunRequest struct {
	// Optional RFC 3339 timestamp, defaults to now. Only past instants are
	// accepted; they narrow the due set to what was due at that time.
	AsOf *string `json:"as_of"`
}

// LifecycleCheckResponse represents the response from a sweep
type LifecycleCheckResponse struct {
	Success     bool            `json:"success"`
	Report      *sweeper.Report `json:"report"`
	ProcessedAt string          `json:"processed_at"`
}

// ReconcileResponse represents the response from a reconciliation pass
type ReconcileResponse struct {
	Success     bool                     `json:"success"`
	Report      *sweeper.ReconcileReport `json:"report"`
	ProcessedAt string                   `json:"processed_at"`
}

// LifecycleCheck handles the POST /cron/lifecycle-check endpoint
func (h *BillingHandler) LifecycleCheck(w http.ResponseWriter, r *http.Request) {
	now, ok := h.prepare(w, r, "lifecycle-check")
	if !ok {
		return
	}

	report, err := h.sweeper.Sweep(r.Context(), now)
	if err != nil {
		h.logger.Error("Lifecycle check failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "lifecycle check failed")
		return
	}

	resp := LifecycleCheckResponse{
		Success:     report.Failed == 0,
		Report:      report,
		ProcessedAt: h.clock.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusPartialContent // 206 indicates partial success
	}
	h.respond(w, status, resp)
}

// Reconcile handles the POST /cron/reconcile endpoint
func (h *BillingHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	now, ok := h.prepare(w, r, "reconcile")
	if !ok {
		return
	}

	report, err := h.sweeper.Reconcile(r.Context(), now)
	if err != nil {
		h.logger.Error("Reconciliation failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}

	resp := ReconcileResponse{
		Success:     report.Failed == 0,
		Report:      report,
		ProcessedAt: h.clock.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusPartialContent
	}
	h.respond(w, status, resp)
}

// prepare checks method and credentials and resolves the evaluation instant.
func (h *BillingHandler) prepare(w http.ResponseWriter, r *http.Request, job string) (time.Time, bool) {
	h.logger.Info("Cron job triggered",
		zap.String("job", job),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
	)

	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return time.Time{}, false
	}
	if !h.authenticateRequest(r) {
		h.logger.Warn("Unauthorized cron request",
			zap.String("job", job),
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.respondError(w, http.StatusUnauthorized, "unauthorized")
		return time.Time{}, false
	}

	var req RunRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return time.Time{}, false
		}
	}

	now := h.clock.Now().UTC()
	if req.AsOf != nil {
		parsed, err := time.Parse(time.RFC3339, *req.AsOf)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid as_of format: %v", err))
			return time.Time{}, false
		}
		if parsed.After(now) {
			h.respondError(w, http.StatusBadRequest, "as_of must not be in the future")
			return time.Time{}, false
		}
		now = parsed.UTC()
	}
	return now, true
}

// authenticateRequest verifies the cron request is authorized
func (h *BillingHandler) authenticateRequest(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}
	if secretEqual(r.Header.Get("X-Cron-Secret"), h.cronSecret) {
		return true
	}
	return secretEqual(r.Header.Get("Authorization"), "Bearer "+h.cronSecret)
}

func secretEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (h *BillingHandler) respond(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := encoding.WriteJSON(w, body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// respondError sends an error response
func (h *BillingHandler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respond(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// HealthCheck handles GET /cron/health for monitoring
func (h *BillingHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   h.clock.Now().UTC().Format(time.RFC3339),
	})
}
