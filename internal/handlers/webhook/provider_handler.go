// Package webhook receives payment provider callbacks.
package webhook

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/lifecycle"
	"github.com/kevin07696/tenant-billing/pkg/encoding"
	"github.com/kevin07696/tenant-billing/pkg/observability"
)

// SignatureHeader carries the provider signature over the raw body.
const SignatureHeader = "Stripe-Signature"

const maxPayloadBytes = 64 << 10

// PaymentApplier folds a verified payment event into the subscription lifecycle.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, ev ports.PaymentEvent, trigger domain.Trigger) (*lifecycle.Result, error)
}

// ProviderHandler handles POST /webhooks/provider
type ProviderHandler struct {
	verifier ports.WebhookVerifier
	payments PaymentApplier
	logger   *zap.Logger
}

// NewProviderHandler creates a new provider webhook handler
func NewProviderHandler(verifier ports.WebhookVerifier, payments PaymentApplier, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		verifier: verifier,
		payments: payments,
		logger:   logger,
	}
}

type ackResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ServeHTTP verifies and applies one callback. Non-2xx answers make the
// provider redeliver, so only transient failures return 5xx.
func (h *ProviderHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respond(w, http.StatusMethodNotAllowed, ackResponse{Status: "rejected", Error: "only POST method is allowed"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil || len(payload) > maxPayloadBytes {
		observability.RecordWebhookEvent("invalid")
		h.respond(w, http.StatusBadRequest, ackResponse{Status: "invalid", Error: "unreadable payload"})
		return
	}

	ev, err := h.verifier.ParseWebhook(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		observability.RecordWebhookEvent("invalid")
		h.logger.Warn("Rejected provider webhook",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		status := http.StatusBadRequest
		if !domain.IsValidationError(err) {
			status = http.StatusInternalServerError
		}
		h.respond(w, status, ackResponse{Status: "invalid", Error: "invalid webhook"})
		return
	}
	if ev == nil {
		observability.RecordWebhookEvent("ignored")
		h.respond(w, http.StatusOK, ackResponse{Received: true, Status: "ignored"})
		return
	}

	res, err := h.payments.ApplyPayment(r.Context(), *ev, domain.TriggerWebhook)
	switch {
	case err == nil:
	case domain.IsNotFoundError(err), domain.IsValidationError(err):
		// Redelivery cannot fix these; acknowledge so the provider stops retrying.
		observability.RecordWebhookEvent("ignored")
		h.logger.Warn("Provider webhook not applicable",
			zap.String("event_id", ev.EventID),
			zap.String("provider_ref", ev.ProviderRef),
			zap.Error(err))
		h.respond(w, http.StatusOK, ackResponse{Received: true, Status: "ignored"})
		return
	default:
		observability.RecordWebhookEvent("failed")
		h.logger.Error("Failed to apply provider webhook",
			zap.String("event_id", ev.EventID),
			zap.String("provider_ref", ev.ProviderRef),
			zap.Error(err))
		h.respond(w, http.StatusServiceUnavailable, ackResponse{Status: "failed", Error: "temporarily unable to process"})
		return
	}

	status := "applied"
	if !res.Changed {
		status = "duplicate"
	}
	observability.RecordWebhookEvent(status)
	h.logger.Info("Provider webhook processed",
		zap.String("event_id", ev.EventID),
		zap.String("provider_ref", ev.ProviderRef),
		zap.String("outcome", string(ev.Outcome)),
		zap.String("status", status),
		zap.String("subscription_status", string(res.To)))
	h.respond(w, http.StatusOK, ackResponse{Received: true, Status: status})
}

func (h *ProviderHandler) respond(w http.ResponseWriter, status int, body ackResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := encoding.WriteJSON(w, body); err != nil {
		h.logger.Error("Failed to encode webhook response", zap.Error(err))
	}
}
