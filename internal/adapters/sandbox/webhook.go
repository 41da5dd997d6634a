package sandbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// WebhookVerifier accepts locally signed payment events so the webhook route
// can be exercised without a real provider. The signature is the hex
// HMAC-SHA256 of the raw body.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier creates a verifier for the given shared secret
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret)}
}

// SignWebhook returns the signature the verifier expects for payload.
func SignWebhook(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	ProviderRef    string `json:"provider_ref"`
	SubscriptionID string `json:"subscription_id"`
	IdempotencyKey string `json:"idempotency_key"`
	RefundOf       string `json:"refund_of"`
	Currency       string `json:"currency"`
	FailureReason  string `json:"failure_reason"`
	OccurredAt     string `json:"occurred_at"`
	AmountCents    int64  `json:"amount_cents"`
}

// ParseWebhook verifies the signature and decodes the event. Types other
// than charge.succeeded, charge.failed and charge.refunded yield nil.
func (v *WebhookVerifier) ParseWebhook(payload []byte, signature string) (*ports.PaymentEvent, error) {
	want := SignWebhook(string(v.secret), payload)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return nil, domain.Validationf("invalid webhook signature")
	}

	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidation, "malformed webhook payload", err)
	}

	ev := &ports.PaymentEvent{
		EventID:        p.ID,
		ProviderRef:    p.ProviderRef,
		SubscriptionID: p.SubscriptionID,
		IdempotencyKey: p.IdempotencyKey,
		RefundOfRef:    p.RefundOf,
		AmountCents:    p.AmountCents,
		Currency:       strings.ToUpper(p.Currency),
		FailureReason:  p.FailureReason,
	}
	switch p.Type {
	case "charge.succeeded":
		ev.Outcome = domain.PaymentOutcomeSuccess
	case "charge.failed":
		ev.Outcome = domain.PaymentOutcomeFailed
	case "charge.refunded":
		ev.Outcome = domain.PaymentOutcomeRefunded
	default:
		return nil, nil
	}
	if p.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, p.OccurredAt)
		if err != nil {
			return nil, domain.WrapError(domain.ErrorCodeValidation, "malformed occurred_at", err)
		}
		ev.OccurredAt = t.UTC()
	}
	return ev, nil
}
