package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// Event types the engine acts on
const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
	eventRefundCreated   = "refund.created"
)

// ParseWebhook verifies the Stripe-Signature header and maps the event.
// Unhandled event types return (nil, nil).
func (p *Provider) ParseWebhook(payload []byte, signature string) (*ports.PaymentEvent, error) {
	if p.webhookSecret == "" {
		return nil, domain.NewDomainError(domain.ErrorCodeInternal, "stripe webhook secret not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidation, "invalid webhook signature", err)
	}

	occurred := time.Unix(event.Created, 0).UTC()

	switch string(event.Type) {
	case eventIntentSucceeded, eventIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, domain.WrapError(domain.ErrorCodeValidation, "malformed payment_intent payload", err)
		}
		return intentEvent(event.ID, occurred, &pi), nil

	case eventRefundCreated:
		var r stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, domain.WrapError(domain.ErrorCodeValidation, "malformed refund payload", err)
		}
		var refundOf string
		switch {
		case r.Charge != nil && r.Charge.ID != "":
			refundOf = r.Charge.ID
		case r.PaymentIntent != nil && r.PaymentIntent.ID != "":
			refundOf = r.PaymentIntent.ID + ":" + string(stripe.PaymentIntentStatusSucceeded)
		default:
			return nil, domain.Validationf("refund %s has no charge", r.ID)
		}
		return &ports.PaymentEvent{
			EventID:     event.ID,
			OccurredAt:  occurred,
			ProviderRef: r.ID,
			RefundOfRef: refundOf,
			Outcome:     domain.PaymentOutcomeRefunded,
			AmountCents: r.Amount,
			Currency:    strings.ToUpper(string(r.Currency)),
		}, nil
	}
	return nil, nil
}

func intentEvent(eventID string, occurred time.Time, pi *stripe.PaymentIntent) *ports.PaymentEvent {
	ev := &ports.PaymentEvent{
		EventID:        eventID,
		OccurredAt:     occurred,
		ProviderRef:    paymentRef(pi),
		SubscriptionID: pi.Metadata[metaSubscriptionID],
		IdempotencyKey: pi.Metadata[metaIdempotencyKey],
		AmountCents:    pi.Amount,
		Currency:       strings.ToUpper(string(pi.Currency)),
		Outcome:        domain.PaymentOutcomeSuccess,
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		ev.Outcome = domain.PaymentOutcomeFailed
		ev.FailureReason = fmt.Sprintf("payment intent %s", pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			ev.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return ev
}
