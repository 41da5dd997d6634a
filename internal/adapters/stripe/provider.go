// Package stripe implements the payment provider port on Stripe
// PaymentIntents and Refunds, plus webhook verification.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// Metadata keys written on every PaymentIntent so webhooks and lookups can
// find their way back to the subscription and attempt.
const (
	metaSubscriptionID = "subscription_id"
	metaOrganizationID = "organization_id"
	metaIdempotencyKey = "idempotency_key"
	metaChargeKind     = "charge_kind"
)

// Config holds Stripe credentials and transport settings
type Config struct {
	APIKey        string
	WebhookSecret string
	// BaseURL overrides the API host; tests point it at httptest.
	BaseURL    string
	HTTPClient *http.Client
}

// Provider implements ports.PaymentProvider and ports.WebhookVerifier
type Provider struct {
	intents       *paymentintent.Client
	refunds       *refund.Client
	webhookSecret string
	logger        *zap.Logger
}

var (
	_ ports.PaymentProvider = (*Provider)(nil)
	_ ports.WebhookVerifier = (*Provider)(nil)
)

// NewProvider builds per-resource clients over one backend. Network retries
// are disabled: the caller owns retry policy and idempotency keys.
func NewProvider(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Sugar(),
	}
	if cfg.HTTPClient != nil {
		backendCfg.HTTPClient = cfg.HTTPClient
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	return &Provider{
		intents:       &paymentintent.Client{B: backend, Key: cfg.APIKey},
		refunds:       &refund.Client{B: backend, Key: cfg.APIKey},
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}, nil
}

// Charge confirms an off-session PaymentIntent against the stored payment method
func (p *Provider) Charge(ctx context.Context, req ports.ChargeRequest) (*ports.ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.AuthorizationCode),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(metaSubscriptionID, req.SubscriptionID)
	params.AddMetadata(metaOrganizationID, req.OrganizationID)
	params.AddMetadata(metaIdempotencyKey, req.IdempotencyKey)
	params.AddMetadata(metaChargeKind, string(req.Kind))

	pi, err := p.intents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return declineResult(stripeErr, req), nil
		}
		return nil, classify(err, "charge")
	}

	p.logger.Debug("Stripe payment intent confirmed",
		zap.String("payment_intent", pi.ID),
		zap.String("status", string(pi.Status)),
		zap.String("subscription_id", req.SubscriptionID),
	)
	return intentResult(pi), nil
}

// Refund reverses a succeeded charge. ChargeRef is the ref recorded in the
// ledger: a charge id, or an intent id with its status suffix.
func (p *Provider) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	params := &stripe.RefundParams{
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if strings.HasPrefix(req.ChargeRef, "ch_") {
		params.Charge = stripe.String(req.ChargeRef)
	} else {
		intentID, _, _ := strings.Cut(req.ChargeRef, ":")
		params.PaymentIntent = stripe.String(intentID)
	}
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	r, err := p.refunds.New(params)
	if err != nil {
		return nil, classify(err, "refund")
	}
	return &ports.RefundResult{
		ProviderRef: r.ID,
		ProcessedAt: time.Unix(r.Created, 0).UTC(),
	}, nil
}

// LookupCharge searches PaymentIntents by the idempotency key stored in metadata
func (p *Provider) LookupCharge(ctx context.Context, idempotencyKey string) (*ports.ChargeResult, error) {
	params := &stripe.PaymentIntentSearchParams{
		SearchParams: stripe.SearchParams{
			Query: fmt.Sprintf("metadata['%s']:'%s'", metaIdempotencyKey, escapeQuery(idempotencyKey)),
		},
	}
	params.Context = ctx

	iter := p.intents.Search(params)
	if iter.Next() {
		return intentResult(iter.PaymentIntent()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, classify(err, "lookup")
	}
	return nil, nil
}

// paymentRef names one attempt on an intent. A retried intent keeps its id
// but gets a new latest charge, so the charge id is the ledger ref. Without
// one the intent id is qualified by status.
func paymentRef(pi *stripe.PaymentIntent) string {
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		return pi.LatestCharge.ID
	}
	return pi.ID + ":" + string(pi.Status)
}

func intentResult(pi *stripe.PaymentIntent) *ports.ChargeResult {
	res := &ports.ChargeResult{
		ProviderRef: paymentRef(pi),
		AmountCents: pi.Amount,
		Currency:    strings.ToUpper(string(pi.Currency)),
		ProcessedAt: time.Unix(pi.Created, 0).UTC(),
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = ports.ChargeStatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		res.Status = ports.ChargeStatusPending
	default:
		// requires_payment_method and requires_action cannot complete off-session.
		res.Status = ports.ChargeStatusFailed
		res.FailureReason = string(pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			res.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return res
}

func declineResult(stripeErr *stripe.Error, req ports.ChargeRequest) *ports.ChargeResult {
	res := &ports.ChargeResult{
		Status:        ports.ChargeStatusFailed,
		FailureReason: stripeErr.Msg,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		ProcessedAt:   time.Now().UTC(),
	}
	if stripeErr.DeclineCode != "" {
		res.FailureReason = string(stripeErr.DeclineCode)
	}
	switch {
	case stripeErr.ChargeID != "":
		res.ProviderRef = stripeErr.ChargeID
	case stripeErr.PaymentIntent != nil && stripeErr.PaymentIntent.ID != "":
		res.ProviderRef = paymentRef(stripeErr.PaymentIntent)
	default:
		res.ProviderRef = "declined:" + req.IdempotencyKey
	}
	return res
}

// classify maps transport and API failures onto provider error codes.
// An unknown outcome is PROVIDER_TIMEOUT; a request Stripe refused to
// process is PROVIDER_UNAVAILABLE or PROVIDER_ERROR.
func classify(err error, op string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
			return domain.WrapError(domain.ErrorCodeProviderUnavailable, "stripe "+op+" rate limited", err)
		case stripeErr.Type == stripe.ErrorTypeAPI || stripeErr.HTTPStatusCode >= 500:
			return domain.WrapError(domain.ErrorCodeProviderTimeout, "stripe "+op+" outcome unknown", err)
		default:
			return domain.WrapError(domain.ErrorCodeProviderError, "stripe "+op+" rejected", err).
				WithDetail("stripe_code", string(stripeErr.Code))
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrorCodeProviderTimeout, "stripe "+op+" timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.WrapError(domain.ErrorCodeProviderTimeout, "stripe "+op+" timed out", err)
	}
	return domain.WrapError(domain.ErrorCodeProviderUnavailable, "stripe "+op+" failed", err)
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
