// Package sandbox is a deterministic in-process payment provider for local
// runs and tests. Outcomes can be scripted per subscription.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// Outcome is what the sandbox does with the next charge
type Outcome int

const (
	// Succeed records and returns a successful charge
	Succeed Outcome = iota
	// Decline returns a failed charge
	Decline
	// Timeout returns PROVIDER_TIMEOUT and records nothing
	Timeout
	// TimeoutAfterCharge returns PROVIDER_TIMEOUT but the charge went through,
	// so LookupCharge later reports success
	TimeoutAfterCharge
	// Unavailable returns PROVIDER_UNAVAILABLE
	Unavailable
)

// DeclineMethod is a payment method token that is always declined.
const DeclineMethod = "pm_card_declined"

// Provider implements ports.PaymentProvider
type Provider struct {
	mu       sync.Mutex
	now      func() time.Time
	scripts  map[string][]Outcome
	fallback Outcome
	byKey    map[string]*ports.ChargeResult
	refunds  map[string]*ports.RefundResult
	charges  []ports.ChargeRequest
	seq      int
}

var _ ports.PaymentProvider = (*Provider)(nil)

// New creates a sandbox that succeeds by default. now may be nil.
func New(now func() time.Time) *Provider {
	if now == nil {
		now = time.Now
	}
	return &Provider{
		now:     now,
		scripts: make(map[string][]Outcome),
		byKey:   make(map[string]*ports.ChargeResult),
		refunds: make(map[string]*ports.RefundResult),
	}
}

// Script queues outcomes for a subscription's next charges
func (p *Provider) Script(subscriptionID string, outcomes ...Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[subscriptionID] = append(p.scripts[subscriptionID], outcomes...)
}

// SetDefault sets the outcome used when no script is queued
func (p *Provider) SetDefault(o Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = o
}

// Settle records a final outcome for an attempt that timed out
func (p *Provider) Settle(idempotencyKey string, status ports.ChargeStatus, amountCents int64, currency string) *ports.ChargeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.newResult(status, amountCents, currency)
	if status == ports.ChargeStatusFailed {
		res.FailureReason = "card_declined"
	}
	p.byKey[idempotencyKey] = res
	return res
}

// Charges returns every charge request that reached the sandbox, replays included
func (p *Provider) Charges() []ports.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.ChargeRequest(nil), p.charges...)
}

// Charge replays the stored result for a known idempotency key, otherwise
// applies the next scripted outcome.
func (p *Provider) Charge(ctx context.Context, req ports.ChargeRequest) (*ports.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeProviderTimeout, "sandbox charge cancelled", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.charges = append(p.charges, req)
	if prior, ok := p.byKey[req.IdempotencyKey]; ok {
		c := *prior
		return &c, nil
	}

	outcome := p.fallback
	if q := p.scripts[req.SubscriptionID]; len(q) > 0 {
		outcome = q[0]
		p.scripts[req.SubscriptionID] = q[1:]
	}
	if strings.HasPrefix(req.AuthorizationCode, DeclineMethod) {
		outcome = Decline
	}

	switch outcome {
	case Timeout:
		return nil, domain.NewDomainError(domain.ErrorCodeProviderTimeout, "sandbox charge timed out")
	case TimeoutAfterCharge:
		p.byKey[req.IdempotencyKey] = p.newResult(ports.ChargeStatusSucceeded, req.AmountCents, req.Currency)
		return nil, domain.NewDomainError(domain.ErrorCodeProviderTimeout, "sandbox charge timed out")
	case Unavailable:
		return nil, domain.NewDomainError(domain.ErrorCodeProviderUnavailable, "sandbox unavailable")
	case Decline:
		res := p.newResult(ports.ChargeStatusFailed, req.AmountCents, req.Currency)
		res.FailureReason = "card_declined"
		p.byKey[req.IdempotencyKey] = res
		c := *res
		return &c, nil
	default:
		res := p.newResult(ports.ChargeStatusSucceeded, req.AmountCents, req.Currency)
		p.byKey[req.IdempotencyKey] = res
		c := *res
		return &c, nil
	}
}

// Refund always succeeds and is idempotent per key
func (p *Provider) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeProviderTimeout, "sandbox refund cancelled", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prior, ok := p.refunds[req.IdempotencyKey]; ok {
		c := *prior
		return &c, nil
	}
	p.seq++
	res := &ports.RefundResult{
		ProviderRef: fmt.Sprintf("sandbox_re_%06d", p.seq),
		ProcessedAt: p.now().UTC(),
	}
	p.refunds[req.IdempotencyKey] = res
	c := *res
	return &c, nil
}

// LookupCharge returns the recorded outcome for a key, or nil
func (p *Provider) LookupCharge(_ context.Context, idempotencyKey string) (*ports.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.byKey[idempotencyKey]
	if !ok {
		return nil, nil
	}
	c := *res
	return &c, nil
}

func (p *Provider) newResult(status ports.ChargeStatus, amountCents int64, currency string) *ports.ChargeResult {
	p.seq++
	return &ports.ChargeResult{
		ProviderRef: fmt.Sprintf("sandbox_ch_%06d", p.seq),
		Status:      status,
		AmountCents: amountCents,
		Currency:    currency,
		ProcessedAt: p.now().UTC(),
	}
}
