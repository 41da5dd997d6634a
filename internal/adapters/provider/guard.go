// Package provider wraps any payment provider with the call discipline the
// engine expects: a per-call deadline, a circuit breaker, and metrics.
package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/observability"
	"github.com/kevin07696/tenant-billing/pkg/resilience"
)

// Guarded implements ports.PaymentProvider around another provider
type Guarded struct {
	inner    ports.PaymentProvider
	breaker  *resilience.CircuitBreaker
	timeouts *resilience.TimeoutConfig
	logger   *zap.Logger
}

var _ ports.PaymentProvider = (*Guarded)(nil)

// NewGuarded wraps inner. Only timeouts and unavailability trip the breaker;
// a rejected request says nothing about the provider's health.
func NewGuarded(inner ports.PaymentProvider, cfg resilience.CircuitBreakerConfig, timeouts *resilience.TimeoutConfig, logger *zap.Logger) *Guarded {
	cfg.IsFailure = countsAgainstProvider
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		observability.SetProviderCircuitState(int(to))
		logger.Warn("Payment provider circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Guarded{
		inner:    inner,
		breaker:  resilience.NewCircuitBreaker(cfg),
		timeouts: timeouts,
		logger:   logger,
	}
}

func countsAgainstProvider(err error) bool {
	if err == nil {
		return false
	}
	code := domain.GetErrorCode(err)
	return code == domain.ErrorCodeProviderTimeout || code == domain.ErrorCodeProviderUnavailable
}

// Breaker exposes the circuit breaker for health reporting
func (g *Guarded) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

// Charge calls the provider under the external API deadline
func (g *Guarded) Charge(ctx context.Context, req ports.ChargeRequest) (*ports.ChargeResult, error) {
	start := time.Now()
	var res *ports.ChargeResult

	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.inner.Charge(ctx, req)
		return err
	})

	result := "error"
	switch {
	case err == nil && res.Status == ports.ChargeStatusSucceeded:
		result = "succeeded"
	case err == nil:
		result = "failed"
	case domain.IsDomainError(err, domain.ErrorCodeProviderTimeout):
		result = "timeout"
	case domain.IsDomainError(err, domain.ErrorCodeProviderUnavailable):
		result = "unavailable"
	}
	observability.RecordCharge(string(req.Kind), result, req.AmountCents, req.Currency, time.Since(start).Seconds())

	if err != nil {
		g.logger.Warn("Payment provider charge did not complete",
			zap.String("subscription_id", req.SubscriptionID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("result", result),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

// Refund calls the provider under the external API deadline
func (g *Guarded) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	var res *ports.RefundResult
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.inner.Refund(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	observability.RecordRefund(req.Currency)
	return res, nil
}

// LookupCharge calls the provider under the external API deadline
func (g *Guarded) LookupCharge(ctx context.Context, idempotencyKey string) (*ports.ChargeResult, error) {
	var res *ports.ChargeResult
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.inner.LookupCharge(ctx, idempotencyKey)
		return err
	})
	return res, err
}

// call derives the deadline inside the breaker so that an expired provider
// deadline counts as a failure while a cancelled caller does not.
func (g *Guarded) call(ctx context.Context, fn func(context.Context) error) error {
	err := g.breaker.Execute(ctx, func(parent context.Context) error {
		ctx, cancel := g.timeouts.ExternalAPIContext(parent)
		defer cancel()

		err := fn(ctx)
		if err != nil && domain.GetErrorCode(err) == "" {
			// Adapters should classify; anything they missed is treated as
			// an unknown outcome when the deadline fired, otherwise unavailable.
			if errors.Is(err, context.DeadlineExceeded) {
				return domain.WrapError(domain.ErrorCodeProviderTimeout, "payment provider timed out", err)
			}
			return domain.WrapError(domain.ErrorCodeProviderUnavailable, "payment provider call failed", err)
		}
		return err
	})

	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return domain.WrapError(domain.ErrorCodeProviderUnavailable, "payment provider circuit open", err)
	}
	return err
}
