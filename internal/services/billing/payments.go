package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/observability"
)

// ListPayments returns a page of ledger records, newest first, and the total.
func (s *Service) ListPayments(ctx context.Context, filter ports.PaymentFilter) ([]*domain.PaymentRecord, int, error) {
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)
	q := s.db.Querier()

	records, err := s.repos.Payments.List(ctx, q, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	total, err := s.repos.Payments.Count(ctx, q, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	if records == nil {
		records = []*domain.PaymentRecord{}
	}
	return records, total, nil
}

// FailedPayments lists FAILED ledger records.
func (s *Service) FailedPayments(ctx context.Context, filter ports.PaymentFilter) ([]*domain.PaymentRecord, int, error) {
	failed := domain.PaymentOutcomeFailed
	filter.Outcome = &failed
	return s.ListPayments(ctx, filter)
}

// RetryFailedPayment retries the subscription behind a failed payment now.
func (s *Service) RetryFailedPayment(ctx context.Context, paymentID string) (*domain.Subscription, error) {
	rec, err := s.repos.Payments.GetByID(ctx, s.db.Querier(), paymentID)
	if err != nil {
		return nil, err
	}
	if rec.Outcome != domain.PaymentOutcomeFailed {
		return nil, domain.Validationf("payment %s is %s; only failed payments can be retried", rec.ID, rec.Outcome)
	}
	return s.dunning.RetryNow(ctx, rec.SubscriptionID)
}

// RefundPayment refunds a successful charge in full. A payment can be refunded once.
func (s *Service) RefundPayment(ctx context.Context, paymentID, reason string) (*domain.PaymentRecord, error) {
	q := s.db.Querier()
	rec, err := s.repos.Payments.GetByID(ctx, q, paymentID)
	if err != nil {
		return nil, err
	}
	if !rec.IsRefundable() {
		return nil, domain.Validationf("payment %s is %s; only successful charges can be refunded", rec.ID, rec.Outcome)
	}

	switch prior, err := s.repos.Payments.FindRefundOf(ctx, q, rec.ID); {
	case err == nil:
		return nil, domain.Validationf("payment %s was already refunded by %s", rec.ID, prior.ID)
	case !errors.Is(err, domain.ErrPaymentNotFound):
		return nil, fmt.Errorf("check prior refunds: %w", err)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "requested_by_customer"
	}
	res, err := s.provider.Refund(ctx, ports.RefundRequest{
		IdempotencyKey: "refund:" + rec.ID,
		ChargeRef:      rec.ProviderRef,
		AmountCents:    rec.AmountCents,
		Currency:       rec.Currency,
		Reason:         reason,
	})
	if err != nil {
		return nil, fmt.Errorf("provider refund: %w", err)
	}

	if _, err := s.lifecycle.ApplyPayment(ctx, ports.PaymentEvent{
		OccurredAt:  res.ProcessedAt,
		ProviderRef: res.ProviderRef,
		RefundOfRef: rec.ProviderRef,
		Outcome:     domain.PaymentOutcomeRefunded,
		AmountCents: rec.AmountCents,
		Currency:    rec.Currency,
	}, domain.TriggerAdmin); err != nil {
		return nil, err
	}
	observability.RecordRefund(rec.Currency)

	refund, err := s.repos.Payments.FindRefundOf(ctx, q, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("read refund record: %w", err)
	}
	s.logger.Info("payment refunded",
		ports.String("payment_id", rec.ID),
		ports.String("refund_id", refund.ID),
		ports.String("amount", rec.Amount().String()))
	return refund, nil
}
