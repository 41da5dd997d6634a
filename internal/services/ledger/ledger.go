// Package ledger is the append-only record of payment outcomes. It never
// changes subscription state; callers apply transitions after an append.
package ledger

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

const defaultPageSize = 100

// Entry is one payment outcome to append.
type Entry struct {
	OccurredAt     time.Time
	SubscriptionID string
	OrganizationID string
	ProviderRef    string
	IdempotencyKey string
	Currency       string
	FailureReason  string
	RefundOfID     string
	Outcome        domain.PaymentOutcome
	AmountCents    int64
}

// Service reads and appends ledger records
type Service struct {
	db       ports.DB
	payments ports.PaymentRepository
	clock    ports.Clock
	logger   ports.Logger
	pageSize int
}

// NewService creates a new ledger service
func NewService(db ports.DB, payments ports.PaymentRepository, clock ports.Clock, logger ports.Logger) *Service {
	return &Service{
		db:       db,
		payments: payments,
		clock:    clock,
		logger:   logger,
		pageSize: defaultPageSize,
	}
}

// RecordPayment appends e inside tx. When the provider reference is already
// on file it returns the existing record together with a DUPLICATE_EVENT
// error; callers treat that as a no-op.
func (s *Service) RecordPayment(ctx context.Context, tx ports.DBTX, e Entry) (*domain.PaymentRecord, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	occurred = occurred.UTC()

	rec := &domain.PaymentRecord{
		ID:             uuid.New().String(),
		SubscriptionID: e.SubscriptionID,
		OrganizationID: e.OrganizationID,
		AmountCents:    e.AmountCents,
		Currency:       strings.ToUpper(e.Currency),
		Outcome:        e.Outcome,
		ProviderRef:    e.ProviderRef,
		IdempotencyKey: e.IdempotencyKey,
		RefundOfID:     e.RefundOfID,
		FailureReason:  e.FailureReason,
		CreatedAt:      now,
	}
	switch e.Outcome {
	case domain.PaymentOutcomeSuccess:
		rec.PaidAt = &occurred
	case domain.PaymentOutcomeFailed:
		rec.FailedAt = &occurred
	case domain.PaymentOutcomeRefunded:
		rec.RefundedAt = &occurred
	}

	existing, inserted, err := s.payments.Insert(ctx, tx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert payment record: %w", err)
	}
	if !inserted {
		s.logger.Debug("provider reference already recorded",
			ports.String("provider_ref", e.ProviderRef),
			ports.String("payment_id", existing.ID))
		return existing, fmt.Errorf("provider reference %s: %w", e.ProviderRef, domain.ErrDuplicateEvent)
	}

	s.logger.Info("payment recorded",
		ports.String("payment_id", existing.ID),
		ports.String("subscription_id", e.SubscriptionID),
		ports.String("outcome", string(e.Outcome)),
		ports.Int64("amount_cents", e.AmountCents))

	return existing, nil
}

func validateEntry(e Entry) error {
	if e.SubscriptionID == "" {
		return domain.Validationf("subscription id is required")
	}
	if e.ProviderRef == "" {
		return domain.Validationf("provider reference is required")
	}
	if !e.Outcome.Valid() {
		return domain.Validationf("unknown payment outcome %q", e.Outcome)
	}
	if e.AmountCents < 0 {
		return domain.Validationf("payment amount must not be negative")
	}
	if len(e.Currency) != 3 {
		return domain.Validationf("currency must be a three-letter ISO code")
	}
	if e.Outcome == domain.PaymentOutcomeRefunded && e.RefundOfID == "" {
		return domain.Validationf("refund must reference the original payment")
	}
	return nil
}

// History yields one subscription's records oldest first, fetching keyset
// pages lazily. Each range over the sequence starts from the beginning.
func (s *Service) History(ctx context.Context, subscriptionID string) iter.Seq2[*domain.PaymentRecord, error] {
	return func(yield func(*domain.PaymentRecord, error) bool) {
		var cursor ports.PaymentCursor
		for {
			page, err := s.payments.ListAfter(ctx, s.db.Querier(), subscriptionID, cursor, s.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("list payment history: %w", err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = ports.PaymentCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// SumByOutcome totals one subscription's records with the given outcome, per currency.
func (s *Service) SumByOutcome(ctx context.Context, subscriptionID string, outcome domain.PaymentOutcome) (map[string]int64, error) {
	if !outcome.Valid() {
		return nil, domain.Validationf("unknown payment outcome %q", outcome)
	}
	sums, err := s.payments.SumByCurrency(ctx, s.db.Querier(), ports.PaymentFilter{
		SubscriptionID: subscriptionID,
		Outcome:        &outcome,
	})
	if err != nil {
		return nil, fmt.Errorf("sum payments: %w", err)
	}
	return sums, nil
}

// NetRevenue is SUCCESS minus REFUNDED for one subscription over [from, to), per currency.
func (s *Service) NetRevenue(ctx context.Context, subscriptionID string, from, to time.Time) (map[string]int64, error) {
	success := domain.PaymentOutcomeSuccess
	refunded := domain.PaymentOutcomeRefunded

	gross, err := s.payments.SumByCurrency(ctx, s.db.Querier(), ports.PaymentFilter{
		SubscriptionID: subscriptionID, Outcome: &success, From: &from, To: &to,
	})
	if err != nil {
		return nil, fmt.Errorf("sum successful payments: %w", err)
	}
	refunds, err := s.payments.SumByCurrency(ctx, s.db.Querier(), ports.PaymentFilter{
		SubscriptionID: subscriptionID, Outcome: &refunded, From: &from, To: &to,
	})
	if err != nil {
		return nil, fmt.Errorf("sum refunds: %w", err)
	}

	net := make(map[string]int64, len(gross))
	for cur, v := range gross {
		net[cur] += v
	}
	for cur, v := range refunds {
		net[cur] -= v
	}
	return net, nil
}

// ConsecutiveFailures counts FAILED records since the most recent SUCCESS.
func (s *Service) ConsecutiveFailures(ctx context.Context, subscriptionID string) (int, error) {
	n, err := s.payments.ConsecutiveFailures(ctx, s.db.Querier(), subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("count consecutive failures: %w", err)
	}
	return n, nil
}

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, paymentID string) (*domain.PaymentRecord, error) {
	return s.payments.GetByID(ctx, s.db.Querier(), paymentID)
}

// List returns records matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ports.PaymentFilter) ([]*domain.PaymentRecord, int, error) {
	records, err := s.payments.List(ctx, s.db.Querier(), filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	total, err := s.payments.Count(ctx, s.db.Querier(), filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	return records, total, nil
}
