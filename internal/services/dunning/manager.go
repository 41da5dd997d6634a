package dunning

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/observability"
)

// Charger runs one dunning charge against a PAST_DUE or GRACE_PERIOD
// subscription, ignoring the backoff schedule but not the attempt cap.
type Charger interface {
	RetryCharge(ctx context.Context, subscriptionID string, trigger domain.Trigger) (*domain.Subscription, error)
}

// FailureCounter reports the ledger's view of the dunning counter.
type FailureCounter interface {
	ConsecutiveFailures(ctx context.Context, subscriptionID string) (int, error)
}

// Drift compares the stored dunning counter with the ledger.
type Drift struct {
	SubscriptionID string `json:"subscription_id"`
	Stored         int    `json:"stored"`
	Ledger         int    `json:"ledger"`
	InSync         bool   `json:"in_sync"`
}

// Manager handles manual retries and counter reconciliation
type Manager struct {
	db       ports.DB
	subs     ports.SubscriptionRepository
	ledger   FailureCounter
	charger  Charger
	logger   ports.Logger
	inflight singleflight.Group
}

// NewManager creates a new dunning manager
func NewManager(db ports.DB, subs ports.SubscriptionRepository, ledger FailureCounter, charger Charger, logger ports.Logger) *Manager {
	return &Manager{
		db:      db,
		subs:    subs,
		ledger:  ledger,
		charger: charger,
		logger:  logger,
	}
}

// RetryNow charges a delinquent subscription immediately. Concurrent calls
// for the same subscription share one attempt and its result.
func (m *Manager) RetryNow(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	v, err, shared := m.inflight.Do(subscriptionID, func() (interface{}, error) {
		return m.charger.RetryCharge(ctx, subscriptionID, domain.TriggerRetry)
	})
	if shared {
		m.logger.Debug("manual retry joined an in-flight attempt",
			ports.String("subscription_id", subscriptionID))
	}

	result := "ok"
	switch {
	case domain.IsDomainError(err, domain.ErrorCodeRetryBudgetExhausted):
		result = "exhausted"
	case err != nil:
		result = "error"
	}
	if !shared {
		observability.RecordDunningRetry("manual", result)
	}

	if err != nil {
		return nil, err
	}
	return v.(*domain.Subscription).Clone(), nil
}

// ReconcileCounter compares failedPaymentCount with the consecutive FAILED
// records in the ledger. Drift is reported and logged, never rewritten.
func (m *Manager) ReconcileCounter(ctx context.Context, subscriptionID string) (*Drift, error) {
	sub, err := m.subs.GetByID(ctx, m.db.Querier(), subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	n, err := m.ledger.ConsecutiveFailures(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	drift := &Drift{
		SubscriptionID: subscriptionID,
		Stored:         sub.FailedPaymentCount,
		Ledger:         n,
		InSync:         sub.FailedPaymentCount == n,
	}
	if !drift.InSync {
		// A timed-out attempt counts before the ledger knows about it.
		level := m.logger.Warn
		if sub.PendingCharge != nil && sub.FailedPaymentCount == n+1 {
			level = m.logger.Info
		}
		level("dunning counter differs from ledger",
			ports.String("subscription_id", subscriptionID),
			ports.Int("stored", drift.Stored),
			ports.Int("ledger", drift.Ledger))
	}
	return drift, nil
}
