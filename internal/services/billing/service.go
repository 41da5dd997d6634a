// Package billing is the administrative surface over organizations, plans,
// subscriptions and the ledger. Lifecycle rules live in the lifecycle package;
// this package resolves inputs and delegates.
package billing

import (
	"context"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/lifecycle"
)

// Lifecycle is what billing needs from the state machine.
type Lifecycle interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (*domain.Subscription, error)
	Cancel(ctx context.Context, subscriptionID, reason string, trigger domain.Trigger) (*domain.Subscription, error)
	ApplyPayment(ctx context.Context, ev ports.PaymentEvent, trigger domain.Trigger) (*lifecycle.Result, error)
}

// Retrier runs an immediate dunning attempt.
type Retrier interface {
	RetryNow(ctx context.Context, subscriptionID string) (*domain.Subscription, error)
}

// Service implements the billing administration operations
type Service struct {
	db        ports.DB
	repos     ports.Repositories
	lifecycle Lifecycle
	dunning   Retrier
	provider  ports.PaymentProvider
	gate      ports.StatusGate
	clock     ports.Clock
	logger    ports.Logger
}

// NewService creates a new billing service. gate may be nil.
func NewService(
	db ports.DB,
	repos ports.Repositories,
	lc Lifecycle,
	dunning Retrier,
	provider ports.PaymentProvider,
	gate ports.StatusGate,
	clock ports.Clock,
	logger ports.Logger,
) *Service {
	return &Service{
		db:        db,
		repos:     repos,
		lifecycle: lc,
		dunning:   dunning,
		provider:  provider,
		gate:      gate,
		clock:     clock,
		logger:    logger,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// clampPage applies the listing defaults shared by every endpoint.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
