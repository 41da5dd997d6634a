package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/observability"
)

// CreateInput describes a new subscription.
type CreateInput struct {
	StartDate         *time.Time
	Metadata          map[string]interface{}
	OrganizationID    string
	PlanID            string
	AuthorizationCode string
}

// Create starts a subscription in TRIAL when the plan has a trial, otherwise
// in ACTIVE. A paid plan without trial is charged first; a decline creates
// nothing and an unknown outcome creates it PAST_DUE with the charge pending.
func (m *Machine) Create(ctx context.Context, in CreateInput) (*domain.Subscription, error) {
	q := m.db.Querier()

	org, err := m.repos.Organizations.GetByID(ctx, q, in.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	plan, err := m.repos.Plans.GetByID(ctx, q, in.PlanID)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if !plan.Active {
		return nil, domain.Validationf("plan %s is not active", plan.ID)
	}

	if n, err := m.repos.Subscriptions.CountLiveByOrganization(ctx, q, org.ID); err != nil {
		return nil, fmt.Errorf("count live subscriptions: %w", err)
	} else if n > 0 {
		return nil, domain.Validationf("organization %s already has a live subscription", org.ID)
	}

	now := m.now()
	start := now
	if in.StartDate != nil {
		start = in.StartDate.UTC()
	}

	sub := &domain.Subscription{
		ID:                uuid.New().String(),
		OrganizationID:    org.ID,
		PlanID:            plan.ID,
		CustomerRef:       org.CustomerRef,
		AuthorizationCode: strings.TrimSpace(in.AuthorizationCode),
		Metadata:          in.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if sub.Metadata == nil {
		sub.Metadata = map[string]interface{}{}
	}

	var initial *attempt
	if plan.HasTrial() {
		trialEnd := start.Add(plan.TrialDuration())
		sub.Status = domain.SubscriptionStatusTrial
		sub.TrialStart = domain.TimePtr(start)
		sub.TrialEnd = domain.TimePtr(trialEnd)
		sub.CurrentPeriodStart = start
		sub.CurrentPeriodEnd = trialEnd
		sub.NextBillingDate = trialEnd
		sub.BillingAnchorDay = trialEnd.Day()
	} else {
		sub.Status = domain.SubscriptionStatusActive
		sub.StartPeriod(plan, start)

		if !plan.IsFree() {
			if !sub.HasAuthorization() {
				return nil, domain.Validationf("an authorization code is required for a paid plan without trial")
			}
			initial, err = m.charge(ctx, sub, plan, domain.ChargeKindInitial, initialChargeKey(org.ID, plan.ID, start))
			if err != nil {
				return nil, err
			}
			switch initial.outcome {
			case chargeDeclined:
				return nil, domain.NewDomainError(domain.ErrorCodeProviderError,
					fmt.Sprintf("initial payment declined: %s", initial.failureReason())).
					WithDetail("organization_id", org.ID).
					WithDetail("plan_id", plan.ID)
			case chargeUnknown:
				// The charge may have gone through. The subscription is kept
				// PAST_DUE with the attempt parked, so reconciliation settles it
				// and a repeated create cannot charge the customer again.
				parked := m.failureStep(sub, plan, initial.failureReason(), now).next
				parked.PendingCharge = initial.pending(plan, now)
				sub = parked
				m.logger.Warn("initial charge outcome unknown; subscription parked for reconciliation",
					ports.String("subscription_id", sub.ID),
					ports.String("organization_id", org.ID),
					ports.String("idempotency_key", initial.key))
			default:
				sub.LastPaymentDate = domain.TimePtr(now)
			}
		}
	}

	err = m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if n, err := m.repos.Subscriptions.CountLiveByOrganization(ctx, tx, org.ID); err != nil {
			return fmt.Errorf("count live subscriptions: %w", err)
		} else if n > 0 {
			return domain.Validationf("organization %s already has a live subscription", org.ID)
		}
		if err := m.repos.Subscriptions.Create(ctx, tx, sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		if initial != nil && initial.outcome == chargeSucceeded {
			if _, err := m.ledger.RecordPayment(ctx, tx, *initial.entry(sub, plan, now)); err != nil && !domain.IsDuplicateEvent(err) {
				return err
			}
		}
		return m.repos.Transitions.Insert(ctx, tx, &domain.Transition{
			ID:             uuid.New().String(),
			SubscriptionID: sub.ID,
			OrganizationID: sub.OrganizationID,
			To:             sub.Status,
			Activity:       domain.ActivitySubscriptionCreated,
			Trigger:        domain.TriggerCreate,
			Reason:         fmt.Sprintf("plan %s", plan.Name),
			CreatedAt:      now,
		})
	})
	if err != nil {
		if domain.IsInvariantViolation(err) {
			observability.RecordInvariantViolation()
			m.logger.Error("live subscription invariant violated on create",
				ports.String("organization_id", org.ID),
				ports.Err(err))
		}
		return nil, err
	}

	observability.RecordTransition("", string(sub.Status), string(domain.TriggerCreate))
	m.logger.Info("subscription created",
		ports.String("subscription_id", sub.ID),
		ports.String("organization_id", org.ID),
		ports.String("plan_id", plan.ID),
		ports.String("status", string(sub.Status)))

	return sub, nil
}

// Cancel moves any non-terminal subscription to CANCELLED. Cancelling a
// terminal subscription returns it unchanged.
func (m *Machine) Cancel(ctx context.Context, subscriptionID, reason string, trigger domain.Trigger) (*domain.Subscription, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by administrator"
	}

	res, err := withConflictRetry(trigger, func() (*Result, error) {
		sub, err := m.repos.Subscriptions.GetByID(ctx, m.db.Querier(), subscriptionID)
		if err != nil {
			return nil, fmt.Errorf("get subscription: %w", err)
		}
		if sub.IsTerminal() {
			return unchanged(sub), nil
		}
		next := sub.Clone()
		// A parked charge survives cancellation; reconciliation still records it.
		cancel(next, reason, m.now())
		return m.commit(ctx, sub, &step{next: next, activity: domain.ActivityCancelled, reason: reason}, trigger)
	})
	if err != nil {
		return nil, err
	}
	return res.Subscription, nil
}

// Get returns one subscription.
func (m *Machine) Get(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	return m.repos.Subscriptions.GetByID(ctx, m.db.Querier(), subscriptionID)
}
