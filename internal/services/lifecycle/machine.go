// Package lifecycle owns subscription status. Every transition is computed
// from a versioned snapshot and committed together with the ledger entry
// that caused it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/dunning"
	"github.com/kevin07696/tenant-billing/internal/services/ledger"
	"github.com/kevin07696/tenant-billing/pkg/observability"
)

// eventConflictRetries bounds fresh-read retries for webhook, manual and
// admin paths. The sweeper abandons on the first conflict.
const eventConflictRetries = 3

// errDuplicate aborts a transaction whose ledger append was a replay.
var errDuplicate = errors.New("duplicate provider reference")

// Result describes one evaluation.
type Result struct {
	Subscription *domain.Subscription
	From         domain.SubscriptionStatus
	To           domain.SubscriptionStatus
	Activity     domain.ActivityType
	// Changed is false when the evaluation wrote nothing.
	Changed bool
}

// Transitioned reports whether the status moved or a renewal was recorded.
func (r *Result) Transitioned() bool {
	return r.Changed && r.Activity != ""
}

// step is the next state computed from a snapshot, plus what to write with it.
type step struct {
	next     *domain.Subscription
	activity domain.ActivityType
	reason   string
	payment  *ledger.Entry
	// ownCharge marks a payment the machine collected itself. A provider
	// replay of it is already on file and the transition still applies.
	ownCharge bool
}

// Machine applies lifecycle transitions
type Machine struct {
	db       ports.DB
	repos    ports.Repositories
	ledger   *ledger.Service
	provider ports.PaymentProvider
	gate     ports.StatusGate
	clock    ports.Clock
	defaults dunning.Policy
	logger   ports.Logger
}

// NewMachine creates a new state machine. gate may be nil.
func NewMachine(
	db ports.DB,
	repos ports.Repositories,
	ledgerSvc *ledger.Service,
	provider ports.PaymentProvider,
	gate ports.StatusGate,
	clock ports.Clock,
	defaults dunning.Policy,
	logger ports.Logger,
) *Machine {
	return &Machine{
		db:       db,
		repos:    repos,
		ledger:   ledgerSvc,
		provider: provider,
		gate:     gate,
		clock:    clock,
		defaults: defaults,
		logger:   logger,
	}
}

func (m *Machine) now() time.Time {
	return m.clock.Now().UTC()
}

func (m *Machine) load(ctx context.Context, subscriptionID string) (*domain.Subscription, *domain.Plan, error) {
	sub, err := m.repos.Subscriptions.GetByID(ctx, m.db.Querier(), subscriptionID)
	if err != nil {
		return nil, nil, fmt.Errorf("get subscription: %w", err)
	}
	plan, err := m.repos.Plans.GetByID(ctx, m.db.Querier(), sub.PlanID)
	if err != nil {
		return nil, nil, fmt.Errorf("get plan %s: %w", sub.PlanID, err)
	}
	return sub, plan, nil
}

func (m *Machine) policy(plan *domain.Plan) dunning.Policy {
	return dunning.PolicyFor(plan, m.defaults)
}

// commit writes st against the snapshot cur in one transaction: ledger
// append, live-subscription check, version-guarded update and transition row.
func (m *Machine) commit(ctx context.Context, cur *domain.Subscription, st *step, trigger domain.Trigger) (*Result, error) {
	next := st.next
	now := m.now()
	next.UpdatedAt = now

	if st.activity != "" && cur.Status != next.Status && !domain.CanTransition(cur.Status, next.Status) {
		return nil, domain.NewDomainError(domain.ErrorCodeInternal,
			fmt.Sprintf("illegal transition %s -> %s", cur.Status, next.Status))
	}

	err := m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if st.payment != nil {
			if _, err := m.ledger.RecordPayment(ctx, tx, *st.payment); err != nil {
				if !domain.IsDuplicateEvent(err) {
					return err
				}
				if !st.ownCharge {
					return errDuplicate
				}
			}
		}

		if next.IsLive() {
			if err := m.checkLiveInvariant(ctx, tx, cur, next); err != nil {
				return err
			}
		}

		if err := m.repos.Subscriptions.UpdateIfVersion(ctx, tx, next, cur.Version); err != nil {
			return err
		}

		if st.activity == "" {
			return nil
		}
		return m.repos.Transitions.Insert(ctx, tx, &domain.Transition{
			ID:             uuid.New().String(),
			SubscriptionID: next.ID,
			OrganizationID: next.OrganizationID,
			From:           cur.Status,
			To:             next.Status,
			Activity:       st.activity,
			Trigger:        trigger,
			Reason:         st.reason,
			CreatedAt:      now,
		})
	})

	switch {
	case errors.Is(err, errDuplicate):
		return nil, err
	case domain.IsTransitionConflict(err):
		observability.RecordTransitionConflict(string(trigger))
		return nil, err
	case domain.IsInvariantViolation(err):
		observability.RecordInvariantViolation()
		m.logger.Error("live subscription invariant violated; transition aborted",
			ports.String("subscription_id", cur.ID),
			ports.String("organization_id", cur.OrganizationID),
			ports.String("from", string(cur.Status)),
			ports.String("to", string(next.Status)),
			ports.Err(err))
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("commit %s transition: %w", trigger, err)
	}

	res := &Result{
		Subscription: next,
		From:         cur.Status,
		To:           next.Status,
		Activity:     st.activity,
		Changed:      true,
	}
	if st.activity != "" {
		observability.RecordTransition(string(cur.Status), string(next.Status), string(trigger))
		m.logger.Info("subscription transitioned",
			ports.String("subscription_id", next.ID),
			ports.String("from", string(cur.Status)),
			ports.String("to", string(next.Status)),
			ports.String("activity", string(st.activity)),
			ports.String("trigger", string(trigger)))
		m.notify(ctx, res, st.reason, now)
	}
	return res, nil
}

func (m *Machine) checkLiveInvariant(ctx context.Context, tx ports.DBTX, cur, next *domain.Subscription) error {
	live, err := m.repos.Subscriptions.CountLiveByOrganization(ctx, tx, next.OrganizationID)
	if err != nil {
		return fmt.Errorf("count live subscriptions: %w", err)
	}
	allowed := 0
	if cur.IsLive() {
		allowed = 1
	}
	if live > allowed {
		return domain.NewDomainError(domain.ErrorCodeInvariantViolation,
			fmt.Sprintf("organization %s would hold %d live subscriptions", next.OrganizationID, live+1-allowed)).
			WithDetail("organization_id", next.OrganizationID).
			WithDetail("subscription_id", next.ID)
	}
	return nil
}

// notify informs the status gate after commit. Delivery problems never undo
// a committed transition.
func (m *Machine) notify(ctx context.Context, res *Result, reason string, at time.Time) {
	if m.gate == nil {
		return
	}
	switch {
	case res.To == domain.SubscriptionStatusGracePeriod,
		res.To == domain.SubscriptionStatusCancelled,
		res.To == domain.SubscriptionStatusExpired,
		res.From == domain.SubscriptionStatusGracePeriod && res.To == domain.SubscriptionStatusActive:
	default:
		return
	}

	err := m.gate.Notify(ctx, ports.StatusNotification{
		OccurredAt:     at,
		OrganizationID: res.Subscription.OrganizationID,
		SubscriptionID: res.Subscription.ID,
		Previous:       res.From,
		Status:         res.To,
		Access:         ports.AccessFor(res.To),
		Reason:         reason,
	})
	if err != nil {
		m.logger.Warn("status gate notification failed",
			ports.String("subscription_id", res.Subscription.ID),
			ports.String("status", string(res.To)),
			ports.Err(err))
	}
}

// withConflictRetry re-runs fn on a version conflict, re-reading each time.
func withConflictRetry(trigger domain.Trigger, fn func() (*Result, error)) (*Result, error) {
	attempts := eventConflictRetries
	if trigger == domain.TriggerSweep {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var res *Result
		res, err = fn()
		if !domain.IsTransitionConflict(err) {
			return res, err
		}
	}
	return nil, err
}

func unchanged(sub *domain.Subscription) *Result {
	return &Result{Subscription: sub, From: sub.Status, To: sub.Status}
}
