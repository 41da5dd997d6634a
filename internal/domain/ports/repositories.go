package ports

import (
	"context"
	"time"

	"github.com/kevin07696/tenant-billing/internal/domain"
)

// OrganizationFilter narrows organization listings.
type OrganizationFilter struct {
	Status *domain.OrganizationStatus
	// BillingStatus selects organizations whose latest subscription has this status.
	BillingStatus *domain.SubscriptionStatus
	Search        string
	Limit         int
	Offset        int
}

// OrganizationRepository persists tenants.
type OrganizationRepository interface {
	Create(ctx context.Context, db DBTX, org *domain.Organization) error
	GetByID(ctx context.Context, db DBTX, id string) (*domain.Organization, error)
	GetByCustomerRef(ctx context.Context, db DBTX, customerRef string) (*domain.Organization, error)
	Update(ctx context.Context, db DBTX, org *domain.Organization) error
	List(ctx context.Context, db DBTX, filter OrganizationFilter) ([]*domain.Organization, error)
	Count(ctx context.Context, db DBTX, filter OrganizationFilter) (int, error)
}

// PlanRepository persists billing templates. Plans are never updated.
type PlanRepository interface {
	Create(ctx context.Context, db DBTX, plan *domain.Plan) error
	GetByID(ctx context.Context, db DBTX, id string) (*domain.Plan, error)
	List(ctx context.Context, db DBTX, activeOnly bool) ([]*domain.Plan, error)
}

// SubscriptionFilter narrows subscription listings.
type SubscriptionFilter struct {
	OrganizationID string
	Status         *domain.SubscriptionStatus
	Limit          int
	Offset         int
}

// DueCursor is the keyset position of a sweep page.
type DueCursor struct {
	Deadline time.Time
	ID       string
}

// SubscriptionRepository persists subscriptions with optimistic versioning.
type SubscriptionRepository interface {
	// Create inserts sub with version 1. A second live subscription for the
	// organization fails with a LIFECYCLE_INVARIANT_VIOLATION.
	Create(ctx context.Context, db DBTX, sub *domain.Subscription) error
	GetByID(ctx context.Context, db DBTX, id string) (*domain.Subscription, error)
	GetLiveByOrganization(ctx context.Context, db DBTX, organizationID string) (*domain.Subscription, error)
	GetLatestByOrganization(ctx context.Context, db DBTX, organizationID string) (*domain.Subscription, error)
	CountLiveByOrganization(ctx context.Context, db DBTX, organizationID string) (int, error)

	// UpdateIfVersion writes sub only if the stored version equals expected and
	// bumps sub.Version. A mismatch fails with TRANSITION_CONFLICT.
	UpdateIfVersion(ctx context.Context, db DBTX, sub *domain.Subscription, expected int64) error

	// ListDue returns live subscriptions whose next deadline is at or before
	// now, ordered by (deadline, id) and starting strictly after cursor.
	ListDue(ctx context.Context, db DBTX, now time.Time, after DueCursor, limit int) ([]*domain.Subscription, error)
	// ListPending returns subscriptions of any status holding an unresolved charge
	// attempted at or before olderThan.
	ListPending(ctx context.Context, db DBTX, olderThan time.Time, limit int) ([]*domain.Subscription, error)
	// CountExpiringBetween counts live subscriptions whose access deadline falls in (from, to].
	CountExpiringBetween(ctx context.Context, db DBTX, from, to time.Time) (int, error)

	List(ctx context.Context, db DBTX, filter SubscriptionFilter) ([]*domain.Subscription, error)
	CountByStatus(ctx context.Context, db DBTX) (map[domain.SubscriptionStatus]int, error)
	CountCreatedBetween(ctx context.Context, db DBTX, from, to time.Time) (int, error)
	CountEndedBetween(ctx context.Context, db DBTX, from, to time.Time) (int, error)
}

// PaymentFilter narrows ledger listings.
type PaymentFilter struct {
	SubscriptionID string
	OrganizationID string
	Outcome        *domain.PaymentOutcome
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

// PaymentCursor is the keyset position within one subscription's history.
type PaymentCursor struct {
	CreatedAt time.Time
	ID        string
}

// SubscriptionRevenue is one subscription's contribution over a window.
type SubscriptionRevenue struct {
	SubscriptionID string `json:"subscription_id"`
	OrganizationID string `json:"organization_id"`
	Currency       string `json:"currency"`
	GrossCents     int64  `json:"gross_cents"`
	RefundedCents  int64  `json:"refunded_cents"`
	NetCents       int64  `json:"net_cents"`
}

// PaymentRepository is the append-only ledger store.
type PaymentRepository interface {
	// Insert appends rec unless its provider reference exists, in which case
	// the existing record is returned with inserted=false.
	Insert(ctx context.Context, db DBTX, rec *domain.PaymentRecord) (existing *domain.PaymentRecord, inserted bool, err error)
	GetByID(ctx context.Context, db DBTX, id string) (*domain.PaymentRecord, error)
	GetByProviderRef(ctx context.Context, db DBTX, providerRef string) (*domain.PaymentRecord, error)
	FindRefundOf(ctx context.Context, db DBTX, paymentID string) (*domain.PaymentRecord, error)

	// ListAfter returns one subscription's records ordered by (created_at, id), strictly after cursor.
	ListAfter(ctx context.Context, db DBTX, subscriptionID string, after PaymentCursor, limit int) ([]*domain.PaymentRecord, error)
	List(ctx context.Context, db DBTX, filter PaymentFilter) ([]*domain.PaymentRecord, error)
	Count(ctx context.Context, db DBTX, filter PaymentFilter) (int, error)

	// SumByCurrency sums amounts matching filter, grouped by currency. Limit and Offset are ignored.
	SumByCurrency(ctx context.Context, db DBTX, filter PaymentFilter) (map[string]int64, error)
	RevenueBySubscription(ctx context.Context, db DBTX, from, to time.Time) ([]SubscriptionRevenue, error)
	// ConsecutiveFailures counts FAILED records after the most recent SUCCESS.
	ConsecutiveFailures(ctx context.Context, db DBTX, subscriptionID string) (int, error)
	HasSuccessSince(ctx context.Context, db DBTX, subscriptionID string, since time.Time) (bool, error)
}

// TransitionRepository stores the subscription transition log.
type TransitionRepository interface {
	Insert(ctx context.Context, db DBTX, t *domain.Transition) error
	Recent(ctx context.Context, db DBTX, limit int) ([]*domain.Transition, error)
	ListBySubscription(ctx context.Context, db DBTX, subscriptionID string) ([]*domain.Transition, error)
}

// Repositories bundles the stores the billing services depend on.
type Repositories struct {
	Organizations OrganizationRepository
	Plans         PlanRepository
	Subscriptions SubscriptionRepository
	Payments      PaymentRepository
	Transitions   TransitionRepository
}
