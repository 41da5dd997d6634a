package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

const oneLivePerOrgConstraint = "subscriptions_one_live_per_org"

// SubscriptionRepository implements ports.SubscriptionRepository with
// version-checked updates.
type SubscriptionRepository struct {
	db ports.DBTX
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *DBExecutor) *SubscriptionRepository {
	return &SubscriptionRepository{db: db.Querier()}
}

const subscriptionColumns = `id::text, organization_id::text, plan_id::text, COALESCE(customer_ref, ''),
	COALESCE(authorization_code, ''), status, current_period_start, current_period_end, trial_start, trial_end,
	billing_anchor_day, next_billing_date, last_payment_date, failed_payment_count, next_retry_at,
	grace_period_end, pending_charge, cancelled_at, COALESCE(cancel_reason, ''), metadata, version,
	created_at, updated_at`

// Create inserts a new subscription at version 1
func (r *SubscriptionRepository) Create(ctx context.Context, tx ports.DBTX, sub *domain.Subscription) error {
	pending, metadata, err := encodeSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	_, err = pick(tx, r.db).Exec(ctx, `
		INSERT INTO subscriptions (
			id, organization_id, plan_id, customer_ref, authorization_code, status,
			current_period_start, current_period_end, trial_start, trial_end, billing_anchor_day,
			next_billing_date, last_payment_date, failed_payment_count, next_retry_at, grace_period_end,
			pending_charge, cancelled_at, cancel_reason, metadata, next_deadline, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, 1, $22, $23)`,
		sub.ID, sub.OrganizationID, sub.PlanID, nullText(sub.CustomerRef), nullText(sub.AuthorizationCode),
		string(sub.Status), sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialStart, sub.TrialEnd,
		sub.BillingAnchorDay, sub.NextBillingDate, sub.LastPaymentDate, sub.FailedPaymentCount,
		sub.NextRetryAt, sub.GracePeriodEnd, pending, sub.CancelledAt, nullText(sub.CancelReason), metadata,
		nullTime(domain.NextDeadline(sub)), sub.CreatedAt, sub.UpdatedAt,
	)
	if constraint, dup := uniqueViolation(err); dup && constraint == oneLivePerOrgConstraint {
		return liveConflict(sub.OrganizationID)
	}
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	sub.Version = 1
	return nil
}

// GetByID retrieves a subscription by ID
func (r *SubscriptionRepository) GetByID(ctx context.Context, tx ports.DBTX, id string) (*domain.Subscription, error) {
	return r.getOne(ctx, tx, "get subscription by id",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
}

// GetLiveByOrganization retrieves the organization's live subscription
func (r *SubscriptionRepository) GetLiveByOrganization(ctx context.Context, tx ports.DBTX, organizationID string) (*domain.Subscription, error) {
	return r.getOne(ctx, tx, "get live subscription",
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE organization_id = $1 AND status IN `+liveStatusList+`
		 ORDER BY created_at DESC LIMIT 1`, organizationID)
}

// GetLatestByOrganization retrieves the organization's most recently created subscription
func (r *SubscriptionRepository) GetLatestByOrganization(ctx context.Context, tx ports.DBTX, organizationID string) (*domain.Subscription, error) {
	return r.getOne(ctx, tx, "get latest subscription",
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE organization_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, organizationID)
}

// CountLiveByOrganization counts live subscriptions for the invariant check
func (r *SubscriptionRepository) CountLiveByOrganization(ctx context.Context, tx ports.DBTX, organizationID string) (int, error) {
	var n int
	err := pick(tx, r.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE organization_id = $1 AND status IN `+liveStatusList,
		organizationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live subscriptions: %w", err)
	}
	return n, nil
}

// UpdateIfVersion writes every mutable column when the stored version matches
func (r *SubscriptionRepository) UpdateIfVersion(ctx context.Context, tx ports.DBTX, sub *domain.Subscription, expected int64) error {
	pending, metadata, err := encodeSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	tag, err := pick(tx, r.db).Exec(ctx, `
		UPDATE subscriptions SET
			authorization_code = $3, status = $4, current_period_start = $5, current_period_end = $6,
			trial_start = $7, trial_end = $8, billing_anchor_day = $9, next_billing_date = $10,
			last_payment_date = $11, failed_payment_count = $12, next_retry_at = $13, grace_period_end = $14,
			pending_charge = $15, cancelled_at = $16, cancel_reason = $17, metadata = $18,
			next_deadline = $19, updated_at = $20, version = version + 1
		WHERE id = $1 AND version = $2`,
		sub.ID, expected, nullText(sub.AuthorizationCode), string(sub.Status), sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.TrialStart, sub.TrialEnd, sub.BillingAnchorDay, sub.NextBillingDate,
		sub.LastPaymentDate, sub.FailedPaymentCount, sub.NextRetryAt, sub.GracePeriodEnd, pending,
		sub.CancelledAt, nullText(sub.CancelReason), metadata, nullTime(domain.NextDeadline(sub)), sub.UpdatedAt,
	)
	if constraint, dup := uniqueViolation(err); dup && constraint == oneLivePerOrgConstraint {
		return liveConflict(sub.OrganizationID)
	}
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, tx, sub.ID); err != nil {
			return err
		}
		return domain.NewDomainError(domain.ErrorCodeTransitionConflict,
			fmt.Sprintf("subscription %s is no longer at version %d", sub.ID, expected))
	}
	sub.Version = expected + 1
	return nil
}

// ListDue pages live subscriptions whose next deadline has arrived
func (r *SubscriptionRepository) ListDue(ctx context.Context, tx ports.DBTX, now time.Time, after ports.DueCursor, limit int) ([]*domain.Subscription, error) {
	afterID := after.ID
	if afterID == "" {
		afterID = "00000000-0000-0000-0000-000000000000"
	}
	afterDeadline := after.Deadline
	if afterDeadline.IsZero() {
		afterDeadline = time.Unix(0, 0).UTC()
	}
	return r.list(ctx, tx, "list due subscriptions", `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN `+liveStatusList+`
		  AND next_deadline <= $1
		  AND (next_deadline, id) > ($2, $3::uuid)
		ORDER BY next_deadline, id
		LIMIT $4`, now, afterDeadline, afterID, limit)
}

// ListPending returns subscriptions in any status with an unresolved charge attempt
func (r *SubscriptionRepository) ListPending(ctx context.Context, tx ports.DBTX, olderThan time.Time, limit int) ([]*domain.Subscription, error) {
	return r.list(ctx, tx, "list pending subscriptions", `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE pending_charge IS NOT NULL
		  AND (pending_charge->>'attempted_at')::timestamptz <= $1
		ORDER BY (pending_charge->>'attempted_at')::timestamptz, id
		LIMIT $2`, olderThan, limit)
}

// CountExpiringBetween counts live subscriptions whose access deadline falls in (from, to]
func (r *SubscriptionRepository) CountExpiringBetween(ctx context.Context, tx ports.DBTX, from, to time.Time) (int, error) {
	var n int
	err := pick(tx, r.db).QueryRow(ctx, `
		SELECT COUNT(*) FROM (
			SELECT CASE status
				WHEN 'trial' THEN trial_end
				WHEN 'active' THEN current_period_end
				ELSE grace_period_end
			END AS deadline
			FROM subscriptions
			WHERE status IN `+liveStatusList+`
		) d
		WHERE d.deadline > $1 AND d.deadline <= $2`, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expiring subscriptions: %w", err)
	}
	return n, nil
}

// List returns subscriptions newest first
func (r *SubscriptionRepository) List(ctx context.Context, tx ports.DBTX, filter ports.SubscriptionFilter) ([]*domain.Subscription, error) {
	w := &where{}
	if filter.OrganizationID != "" {
		w.add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.Status != nil {
		w.add("status = $%d", string(*filter.Status))
	}
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions` + w.String() +
		` ORDER BY created_at DESC, id DESC` + w.page(filter.Limit, filter.Offset)
	return r.list(ctx, tx, "list subscriptions", query, w.args...)
}

// CountByStatus is the single source for per-status counts
func (r *SubscriptionRepository) CountByStatus(ctx context.Context, tx ports.DBTX) (map[domain.SubscriptionStatus]int, error) {
	rows, err := pick(tx, r.db).Query(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.SubscriptionStatus]int, len(domain.AllSubscriptionStatuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.SubscriptionStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountCreatedBetween counts subscriptions created in [from, to)
func (r *SubscriptionRepository) CountCreatedBetween(ctx context.Context, tx ports.DBTX, from, to time.Time) (int, error) {
	var n int
	err := pick(tx, r.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE created_at >= $1 AND created_at < $2`, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count created subscriptions: %w", err)
	}
	return n, nil
}

// CountEndedBetween counts subscriptions that reached a terminal status in [from, to)
func (r *SubscriptionRepository) CountEndedBetween(ctx context.Context, tx ports.DBTX, from, to time.Time) (int, error) {
	var n int
	err := pick(tx, r.db).QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE status IN ('cancelled', 'expired') AND cancelled_at >= $1 AND cancelled_at < $2`, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ended subscriptions: %w", err)
	}
	return n, nil
}

func (r *SubscriptionRepository) getOne(ctx context.Context, tx ports.DBTX, op, query string, args ...interface{}) (*domain.Subscription, error) {
	sub, err := scanSubscription(pick(tx, r.db).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

func (r *SubscriptionRepository) list(ctx context.Context, tx ports.DBTX, op, query string, args ...interface{}) ([]*domain.Subscription, error) {
	rows, err := pick(tx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row scanner) (*domain.Subscription, error) {
	var (
		sub      domain.Subscription
		status   string
		pending  []byte
		metadata []byte
	)
	err := row.Scan(
		&sub.ID, &sub.OrganizationID, &sub.PlanID, &sub.CustomerRef, &sub.AuthorizationCode, &status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialStart, &sub.TrialEnd,
		&sub.BillingAnchorDay, &sub.NextBillingDate, &sub.LastPaymentDate, &sub.FailedPaymentCount,
		&sub.NextRetryAt, &sub.GracePeriodEnd, &pending, &sub.CancelledAt, &sub.CancelReason, &metadata,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	if len(pending) > 0 {
		sub.PendingCharge = &domain.PendingCharge{}
		if err := json.Unmarshal(pending, sub.PendingCharge); err != nil {
			return nil, fmt.Errorf("unmarshal pending charge: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sub, nil
}

func encodeSubscriptionJSON(sub *domain.Subscription) (pending, metadata []byte, err error) {
	if sub.PendingCharge != nil {
		if pending, err = json.Marshal(sub.PendingCharge); err != nil {
			return nil, nil, fmt.Errorf("marshal pending charge: %w", err)
		}
	}
	metadata = []byte("{}")
	if sub.Metadata != nil {
		if metadata, err = json.Marshal(sub.Metadata); err != nil {
			return nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	return pending, metadata, nil
}

func liveConflict(organizationID string) error {
	return domain.NewDomainError(domain.ErrorCodeInvariantViolation,
		fmt.Sprintf("organization %s already has a live subscription", organizationID)).
		WithDetail("organization_id", organizationID)
}
