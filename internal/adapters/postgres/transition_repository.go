package postgres

import (
	"context"
	"fmt"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// TransitionRepository stores the subscription transition log
type TransitionRepository struct {
	db ports.DBTX
}

// NewTransitionRepository creates a new transition repository
func NewTransitionRepository(db *DBExecutor) *TransitionRepository {
	return &TransitionRepository{db: db.Querier()}
}

const transitionColumns = `id::text, subscription_id::text, organization_id::text, COALESCE(from_status, ''),
	to_status, activity, triggered_by, COALESCE(reason, ''), created_at`

// Insert appends one transition
func (r *TransitionRepository) Insert(ctx context.Context, tx ports.DBTX, t *domain.Transition) error {
	_, err := pick(tx, r.db).Exec(ctx, `
		INSERT INTO subscription_transitions
			(id, subscription_id, organization_id, from_status, to_status, activity, triggered_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.SubscriptionID, t.OrganizationID, nullText(string(t.From)), string(t.To),
		string(t.Activity), string(t.Trigger), nullText(t.Reason), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Recent returns the newest transitions across all subscriptions
func (r *TransitionRepository) Recent(ctx context.Context, tx ports.DBTX, limit int) ([]*domain.Transition, error) {
	return r.list(ctx, tx, `SELECT `+transitionColumns+` FROM subscription_transitions
		ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
}

// ListBySubscription returns one subscription's transitions oldest first
func (r *TransitionRepository) ListBySubscription(ctx context.Context, tx ports.DBTX, subscriptionID string) ([]*domain.Transition, error) {
	return r.list(ctx, tx, `SELECT `+transitionColumns+` FROM subscription_transitions
		WHERE subscription_id = $1 ORDER BY created_at, id`, subscriptionID)
}

func (r *TransitionRepository) list(ctx context.Context, tx ports.DBTX, query string, args ...interface{}) ([]*domain.Transition, error) {
	rows, err := pick(tx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transition
	for rows.Next() {
		var (
			t                          domain.Transition
			from, to, activity, source string
		)
		if err := rows.Scan(&t.ID, &t.SubscriptionID, &t.OrganizationID, &from, &to,
			&activity, &source, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From = domain.SubscriptionStatus(from)
		t.To = domain.SubscriptionStatus(to)
		t.Activity = domain.ActivityType(activity)
		t.Trigger = domain.Trigger(source)
		out = append(out, &t)
	}
	return out, rows.Err()
}
