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

// OrganizationRepository implements ports.OrganizationRepository
type OrganizationRepository struct {
	db ports.DBTX
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *DBExecutor) *OrganizationRepository {
	return &OrganizationRepository{db: db.Querier()}
}

const organizationColumns = `id::text, name, COALESCE(customer_ref, ''), status,
	COALESCE(disabled_reason, ''), disabled_at, created_at, updated_at`

// Create inserts a new organization
func (r *OrganizationRepository) Create(ctx context.Context, tx ports.DBTX, org *domain.Organization) error {
	_, err := pick(tx, r.db).Exec(ctx, `
		INSERT INTO organizations (id, name, customer_ref, status, disabled_reason, disabled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		org.ID, org.Name, nullText(org.CustomerRef), string(org.Status),
		nullText(org.DisabledReason), org.DisabledAt, org.CreatedAt, org.UpdatedAt,
	)
	if _, dup := uniqueViolation(err); dup {
		return domain.Validationf("organization %s or customer reference %s already exists", org.ID, org.CustomerRef)
	}
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// GetByID retrieves an organization by ID
func (r *OrganizationRepository) GetByID(ctx context.Context, tx ports.DBTX, id string) (*domain.Organization, error) {
	row := pick(tx, r.db).QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	org, err := scanOrganization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization by id: %w", err)
	}
	return org, nil
}

// GetByCustomerRef retrieves an organization by its provider customer reference
func (r *OrganizationRepository) GetByCustomerRef(ctx context.Context, tx ports.DBTX, customerRef string) (*domain.Organization, error) {
	row := pick(tx, r.db).QueryRow(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE customer_ref = $1`, customerRef)
	org, err := scanOrganization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization by customer ref: %w", err)
	}
	return org, nil
}

// Update writes the mutable organization fields
func (r *OrganizationRepository) Update(ctx context.Context, tx ports.DBTX, org *domain.Organization) error {
	tag, err := pick(tx, r.db).Exec(ctx, `
		UPDATE organizations
		SET name = $2, customer_ref = $3, status = $4, disabled_reason = $5, disabled_at = $6, updated_at = $7
		WHERE id = $1`,
		org.ID, org.Name, nullText(org.CustomerRef), string(org.Status),
		nullText(org.DisabledReason), org.DisabledAt, org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrganizationNotFound
	}
	return nil
}

// List returns organizations newest first
func (r *OrganizationRepository) List(ctx context.Context, tx ports.DBTX, filter ports.OrganizationFilter) ([]*domain.Organization, error) {
	w := organizationWhere(filter)
	query := `SELECT ` + organizationColumns + ` FROM organizations o` + w.String() +
		` ORDER BY created_at DESC, id` + w.page(filter.Limit, filter.Offset)

	rows, err := pick(tx, r.db).Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*domain.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// Count returns the number of organizations matching filter
func (r *OrganizationRepository) Count(ctx context.Context, tx ports.DBTX, filter ports.OrganizationFilter) (int, error) {
	w := organizationWhere(filter)
	var n int
	if err := pick(tx, r.db).QueryRow(ctx, `SELECT COUNT(*) FROM organizations o`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count organizations: %w", err)
	}
	return n, nil
}

func organizationWhere(filter ports.OrganizationFilter) *where {
	w := &where{}
	if filter.Status != nil {
		w.add("o.status = $%d", string(*filter.Status))
	}
	if filter.Search != "" {
		w.add("o.name ILIKE '%%' || $%d || '%%'", filter.Search)
	}
	if filter.BillingStatus != nil {
		w.add(`(SELECT s.status FROM subscriptions s WHERE s.organization_id = o.id
			ORDER BY s.created_at DESC, s.id DESC LIMIT 1) = $%d`, string(*filter.BillingStatus))
	}
	return w
}

func scanOrganization(row scanner) (*domain.Organization, error) {
	var (
		org    domain.Organization
		status string
	)
	if err := row.Scan(&org.ID, &org.Name, &org.CustomerRef, &status, &org.DisabledReason,
		&org.DisabledAt, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return nil, err
	}
	org.Status = domain.OrganizationStatus(status)
	return &org, nil
}

// PlanRepository implements ports.PlanRepository
type PlanRepository struct {
	db ports.DBTX
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(db *DBExecutor) *PlanRepository {
	return &PlanRepository{db: db.Querier()}
}

const planColumns = `id::text, name, amount_cents, currency, interval_unit, interval_count, trial_days,
	grace_days, max_retry_attempts, retry_base_delay_seconds, retry_max_delay_seconds, features, active, created_at`

// Create inserts a new plan
func (r *PlanRepository) Create(ctx context.Context, tx ports.DBTX, plan *domain.Plan) error {
	features, err := json.Marshal(plan.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	if plan.Features == nil {
		features = []byte("[]")
	}

	_, err = pick(tx, r.db).Exec(ctx, `
		INSERT INTO plans (id, name, amount_cents, currency, interval_unit, interval_count, trial_days,
			grace_days, max_retry_attempts, retry_base_delay_seconds, retry_max_delay_seconds, features, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		plan.ID, plan.Name, plan.AmountCents, plan.Currency, string(plan.Interval), plan.IntervalCount,
		plan.TrialDays, plan.GraceDays, plan.MaxRetryAttempts,
		int64(plan.RetryBaseDelay/time.Second), int64(plan.RetryMaxDelay/time.Second),
		features, plan.Active, plan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

// GetByID retrieves a plan by ID
func (r *PlanRepository) GetByID(ctx context.Context, tx ports.DBTX, id string) (*domain.Plan, error) {
	plan, err := scanPlan(pick(tx, r.db).QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan by id: %w", err)
	}
	return plan, nil
}

// List returns plans ordered by price
func (r *PlanRepository) List(ctx context.Context, tx ports.DBTX, activeOnly bool) ([]*domain.Plan, error) {
	rows, err := pick(tx, r.db).Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE ($1 = FALSE OR active) ORDER BY amount_cents, name`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func scanPlan(row scanner) (*domain.Plan, error) {
	var (
		plan              domain.Plan
		interval          string
		baseSecs, maxSecs int64
		features          []byte
	)
	if err := row.Scan(&plan.ID, &plan.Name, &plan.AmountCents, &plan.Currency, &interval, &plan.IntervalCount,
		&plan.TrialDays, &plan.GraceDays, &plan.MaxRetryAttempts, &baseSecs, &maxSecs, &features,
		&plan.Active, &plan.CreatedAt); err != nil {
		return nil, err
	}
	plan.Interval = domain.IntervalUnit(interval)
	plan.RetryBaseDelay = time.Duration(baseSecs) * time.Second
	plan.RetryMaxDelay = time.Duration(maxSecs) * time.Second
	if len(features) > 0 {
		if err := json.Unmarshal(features, &plan.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features: %w", err)
		}
	}
	return &plan, nil
}
