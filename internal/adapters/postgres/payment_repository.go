package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

const oneRefundConstraint = "payment_records_one_refund"

// PaymentRepository implements the append-only ledger store
type PaymentRepository struct {
	db ports.DBTX
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *DBExecutor) *PaymentRepository {
	return &PaymentRepository{db: db.Querier()}
}

const paymentColumns = `id::text, subscription_id::text, organization_id::text, amount_cents, currency, outcome,
	provider_ref, COALESCE(idempotency_key, ''), COALESCE(refund_of_id::text, ''), COALESCE(failure_reason, ''),
	created_at, paid_at, failed_at, refunded_at`

// Insert appends rec. A provider reference already on file returns the stored record.
func (r *PaymentRepository) Insert(ctx context.Context, tx ports.DBTX, rec *domain.PaymentRecord) (*domain.PaymentRecord, bool, error) {
	db := pick(tx, r.db)
	inserted, err := scanPayment(db.QueryRow(ctx, `
		INSERT INTO payment_records (
			id, subscription_id, organization_id, amount_cents, currency, outcome, provider_ref,
			idempotency_key, refund_of_id, failure_reason, created_at, paid_at, failed_at, refunded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT ON CONSTRAINT payment_records_provider_ref_key DO NOTHING
		RETURNING `+paymentColumns,
		rec.ID, rec.SubscriptionID, rec.OrganizationID, rec.AmountCents, rec.Currency, string(rec.Outcome),
		rec.ProviderRef, nullText(rec.IdempotencyKey), nullText(rec.RefundOfID), nullText(rec.FailureReason),
		rec.CreatedAt, rec.PaidAt, rec.FailedAt, rec.RefundedAt,
	))
	if err == nil {
		return inserted, true, nil
	}
	if constraint, dup := uniqueViolation(err); dup && constraint == oneRefundConstraint {
		return nil, false, domain.NewDomainError(domain.ErrorCodeDuplicateEvent,
			fmt.Sprintf("payment %s is already refunded", rec.RefundOfID))
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert payment record: %w", err)
	}

	existing, err := r.GetByProviderRef(ctx, tx, rec.ProviderRef)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetByID retrieves a ledger record by ID
func (r *PaymentRepository) GetByID(ctx context.Context, tx ports.DBTX, id string) (*domain.PaymentRecord, error) {
	return r.getOne(ctx, tx, "get payment by id",
		`SELECT `+paymentColumns+` FROM payment_records WHERE id = $1`, id)
}

// GetByProviderRef retrieves a ledger record by provider reference
func (r *PaymentRepository) GetByProviderRef(ctx context.Context, tx ports.DBTX, providerRef string) (*domain.PaymentRecord, error) {
	return r.getOne(ctx, tx, "get payment by provider ref",
		`SELECT `+paymentColumns+` FROM payment_records WHERE provider_ref = $1`, providerRef)
}

// FindRefundOf retrieves the refund recorded against a charge
func (r *PaymentRepository) FindRefundOf(ctx context.Context, tx ports.DBTX, paymentID string) (*domain.PaymentRecord, error) {
	return r.getOne(ctx, tx, "find refund",
		`SELECT `+paymentColumns+` FROM payment_records WHERE refund_of_id = $1`, paymentID)
}

// ListAfter pages one subscription's history in chronological order
func (r *PaymentRepository) ListAfter(ctx context.Context, tx ports.DBTX, subscriptionID string, after ports.PaymentCursor, limit int) ([]*domain.PaymentRecord, error) {
	if after.CreatedAt.IsZero() && after.ID == "" {
		return r.list(ctx, tx, "list payments after", `
			SELECT `+paymentColumns+` FROM payment_records
			WHERE subscription_id = $1
			ORDER BY created_at, id
			LIMIT $2`, subscriptionID, limit)
	}
	return r.list(ctx, tx, "list payments after", `
		SELECT `+paymentColumns+` FROM payment_records
		WHERE subscription_id = $1 AND (created_at, id) > ($2, $3::uuid)
		ORDER BY created_at, id
		LIMIT $4`, subscriptionID, after.CreatedAt, after.ID, limit)
}

// List returns ledger records newest first
func (r *PaymentRepository) List(ctx context.Context, tx ports.DBTX, filter ports.PaymentFilter) ([]*domain.PaymentRecord, error) {
	w := paymentWhere(filter)
	query := `SELECT ` + paymentColumns + ` FROM payment_records` + w.String() +
		` ORDER BY created_at DESC, seq DESC` + w.page(filter.Limit, filter.Offset)
	return r.list(ctx, tx, "list payments", query, w.args...)
}

// Count returns the number of ledger records matching filter
func (r *PaymentRepository) Count(ctx context.Context, tx ports.DBTX, filter ports.PaymentFilter) (int, error) {
	w := paymentWhere(filter)
	var n int
	if err := pick(tx, r.db).QueryRow(ctx, `SELECT COUNT(*) FROM payment_records`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return n, nil
}

// SumByCurrency totals matching amounts per currency
func (r *PaymentRepository) SumByCurrency(ctx context.Context, tx ports.DBTX, filter ports.PaymentFilter) (map[string]int64, error) {
	w := paymentWhere(filter)
	rows, err := pick(tx, r.db).Query(ctx,
		`SELECT currency, COALESCE(SUM(amount_cents), 0) FROM payment_records`+w.String()+` GROUP BY currency`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("sum payments: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]int64)
	for rows.Next() {
		var (
			currency string
			total    int64
		)
		if err := rows.Scan(&currency, &total); err != nil {
			return nil, fmt.Errorf("scan payment sum: %w", err)
		}
		sums[currency] = total
	}
	return sums, rows.Err()
}

// RevenueBySubscription returns gross, refunded and net per subscription and currency in [from, to)
func (r *PaymentRepository) RevenueBySubscription(ctx context.Context, tx ports.DBTX, from, to time.Time) ([]ports.SubscriptionRevenue, error) {
	rows, err := pick(tx, r.db).Query(ctx, `
		SELECT subscription_id::text, MIN(organization_id::text), currency,
			COALESCE(SUM(amount_cents) FILTER (WHERE outcome = 'success'), 0) AS gross,
			COALESCE(SUM(amount_cents) FILTER (WHERE outcome = 'refunded'), 0) AS refunded
		FROM payment_records
		WHERE created_at >= $1 AND created_at < $2 AND outcome IN ('success', 'refunded')
		GROUP BY subscription_id, currency
		ORDER BY (COALESCE(SUM(amount_cents) FILTER (WHERE outcome = 'success'), 0)
			- COALESCE(SUM(amount_cents) FILTER (WHERE outcome = 'refunded'), 0)) DESC, subscription_id`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("revenue by subscription: %w", err)
	}
	defer rows.Close()

	var out []ports.SubscriptionRevenue
	for rows.Next() {
		var rev ports.SubscriptionRevenue
		if err := rows.Scan(&rev.SubscriptionID, &rev.OrganizationID, &rev.Currency, &rev.GrossCents, &rev.RefundedCents); err != nil {
			return nil, fmt.Errorf("scan revenue: %w", err)
		}
		rev.NetCents = rev.GrossCents - rev.RefundedCents
		out = append(out, rev)
	}
	return out, rows.Err()
}

// ConsecutiveFailures counts failed records appended after the last success
func (r *PaymentRepository) ConsecutiveFailures(ctx context.Context, tx ports.DBTX, subscriptionID string) (int, error) {
	var n int
	err := pick(tx, r.db).QueryRow(ctx, `
		SELECT COUNT(*) FROM payment_records
		WHERE subscription_id = $1 AND outcome = 'failed'
		  AND seq > COALESCE((
			SELECT MAX(seq) FROM payment_records
			WHERE subscription_id = $1 AND outcome = 'success'
		  ), 0)`, subscriptionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count consecutive failures: %w", err)
	}
	return n, nil
}

// HasSuccessSince reports whether a successful charge was recorded at or after since
func (r *PaymentRepository) HasSuccessSince(ctx context.Context, tx ports.DBTX, subscriptionID string, since time.Time) (bool, error) {
	var ok bool
	err := pick(tx, r.db).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_records
			WHERE subscription_id = $1 AND outcome = 'success' AND created_at >= $2
		)`, subscriptionID, since).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check recent success: %w", err)
	}
	return ok, nil
}

func (r *PaymentRepository) getOne(ctx context.Context, tx ports.DBTX, op, query string, args ...interface{}) (*domain.PaymentRecord, error) {
	rec, err := scanPayment(pick(tx, r.db).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

func (r *PaymentRepository) list(ctx context.Context, tx ports.DBTX, op, query string, args ...interface{}) ([]*domain.PaymentRecord, error) {
	rows, err := pick(tx, r.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var recs []*domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func paymentWhere(filter ports.PaymentFilter) *where {
	w := &where{}
	if filter.SubscriptionID != "" {
		w.add("subscription_id = $%d", filter.SubscriptionID)
	}
	if filter.OrganizationID != "" {
		w.add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.Outcome != nil {
		w.add("outcome = $%d", string(*filter.Outcome))
	}
	if filter.From != nil {
		w.add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		w.add("created_at < $%d", *filter.To)
	}
	return w
}

func scanPayment(row scanner) (*domain.PaymentRecord, error) {
	var (
		rec     domain.PaymentRecord
		outcome string
	)
	err := row.Scan(
		&rec.ID, &rec.SubscriptionID, &rec.OrganizationID, &rec.AmountCents, &rec.Currency, &outcome,
		&rec.ProviderRef, &rec.IdempotencyKey, &rec.RefundOfID, &rec.FailureReason,
		&rec.CreatedAt, &rec.PaidAt, &rec.FailedAt, &rec.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Outcome = domain.PaymentOutcome(outcome)
	return &rec, nil
}
