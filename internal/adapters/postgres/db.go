package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// DBExecutor implements ports.DB for PostgreSQL
type DBExecutor struct {
	pool *pgxpool.Pool
}

var _ ports.DB = (*DBExecutor)(nil)

// NewDBExecutor creates a new PostgreSQL database executor
func NewDBExecutor(pool *pgxpool.Pool) *DBExecutor {
	return &DBExecutor{pool: pool}
}

// Querier returns the pool for statements outside a transaction
func (db *DBExecutor) Querier() ports.DBTX {
	return db.pool
}

// Ping verifies the pool can reach the server
func (db *DBExecutor) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// WithTransaction executes a function within a database transaction
// Transaction is explicitly passed to the callback function
func (db *DBExecutor) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// WithReadOnlyTransaction runs fn in a repeatable-read, read-only transaction
// so every aggregate query sees the same snapshot
func (db *DBExecutor) WithReadOnlyTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{
		AccessMode: pgx.ReadOnly,
		IsoLevel:   pgx.RepeatableRead,
	})
	if err != nil {
		return fmt.Errorf("begin read-only transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit read-only transaction: %w", err)
	}

	return nil
}

// Repositories bundles every repository over one pool.
type Repositories struct {
	Organizations *OrganizationRepository
	Plans         *PlanRepository
	Subscriptions *SubscriptionRepository
	Payments      *PaymentRepository
	Transitions   *TransitionRepository
}

// NewRepositories wires all repositories to db.
func NewRepositories(db *DBExecutor) *Repositories {
	return &Repositories{
		Organizations: NewOrganizationRepository(db),
		Plans:         NewPlanRepository(db),
		Subscriptions: NewSubscriptionRepository(db),
		Payments:      NewPaymentRepository(db),
		Transitions:   NewTransitionRepository(db),
	}
}

// Ports exposes the bundle through the repository interfaces.
func (r *Repositories) Ports() ports.Repositories {
	return ports.Repositories{
		Organizations: r.Organizations,
		Plans:         r.Plans,
		Subscriptions: r.Subscriptions,
		Payments:      r.Payments,
		Transitions:   r.Transitions,
	}
}
