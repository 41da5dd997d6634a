// Package sweeper drives time-based lifecycle work: periodic sweeps over
// subscriptions whose deadline has passed and reconciliation of charges whose
// outcome was never confirmed.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/lifecycle"
	"github.com/kevin07696/tenant-billing/pkg/observability"
	"github.com/kevin07696/tenant-billing/pkg/resilience"
)

const (
	sweepLockKey     = "tenant-billing:lock:sweep"
	reconcileLockKey = "tenant-billing:lock:reconcile"
)

// Machine is the part of the lifecycle machine the sweeper drives.
type Machine interface {
	Advance(ctx context.Context, subscriptionID string, trigger domain.Trigger) (*lifecycle.Result, error)
	ApplyPayment(ctx context.Context, ev ports.PaymentEvent, trigger domain.Trigger) (*lifecycle.Result, error)
	ResolvePending(ctx context.Context, subscriptionID, idempotencyKey string, trigger domain.Trigger) (*lifecycle.Result, error)
}

// Config tunes paging, concurrency and the warning horizon.
type Config struct {
	BatchSize      int
	Workers        int
	WarningWindow  time.Duration
	ReconcileDelay time.Duration
	LockTTL        time.Duration
}

// DefaultConfig returns the settings used when the environment sets none.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		Workers:        8,
		WarningWindow:  72 * time.Hour,
		ReconcileDelay: 15 * time.Minute,
		LockTTL:        10 * time.Minute,
	}
}

// Report summarizes one sweep.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	// ExpiredCount counts TRIAL or ACTIVE subscriptions that lapsed to PAST_DUE or EXPIRED.
	ExpiredCount   int `json:"expired_count"`
	CancelledCount int `json:"cancelled_count"`
	// WarningsCount counts entries into GRACE_PERIOD plus live subscriptions
	// whose access deadline falls inside the warning window.
	WarningsCount int `json:"warnings_count"`
	Processed     int `json:"processed"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	// LeaseHeld is true when another run held the sweep lease and nothing was done.
	LeaseHeld bool          `json:"lease_held"`
	Duration  time.Duration `json:"duration"`

	mu sync.Mutex
}

func (r *Report) add(fn func(r *Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// Sweeper evaluates due subscriptions against the billing clock.
type Sweeper struct {
	db       ports.DB
	subs     ports.SubscriptionRepository
	machine  Machine
	provider ports.PaymentProvider
	locker   ports.Locker
	timeouts *resilience.TimeoutConfig
	cfg      Config
	logger   ports.Logger
}

// New creates a sweeper. locker may be nil for a single process.
func New(
	db ports.DB,
	subs ports.SubscriptionRepository,
	machine Machine,
	provider ports.PaymentProvider,
	locker ports.Locker,
	timeouts *resilience.TimeoutConfig,
	cfg Config,
	logger ports.Logger,
) *Sweeper {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if timeouts == nil {
		timeouts = resilience.DefaultTimeoutConfig()
	}
	return &Sweeper{
		db:       db,
		subs:     subs,
		machine:  machine,
		provider: provider,
		locker:   locker,
		timeouts: timeouts,
		cfg:      cfg,
		logger:   logger,
	}
}

// Sweep evaluates every live subscription whose next deadline is at or
// before now. Each evaluation commits on its own; a conflict or provider
// outage skips that subscription until the next sweep.
//
// now only bounds which subscriptions are selected. Each selected one is
// evaluated by the machine against its own clock, so a sweep over a
// synthetic instant needs a machine built with a matching clock.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (*Report, error) {
	now = now.UTC()
	report := &Report{StartedAt: now}
	started := time.Now()

	release, ok, err := s.lease(ctx, sweepLockKey)
	if err != nil {
		observability.RecordSweepRun("sweep", "error", time.Since(started).Seconds())
		return nil, err
	}
	if !ok {
		report.LeaseHeld = true
		observability.RecordSweepRun("sweep", "skipped_locked", 0)
		s.logger.Info("sweep skipped; lease held elsewhere")
		return report, nil
	}
	defer release()

	cursor := ports.DueCursor{}
	for {
		page, err := s.subs.ListDue(ctx, s.db.Querier(), now, cursor, s.cfg.BatchSize)
		if err != nil {
			observability.RecordSweepRun("sweep", "error", time.Since(started).Seconds())
			return nil, fmt.Errorf("list due subscriptions: %w", err)
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Workers)
		for _, sub := range page {
			g.Go(func() error {
				s.evaluate(gctx, sub, report)
				return nil
			})
		}
		_ = g.Wait()

		last := page[len(page)-1]
		cursor = ports.DueCursor{Deadline: domain.NextDeadline(last), ID: last.ID}
		if len(page) < s.cfg.BatchSize || ctx.Err() != nil {
			break
		}
	}

	if s.cfg.WarningWindow > 0 {
		n, err := s.subs.CountExpiringBetween(ctx, s.db.Querier(), now, now.Add(s.cfg.WarningWindow))
		if err != nil {
			s.logger.Warn("count expiring subscriptions failed", ports.Err(err))
		} else {
			report.WarningsCount += n
		}
	}

	report.Duration = time.Since(started)
	status := "ok"
	if report.Failed > 0 {
		status = "partial"
	}
	observability.RecordSweepRun("sweep", status, report.Duration.Seconds())
	observability.RecordSweepOutcome("expired", report.ExpiredCount)
	observability.RecordSweepOutcome("cancelled", report.CancelledCount)
	observability.RecordSweepOutcome("warning", report.WarningsCount)
	observability.RecordSweepOutcome("skipped", report.Skipped)
	observability.RecordSweepOutcome("failed", report.Failed)

	s.logger.Info("sweep completed",
		ports.Time("as_of", now),
		ports.Int("processed", report.Processed),
		ports.Int("expired", report.ExpiredCount),
		ports.Int("cancelled", report.CancelledCount),
		ports.Int("warnings", report.WarningsCount),
		ports.Int("skipped", report.Skipped),
		ports.Int("failed", report.Failed),
		ports.Duration("duration", report.Duration))

	return report, nil
}

func (s *Sweeper) evaluate(ctx context.Context, sub *domain.Subscription, report *Report) {
	ctx, cancel := s.timeouts.EvaluationContext(ctx)
	defer cancel()

	res, err := s.machine.Advance(ctx, sub.ID, domain.TriggerSweep)
	if err != nil {
		switch {
		case domain.IsTransitionConflict(err),
			domain.IsDomainError(err, domain.ErrorCodeProviderUnavailable):
			report.add(func(r *Report) { r.Skipped++ })
			s.logger.Debug("sweep skipped subscription",
				ports.String("subscription_id", sub.ID),
				ports.Err(err))
		default:
			report.add(func(r *Report) { r.Failed++ })
			s.logger.Error("sweep evaluation failed",
				ports.String("subscription_id", sub.ID),
				ports.String("status", string(sub.Status)),
				ports.Err(err))
		}
		return
	}

	report.add(func(r *Report) {
		r.Processed++
		if res.From == res.To {
			return
		}
		switch res.To {
		case domain.SubscriptionStatusPastDue, domain.SubscriptionStatusExpired:
			if res.From == domain.SubscriptionStatusTrial || res.From == domain.SubscriptionStatusActive {
				r.ExpiredCount++
			}
		case domain.SubscriptionStatusCancelled:
			r.CancelledCount++
		case domain.SubscriptionStatusGracePeriod:
			r.WarningsCount++
		}
	})
}

// lease takes the named lock. Without a locker every run proceeds.
func (s *Sweeper) lease(ctx context.Context, key string) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	release, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// The caller's context may already be done; the lease must still go.
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release lease failed", ports.String("key", key), ports.Err(err))
		}
	}, true, nil
}
