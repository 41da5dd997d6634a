package sweeper

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/observability"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked int `json:"checked"`
	// Settled pending charges had a final provider outcome that was applied.
	Settled int `json:"settled"`
	// Cleared pending charges never reached the provider.
	Cleared      int           `json:"cleared"`
	StillPending int           `json:"still_pending"`
	Failed       int           `json:"failed"`
	LeaseHeld    bool          `json:"lease_held"`
	Duration     time.Duration `json:"duration"`
}

// Reconcile asks the provider for the final outcome of every charge parked
// for longer than the reconcile delay and applies it. One batch per run.
func (s *Sweeper) Reconcile(ctx context.Context, now time.Time) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	started := time.Now()

	release, ok, err := s.lease(ctx, reconcileLockKey)
	if err != nil {
		observability.RecordSweepRun("reconcile", "error", time.Since(started).Seconds())
		return nil, err
	}
	if !ok {
		report.LeaseHeld = true
		observability.RecordSweepRun("reconcile", "skipped_locked", 0)
		return report, nil
	}
	defer release()

	pending, err := s.subs.ListPending(ctx, s.db.Querier(), now.UTC().Add(-s.cfg.ReconcileDelay), s.cfg.BatchSize)
	if err != nil {
		observability.RecordSweepRun("reconcile", "error", time.Since(started).Seconds())
		return nil, err
	}

	outcomes := make([]string, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, sub := range pending {
		g.Go(func() error {
			outcomes[i] = s.reconcileOne(gctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	report.Checked = len(pending)
	for _, o := range outcomes {
		switch o {
		case "settled":
			report.Settled++
		case "cleared":
			report.Cleared++
		case "pending":
			report.StillPending++
		default:
			report.Failed++
		}
	}
	report.Duration = time.Since(started)

	status := "ok"
	if report.Failed > 0 {
		status = "partial"
	}
	observability.RecordSweepRun("reconcile", status, report.Duration.Seconds())
	if report.Checked > 0 {
		s.logger.Info("reconciliation completed",
			ports.Int("checked", report.Checked),
			ports.Int("settled", report.Settled),
			ports.Int("cleared", report.Cleared),
			ports.Int("still_pending", report.StillPending),
			ports.Int("failed", report.Failed))
	}
	return report, nil
}

func (s *Sweeper) reconcileOne(ctx context.Context, sub *domain.Subscription) string {
	ctx, cancel := s.timeouts.EvaluationContext(ctx)
	defer cancel()

	pc := sub.PendingCharge
	res, err := s.provider.LookupCharge(ctx, pc.IdempotencyKey)
	if err != nil {
		s.logger.Warn("charge lookup failed",
			ports.String("subscription_id", sub.ID),
			ports.String("idempotency_key", pc.IdempotencyKey),
			ports.Err(err))
		return "failed"
	}

	if res == nil {
		if _, err := s.machine.ResolvePending(ctx, sub.ID, pc.IdempotencyKey, domain.TriggerReconcile); err != nil {
			s.logger.Error("clear pending charge failed", ports.String("subscription_id", sub.ID), ports.Err(err))
			return "failed"
		}
		return "cleared"
	}

	var outcome domain.PaymentOutcome
	switch res.Status {
	case ports.ChargeStatusSucceeded:
		outcome = domain.PaymentOutcomeSuccess
	case ports.ChargeStatusFailed:
		outcome = domain.PaymentOutcomeFailed
	default:
		return "pending"
	}

	amount, currency := res.AmountCents, res.Currency
	if amount == 0 {
		amount, currency = pc.AmountCents, pc.Currency
	}
	_, err = s.machine.ApplyPayment(ctx, ports.PaymentEvent{
		OccurredAt:     res.ProcessedAt,
		ProviderRef:    res.ProviderRef,
		SubscriptionID: sub.ID,
		IdempotencyKey: pc.IdempotencyKey,
		Outcome:        outcome,
		AmountCents:    amount,
		Currency:       currency,
		FailureReason:  res.FailureReason,
	}, domain.TriggerReconcile)
	if err != nil {
		s.logger.Error("apply reconciled charge failed",
			ports.String("subscription_id", sub.ID),
			ports.String("provider_ref", res.ProviderRef),
			ports.Err(err))
		return "failed"
	}
	return "settled"
}
