package sweeper

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/pkg/resilience"
)

// Scheduler runs sweeps and reconciliation on cron specs. A tick that fires
// while the previous run of the same job is still going is dropped.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	clock    ports.Clock
	timeouts *resilience.TimeoutConfig
	logger   *zap.Logger
}

// NewScheduler creates a stopped scheduler
func NewScheduler(sw *Sweeper, clock ports.Clock, timeouts *resilience.TimeoutConfig, logger *zap.Logger) *Scheduler {
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper:  sw,
		clock:    clock,
		timeouts: timeouts,
		logger:   logger,
	}
}

// Register adds the sweep and reconcile jobs. An empty spec disables that job.
func (s *Scheduler) Register(sweepSpec, reconcileSpec string) error {
	if sweepSpec != "" {
		if _, err := s.cron.AddFunc(sweepSpec, s.runSweep); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", sweepSpec, err)
		}
	}
	if reconcileSpec != "" {
		if _, err := s.cron.AddFunc(reconcileSpec, s.runReconcile); err != nil {
			return fmt.Errorf("schedule reconcile %q: %w", reconcileSpec, err)
		}
	}
	return nil
}

// Start begins firing jobs in the background
func (s *Scheduler) Start() {
	s.logger.Info("billing scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop prevents new runs and waits for running ones or ctx, whichever comes first
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := s.timeouts.CronContext(context.Background())
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx, s.clock.Now()); err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) runReconcile() {
	ctx, cancel := s.timeouts.CronContext(context.Background())
	defer cancel()

	if _, err := s.sweeper.Reconcile(ctx, s.clock.Now()); err != nil {
		s.logger.Error("scheduled reconciliation failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
