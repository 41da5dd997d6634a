// Package app wires adapters and services from configuration. The server
// and the admin CLI share it so both run against the same stack.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/adapters/cache"
	"github.com/kevin07696/tenant-billing/internal/adapters/database"
	"github.com/kevin07696/tenant-billing/internal/adapters/memory"
	"github.com/kevin07696/tenant-billing/internal/adapters/provider"
	"github.com/kevin07696/tenant-billing/internal/adapters/redislock"
	"github.com/kevin07696/tenant-billing/internal/adapters/sandbox"
	"github.com/kevin07696/tenant-billing/internal/adapters/secrets"
	"github.com/kevin07696/tenant-billing/internal/adapters/stripe"
	"github.com/kevin07696/tenant-billing/internal/config"
	"github.com/kevin07696/tenant-billing/internal/domain"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
	"github.com/kevin07696/tenant-billing/internal/services/aggregator"
	"github.com/kevin07696/tenant-billing/internal/services/billing"
	"github.com/kevin07696/tenant-billing/internal/services/dunning"
	"github.com/kevin07696/tenant-billing/internal/services/gate"
	"github.com/kevin07696/tenant-billing/internal/services/ledger"
	"github.com/kevin07696/tenant-billing/internal/services/lifecycle"
	"github.com/kevin07696/tenant-billing/internal/services/sweeper"
	pkghttp "github.com/kevin07696/tenant-billing/pkg/http"
	"github.com/kevin07696/tenant-billing/pkg/observability"
	"github.com/kevin07696/tenant-billing/pkg/resilience"
	"github.com/kevin07696/tenant-billing/pkg/security"
)

// App holds every wired component.
type App struct {
	Config   *config.Config
	Clock    ports.Clock
	Timeouts *resilience.TimeoutConfig
	Logger   *zap.Logger

	DB       ports.DB
	Repos    ports.Repositories
	Provider ports.PaymentProvider
	// Webhooks is nil when no webhook secret is configured.
	Webhooks ports.WebhookVerifier
	Locker   ports.Locker

	Ledger  *ledger.Service
	Machine *lifecycle.Machine
	Dunning *dunning.Manager
	Billing *billing.Service
	Stats   *aggregator.Service
	Sweeper *sweeper.Sweeper

	// CronSecret is empty when none is configured; the cron routes then reject everything.
	CronSecret string
	Health     *observability.HealthChecker

	closers []func()
}

// Build connects to the configured backends and assembles the services.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Clock:    ports.ClockFunc(time.Now),
		Timeouts: resilience.DefaultTimeoutConfig(),
		Logger:   logger,
		Health:   observability.NewHealthChecker(),
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}

	secretMgr, err := secrets.New(ctx, cfg.Secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("init secret manager: %w", err)
	}

	if err := a.initProvider(ctx, secretMgr); err != nil {
		return nil, err
	}
	if err := a.initLocker(ctx); err != nil {
		return nil, err
	}
	statusGate, err := a.initGate(ctx, secretMgr)
	if err != nil {
		return nil, err
	}
	a.CronSecret = optionalSecret(ctx, secretMgr, cfg.Cron.SecretPath, logger)

	svcLogger := security.NewZapLogger(logger)
	baseDelay, maxDelay, attempts := cfg.Billing.DefaultPolicy()
	policy := dunning.Policy{
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		MaxAttempts: attempts,
		GraceWindow: time.Duration(domain.DefaultGraceDays) * 24 * time.Hour,
	}

	a.Ledger = ledger.NewService(a.DB, a.Repos.Payments, a.Clock, svcLogger.Named("ledger"))
	a.Machine = lifecycle.NewMachine(a.DB, a.Repos, a.Ledger, a.Provider, statusGate, a.Clock, policy, svcLogger.Named("lifecycle"))
	a.Dunning = dunning.NewManager(a.DB, a.Repos.Subscriptions, a.Ledger, a.Machine, svcLogger.Named("dunning"))
	a.Billing = billing.NewService(a.DB, a.Repos, a.Machine, a.Dunning, a.Provider, statusGate, a.Clock, svcLogger.Named("billing"))
	a.Stats = aggregator.NewService(a.DB, a.Repos, svcLogger.Named("aggregator"))
	a.Sweeper = sweeper.New(a.DB, a.Repos.Subscriptions, a.Machine, a.Provider, a.Locker, a.Timeouts, sweeper.Config{
		BatchSize:      cfg.Billing.SweepBatchSize,
		Workers:        cfg.Billing.SweepWorkers,
		WarningWindow:  cfg.Billing.WarningWindow,
		ReconcileDelay: cfg.Billing.ReconcileDelay,
		LockTTL:        cfg.Billing.LockTTL,
	}, svcLogger.Named("sweeper"))

	ok = true
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	cfg := a.Config
	if cfg.Database.Driver == "memory" {
		a.Logger.Warn("Using the in-memory store - state is lost on exit")
		store := memory.NewStore()
		a.DB = store
		a.Repos = store.Repositories()
	} else {
		dbCfg := database.DefaultPostgreSQLConfig(cfg.Database.ConnectionString())
		dbCfg.MaxConns = cfg.Database.MaxConns
		dbCfg.MinConns = cfg.Database.MinConns
		adapter, err := database.NewPostgreSQLAdapter(ctx, dbCfg, a.Logger)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		a.closers = append(a.closers, adapter.Close)
		a.DB = adapter.DB()
		a.Repos = adapter.Repositories().Ports()
	}

	a.Repos.Plans = cache.NewPlanRepository(a.Repos.Plans, cfg.Billing.PlanCacheSize, cfg.Billing.PlanCacheTTL)
	a.Health.Add("database", a.DB)
	return nil
}

func (a *App) initProvider(ctx context.Context, secretMgr ports.SecretManager) error {
	cfg := a.Config.Provider
	var inner ports.PaymentProvider

	switch cfg.Kind {
	case "stripe":
		apiKey, err := secretMgr.GetSecret(ctx, cfg.APIKeyPath)
		if err != nil {
			return fmt.Errorf("load stripe api key: %w", err)
		}
		webhookSecret := optionalSecret(ctx, secretMgr, cfg.WebhookSecretPath, a.Logger)
		sp, err := stripe.NewProvider(stripe.Config{
			APIKey:        apiKey.Value,
			WebhookSecret: webhookSecret,
			HTTPClient:    pkghttp.NewHTTPClient(pkghttp.ProviderClientConfig(), a.Timeouts.ExternalAPI),
		}, a.Logger.Named("stripe"))
		if err != nil {
			return err
		}
		inner = sp
		if webhookSecret != "" {
			a.Webhooks = sp
		}
	default:
		a.Logger.Warn("Using the sandbox payment provider")
		inner = sandbox.New(a.Clock.Now)
		if secret := optionalSecret(ctx, secretMgr, cfg.WebhookSecretPath, a.Logger); secret != "" {
			a.Webhooks = sandbox.NewWebhookVerifier(secret)
		}
	}

	breaker := resilience.DefaultCircuitBreakerConfig()
	if cfg.CircuitMaxFailures > 0 {
		breaker.MaxFailures = uint32(cfg.CircuitMaxFailures)
	}
	if cfg.CircuitTimeout > 0 {
		breaker.Timeout = cfg.CircuitTimeout
	}
	a.Provider = provider.NewGuarded(inner, breaker, a.Timeouts, a.Logger.Named("provider"))
	return nil
}

func (a *App) initLocker(ctx context.Context) error {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		a.Locker = redislock.NewLocal()
		return nil
	}
	l, err := redislock.New(ctx, redislock.Config{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		return fmt.Errorf("init redis lock: %w", err)
	}
	a.closers = append(a.closers, func() { _ = l.Close() })
	a.Locker = l
	a.Health.Add("redis", l)
	return nil
}

// initGate returns nil when no gate URL is configured.
func (a *App) initGate(ctx context.Context, secretMgr ports.SecretManager) (ports.StatusGate, error) {
	cfg := a.Config.Gate
	if cfg.URL == "" {
		a.Logger.Info("Organization gate disabled; status changes are not pushed")
		return nil, nil
	}
	secret, err := secretMgr.GetSecret(ctx, cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("load gate signing secret: %w", err)
	}
	httpClient := pkghttp.NewHTTPClient(pkghttp.GateClientConfig(), a.Timeouts.GateDelivery)
	return gate.NewNotifier(gate.Config{
		URL:         cfg.URL,
		Secret:      secret.Value,
		MaxAttempts: cfg.MaxAttempts,
	}, httpClient, a.Timeouts, a.Logger.Named("gate")), nil
}

// optionalSecret returns "" when the secret cannot be read.
func optionalSecret(ctx context.Context, secretMgr ports.SecretManager, path string, logger *zap.Logger) string {
	if path == "" {
		return ""
	}
	s, err := secretMgr.GetSecret(ctx, path)
	if err != nil {
		logger.Warn("Optional secret unavailable", zap.String("path", path), zap.Error(err))
		return ""
	}
	return s.Value
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
