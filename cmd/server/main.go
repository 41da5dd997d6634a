package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kevin07696/tenant-billing/internal/app"
	"github.com/kevin07696/tenant-billing/internal/config"
	"github.com/kevin07696/tenant-billing/internal/handlers/api"
	cronHandler "github.com/kevin07696/tenant-billing/internal/handlers/cron"
	webhookHandler "github.com/kevin07696/tenant-billing/internal/handlers/webhook"
	"github.com/kevin07696/tenant-billing/internal/services/sweeper"
	"github.com/kevin07696/tenant-billing/pkg/middleware"
	"github.com/kevin07696/tenant-billing/pkg/observability"
	"github.com/kevin07696/tenant-billing/pkg/shutdown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting tenant billing service",
		zap.String("environment", cfg.Server.Environment),
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("payment_provider", cfg.Provider.Kind),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	deps, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}

	shutdownMgr := shutdown.NewManager(logger, cfg.Server.ShutdownDeadline)
	// Registered first, closed last.
	shutdownMgr.RegisterNoErr("dependencies", deps.Close)

	metricsServer := observability.StartMetricsServer(strconv.Itoa(cfg.Server.MetricsPort), deps.Health, logger)
	shutdownMgr.Register("metrics-server", func(ctx context.Context) error {
		return observability.ShutdownMetricsServer(ctx, metricsServer)
	})
	logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))

	grpcServer, healthServer, err := startHealthServer(cfg.Server.HealthGRPCPort, logger)
	if err != nil {
		logger.Fatal("Failed to start gRPC health server", zap.Error(err))
	}
	shutdownMgr.RegisterNoErr("grpc-health", grpcServer.GracefulStop)

	// The gRPC status follows the same dependency checks as /health.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	go deps.Health.Watch(watchCtx, healthWatchInterval, func(ok bool) {
		status := healthpb.HealthCheckResponse_SERVING
		if !ok {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warn("Dependency checks failing; gRPC health set to NOT_SERVING")
		}
		healthServer.SetServingStatus("", status)
		healthServer.SetServingStatus(serviceName, status)
	})
	shutdownMgr.RegisterNoErr("health-watch", func() {
		stopWatch()
		healthServer.Shutdown()
	})

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst)
	shutdownMgr.RegisterNoErr("rate-limiter", rateLimiter.Shutdown)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           newRouter(deps, rateLimiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      deps.Timeouts.HTTPHandler + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()
	shutdownMgr.RegisterHTTPServer("http-server", httpServer)

	scheduler := sweeper.NewScheduler(deps.Sweeper, deps.Clock, deps.Timeouts, logger.Named("scheduler"))
	if err := scheduler.Register(cfg.Billing.SweepSchedule, cfg.Billing.ReconcileSchedule); err != nil {
		logger.Fatal("Failed to register lifecycle jobs", zap.Error(err))
	}
	scheduler.Start()
	// Registered last so it stops first and no sweep outlives the pool.
	shutdownMgr.Register("scheduler", scheduler.Stop)

	logger.Info("Lifecycle scheduler started",
		zap.String("sweep_schedule", cfg.Billing.SweepSchedule),
		zap.String("reconcile_schedule", cfg.Billing.ReconcileSchedule),
	)

	shutdownMgr.WaitForShutdown(context.Background())
	logger.Info("Servers stopped")
}

// newRouter mounts the API, cron and webhook routes behind the middleware chain
func newRouter(deps *app.App, rateLimiter *middleware.RateLimiter, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()

	v1 := api.NewHandler(deps.Billing, deps.Stats, deps.Clock, logger.Named("api")).Register(r)
	// Sweeps run under the cron deadline, so the handler timeout is API-only.
	v1.Use(middleware.Timeout(deps.Timeouts, logger))
	v1.Use(middleware.Gzip)

	cron := cronHandler.NewBillingHandler(deps.Sweeper, deps.Clock, logger.Named("cron"), deps.CronSecret)
	r.HandleFunc("/cron/lifecycle-check", cron.LifecycleCheck).Methods(http.MethodPost)
	r.HandleFunc("/cron/reconcile", cron.Reconcile).Methods(http.MethodPost)
	r.HandleFunc("/cron/health", cron.HealthCheck).Methods(http.MethodGet)
	if deps.CronSecret == "" {
		logger.Warn("Cron secret not configured; /cron endpoints will reject every request")
	}

	if deps.Webhooks != nil {
		r.Handle("/webhooks/provider", webhookHandler.NewProviderHandler(deps.Webhooks, deps.Machine, logger.Named("webhook"))).
			Methods(http.MethodPost)
	} else {
		logger.Warn("Provider webhook secret not configured; /webhooks/provider is disabled")
	}

	r.HandleFunc("/health", deps.Health.HealthHandler()).Methods(http.MethodGet)

	r.Use(observability.HTTPMiddleware)
	r.Use(middleware.SecurityHeaders(deps.Config.IsProduction()))
	r.Use(rateLimiter.Middleware)
	return r
}

const (
	serviceName         = "tenant-billing"
	healthWatchInterval = 10 * time.Second
)

// startHealthServer serves the standard gRPC health service for orchestrators.
// Statuses start NOT_SERVING until the first dependency check reports.
func startHealthServer(port int, logger *zap.Logger) (*grpc.Server, *health.Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %d: %w", port, err)
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(recoveryInterceptor(logger)))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		logger.Info("gRPC health server listening", zap.String("address", listener.Addr().String()))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	return grpcServer, healthServer, nil
}

func recoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered in gRPC handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
				err = fmt.Errorf("internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// initLogger builds a JSON production logger or a console development logger
func initLogger(cfg *config.Config) *zap.Logger {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Logger.Development || !cfg.IsProduction() {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		return zap.NewNop()
	}
	return logger
}
