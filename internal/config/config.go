package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kevin07696/tenant-billing/internal/domain"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logger   LoggerConfig
	Billing  BillingConfig
	Provider ProviderConfig
	Redis    RedisConfig
	Gate     GateConfig
	Cron     CronConfig
	Secrets  SecretsConfig
}

// ServerConfig holds HTTP, metrics and gRPC health listener settings
type ServerConfig struct {
	Environment      string
	Host             string
	Port             int
	MetricsPort      int
	HealthGRPCPort   int
	RateLimitPerSec  float64
	RateLimitBurst   int
	ShutdownDeadline time.Duration
}

// DatabaseConfig holds PostgreSQL configuration. Driver "memory" runs on the
// in-memory store and ignores everything else.
type DatabaseConfig struct {
	Driver   string
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Development bool
}

// BillingConfig controls the sweeper, reconciliation and the default dunning policy
type BillingConfig struct {
	SweepSchedule     string
	ReconcileSchedule string
	SweepBatchSize    int
	SweepWorkers      int
	WarningWindow     time.Duration
	ReconcileDelay    time.Duration
	LockTTL           time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	MaxRetryAttempts  int
	PlanCacheSize     int
	PlanCacheTTL      time.Duration
}

// ProviderConfig selects the payment provider. Kind is "sandbox" or "stripe".
type ProviderConfig struct {
	Kind              string
	APIKeyPath        string
	WebhookSecretPath string
	// CircuitMaxFailures and CircuitTimeout configure the provider circuit breaker.
	CircuitMaxFailures int
	CircuitTimeout     time.Duration
}

// RedisConfig configures the sweep lease. An empty Addr disables distributed locking.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GateConfig configures the organization status gate. An empty URL disables notifications.
type GateConfig struct {
	URL         string
	SecretPath  string
	MaxAttempts int
}

// CronConfig authenticates the /cron endpoints
type CronConfig struct {
	SecretPath string
}

// SecretsConfig selects the secret backend: local, aws or vault
type SecretsConfig struct {
	Backend       string
	LocalBasePath string
	AWSRegion     string
	VaultAddress  string
	VaultToken    string
	VaultMount    string
	CacheTTL      time.Duration
	CacheSize     int
}

// Load reads an optional .env file and then the environment
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// A missing file is fine; real deployments use the environment.
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return LoadFromEnv()
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Environment:      getEnv("ENVIRONMENT", "development"),
			Host:             getEnv("SERVER_HOST", "0.0.0.0"),
			Port:             getEnvAsInt("SERVER_PORT", 8080),
			MetricsPort:      getEnvAsInt("METRICS_PORT", 9090),
			HealthGRPCPort:   getEnvAsInt("HEALTH_GRPC_PORT", 50051),
			RateLimitPerSec:  getEnvAsFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst:   getEnvAsInt("RATE_LIMIT_BURST", 40),
			ShutdownDeadline: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "tenant_billing"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvAsInt("DB_MIN_CONNS", 5)),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
		Billing: BillingConfig{
			SweepSchedule:     getEnv("BILLING_SWEEP_SCHEDULE", "@every 5m"),
			ReconcileSchedule: getEnv("BILLING_RECONCILE_SCHEDULE", "@every 15m"),
			SweepBatchSize:    getEnvAsInt("BILLING_SWEEP_BATCH_SIZE", 100),
			SweepWorkers:      getEnvAsInt("BILLING_SWEEP_WORKERS", 8),
			WarningWindow:     getEnvAsDuration("BILLING_WARNING_WINDOW", 72*time.Hour),
			ReconcileDelay:    getEnvAsDuration("BILLING_RECONCILE_DELAY", 15*time.Minute),
			LockTTL:           getEnvAsDuration("BILLING_LOCK_TTL", 10*time.Minute),
			RetryBaseDelay:    getEnvAsDuration("DUNNING_BASE_DELAY", domain.DefaultRetryBaseDelay),
			RetryMaxDelay:     getEnvAsDuration("DUNNING_MAX_DELAY", domain.DefaultRetryMaxDelay),
			MaxRetryAttempts:  getEnvAsInt("DUNNING_MAX_ATTEMPTS", domain.DefaultMaxRetryAttempts),
			PlanCacheSize:     getEnvAsInt("PLAN_CACHE_SIZE", 256),
			PlanCacheTTL:      getEnvAsDuration("PLAN_CACHE_TTL", 10*time.Minute),
		},
		Provider: ProviderConfig{
			Kind:               strings.ToLower(getEnv("PAYMENT_PROVIDER", "sandbox")),
			APIKeyPath:         getEnv("STRIPE_API_KEY_PATH", "tenant-billing/stripe/api-key"),
			WebhookSecretPath:  getEnv("STRIPE_WEBHOOK_SECRET_PATH", "tenant-billing/stripe/webhook-secret"),
			CircuitMaxFailures: getEnvAsInt("PROVIDER_CIRCUIT_MAX_FAILURES", 5),
			CircuitTimeout:     getEnvAsDuration("PROVIDER_CIRCUIT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Gate: GateConfig{
			URL:         getEnv("GATE_URL", ""),
			SecretPath:  getEnv("GATE_SECRET_PATH", "tenant-billing/gate/signing-secret"),
			MaxAttempts: getEnvAsInt("GATE_MAX_ATTEMPTS", 4),
		},
		Cron: CronConfig{
			SecretPath: getEnv("CRON_SECRET_PATH", "tenant-billing/cron/secret"),
		},
		Secrets: SecretsConfig{
			Backend:       strings.ToLower(getEnv("SECRET_MANAGER", "local")),
			LocalBasePath: getEnv("SECRETS_DIR", "./secrets"),
			AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
			VaultAddress:  getEnv("VAULT_ADDR", ""),
			VaultToken:    getEnv("VAULT_TOKEN", ""),
			VaultMount:    getEnv("VAULT_MOUNT", "secret"),
			CacheTTL:      getEnvAsDuration("SECRET_CACHE_TTL", 5*time.Minute),
			CacheSize:     getEnvAsInt("SECRET_CACHE_SIZE", 64),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" && c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD or DATABASE_URL is required")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver)
	}

	switch c.Provider.Kind {
	case "sandbox", "stripe":
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.Provider.Kind)
	}

	switch c.Secrets.Backend {
	case "local", "aws":
	case "vault":
		if c.Secrets.VaultAddress == "" {
			return fmt.Errorf("VAULT_ADDR is required when SECRET_MANAGER=vault")
		}
	default:
		return fmt.Errorf("unknown SECRET_MANAGER %q", c.Secrets.Backend)
	}

	if c.Billing.SweepWorkers <= 0 {
		return fmt.Errorf("BILLING_SWEEP_WORKERS must be positive")
	}
	if c.Billing.SweepBatchSize <= 0 {
		return fmt.Errorf("BILLING_SWEEP_BATCH_SIZE must be positive")
	}
	if c.Billing.RetryMaxDelay < c.Billing.RetryBaseDelay {
		return fmt.Errorf("DUNNING_MAX_DELAY must be at least DUNNING_BASE_DELAY")
	}
	return nil
}

// IsProduction reports whether the server runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// ConnectionString returns the PostgreSQL connection string, preferring DATABASE_URL
func (c *DatabaseConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// DefaultPolicy is the dunning policy applied to plans that leave it unset
func (c *BillingConfig) DefaultPolicy() (base, max time.Duration, attempts int) {
	return c.RetryBaseDelay, c.RetryMaxDelay, c.MaxRetryAttempts
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
