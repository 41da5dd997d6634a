package secrets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/config"
	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// New builds the configured backend wrapped in the secret cache.
//   - local: files under SECRETS_DIR (development)
//   - aws:   AWS Secrets Manager in AWS_REGION
//   - vault: KV v2 under VAULT_MOUNT at VAULT_ADDR
func New(ctx context.Context, cfg config.SecretsConfig, logger *zap.Logger) (ports.SecretManager, error) {
	var (
		backend ports.SecretManager
		err     error
	)

	switch cfg.Backend {
	case "aws":
		backend, err = NewAWSSecretsManagerAdapter(ctx, &AWSSecretsManagerConfig{Region: cfg.AWSRegion}, logger)
	case "vault":
		vc := DefaultVaultConfig(cfg.VaultAddress, cfg.VaultToken)
		if cfg.VaultMount != "" {
			vc.MountPath = cfg.VaultMount
		}
		backend, err = NewVaultAdapter(vc, logger)
	case "local", "":
		logger.Warn("Using local filesystem secrets - NOT for production use!",
			zap.String("base_path", cfg.LocalBasePath),
		)
		backend = NewLocalSecretManager(cfg.LocalBasePath, logger)
	default:
		return nil, fmt.Errorf("unknown secret backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	return WithCache(backend, cfg.CacheSize, cfg.CacheTTL), nil
}

// StaticSecrets serves fixed values. Used by tests and the admin CLI's memory mode.
type StaticSecrets map[string]string

// GetSecret implements ports.SecretManager
func (s StaticSecrets) GetSecret(_ context.Context, path string) (*ports.Secret, error) {
	v, ok := s[path]
	if !ok {
		return nil, fmt.Errorf("secret not found: %s", path)
	}
	return &ports.Secret{Value: v, Version: "static"}, nil
}
