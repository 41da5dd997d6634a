package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/kevin07696/tenant-billing/internal/domain/ports"
)

// VaultConfig contains configuration for HashiCorp Vault adapter
type VaultConfig struct {
	Address string
	Token   string
	// Vault namespace (Vault Enterprise)
	Namespace string
	// KV secrets engine mount path (default: "secret")
	MountPath string
	// KV version: "v1" or "v2" (default: "v2")
	KVVersion string
}

// DefaultVaultConfig returns default configuration for Vault adapter
func DefaultVaultConfig(address, token string) *VaultConfig {
	return &VaultConfig{
		Address:   address,
		Token:     token,
		MountPath: "secret",
		KVVersion: "v2",
	}
}

type vaultAdapter struct {
	client *vault.Client
	config *VaultConfig
	logger *zap.Logger
}

// NewVaultAdapter creates a token-authenticated Vault adapter
func NewVaultAdapter(cfg *VaultConfig, logger *zap.Logger) (ports.SecretManager, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required for token auth")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	client.SetToken(cfg.Token)

	logger.Info("Vault adapter initialized",
		zap.String("address", cfg.Address),
		zap.String("mount_path", cfg.MountPath),
		zap.String("kv_version", cfg.KVVersion),
	)

	return &vaultAdapter{client: client, config: cfg, logger: logger}, nil
}

func (a *vaultAdapter) fullPath(path string) string {
	if a.config.KVVersion == "v2" {
		return fmt.Sprintf("%s/data/%s", a.config.MountPath, path)
	}
	return fmt.Sprintf("%s/%s", a.config.MountPath, path)
}

// GetSecret reads the "value" key of a KV secret, falling back to the first string field
func (a *vaultAdapter) GetSecret(ctx context.Context, path string) (*ports.Secret, error) {
	secret, err := a.client.Logical().ReadWithContext(ctx, a.fullPath(path))
	if err != nil {
		a.logger.Error("Failed to retrieve secret from Vault",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found: %s", path)
	}
	return parseVaultData(secret.Data, a.config.KVVersion)
}

// parseVaultData unwraps the KV v2 envelope when present
func parseVaultData(raw map[string]interface{}, kvVersion string) (*ports.Secret, error) {
	data := raw
	version := "1"
	var createdAt string

	if kvVersion == "v2" {
		inner, ok := raw["data"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid secret format from Vault")
		}
		data = inner
		if metadata, ok := raw["metadata"].(map[string]interface{}); ok {
			if v, ok := metadata["version"].(json.Number); ok {
				version = v.String()
			}
			if ct, ok := metadata["created_time"].(string); ok {
				createdAt = ct
			}
		}
	}

	value, ok := data["value"].(string)
	if !ok {
		for _, v := range data {
			if s, isString := v.(string); isString {
				value = s
				break
			}
		}
	}
	if value == "" {
		return nil, fmt.Errorf("secret has no string value")
	}

	return &ports.Secret{Value: value, Version: version, CreatedAt: createdAt}, nil
}
