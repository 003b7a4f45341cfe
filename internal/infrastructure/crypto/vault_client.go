package crypto

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/pkg/logger"
)

// Field names of the signing key secret.
const (
	VaultFieldPrivateKey = "private_key"
	VaultFieldKeyID      = "key_id"
)

// VaultClient reads and writes signing keys in a Vault KV v2 engine.
type VaultClient interface {
	// GetSigningKey returns the PEM private key and optional key id stored at path.
	GetSigningKey(ctx context.Context, path string) (privateKeyPEM, keyID string, err error)
	// PutSigningKey stores a PEM private key and key id at path.
	PutSigningKey(ctx context.Context, path, privateKeyPEM, keyID string) error
}

type vaultClientImpl struct {
	client *vault.Client
	log    logger.Logger
}

// NewVaultClient creates and configures a new Vault client.
func NewVaultClient(cfg *config.VaultConfig, log logger.Logger) (VaultClient, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address
	if cfg.Timeout > 0 {
		vaultConfig.Timeout = cfg.Timeout
	}

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &vaultClientImpl{
		client: client,
		log:    log.WithComponent("vault"),
	}, nil
}

// GetSigningKey reads a KV v2 secret. path is the logical read path, e.g. secret/data/atlas/signing.
func (v *vaultClientImpl) GetSigningKey(ctx context.Context, path string) (string, string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", "", fmt.Errorf("read vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", "", fmt.Errorf("vault secret %s not found", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", "", fmt.Errorf("vault secret %s is not a kv v2 secret", path)
	}
	pemValue, _ := data[VaultFieldPrivateKey].(string)
	if pemValue == "" {
		return "", "", fmt.Errorf("vault secret %s has no %s field", path, VaultFieldPrivateKey)
	}
	keyID, _ := data[VaultFieldKeyID].(string)
	v.log.Info(ctx, "signing key loaded from vault", logger.String("path", path), logger.KeyID(keyID))
	return pemValue, keyID, nil
}

func (v *vaultClientImpl) PutSigningKey(ctx context.Context, path, privateKeyPEM, keyID string) error {
	_, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			VaultFieldPrivateKey: privateKeyPEM,
			VaultFieldKeyID:      keyID,
		},
	})
	if err != nil {
		return fmt.Errorf("write vault secret %s: %w", path, err)
	}
	return nil
}
