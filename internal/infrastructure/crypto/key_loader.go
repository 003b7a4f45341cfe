package crypto

import (
	"context"
	"fmt"
	"os"

	"github.com/turtacn/atlas/internal/config"
	apperrors "github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
)

// LoadKeyRing builds the issuer's KeyRing at boot. Any failure is a configuration
// error: the process must not start without a usable signing key.
func LoadKeyRing(ctx context.Context, cfg *config.JWTConfig, vaultClient VaultClient, log logger.Logger) (*KeyRing, error) {
	km, err := loadSigningKey(ctx, cfg, vaultClient)
	if err != nil {
		return nil, apperrors.ErrSystemUnavailable("signing key unavailable").WithCause(err)
	}

	if cfg.PublicKeyPath != "" {
		data, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, apperrors.ErrSystemUnavailable("public key unavailable").WithCause(err)
		}
		pub, err := ParsePublicKeyPEM(data)
		if err != nil {
			return nil, apperrors.ErrSystemUnavailable("public key unavailable").WithCause(err)
		}
		if pub.N.Cmp(km.PublicKey.N) != 0 || pub.E != km.PublicKey.E {
			return nil, apperrors.ErrSystemUnavailable("public key does not match private key")
		}
	}

	ring := NewKeyRing(km)
	for _, path := range cfg.RetiredPublicKeys {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.ErrSystemUnavailable("retired public key unavailable").WithCause(err)
		}
		pub, err := ParsePublicKeyPEM(data)
		if err != nil {
			return nil, apperrors.ErrSystemUnavailable("retired public key unavailable").WithCause(fmt.Errorf("%s: %w", path, err))
		}
		kid, err := Thumbprint(pub)
		if err != nil {
			return nil, apperrors.ErrSystemUnavailable("retired public key unavailable").WithCause(err)
		}
		ring.Retire(kid, pub)
	}

	log.Info(ctx, "signing key ring loaded",
		logger.KeyID(km.KeyID),
		logger.Int("retired_keys", len(cfg.RetiredPublicKeys)),
	)
	return ring, nil
}

func loadSigningKey(ctx context.Context, cfg *config.JWTConfig, vaultClient VaultClient) (*KeyMaterial, error) {
	var (
		pemData []byte
		keyID   = cfg.KeyID
	)
	switch {
	case cfg.VaultPath != "":
		if vaultClient == nil {
			return nil, fmt.Errorf("jwt.vault_path is set but no vault client is configured")
		}
		value, storedID, err := vaultClient.GetSigningKey(ctx, cfg.VaultPath)
		if err != nil {
			return nil, err
		}
		pemData = []byte(value)
		if keyID == "" {
			keyID = storedID
		}
	case cfg.PrivateKeyPath != "":
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pemData = data
	default:
		return nil, fmt.Errorf("no signing key source configured")
	}

	privateKey, err := ParsePrivateKeyPEM(pemData)
	if err != nil {
		return nil, err
	}
	return NewKeyMaterial(privateKey, keyID)
}
