// Package crypto provides the signing key material, its rotation holder, and the
// RS256 token issuer and verifier built on golang-jwt.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/constants"
)

// KeyMaterial is one signing key epoch. It is immutable; rotation replaces the whole record.
type KeyMaterial struct {
	// KeyID is written into the kid header of every token signed with this epoch
	KeyID string
	// Algorithm is always RS256
	Algorithm constants.JWTAlgorithm
	// PublicKey verifies tokens of this epoch
	PublicKey *rsa.PublicKey
	// PrivateKey signs tokens; nil for verification-only epochs
	PrivateKey *rsa.PrivateKey
}

// NewKeyMaterial builds a signing epoch from a private key.
//
// Parameters:
//   - privateKey: RSA private key, at least 2048 bits
//   - keyID: explicit key id; when empty the public key thumbprint is used
//
// Returns:
//   - *KeyMaterial: the immutable epoch
//   - error: if the key is missing or too small
func NewKeyMaterial(privateKey *rsa.PrivateKey, keyID string) (*KeyMaterial, error) {
	if privateKey == nil {
		return nil, errors.New("private key is required")
	}
	if privateKey.N.BitLen() < 2048 {
		return nil, fmt.Errorf("rsa key of %d bits is too small", privateKey.N.BitLen())
	}
	if keyID == "" {
		var err error
		if keyID, err = Thumbprint(&privateKey.PublicKey); err != nil {
			return nil, err
		}
	}
	return &KeyMaterial{
		KeyID:      keyID,
		Algorithm:  constants.AlgorithmRS256,
		PublicKey:  &privateKey.PublicKey,
		PrivateKey: privateKey,
	}, nil
}

// GenerateKeyMaterial creates a fresh RSA epoch.
func GenerateKeyMaterial(bits int, keyID string) (*KeyMaterial, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return NewKeyMaterial(privateKey, keyID)
}

// Thumbprint derives a stable key id: base64url of the first 16 bytes of SHA-256 over the DER public key.
func Thumbprint(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:16]), nil
}

// ================================================================================
// PEM helpers
// ================================================================================

// EncodePrivateKeyPEM encodes the key as PKCS#1 "RSA PRIVATE KEY".
func EncodePrivateKeyPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

// EncodePublicKeyPEM encodes the key as PKIX "PUBLIC KEY".
func EncodePublicKeyPEM(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePrivateKeyPEM accepts PKCS#1 and PKCS#8 encodings.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return key, nil
}

// ParsePublicKeyPEM accepts PKIX and PKCS#1 encodings.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", parsed)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ================================================================================
// KeyRing
// ================================================================================

// KeyRing holds the current signing epoch and the public halves of retired epochs.
// Signers read the current epoch through an atomic pointer, so a rotation is never
// observed half-applied.
type KeyRing struct {
	current atomic.Pointer[KeyMaterial]

	mu      sync.RWMutex
	retired map[string]*rsa.PublicKey
}

// NewKeyRing creates a ring whose current epoch is km.
func NewKeyRing(km *KeyMaterial) *KeyRing {
	r := &KeyRing{retired: make(map[string]*rsa.PublicKey)}
	r.current.Store(km)
	return r
}

// Current returns the signing epoch.
func (r *KeyRing) Current() *KeyMaterial {
	return r.current.Load()
}

// Rotate installs km as the signing epoch. The previous epoch's public key stays
// verifiable so tokens it signed remain valid until they expire.
func (r *KeyRing) Rotate(km *KeyMaterial) {
	prev := r.current.Swap(km)
	if prev != nil && prev.KeyID != km.KeyID {
		r.Retire(prev.KeyID, prev.PublicKey)
	}
}

// Retire registers a verification-only public key.
func (r *KeyRing) Retire(keyID string, pub *rsa.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired[keyID] = pub
}

// PublicKey implements service.KeySource.
func (r *KeyRing) PublicKey(kid string) (*rsa.PublicKey, error) {
	if km := r.current.Load(); km != nil && km.KeyID == kid {
		return km.PublicKey, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if pub, ok := r.retired[kid]; ok {
		return pub, nil
	}
	return nil, service.ErrUnknownKey
}

// PublicKeys returns every verifiable key, current first, then retired ones sorted by kid.
func (r *KeyRing) PublicKeys() []*KeyMaterial {
	var out []*KeyMaterial
	cur := r.current.Load()
	if cur != nil {
		out = append(out, &KeyMaterial{KeyID: cur.KeyID, Algorithm: cur.Algorithm, PublicKey: cur.PublicKey})
	}
	r.mu.RLock()
	ids := make([]string, 0, len(r.retired))
	for kid := range r.retired {
		if cur == nil || kid != cur.KeyID {
			ids = append(ids, kid)
		}
	}
	sort.Strings(ids)
	for _, kid := range ids {
		out = append(out, &KeyMaterial{KeyID: kid, Algorithm: constants.AlgorithmRS256, PublicKey: r.retired[kid]})
	}
	r.mu.RUnlock()
	return out
}
