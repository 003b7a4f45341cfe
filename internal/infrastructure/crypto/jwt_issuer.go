package crypto

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/constants"
	apperrors "github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
)

type jwtIssuer struct {
	ring   *KeyRing
	ttl    time.Duration
	issuer string
	now    func() time.Time
	log    logger.Logger
}

// IssuerOption customizes a token issuer.
type IssuerOption func(*jwtIssuer)

// WithIssuerClock overrides the time source.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *jwtIssuer) { i.now = now }
}

// NewJWTIssuer creates the RS256 token issuer. ttl is the single process-wide token lifetime.
func NewJWTIssuer(ring *KeyRing, ttl time.Duration, issuer string, log logger.Logger, opts ...IssuerOption) service.TokenIssuer {
	i := &jwtIssuer{
		ring:   ring,
		ttl:    ttl,
		issuer: issuer,
		now:    time.Now,
		log:    log.WithComponent("token-issuer"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *jwtIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a new token. iat is truncated to whole seconds so exp - iat == ttl exactly.
func (i *jwtIssuer) Issue(ctx context.Context, req service.IssueRequest) (*models.SignedToken, error) {
	if req.SubjectName == "" {
		return nil, apperrors.ErrInvalidRequest("subject name is required")
	}
	km := i.ring.Current()
	if km == nil || km.PrivateKey == nil {
		return nil, apperrors.ErrSystemUnavailable("signing key unavailable").
			WithCause(errors.New("key ring has no signing epoch"))
	}

	issuedAt := i.now().Truncate(time.Second)
	claims := &models.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(i.ttl)),
		},
		UserID:      req.SubjectID,
		Username:    req.SubjectName,
		Roles:       orEmpty(req.Roles),
		Permissions: orEmpty(req.Permissions),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header[constants.HeaderKeyID] = km.KeyID

	signed, err := token.SignedString(km.PrivateKey)
	if err != nil {
		i.log.Error(ctx, "Failed to sign JWT", err, logger.KeyID(km.KeyID))
		return nil, apperrors.ErrSystemUnavailable("signing key unavailable").WithCause(err)
	}

	return &models.SignedToken{
		Compact: signed,
		Token:   models.TokenFromClaims(claims, km.KeyID, signed),
	}, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
