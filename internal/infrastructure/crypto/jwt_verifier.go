package crypto

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/constants"
)

var (
	errUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	errMissingKeyID         = errors.New("missing kid header")
	errMissingClaims        = errors.New("missing jti, userId or username claim")
)

// parsedClaims shadows userId with a pointer so an absent claim is told apart from 0.
type parsedClaims struct {
	models.Claims
	UserID *int64 `json:"userId"`
}

type jwtVerifier struct {
	keys service.KeySource
	now  func() time.Time
}

// VerifierOption customizes a token verifier.
type VerifierOption func(*jwtVerifier)

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *jwtVerifier) { v.now = now }
}

// NewJWTVerifier creates a verifier that resolves keys through keys.
func NewJWTVerifier(keys service.KeySource, opts ...VerifierOption) service.TokenVerifier {
	v := &jwtVerifier{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Parse decodes the token, checks the signature against the key named by kid, then
// checks expiry with no leeway. Claims of a token that fails any step are never returned.
func (v *jwtVerifier) Parse(tokenString string) (*models.Token, error) {
	claims := &parsedClaims{}
	var kid string

	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, errUnsupportedAlgorithm
		}
		kid, _ = t.Header[constants.HeaderKeyID].(string)
		if kid == "" {
			return nil, errMissingKeyID
		}
		return v.keys.PublicKey(kid)
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, service.NewTokenError(service.TokenSignatureInvalid, nil)
	}
	if claims.ID == "" || claims.UserID == nil || claims.Username == "" {
		return nil, service.NewTokenError(service.TokenMalformed, errMissingClaims)
	}
	claims.Claims.UserID = *claims.UserID
	return models.TokenFromClaims(&claims.Claims, kid, tokenString), nil
}

// classify maps golang-jwt errors onto the four TokenError kinds. The checks follow the
// parser's own order so the first failing stage decides the kind.
func classify(err error) *service.TokenError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return service.NewTokenError(service.TokenMalformed, err)
	case errors.Is(err, errUnsupportedAlgorithm):
		return service.NewTokenError(service.TokenUnsupported, err)
	case errors.Is(err, errMissingKeyID):
		return service.NewTokenError(service.TokenMalformed, err)
	case errors.Is(err, service.ErrUnknownKey):
		return service.NewTokenError(service.TokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return service.NewTokenError(service.TokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return service.NewTokenError(service.TokenExpired, err)
	case errors.Is(err, ErrKeyUnavailable):
		return service.NewTokenError(service.TokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// the header names an algorithm golang-jwt does not know
		return service.NewTokenError(service.TokenUnsupported, err)
	default:
		return service.NewTokenError(service.TokenMalformed, err)
	}
}

// ErrKeyUnavailable is returned by remote key sources that could not reach the issuer.
var ErrKeyUnavailable = errors.New("verification key unavailable")
