package service

import "fmt"

// TokenErrorKind classifies why a token failed verification.
// TokenErrorKind 对令牌验证失败的原因进行分类。
type TokenErrorKind string

const (
	// TokenMalformed means the token could not be decoded or lacks required claims.
	TokenMalformed TokenErrorKind = "malformed"
	// TokenSignatureInvalid means no known key verifies the signature.
	TokenSignatureInvalid TokenErrorKind = "signature_invalid"
	// TokenExpired means now is at or past the exp claim.
	TokenExpired TokenErrorKind = "expired"
	// TokenUnsupported means the header names an algorithm other than RS256.
	TokenUnsupported TokenErrorKind = "unsupported"
)

// TokenError is the single error type returned by TokenVerifier.Parse.
type TokenError struct {
	Kind  TokenErrorKind
	Cause error
}

func (e *TokenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("token %s", e.Kind)
}

func (e *TokenError) Unwrap() error {
	return e.Cause
}

// NewTokenError builds a TokenError of the given kind.
func NewTokenError(kind TokenErrorKind, cause error) *TokenError {
	return &TokenError{Kind: kind, Cause: cause}
}
