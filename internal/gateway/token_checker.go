package gateway

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
)

// Rejection reasons. They are logged and counted, never returned to the client.
const (
	ReasonMissingToken  = "missing_token"
	ReasonInactive      = "inactive"
	ReasonIntrospection = "introspection_error"
	ReasonRevoked       = "revoked"
	ReasonInternal      = "internal"
	ReasonMalformedPath = "malformed_path"
)

// RejectionError explains why a token was refused.
type RejectionError struct {
	Reason string
	Cause  error
}

func (e *RejectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token rejected (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("token rejected (%s)", e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Cause }

func reject(reason string, cause error) *RejectionError {
	return &RejectionError{Reason: reason, Cause: cause}
}

// ReasonOf returns the rejection reason carried by err.
func ReasonOf(err error) string {
	var re *RejectionError
	if stderrors.As(err, &re) {
		return re.Reason
	}
	return ReasonIntrospection
}

// TokenChecker decides whether a bearer token admits the request.
type TokenChecker interface {
	Check(ctx context.Context, token string) (*models.Principal, error)
}

// Introspector is satisfied by IntrospectionClient.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*dto.IntrospectResponse, error)
}

// IntrospectChecker delegates every decision to the issuer.
type IntrospectChecker struct {
	client Introspector
}

// NewIntrospectChecker creates a checker backed by client.
func NewIntrospectChecker(client Introspector) *IntrospectChecker {
	return &IntrospectChecker{client: client}
}

func (c *IntrospectChecker) Check(ctx context.Context, token string) (*models.Principal, error) {
	resp, err := c.client.Introspect(ctx, token)
	if err != nil {
		return nil, reject(ReasonIntrospection, err)
	}
	if !resp.Active {
		return nil, reject(ReasonInactive, nil)
	}
	p := &models.Principal{
		SubjectID:   resp.UserID,
		SubjectName: resp.Username,
		Roles:       resp.Roles,
		Permissions: resp.Permissions,
		TokenID:     resp.TokenID,
	}
	if resp.ExpiresAt != nil {
		p.ExpiresAt = *resp.ExpiresAt
	}
	return p, nil
}

// LocalChecker verifies signatures in-process with keys fetched from the issuer and,
// when a store is configured, consults the shared blacklist. Blacklist lookups fail open.
type LocalChecker struct {
	verifier service.TokenVerifier
	store    service.RevocationStore
	metrics  service.Metrics
}

// NewLocalChecker creates a local checker. store may be nil.
func NewLocalChecker(verifier service.TokenVerifier, store service.RevocationStore, metrics service.Metrics) *LocalChecker {
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	return &LocalChecker{verifier: verifier, store: store, metrics: metrics}
}

func (c *LocalChecker) Check(ctx context.Context, token string) (*models.Principal, error) {
	t, err := c.verifier.Parse(token)
	if err != nil {
		var te *service.TokenError
		if stderrors.As(err, &te) {
			c.metrics.RecordTokenVerify("gateway", string(te.Kind))
			return nil, reject(string(te.Kind), err)
		}
		c.metrics.RecordTokenVerify("gateway", string(service.TokenMalformed))
		return nil, reject(string(service.TokenMalformed), err)
	}
	c.metrics.RecordTokenVerify("gateway", "valid")
	if c.store != nil && c.store.IsBlacklisted(ctx, t.TokenID) {
		return nil, reject(ReasonRevoked, nil)
	}
	return t.Principal(), nil
}
