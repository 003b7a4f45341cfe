// Package service provides application-level services that orchestrate domain services and infrastructure adapters
package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/internal/domain/models"
	domainService "github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/internal/infrastructure/crypto"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
	"github.com/turtacn/atlas/pkg/utils"
)

// publishTimeout bounds best-effort event publishing after the request has been answered.
const publishTimeout = 2 * time.Second

// AuthAppService defines the interface for the authentication application service
type AuthAppService interface {
	// Login checks credentials, issues a token and records the subject's session
	Login(ctx context.Context, req *dto.LoginRequest, clientIP string) (*dto.LoginResponse, error)

	// Logout revokes the presented token for the rest of its lifetime
	Logout(ctx context.Context, token string) (*dto.LogoutResponse, error)

	// Introspect reports whether a token is currently usable. It never returns an error:
	// every failure is an inactive result.
	Introspect(ctx context.Context, token string) *dto.IntrospectResponse

	// Authenticate verifies a bearer token and returns its principal
	Authenticate(ctx context.Context, token string) (*models.Principal, error)

	// PublicKey returns the PEM public key of the current signing epoch
	PublicKey(ctx context.Context) (*dto.PublicKeyResponse, error)

	// JWKS returns every verifiable key as an RFC 7517 key set
	JWKS(ctx context.Context) jose.JSONWebKeySet
}

// AuthAppServiceOption customises an authAppServiceImpl.
type AuthAppServiceOption func(*authAppServiceImpl)

// WithClock overrides the time source used for remaining-lifetime calculations.
func WithClock(now func() time.Time) AuthAppServiceOption {
	return func(s *authAppServiceImpl) { s.now = now }
}

// WithEventPublisher sets the revocation and audit event sink.
func WithEventPublisher(p domainService.EventPublisher) AuthAppServiceOption {
	return func(s *authAppServiceImpl) { s.events = p }
}

// authAppServiceImpl is the concrete implementation of AuthAppService
type authAppServiceImpl struct {
	identity  domainService.IdentityProvider
	passwords domainService.PasswordVerifier
	issuer    domainService.TokenIssuer
	verifier  domainService.TokenVerifier
	store     domainService.RevocationStore
	keys      *crypto.KeyRing
	events    domainService.EventPublisher
	metrics   domainService.Metrics
	logger    logger.Logger
	now       func() time.Time
}

// NewAuthAppService creates a new instance of AuthAppService
func NewAuthAppService(
	identity domainService.IdentityProvider,
	passwords domainService.PasswordVerifier,
	issuer domainService.TokenIssuer,
	verifier domainService.TokenVerifier,
	store domainService.RevocationStore,
	keys *crypto.KeyRing,
	metrics domainService.Metrics,
	log logger.Logger,
	opts ...AuthAppServiceOption,
) AuthAppService {
	s := &authAppServiceImpl{
		identity:  identity,
		passwords: passwords,
		issuer:    issuer,
		verifier:  verifier,
		store:     store,
		keys:      keys,
		events:    noopEvents{},
		metrics:   metrics,
		logger:    log.WithComponent("auth-app-service"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login implements the password login flow
func (s *authAppServiceImpl) Login(ctx context.Context, req *dto.LoginRequest, clientIP string) (resp *dto.LoginResponse, err error) {
	start := time.Now()
	username := ""
	if req != nil {
		username = strings.TrimSpace(req.Username)
	}
	defer func() {
		code := string(errors.CodeSuccess)
		audit := models.AuditEvent{Type: models.AuditLoginSucceeded, Username: username, ClientIP: clientIP}
		if err != nil {
			code = string(errors.FromError(err).Code())
			audit.Type = models.AuditLoginFailed
		} else {
			audit.UserID = resp.User.UserID
		}
		audit.Code = code
		s.metrics.RecordLogin(code, time.Since(start))
		s.publishAudit(ctx, audit)
	}()

	// 1. Validate request payload
	if req == nil || username == "" || req.Password == "" {
		return nil, errors.ErrCredentialsEmpty()
	}

	// 2. Look up the subject
	subject, err := s.identity.FindByUsername(ctx, username)
	if err != nil {
		if stderrors.Is(err, domainService.ErrSubjectNotFound) {
			s.logger.Info(ctx, "login for unknown subject", logger.Username(username))
			return nil, errors.ErrSubjectNotFound()
		}
		s.logger.Error(ctx, "failed to look up subject", err, logger.Username(username))
		return nil, errors.ErrDependency("identity provider").WithCause(err)
	}

	// 3. Check account status
	if err := checkStatus(subject.Status); err != nil {
		s.logger.Info(ctx, "login for unusable subject",
			logger.Username(username),
			logger.String("status", string(subject.Status)),
		)
		return nil, err
	}

	// 4. Verify password
	if !s.passwords.Verify(subject.PasswordHash, req.Password) {
		s.logger.Info(ctx, "wrong password", logger.Username(username))
		return nil, errors.ErrBadCredentials()
	}

	// 5. Load authorities; a failed lookup issues a token without any
	authorities, err := s.identity.Authorities(ctx, subject.UserID)
	if err != nil || authorities == nil {
		s.logger.Warn(ctx, "failed to load authorities, issuing without roles",
			logger.UserID(subject.UserID), logger.Error(err))
		authorities = models.EmptyAuthorities(subject.UserID)
	}

	// 6. Issue token
	signed, err := s.issuer.Issue(ctx, domainService.IssueRequest{
		SubjectID:   subject.UserID,
		SubjectName: subject.Username,
		Roles:       authorities.Roles,
		Permissions: authorities.Permissions,
	})
	if err != nil {
		s.logger.Error(ctx, "failed to issue token", err, logger.UserID(subject.UserID))
		if _, ok := errors.AsAtlasError(err); ok {
			return nil, err
		}
		return nil, errors.ErrSystemUnavailable("token signing unavailable").WithCause(err)
	}

	// 7. Record session; a later login overwrites it
	ttl := s.issuer.TTL()
	session := &models.Session{
		UserID:    subject.UserID,
		Username:  subject.Username,
		TokenID:   signed.Token.TokenID,
		LoginTime: signed.Token.IssuedAt,
		ExpiresAt: signed.Token.ExpiresAt,
	}
	if err := s.store.SaveSession(ctx, session, ttl); err != nil {
		s.logger.Error(ctx, "failed to save session", err, logger.UserID(subject.UserID))
		return nil, errors.ErrDependency("session store").WithCause(err)
	}

	s.logger.Info(ctx, "login succeeded",
		logger.UserID(subject.UserID),
		logger.Username(subject.Username),
		logger.TokenID(signed.Token.TokenID),
	)

	return &dto.LoginResponse{
		Token:     signed.Compact,
		TokenType: string(constants.TokenTypeBearer),
		ExpiresIn: int64(ttl / time.Second),
		User: dto.UserInfo{
			UserID:   subject.UserID,
			Username: subject.Username,
			Nickname: subject.Nickname,
			Email:    subject.Email,
		},
	}, nil
}

func checkStatus(status models.SubjectStatus) error {
	switch status {
	case models.SubjectStatusActive:
		return nil
	case models.SubjectStatusLocked:
		return errors.ErrSubjectLocked()
	case models.SubjectStatusDeleted:
		return errors.ErrSubjectDeleted()
	default:
		return errors.ErrSubjectInactive()
	}
}

// Logout implements token revocation
func (s *authAppServiceImpl) Logout(ctx context.Context, token string) (resp *dto.LogoutResponse, err error) {
	defer func() {
		code := string(errors.CodeSuccess)
		if err != nil {
			code = string(errors.FromError(err).Code())
		}
		s.metrics.RecordLogout(code)
	}()

	if token == "" {
		return nil, errors.ErrTokenMissing()
	}

	tok, err := s.verifier.Parse(token)
	if err != nil {
		s.recordVerify("logout", err)
		s.logger.Info(ctx, "logout with unusable token", logger.Error(err))
		return nil, errors.ErrTokenInvalid().WithCause(err)
	}
	s.recordVerify("logout", nil)

	// A token already past expiry was rejected by Parse, so ttl is positive here.
	ttl := tok.RemainingLifetime(s.now())
	if err := s.store.AddToBlacklist(ctx, tok.TokenID, tok.SubjectID, ttl); err != nil {
		s.logger.Error(ctx, "failed to blacklist token", err, logger.TokenID(tok.TokenID))
		return nil, errors.ErrDependency("revocation store").WithCause(err)
	}
	s.store.DeleteSession(ctx, tok.SubjectID)

	s.logger.Info(ctx, "logout succeeded",
		logger.UserID(tok.SubjectID),
		logger.TokenID(tok.TokenID),
		logger.Duration("blacklist_ttl", ttl),
	)

	detached, cancel := context.WithTimeout(utils.DetachTrace(ctx), publishTimeout)
	defer cancel()
	if err := s.events.PublishRevocation(detached, models.RevocationEvent{
		TokenID:   tok.TokenID,
		UserID:    tok.SubjectID,
		ExpiresAt: tok.ExpiresAt,
		TraceID:   utils.TraceIDFromContext(ctx),
	}); err != nil {
		s.logger.Warn(ctx, "failed to publish revocation event", logger.Error(err), logger.TokenID(tok.TokenID))
	}
	s.publishAudit(ctx, models.AuditEvent{
		Type:     models.AuditLogout,
		UserID:   tok.SubjectID,
		Username: tok.SubjectName,
		TokenID:  tok.TokenID,
		Code:     string(errors.CodeSuccess),
	})

	return &dto.LogoutResponse{TokenID: tok.TokenID}, nil
}

// Introspect implements token introspection for the gateway
func (s *authAppServiceImpl) Introspect(ctx context.Context, token string) (resp *dto.IntrospectResponse) {
	start := time.Now()
	defer func() {
		s.metrics.RecordIntrospection("server", resp.Active, time.Since(start))
	}()

	if token == "" {
		return dto.Inactive()
	}
	principal, err := s.Authenticate(ctx, token)
	if err != nil {
		s.logger.Debug(ctx, "introspected inactive token", logger.Error(err))
		return dto.Inactive()
	}
	expiresAt := principal.ExpiresAt
	return &dto.IntrospectResponse{
		Active:      true,
		UserID:      principal.SubjectID,
		Username:    principal.SubjectName,
		Roles:       principal.Roles,
		Permissions: principal.Permissions,
		TokenID:     principal.TokenID,
		ExpiresAt:   &expiresAt,
	}
}

// Authenticate verifies signature and expiry, then consults the blacklist.
func (s *authAppServiceImpl) Authenticate(ctx context.Context, token string) (*models.Principal, error) {
	if token == "" {
		return nil, errors.ErrTokenMissing()
	}
	tok, err := s.verifier.Parse(token)
	if err != nil {
		s.recordVerify("issuer", err)
		var te *domainService.TokenError
		if stderrors.As(err, &te) && te.Kind == domainService.TokenSignatureInvalid {
			return nil, errors.ErrTokenSignatureInvalid().WithCause(err)
		}
		return nil, errors.ErrTokenInvalid().WithCause(err)
	}
	if s.store.IsBlacklisted(ctx, tok.TokenID) {
		s.metrics.RecordTokenVerify("issuer", "revoked")
		return nil, errors.ErrTokenRevoked()
	}
	s.recordVerify("issuer", nil)
	return tok.Principal(), nil
}

// PublicKey implements the public key endpoint
func (s *authAppServiceImpl) PublicKey(ctx context.Context) (*dto.PublicKeyResponse, error) {
	current := s.keys.Current()
	if current == nil {
		return nil, errors.ErrSystemUnavailable("no signing key loaded")
	}
	pemText, err := crypto.EncodePublicKeyPEM(current.PublicKey)
	if err != nil {
		s.logger.Error(ctx, "failed to encode public key", err, logger.KeyID(current.KeyID))
		return nil, errors.ErrSystemUnavailable("public key unavailable").WithCause(err)
	}
	return &dto.PublicKeyResponse{
		Algorithm:    string(current.Algorithm),
		PublicKeyPEM: pemText,
		KeyID:        current.KeyID,
	}, nil
}

// JWKS implements the key set endpoint
func (s *authAppServiceImpl) JWKS(_ context.Context) jose.JSONWebKeySet {
	return crypto.JWKS(s.keys)
}

func (s *authAppServiceImpl) recordVerify(source string, err error) {
	result := "valid"
	var te *domainService.TokenError
	if stderrors.As(err, &te) {
		result = string(te.Kind)
	} else if err != nil {
		result = "error"
	}
	s.metrics.RecordTokenVerify(source, result)
}

func (s *authAppServiceImpl) publishAudit(ctx context.Context, event models.AuditEvent) {
	event.TraceID = utils.TraceIDFromContext(ctx)
	event.Timestamp = s.now().UTC()
	detached, cancel := context.WithTimeout(utils.DetachTrace(ctx), publishTimeout)
	defer cancel()
	if err := s.events.PublishAudit(detached, event); err != nil {
		s.logger.Warn(ctx, "failed to publish audit event", logger.Error(err), logger.String("type", string(event.Type)))
	}
}

type noopEvents struct{}

func (noopEvents) PublishRevocation(context.Context, models.RevocationEvent) error { return nil }
func (noopEvents) PublishAudit(context.Context, models.AuditEvent) error           { return nil }
func (noopEvents) Close() error                                                    { return nil }
