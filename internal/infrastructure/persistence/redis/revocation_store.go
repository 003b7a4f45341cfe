package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/logger"
)

type revocationStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
	metrics   service.Metrics
	log       logger.Logger
	now       func() time.Time
}

// NewRevocationStore creates the session and blacklist store. Every call is bounded by opTimeout.
func NewRevocationStore(client redis.UniversalClient, opTimeout time.Duration, metrics service.Metrics, log logger.Logger) service.RevocationStore {
	if opTimeout <= 0 {
		opTimeout = constants.DefaultRedisOperationTimeout
	}
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	return &revocationStore{
		client:    client,
		opTimeout: opTimeout,
		metrics:   metrics,
		log:       log.WithComponent("revocation-store"),
		now:       time.Now,
	}
}

// SessionKey returns the session key of a subject.
func SessionKey(userID int64) string {
	return constants.SessionKeyPrefix + strconv.FormatInt(userID, 10)
}

// BlacklistKey returns the blacklist key of a token id.
func BlacklistKey(tokenID string) string {
	return constants.BlacklistKeyPrefix + tokenID
}

func (s *revocationStore) SaveSession(ctx context.Context, session *models.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, SessionKey(session.UserID), data, ttl).Err(); err != nil {
		s.log.Error(ctx, "Failed to save session", err, logger.UserID(session.UserID))
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *revocationStore) GetSession(ctx context.Context, userID int64) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, SessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, service.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func (s *revocationStore) DeleteSession(ctx context.Context, userID int64) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, SessionKey(userID)).Err(); err != nil {
		s.log.Warn(ctx, "Failed to delete session", logger.UserID(userID), logger.Error(err))
	}
}

// AddToBlacklist stores the entry with SET NX so concurrent revocations of the same
// token leave exactly one entry and all succeed. A non-positive ttl means the token
// has already expired and nothing is stored.
func (s *revocationStore) AddToBlacklist(ctx context.Context, tokenID string, userID int64, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(models.BlacklistEntry{
		TokenID:   tokenID,
		UserID:    userID,
		ExpiresAt: s.now().Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("marshal blacklist entry: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.SetNX(ctx, BlacklistKey(tokenID), data, ttl).Err(); err != nil {
		s.log.Error(ctx, "Failed to blacklist token", err, logger.TokenID(tokenID))
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

func (s *revocationStore) IsBlacklisted(ctx context.Context, tokenID string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	n, err := s.client.Exists(ctx, BlacklistKey(tokenID)).Result()
	if err != nil {
		s.metrics.RecordBlacklistCheck("error")
		s.log.Warn(ctx, "Blacklist lookup failed, treating token as not revoked",
			logger.TokenID(tokenID), logger.Error(err))
		return false
	}
	if n > 0 {
		s.metrics.RecordBlacklistCheck("hit")
		return true
	}
	s.metrics.RecordBlacklistCheck("miss")
	return false
}
