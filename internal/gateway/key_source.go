package gateway

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/internal/infrastructure/crypto"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/logger"
)

const (
	missPrefix = "miss:"
	// how long an unpublished kid is answered from cache
	missTTL = 30 * time.Second
)

// RemoteKeySource resolves verification keys from the issuer's public-key endpoint.
// Keys are cached by kid; concurrent misses share one fetch.
type RemoteKeySource struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	cache    *cache.Cache
	group    singleflight.Group
	log      logger.Logger
}

// NewRemoteKeySource creates a key source for issuerURL.
func NewRemoteKeySource(issuerURL string, fetchTimeout, ttl time.Duration, httpClient *http.Client, log logger.Logger) *RemoteKeySource {
	if fetchTimeout <= 0 {
		fetchTimeout = constants.DefaultKeyFetchTimeout
	}
	if ttl <= 0 {
		ttl = constants.DefaultKeyCacheTTL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RemoteKeySource{
		endpoint: strings.TrimSuffix(issuerURL, "/") + constants.PublicKeyEndpoint,
		client:   httpClient,
		timeout:  fetchTimeout,
		cache:    cache.New(ttl, 2*ttl),
		log:      log.WithComponent("key-source"),
	}
}

// PublicKey implements service.KeySource. A fetch failure yields crypto.ErrKeyUnavailable;
// a kid the issuer does not publish yields service.ErrUnknownKey.
func (s *RemoteKeySource) PublicKey(kid string) (*rsa.PublicKey, error) {
	if v, ok := s.cache.Get(kid); ok {
		return v.(*rsa.PublicKey), nil
	}
	if _, ok := s.cache.Get(missPrefix + kid); ok {
		return nil, service.ErrUnknownKey
	}

	v, err, _ := s.group.Do(kid, func() (interface{}, error) {
		return s.fetch(kid)
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

func (s *RemoteKeySource) fetch(kid string) (*rsa.PublicKey, error) {
	// shared by every caller waiting on this kid, so it outlives any one request
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrKeyUnavailable, err)
	}
	var body dto.PublicKeyResponse
	if err := doEnvelope(s.client, req, &body); err != nil {
		s.log.Warn(ctx, "public key fetch failed", logger.KeyID(kid), logger.Error(err))
		return nil, fmt.Errorf("%w: %v", crypto.ErrKeyUnavailable, err)
	}
	if body.Algorithm != string(constants.AlgorithmRS256) {
		return nil, fmt.Errorf("%w: issuer published algorithm %q", crypto.ErrKeyUnavailable, body.Algorithm)
	}
	pub, err := crypto.ParsePublicKeyPEM([]byte(body.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crypto.ErrKeyUnavailable, err)
	}

	s.cache.SetDefault(body.KeyID, pub)
	s.cache.Delete(missPrefix + body.KeyID)
	if body.KeyID != kid {
		s.cache.Set(missPrefix+kid, struct{}{}, missTTL)
		return nil, service.ErrUnknownKey
	}
	s.log.Info(ctx, "public key cached", logger.KeyID(kid))
	return pub, nil
}

// Invalidate drops every cached key.
func (s *RemoteKeySource) Invalidate() {
	s.cache.Flush()
}
