package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/square/go-jose.v2"

	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/internal/infrastructure/crypto"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/logger"
)

// JWKSKeySource resolves verification keys from the issuer's key set.
// Unlike RemoteKeySource it holds every published epoch, so tokens signed
// before a rotation keep verifying. Refreshes are conditional on the ETag.
type JWKSKeySource struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	ttl      time.Duration
	group    singleflight.Group
	log      logger.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	etag      string
	fetchedAt time.Time
}

// NewJWKSKeySource creates a key source reading issuerURL's /jwks endpoint.
// ttl bounds how long a key set is trusted before it is revalidated.
func NewJWKSKeySource(issuerURL string, fetchTimeout, ttl time.Duration, httpClient *http.Client, log logger.Logger) *JWKSKeySource {
	if fetchTimeout <= 0 {
		fetchTimeout = constants.DefaultKeyFetchTimeout
	}
	if ttl <= 0 {
		ttl = constants.DefaultKeyCacheTTL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &JWKSKeySource{
		endpoint: strings.TrimSuffix(issuerURL, "/") + constants.JWKSEndpoint,
		client:   httpClient,
		timeout:  fetchTimeout,
		ttl:      ttl,
		keys:     map[string]*rsa.PublicKey{},
		log:      log.WithComponent("jwks-key-source"),
	}
}

// PublicKey implements service.KeySource.
//
// A known kid is served from memory while the set is fresh. An unknown kid
// triggers at most one refresh per missTTL; a stale set is revalidated and kept
// if the issuer cannot be reached.
func (s *JWKSKeySource) PublicKey(kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	pub, ok := s.keys[kid]
	age := time.Since(s.fetchedAt)
	fetched := !s.fetchedAt.IsZero()
	s.mu.RUnlock()

	switch {
	case ok && age < s.ttl:
		return pub, nil
	case !ok && fetched && age < missTTL:
		return nil, service.ErrUnknownKey
	}

	_, err, _ := s.group.Do("jwks", func() (interface{}, error) {
		return nil, s.refresh()
	})
	if err != nil {
		if ok {
			s.log.Warn(context.Background(), "serving stale key after failed refresh", logger.KeyID(kid), logger.Error(err))
			return pub, nil
		}
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if pub, ok := s.keys[kid]; ok {
		return pub, nil
	}
	return nil, service.ErrUnknownKey
}

func (s *JWKSKeySource) refresh() error {
	// shared by every caller waiting on the refresh, so it outlives any one request
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", crypto.ErrKeyUnavailable, err)
	}
	s.mu.RLock()
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}
	s.mu.RUnlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", crypto.ErrKeyUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		s.mu.Lock()
		s.fetchedAt = time.Now()
		s.mu.Unlock()
		return nil
	case http.StatusOK:
	default:
		return fmt.Errorf("%w: jwks endpoint returned %d", crypto.ErrKeyUnavailable, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", crypto.ErrKeyUnavailable, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Algorithm != string(constants.AlgorithmRS256) || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if pub, ok := k.Key.(*rsa.PublicKey); ok && k.KeyID != "" {
			keys[k.KeyID] = pub
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: jwks has no RS256 signing keys", crypto.ErrKeyUnavailable)
	}

	s.mu.Lock()
	s.keys = keys
	s.etag = resp.Header.Get("ETag")
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	s.log.Info(ctx, "key set refreshed", logger.Int("keys", len(keys)))
	return nil
}
