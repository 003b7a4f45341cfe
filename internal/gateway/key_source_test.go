package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/internal/infrastructure/crypto"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/logger"
)

func TestRemoteKeySource_ConcurrentMissesShareOneFetch(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	src := NewRemoteKeySource(issuer.URL, time.Second, time.Minute, nil, logger.NewNoopLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub, err := src.PublicKey("kid-1")
			assert.NoError(t, err)
			assert.Equal(t, km.PublicKey.N, pub.N)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), issuer.keyFetches.Load())
}

func TestRemoteKeySource_UnknownKid(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	src := NewRemoteKeySource(issuer.URL, time.Second, time.Minute, nil, logger.NewNoopLogger())

	_, err := src.PublicKey("rotated-away")
	assert.True(t, errors.Is(err, service.ErrUnknownKey))
	_, err = src.PublicKey("rotated-away")
	assert.True(t, errors.Is(err, service.ErrUnknownKey))
	assert.Equal(t, int32(1), issuer.keyFetches.Load(), "unknown kids are negatively cached")

	// the published key was cached by the same fetch
	_, err = src.PublicKey("kid-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), issuer.keyFetches.Load())
}

func TestRemoteKeySource_IssuerDown(t *testing.T) {
	src := NewRemoteKeySource("http://127.0.0.1:1", 200*time.Millisecond, time.Minute, nil, logger.NewNoopLogger())
	_, err := src.PublicKey("kid-1")
	assert.True(t, errors.Is(err, crypto.ErrKeyUnavailable))
}

func TestKeySources_FetchBoundedByTimeout(t *testing.T) {
	stall := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-stall:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(stall)
		slow.Close()
	})

	for name, src := range map[string]service.KeySource{
		"public-key": NewRemoteKeySource(slow.URL, 100*time.Millisecond, time.Minute, nil, logger.NewNoopLogger()),
		"jwks":       NewJWKSKeySource(slow.URL, 100*time.Millisecond, time.Minute, nil, logger.NewNoopLogger()),
	} {
		start := time.Now()
		_, err := src.PublicKey("kid-1")
		assert.ErrorIs(t, err, crypto.ErrKeyUnavailable, name)
		assert.Less(t, time.Since(start), time.Second, name)
	}
}

type jwksServer struct {
	*httptest.Server
	fetches     atomic.Int32
	notModified atomic.Int32
	down        atomic.Bool
}

func newJWKSServer(t *testing.T, ring *crypto.KeyRing) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != constants.JWKSEndpoint || s.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		s.fetches.Add(1)
		body, _ := json.Marshal(crypto.JWKS(ring))
		etag := fmt.Sprintf(`"%d"`, len(body))
		if r.Header.Get("If-None-Match") == etag {
			s.notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		_, _ = w.Write(body)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestJWKSKeySource_ResolvesEveryPublishedEpoch(t *testing.T) {
	current := signingKey(t)
	old, err := crypto.GenerateKeyMaterial(2048, "kid-old")
	require.NoError(t, err)
	ring := crypto.NewKeyRing(current)
	ring.Retire(old.KeyID, old.PublicKey)

	srv := newJWKSServer(t, ring)
	src := NewJWKSKeySource(srv.URL, time.Second, time.Minute, nil, logger.NewNoopLogger())

	pub, err := src.PublicKey(current.KeyID)
	require.NoError(t, err)
	assert.Equal(t, current.PublicKey.N, pub.N)

	pub, err = src.PublicKey("kid-old")
	require.NoError(t, err)
	assert.Equal(t, old.PublicKey.N, pub.N)
	assert.Equal(t, int32(1), srv.fetches.Load())

	// unknown kid right after a fetch is answered without another request
	_, err = src.PublicKey("never-published")
	assert.True(t, errors.Is(err, service.ErrUnknownKey))
	assert.Equal(t, int32(1), srv.fetches.Load())
}

func TestJWKSKeySource_RevalidatesWithETagAndServesStale(t *testing.T) {
	km := signingKey(t)
	srv := newJWKSServer(t, crypto.NewKeyRing(km))
	src := NewJWKSKeySource(srv.URL, time.Second, 50*time.Millisecond, nil, logger.NewNoopLogger())

	_, err := src.PublicKey(km.KeyID)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = src.PublicKey(km.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.notModified.Load())

	srv.down.Store(true)
	time.Sleep(80 * time.Millisecond)
	pub, err := src.PublicKey(km.KeyID)
	require.NoError(t, err, "a stale key keeps verifying while the issuer is down")
	assert.Equal(t, km.PublicKey.N, pub.N)
}

func TestJWKSKeySource_IssuerDown(t *testing.T) {
	src := NewJWKSKeySource("http://127.0.0.1:1", 200*time.Millisecond, time.Minute, nil, logger.NewNoopLogger())
	_, err := src.PublicKey("kid-1")
	assert.True(t, errors.Is(err, crypto.ErrKeyUnavailable))
}
