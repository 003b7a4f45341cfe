package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/atlas/internal/application/dto"
	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/domain/service"
	"github.com/turtacn/atlas/internal/gateway/routing"
	"github.com/turtacn/atlas/internal/infrastructure/crypto"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	atlasredis "github.com/turtacn/atlas/internal/infrastructure/persistence/redis"
	"github.com/turtacn/atlas/pkg/logger"
)

var (
	keyOnce sync.Once
	testKey *crypto.KeyMaterial
)

func signingKey(t *testing.T) *crypto.KeyMaterial {
	t.Helper()
	keyOnce.Do(func() {
		km, err := crypto.GenerateKeyMaterial(2048, "kid-1")
		if err != nil {
			panic(err)
		}
		testKey = km
	})
	return testKey
}

// fakeIssuer serves the public-key and introspect endpoints.
type fakeIssuer struct {
	*httptest.Server
	keyFetches   atomic.Int32
	introspects  atomic.Int32
	delay        atomic.Int64
	active       atomic.Bool
	introspectOK atomic.Bool
	lastTraceID  atomic.Value
}

func newFakeIssuer(t *testing.T, km *crypto.KeyMaterial) *fakeIssuer {
	t.Helper()
	f := &fakeIssuer{}
	f.active.Store(true)
	f.introspectOK.Store(true)
	pem, err := crypto.EncodePublicKeyPEM(km.PublicKey)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/public-key", func(w http.ResponseWriter, r *http.Request) {
		f.keyFetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, http.StatusOK, dto.Success(dto.PublicKeyResponse{Algorithm: "RS256", PublicKeyPEM: pem, KeyID: km.KeyID}, ""))
	})
	mux.HandleFunc("/api/v1/auth/introspect", func(w http.ResponseWriter, r *http.Request) {
		f.introspects.Add(1)
		f.lastTraceID.Store(r.Header.Get("X-Trace-Id"))
		if d := time.Duration(f.delay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if !f.introspectOK.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req dto.IntrospectRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := dto.Inactive()
		if f.active.Load() && req.Token != "" {
			exp := time.Now().Add(time.Hour)
			resp = &dto.IntrospectResponse{Active: true, UserID: 7, Username: "alice", Roles: []string{"admin", "ops"}, Permissions: []string{"user:read"}, ExpiresAt: &exp}
		}
		writeJSON(w, http.StatusOK, dto.Success(resp, ""))
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type upstream struct {
	*httptest.Server
	calls   atomic.Int32
	headers atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.headers.Store(r.Header.Clone())
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) lastHeaders() http.Header {
	h, _ := u.headers.Load().(http.Header)
	return h
}

// countingChecker records invocations.
type countingChecker struct {
	inner TokenChecker
	calls atomic.Int32
}

func (c *countingChecker) Check(ctx context.Context, token string) (*models.Principal, error) {
	c.calls.Add(1)
	return c.inner.Check(ctx, token)
}

type harness struct {
	server    *Server
	checker   *countingChecker
	upstream  *upstream
	metrics   *monitoring.Metrics
	routes    *routing.Engine
	whitelist *WhitelistHolder
	cors      *CORSHolder
	refresher *Refresher
}

func newHarness(t *testing.T, checker TokenChecker) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNoopLogger()
	up := newUpstream(t)
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	cfg := config.GatewayConfig{
		Routes: []config.RouteConfig{
			{ID: "auth", URI: up.URL, Predicates: []string{"Path=/api/v1/auth/**"}},
			{ID: "users", URI: up.URL, Predicates: []string{"Path=/api/v1/users/**"}},
		},
		Whitelist: config.WhitelistConfig{Enabled: true, Paths: []string{"/api/v1/auth/login", "/public/**"}},
		CORS:      config.CORSConfig{AllowedOrigins: "*", AllowedHeaders: "Authorization,Content-Type"},
	}

	routes := routing.NewEngine(routing.NewCompiler(nil, metrics, log), time.Second, metrics, log)
	routes.Load(context.Background(), cfg.Routes)
	whitelist := NewWhitelistHolder(cfg.Whitelist)
	cors, err := NewCORSHolder(cfg.CORS)
	require.NoError(t, err)

	counting := &countingChecker{inner: checker}
	h := &harness{
		checker:   counting,
		upstream:  up,
		metrics:   metrics,
		routes:    routes,
		whitelist: whitelist,
		cors:      cors,
		refresher: NewRefresher(routes, whitelist, cors, log),
	}
	h.server = NewServer(config.ServerConfig{}, log, ServerDeps{
		Auth:    NewAuthFilter(whitelist, counting, metrics, log),
		CORS:    cors,
		Routes:  routes,
		Metrics: metrics,
	})
	return h
}

func (h *harness) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		req.Header[k] = vs
	}
	w := httptest.NewRecorder()
	h.server.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func localChecker(issuer *fakeIssuer, store service.RevocationStore) TokenChecker {
	keys := NewRemoteKeySource(issuer.URL, time.Second, time.Minute, nil, logger.NewNoopLogger())
	return NewLocalChecker(crypto.NewJWTVerifier(keys), store, nil)
}

func issue(t *testing.T, km *crypto.KeyMaterial, at time.Time) *models.SignedToken {
	t.Helper()
	issuer := crypto.NewJWTIssuer(crypto.NewKeyRing(km), 2*time.Hour, "atlas-auth", logger.NewNoopLogger(),
		crypto.WithIssuerClock(func() time.Time { return at }))
	st, err := issuer.Issue(context.Background(), service.IssueRequest{
		SubjectID: 1, SubjectName: "admin", Roles: []string{"admin"}, Permissions: []string{"user:write"},
	})
	require.NoError(t, err)
	return st
}

func TestGateway_WhitelistedPathSkipsVerification(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	h := newHarness(t, localChecker(issuer, nil))

	w := h.do(http.MethodPost, "/api/v1/auth/login", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(0), h.checker.calls.Load())
	assert.Equal(t, int32(1), h.upstream.calls.Load())
	assert.Equal(t, int32(0), issuer.keyFetches.Load())
}

func TestGateway_DotSegmentsCannotEscapeWhitelist(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	h := newHarness(t, localChecker(issuer, nil))
	h.whitelist.Store(config.WhitelistConfig{Enabled: true, Paths: []string{"/api/v1/auth/**"}})

	w := h.do(http.MethodGet, "/api/v1/users/me", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	uniform := decode(t, w)

	for _, target := range []string{
		"/api/v1/auth/../users/me",
		"/api/v1/auth/%2e%2e/users/me",
		"/api/v1/auth/%2E%2E%2Fusers/me",
		"/api/v1/auth/..%5Cusers/me",
		"/api/v1/auth/./login",
	} {
		w := h.do(http.MethodGet, target, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, target)
		body := decode(t, w)
		assert.Equal(t, uniform["code"], body["code"], target)
		assert.Equal(t, uniform["message"], body["message"], target)
	}

	// a valid token does not make the path acceptable
	w = h.do(http.MethodGet, "/api/v1/users/../users/me", bearer(issue(t, km, time.Now()).Compact))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, int32(0), h.checker.calls.Load())
	assert.Equal(t, int32(0), h.upstream.calls.Load())
	assert.Equal(t, float64(6), testutil.ToFloat64(h.metrics.GatewayRejections.WithLabelValues(ReasonMalformedPath)))

	w = h.do(http.MethodGet, "/api/v1/auth/login..bak", nil)
	assert.Equal(t, http.StatusOK, w.Code, "dots inside a segment are ordinary characters")
}

func TestGateway_DisabledWhitelistRequiresTokenEverywhere(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	h := newHarness(t, localChecker(issuer, nil))
	h.whitelist.Store(config.WhitelistConfig{Enabled: false, Paths: []string{"/api/v1/auth/login", "/public/**"}})

	w := h.do(http.MethodPost, "/api/v1/auth/login", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "013001", decode(t, w)["code"])
	w = h.do(http.MethodGet, "/public/info", bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int32(0), h.upstream.calls.Load())

	w = h.do(http.MethodPost, "/api/v1/auth/login", bearer(issue(t, km, time.Now()).Compact))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(2), h.checker.calls.Load())
	assert.Equal(t, int32(1), h.upstream.calls.Load())
}

func TestGateway_ExpiredTokenRejectedUniformly(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	h := newHarness(t, localChecker(issuer, nil))
	expired := issue(t, km, time.Now().Add(-3*time.Hour))

	w := h.do(http.MethodGet, "/api/v1/users/1", bearer(expired.Compact))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	expiredBody := decode(t, w)
	assert.Equal(t, "013001", expiredBody["code"])
	assert.NotEmpty(t, expiredBody["traceId"])
	assert.Equal(t, int32(0), h.upstream.calls.Load())

	w = h.do(http.MethodGet, "/api/v1/users/1", nil)
	missingBody := decode(t, w)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, expiredBody["code"], missingBody["code"])
	assert.Equal(t, expiredBody["message"], missingBody["message"])

	w = h.do(http.MethodGet, "/api/v1/users/1", bearer("garbage"))
	assert.Equal(t, expiredBody["message"], decode(t, w)["message"])

	assert.Equal(t, int32(0), h.upstream.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.GatewayRejections.WithLabelValues("expired")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.GatewayRejections.WithLabelValues(ReasonMissingToken)))
}

func TestGateway_LocalModeAdmitsAndForwardsPrincipal(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	h := newHarness(t, localChecker(issuer, nil))
	valid := issue(t, km, time.Now())

	header := bearer(valid.Compact)
	header.Set("X-User-Id", "999")
	header.Set("X-User-Roles", "superuser")
	w := h.do(http.MethodGet, "/api/v1/users/1", header)
	require.Equal(t, http.StatusOK, w.Code)

	fwd := h.upstream.lastHeaders()
	assert.Equal(t, "1", fwd.Get("X-User-Id"))
	assert.Equal(t, "admin", fwd.Get("X-User-Name"))
	assert.Equal(t, "admin", fwd.Get("X-User-Roles"))
	assert.Equal(t, "user:write", fwd.Get("X-User-Permissions"))
	assert.NotEmpty(t, fwd.Get("X-Trace-Id"))

	// the key is cached after the first verification
	w = h.do(http.MethodGet, "/api/v1/users/2", bearer(valid.Compact))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), issuer.keyFetches.Load())
}

func TestGateway_ForgedHeadersStrippedOnWhitelistedPath(t *testing.T) {
	h := newHarness(t, NewIntrospectChecker(NewIntrospectionClient("http://127.0.0.1:1", time.Second, nil, nil)))

	w := h.do(http.MethodGet, "/public/info", http.Header{"X-User-Id": {"1"}, "X-User-Name": {"admin"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, h.upstream.lastHeaders().Get("X-User-Id"))
	assert.Empty(t, h.upstream.lastHeaders().Get("X-User-Name"))
}

func TestGateway_LocalModeBlacklist(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	store := atlasredis.NewRevocationStore(client, 200*time.Millisecond, nil, logger.NewNoopLogger())

	h := newHarness(t, localChecker(issuer, store))
	valid := issue(t, km, time.Now())
	require.NoError(t, store.AddToBlacklist(context.Background(), valid.Token.TokenID, 1, time.Hour))

	w := h.do(http.MethodGet, "/api/v1/users/1", bearer(valid.Compact))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.GatewayRejections.WithLabelValues(ReasonRevoked)))

	// an unreachable store fails open
	mr.Close()
	w = h.do(http.MethodGet, "/api/v1/users/1", bearer(valid.Compact))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGateway_IntrospectMode(t *testing.T) {
	km := signingKey(t)
	issuer := newFakeIssuer(t, km)
	client := NewIntrospectionClient(issuer.URL, 100*time.Millisecond, nil, nil)
	h := newHarness(t, NewIntrospectChecker(client))

	w := h.do(http.MethodGet, "/api/v1/users/1", http.Header{"Authorization": {"Bearer opaque"}, "X-Trace-Id": {"trace-42"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "7", h.upstream.lastHeaders().Get("X-User-Id"))
	assert.Equal(t, "admin,ops", h.upstream.lastHeaders().Get("X-User-Roles"))
	assert.Equal(t, "trace-42", issuer.lastTraceID.Load())

	issuer.active.Store(false)
	w = h.do(http.MethodGet, "/api/v1/users/1", bearer("opaque"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "013001", decode(t, w)["code"])
}

func TestGateway_IntrospectionFailuresRejected(t *testing.T) {
	km := signingKey(t)

	t.Run("timeout", func(t *testing.T) {
		issuer := newFakeIssuer(t, km)
		issuer.delay.Store(int64(500 * time.Millisecond))
		h := newHarness(t, NewIntrospectChecker(NewIntrospectionClient(issuer.URL, 50*time.Millisecond, nil, nil)))

		start := time.Now()
		w := h.do(http.MethodGet, "/api/v1/users/1", bearer("opaque"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Less(t, time.Since(start), 400*time.Millisecond)
		assert.Equal(t, int32(0), h.upstream.calls.Load())
	})

	t.Run("non-2xx", func(t *testing.T) {
		issuer := newFakeIssuer(t, km)
		issuer.introspectOK.Store(false)
		h := newHarness(t, NewIntrospectChecker(NewIntrospectionClient(issuer.URL, time.Second, nil, nil)))

		w := h.do(http.MethodGet, "/api/v1/users/1", bearer("opaque"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.GatewayRejections.WithLabelValues(ReasonIntrospection)))
	})

	t.Run("unreachable", func(t *testing.T) {
		h := newHarness(t, NewIntrospectChecker(NewIntrospectionClient("http://127.0.0.1:1", time.Second, nil, nil)))
		w := h.do(http.MethodGet, "/api/v1/users/1", bearer("opaque"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGateway_LocalEndpointsBypassAdmission(t *testing.T) {
	h := newHarness(t, NewIntrospectChecker(NewIntrospectionClient("http://127.0.0.1:1", time.Second, nil, nil)))
	w := h.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(0), h.checker.calls.Load())
}

func TestRefresher_SwapsOnlyChangedSubsets(t *testing.T) {
	h := newHarness(t, NewIntrospectChecker(NewIntrospectionClient("http://127.0.0.1:1", time.Second, nil, nil)))
	ctx := context.Background()
	table := h.routes.Table()
	whitelist := h.whitelist.Load()

	next := &config.Config{}
	next.Atlas.Gateway.CORS = config.CORSConfig{AllowedOrigins: "https://console.example.com"}
	next.Atlas.Gateway.Whitelist = config.WhitelistConfig{Enabled: true, Paths: []string{"/open/**"}}
	h.refresher.OnChange(ctx, config.ChangeEvent{Keys: []string{"atlas.gateway.cors.allowed_origins"}, Config: next})

	assert.Same(t, table, h.routes.Table())
	assert.Same(t, whitelist, h.whitelist.Load())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/users/1", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	h.server.Engine().ServeHTTP(w, req)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	h.refresher.OnChange(ctx, config.ChangeEvent{Keys: []string{"atlas.gateway.whitelist.paths"}, Config: next})
	assert.Same(t, table, h.routes.Table())
	assert.NotSame(t, whitelist, h.whitelist.Load())
	assert.True(t, h.whitelist.Load().Match("/open/x"))

	h.refresher.OnChange(ctx, config.ChangeEvent{Keys: []string{"atlas.gateway.upstream_timeout"}, Config: next})
	assert.Same(t, table, h.routes.Table())

	h.refresher.OnChange(ctx, config.ChangeEvent{Keys: []string{"atlas.gateway.routes"}, Config: next})
	assert.NotSame(t, table, h.routes.Table())
	assert.Equal(t, 0, h.routes.Table().Len())
}

func TestCORSHolder_InvalidPolicyKeepsPrevious(t *testing.T) {
	holder, err := NewCORSHolder(config.CORSConfig{AllowedOrigins: "*"})
	require.NoError(t, err)
	before := holder.handler.Load()
	assert.Error(t, holder.Store(config.CORSConfig{AllowedOrigins: "not-a-url"}))
	assert.Same(t, before, holder.handler.Load())
}
