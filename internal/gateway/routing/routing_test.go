package routing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/infrastructure/ratelimit"
	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	"github.com/turtacn/atlas/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type upstreamCall struct {
	path   string
	header http.Header
}

func newUpstream(t *testing.T) (*httptest.Server, chan upstreamCall) {
	t.Helper()
	calls := make(chan upstreamCall, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- upstreamCall{path: r.URL.Path, header: r.Header.Clone()}
		w.Header().Set("X-Upstream", "yes")
		_, _ = io.WriteString(w, "hello from "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func newEngine(t *testing.T, limiter ratelimit.Limiter, timeout time.Duration) (*Engine, *monitoring.Metrics, *gin.Engine) {
	t.Helper()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	log := logger.NewNoopLogger()
	e := NewEngine(NewCompiler(limiter, metrics, log), timeout, metrics, log)
	r := gin.New()
	require.NoError(t, r.SetTrustedProxies(nil))
	r.Use(middleware.Trace())
	r.NoRoute(e.Handle)
	return e, metrics, r
}

func serve(r http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCompiler_SkipsMalformedEntries(t *testing.T) {
	c := NewCompiler(nil, nil, logger.NewNoopLogger())
	table, err := c.Compile([]config.RouteConfig{
		{ID: "users", URI: "http://users:8080", Predicates: []string{"Path=/users/**"}},
		{ID: "", URI: "http://x:1", Predicates: []string{"Path=/x/**"}},
		{ID: "bad-uri", URI: "ftp://files", Predicates: []string{"Path=/files/**"}},
		{ID: "bad-predicate", URI: "http://x:1", Predicates: []string{"Cookie=session"}},
		{ID: "bad-filter", URI: "http://x:1", Predicates: []string{"Path=/y/**"}, Filters: []string{"StripPrefix=zero"}},
		{ID: "needs-limiter", URI: "http://x:1", Predicates: []string{"Path=/z/**"}, Filters: []string{"RequestRateLimiter=1,1"}},
		{ID: "users", URI: "http://other:8080", Predicates: []string{"Path=/dup/**"}},
		{ID: "orders", URI: "https://orders.internal", Predicates: []string{"Path=/orders/**", "Method=GET,POST"}},
	})

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 6)
	require.Equal(t, 2, table.Len())
	assert.Equal(t, "users", table.Routes()[0].ID)
	assert.Equal(t, "users:8080", table.Routes()[0].URI.Host)
	assert.Equal(t, "orders", table.Routes()[1].ID)
}

func TestTable_FirstMatchWins(t *testing.T) {
	c := NewCompiler(nil, nil, logger.NewNoopLogger())
	table, err := c.Compile([]config.RouteConfig{
		{ID: "admin", URI: "http://admin:1", Predicates: []string{"Path=/api/**", "Header=X-Role,^admin$"}},
		{ID: "tenant", URI: "http://tenant:1", Predicates: []string{"Path=/api/**", "Host=**.tenant.example.com"}},
		{ID: "beta", URI: "http://beta:1", Predicates: []string{"Path=/api/**", "Query=beta"}},
		{ID: "api", URI: "http://api:1", Predicates: []string{"Path=/api/**"}},
	})
	require.NoError(t, err)

	lookup := func(target string, header http.Header) string {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		for k, vs := range header {
			req.Header[k] = vs
		}
		if host := header.Get("Host"); host != "" {
			req.Host = host
		}
		r := table.Lookup(NewExchange(req))
		if r == nil {
			return ""
		}
		return r.ID
	}

	assert.Equal(t, "admin", lookup("/api/x", http.Header{"X-Role": {"admin"}}))
	assert.Equal(t, "api", lookup("/api/x", http.Header{"X-Role": {"administrator"}}))
	assert.Equal(t, "tenant", lookup("/api/x", http.Header{"Host": {"acme.eu.tenant.example.com:443"}}))
	assert.Equal(t, "beta", lookup("/api/x?beta=1", nil))
	assert.Equal(t, "api", lookup("/api", nil))
	assert.Equal(t, "", lookup("/other", nil))
}

func TestEngine_ForwardsWithFilters(t *testing.T) {
	upstream, calls := newUpstream(t)
	e, metrics, r := newEngine(t, nil, time.Second)
	e.Load(context.Background(), []config.RouteConfig{{
		ID:         "users",
		URI:        upstream.URL,
		Predicates: []string{"Path=/gw/users/**"},
		Filters: []string{
			"StripPrefix=1",
			"AddRequestHeader=X-Gateway,atlas",
			"RemoveRequestHeader=X-Debug",
			"AddResponseHeader=X-Served-By,atlas-gateway",
		},
	}})

	w := serve(r, http.MethodGet, "/gw/users/42", http.Header{"X-Debug": {"1"}, "X-Trace-Id": {"trace-1"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello from /users/42", w.Body.String())
	assert.Equal(t, "atlas-gateway", w.Header().Get("X-Served-By"))
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))

	call := <-calls
	assert.Equal(t, "/users/42", call.path)
	assert.Equal(t, "atlas", call.header.Get("X-Gateway"))
	assert.Empty(t, call.header.Get("X-Debug"))
	assert.Equal(t, "trace-1", call.header.Get("X-Trace-Id"))
	assert.NotEmpty(t, call.header.Get("X-Forwarded-For"))

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.GatewayUpstream))
}

func TestEngine_TracedForwardKeepsTraceparent(t *testing.T) {
	upstream, calls := newUpstream(t)
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	log := logger.NewNoopLogger()
	tracer, err := monitoring.NewTracingManager(&config.TracingConfig{ServiceName: "atlas-gateway"}, log)
	require.NoError(t, err)

	e := NewEngine(NewCompiler(nil, nil, log), time.Second, nil, log, WithTracer(tracer))
	e.Load(context.Background(), []config.RouteConfig{
		{ID: "users", URI: upstream.URL, Predicates: []string{"Path=/users/**"}},
		{ID: "down", URI: closed.URL, Predicates: []string{"Path=/down/**"}},
	})
	r := gin.New()
	r.Use(middleware.Trace(), middleware.Observability(nil, tracer))
	r.NoRoute(e.Handle)

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	w := serve(r, http.MethodGet, "/users/1", http.Header{"Traceparent": {parent}})
	require.Equal(t, http.StatusOK, w.Code)
	call := <-calls
	assert.Contains(t, call.header.Get("Traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")

	w = serve(r, http.MethodGet, "/down/1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEngine_PathRewrites(t *testing.T) {
	upstream, calls := newUpstream(t)
	e, _, r := newEngine(t, nil, time.Second)
	e.Load(context.Background(), []config.RouteConfig{
		{ID: "rewrite", URI: upstream.URL, Predicates: []string{"Path=/legacy/**"}, Filters: []string{`RewritePath=/legacy/(?P<rest>.*),/v2/$\{rest}`}},
		{ID: "set", URI: upstream.URL, Predicates: []string{"Path=/people/{id}"}, Filters: []string{"SetPath=/users/{id}/profile"}},
		{ID: "prefix", URI: upstream.URL, Predicates: []string{"Path=/orders/**"}, Filters: []string{"PrefixPath=/internal"}},
	})

	for target, want := range map[string]string{
		"/legacy/a/b": "/v2/a/b",
		"/people/7":   "/users/7/profile",
		"/orders/9":   "/internal/orders/9",
	} {
		w := serve(r, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, w.Code, target)
		assert.Equal(t, want, (<-calls).path, target)
	}
}

func TestEngine_Errors(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	e, _, r := newEngine(t, nil, 100*time.Millisecond)
	e.Load(context.Background(), []config.RouteConfig{
		{ID: "slow", URI: slow.URL, Predicates: []string{"Path=/slow/**"}},
		{ID: "down", URI: closedURL, Predicates: []string{"Path=/down/**"}},
	})

	w := serve(r, http.MethodGet, "/nothing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"010404"`)

	w = serve(r, http.MethodGet, "/down/x", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"010503"`)

	w = serve(r, http.MethodGet, "/slow/x", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"010002"`)
}

func TestEngine_RequestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	upstream, _ := newUpstream(t)
	e, metrics, r := newEngine(t, ratelimit.NewRedisRateLimiter(client, logger.NewNoopLogger()), time.Second)
	e.Load(context.Background(), []config.RouteConfig{{
		ID:         "limited",
		URI:        upstream.URL,
		Predicates: []string{"Path=/limited/**"},
		Filters:    []string{"RequestRateLimiter=0.01,2,1,ip"},
	}})

	for i := 0; i < 2; i++ {
		w := serve(r, http.MethodGet, "/limited/a", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}
	w := serve(r, http.MethodGet, "/limited/a", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"015000"`)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RateLimitHits.WithLabelValues("limited")))
}

func TestEngine_RateLimitIgnoresForgedForwardedFor(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	upstream, _ := newUpstream(t)
	e, _, r := newEngine(t, ratelimit.NewRedisRateLimiter(client, logger.NewNoopLogger()), time.Second)
	e.Load(context.Background(), []config.RouteConfig{{
		ID:         "limited",
		URI:        upstream.URL,
		Predicates: []string{"Path=/limited/**"},
		Filters:    []string{"RequestRateLimiter=0.01,2,1,ip"},
	}})

	codes := make([]int, 0, 3)
	for _, xff := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		w := serve(r, http.MethodGet, "/limited/a", http.Header{"X-Forwarded-For": {xff}})
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.True(t, mr.Exists("gateway:ratelimit:route:limited:ip:192.0.2.1"))

	// behind a trusted proxy the forwarded address is the client
	require.NoError(t, r.SetTrustedProxies([]string{"192.0.2.1"}))
	for i := 0; i < 2; i++ {
		w := serve(r, http.MethodGet, "/limited/a", http.Header{"X-Forwarded-For": {"203.0.113.9"}})
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := serve(r, http.MethodGet, "/limited/a", http.Header{"X-Forwarded-For": {"203.0.113.9"}})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestEngine_LoadReplacesTable(t *testing.T) {
	e, metrics, _ := newEngine(t, nil, time.Second)
	assert.Equal(t, 0, e.Table().Len())

	first := e.Load(context.Background(), []config.RouteConfig{{ID: "a", URI: "http://a:1", Predicates: []string{"Path=/a/**"}}})
	assert.Same(t, first, e.Table())

	second := e.Load(context.Background(), []config.RouteConfig{
		{ID: "a", URI: "http://a:1", Predicates: []string{"Path=/a/**"}},
		{ID: "b", URI: "http://b:1", Predicates: []string{"Path=/b/**"}},
	})
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, first.Len(), "published tables are immutable")
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.RouteTableSize))
}
