package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/atlas/internal/authctx"
	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/infrastructure/ratelimit"
	atlaserrors "github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
	"github.com/turtacn/atlas/pkg/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTrace_ReusesInboundID(t *testing.T) {
	r := gin.New()
	r.Use(Trace())
	var fromCtx, fromHeader string
	r.GET("/", func(c *gin.Context) {
		fromCtx = utils.TraceIDFromContext(c.Request.Context())
		fromHeader = c.Request.Header.Get("X-Trace-Id")
		OK(c, nil)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-Id", "abc123")
	w := serve(r, req)

	assert.Equal(t, "abc123", w.Header().Get("X-Trace-Id"))
	assert.Equal(t, "abc123", fromCtx)
	assert.Equal(t, "abc123", fromHeader)
	assert.Contains(t, w.Body.String(), `"traceId":"abc123"`)
}

func TestTrace_GeneratesDashlessID(t *testing.T) {
	r := gin.New()
	r.Use(Trace())
	r.GET("/", func(c *gin.Context) { OK(c, nil) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	id := w.Header().Get("X-Trace-Id")
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-Id", strings.Repeat("x", 100))
	w = serve(r, req)
	assert.Len(t, w.Header().Get("X-Trace-Id"), 32)
}

func TestTrace_KeepsInboundIDUpToCap(t *testing.T) {
	r := gin.New()
	r.Use(Trace())
	r.GET("/", func(c *gin.Context) { OK(c, nil) })

	atCap := strings.Repeat("a", 64)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-Id", atCap)
	assert.Equal(t, atCap, serve(r, req).Header().Get("X-Trace-Id"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-Id", atCap+"b")
	assert.NotEqual(t, atCap+"b", serve(r, req).Header().Get("X-Trace-Id"))
}

func TestRecovery_ReturnsSystemErrorWithoutStack(t *testing.T) {
	r := gin.New()
	r.Use(Trace(), Recovery(logger.NewNoopLogger()))
	r.GET("/", func(c *gin.Context) { panic("boom") })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"050000"`)
	assert.NotContains(t, w.Body.String(), "boom")
	assert.NotContains(t, w.Body.String(), "goroutine")
}

type fakeAuthenticator struct {
	principal *models.Principal
	err       error
	calls     int
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, _ string) (*models.Principal, error) {
	f.calls++
	return f.principal, f.err
}

func TestSecurityContext(t *testing.T) {
	auth := &fakeAuthenticator{principal: &models.Principal{SubjectID: 1, SubjectName: "admin"}}
	var holder *authctx.Holder
	r := gin.New()
	r.Use(Trace(), Recovery(logger.NewNoopLogger()))
	r.GET("/", SecurityContext(auth, logger.NewNoopLogger()), func(c *gin.Context) {
		holder, _ = authctx.FromGin(c)
		p, ok := authctx.PrincipalFromContext(c.Request.Context())
		require.True(t, ok)
		OK(c, p.SubjectName)
	})
	r.GET("/panic", SecurityContext(auth, logger.NewNoopLogger()), func(c *gin.Context) {
		holder, _ = authctx.FromGin(c)
		panic("handler failed")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, holder)
	_, bound := holder.Get()
	assert.False(t, bound, "holder must be cleared after the request")

	req = httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = serve(r, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	_, bound = holder.Get()
	assert.False(t, bound)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"013004"`)
	assert.Equal(t, 2, auth.calls)

	auth.err = atlaserrors.ErrTokenInvalid()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = serve(r, req)
	assert.Contains(t, w.Body.String(), `"code":"013000"`)
}

type fakeLimiter struct {
	result *ratelimit.Result
	err    error
	keys   []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string, _ ratelimit.Rule) (*ratelimit.Result, error) {
	f.keys = append(f.keys, key)
	return f.result, f.err
}

func TestRateLimit(t *testing.T) {
	lim := &fakeLimiter{result: &ratelimit.Result{Allowed: false, Limit: 10, RetryAfter: 1500 * time.Millisecond}}
	r := gin.New()
	r.Use(Trace())
	r.POST("/login", RateLimit(lim, ratelimit.Rule{ReplenishRate: 1, BurstCapacity: 10}, ClientIPKey("login"), logger.NewNoopLogger()),
		func(c *gin.Context) { OK(c, nil) })

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	w := serve(r, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, []string{"login:10.1.2.3"}, lim.keys)

	lim.result, lim.err = nil, errors.New("redis down")
	w = serve(r, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.Equal(t, http.StatusOK, w.Code, "limiter errors fail open")
}

func TestObservability_RecordsRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	r := gin.New()
	r.Use(Trace(), Observability(metrics, nil))
	r.GET("/users/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	serve(r, httptest.NewRequest(http.MethodGet, "/users/42", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPErrors.WithLabelValues("/users/:id", "GET", "418")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPErrors.WithLabelValues("not_found", "GET", "404")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.HTTPActiveRequests.WithLabelValues("GET")))
}
