package routing

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/multierr"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/interfaces/http/middleware"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
)

// Engine holds the active route table and forwards matched requests.
// Readers load the table once per request, so a refresh never changes the
// route of an in-flight request.
type Engine struct {
	table     atomic.Pointer[Table]
	compiler  *Compiler
	transport http.RoundTripper
	timeout   time.Duration
	metrics   *monitoring.Metrics
	tracer    *monitoring.TracingManager
	log       logger.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithTransport replaces the upstream round tripper.
func WithTransport(rt http.RoundTripper) EngineOption {
	return func(e *Engine) { e.transport = rt }
}

// WithTracer wraps each upstream call in a client span and forwards the traceparent.
func WithTracer(tm *monitoring.TracingManager) EngineOption {
	return func(e *Engine) { e.tracer = tm }
}

// NewEngine creates an engine with an empty table. Call Load before serving.
func NewEngine(compiler *Compiler, upstreamTimeout time.Duration, metrics *monitoring.Metrics, log logger.Logger, opts ...EngineOption) *Engine {
	if upstreamTimeout <= 0 {
		upstreamTimeout = constants.DefaultUpstreamTimeout
	}
	e := &Engine{
		compiler:  compiler,
		transport: defaultTransport(),
		timeout:   upstreamTimeout,
		metrics:   metrics,
		log:       log.WithComponent("routing-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.table.Store(NewTable(nil))
	return e
}

func defaultTransport() http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 100
	return t
}

// Table returns the active table.
func (e *Engine) Table() *Table {
	return e.table.Load()
}

// Load compiles entries and publishes the result. Malformed entries are logged and
// skipped; the new table replaces the old one even when some entries failed.
func (e *Engine) Load(ctx context.Context, entries []config.RouteConfig) *Table {
	table, err := e.compiler.Compile(entries)
	if err != nil {
		for _, cause := range multierr.Errors(err) {
			e.log.Warn(ctx, "skipping malformed route", logger.Error(cause))
		}
	}
	e.table.Store(table)
	if e.metrics != nil {
		e.metrics.RecordRouteRefresh(table.Len(), nil)
	}
	e.log.Info(ctx, "route table published",
		logger.Int("routes", table.Len()), logger.Int("skipped", len(entries)-table.Len()))
	return table
}

// Handle is the terminal gin handler of the gateway.
func (e *Engine) Handle(c *gin.Context) {
	table := e.table.Load()
	ex := NewExchange(c.Request)
	ex.ClientIP = c.ClientIP()
	route := table.Lookup(ex)
	if route == nil {
		middleware.Abort(c, errors.ErrRouteNotFound())
		return
	}
	c.Set(constants.GinKeyRouteID, route.ID)

	for _, f := range route.Filters {
		if err := f.Apply(ex); err != nil {
			copyHeaders(c.Writer.Header(), ex.ResponseHeaders)
			middleware.Abort(c, err)
			return
		}
	}
	e.forward(c, route, ex)
}

func (e *Engine) forward(c *gin.Context, route *Route, ex *Exchange) {
	ctx, cancel := context.WithTimeout(ex.Request.Context(), e.timeout)
	defer cancel()

	start := time.Now()
	var upstreamErr error
	proxy := &httputil.ReverseProxy{
		Transport: e.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(route.URI)
			pr.SetXForwarded()
			if e.tracer != nil {
				e.tracer.Inject(pr.Out.Context(), propagation.HeaderCarrier(pr.Out.Header))
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			copyHeaders(resp.Header, ex.ResponseHeaders)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			upstreamErr = err
		},
	}
	if e.tracer == nil {
		proxy.ServeHTTP(c.Writer, ex.Request.WithContext(ctx))
	} else {
		_ = e.tracer.Trace(ctx, "upstream "+route.ID, func(ctx context.Context) error {
			proxy.ServeHTTP(c.Writer, ex.Request.WithContext(ctx))
			return upstreamErr
		}, attribute.String("atlas.route_id", route.ID), attribute.String("http.url", route.URI.String()))
	}

	if upstreamErr != nil {
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			upstreamErr = fmt.Errorf("%w: %v", context.DeadlineExceeded, upstreamErr)
		}
		e.failUpstream(c, route, upstreamErr)
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveUpstream(route.ID, c.Writer.Status(), time.Since(start))
	}
}

func (e *Engine) failUpstream(c *gin.Context, route *Route, err error) {
	ctx := c.Request.Context()
	var appErr errors.AtlasError
	switch {
	case isTimeout(err):
		appErr = errors.ErrUpstreamTimeout()
	case stderrors.Is(err, context.Canceled):
		// the client went away; nothing useful can be written
		e.log.Debug(ctx, "client cancelled upstream request", logger.RouteID(route.ID))
		c.Abort()
		return
	default:
		appErr = errors.ErrUpstreamUnavailable()
	}
	e.log.Warn(ctx, "upstream request failed",
		logger.RouteID(route.ID),
		logger.String("upstream", route.URI.Host),
		logger.Error(err),
	)
	if e.metrics != nil {
		e.metrics.ObserveUpstream(route.ID, appErr.HTTPStatus(), 0)
	}
	middleware.Abort(c, appErr.WithCause(err))
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
