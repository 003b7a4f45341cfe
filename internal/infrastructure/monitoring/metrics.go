package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics manages the Prometheus metrics of both processes.
type Metrics struct {
	LoginRequests      *prometheus.CounterVec
	LoginLatency       prometheus.Histogram
	LogoutRequests     *prometheus.CounterVec
	TokenVerifications *prometheus.CounterVec
	BlacklistChecks    *prometheus.CounterVec
	Introspections     *prometheus.CounterVec
	IntrospectLatency  *prometheus.HistogramVec

	HTTPActiveRequests *prometheus.GaugeVec
	HTTPDuration       *prometheus.HistogramVec
	HTTPErrors         *prometheus.CounterVec

	GatewayRejections *prometheus.CounterVec
	GatewayUpstream   *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec
	RouteTableSize    prometheus.Gauge
	RouteRefreshes    *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		LoginRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_login_requests_total",
			Help: "Total number of login requests by result code.",
		}, []string{"code"}),
		LoginLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "atlas_login_latency_seconds",
			Help:    "Latency of login requests.",
			Buckets: prometheus.DefBuckets,
		}),
		LogoutRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_logout_requests_total",
			Help: "Total number of logout requests by result code.",
		}, []string{"code"}),
		TokenVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_token_verifications_total",
			Help: "Token verifications by caller and outcome.",
		}, []string{"source", "result"}),
		BlacklistChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_blacklist_checks_total",
			Help: "Blacklist lookups by outcome.",
		}, []string{"result"}),
		Introspections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_introspections_total",
			Help: "Introspection calls served or made.",
		}, []string{"side", "active"}),
		IntrospectLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_introspection_latency_seconds",
			Help:    "Latency of introspection calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"side"}),
		HTTPActiveRequests: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atlas_http_active_requests",
			Help: "In-flight HTTP requests.",
		}, []string{"method"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_http_request_duration_seconds",
			Help:    "HTTP request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method", "status"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_http_request_errors_total",
			Help: "HTTP responses with status >= 400.",
		}, []string{"path", "method", "status"}),
		GatewayRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_gateway_rejections_total",
			Help: "Requests rejected by the gateway before forwarding.",
		}, []string{"reason"}),
		GatewayUpstream: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_gateway_upstream_duration_seconds",
			Help:    "Upstream round trip duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
		RateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_rate_limit_hits_total",
			Help: "Requests denied by route rate limiters.",
		}, []string{"route"}),
		RouteTableSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "atlas_gateway_routes",
			Help: "Number of routes in the active route table.",
		}),
		RouteRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_gateway_route_refreshes_total",
			Help: "Route table rebuilds by outcome.",
		}, []string{"result"}),
	}
}

func (m *Metrics) ActiveRequestsInc(method string) {
	m.HTTPActiveRequests.WithLabelValues(method).Inc()
}

func (m *Metrics) ActiveRequestsDec(method string) {
	m.HTTPActiveRequests.WithLabelValues(method).Dec()
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(path, method string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPDuration.WithLabelValues(path, method, code).Observe(d.Seconds())
	if status >= 400 {
		m.HTTPErrors.WithLabelValues(path, method, code).Inc()
	}
}

func (m *Metrics) RecordGatewayRejection(reason string) {
	m.GatewayRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveUpstream(route string, status int, d time.Duration) {
	m.GatewayUpstream.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) RecordRateLimitHit(route string) {
	m.RateLimitHits.WithLabelValues(route).Inc()
}

// RecordRouteRefresh records a rebuild and, when it succeeded, the resulting table size.
func (m *Metrics) RecordRouteRefresh(size int, err error) {
	if err != nil {
		m.RouteRefreshes.WithLabelValues("error").Inc()
		return
	}
	m.RouteRefreshes.WithLabelValues("ok").Inc()
	m.RouteTableSize.Set(float64(size))
}
