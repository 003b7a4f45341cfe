// Package monitoring provides the zap logger, Prometheus metrics and OpenTelemetry tracing
// used by the atlas processes, plus the adapter that exposes metrics to the domain layer.
package monitoring

import (
	"strconv"
	"time"

	"github.com/turtacn/atlas/internal/domain/service"
)

// MetricsAdapter implements the domain's service.Metrics interface, sending metrics to a Prometheus backend.
// This adapter translates the domain-specific metric calls into the appropriate Prometheus client calls.
// MetricsAdapter 实现了域的 service.Metrics 接口，将指标发送到 Prometheus 后端。
// 此适配器将特定于域的指标调用转换为适当的 Prometheus 客户端调用。
type MetricsAdapter struct {
	metrics *Metrics
}

// NewMetricsAdapter creates a new adapter that wraps a concrete Prometheus Metrics object,
// satisfying the domain's Metrics interface.
// NewMetricsAdapter 创建一个包装具体 Prometheus Metrics 对象的新适配器，满足域的 Metrics 接口。
func NewMetricsAdapter(metrics *Metrics) service.Metrics {
	return &MetricsAdapter{metrics: metrics}
}

// RecordLogin delegates the call to the underlying Prometheus Metrics object.
// RecordLogin 将调用委托给底层的 Prometheus Metrics 对象。
func (a *MetricsAdapter) RecordLogin(code string, duration time.Duration) {
	a.metrics.LoginRequests.WithLabelValues(code).Inc()
	a.metrics.LoginLatency.Observe(duration.Seconds())
}

func (a *MetricsAdapter) RecordLogout(code string) {
	a.metrics.LogoutRequests.WithLabelValues(code).Inc()
}

func (a *MetricsAdapter) RecordTokenVerify(source, result string) {
	a.metrics.TokenVerifications.WithLabelValues(source, result).Inc()
}

func (a *MetricsAdapter) RecordBlacklistCheck(result string) {
	a.metrics.BlacklistChecks.WithLabelValues(result).Inc()
}

// RecordIntrospection records an introspection served ("server") or made ("client").
// RecordIntrospection 记录处理（"server"）或发起（"client"）的内省调用。
func (a *MetricsAdapter) RecordIntrospection(side string, active bool, duration time.Duration) {
	a.metrics.Introspections.WithLabelValues(side, strconv.FormatBool(active)).Inc()
	a.metrics.IntrospectLatency.WithLabelValues(side).Observe(duration.Seconds())
}
