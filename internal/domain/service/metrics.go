// Package service defines the interfaces for domain services.
package service

import (
	"time"
)

// Metrics defines the interface for collecting business metrics.
// This abstraction allows the application layer to remain independent of the specific monitoring implementation (e.g., Prometheus).
// Metrics 定义了收集业务指标的接口。
// 这种抽象使应用层能够独立于具体的监控实现（例如 Prometheus）。
type Metrics interface {
	// RecordLogin records a login outcome by result code.
	// RecordLogin 按结果码记录登录结果。
	RecordLogin(code string, duration time.Duration)

	// RecordLogout records a logout outcome by result code.
	// RecordLogout 按结果码记录登出结果。
	RecordLogout(code string)

	// RecordTokenVerify records a verification outcome. result is "valid" or a TokenErrorKind.
	// RecordTokenVerify 记录验证结果。result 为 "valid" 或 TokenErrorKind。
	RecordTokenVerify(source, result string)

	// RecordBlacklistCheck records a blacklist lookup. result is "hit", "miss" or "error".
	// RecordBlacklistCheck 记录黑名单查询。result 为 "hit"、"miss" 或 "error"。
	RecordBlacklistCheck(result string)

	// RecordIntrospection records an introspection call made or served.
	// RecordIntrospection 记录发起或处理的内省调用。
	RecordIntrospection(side string, active bool, duration time.Duration)
}

// NoopMetrics discards every observation. It is used by tests and tools.
type NoopMetrics struct{}

func (NoopMetrics) RecordLogin(string, time.Duration)               {}
func (NoopMetrics) RecordLogout(string)                             {}
func (NoopMetrics) RecordTokenVerify(string, string)                {}
func (NoopMetrics) RecordBlacklistCheck(string)                     {}
func (NoopMetrics) RecordIntrospection(string, bool, time.Duration) {}
