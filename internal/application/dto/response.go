package dto

import (
	"time"

	"github.com/turtacn/atlas/pkg/errors"
)

// Result 通用响应信封，所有端点（包括网关拒绝）都使用该结构
type Result struct {
	Code      errors.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	Data      interface{}      `json:"data,omitempty"`
	Timestamp int64            `json:"timestamp"`
	TraceID   string           `json:"traceId,omitempty"`
}

// IsSuccess 报告信封是否携带成功码
func (r *Result) IsSuccess() bool {
	return r.Code == errors.CodeSuccess
}

// Success 创建成功响应
func Success(data interface{}, traceID string) *Result {
	return &Result{
		Code:      errors.CodeSuccess,
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		TraceID:   traceID,
	}
}

// Fail 将错误转换为 HTTP 状态码与错误信封。非 AtlasError 一律视为 050000，原始错误信息不会写入响应。
func Fail(err error, traceID string) (int, *Result) {
	ae := errors.FromError(err)
	return ae.HTTPStatus(), &Result{
		Code:      ae.Code(),
		Message:   ae.Message(),
		Timestamp: time.Now().UnixMilli(),
		TraceID:   traceID,
	}
}
