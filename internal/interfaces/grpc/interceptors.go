package grpc

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	grpcCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/turtacn/atlas/internal/infrastructure/ratelimit"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
	"github.com/turtacn/atlas/pkg/utils"
)

// metadata keys are lower-case on the wire
var traceMetadataKey = strings.ToLower(constants.HeaderTraceID)

// InterceptorChain 拦截器链
type InterceptorChain struct {
	log     logger.Logger
	limiter ratelimit.Limiter
	rule    ratelimit.Rule
}

// NewInterceptorChain 创建拦截器链. limiter may be nil, which disables rate limiting.
func NewInterceptorChain(log logger.Logger, limiter ratelimit.Limiter, rule ratelimit.Rule) *InterceptorChain {
	return &InterceptorChain{
		log:     log,
		limiter: limiter,
		rule:    rule,
	}
}

// UnaryTraceInterceptor binds the inbound x-trace-id (or a fresh one) to the handler context
// and echoes it in the response header metadata.
func (ic *InterceptorChain) UnaryTraceInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		traceID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(traceMetadataKey); len(ids) > 0 && ids[0] != "" && len(ids[0]) <= 64 {
				traceID = ids[0]
			}
		}
		if traceID == "" {
			traceID = utils.NewTraceID()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(traceMetadataKey, traceID))
		return handler(utils.WithTraceID(ctx, traceID), req)
	}
}

// UnaryRecoveryInterceptor 恢复拦截器(捕获 panic)
func (ic *InterceptorChain) UnaryRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				ic.log.Error(ctx, "gRPC handler panic recovered", fmt.Errorf("%v", r),
					logger.String("method", info.FullMethod),
					logger.String("stack", string(debug.Stack())),
				)
				err = toStatus(errors.ErrSystem())
			}
		}()

		return handler(ctx, req)
	}
}

// UnaryLoggingInterceptor 日志拦截器
func (ic *InterceptorChain) UnaryLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		startTime := time.Now()

		resp, err := handler(ctx, req)

		statusCode := grpcCodes.OK
		if err != nil {
			if st, ok := status.FromError(err); ok {
				statusCode = st.Code()
			}
		}

		fields := []logger.Field{
			logger.String("method", info.FullMethod),
			logger.String("client_ip", clientAddr(ctx)),
			logger.Int64("duration_ms", time.Since(startTime).Milliseconds()),
			logger.String("status", statusCode.String()),
		}
		// health probes are noisy
		if info.FullMethod == healthCheckMethod && err == nil {
			ic.log.Debug(ctx, "gRPC request completed", fields...)
		} else {
			ic.log.Info(ctx, "gRPC request completed", fields...)
		}
		return resp, err
	}
}

// UnaryRateLimitInterceptor 限流拦截器. Limiter failures fail open.
func (ic *InterceptorChain) UnaryRateLimitInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if ic.limiter == nil {
			return handler(ctx, req)
		}

		key := "grpc:" + clientAddr(ctx)
		res, err := ic.limiter.Allow(ctx, key, ic.rule)
		if err != nil {
			ic.log.Warn(ctx, "rate limit check failed", logger.String("key", key), logger.Error(err))
			// 限流服务故障时降级放行
			return handler(ctx, req)
		}
		if !res.Allowed {
			ic.log.Warn(ctx, "rate limit exceeded",
				logger.String("key", key),
				logger.String("method", info.FullMethod),
			)
			return nil, toStatus(errors.ErrRateLimited())
		}
		return handler(ctx, req)
	}
}

// UnaryErrorInterceptor 错误转换拦截器(将领域错误转换为 gRPC 状态码)
func (ic *InterceptorChain) UnaryErrorInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		return resp, toStatus(err)
	}
}

// toStatus 将领域错误转换为 gRPC 错误
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	atlasErr, ok := errors.AsAtlasError(err)
	if !ok {
		atlasErr = errors.ErrSystem()
	}

	var code grpcCodes.Code
	switch atlasErr.HTTPStatus() {
	case 400:
		code = grpcCodes.InvalidArgument
	case 401:
		code = grpcCodes.Unauthenticated
	case 403:
		code = grpcCodes.PermissionDenied
	case 404:
		code = grpcCodes.NotFound
	case 429:
		code = grpcCodes.ResourceExhausted
	case 503:
		code = grpcCodes.Unavailable
	case 504:
		code = grpcCodes.DeadlineExceeded
	default:
		code = grpcCodes.Internal
	}
	return status.Errorf(code, "%s: %s", atlasErr.Code(), atlasErr.Message())
}

// ServerOptions chains every interceptor in execution order.
func (ic *InterceptorChain) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			ic.UnaryTraceInterceptor(),     // 1. trace id
			ic.UnaryRecoveryInterceptor(),  // 2. 恢复 panic
			ic.UnaryLoggingInterceptor(),   // 3. 日志
			ic.UnaryRateLimitInterceptor(), // 4. 限流
			ic.UnaryErrorInterceptor(),     // 5. 错误转换
		),
	}
}

// clientAddr keys on the transport peer host. Caller supplied metadata such as
// x-forwarded-for is not trusted; the port is dropped so reconnecting does not reset the bucket.
func clientAddr(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
