package interceptor

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ogurasousui/staff-provisioning/internal/platform/ids"
	"github.com/ogurasousui/staff-provisioning/internal/platform/logging"
)

const requestIDHeader = "x-request-id"

// RPCObserver は RPC 単位の計測値を受け取ります。
type RPCObserver interface {
	ObserveRPC(method, code string, elapsed time.Duration)
}

// RequestLogging はリクエスト ID を払い出してログ属性へ載せ、終了時にアクセスログを出力します。
// クライアントが x-request-id を送った場合はそれを引き継ぎます。
func RequestLogging(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		requestID := firstValue(md, requestIDHeader)
		if requestID == "" {
			requestID = ids.New()
		}
		ctx = logging.WithAttrs(ctx, slog.String("request_id", requestID))
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		level := slog.LevelInfo
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.DataLoss:
			level = slog.LevelError
		default:
			level = slog.LevelWarn
		}
		logger.LogAttrs(ctx, level, "grpc request",
			slog.String("method", info.FullMethod),
			slog.String("code", code.String()),
			slog.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

// Metrics は RPC ごとの結果コードと所要時間を記録します。
func Metrics(observer RPCObserver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observer.ObserveRPC(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// Recovery はハンドラ内の panic を Internal に変換します。
func Recovery(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.ErrorContext(ctx, "grpc handler panic",
					"method", info.FullMethod,
					slog.Group("error",
						"panic", p,
						"stack", string(debug.Stack()),
					),
				)
				resp, err = nil, status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
