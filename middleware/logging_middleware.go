package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"uebridge/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("op", req.Op()),
				zap.Uint64("call_id", req.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				logger.Warn("request failed", append(fields,
					zap.String("error_kind", resp.ErrorKind),
					zap.String("error", resp.ErrorMessage))...)
				return resp
			}
			logger.Debug("request", fields...)
			return resp
		}
	}
}
