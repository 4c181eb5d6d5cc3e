package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"uebridge/message"
	"uebridge/rpcerr"
)

// RetryMiddleware retries idempotent requests (reads) that timed out, with
// exponential backoff. Every other request, "new" in particular, is passed through
// exactly once.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			resp := next(ctx, req)
			if !req.Kind.Idempotent() {
				return resp
			}
			for i := 0; i < maxRetries; i++ {
				if !resp.Failed() || resp.ErrorKind != string(rpcerr.TimedOut) {
					return resp
				}
				logger.Info("retrying read",
					zap.Int("attempt", i+1),
					zap.String("op", req.Op()),
					zap.String("error", resp.ErrorMessage))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)): // exponential backoff
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
