package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"uebridge/message"
)

// ErrorKindRateLimited is the errorKind of requests refused by RateLimitMiddleware.
// It is outside the core taxonomy and reaches callers as a Remote error.
const ErrorKindRateLimited = "RateLimited"

// RateLimitMiddleware admits requests through a token bucket of r per second with
// the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Fail(req.CallID, ErrorKindRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
