package middleware

import (
	"context"
	"time"

	"uebridge/message"
	"uebridge/rpcerr"
)

// TimeOutMiddleware answers TimedOut when next does not return within timeout.
// next keeps running with a cancelled context; its response is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Fail(req.CallID, string(rpcerr.TimedOut), "request timed out after "+timeout.String())
			}
		}
	}
}
