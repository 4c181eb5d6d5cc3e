// Package middleware wraps request handlers with cross-cutting behaviour.
//
// The same HandlerFunc shape serves both ends of a session: the engine host wraps
// its object model with it, and proxy.Client wraps the session round trip with it.
// Failures travel as Error-status responses, never as Go errors, so a chain can
// inspect and rewrite them.
package middleware

import (
	"context"

	"uebridge/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
