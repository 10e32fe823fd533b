// Package middleware wraps the server-side request handler.
//
// Middlewares compose like an onion: Chain(A, B, C)(h) runs A's before-part,
// then B's, then C's, then h, then unwinds in reverse order.
package middleware

import (
	"context"

	"remoting/message"
)

// HandlerFunc turns one request into exactly one response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
