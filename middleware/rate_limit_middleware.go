package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"remoting/message"
)

// RateLimit rejects calls beyond r per second (with burst) using a token
// bucket shared by every connection of the server.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewFailure(req.ID, message.Errorf(message.KindRateLimited,
					"rate limit exceeded for %s", req.ServiceMethod()))
			}
			return next(ctx, req)
		}
	}
}
