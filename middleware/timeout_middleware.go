package middleware

import (
	"context"
	"time"

	"remoting/message"
)

// Timeout answers with a Timeout failure if the handler has not returned
// within timeout. The handler keeps running with a cancelled context; its
// late response is discarded.
func Timeout(timeout time.Duration) Middleware {
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
				return message.NewFailure(req.ID, message.Errorf(message.KindTimeout,
					"%s did not complete within %s", req.ServiceMethod(), timeout))
			}
		}
	}
}
