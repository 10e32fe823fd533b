package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"remoting/message"
)

// Recover turns a panic further down the chain into a Panic failure.
func Recover(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())
					logger.Error("handler panicked",
						zap.String("method", req.ServiceMethod()),
						zap.Any("panic", r),
						zap.String("stack", stack))
					resp = message.NewFailure(req.ID, &message.Error{
						Kind:    message.KindPanic,
						Message: fmt.Sprint(r),
						Stack:   stack,
					})
				}
			}()
			return next(ctx, req)
		}
	}
}
